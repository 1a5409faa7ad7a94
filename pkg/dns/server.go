package dns

import (
	"context"
	"fmt"
	"net"
	"sync"

	"github.com/miekg/dns"
	"github.com/quilt-run/quilt/pkg/log"
	"github.com/quilt-run/quilt/pkg/storage"
)

const (
	// DefaultListenAddr is the Docker-compatible embedded DNS address.
	DefaultListenAddr = "127.0.0.11:53"

	// DefaultDomain is the default search domain for container names.
	DefaultDomain = "quilt"

	// DefaultUpstream is the fallback DNS server for queries the ICC
	// view can't answer when no Upstream is configured and
	// /etc/resolv.conf lists no nameserver (Open Question 1: forward
	// rather than NXDOMAIN).
	DefaultUpstream = "8.8.8.8:53"
)

// Server is the embedded DNS server backing inter-container name
// resolution.
type Server struct {
	resolver   *Resolver
	dnsServer  *dns.Server
	listenAddr string
	upstream   []string
	mu         sync.RWMutex
	running    bool
}

// Config holds DNS server configuration.
type Config struct {
	ListenAddr string
	Domain     string
	Upstream   []string
}

// NewServer creates a new DNS server.
func NewServer(store *storage.Store, config *Config) *Server {
	if config == nil {
		config = &Config{}
	}
	if config.ListenAddr == "" {
		config.ListenAddr = DefaultListenAddr
	}
	if config.Domain == "" {
		config.Domain = DefaultDomain
	}
	if len(config.Upstream) == 0 {
		if cc, err := dns.ClientConfigFromFile("/etc/resolv.conf"); err == nil {
			for _, srv := range cc.Servers {
				config.Upstream = append(config.Upstream, net.JoinHostPort(srv, cc.Port))
			}
		}
	}
	if len(config.Upstream) == 0 {
		config.Upstream = []string{DefaultUpstream}
	}

	return &Server{
		resolver:   NewResolver(store, config.Domain),
		listenAddr: config.ListenAddr,
		upstream:   config.Upstream,
	}
}

// Start starts the DNS server, serving until ctx is cancelled or Stop
// is called.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("dns server already running")
	}
	s.running = true
	s.mu.Unlock()

	logger := log.WithComponent("dns")
	logger.Info().Str("address", s.listenAddr).Msg("starting dns server")

	mux := dns.NewServeMux()
	mux.HandleFunc(".", s.handleDNSQuery)

	s.dnsServer = &dns.Server{Addr: s.listenAddr, Net: "udp", Handler: mux}

	errCh := make(chan error, 1)
	go func() {
		if err := s.dnsServer.ListenAndServe(); err != nil {
			logger.Error().Err(err).Msg("dns server error")
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
		return err
	case <-ctx.Done():
		return s.Stop()
	default:
		logger.Info().Str("address", s.listenAddr).Msg("dns server started")
		return nil
	}
}

// Stop stops the DNS server.
func (s *Server) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return nil
	}

	logger := log.WithComponent("dns")
	if s.dnsServer != nil {
		if err := s.dnsServer.Shutdown(); err != nil {
			logger.Error().Err(err).Msg("error stopping dns server")
			return err
		}
	}

	s.running = false
	logger.Info().Msg("dns server stopped")
	return nil
}

// handleDNSQuery answers one incoming query, forwarding to upstream on
// any unsupported type or unresolvable name.
func (s *Server) handleDNSQuery(w dns.ResponseWriter, r *dns.Msg) {
	msg := &dns.Msg{}
	msg.SetReply(r)
	msg.Authoritative = true

	logger := log.WithComponent("dns")

	for _, q := range r.Question {
		if q.Qtype != dns.TypeA {
			logger.Debug().Str("query", q.Name).Uint16("qtype", q.Qtype).Msg("forwarding unsupported query type")
			s.forwardQuery(w, r)
			return
		}

		answers, err := s.resolver.Resolve(q.Name)
		if err != nil {
			logger.Debug().Err(err).Str("query", q.Name).Msg("forwarding unresolvable query")
			s.forwardQuery(w, r)
			return
		}

		msg.Answer = append(msg.Answer, answers...)
	}

	if err := w.WriteMsg(msg); err != nil {
		logger.Error().Err(err).Msg("failed to write dns response")
	}
}

// forwardQuery relays r to the configured upstream servers in order,
// returning SERVFAIL only if every upstream fails.
func (s *Server) forwardQuery(w dns.ResponseWriter, r *dns.Msg) {
	client := &dns.Client{Net: "udp"}
	logger := log.WithComponent("dns")

	for _, upstream := range s.upstream {
		resp, _, err := client.Exchange(r, upstream)
		if err != nil {
			logger.Debug().Err(err).Str("upstream", upstream).Msg("upstream exchange failed")
			continue
		}
		if err := w.WriteMsg(resp); err != nil {
			logger.Error().Err(err).Msg("failed to write forwarded response")
		}
		return
	}

	msg := &dns.Msg{}
	msg.SetReply(r)
	msg.Rcode = dns.RcodeServerFailure
	if err := w.WriteMsg(msg); err != nil {
		logger.Error().Err(err).Msg("failed to write servfail response")
	}
}

// IsRunning reports whether the server is currently serving.
func (s *Server) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}
