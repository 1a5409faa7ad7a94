// Package dns is the inter-container-connectivity resolver: a
// Docker-compatible embedded DNS server answering A-record queries for
// container names and short ids, forwarding anything it can't resolve
// to an upstream server (spec §4.5, Open Question 1).
package dns

import (
	"fmt"
	"net"
	"strings"

	"github.com/miekg/dns"
	"github.com/quilt-run/quilt/pkg/log"
	"github.com/quilt-run/quilt/pkg/storage"
)

// Resolver answers container-name and short-id queries against the
// Store's ICC view.
type Resolver struct {
	store  *storage.Store
	domain string // search domain appended to bare names, e.g. "quilt"
}

// NewResolver creates a new DNS resolver.
func NewResolver(store *storage.Store, domain string) *Resolver {
	return &Resolver{store: store, domain: domain}
}

// Resolve resolves a query name to A records, matching by full
// container name or short id (§4.5: "name and short id are both
// resolvable, with or without the search domain suffix").
func (r *Resolver) Resolve(queryName string) ([]dns.RR, error) {
	name := strings.TrimSuffix(strings.ToLower(queryName), ".")
	name = r.stripDomain(name)

	reg, err := r.store.ResolveICC(name)
	if err != nil {
		log.WithComponent("dns.resolver").Debug().Str("query", name).Err(err).Msg("no icc registration for query")
		return nil, fmt.Errorf("query not resolvable: %s", queryName)
	}

	ip := net.ParseIP(reg.IP)
	if ip == nil {
		return nil, fmt.Errorf("registration for %s has no valid ip", name)
	}

	return []dns.RR{&dns.A{
		Hdr: dns.RR_Header{
			Name:   r.makeFQDN(queryName),
			Rrtype: dns.TypeA,
			Class:  dns.ClassINET,
			Ttl:    5, // containers can stop/restart at any time
		},
		A: ip.To4(),
	}}, nil
}

// stripDomain removes the search domain suffix from a name, if present.
func (r *Resolver) stripDomain(name string) string {
	if r.domain == "" {
		return name
	}
	return strings.TrimSuffix(name, "."+r.domain)
}

// makeFQDN ensures a name ends with a dot (fully qualified), preserving
// the query's own casing/suffix rather than the normalized lookup key.
func (r *Resolver) makeFQDN(name string) string {
	if !strings.HasSuffix(name, ".") {
		return name + "."
	}
	return name
}
