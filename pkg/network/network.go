// Package network is the Network Manager (C5): host bridge bring-up,
// veth pair creation, in-namespace configuration, iptables NAT/forward
// rules, and ICC ping/exec. It shells out exclusively through
// pkg/cmdexec, the same centralization the teacher's
// pkg/network/hostports.go runIPTables helper already practiced for
// port-forwarding rules — generalized here to bridge and veth
// lifecycle and tagged with a comment marker so Quilt's rules can be
// found and removed without touching unrelated ones.
package network

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/quilt-run/quilt/pkg/cmdexec"
	"github.com/quilt-run/quilt/pkg/log"
	"github.com/quilt-run/quilt/pkg/quilterrors"
)

// ruleComment tags every iptables rule Quilt installs so they can be
// found and removed without disturbing rules owned by anything else
// on the host (spec §4.5).
const ruleComment = "quilt-managed"

const defaultMTU = 1500

// Manager owns the host bridge, IP pool delegation, veth lifecycle,
// and ICC operations for one Quilt instance.
type Manager struct {
	exec       *cmdexec.Executor
	bridge     string
	subnet     string // e.g. "10.42.0.1/16"
	gatewayIP  string
	mtu        int
	uplinkIfce string

	ready      atomic.Bool
	setupMu    sync.Mutex
}

// Config configures a Manager; zero values fall back to the spec's
// defaults (bridge "quilt0", subnet "10.42.0.0/16").
type Config struct {
	Executor      *cmdexec.Executor
	BridgeName    string
	GatewayCIDR   string // e.g. "10.42.0.1/16"
	MTU           int
	UplinkIface   string // stored only; the MASQUERADE rule matches any interface but the bridge
}

// New constructs a Manager. The bridge itself is not created until
// the first EnsureBridge call, so constructing a Manager never
// touches host network state.
func New(cfg Config) *Manager {
	bridge := cfg.BridgeName
	if bridge == "" {
		bridge = "quilt0"
	}
	gateway := cfg.GatewayCIDR
	if gateway == "" {
		gateway = "10.42.0.1/16"
	}
	mtu := cfg.MTU
	if mtu == 0 {
		mtu = defaultMTU
	}

	return &Manager{
		exec:       cfg.Executor,
		bridge:     bridge,
		subnet:     gateway,
		gatewayIP:  ipOnly(gateway),
		mtu:        mtu,
		uplinkIfce: cfg.UplinkIface,
	}
}

// EnsureBridge brings up the host bridge if it isn't already up. It's
// idempotent and safe under concurrent callers: the first caller to
// observe ready==false performs setup under a lock; everyone else
// simply observes ready==true and returns (spec §4.5's "lock-free
// setup-in-progress marker", implemented here as an atomic flag
// guarding a short critical section rather than true lock-free CAS,
// since the work inside is a handful of shell-outs, not a hot path).
func (m *Manager) EnsureBridge(ctx context.Context) error {
	if m.ready.Load() {
		return nil
	}

	m.setupMu.Lock()
	defer m.setupMu.Unlock()
	if m.ready.Load() {
		return nil
	}

	logger := log.WithComponent("network")

	if m.bridgeExists(ctx) {
		logger.Info().Str("bridge", m.bridge).Msg("adopting existing bridge")
	} else {
		if _, err := m.exec.Run(ctx, 0, []string{"ip", "link", "add", "name", m.bridge, "type", "bridge"}, nil); err != nil {
			return quilterrors.Wrap(quilterrors.Runtime, "create bridge", err)
		}
		if _, err := m.exec.Run(ctx, 0, []string{"ip", "addr", "add", m.subnet, "dev", m.bridge}, nil); err != nil {
			return quilterrors.Wrap(quilterrors.Runtime, "assign bridge address", err)
		}
	}

	if _, err := m.exec.Run(ctx, 0, []string{"ip", "link", "set", m.bridge, "up"}, nil); err != nil {
		return quilterrors.Wrap(quilterrors.Runtime, "bring up bridge", err)
	}
	if _, err := m.exec.Run(ctx, 0, []string{"ip", "link", "set", m.bridge, "mtu", itoa(m.mtu)}, nil); err != nil {
		return quilterrors.Wrap(quilterrors.Runtime, "set bridge mtu", err)
	}

	if err := m.ensureIPTables(ctx); err != nil {
		return err
	}

	m.ready.Store(true)
	logger.Info().Str("bridge", m.bridge).Str("subnet", m.subnet).Msg("bridge ready")
	return nil
}

func (m *Manager) bridgeExists(ctx context.Context) bool {
	_, err := m.exec.Run(ctx, 5*time.Second, []string{"ip", "link", "show", m.bridge}, nil)
	return err == nil
}

func itoa(n int) string { return fmt.Sprintf("%d", n) }

// ipOnly strips the mask from a CIDR string ("10.42.0.1/16" -> "10.42.0.1").
func ipOnly(cidr string) string {
	for i, c := range cidr {
		if c == '/' {
			return cidr[:i]
		}
	}
	return cidr
}
