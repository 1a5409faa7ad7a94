package network

import (
	"context"

	"github.com/quilt-run/quilt/pkg/quilterrors"
)

// ensureIPTables installs the MASQUERADE and FORWARD rules spec §4.5
// requires, tagged with ruleComment so TeardownIPTables can remove
// exactly these rules later. Idempotent: -C (check) before -A (append)
// so re-running EnsureBridge after a restart doesn't duplicate rules.
func (m *Manager) ensureIPTables(ctx context.Context) error {
	masqRule := []string{"-t", "nat", "POSTROUTING", "-s", m.subnet, "!", "-o", m.bridge,
		"-j", "MASQUERADE", "-m", "comment", "--comment", ruleComment}
	if err := m.appendIfMissing(ctx, masqRule); err != nil {
		return quilterrors.Wrap(quilterrors.Runtime, "install masquerade rule", err)
	}

	forwardOut := []string{"FORWARD", "-i", m.bridge, "-j", "ACCEPT", "-m", "comment", "--comment", ruleComment}
	if err := m.appendIfMissing(ctx, forwardOut); err != nil {
		return quilterrors.Wrap(quilterrors.Runtime, "install forward-out rule", err)
	}

	forwardIn := []string{"FORWARD", "-o", m.bridge, "-j", "ACCEPT", "-m", "comment", "--comment", ruleComment}
	if err := m.appendIfMissing(ctx, forwardIn); err != nil {
		return quilterrors.Wrap(quilterrors.Runtime, "install forward-in rule", err)
	}

	return nil
}

// appendIfMissing runs `iptables -C <rule>` and only appends (`-A`)
// when the check fails, keeping EnsureBridge idempotent across
// restarts without scanning and parsing the full ruleset.
func (m *Manager) appendIfMissing(ctx context.Context, rule []string) error {
	checkArgs := append([]string{"iptables"}, replaceVerb(rule, "-C")...)
	if _, err := m.exec.Run(ctx, 0, checkArgs, nil); err == nil {
		return nil // already present
	}

	appendArgs := append([]string{"iptables"}, replaceVerb(rule, "-A")...)
	_, err := m.exec.Run(ctx, 0, appendArgs, nil)
	return err
}

// replaceVerb returns a copy of rule with its leading chain-selector
// segment's action replaced by verb. Rules here are expressed without
// an explicit verb (the table/chain/match arguments only); this
// prepends verb right before the chain name, which for the fixed set
// of rules ensureIPTables builds is always argument index 0 unless a
// "-t <table>" pair precedes it.
func replaceVerb(rule []string, verb string) []string {
	if len(rule) >= 2 && rule[0] == "-t" {
		out := make([]string, 0, len(rule)+1)
		out = append(out, rule[0], rule[1], verb)
		out = append(out, rule[2:]...)
		return out
	}
	out := make([]string, 0, len(rule)+1)
	out = append(out, verb)
	out = append(out, rule...)
	return out
}

// TeardownIPTables removes every rule ensureIPTables installed. Used
// during graceful shutdown when the bridge itself is left in place
// (spec §9: the bridge may be reused by the next incarnation) but the
// NAT/forward rules should not accumulate duplicates across restarts
// that don't go through appendIfMissing's check.
func (m *Manager) TeardownIPTables(ctx context.Context) error {
	rules := [][]string{
		{"-t", "nat", "POSTROUTING", "-s", m.subnet, "!", "-o", m.bridge,
			"-j", "MASQUERADE", "-m", "comment", "--comment", ruleComment},
		{"FORWARD", "-i", m.bridge, "-j", "ACCEPT", "-m", "comment", "--comment", ruleComment},
		{"FORWARD", "-o", m.bridge, "-j", "ACCEPT", "-m", "comment", "--comment", ruleComment},
	}
	var firstErr error
	for _, rule := range rules {
		args := append([]string{"iptables"}, replaceVerb(rule, "-D")...)
		if _, err := m.exec.Run(ctx, 0, args, nil); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
