package network

import (
	"context"
	"fmt"
	"time"

	"github.com/quilt-run/quilt/pkg/cmdexec"
	"github.com/quilt-run/quilt/pkg/quilterrors"
)

// PingResult is the outcome of one inter-container-connectivity probe
// (spec §6 icc_ping).
type PingResult struct {
	Sent     int
	Received int
	Output   string
}

// Ping runs count ICMP echo requests from fromPID's network namespace
// to targetIP, bounded by timeout. fromPID is the PID of the probing
// container's init process; its network namespace already has the
// route needed to reach targetIP, since both sit on the same bridge.
func (m *Manager) Ping(ctx context.Context, fromPID int, targetIP string, count int, timeout time.Duration) (PingResult, error) {
	if count <= 0 {
		count = 1
	}
	deadlineSecs := int(timeout.Seconds())
	if deadlineSecs <= 0 {
		deadlineSecs = 5
	}

	ns := cmdexec.NamespaceTarget{PID: fromPID, Flags: []string{"-n"}}
	argv := []string{"ping", "-c", itoa(count), "-W", itoa(deadlineSecs), targetIP}

	res, err := m.exec.RunInNamespace(ctx, timeout+2*time.Second, ns, argv, nil)
	if err != nil {
		// ping exits non-zero on packet loss; that's a result, not a
		// failure of the probe itself, so only a true exec failure
		// (bad argv, namespace gone) is reported as an error here.
		if res.Stdout == "" && res.Stderr == "" {
			return PingResult{}, quilterrors.Wrap(quilterrors.Runtime, "run ping", err)
		}
	}

	return PingResult{
		Sent:     count,
		Received: countReceived(res.Stdout),
		Output:   res.Stdout,
	}, nil
}

// countReceived parses the "N packets transmitted, M received" summary
// line ping prints; a malformed or absent summary counts as zero
// received rather than failing the probe.
func countReceived(output string) int {
	const marker = " received"
	idx := indexOf(output, marker)
	if idx < 0 {
		return 0
	}
	start := idx
	for start > 0 && output[start-1] >= '0' && output[start-1] <= '9' {
		start--
	}
	n := 0
	for _, c := range output[start:idx] {
		n = n*10 + int(c-'0')
	}
	return n
}

func indexOf(s, substr string) int {
	for i := 0; i+len(substr) <= len(s); i++ {
		if s[i:i+len(substr)] == substr {
			return i
		}
	}
	return -1
}

// ExecResult is the outcome of one exec-in-container invocation.
type ExecResult struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

// Exec runs argv inside pid's namespaces (all of them, not just
// network — spec §6 exec_in_container enters the full container
// environment) and returns its output, bounded by timeout.
func (m *Manager) Exec(ctx context.Context, pid int, argv []string, timeout time.Duration) (ExecResult, error) {
	if len(argv) == 0 {
		return ExecResult{}, quilterrors.BadArgumentf("exec argv must not be empty")
	}
	ns := cmdexec.NamespaceTarget{PID: pid}
	res, err := m.exec.RunInNamespace(ctx, timeout, ns, argv, nil)
	result := ExecResult{ExitCode: res.ExitCode, Stdout: res.Stdout, Stderr: res.Stderr}
	if err != nil && res.ExitCode == 0 {
		return result, quilterrors.Wrap(quilterrors.Runtime, fmt.Sprintf("exec %v", argv), err)
	}
	return result, nil
}
