// Package cmdexec is the sole path through which Quilt shells out to
// external utilities (ip, iptables, tar, nsenter). Centralizing it here
// localizes audit of every process Quilt spawns and leaves room for a
// future direct-syscall replacement without touching callers.
//
// The pattern is lifted from the teacher's pkg/network/hostports.go
// runIPTables helper (bounded exec.Command + CombinedOutput) generalized
// to arbitrary argv, a context timeout, and an optional namespace-entry
// prefix, in the style of pkg/health/exec.go's ExecChecker.
package cmdexec

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"time"

	"github.com/quilt-run/quilt/pkg/log"
)

// DefaultTimeout bounds any invocation that doesn't specify its own.
const DefaultTimeout = 30 * time.Second

// Result is the outcome of a completed invocation.
type Result struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

// ErrTimedOut is returned (wrapped) when the command is killed for
// exceeding its timeout.
var ErrTimedOut = fmt.Errorf("cmdexec: command timed out")

// NamespaceTarget asks the executor to run the command inside another
// process's namespaces via `nsenter -t PID ...`.
type NamespaceTarget struct {
	PID int
	// Flags restricts nsenter to a subset (e.g. "-n" for network
	// only). Empty means nsenter's default (enter all of them).
	Flags []string
}

// Executor runs external commands with a bounded timeout and captured
// output. It never leaks zombies: every *exec.Cmd started here is
// Wait()ed, even on timeout.
type Executor struct{}

// New creates an Executor. There is no configuration today; the type
// exists so callers depend on a component value rather than free
// functions, matching the rest of the codebase's component style.
func New() *Executor {
	return &Executor{}
}

// Run executes argv[0] with argv[1:] as arguments, capturing stdout and
// stderr, bounded by timeout (DefaultTimeout if zero). stdin may be nil.
func (e *Executor) Run(ctx context.Context, timeout time.Duration, argv []string, stdin []byte) (Result, error) {
	return e.run(ctx, timeout, nil, argv, stdin)
}

// RunInNamespace is Run, but the command is run inside ns.PID's
// namespaces via nsenter.
func (e *Executor) RunInNamespace(ctx context.Context, timeout time.Duration, ns NamespaceTarget, argv []string, stdin []byte) (Result, error) {
	return e.run(ctx, timeout, &ns, argv, stdin)
}

func (e *Executor) run(ctx context.Context, timeout time.Duration, ns *NamespaceTarget, argv []string, stdin []byte) (Result, error) {
	if len(argv) == 0 {
		return Result{}, fmt.Errorf("cmdexec: empty argv")
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	runArgv := argv
	if ns != nil {
		nsArgv := append([]string{"-t", fmt.Sprintf("%d", ns.PID)}, ns.Flags...)
		nsArgv = append(nsArgv, "--")
		nsArgv = append(nsArgv, argv...)
		runArgv = append([]string{"nsenter"}, nsArgv...)
	}

	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	cmd := exec.CommandContext(execCtx, runArgv[0], runArgv[1:]...)
	if len(stdin) > 0 {
		cmd.Stdin = bytes.NewReader(stdin)
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	duration := time.Since(start)

	logger := log.WithComponent("cmdexec")
	ev := logger.Debug().Strs("argv", runArgv).Dur("duration", duration)
	if err != nil {
		ev = ev.Err(err)
	}
	ev.Msg("command finished")

	result := Result{Stdout: stdout.String(), Stderr: stderr.String()}

	if execCtx.Err() == context.DeadlineExceeded {
		return result, fmt.Errorf("%w: %s", ErrTimedOut, runArgv[0])
	}
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			result.ExitCode = exitErr.ExitCode()
			return result, fmt.Errorf("cmdexec: %s exited %d: %s", runArgv[0], result.ExitCode, result.Stderr)
		}
		return result, fmt.Errorf("cmdexec: %s: %w", runArgv[0], err)
	}

	return result, nil
}
