// Package runtime orchestrates one container's process lifecycle:
// namespace creation (pkg/nsinit), resource enforcement (pkg/cgroup),
// and network attachment (pkg/network), driven through the spec §4.6
// readiness protocol — the child blocks on a pipe until the parent has
// finished wiring cgroups and networking, and is only marked running
// once both the pipe write and a namespace-materialization check
// succeed.
//
// The method-per-lifecycle-operation shape (Start/Stop/Kill/Teardown)
// and its context-first, wrapped-error style follow the teacher's
// ContainerdRuntime, which this package replaces outright: Warren
// delegated every one of these operations to a containerd daemon over
// gRPC, where Quilt owns the process tree directly.
package runtime

import (
	"context"
	"fmt"
	"os"
	"syscall"
	"time"

	"github.com/quilt-run/quilt/pkg/cgroup"
	"github.com/quilt-run/quilt/pkg/log"
	"github.com/quilt-run/quilt/pkg/network"
	"github.com/quilt-run/quilt/pkg/nsinit"
	"github.com/quilt-run/quilt/pkg/quilterrors"
	"github.com/quilt-run/quilt/pkg/types"
)

// DefaultReadyTimeout bounds how long Start waits for a requested
// network namespace to materialize before declaring the spawn failed
// (spec §4.6: "bounded total timeout").
const DefaultReadyTimeout = 10 * time.Second

// Runtime drives process-level container lifecycle for one Quilt
// instance. It holds no per-container state; everything it needs is
// passed in on each call, with the Store as the source of truth.
type Runtime struct {
	network      *network.Manager
	readyTimeout time.Duration
}

// New constructs a Runtime. readyTimeout of zero uses DefaultReadyTimeout.
func New(net *network.Manager, readyTimeout time.Duration) *Runtime {
	if readyTimeout <= 0 {
		readyTimeout = DefaultReadyTimeout
	}
	return &Runtime{network: net, readyTimeout: readyTimeout}
}

// StartResult carries everything the caller needs to persist after a
// successful Start: the child's PID and, when network mode was
// requested, the veth pair names actually wired up.
type StartResult struct {
	PID           int
	HostVeth      string
	ContainerVeth string
}

// Start spawns c's process and blocks until it is ready to be marked
// running: namespaces created, cgroup enrolled, network attached (if
// requested), and the child released from the readiness pipe. On any
// failure the partially-created process and its cgroup are torn down
// before returning, so a failed Start never leaves a runnable child
// behind it; a veth pair already created is not detached here and is
// left to the caller's network cleanup (spec §4.6 "any->error" must be
// reachable cleanly from every step).
func (rt *Runtime) Start(ctx context.Context, c *types.Container, allocatedIP string) (StartResult, error) {
	logger := log.WithContainerID(c.ID)

	cfg := nsinit.Config{
		ContainerID: c.ID,
		RootfsPath:  c.RootfsPath,
		Argv:        c.Spec.Argv,
		Env:         c.Spec.Env,
		Namespaces:  c.Spec.Namespaces,
	}

	handle, err := nsinit.Spawn(cfg)
	if err != nil {
		return StartResult{}, quilterrors.Wrap(quilterrors.Runtime, "spawn container process", err)
	}

	cg, err := cgroup.Create(c.ID, handle.PID, c.Spec.MemoryMB, c.Spec.CPUPercent)
	if err != nil {
		rt.abortSpawn(handle, 0)
		return StartResult{}, quilterrors.Wrap(quilterrors.Runtime, "enroll cgroup", err)
	}

	var result StartResult
	result.PID = handle.PID

	if c.Spec.NetworkMode && c.Spec.Namespaces[types.NamespaceNetwork] {
		hostVeth, containerVeth, err := rt.network.AttachContainer(ctx, c.ID, handle.PID, allocatedIP)
		if err != nil {
			_ = cg.Delete()
			rt.abortSpawn(handle, 0)
			return StartResult{}, quilterrors.Wrap(quilterrors.Runtime, "attach container network", err)
		}
		result.HostVeth = hostVeth
		result.ContainerVeth = containerVeth
	}

	if err := handle.SignalReady(); err != nil {
		_ = cg.Delete()
		rt.killProcess(handle.PID)
		return StartResult{}, quilterrors.Wrap(quilterrors.Runtime, "signal child ready", err)
	}

	if c.Spec.Namespaces[types.NamespaceNetwork] {
		if !nsinit.NetNSReady(handle.PID, rt.readyTimeout) {
			_ = cg.Delete()
			rt.killProcess(handle.PID)
			return StartResult{}, quilterrors.Wrap(quilterrors.Runtime, "wait for network namespace",
				fmt.Errorf("namespace did not materialize within %s", rt.readyTimeout))
		}
	}

	logger.Info().Int("pid", result.PID).Msg("container started")
	return result, nil
}

// abortSpawn releases a spawned child that never got far enough to be
// worth tearing down cgroup/network state for: it unblocks the pipe
// with Abort (so the child exits on its own rather than being signaled
// twice) and reaps it with a short grace period before SIGKILL.
func (rt *Runtime) abortSpawn(h *nsinit.Handle, grace time.Duration) {
	h.Abort()
	if grace > 0 {
		time.Sleep(grace)
	}
	rt.killProcess(h.PID)
}

func (rt *Runtime) killProcess(pid int) {
	_ = syscall.Kill(pid, syscall.SIGKILL)
	var ws syscall.WaitStatus
	_, _ = syscall.Wait4(pid, &ws, 0, nil)
}

// Stop sends SIGTERM and waits up to timeout for the process to exit,
// escalating to SIGKILL if it doesn't (spec §4.6 graceful-then-forced
// shutdown, matching the teacher's StopContainer shape).
func (rt *Runtime) Stop(ctx context.Context, pid int, timeout time.Duration) error {
	if !processAlive(pid) {
		return nil
	}

	if err := syscall.Kill(pid, syscall.SIGTERM); err != nil {
		if err == syscall.ESRCH {
			return nil
		}
		return quilterrors.Wrap(quilterrors.Runtime, "send sigterm", err)
	}

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if !processAlive(pid) {
			return nil
		}
		select {
		case <-ctx.Done():
			return quilterrors.Wrap(quilterrors.Runtime, "stop container", ctx.Err())
		case <-time.After(50 * time.Millisecond):
		}
	}

	return rt.Kill(pid)
}

// Kill sends SIGKILL unconditionally; used by `remove --force` and by
// Stop's timeout escalation.
func (rt *Runtime) Kill(pid int) error {
	if err := syscall.Kill(pid, syscall.SIGKILL); err != nil && err != syscall.ESRCH {
		return quilterrors.Wrap(quilterrors.Runtime, "send sigkill", err)
	}
	return nil
}

// processAlive reports whether pid still exists, treating "no such
// process" as the only definitive "gone" signal; permission errors are
// not expected since Quilt only manages processes it spawned itself.
func processAlive(pid int) bool {
	err := syscall.Kill(pid, 0)
	return err == nil || err == syscall.EPERM
}

// Teardown releases a container's cgroup and network attachment after
// its process has exited — the inverse of Start's setup, using the
// same two components. Nothing in this module calls it; the Cleanup
// Service (C8) runs the same steps as separate queued tasks.
func (rt *Runtime) Teardown(ctx context.Context, containerID string) error {
	if err := cgroup.DeleteByID(containerID); err != nil && !os.IsNotExist(err) {
		return quilterrors.Wrap(quilterrors.Runtime, "delete cgroup", err)
	}
	if err := rt.network.DetachContainer(ctx, containerID); err != nil {
		return quilterrors.Wrap(quilterrors.Runtime, "detach container network", err)
	}
	return nil
}
