// Package syncengine is the single-host façade (C9) that sequences
// calls across storage, network, runtime, monitor, and cleanup into
// the operations the RPC layer exposes: create/start/stop/kill/remove,
// status, list, logs, exec, and ICC ping. It composes those
// subcomponents the way the teacher's pkg/manager/manager.go composes
// store/raft/dns/ingress/secrets into one struct, minus every field
// Quilt has no cluster to need (raft, tokens, certs, ingress, acme).
package syncengine

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/quilt-run/quilt/pkg/cleanup"
	"github.com/quilt-run/quilt/pkg/image"
	"github.com/quilt-run/quilt/pkg/log"
	"github.com/quilt-run/quilt/pkg/metrics"
	"github.com/quilt-run/quilt/pkg/monitor"
	"github.com/quilt-run/quilt/pkg/network"
	"github.com/quilt-run/quilt/pkg/quilterrors"
	"github.com/quilt-run/quilt/pkg/runtime"
	"github.com/quilt-run/quilt/pkg/storage"
	"github.com/quilt-run/quilt/pkg/types"
)

const (
	startTimeout      = 30 * time.Second
	stopGrace         = 5 * time.Second
	execGrace         = 5 * time.Second
	removeWaitTimeout = 30 * time.Second
	pollInterval      = 100 * time.Millisecond
)

// Engine composes the subcomponents one running Quilt daemon owns.
type Engine struct {
	store   *storage.Store
	network *network.Manager
	runtime *runtime.Runtime
	monitor *monitor.Monitor
	cleanup *cleanup.Service

	runDir          string
	staticShellPath string
}

// Config carries everything New needs to assemble an Engine. Unlike
// the teacher's NewManager, which owns every subcomponent's
// construction, New here takes the already-constructed network
// Manager and Store so cmd/quiltd can choose its own wiring order
// (the bridge and executor setup happen before the Engine exists).
type Config struct {
	Store           *storage.Store
	Network         *network.Manager
	RunDir          string
	StaticShellPath string
	ReadyTimeout    time.Duration
}

// New assembles an Engine from already-constructed subcomponents.
func New(cfg Config) *Engine {
	readyTimeout := cfg.ReadyTimeout
	if readyTimeout <= 0 {
		readyTimeout = runtime.DefaultReadyTimeout
	}
	rt := runtime.New(cfg.Network, readyTimeout)
	return &Engine{
		store:           cfg.Store,
		network:         cfg.Network,
		runtime:         rt,
		monitor:         monitor.New(cfg.Store),
		cleanup:         cleanup.New(cfg.Store, cfg.Network),
		runDir:          cfg.RunDir,
		staticShellPath: cfg.StaticShellPath,
	}
}

// Start brings the host bridge up, re-attaches the Process Monitor to
// any containers left running by a prior daemon instance (P7), and
// starts the monitor and cleanup background loops.
func (e *Engine) Start(ctx context.Context) error {
	if err := e.network.EnsureBridge(ctx); err != nil {
		return err
	}
	if err := e.monitor.Reattach(); err != nil {
		return err
	}
	e.monitor.Start()
	e.cleanup.Start()
	return nil
}

// Stop halts the background loops. The Store is closed by the caller,
// which owns it independently of the Engine.
func (e *Engine) Stop() {
	e.monitor.Stop()
	e.cleanup.Stop()
}

// CreateContainer validates spec, inserts the container row, and
// prepares its rootfs. A rootfs failure moves the row straight to
// ContainerStateError rather than leaving it stuck in created with no
// way to ever start (I4, spec §4.4).
func (e *Engine) CreateContainer(spec types.ContainerSpec) (string, error) {
	if spec.Image == "" {
		return "", quilterrors.BadArgumentf("image is required")
	}
	if len(spec.Argv) == 0 && !spec.AsyncMode {
		return "", quilterrors.BadArgumentf("argv is required unless async_mode is set")
	}
	if _, err := os.Stat(spec.Image); err != nil {
		return "", quilterrors.Wrap(quilterrors.BadArgument, "image tarball", err)
	}

	id, err := e.store.CreateContainer(spec)
	if err != nil {
		return "", err
	}

	rootfsPath := filepath.Join(e.runDir, "rootfs", id)
	if err := image.Prepare(spec.Image, rootfsPath, e.staticShellPath); err != nil {
		_ = e.store.SetError(id, err.Error())
		_ = e.store.TransitionState(id, []types.ContainerState{types.ContainerStateCreated}, types.ContainerStateError)
		return "", err
	}
	if err := e.store.SetRootfsPath(id, rootfsPath); err != nil {
		return "", err
	}
	return id, nil
}

// StartContainer moves idOrName from created (or exited, for a
// restart) to running: spawns the process, attaches it to the
// network if requested, and hands the PID to the Process Monitor.
// Every failure branch unwinds back to ContainerStateError rather
// than leaving a half-started container behind.
func (e *Engine) StartContainer(idOrName string) error {
	status, err := e.store.GetStatus(idOrName)
	if err != nil {
		return err
	}
	id := status.ID

	if err := e.store.TransitionState(id,
		[]types.ContainerState{types.ContainerStateCreated, types.ContainerStateExited},
		types.ContainerStateStarting); err != nil {
		return err
	}

	var allocatedIP string
	if status.Spec.NetworkMode {
		ip, err := e.store.AllocateIP(id)
		if err != nil {
			e.failStart(id, err)
			return err
		}
		allocatedIP = ip
	}

	ctx, cancel := context.WithTimeout(context.Background(), startTimeout)
	defer cancel()

	timer := metrics.NewTimer()
	result, err := e.runtime.Start(ctx, &status.Container, allocatedIP)
	timer.ObserveDuration(metrics.ContainerStartDuration)
	if err != nil {
		e.failStart(id, err)
		if allocatedIP != "" {
			_ = e.store.UpdateAllocationStatus(id, types.AllocationCleanupPending)
			_, _ = e.store.EnqueueCleanup(id, types.CleanupResourceNetwork, "")
		}
		return err
	}

	if err := e.store.SetPID(id, result.PID); err != nil {
		e.failStart(id, err)
		return err
	}
	if result.HostVeth != "" {
		if err := e.store.SetVeth(id, result.HostVeth, result.ContainerVeth); err != nil {
			log.WithComponent("syncengine").Warn().Err(err).Str("container_id", id).Msg("failed to record veth names")
		}
		if err := e.store.UpdateAllocationStatus(id, types.AllocationActive); err != nil {
			log.WithComponent("syncengine").Warn().Err(err).Str("container_id", id).Msg("failed to activate allocation")
		}
	}
	if err := e.store.StartMonitor(id, result.PID); err != nil {
		log.WithComponent("syncengine").Warn().Err(err).Str("container_id", id).Msg("failed to record monitor row")
	}
	e.monitor.Watch(id, result.PID)

	return e.store.TransitionState(id, []types.ContainerState{types.ContainerStateStarting}, types.ContainerStateRunning)
}

func (e *Engine) failStart(id string, cause error) {
	_ = e.store.SetError(id, cause.Error())
	_ = e.store.TransitionState(id, []types.ContainerState{types.ContainerStateStarting}, types.ContainerStateError)
}

// StopContainer sends SIGTERM and waits up to timeout before
// escalating to SIGKILL. The actual state transition to exited
// happens asynchronously once the Process Monitor reaps the process
// and calls Store.CompleteMonitor; StopContainer itself only blocks
// for the process to die, not for that bookkeeping to land.
func (e *Engine) StopContainer(idOrName string, timeout time.Duration) error {
	status, err := e.store.GetStatus(idOrName)
	if err != nil {
		return err
	}
	if status.PID == nil {
		return quilterrors.Conflictf("container %q is not running", idOrName)
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout+stopGrace)
	defer cancel()

	timer := metrics.NewTimer()
	err = e.runtime.Stop(ctx, *status.PID, timeout)
	timer.ObserveDuration(metrics.ContainerStopDuration)
	return err
}

// KillContainer sends SIGKILL immediately.
func (e *Engine) KillContainer(idOrName string) error {
	status, err := e.store.GetStatus(idOrName)
	if err != nil {
		return err
	}
	if status.PID == nil {
		return quilterrors.Conflictf("container %q is not running", idOrName)
	}
	return e.runtime.Kill(*status.PID)
}

// RemoveContainer deletes a container's row once every resource it
// ever held has finished releasing (P4). A running container is
// refused unless force is set, in which case it's killed and awaited
// before the row and its cleanup tasks are checked.
func (e *Engine) RemoveContainer(idOrName string, force bool) error {
	status, err := e.store.GetStatus(idOrName)
	if err != nil {
		return err
	}

	if status.State == types.ContainerStateRunning || status.State == types.ContainerStateStarting {
		if !force {
			return quilterrors.Conflictf("container %q is running; stop it or pass force", idOrName)
		}
		if status.PID != nil {
			if err := e.runtime.Kill(*status.PID); err != nil {
				return err
			}
		}
		if err := e.waitForTerminal(status.ID, removeWaitTimeout); err != nil {
			return err
		}
	}

	if err := e.waitForCleanupDrain(status.ID, removeWaitTimeout); err != nil {
		return err
	}

	return e.store.RemoveContainer(status.ID)
}

func (e *Engine) waitForTerminal(id string, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		s, err := e.store.GetStatus(id)
		if err != nil {
			return err
		}
		if s.State == types.ContainerStateExited || s.State == types.ContainerStateError {
			return nil
		}
		if time.Now().After(deadline) {
			return quilterrors.New(quilterrors.Runtime, "timed out waiting for container to stop")
		}
		time.Sleep(pollInterval)
	}
}

func (e *Engine) waitForCleanupDrain(id string, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		tasks, err := e.store.ListCleanupByContainer(id)
		if err != nil {
			return err
		}
		pending := false
		for _, t := range tasks {
			if t.Status == types.CleanupPending || t.Status == types.CleanupInProgress {
				pending = true
				break
			}
		}
		if !pending {
			return nil
		}
		if time.Now().After(deadline) {
			return quilterrors.New(quilterrors.Runtime, "timed out waiting for resource cleanup")
		}
		time.Sleep(pollInterval)
	}
}

// GetContainerStatus resolves idOrName against both id and name.
func (e *Engine) GetContainerStatus(idOrName string) (*types.ContainerStatus, error) {
	return e.store.GetStatus(idOrName)
}

// ListContainers returns every container, oldest first.
func (e *Engine) ListContainers() ([]*types.ContainerStatus, error) {
	return e.store.List()
}

// GetContainerLogs returns idOrName's retained log records newer than since.
func (e *Engine) GetContainerLogs(idOrName string, since int64) ([]*types.LogRecord, error) {
	status, err := e.store.GetStatus(idOrName)
	if err != nil {
		return nil, err
	}
	return e.store.ReadLogs(status.ID, since)
}

// ExecInContainer runs argv inside idOrName's namespaces via nsenter.
func (e *Engine) ExecInContainer(idOrName string, argv []string, timeout time.Duration) (network.ExecResult, error) {
	status, err := e.store.GetStatus(idOrName)
	if err != nil {
		return network.ExecResult{}, err
	}
	if status.PID == nil {
		return network.ExecResult{}, quilterrors.Conflictf("container %q is not running", idOrName)
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout+execGrace)
	defer cancel()
	return e.network.Exec(ctx, *status.PID, argv, timeout)
}

// ICCPing pings target (an IP, a container name, or a short id) from
// inside idOrName's network namespace.
func (e *Engine) ICCPing(idOrName, target string, count int, timeout time.Duration) (network.PingResult, error) {
	status, err := e.store.GetStatus(idOrName)
	if err != nil {
		return network.PingResult{}, err
	}
	if status.PID == nil {
		return network.PingResult{}, quilterrors.Conflictf("container %q is not running", idOrName)
	}

	targetIP := target
	if net.ParseIP(target) == nil {
		reg, err := e.store.ResolveICC(target)
		if err != nil {
			return network.PingResult{}, err
		}
		targetIP = reg.IP
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout+execGrace)
	defer cancel()
	return e.network.Ping(ctx, *status.PID, targetIP, count, timeout)
}
