// Package monitor is the Process Monitor (C7): it watches each
// running container's PID, records its exit code when it terminates,
// and enqueues the cleanup tasks that release the resources Start
// acquired. The per-subject tracking set, reconciled by comparing
// "what's watched" against "what's running," and the ticker-driven
// poll loop are adapted from the teacher's
// pkg/worker/health_monitor.go HealthMonitor — but a single shared
// ticker replaces one goroutine per subject, since PID liveness
// polling has none of HTTP/TCP health-check's per-subject blocking I/O
// to isolate.
package monitor

import (
	"sync"
	"syscall"
	"time"

	"github.com/quilt-run/quilt/pkg/log"
	"github.com/quilt-run/quilt/pkg/storage"
	"github.com/quilt-run/quilt/pkg/types"
)

// pollInterval is how often a freshly started container's PID is
// checked; backoffInterval applies once a container has run past
// backoffAfter, so long-lived containers don't cost a syscall a
// second indefinitely.
const (
	pollInterval    = 1 * time.Second
	backoffAfter    = 60 * time.Second
	backoffInterval = 10 * time.Second
)

// watch tracks one container's process. reattached is true for
// containers discovered via Reattach rather than started by this
// process: their PID was never our direct child, so we can only poll
// for liveness, never retrieve a real wait(2) exit status.
type watch struct {
	containerID string
	pid         int
	startedAt   time.Time
	nextCheck   time.Time
	reattached  bool
}

// Monitor watches every running container's process and reconciles
// the Store when one exits.
type Monitor struct {
	store *storage.Store

	mu      sync.Mutex
	watches map[string]*watch

	stopCh   chan struct{}
	stopOnce sync.Once
	doneCh   chan struct{}
}

// New constructs a Monitor bound to store.
func New(store *storage.Store) *Monitor {
	return &Monitor{
		store:   store,
		watches: make(map[string]*watch),
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
}

// Watch registers containerID/pid for monitoring, called immediately
// after Runtime.Start succeeds for a freshly spawned container.
func (m *Monitor) Watch(containerID string, pid int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.watches[containerID] = &watch{
		containerID: containerID,
		pid:         pid,
		startedAt:   time.Now(),
		nextCheck:   time.Now().Add(pollInterval),
	}
}

// Reattach re-registers every container the Store believes is still
// running, for the restart case (P7): this process did not spawn
// these PIDs, so they can only be liveness-polled, never wait(2)'d.
func (m *Monitor) Reattach() error {
	containers, err := m.store.ListRunning()
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range containers {
		if c.PID == nil {
			continue
		}
		m.watches[c.ID] = &watch{
			containerID: c.ID,
			pid:         *c.PID,
			startedAt:   c.StartedAt,
			nextCheck:   time.Now(),
			reattached:  true,
		}
	}
	return nil
}

// Unwatch removes a container from the tracked set without touching
// the Store — used when a container is force-removed while still
// being watched.
func (m *Monitor) Unwatch(containerID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.watches, containerID)
}

// Start runs the poll loop in a background goroutine until Stop is called.
func (m *Monitor) Start() {
	go m.loop()
}

// Stop ends the poll loop and waits for it to exit.
func (m *Monitor) Stop() {
	m.stopOnce.Do(func() { close(m.stopCh) })
	<-m.doneCh
}

func (m *Monitor) loop() {
	defer close(m.doneCh)
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.tick()
		case <-m.stopCh:
			return
		}
	}
}

func (m *Monitor) tick() {
	now := time.Now()

	m.mu.Lock()
	due := make([]*watch, 0, len(m.watches))
	for _, w := range m.watches {
		if now.Before(w.nextCheck) {
			continue
		}
		due = append(due, w)
	}
	m.mu.Unlock()

	for _, w := range due {
		m.check(w, now)
	}
}

func (m *Monitor) check(w *watch, now time.Time) {
	logger := log.WithContainerID(w.containerID)

	exitCode, exited := reapOrPoll(w)
	if !exited {
		interval := pollInterval
		if now.Sub(w.startedAt) > backoffAfter {
			interval = backoffInterval
		}
		m.mu.Lock()
		if cur, ok := m.watches[w.containerID]; ok && cur == w {
			cur.nextCheck = now.Add(interval)
		}
		m.mu.Unlock()

		if err := m.store.HeartbeatMonitor(w.containerID); err != nil {
			logger.Warn().Err(err).Msg("failed to record monitor heartbeat")
		}
		return
	}

	m.mu.Lock()
	delete(m.watches, w.containerID)
	m.mu.Unlock()

	logger.Info().Int("exit_code", exitCode).Msg("container process exited")

	if err := m.store.CompleteMonitor(w.containerID, exitCode); err != nil {
		logger.Error().Err(err).Msg("failed to record container exit")
		return
	}

	m.enqueueCleanup(w.containerID)
}

// enqueueCleanup queues the release of every resource Start may have
// acquired. Order doesn't matter here — the Store's claim ordering
// (network, cgroup, mounts, rootfs) enforces it at dequeue time.
func (m *Monitor) enqueueCleanup(containerID string) {
	logger := log.WithContainerID(containerID)

	status, err := m.store.GetStatus(containerID)
	if err != nil {
		logger.Error().Err(err).Msg("failed to load container for cleanup enqueue")
		return
	}

	if status.IP != "" {
		if _, err := m.store.EnqueueCleanup(containerID, types.CleanupResourceNetwork, ""); err != nil {
			logger.Error().Err(err).Msg("failed to enqueue network cleanup")
		}
	}
	if _, err := m.store.EnqueueCleanup(containerID, types.CleanupResourceCgroup, ""); err != nil {
		logger.Error().Err(err).Msg("failed to enqueue cgroup cleanup")
	}
	if _, err := m.store.EnqueueCleanup(containerID, types.CleanupResourceMounts, status.RootfsPath); err != nil {
		logger.Error().Err(err).Msg("failed to enqueue mounts cleanup")
	}
	if status.RootfsPath != "" {
		if _, err := m.store.EnqueueCleanup(containerID, types.CleanupResourceRootfs, status.RootfsPath); err != nil {
			logger.Error().Err(err).Msg("failed to enqueue rootfs cleanup")
		}
	}
}

// reapOrPoll returns the process's exit code and whether it has
// exited. For a child of this process, it uses wait4(WNOHANG) so the
// kernel hands back a real exit status without blocking the poll
// loop. For a reattached process (not our child), exit status isn't
// retrievable by this process; liveness is checked with kill(pid, 0)
// and an exit is recorded with code -1 to mean "unknown."
func reapOrPoll(w *watch) (exitCode int, exited bool) {
	if !w.reattached {
		var status syscall.WaitStatus
		pid, err := syscall.Wait4(w.pid, &status, syscall.WNOHANG, nil)
		if err == nil && pid == w.pid {
			return status.ExitStatus(), true
		}
		if err != nil && err != syscall.ECHILD {
			return 0, false
		}
		if err == syscall.ECHILD {
			// No longer our child to wait on (e.g. daemon restarted
			// mid-watch); fall through to liveness polling.
			w.reattached = true
		} else {
			return 0, false
		}
	}

	if err := syscall.Kill(w.pid, 0); err != nil {
		return -1, true
	}
	return 0, false
}
