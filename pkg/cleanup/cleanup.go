// Package cleanup is the Cleanup Service (C8): a ticker-driven loop
// that claims one pending task at a time from the Store's cleanup
// queue, executes it, and records the outcome. A failed task is
// claimed again within the same drain, with no delay between attempts,
// until it is done or the Store's attempt count marks it failed
// (spec §4.8, P8 idempotent retries).
//
// The ticker loop, stop channel, and per-cycle timer shape are lifted
// from the teacher's pkg/reconciler/reconciler.go Reconciler; its
// multi-entity (nodes + containers) reconciliation is replaced with a
// single claim-execute-finish cycle over one queue, since Quilt has no
// cluster-wide state to reconcile.
package cleanup

import (
	"context"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/quilt-run/quilt/pkg/cgroup"
	"github.com/quilt-run/quilt/pkg/log"
	"github.com/quilt-run/quilt/pkg/metrics"
	"github.com/quilt-run/quilt/pkg/network"
	"github.com/quilt-run/quilt/pkg/storage"
	"github.com/quilt-run/quilt/pkg/types"
)

// tickInterval is how often the service looks for pending work. It's
// tighter than the teacher's 10s reconciliation interval since cleanup
// tasks are meant to be released promptly after a container exits.
const tickInterval = 2 * time.Second

// Service drains the Store's cleanup queue in the resource order the
// Store's claim query already enforces (network, cgroup, mounts,
// rootfs).
type Service struct {
	store   *storage.Store
	network *network.Manager

	stopCh   chan struct{}
	stopOnce sync.Once
	doneCh   chan struct{}
}

// New constructs a Service.
func New(store *storage.Store, net *network.Manager) *Service {
	return &Service{
		store:   store,
		network: net,
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
}

// Start begins the claim loop in a background goroutine.
func (s *Service) Start() {
	go s.run()
}

// Stop ends the loop and waits for the current cycle to finish.
func (s *Service) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
	<-s.doneCh
}

func (s *Service) run() {
	defer close(s.doneCh)
	logger := log.WithComponent("cleanup")
	logger.Info().Msg("cleanup service started")

	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			// Drain everything currently claimable before waiting for
			// the next tick, so a burst of exits doesn't back up
			// behind the ticker's interval.
			for s.runOne(logger) {
			}
		case <-s.stopCh:
			logger.Info().Msg("cleanup service stopped")
			return
		}
	}
}

// runOne claims and executes at most one task, returning true if a
// task was found (so the caller can keep draining).
func (s *Service) runOne(logger zerolog.Logger) bool {
	timer := metrics.NewTimer()
	task, err := s.store.ClaimNextCleanup()
	if err != nil {
		logger.Error().Err(err).Msg("failed to claim cleanup task")
		return false
	}
	if task == nil {
		return false
	}

	l := logger.With().Str("container_id", task.ContainerID).Str("resource", string(task.Resource)).Logger()
	l.Debug().Int64("task_id", task.ID).Msg("executing cleanup task")

	err = s.execute(task)
	timer.ObserveDurationVec(metrics.CleanupTaskDuration, string(task.Resource))
	metrics.CleanupTasksTotal.WithLabelValues(string(task.Resource), outcomeLabel(err)).Inc()

	errMsg := ""
	if err != nil {
		errMsg = err.Error()
		l.Warn().Err(err).Int("attempts", task.Attempts+1).Msg("cleanup task failed")
	} else {
		l.Debug().Msg("cleanup task completed")
	}

	if finishErr := s.store.FinishCleanup(task.ID, err == nil, errMsg); finishErr != nil {
		l.Error().Err(finishErr).Msg("failed to record cleanup task outcome")
	}

	return true
}

func outcomeLabel(err error) string {
	if err == nil {
		return "success"
	}
	return "failure"
}

// execute performs the actual release for one task's resource kind.
// Every branch must be safe to run twice: a task retried after a
// partial failure re-executes from scratch, and "already gone" is
// success, not an error (P8).
func (s *Service) execute(task *types.CleanupTask) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	switch task.Resource {
	case types.CleanupResourceNetwork:
		if err := s.network.DetachContainer(ctx, task.ContainerID); err != nil {
			return err
		}
		return s.store.UpdateAllocationStatus(task.ContainerID, types.AllocationCleaned)

	case types.CleanupResourceCgroup:
		if err := cgroup.DeleteByID(task.ContainerID); err != nil && !os.IsNotExist(err) {
			return err
		}
		return nil

	case types.CleanupResourceMounts:
		// Bind mounts and pivot_root artifacts live entirely inside the
		// container's own mount namespace, which the kernel tears down
		// the moment its last process exits; there is nothing left for
		// the host to unmount once Process Monitor has already observed
		// the exit that enqueued this task.
		return nil

	case types.CleanupResourceRootfs:
		if task.Path == "" {
			return nil
		}
		if err := os.RemoveAll(task.Path); err != nil {
			return err
		}
		return nil

	default:
		return nil
	}
}
