package storage

import (
	"database/sql"

	"github.com/quilt-run/quilt/pkg/events"
	"github.com/quilt-run/quilt/pkg/quilterrors"
	"github.com/quilt-run/quilt/pkg/types"
)

// maxCleanupAttempts bounds how many failed attempts FinishCleanup
// records before a task is flagged CleanupFailed (spec §4.8). A failed
// task goes straight back to pending with no delay before its next claim.
const maxCleanupAttempts = 8

// EnqueueCleanup appends a task to the cleanup queue. Tasks are
// idempotent by design (P8): claiming and finishing the same task
// twice converges to the same terminal state.
func (s *Store) EnqueueCleanup(containerID string, resource types.CleanupResource, path string) (int64, error) {
	res, err := s.writeDB.Exec(`INSERT INTO cleanup_tasks (container_id, resource, path, status) VALUES (?, ?, ?, ?)`,
		containerID, resource, path, types.CleanupPending)
	if err != nil {
		return 0, quilterrors.Wrap(quilterrors.Store, "enqueue cleanup", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, quilterrors.Wrap(quilterrors.Store, "cleanup insert id", err)
	}
	s.publish(events.CleanupEnqueued, containerID)
	return id, nil
}

func scanCleanupTask(row scanner) (*types.CleanupTask, error) {
	var t types.CleanupTask
	if err := row.Scan(&t.ID, &t.ContainerID, &t.Resource, &t.Path, &t.Status, &t.Attempts, &t.Error); err != nil {
		return nil, err
	}
	return &t, nil
}

const cleanupColumns = `id, container_id, resource, path, status, attempts, error`

// ClaimNextCleanup atomically marks the oldest pending task
// in_progress and returns it, ordered so a container's resources
// release network -> cgroup -> mounts -> rootfs (spec §4.8). Returns
// nil, nil when the queue is empty.
func (s *Store) ClaimNextCleanup() (*types.CleanupTask, error) {
	tx, err := s.writeDB.Begin()
	if err != nil {
		return nil, quilterrors.Wrap(quilterrors.Store, "begin claim cleanup", err)
	}
	defer tx.Rollback()

	row := tx.QueryRow(`
		SELECT `+cleanupColumns+` FROM cleanup_tasks
		WHERE status = ?
		ORDER BY
			CASE resource
				WHEN 'network' THEN 0
				WHEN 'cgroup'  THEN 1
				WHEN 'mounts'  THEN 2
				WHEN 'rootfs'  THEN 3
				ELSE 4
			END,
			id ASC
		LIMIT 1`, types.CleanupPending)

	task, err := scanCleanupTask(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, quilterrors.Wrap(quilterrors.Store, "claim cleanup", err)
	}

	if _, err := tx.Exec(`UPDATE cleanup_tasks SET status = ? WHERE id = ?`, types.CleanupInProgress, task.ID); err != nil {
		return nil, quilterrors.Wrap(quilterrors.Store, "mark cleanup in progress", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, quilterrors.Wrap(quilterrors.Store, "commit claim cleanup", err)
	}

	task.Status = types.CleanupInProgress
	return task, nil
}

// FinishCleanup finalizes a claimed task. On failure it increments
// the attempt count and either leaves it CleanupPending for retry or,
// past maxCleanupAttempts, flags it CleanupFailed with errMsg
// recorded for operator visibility.
func (s *Store) FinishCleanup(taskID int64, ok bool, errMsg string) error {
	if ok {
		_, err := s.writeDB.Exec(`UPDATE cleanup_tasks SET status = ?, error = '' WHERE id = ?`,
			types.CleanupDone, taskID)
		if err != nil {
			return quilterrors.Wrap(quilterrors.Store, "finish cleanup", err)
		}
		s.publish(events.CleanupFinished, "")
		return nil
	}

	tx, err := s.writeDB.Begin()
	if err != nil {
		return quilterrors.Wrap(quilterrors.Store, "begin finish cleanup", err)
	}
	defer tx.Rollback()

	var attempts int
	if err := tx.QueryRow(`SELECT attempts FROM cleanup_tasks WHERE id = ?`, taskID).Scan(&attempts); err != nil {
		if err == sql.ErrNoRows {
			return quilterrors.NotFoundf("cleanup task %d not found", taskID)
		}
		return quilterrors.Wrap(quilterrors.Store, "read cleanup attempts", err)
	}
	attempts++

	status := types.CleanupPending
	if attempts >= maxCleanupAttempts {
		status = types.CleanupFailed
	}
	if _, err := tx.Exec(`UPDATE cleanup_tasks SET status = ?, attempts = ?, error = ? WHERE id = ?`,
		status, attempts, errMsg, taskID); err != nil {
		return quilterrors.Wrap(quilterrors.Store, "update cleanup failure", err)
	}
	if err := tx.Commit(); err != nil {
		return quilterrors.Wrap(quilterrors.Store, "commit finish cleanup", err)
	}

	s.publish(events.CleanupFinished, "")
	return nil
}

// ListCleanupByContainer returns every cleanup task for containerID,
// used by RemoveContainer's caller to confirm all resources are
// released (P4) before deleting the row.
func (s *Store) ListCleanupByContainer(containerID string) ([]*types.CleanupTask, error) {
	rows, err := s.readDB.Query(`SELECT `+cleanupColumns+` FROM cleanup_tasks WHERE container_id = ?`, containerID)
	if err != nil {
		return nil, quilterrors.Wrap(quilterrors.Store, "list cleanup", err)
	}
	defer rows.Close()

	var out []*types.CleanupTask
	for rows.Next() {
		t, err := scanCleanupTask(rows)
		if err != nil {
			return nil, quilterrors.Wrap(quilterrors.Store, "scan cleanup", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}
