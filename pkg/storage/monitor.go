package storage

import (
	"database/sql"
	"time"

	"github.com/quilt-run/quilt/pkg/events"
	"github.com/quilt-run/quilt/pkg/quilterrors"
	"github.com/quilt-run/quilt/pkg/types"
)

// StartMonitor inserts the monitoring row the Process Monitor Service
// maintains for one live PID. Upserts: a container being restarted
// (exited -> starting) gets a fresh row rather than a conflict: the
// prior row, which CompleteMonitor keeps, is overwritten.
func (s *Store) StartMonitor(containerID string, pid int) error {
	_, err := s.writeDB.Exec(`
		INSERT INTO process_monitors (container_id, pid, status, last_heartbeat)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(container_id) DO UPDATE SET pid = excluded.pid, status = excluded.status, last_heartbeat = excluded.last_heartbeat`,
		containerID, pid, types.MonitorStatusMonitoring, time.Now().Unix())
	if err != nil {
		return quilterrors.Wrap(quilterrors.Store, "start monitor", err)
	}
	s.publish(events.MonitorStarted, containerID)
	return nil
}

// HeartbeatMonitor bumps the last-seen timestamp for a live poll.
func (s *Store) HeartbeatMonitor(containerID string) error {
	_, err := s.writeDB.Exec(`UPDATE process_monitors SET last_heartbeat = ? WHERE container_id = ? AND status = ?`,
		time.Now().Unix(), containerID, types.MonitorStatusMonitoring)
	if err != nil {
		return quilterrors.Wrap(quilterrors.Store, "heartbeat monitor", err)
	}
	return nil
}

// CompleteMonitor marks the monitor row done once the watched PID has
// been reaped, recording the observed exit code on the container row
// in the same transaction.
func (s *Store) CompleteMonitor(containerID string, exitCode int) error {
	tx, err := s.writeDB.Begin()
	if err != nil {
		return quilterrors.Wrap(quilterrors.Store, "begin complete monitor", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`UPDATE process_monitors SET status = ?, last_heartbeat = ? WHERE container_id = ?`,
		types.MonitorStatusCompleted, time.Now().Unix(), containerID); err != nil {
		return quilterrors.Wrap(quilterrors.Store, "complete monitor", err)
	}
	if _, err := tx.Exec(`UPDATE containers SET exit_code = ?, exited_at = ?, pid = NULL WHERE id = ?`,
		exitCode, time.Now().Unix(), containerID); err != nil {
		return quilterrors.Wrap(quilterrors.Store, "set exit on complete", err)
	}
	if _, err := tx.Exec(`UPDATE containers SET state = ? WHERE id = ? AND state = ?`,
		types.ContainerStateExited, containerID, types.ContainerStateRunning); err != nil {
		return quilterrors.Wrap(quilterrors.Store, "transition on complete", err)
	}
	if err := tx.Commit(); err != nil {
		return quilterrors.Wrap(quilterrors.Store, "commit complete monitor", err)
	}

	s.publish(events.MonitorCompleted, containerID)
	s.publish(events.ContainerStateChanged, containerID)
	return nil
}

// FailMonitor marks the monitor row failed, e.g. because the watched
// PID vanished without the store ever observing a transition to
// running (a Runtime-level failure rather than a normal exit).
func (s *Store) FailMonitor(containerID string) error {
	_, err := s.writeDB.Exec(`UPDATE process_monitors SET status = ?, last_heartbeat = ? WHERE container_id = ?`,
		types.MonitorStatusFailed, time.Now().Unix(), containerID)
	if err != nil {
		return quilterrors.Wrap(quilterrors.Store, "fail monitor", err)
	}
	return nil
}

// GetMonitor returns containerID's monitor row.
func (s *Store) GetMonitor(containerID string) (*types.ProcessMonitor, error) {
	var (
		m     types.ProcessMonitor
		hb    int64
		heart sql.NullInt64
	)
	err := s.readDB.QueryRow(`SELECT container_id, pid, status, last_heartbeat FROM process_monitors WHERE container_id = ?`,
		containerID).Scan(&m.ContainerID, &m.PID, &m.Status, &heart)
	if err == sql.ErrNoRows {
		return nil, quilterrors.NotFoundf("no monitor for container %q", containerID)
	}
	if err != nil {
		return nil, quilterrors.Wrap(quilterrors.Store, "get monitor", err)
	}
	if heart.Valid {
		hb = heart.Int64
	}
	m.LastHeartbeat = time.Unix(hb, 0)
	return &m, nil
}
