package storage

import (
	"database/sql"
	"time"

	"github.com/quilt-run/quilt/pkg/quilterrors"
	"github.com/quilt-run/quilt/pkg/types"
)

// logRetention bounds the ring per container; AppendLog prunes older
// rows past this count so a long-lived container's log table doesn't
// grow without bound.
const logRetention = 10000

// AppendLog adds one record to containerID's log ring, assigning the
// next sequence number itself (the first record gets 1).
func (s *Store) AppendLog(containerID string, level types.LogLevel, text string) error {
	tx, err := s.writeDB.Begin()
	if err != nil {
		return quilterrors.Wrap(quilterrors.Store, "begin append log", err)
	}
	defer tx.Rollback()

	nextSeq := int64(1)
	var maxSeq sql.NullInt64
	if err := tx.QueryRow(`SELECT MAX(seq) FROM logs WHERE container_id = ?`, containerID).Scan(&maxSeq); err != nil {
		return quilterrors.Wrap(quilterrors.Store, "read max seq", err)
	}
	if maxSeq.Valid {
		nextSeq = maxSeq.Int64 + 1
	}

	if _, err := tx.Exec(`INSERT INTO logs (container_id, seq, ts, level, text) VALUES (?, ?, ?, ?, ?)`,
		containerID, nextSeq, time.Now().Unix(), level, text); err != nil {
		return quilterrors.Wrap(quilterrors.Store, "append log", err)
	}

	if nextSeq >= logRetention {
		cutoff := nextSeq - logRetention
		if _, err := tx.Exec(`DELETE FROM logs WHERE container_id = ? AND seq <= ?`, containerID, cutoff); err != nil {
			return quilterrors.Wrap(quilterrors.Store, "prune logs", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return quilterrors.Wrap(quilterrors.Store, "commit append log", err)
	}
	return nil
}

// ReadLogs returns every log record for containerID with seq > since,
// in order. since=0 returns the full retained ring.
func (s *Store) ReadLogs(containerID string, since int64) ([]*types.LogRecord, error) {
	rows, err := s.readDB.Query(`
		SELECT container_id, seq, ts, level, text FROM logs
		WHERE container_id = ? AND seq > ?
		ORDER BY seq ASC`, containerID, since)
	if err != nil {
		return nil, quilterrors.Wrap(quilterrors.Store, "read logs", err)
	}
	defer rows.Close()

	var out []*types.LogRecord
	for rows.Next() {
		var (
			rec types.LogRecord
			ts  int64
		)
		if err := rows.Scan(&rec.ContainerID, &rec.Seq, &ts, &rec.Level, &rec.Text); err != nil {
			return nil, quilterrors.Wrap(quilterrors.Store, "scan log", err)
		}
		rec.Timestamp = time.Unix(ts, 0)
		out = append(out, &rec)
	}
	return out, rows.Err()
}
