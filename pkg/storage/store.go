// Package storage is Quilt's single-writer state store: the sole
// source of truth for container, network-allocation, process-monitor,
// and cleanup-task rows. It is grounded on the teacher's pkg/storage
// (same role: the one place the rest of the system persists through)
// but replaces BoltDB's key/value buckets with a modernc.org/sqlite
// (pure Go, no cgo) relational schema, per the spec's single-writer
// SQLite mandate. modernc.org/sqlite is the driver the rest of the
// retrieved pack reaches for when it needs embedded SQL (see e.g.
// ehrlich-b-cinch and banksean-sand's go.mod).
//
// Every write goes through a connection pool capped at one open
// connection so SQLite's own locking never has to arbitrate between
// concurrent writers; reads use a separate, larger pool and run in
// WAL mode so they never block on the writer. Lifecycle mutations
// (CreateContainer, TransitionState, RemoveContainer, AllocateIP,
// UpdateAllocationStatus, StartMonitor, CompleteMonitor,
// EnqueueCleanup, FinishCleanup) publish an events.Event on success,
// adapted from the teacher's pkg/events.Broker. SetPID, SetExit,
// SetError, SetRootfsPath, SetVeth, AppendLog, HeartbeatMonitor,
// FailMonitor and ClaimNextCleanup do not publish. The Process Monitor
// and Cleanup Service do not subscribe; they run on tickers.
package storage

import (
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/quilt-run/quilt/pkg/events"
)

// Store is the SQLite-backed implementation of every operation listed
// in spec §4.1. All exported methods are safe for concurrent use.
type Store struct {
	writeDB *sql.DB
	readDB  *sql.DB
	broker  *events.Broker
}

// Open creates (if needed) and migrates the SQLite database at path,
// returning a ready Store. The returned Store owns an events.Broker;
// callers should Subscribe before driving any mutating calls they
// want to observe.
func Open(path string) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)", path)

	writeDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("storage: open writer: %w", err)
	}
	writeDB.SetMaxOpenConns(1)

	if err := migrate(writeDB); err != nil {
		writeDB.Close()
		return nil, err
	}

	readDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		writeDB.Close()
		return nil, fmt.Errorf("storage: open reader: %w", err)
	}
	readDB.SetMaxOpenConns(8)

	broker := events.NewBroker()
	broker.Start()

	return &Store{writeDB: writeDB, readDB: readDB, broker: broker}, nil
}

// Subscribe returns a channel of change notifications. Callers should
// Unsubscribe via the Broker when done; Store exposes it directly
// since the Store is the only owner of the broker's lifecycle.
func (s *Store) Subscribe() events.Subscriber {
	return s.broker.Subscribe()
}

// Unsubscribe removes sub from the notification fan-out.
func (s *Store) Unsubscribe(sub events.Subscriber) {
	s.broker.Unsubscribe(sub)
}

func (s *Store) publish(typ events.Type, containerID string) {
	s.broker.Publish(events.Event{Type: typ, ContainerID: containerID, Timestamp: time.Now()})
}

// Close releases both connection pools and stops the broker. Safe to
// call once during server shutdown.
func (s *Store) Close() error {
	s.broker.Stop()
	werr := s.writeDB.Close()
	rerr := s.readDB.Close()
	if werr != nil {
		return werr
	}
	return rerr
}
