package storage

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/quilt-run/quilt/pkg/events"
	"github.com/quilt-run/quilt/pkg/quilterrors"
	"github.com/quilt-run/quilt/pkg/types"
)

// CreateContainer inserts a new row in ContainerStateCreated and
// returns its generated id. Fails Conflict if name is non-empty and
// already held by a live row (I3).
func (s *Store) CreateContainer(spec types.ContainerSpec) (string, error) {
	id := uuid.NewString()

	argv, err := json.Marshal(spec.Argv)
	if err != nil {
		return "", quilterrors.Wrap(quilterrors.Internal, "marshal argv", err)
	}
	env, err := json.Marshal(spec.Env)
	if err != nil {
		return "", quilterrors.Wrap(quilterrors.Internal, "marshal env", err)
	}
	ns, err := json.Marshal(spec.Namespaces)
	if err != nil {
		return "", quilterrors.Wrap(quilterrors.Internal, "marshal namespaces", err)
	}

	var name any
	if spec.Name != "" {
		name = spec.Name
	}

	_, err = s.writeDB.Exec(`
		INSERT INTO containers
			(id, name, image, argv, env, memory_mb, cpu_percent, namespaces,
			 async_mode, network_mode, state, rootfs_path, created_at, error_message)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, '', ?, '')`,
		id, name, spec.Image, string(argv), string(env), spec.MemoryMB, spec.CPUPercent, string(ns),
		spec.AsyncMode, spec.NetworkMode, types.ContainerStateCreated, time.Now().Unix())
	if err != nil {
		if isUniqueViolation(err) {
			return "", quilterrors.Conflictf("container name %q already in use", spec.Name)
		}
		return "", quilterrors.Wrap(quilterrors.Store, "insert container", err)
	}

	s.publish(events.ContainerCreated, id)
	return id, nil
}

// transitionTable enumerates the legal moves per I1.
var transitionTable = map[types.ContainerState][]types.ContainerState{
	types.ContainerStateCreated:  {types.ContainerStateStarting, types.ContainerStateError},
	types.ContainerStateStarting: {types.ContainerStateRunning, types.ContainerStateError},
	types.ContainerStateRunning:  {types.ContainerStateExited, types.ContainerStateError},
	types.ContainerStateExited:   {types.ContainerStateStarting, types.ContainerStateError},
	types.ContainerStateError:    {},
}

// TransitionState moves id from one of fromSet to to as a compare-and-
// swap guarded by the row's current state. Fails Conflict if the row
// isn't currently in fromSet, NotFound if the id doesn't resolve.
func (s *Store) TransitionState(id string, fromSet []types.ContainerState, to types.ContainerState) error {
	placeholders := make([]any, 0, len(fromSet)+2)
	placeholders = append(placeholders, to)
	q := "UPDATE containers SET state = ? WHERE id = ? AND state IN ("
	placeholders = append(placeholders, id)
	for i, from := range fromSet {
		if i > 0 {
			q += ","
		}
		q += "?"
		placeholders = append(placeholders, from)
	}
	q += ")"

	res, err := s.writeDB.Exec(q, placeholders...)
	if err != nil {
		return quilterrors.Wrap(quilterrors.Store, "transition state", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return quilterrors.Wrap(quilterrors.Store, "rows affected", err)
	}
	if n == 0 {
		var exists bool
		if err := s.readDB.QueryRow(`SELECT EXISTS(SELECT 1 FROM containers WHERE id = ?)`, id).Scan(&exists); err != nil {
			return quilterrors.Wrap(quilterrors.Store, "check existence", err)
		}
		if !exists {
			return quilterrors.NotFoundf("container %q not found", id)
		}
		return quilterrors.Conflictf("container %q not in state %v", id, fromSet)
	}

	s.publish(events.ContainerStateChanged, id)
	return nil
}

// SetPID records the PID assigned to a freshly spawned child.
func (s *Store) SetPID(id string, pid int) error {
	res, err := s.writeDB.Exec(`UPDATE containers SET pid = ?, started_at = ? WHERE id = ?`,
		pid, time.Now().Unix(), id)
	if err != nil {
		return quilterrors.Wrap(quilterrors.Store, "set pid", err)
	}
	return requireOneRow(res, id)
}

// SetExit records the observed exit code once the monitor reaps id.
func (s *Store) SetExit(id string, code int, exitedAt time.Time) error {
	res, err := s.writeDB.Exec(`UPDATE containers SET exit_code = ?, exited_at = ?, pid = NULL WHERE id = ?`,
		code, exitedAt.Unix(), id)
	if err != nil {
		return quilterrors.Wrap(quilterrors.Store, "set exit", err)
	}
	return requireOneRow(res, id)
}

// SetError records a failure message and is typically followed by a
// TransitionState into ContainerStateError.
func (s *Store) SetError(id string, message string) error {
	res, err := s.writeDB.Exec(`UPDATE containers SET error_message = ? WHERE id = ?`, message, id)
	if err != nil {
		return quilterrors.Wrap(quilterrors.Store, "set error", err)
	}
	return requireOneRow(res, id)
}

// SetRootfsPath records where C4 extracted the image for id.
func (s *Store) SetRootfsPath(id string, path string) error {
	res, err := s.writeDB.Exec(`UPDATE containers SET rootfs_path = ? WHERE id = ?`, path, id)
	if err != nil {
		return quilterrors.Wrap(quilterrors.Store, "set rootfs path", err)
	}
	return requireOneRow(res, id)
}

const containerColumns = `id, name, image, argv, env, memory_mb, cpu_percent, namespaces,
	async_mode, network_mode, state, pid, exit_code, rootfs_path,
	created_at, started_at, exited_at, error_message`

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

// scanContainer reads one containerColumns row. When ip is non-nil an
// extra trailing column (the left-joined allocation IP) is scanned
// into it, so the same helper serves plain container reads and the
// status/list joins.
func scanContainer(row scanner, ip *string) (*types.Container, error) {
	var (
		c                              types.Container
		name                           sql.NullString
		argv, env, ns                  string
		pid, exitCode                  sql.NullInt64
		createdAt, startedAt, exitedAt sql.NullInt64
	)

	dest := []any{&c.ID, &name, &c.Spec.Image, &argv, &env, &c.Spec.MemoryMB, &c.Spec.CPUPercent, &ns,
		&c.Spec.AsyncMode, &c.Spec.NetworkMode, &c.State, &pid, &exitCode, &c.RootfsPath,
		&createdAt, &startedAt, &exitedAt, &c.ErrorMessage}
	if ip != nil {
		dest = append(dest, ip)
	}
	if err := row.Scan(dest...); err != nil {
		return nil, err
	}

	c.Spec.Name = name.String
	if err := json.Unmarshal([]byte(argv), &c.Spec.Argv); err != nil {
		return nil, fmt.Errorf("storage: unmarshal argv: %w", err)
	}
	if err := json.Unmarshal([]byte(env), &c.Spec.Env); err != nil {
		return nil, fmt.Errorf("storage: unmarshal env: %w", err)
	}
	if err := json.Unmarshal([]byte(ns), &c.Spec.Namespaces); err != nil {
		return nil, fmt.Errorf("storage: unmarshal namespaces: %w", err)
	}
	if pid.Valid {
		p := int(pid.Int64)
		c.PID = &p
	}
	if exitCode.Valid {
		e := int(exitCode.Int64)
		c.ExitCode = &e
	}
	if createdAt.Valid {
		c.CreatedAt = time.Unix(createdAt.Int64, 0)
	}
	if startedAt.Valid {
		c.StartedAt = time.Unix(startedAt.Int64, 0)
	}
	if exitedAt.Valid {
		c.ExitedAt = time.Unix(exitedAt.Int64, 0)
	}
	return &c, nil
}

// GetStatus resolves idOrName (tried as an id first, then as a name)
// and returns the container row joined with its network allocation.
func (s *Store) GetStatus(idOrName string) (*types.ContainerStatus, error) {
	row := s.readDB.QueryRow(`
		SELECT `+containerColumns+`, COALESCE(network_allocations.ip, '')
		FROM containers
		LEFT JOIN network_allocations ON network_allocations.container_id = containers.id
		WHERE containers.id = ? OR containers.name = ?`, idOrName, idOrName)

	var ip string
	c, err := scanContainer(row, &ip)
	if err == sql.ErrNoRows {
		return nil, quilterrors.NotFoundf("container %q not found", idOrName)
	}
	if err != nil {
		return nil, quilterrors.Wrap(quilterrors.Store, "get status", err)
	}
	return &types.ContainerStatus{Container: *c, IP: ip}, nil
}

// List returns every container row joined with its allocated IP,
// ordered by creation time.
func (s *Store) List() ([]*types.ContainerStatus, error) {
	rows, err := s.readDB.Query(`
		SELECT ` + containerColumns + `, COALESCE(network_allocations.ip, '')
		FROM containers
		LEFT JOIN network_allocations ON network_allocations.container_id = containers.id
		ORDER BY created_at ASC`)
	if err != nil {
		return nil, quilterrors.Wrap(quilterrors.Store, "list containers", err)
	}
	defer rows.Close()

	var out []*types.ContainerStatus
	for rows.Next() {
		var ip string
		c, err := scanContainer(rows, &ip)
		if err != nil {
			return nil, quilterrors.Wrap(quilterrors.Store, "scan container", err)
		}
		out = append(out, &types.ContainerStatus{Container: *c, IP: ip})
	}
	return out, rows.Err()
}

// ListRunning returns every container currently in ContainerStateRunning,
// used by the Process Monitor Service to re-attach after restart (P7).
func (s *Store) ListRunning() ([]*types.Container, error) {
	rows, err := s.readDB.Query(`SELECT `+containerColumns+` FROM containers WHERE state = ?`,
		types.ContainerStateRunning)
	if err != nil {
		return nil, quilterrors.Wrap(quilterrors.Store, "list running", err)
	}
	defer rows.Close()

	var out []*types.Container
	for rows.Next() {
		c, err := scanContainer(rows, nil)
		if err != nil {
			return nil, quilterrors.Wrap(quilterrors.Store, "scan container", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// ResolveName returns the id of the container carrying name.
func (s *Store) ResolveName(name string) (string, error) {
	var id string
	err := s.readDB.QueryRow(`SELECT id FROM containers WHERE name = ?`, name).Scan(&id)
	if err == sql.ErrNoRows {
		return "", quilterrors.NotFoundf("no container named %q", name)
	}
	if err != nil {
		return "", quilterrors.Wrap(quilterrors.Store, "resolve name", err)
	}
	return id, nil
}

// RemoveContainer deletes id's row along with any network allocation
// and monitor rows. Callers must have already confirmed (via the
// Cleanup Service) that every resource task for id is done (P4).
func (s *Store) RemoveContainer(id string) error {
	tx, err := s.writeDB.Begin()
	if err != nil {
		return quilterrors.Wrap(quilterrors.Store, "begin remove", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM network_allocations WHERE container_id = ?`, id); err != nil {
		return quilterrors.Wrap(quilterrors.Store, "remove allocation", err)
	}
	if _, err := tx.Exec(`DELETE FROM process_monitors WHERE container_id = ?`, id); err != nil {
		return quilterrors.Wrap(quilterrors.Store, "remove monitor", err)
	}
	if _, err := tx.Exec(`DELETE FROM logs WHERE container_id = ?`, id); err != nil {
		return quilterrors.Wrap(quilterrors.Store, "remove logs", err)
	}
	res, err := tx.Exec(`DELETE FROM containers WHERE id = ?`, id)
	if err != nil {
		return quilterrors.Wrap(quilterrors.Store, "remove container", err)
	}
	if err := requireOneRow(res, id); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return quilterrors.Wrap(quilterrors.Store, "commit remove", err)
	}

	s.publish(events.ContainerRemoved, id)
	return nil
}

func requireOneRow(res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return quilterrors.Wrap(quilterrors.Store, "rows affected", err)
	}
	if n == 0 {
		return quilterrors.NotFoundf("container %q not found", id)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return contains(msg, "UNIQUE constraint failed") || contains(msg, "constraint failed: UNIQUE")
}

func contains(s, substr string) bool {
	for i := 0; i+len(substr) <= len(s); i++ {
		if s[i:i+len(substr)] == substr {
			return true
		}
	}
	return false
}
