package storage

import (
	"database/sql"
	"fmt"

	"github.com/quilt-run/quilt/pkg/events"
	"github.com/quilt-run/quilt/pkg/quilterrors"
	"github.com/quilt-run/quilt/pkg/types"
)

// subnetByte1, subnetByte2 and subnetSize describe the /16 the spec reserves for
// container addresses: 10.42.0.0/16, with .0.0 and .255.255 unusable
// and .0.1 reserved for the bridge.
const (
	subnetByte1 = 10
	subnetByte2 = 42
	subnetSize  = 1 << 16
)

func ipFromIndex(n int) string {
	return fmt.Sprintf("%d.%d.%d.%d", subnetByte1, subnetByte2, (n>>8)&0xff, n&0xff)
}

// AllocateIP reserves the lowest free host address in the /16 for
// containerID and persists an allocation row in AllocationAllocated.
// Fails ResourceExhausted once the pool is full.
func (s *Store) AllocateIP(containerID string) (string, error) {
	tx, err := s.writeDB.Begin()
	if err != nil {
		return "", quilterrors.Wrap(quilterrors.Store, "begin allocate", err)
	}
	defer tx.Rollback()

	rows, err := tx.Query(`SELECT ip FROM network_allocations WHERE status != ?`, types.AllocationCleaned)
	if err != nil {
		return "", quilterrors.Wrap(quilterrors.Store, "query allocations", err)
	}
	used := make(map[string]bool)
	for rows.Next() {
		var ip string
		if err := rows.Scan(&ip); err != nil {
			rows.Close()
			return "", quilterrors.Wrap(quilterrors.Store, "scan allocation", err)
		}
		used[ip] = true
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return "", quilterrors.Wrap(quilterrors.Store, "iterate allocations", err)
	}

	var chosen string
	for n := 2; n < subnetSize-1; n++ { // skip .0.0, .0.1 (bridge), .255.255
		candidate := ipFromIndex(n)
		if !used[candidate] {
			chosen = candidate
			break
		}
	}
	if chosen == "" {
		return "", quilterrors.New(quilterrors.ResourceExhausted, "no free address in 10.42.0.0/16")
	}

	if _, err := tx.Exec(`INSERT INTO network_allocations (container_id, ip, status) VALUES (?, ?, ?)`,
		containerID, chosen, types.AllocationAllocated); err != nil {
		return "", quilterrors.Wrap(quilterrors.Store, "insert allocation", err)
	}
	if err := tx.Commit(); err != nil {
		return "", quilterrors.Wrap(quilterrors.Store, "commit allocate", err)
	}

	s.publish(events.AllocationChanged, containerID)
	return chosen, nil
}

// SetVeth records the host/container veth interface names once C5
// creates the pair, ahead of in-namespace configuration (I6).
func (s *Store) SetVeth(containerID, hostVeth, containerVeth string) error {
	res, err := s.writeDB.Exec(`UPDATE network_allocations SET host_veth = ?, container_veth = ? WHERE container_id = ?`,
		hostVeth, containerVeth, containerID)
	if err != nil {
		return quilterrors.Wrap(quilterrors.Store, "set veth", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return quilterrors.Wrap(quilterrors.Store, "rows affected", err)
	}
	if n == 0 {
		return quilterrors.NotFoundf("no allocation for container %q", containerID)
	}
	return nil
}

// UpdateAllocationStatus transitions an allocation row, e.g. allocated
// -> active once in-namespace configuration succeeds (I6), or any
// state -> cleanup_pending when a remove/teardown begins.
func (s *Store) UpdateAllocationStatus(containerID string, status types.AllocationStatus) error {
	res, err := s.writeDB.Exec(`UPDATE network_allocations SET status = ? WHERE container_id = ?`, status, containerID)
	if err != nil {
		return quilterrors.Wrap(quilterrors.Store, "update allocation status", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return quilterrors.Wrap(quilterrors.Store, "rows affected", err)
	}
	if n == 0 {
		return quilterrors.NotFoundf("no allocation for container %q", containerID)
	}
	s.publish(events.AllocationChanged, containerID)
	return nil
}

func scanAllocation(row scanner) (*types.NetworkAllocation, error) {
	var a types.NetworkAllocation
	if err := row.Scan(&a.ContainerID, &a.IP, &a.HostVeth, &a.ContainerVeth, &a.Status); err != nil {
		return nil, err
	}
	return &a, nil
}

// GetAllocation returns containerID's network allocation row.
func (s *Store) GetAllocation(containerID string) (*types.NetworkAllocation, error) {
	row := s.readDB.QueryRow(`SELECT container_id, ip, host_veth, container_veth, status
		FROM network_allocations WHERE container_id = ?`, containerID)
	a, err := scanAllocation(row)
	if err == sql.ErrNoRows {
		return nil, quilterrors.NotFoundf("no allocation for container %q", containerID)
	}
	if err != nil {
		return nil, quilterrors.Wrap(quilterrors.Store, "get allocation", err)
	}
	return a, nil
}

// ListAllocationsByStatus returns every allocation row in any of
// statuses. The metrics collector uses it to count held addresses; no
// startup scan re-drives cleanup from it.
func (s *Store) ListAllocationsByStatus(statuses ...types.AllocationStatus) ([]*types.NetworkAllocation, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	placeholders := make([]any, len(statuses))
	q := "SELECT container_id, ip, host_veth, container_veth, status FROM network_allocations WHERE status IN ("
	for i, st := range statuses {
		if i > 0 {
			q += ","
		}
		q += "?"
		placeholders[i] = st
	}
	q += ")"

	rows, err := s.readDB.Query(q, placeholders...)
	if err != nil {
		return nil, quilterrors.Wrap(quilterrors.Store, "list allocations", err)
	}
	defer rows.Close()

	var out []*types.NetworkAllocation
	for rows.Next() {
		a, err := scanAllocation(rows)
		if err != nil {
			return nil, quilterrors.Wrap(quilterrors.Store, "scan allocation", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// ResolveICC returns the ICC view for nameOrShortID, matched against
// the container's name, full id, or 12-char short id.
func (s *Store) ResolveICC(nameOrShortID string) (*types.ICCRegistration, error) {
	row := s.readDB.QueryRow(`
		SELECT containers.id, COALESCE(containers.name, ''), network_allocations.ip
		FROM containers
		JOIN network_allocations ON network_allocations.container_id = containers.id
		WHERE (containers.name = ? OR containers.id = ? OR substr(containers.id, 1, 12) = ?)
		  AND network_allocations.status = ?`,
		nameOrShortID, nameOrShortID, nameOrShortID, types.AllocationActive)

	var reg types.ICCRegistration
	if err := row.Scan(&reg.ContainerID, &reg.Name, &reg.IP); err != nil {
		if err == sql.ErrNoRows {
			return nil, quilterrors.NotFoundf("no active container matches %q", nameOrShortID)
		}
		return nil, quilterrors.Wrap(quilterrors.Store, "resolve icc", err)
	}
	reg.ShortID = reg.ContainerID
	if len(reg.ShortID) > 12 {
		reg.ShortID = reg.ShortID[:12]
	}
	return &reg, nil
}

// ListICC returns the ICC view for every actively networked container,
// the table the DNS responder consults on each query.
func (s *Store) ListICC() ([]*types.ICCRegistration, error) {
	rows, err := s.readDB.Query(`
		SELECT containers.id, COALESCE(containers.name, ''), network_allocations.ip
		FROM containers
		JOIN network_allocations ON network_allocations.container_id = containers.id
		WHERE network_allocations.status = ?`, types.AllocationActive)
	if err != nil {
		return nil, quilterrors.Wrap(quilterrors.Store, "list icc", err)
	}
	defer rows.Close()

	var out []*types.ICCRegistration
	for rows.Next() {
		var reg types.ICCRegistration
		if err := rows.Scan(&reg.ContainerID, &reg.Name, &reg.IP); err != nil {
			return nil, quilterrors.Wrap(quilterrors.Store, "scan icc", err)
		}
		reg.ShortID = reg.ContainerID
		if len(reg.ShortID) > 12 {
			reg.ShortID = reg.ShortID[:12]
		}
		out = append(out, &reg)
	}
	return out, rows.Err()
}
