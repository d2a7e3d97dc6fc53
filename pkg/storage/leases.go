package storage

import (
	"database/sql"
	"fmt"

	"github.com/sandboxrunner/browserd/pkg/types"
)

// SaveLease persists a port lease, replacing any previous lease on the port
func (s *SQLiteStore) SaveLease(lease types.PortLease) error {
	err := s.exec(`INSERT OR REPLACE INTO port_leases (port, owner_id, range_name, leased_at, expires_at)
		VALUES (?, ?, ?, ?, ?)`,
		lease.Port, lease.OwnerID, lease.Range, lease.LeasedAt.UTC(), nullTime(lease.ExpiresAt))
	if err != nil {
		return fmt.Errorf("failed to save lease %d: %w", lease.Port, err)
	}
	return nil
}

// DeleteLease removes a port lease; missing leases are ignored
func (s *SQLiteStore) DeleteLease(port int) error {
	if err := s.exec(`DELETE FROM port_leases WHERE port = ?`, port); err != nil {
		return fmt.Errorf("failed to delete lease %d: %w", port, err)
	}
	return nil
}

// LoadLeases returns all persisted leases ordered by port
func (s *SQLiteStore) LoadLeases() ([]types.PortLease, error) {
	if err := s.check(); err != nil {
		return nil, err
	}

	rows, err := s.db.Query(`SELECT port, owner_id, range_name, leased_at, expires_at FROM port_leases ORDER BY port`)
	if err != nil {
		return nil, fmt.Errorf("failed to query leases: %w", err)
	}
	defer rows.Close()

	var leases []types.PortLease
	for rows.Next() {
		var lease types.PortLease
		var rangeName sql.NullString
		var expires sql.NullTime
		if err := rows.Scan(&lease.Port, &lease.OwnerID, &rangeName, &lease.LeasedAt, &expires); err != nil {
			return nil, fmt.Errorf("failed to scan lease: %w", err)
		}
		lease.Range = rangeName.String
		lease.ExpiresAt = fromNullTime(expires)
		leases = append(leases, lease)
	}
	return leases, rows.Err()
}
