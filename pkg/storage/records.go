package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/sandboxrunner/browserd/pkg/types"
)

// SaveRecord inserts or replaces a daemon record
func (s *SQLiteStore) SaveRecord(rec types.DaemonRecord) error {
	query := `INSERT INTO daemon_records
		(session_id, container_id, assigned_port, container_port, status, desired, current_url,
		 callback_url, error_message, retry_count, teardown_attempts, from_pool, last_healthy_at,
		 last_activity_at, last_heartbeat_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(session_id) DO UPDATE SET
			container_id = excluded.container_id,
			assigned_port = excluded.assigned_port,
			container_port = excluded.container_port,
			status = excluded.status,
			desired = excluded.desired,
			current_url = excluded.current_url,
			callback_url = excluded.callback_url,
			error_message = excluded.error_message,
			retry_count = excluded.retry_count,
			teardown_attempts = excluded.teardown_attempts,
			from_pool = excluded.from_pool,
			last_healthy_at = excluded.last_healthy_at,
			last_activity_at = excluded.last_activity_at,
			last_heartbeat_at = excluded.last_heartbeat_at,
			updated_at = excluded.updated_at`

	updated := rec.UpdatedAt
	if updated.IsZero() {
		updated = time.Now()
	}
	err := s.exec(query,
		rec.SessionID, rec.ContainerID, rec.AssignedPort, rec.ContainerPort, string(rec.Status),
		string(rec.Desired), rec.CurrentURL, rec.CallbackURL, rec.ErrorMessage, rec.RetryCount,
		rec.TeardownAttempts, rec.FromPool, nullTime(rec.LastHealthyAt), nullTime(rec.LastActivityAt),
		nullTime(rec.LastHeartbeatAt), rec.CreatedAt.UTC(), updated.UTC())
	if err != nil {
		return fmt.Errorf("failed to save record %s: %w", rec.SessionID, err)
	}
	return nil
}

// DeleteRecord removes a daemon record; deleting a missing record is not an error
func (s *SQLiteStore) DeleteRecord(sessionID string) error {
	if err := s.exec(`DELETE FROM daemon_records WHERE session_id = ?`, sessionID); err != nil {
		return fmt.Errorf("failed to delete record %s: %w", sessionID, err)
	}
	return nil
}

// LoadRecords returns every persisted daemon record
func (s *SQLiteStore) LoadRecords() ([]types.DaemonRecord, error) {
	if err := s.check(); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, `SELECT session_id, container_id, assigned_port, container_port,
		status, desired, current_url, callback_url, error_message, retry_count, teardown_attempts, from_pool,
		last_healthy_at, last_activity_at, last_heartbeat_at, created_at, updated_at
		FROM daemon_records ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("failed to query records: %w", err)
	}
	defer rows.Close()

	var records []types.DaemonRecord
	for rows.Next() {
		var rec types.DaemonRecord
		var status, desired string
		var containerID, currentURL, callbackURL, errMsg sql.NullString
		var healthy, activity, heartbeat sql.NullTime

		if err := rows.Scan(&rec.SessionID, &containerID, &rec.AssignedPort, &rec.ContainerPort,
			&status, &desired, &currentURL, &callbackURL, &errMsg, &rec.RetryCount, &rec.TeardownAttempts, &rec.FromPool,
			&healthy, &activity, &heartbeat, &rec.CreatedAt, &rec.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan record: %w", err)
		}

		rec.ContainerID = containerID.String
		rec.Status = types.Status(status)
		rec.Desired = types.DesiredState(desired)
		rec.CurrentURL = currentURL.String
		rec.CallbackURL = callbackURL.String
		rec.ErrorMessage = errMsg.String
		rec.LastHealthyAt = fromNullTime(healthy)
		rec.LastActivityAt = fromNullTime(activity)
		rec.LastHeartbeatAt = fromNullTime(heartbeat)
		records = append(records, rec)
	}
	return records, rows.Err()
}

// SaveLastURL remembers the page a session was on when it stopped
func (s *SQLiteStore) SaveLastURL(sessionID, url string) error {
	if url == "" {
		return s.exec(`DELETE FROM last_urls WHERE session_id = ?`, sessionID)
	}
	err := s.exec(`INSERT INTO last_urls (session_id, url, saved_at) VALUES (?, ?, ?)
		ON CONFLICT(session_id) DO UPDATE SET url = excluded.url, saved_at = excluded.saved_at`,
		sessionID, url, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to save last url for %s: %w", sessionID, err)
	}
	return nil
}

// LoadLastURLs returns the saved URL of every session
func (s *SQLiteStore) LoadLastURLs() (map[string]string, error) {
	if err := s.check(); err != nil {
		return nil, err
	}

	rows, err := s.db.Query(`SELECT session_id, url FROM last_urls`)
	if err != nil {
		return nil, fmt.Errorf("failed to query last urls: %w", err)
	}
	defer rows.Close()

	urls := make(map[string]string)
	for rows.Next() {
		var id, url string
		if err := rows.Scan(&id, &url); err != nil {
			return nil, fmt.Errorf("failed to scan last url: %w", err)
		}
		urls[id] = url
	}
	return urls, rows.Err()
}
