package storage

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/sandboxrunner/browserd/pkg/events"
)

// SaveEvent stores one bus event
func (s *SQLiteStore) SaveEvent(event events.Event) error {
	metadata, err := json.Marshal(event.Metadata)
	if err != nil {
		return fmt.Errorf("failed to encode event metadata: %w", err)
	}

	return s.exec(`INSERT OR IGNORE INTO events
		(id, type, severity, source, session_id, container_id, title, message, timestamp, metadata)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		event.ID, string(event.Type), string(event.Severity), event.Source, event.SessionID,
		event.ContainerID, event.Title, event.Message, event.Timestamp.UTC(), string(metadata))
}

// LoadEvents returns the most recent events, newest first. An empty
// sessionID loads events of every session; limit <= 0 loads all.
func (s *SQLiteStore) LoadEvents(sessionID string, limit int) ([]events.Event, error) {
	if err := s.check(); err != nil {
		return nil, err
	}

	query := `SELECT id, type, severity, source, session_id, container_id, title, message, timestamp, metadata
		FROM events`
	var args []interface{}
	if sessionID != "" {
		query += ` WHERE session_id = ?`
		args = append(args, sessionID)
	}
	query += ` ORDER BY timestamp DESC`
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()

	var out []events.Event
	for rows.Next() {
		var e events.Event
		var typ, severity string
		var session, container, metadata sql.NullString
		if err := rows.Scan(&e.ID, &typ, &severity, &e.Source, &session, &container,
			&e.Title, &e.Message, &e.Timestamp, &metadata); err != nil {
			log.Warn().Err(err).Msg("Failed to scan event row")
			continue
		}
		e.Type = events.EventType(typ)
		e.Severity = events.EventSeverity(severity)
		e.SessionID = session.String
		e.ContainerID = container.String
		if metadata.Valid && metadata.String != "" && metadata.String != "null" {
			if err := json.Unmarshal([]byte(metadata.String), &e.Metadata); err != nil {
				log.Warn().Err(err).Str("event_id", e.ID).Msg("Failed to decode event metadata")
			}
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// CleanupOldEvents removes events older than olderThan
func (s *SQLiteStore) CleanupOldEvents(olderThan time.Duration) error {
	if err := s.check(); err != nil {
		return err
	}

	cutoff := time.Now().Add(-olderThan).UTC()
	result, err := s.db.Exec(`DELETE FROM events WHERE timestamp < ?`, cutoff)
	if err != nil {
		return err
	}
	if n, _ := result.RowsAffected(); n > 0 {
		log.Info().Int64("rows_deleted", n).Msg("Cleaned up old events")
	}
	return nil
}
