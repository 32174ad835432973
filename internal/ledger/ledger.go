// Package ledger provides an append-only history of reconciliation runs.
package ledger

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/dokzlo13/flowsyncd/internal/openflow"
)

// EventType represents the type of event in the ledger
type EventType string

const (
	EventReconcileStarted   EventType = "reconcile_started"
	EventReconcileCompleted EventType = "reconcile_completed"
	EventReconcileFailed    EventType = "reconcile_failed"
	EventReconcileCancelled EventType = "reconcile_cancelled"
)

// Terminal reports whether the event ends a run.
func (t EventType) Terminal() bool {
	return t != EventReconcileStarted
}

// Entry represents a single event in the ledger
type Entry struct {
	ID        int64
	EventType EventType
	Timestamp time.Time
	Node      openflow.NodeID
	RunID     string
	Payload   map[string]any
}

// Ledger provides append-only event logging
type Ledger struct {
	db *sql.DB
}

// New creates a new Ledger using the provided database connection
func New(db *sql.DB) *Ledger {
	return &Ledger{db: db}
}

// Append adds a new event to the ledger.
// Terminal events use INSERT OR IGNORE so only the first outcome of a run is
// kept (enforced by the unique partial index on run_id).
func (l *Ledger) Append(eventType EventType, node openflow.NodeID, runID string, payload map[string]any) error {
	var payloadJSON []byte
	var err error

	if payload != nil {
		payloadJSON, err = json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("failed to marshal payload: %w", err)
		}
	}

	now := time.Now().UTC().Unix()

	insertSQL := `INSERT INTO event_ledger (event_type, timestamp, node, run_id, payload) VALUES (?, ?, ?, ?, ?)`
	if eventType.Terminal() && runID != "" {
		insertSQL = `INSERT OR IGNORE INTO event_ledger (event_type, timestamp, node, run_id, payload) VALUES (?, ?, ?, ?, ?)`
	}

	_, err = l.db.Exec(insertSQL, string(eventType), now, string(node), nullable(runID), string(payloadJSON))
	return err
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// Outcome returns the terminal event of a run, or "" while it is unfinished or unknown
func (l *Ledger) Outcome(runID string) EventType {
	if runID == "" {
		return ""
	}

	var eventType string
	err := l.db.QueryRow(`
		SELECT event_type FROM event_ledger
		WHERE run_id = ? AND event_type != ?
		LIMIT 1
	`, runID, string(EventReconcileStarted)).Scan(&eventType)
	if err != nil {
		return ""
	}
	return EventType(eventType)
}

// GetByType returns entries filtered by event type
func (l *Ledger) GetByType(eventType EventType, limit int) ([]*Entry, error) {
	rows, err := l.db.Query(`
		SELECT id, event_type, timestamp, node, run_id, payload
		FROM event_ledger
		WHERE event_type = ?
		ORDER BY timestamp DESC, id DESC
		LIMIT ?
	`, string(eventType), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return l.scanEntries(rows)
}

// GetByNode returns the most recent entries of one node
func (l *Ledger) GetByNode(node openflow.NodeID, limit int) ([]*Entry, error) {
	rows, err := l.db.Query(`
		SELECT id, event_type, timestamp, node, run_id, payload
		FROM event_ledger
		WHERE node = ?
		ORDER BY timestamp DESC, id DESC
		LIMIT ?
	`, string(node), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return l.scanEntries(rows)
}

// DeleteOlderThan removes entries older than the specified duration (retention policy)
func (l *Ledger) DeleteOlderThan(retention time.Duration) (int64, error) {
	cutoff := time.Now().Add(-retention).Unix()
	result, err := l.db.Exec(`
		DELETE FROM event_ledger WHERE timestamp < ?
	`, cutoff)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

func (l *Ledger) scanEntries(rows *sql.Rows) ([]*Entry, error) {
	var entries []*Entry
	for rows.Next() {
		var entry Entry
		var payloadStr, node, runID sql.NullString
		var timestamp int64

		err := rows.Scan(&entry.ID, &entry.EventType, &timestamp, &node, &runID, &payloadStr)
		if err != nil {
			return nil, err
		}

		entry.Timestamp = time.Unix(timestamp, 0).UTC()
		if node.Valid {
			entry.Node = openflow.NodeID(node.String)
		}
		if runID.Valid {
			entry.RunID = runID.String
		}

		if payloadStr.Valid && payloadStr.String != "" {
			entry.Payload = make(map[string]any)
			if err := json.Unmarshal([]byte(payloadStr.String), &entry.Payload); err != nil {
				return nil, fmt.Errorf("failed to unmarshal payload: %w", err)
			}
		}

		entries = append(entries, &entry)
	}

	return entries, rows.Err()
}
