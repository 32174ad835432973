package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/flowsyncd/internal/future"
	"github.com/dokzlo13/flowsyncd/internal/openflow"
)

// SQLite is a Store persisted in the node_config table.
type SQLite struct {
	db  *sql.DB
	mu  sync.RWMutex
	pub Publisher
}

// NewSQLite creates a store on an opened database. pub may be nil.
func NewSQLite(db *sql.DB, pub Publisher) *SQLite {
	return &SQLite{db: db, pub: pub}
}

// ReadNode returns the configuration snapshot of node.
func (s *SQLite) ReadNode(ctx context.Context, node openflow.NodeID) (*openflow.DesiredConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT kind, id, payload FROM node_config WHERE node = ?
	`, string(node))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var collected []row
	for rows.Next() {
		var r row
		var kind, payload string
		if err := rows.Scan(&kind, &r.id, &payload); err != nil {
			return nil, err
		}
		r.kind = Kind(kind)
		r.payload = []byte(payload)
		collected = append(collected, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if len(collected) == 0 {
		return nil, ErrNotFound
	}
	return assemble(node, collected)
}

// ReadGroup returns one group definition.
func (s *SQLite) ReadGroup(ctx context.Context, node openflow.NodeID, id openflow.GroupID) (openflow.Group, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var g openflow.Group
	p := GroupPath(node, id)

	var payload string
	err := s.db.QueryRowContext(ctx, `
		SELECT payload FROM node_config WHERE node = ? AND kind = ? AND id = ?
	`, string(p.Node), string(p.Kind), p.ID).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return g, false, nil
	}
	if err != nil {
		return g, false, err
	}

	if err := json.Unmarshal([]byte(payload), &g); err != nil {
		return g, false, fmt.Errorf("failed to unmarshal group %s: %w", p, err)
	}
	return g, true, nil
}

// Nodes lists every node with stored configuration.
func (s *SQLite) Nodes(ctx context.Context) ([]openflow.NodeID, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT node FROM node_config ORDER BY node`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var nodes []openflow.NodeID
	for rows.Next() {
		var n string
		if err := rows.Scan(&n); err != nil {
			return nil, err
		}
		nodes = append(nodes, openflow.NodeID(n))
	}
	return nodes, rows.Err()
}

// Version returns the version of path, 0 if absent.
func (s *SQLite) Version(ctx context.Context, path Path) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var version int64
	err := s.db.QueryRowContext(ctx, `
		SELECT version FROM node_config WHERE node = ? AND kind = ? AND id = ?
	`, string(path.Node), string(path.Kind), path.ID).Scan(&version)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	return version, err
}

// Clear removes all configuration of node. If node is empty, clears everything.
func (s *SQLite) Clear(node openflow.NodeID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var err error
	if node == "" {
		_, err = s.db.Exec(`DELETE FROM node_config`)
	} else {
		_, err = s.db.Exec(`DELETE FROM node_config WHERE node = ?`, string(node))
	}
	return err
}

// Txn starts a write transaction.
func (s *SQLite) Txn() Txn {
	return &sqliteTxn{s: s}
}

type sqliteTxn struct {
	txnOps
	s *SQLite
}

// Commit applies all operations in one database transaction.
func (t *sqliteTxn) Commit(ctx context.Context) *future.Future[struct{}] {
	if t.err != nil {
		return future.Failed[struct{}](t.err)
	}

	changes, err := t.s.apply(ctx, t.ops)
	if err != nil {
		return future.Failed[struct{}](err)
	}

	publishChanges(t.s.pub, changes)
	return future.Resolved(struct{}{})
}

func (s *SQLite) apply(ctx context.Context, ops []op) ([]Change, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC().Unix()
	changes := make([]Change, 0, len(ops))

	for _, o := range ops {
		p := o.path
		c := Change{Path: p}

		var before string
		err := tx.QueryRowContext(ctx, `
			SELECT payload FROM node_config WHERE node = ? AND kind = ? AND id = ?
		`, string(p.Node), string(p.Kind), p.ID).Scan(&before)
		exists := err == nil
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("failed to read %s: %w", p, err)
		}
		if exists {
			c.Before = json.RawMessage(before)
		}

		if o.payload == nil {
			if !exists {
				continue
			}
			if _, err := tx.ExecContext(ctx, `
				DELETE FROM node_config WHERE node = ? AND kind = ? AND id = ?
			`, string(p.Node), string(p.Kind), p.ID); err != nil {
				return nil, fmt.Errorf("failed to delete %s: %w", p, err)
			}
		} else {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO node_config (node, kind, id, payload, version, updated_at)
				VALUES (?, ?, ?, ?, 1, ?)
				ON CONFLICT(node, kind, id) DO UPDATE SET
					payload = excluded.payload,
					version = version + 1,
					updated_at = excluded.updated_at
			`, string(p.Node), string(p.Kind), p.ID, string(o.payload), now); err != nil {
				return nil, fmt.Errorf("failed to put %s: %w", p, err)
			}
			c.After = o.payload
		}
		changes = append(changes, c)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}

	log.Debug().Int("ops", len(ops)).Int("changes", len(changes)).Msg("Config transaction committed")
	return changes, nil
}
