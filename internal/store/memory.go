package store

import (
	"context"
	"encoding/json"
	"slices"
	"sync"

	"github.com/dokzlo13/flowsyncd/internal/future"
	"github.com/dokzlo13/flowsyncd/internal/openflow"
)

// memoryEntry holds a stored object with its version.
type memoryEntry struct {
	payload []byte
	version int64
}

// Memory is an in-memory Store (not persisted).
type Memory struct {
	mu      sync.RWMutex
	entries map[Path]*memoryEntry
	pub     Publisher

	// FailCommits makes every commit fail with the given error when set.
	FailCommits error
}

// NewMemory creates an empty in-memory store. pub may be nil.
func NewMemory(pub Publisher) *Memory {
	return &Memory{
		entries: make(map[Path]*memoryEntry),
		pub:     pub,
	}
}

// ReadNode returns the configuration snapshot of node.
func (m *Memory) ReadNode(ctx context.Context, node openflow.NodeID) (*openflow.DesiredConfig, error) {
	m.mu.RLock()
	var rows []row
	for p, e := range m.entries {
		if p.Node == node {
			rows = append(rows, row{kind: p.Kind, id: p.ID, payload: e.payload})
		}
	}
	m.mu.RUnlock()

	if len(rows) == 0 {
		return nil, ErrNotFound
	}
	return assemble(node, rows)
}

// ReadGroup returns one group definition.
func (m *Memory) ReadGroup(ctx context.Context, node openflow.NodeID, id openflow.GroupID) (openflow.Group, bool, error) {
	m.mu.RLock()
	e, ok := m.entries[GroupPath(node, id)]
	m.mu.RUnlock()

	var g openflow.Group
	if !ok {
		return g, false, nil
	}
	if err := json.Unmarshal(e.payload, &g); err != nil {
		return g, false, err
	}
	return g, true, nil
}

// Nodes lists every node with stored configuration.
func (m *Memory) Nodes(ctx context.Context) ([]openflow.NodeID, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	seen := make(map[openflow.NodeID]bool)
	var nodes []openflow.NodeID
	for p := range m.entries {
		if !seen[p.Node] {
			seen[p.Node] = true
			nodes = append(nodes, p.Node)
		}
	}
	slices.Sort(nodes)
	return nodes, nil
}

// Version returns the version of path, 0 if absent.
func (m *Memory) Version(path Path) int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if e, ok := m.entries[path]; ok {
		return e.version
	}
	return 0
}

// Has reports whether path exists.
func (m *Memory) Has(path Path) bool {
	return m.Version(path) > 0
}

// Txn starts a write transaction.
func (m *Memory) Txn() Txn {
	return &memoryTxn{m: m}
}

type memoryTxn struct {
	txnOps
	m *Memory
}

func (t *memoryTxn) Commit(ctx context.Context) *future.Future[struct{}] {
	if t.err != nil {
		return future.Failed[struct{}](t.err)
	}

	m := t.m
	m.mu.Lock()
	if m.FailCommits != nil {
		err := m.FailCommits
		m.mu.Unlock()
		return future.Failed[struct{}](err)
	}

	changes := make([]Change, 0, len(t.ops))
	for _, o := range t.ops {
		existing, ok := m.entries[o.path]
		c := Change{Path: o.path}
		if ok {
			c.Before = existing.payload
		}

		if o.payload == nil {
			if !ok {
				continue
			}
			delete(m.entries, o.path)
		} else {
			version := int64(1)
			if ok {
				version = existing.version + 1
			}
			m.entries[o.path] = &memoryEntry{payload: o.payload, version: version}
			c.After = o.payload
		}
		changes = append(changes, c)
	}
	m.mu.Unlock()

	publishChanges(m.pub, changes)
	return future.Resolved(struct{}{})
}
