// Package store provides the transactional configuration store holding the
// desired forwarding state of every node.
//
// Objects are stored as JSON keyed by (node, kind, id). Every committed
// change is published as a config_changed event.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"

	"github.com/dokzlo13/flowsyncd/internal/eventbus"
	"github.com/dokzlo13/flowsyncd/internal/future"
	"github.com/dokzlo13/flowsyncd/internal/openflow"
)

// ErrNotFound is returned when a node has no stored configuration.
var ErrNotFound = errors.New("not found")

// Kind is the object kind of a path.
type Kind string

const (
	KindTable      Kind = "table"
	KindGroup      Kind = "group"
	KindMeter      Kind = "meter"
	KindFlow       Kind = "flow"
	KindStaleGroup Kind = "stale_group"
	KindStaleMeter Kind = "stale_meter"
	KindStaleFlow  Kind = "stale_flow"
)

// Path addresses one object of one node.
type Path struct {
	Node openflow.NodeID
	Kind Kind
	ID   string
}

func (p Path) String() string {
	return fmt.Sprintf("%s/%s/%s", p.Node, p.Kind, p.ID)
}

func TablePath(node openflow.NodeID, id uint8) Path {
	return Path{Node: node, Kind: KindTable, ID: strconv.FormatUint(uint64(id), 10)}
}

func GroupPath(node openflow.NodeID, id openflow.GroupID) Path {
	return Path{Node: node, Kind: KindGroup, ID: strconv.FormatUint(uint64(id), 10)}
}

func MeterPath(node openflow.NodeID, id uint32) Path {
	return Path{Node: node, Kind: KindMeter, ID: strconv.FormatUint(uint64(id), 10)}
}

func FlowPath(node openflow.NodeID, id string) Path {
	return Path{Node: node, Kind: KindFlow, ID: id}
}

func StaleGroupPath(node openflow.NodeID, id openflow.GroupID) Path {
	return Path{Node: node, Kind: KindStaleGroup, ID: strconv.FormatUint(uint64(id), 10)}
}

func StaleMeterPath(node openflow.NodeID, id uint32) Path {
	return Path{Node: node, Kind: KindStaleMeter, ID: strconv.FormatUint(uint64(id), 10)}
}

func StaleFlowPath(node openflow.NodeID, id string) Path {
	return Path{Node: node, Kind: KindStaleFlow, ID: id}
}

// Change describes one committed write. Before is nil for creations and
// After is nil for deletions.
type Change struct {
	Path   Path
	Before json.RawMessage
	After  json.RawMessage
}

// Reader reads desired configuration.
type Reader interface {
	// ReadNode returns the configuration snapshot of node, or ErrNotFound.
	ReadNode(ctx context.Context, node openflow.NodeID) (*openflow.DesiredConfig, error)
	// ReadGroup returns one group definition of node.
	ReadGroup(ctx context.Context, node openflow.NodeID, id openflow.GroupID) (openflow.Group, bool, error)
	// Nodes lists every node with stored configuration.
	Nodes(ctx context.Context) ([]openflow.NodeID, error)
}

// Txn is a write transaction. Nothing is visible until Commit.
type Txn interface {
	Put(path Path, obj any)
	Delete(path Path)
	Commit(ctx context.Context) *future.Future[struct{}]
}

// Store is a readable, transactionally writable configuration store.
type Store interface {
	Reader
	Txn() Txn
}

// Publisher receives committed changes.
type Publisher interface {
	Publish(event eventbus.Event)
}

type op struct {
	path    Path
	payload []byte // nil for delete
}

// txnOps accumulates operations for both store implementations.
type txnOps struct {
	ops []op
	err error
}

func (t *txnOps) Put(path Path, obj any) {
	payload, err := json.Marshal(obj)
	if err != nil {
		if t.err == nil {
			t.err = fmt.Errorf("failed to marshal %s: %w", path, err)
		}
		return
	}
	t.ops = append(t.ops, op{path: path, payload: payload})
}

func (t *txnOps) Delete(path Path) {
	t.ops = append(t.ops, op{path: path})
}

func publishChanges(pub Publisher, changes []Change) {
	if pub == nil {
		return
	}
	for _, c := range changes {
		pub.Publish(eventbus.Event{
			Type: eventbus.EventTypeConfigChanged,
			Node: c.Path.Node,
			Data: map[string]interface{}{"change": c},
		})
	}
}

type row struct {
	kind    Kind
	id      string
	payload []byte
}

// assemble decodes stored rows into a configuration snapshot, ordered by id.
func assemble(node openflow.NodeID, rows []row) (*openflow.DesiredConfig, error) {
	sort.SliceStable(rows, func(i, j int) bool {
		if rows[i].kind != rows[j].kind {
			return rows[i].kind < rows[j].kind
		}
		return lessID(rows[i].id, rows[j].id)
	})

	cfg := &openflow.DesiredConfig{Node: node}
	for _, r := range rows {
		var err error
		switch r.kind {
		case KindTable:
			err = appendDecoded(&cfg.Tables, r.payload)
		case KindGroup:
			err = appendDecoded(&cfg.Groups, r.payload)
		case KindMeter:
			err = appendDecoded(&cfg.Meters, r.payload)
		case KindFlow:
			err = appendDecoded(&cfg.Flows, r.payload)
		case KindStaleGroup:
			err = appendDecoded(&cfg.StaleGroups, r.payload)
		case KindStaleMeter:
			err = appendDecoded(&cfg.StaleMeters, r.payload)
		case KindStaleFlow:
			err = appendDecoded(&cfg.StaleFlows, r.payload)
		}
		if err != nil {
			return nil, fmt.Errorf("failed to decode %s/%s/%s: %w", node, r.kind, r.id, err)
		}
	}
	return cfg, nil
}

func appendDecoded[T any](dst *[]T, payload []byte) error {
	var v T
	if err := json.Unmarshal(payload, &v); err != nil {
		return err
	}
	*dst = append(*dst, v)
	return nil
}

// lessID orders numeric ids numerically and everything else lexically.
func lessID(a, b string) bool {
	na, errA := strconv.ParseUint(a, 10, 64)
	nb, errB := strconv.ParseUint(b, 10, 64)
	if errA == nil && errB == nil {
		return na < nb
	}
	return a < b
}
