package store

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/dokzlo13/flowsyncd/internal/db"
	"github.com/dokzlo13/flowsyncd/internal/eventbus"
	"github.com/dokzlo13/flowsyncd/internal/openflow"
)

type recordingPublisher struct {
	mu     sync.Mutex
	events []eventbus.Event
}

func (p *recordingPublisher) Publish(e eventbus.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, e)
}

func (p *recordingPublisher) changes() []Change {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []Change
	for _, e := range p.events {
		out = append(out, e.Data["change"].(Change))
	}
	return out
}

func openSQLite(t *testing.T, pub Publisher) *SQLite {
	t.Helper()
	database, err := db.Open(filepath.Join(t.TempDir(), "store.sqlite"))
	if err != nil {
		t.Fatalf("db.Open: %v", err)
	}
	t.Cleanup(func() { database.Close() })
	return NewSQLite(database.DB, pub)
}

func commit(t *testing.T, txn Txn) {
	t.Helper()
	if _, err := txn.Commit(context.Background()).WaitTimeout(time.Second); err != nil {
		t.Fatalf("Commit: %v", err)
	}
}

// exerciseStore runs the same contract against both implementations.
func exerciseStore(t *testing.T, s Store, pub *recordingPublisher) {
	ctx := context.Background()
	node := openflow.NodeIDFromDatapath(1)

	if _, err := s.ReadNode(ctx, node); !errors.Is(err, ErrNotFound) {
		t.Fatalf("ReadNode on empty store err = %v, want ErrNotFound", err)
	}

	g1 := openflow.Group{ID: 1, Type: openflow.GroupAll}
	g10 := openflow.Group{ID: 10, Type: openflow.GroupIndirect}
	flow := openflow.Flow{ID: "f1", TableID: 0, Priority: 10}
	stale := openflow.Flow{ID: "old", TableID: 0}

	txn := s.Txn()
	txn.Put(GroupPath(node, 10), g10)
	txn.Put(GroupPath(node, 1), g1)
	txn.Put(FlowPath(node, "f1"), flow)
	txn.Put(MeterPath(node, 3), openflow.Meter{ID: 3})
	txn.Put(TablePath(node, 0), openflow.TableFeatures{TableID: 0, Name: "ingress"})
	txn.Put(StaleFlowPath(node, "old"), stale)
	commit(t, txn)

	cfg, err := s.ReadNode(ctx, node)
	if err != nil {
		t.Fatalf("ReadNode: %v", err)
	}
	if len(cfg.Groups) != 2 || cfg.Groups[0].ID != 1 || cfg.Groups[1].ID != 10 {
		t.Errorf("groups = %+v, want ids [1 10]", cfg.Groups)
	}
	if len(cfg.Flows) != 1 || len(cfg.Meters) != 1 || len(cfg.Tables) != 1 || len(cfg.StaleFlows) != 1 {
		t.Errorf("unexpected snapshot %+v", cfg)
	}

	g, ok, err := s.ReadGroup(ctx, node, 10)
	if err != nil || !ok || g.Type != openflow.GroupIndirect {
		t.Errorf("ReadGroup = %+v, %v, %v", g, ok, err)
	}
	if _, ok, _ := s.ReadGroup(ctx, node, 99); ok {
		t.Error("ReadGroup found a missing group")
	}

	txn = s.Txn()
	txn.Delete(StaleFlowPath(node, "old"))
	txn.Delete(StaleFlowPath(node, "never-existed"))
	commit(t, txn)

	cfg, err = s.ReadNode(ctx, node)
	if err != nil {
		t.Fatalf("ReadNode: %v", err)
	}
	if len(cfg.StaleFlows) != 0 {
		t.Errorf("stale flows after delete = %+v", cfg.StaleFlows)
	}

	nodes, err := s.Nodes(ctx)
	if err != nil || len(nodes) != 1 || nodes[0] != node {
		t.Errorf("Nodes = %v, %v", nodes, err)
	}

	changes := pub.changes()
	if len(changes) != 7 {
		t.Fatalf("published %d changes, want 7", len(changes))
	}
	last := changes[6]
	if last.Path != StaleFlowPath(node, "old") || last.Before == nil || last.After != nil {
		t.Errorf("delete change = %+v", last)
	}
}

func TestMemoryStore(t *testing.T) {
	pub := &recordingPublisher{}
	exerciseStore(t, NewMemory(pub), pub)
}

func TestSQLiteStore(t *testing.T) {
	pub := &recordingPublisher{}
	exerciseStore(t, openSQLite(t, pub), pub)
}

func TestSQLiteVersionIncrements(t *testing.T) {
	s := openSQLite(t, nil)
	ctx := context.Background()
	node := openflow.NodeIDFromDatapath(2)
	p := GroupPath(node, 4)

	for i := 0; i < 3; i++ {
		txn := s.Txn()
		txn.Put(p, openflow.Group{ID: 4, Name: "v"})
		commit(t, txn)
	}

	v, err := s.Version(ctx, p)
	if err != nil || v != 3 {
		t.Errorf("Version = %d, %v; want 3", v, err)
	}

	if err := s.Clear(node); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	if _, err := s.ReadNode(ctx, node); !errors.Is(err, ErrNotFound) {
		t.Errorf("ReadNode after Clear err = %v", err)
	}
}

func TestMemoryFailCommits(t *testing.T) {
	m := NewMemory(nil)
	m.FailCommits = errors.New("store unavailable")

	txn := m.Txn()
	txn.Put(FlowPath(openflow.NodeIDFromDatapath(1), "f"), openflow.Flow{ID: "f"})
	if _, err := txn.Commit(context.Background()).WaitTimeout(time.Second); err == nil {
		t.Fatal("commit should fail")
	}
}
