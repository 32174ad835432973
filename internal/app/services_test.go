package app

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/dokzlo13/flowsyncd/internal/config"
	"github.com/dokzlo13/flowsyncd/internal/eventbus"
	"github.com/dokzlo13/flowsyncd/internal/ledger"
	"github.com/dokzlo13/flowsyncd/internal/openflow"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg, err := config.Parse([]byte("{}"))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	cfg.Database.Path = filepath.Join(t.TempDir(), "flowsyncd.sqlite")
	return cfg
}

func TestServicesReconcileOnOwnership(t *testing.T) {
	s, err := NewServices(testConfig(t))
	if err != nil {
		t.Fatalf("NewServices: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	if err := s.Start(ctx, nil); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer func() {
		cancel()
		if err := s.Stop(); err != nil {
			t.Errorf("Stop: %v", err)
		}
	}()

	node := openflow.NodeIDFromDatapath(7)
	s.Bus.Publish(eventbus.Event{Type: eventbus.EventTypeOwnershipGranted, Node: node})
	s.Bus.Publish(eventbus.Event{Type: eventbus.EventTypeNodeUp, Node: node})

	deadline := time.Now().Add(2 * time.Second)
	for s.Tracker.Reconciliation(node) == nil {
		if time.Now().After(deadline) {
			t.Fatal("no reconciliation started")
		}
		time.Sleep(10 * time.Millisecond)
	}

	// No stored configuration counts as empty.
	ok, err := s.Tracker.Reconciliation(node).WaitTimeout(2 * time.Second)
	if err != nil || !ok {
		t.Fatalf("reconciliation = %v, %v; want true", ok, err)
	}

	for {
		entries, err := s.Ledger.GetByType(ledger.EventReconcileCompleted, 10)
		if err != nil {
			t.Fatalf("GetByType: %v", err)
		}
		if len(entries) == 1 && entries[0].Node == node {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("completed entries = %+v", entries)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestServicesClearStore(t *testing.T) {
	s, err := NewServices(testConfig(t))
	if err != nil {
		t.Fatalf("NewServices: %v", err)
	}
	defer s.Close()

	if err := s.ClearStore(); err != nil {
		t.Errorf("ClearStore: %v", err)
	}
	if s.Stream != nil || s.Admin != nil {
		t.Error("outer surfaces should be disabled by default")
	}
}
