package ownership

import (
	"context"
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/dokzlo13/flowsyncd/internal/eventbus"
	"github.com/dokzlo13/flowsyncd/internal/future"
	"github.com/dokzlo13/flowsyncd/internal/groupreg"
	"github.com/dokzlo13/flowsyncd/internal/openflow"
	"github.com/dokzlo13/flowsyncd/internal/ports"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakeReconciler struct {
	mu        sync.Mutex
	started   map[openflow.NodeID]int
	cancelled map[openflow.NodeID]int
	running   map[openflow.NodeID]*future.Future[bool]
}

func newFakeReconciler() *fakeReconciler {
	return &fakeReconciler{
		started:   make(map[openflow.NodeID]int),
		cancelled: make(map[openflow.NodeID]int),
		running:   make(map[openflow.NodeID]*future.Future[bool]),
	}
}

func (r *fakeReconciler) Reconcile(ctx context.Context, node openflow.NodeID) *future.Future[bool] {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.started[node]++
	f := future.New[bool]()
	r.running[node] = f
	return f
}

func (r *fakeReconciler) Cancel(node openflow.NodeID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cancelled[node]++
	if f, ok := r.running[node]; ok {
		f.Cancel()
	}
}

func (r *fakeReconciler) counts(node openflow.NodeID) (int, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.started[node], r.cancelled[node]
}

func newTracker(t *testing.T, r Reconciler) (*Tracker, *groupreg.Registry, *ports.Inventory) {
	t.Helper()
	reg := groupreg.New()
	inv := ports.NewInventory()
	tr := New(r, reg, inv, 2)
	t.Cleanup(func() { tr.Close(context.Background()) })
	return tr, reg, inv
}

func wait(t *testing.T, f *future.Future[struct{}]) {
	t.Helper()
	if _, err := f.WaitTimeout(time.Second); err != nil {
		t.Fatalf("transition: %v", err)
	}
}

func TestReconcileFiresOnceWhenOwnedAndPresent(t *testing.T) {
	r := newFakeReconciler()
	tr, _, _ := newTracker(t, r)
	node := openflow.NodeIDFromDatapath(1)

	tests := []struct {
		name    string
		apply   func() *future.Future[struct{}]
		started int
	}{
		{"grant alone", func() *future.Future[struct{}] { return tr.OnOwnershipGranted(node) }, 0},
		{"node up", func() *future.Future[struct{}] { return tr.OnOperationalStatusChanged(node, true) }, 1},
		{"repeated grant", func() *future.Future[struct{}] { return tr.OnOwnershipGranted(node) }, 1},
		{"repeated up", func() *future.Future[struct{}] { return tr.OnOperationalStatusChanged(node, true) }, 1},
	}

	for _, tt := range tests {
		wait(t, tt.apply())
		if started, _ := r.counts(node); started != tt.started {
			t.Errorf("after %s: started = %d, want %d", tt.name, started, tt.started)
		}
	}

	if !tr.CanReconcile(node) {
		t.Error("CanReconcile = false for owned and present node")
	}
}

func TestRevokeCancelsInFlightReconciliation(t *testing.T) {
	r := newFakeReconciler()
	tr, _, _ := newTracker(t, r)
	node := openflow.NodeIDFromDatapath(2)

	tr.OnOperationalStatusChanged(node, true)
	tr.OnOwnershipGranted(node)
	wait(t, tr.OnOwnershipRevoked(node))

	started, cancelled := r.counts(node)
	if started != 1 || cancelled != 1 {
		t.Fatalf("started=%d cancelled=%d, want 1 and 1", started, cancelled)
	}

	last := tr.Reconciliation(node)
	if last == nil || !last.Cancelled() {
		t.Error("reconciliation future not cancelled after revoke")
	}
	if tr.CanReconcile(node) {
		t.Error("CanReconcile = true after revoke")
	}

	// Re-entering the state fires again
	wait(t, tr.OnOwnershipGranted(node))
	if started, _ := r.counts(node); started != 2 {
		t.Errorf("started = %d after re-grant, want 2", started)
	}
}

func TestNodeDownClearsRegistryAndPorts(t *testing.T) {
	r := newFakeReconciler()
	tr, reg, inv := newTracker(t, r)
	node := openflow.NodeIDFromDatapath(3)

	reg.Add(node, 7)
	inv.SetPort(node, "p1", true)

	wait(t, tr.OnOperationalStatusChanged(node, false))

	if reg.Len(node) != 0 {
		t.Error("registry not cleared on node down")
	}
	if inv.IsPortKnown(node, "p1") {
		t.Error("ports not cleared on node down")
	}
	if _, cancelled := r.counts(node); cancelled != 0 {
		t.Error("cancel called for node that was never reconcilable")
	}
}

func TestSubscribeRoutesEvents(t *testing.T) {
	r := newFakeReconciler()
	tr, _, _ := newTracker(t, r)
	bus := eventbus.New()
	tr.Subscribe(bus)
	node := openflow.NodeIDFromDatapath(4)

	bus.Publish(eventbus.Event{Type: eventbus.EventTypeOwnershipGranted, Node: node})
	bus.Publish(eventbus.Event{Type: eventbus.EventTypeNodeUp, Node: node})

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if started, _ := r.counts(node); started == 1 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	bus.Close(context.Background())

	if started, _ := r.counts(node); started != 1 {
		t.Fatalf("started = %d, want 1", started)
	}
}
