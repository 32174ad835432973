// Package ownership tracks which nodes this process owns and which are up,
// and starts reconciliation when a node becomes both.
package ownership

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/flowsyncd/internal/eventbus"
	"github.com/dokzlo13/flowsyncd/internal/future"
	"github.com/dokzlo13/flowsyncd/internal/groupreg"
	"github.com/dokzlo13/flowsyncd/internal/jobqueue"
	"github.com/dokzlo13/flowsyncd/internal/openflow"
	"github.com/dokzlo13/flowsyncd/internal/ports"
)

// Reconciler is started when a node becomes reconcilable and cancelled when it stops being so.
type Reconciler interface {
	Reconcile(ctx context.Context, node openflow.NodeID) *future.Future[bool]
	Cancel(node openflow.NodeID)
}

type nodeState struct {
	mastered atomic.Bool
	present  atomic.Bool

	// Only touched from transition jobs, which are serialized per node
	reconcilable bool

	// Guarded by Tracker.mu
	last *future.Future[bool]
}

// Tracker holds the ownership state of every node.
type Tracker struct {
	reconciler Reconciler
	registry   *groupreg.Registry
	inventory  *ports.Inventory
	queue      *jobqueue.Queue[struct{}]

	mu    sync.Mutex
	nodes map[openflow.NodeID]*nodeState
}

// New creates a tracker. Transitions of one node are applied in arrival order
// on a dedicated queue with the given number of workers.
func New(reconciler Reconciler, registry *groupreg.Registry, inventory *ports.Inventory, workers int) *Tracker {
	return &Tracker{
		reconciler: reconciler,
		registry:   registry,
		inventory:  inventory,
		queue:      jobqueue.New[struct{}]("ownership", workers),
		nodes:      make(map[openflow.NodeID]*nodeState),
	}
}

func (t *Tracker) state(node openflow.NodeID) *nodeState {
	t.mu.Lock()
	defer t.mu.Unlock()

	s, ok := t.nodes[node]
	if !ok {
		s = &nodeState{}
		t.nodes[node] = s
	}
	return s
}

// OnOwnershipGranted records that this process now owns node.
func (t *Tracker) OnOwnershipGranted(node openflow.NodeID) *future.Future[struct{}] {
	return t.transition(node, "ownership granted", func(s *nodeState) {
		s.mastered.Store(true)
	})
}

// OnOwnershipRevoked records that this process lost node.
func (t *Tracker) OnOwnershipRevoked(node openflow.NodeID) *future.Future[struct{}] {
	return t.transition(node, "ownership revoked", func(s *nodeState) {
		s.mastered.Store(false)
	})
}

// OnOperationalStatusChanged records whether node is present in the operational view.
// A node going away loses its known groups and ports.
func (t *Tracker) OnOperationalStatusChanged(node openflow.NodeID, present bool) *future.Future[struct{}] {
	reason := "node up"
	if !present {
		reason = "node down"
	}
	return t.transition(node, reason, func(s *nodeState) {
		s.present.Store(present)
		if !present {
			t.registry.Clear(node)
			t.inventory.RemoveNode(node)
		}
	})
}

// CanReconcile reports whether node is owned and present.
func (t *Tracker) CanReconcile(node openflow.NodeID) bool {
	t.mu.Lock()
	s, ok := t.nodes[node]
	t.mu.Unlock()

	return ok && s.mastered.Load() && s.present.Load()
}

// Reconciliation returns the future of the last reconciliation started for node, or nil.
func (t *Tracker) Reconciliation(node openflow.NodeID) *future.Future[bool] {
	t.mu.Lock()
	defer t.mu.Unlock()

	if s, ok := t.nodes[node]; ok {
		return s.last
	}
	return nil
}

// transition applies fn and fires or cancels reconciliation when the
// reconcilable condition changes. The returned future completes once applied.
func (t *Tracker) transition(node openflow.NodeID, reason string, fn func(*nodeState)) *future.Future[struct{}] {
	return t.queue.Enqueue(context.Background(), string(node), func(ctx context.Context) (struct{}, error) {
		s := t.state(node)
		fn(s)

		now := s.mastered.Load() && s.present.Load()
		switch {
		case now && !s.reconcilable:
			s.reconcilable = true
			log.Info().Str("node", node.String()).Str("reason", reason).Msg("Node became reconcilable, starting reconciliation")
			last := t.reconciler.Reconcile(context.Background(), node)
			t.mu.Lock()
			s.last = last
			t.mu.Unlock()
		case !now && s.reconcilable:
			s.reconcilable = false
			log.Info().Str("node", node.String()).Str("reason", reason).Msg("Node no longer reconcilable, cancelling reconciliation")
			t.reconciler.Cancel(node)
		default:
			log.Debug().
				Str("node", node.String()).
				Str("reason", reason).
				Bool("mastered", s.mastered.Load()).
				Bool("present", s.present.Load()).
				Msg("Ownership state unchanged")
		}
		return struct{}{}, nil
	})
}

// Subscribe wires the tracker to ownership and operational events.
func (t *Tracker) Subscribe(bus *eventbus.Bus) {
	bus.Subscribe(eventbus.EventTypeOwnershipGranted, func(e eventbus.Event) {
		t.OnOwnershipGranted(e.Node)
	})
	bus.Subscribe(eventbus.EventTypeOwnershipRevoked, func(e eventbus.Event) {
		t.OnOwnershipRevoked(e.Node)
	})
	bus.Subscribe(eventbus.EventTypeNodeUp, func(e eventbus.Event) {
		t.OnOperationalStatusChanged(e.Node, true)
	})
	bus.Subscribe(eventbus.EventTypeNodeDown, func(e eventbus.Event) {
		t.OnOperationalStatusChanged(e.Node, false)
	})
}

// Close stops the transition queue.
func (t *Tracker) Close(ctx context.Context) {
	t.queue.Close(ctx)
}
