// Package bundle applies a node's groups and flows as one atomic batch.
package bundle

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/flowsyncd/internal/future"
	"github.com/dokzlo13/flowsyncd/internal/metrics"
	"github.com/dokzlo13/flowsyncd/internal/openflow"
	"github.com/dokzlo13/flowsyncd/internal/resolver"
	"github.com/dokzlo13/flowsyncd/internal/rpc"
)

// Stage names, as used in logs and metrics.
const (
	StageClose  = "close"
	StageOpen   = "open"
	StageAdd    = "add_messages"
	StageCommit = "commit"
	kindBundle  = "bundle"
)

// Batch is the content of one bundle.
type Batch struct {
	DeleteAllFlows  bool
	DeleteAllGroups bool
	Groups          []openflow.Group
	Flows           []openflow.Flow
}

// Messages returns the bundle messages of b: deletions first, then groups
// in dependency order, then flows.
func (b Batch) Messages() []rpc.BundleMessage {
	msgs := make([]rpc.BundleMessage, 0, len(b.Groups)+len(b.Flows)+2)
	if b.DeleteAllFlows {
		msgs = append(msgs, rpc.BundleMessage{Type: rpc.BundleRemoveAllFlows})
	}
	if b.DeleteAllGroups {
		msgs = append(msgs, rpc.BundleMessage{Type: rpc.BundleRemoveAllGroups})
	}
	ordered := resolver.Order(b.Groups)
	for i := range ordered {
		msgs = append(msgs, rpc.BundleMessage{Type: rpc.BundleAddGroup, Group: &ordered[i]})
	}
	for i := range b.Flows {
		msgs = append(msgs, rpc.BundleMessage{Type: rpc.BundleAddFlow, Flow: &b.Flows[i]})
	}
	return msgs
}

// StageFunc is called when a stage of a run starts.
type StageFunc func(node openflow.NodeID, stage string)

// Driver runs bundles against nodes.
type Driver struct {
	bundles rpc.BundleService
	tx      *rpc.TxIDs

	// OnStage, when set, observes stage transitions.
	OnStage StageFunc

	nextID atomic.Uint32
	mu     sync.Mutex
	last   map[openflow.NodeID]rpc.BundleID
}

// NewDriver creates a driver.
func NewDriver(bundles rpc.BundleService, tx *rpc.TxIDs) *Driver {
	return &Driver{
		bundles: bundles,
		tx:      tx,
		last:    make(map[openflow.NodeID]rpc.BundleID),
	}
}

// ids allocates a new bundle id for node and returns it with the previous one.
// Without a previous bundle the new id is closed first.
func (d *Driver) ids(node openflow.NodeID) (prev, next rpc.BundleID) {
	next = rpc.BundleID(d.nextID.Add(1))

	d.mu.Lock()
	defer d.mu.Unlock()

	prev, ok := d.last[node]
	if !ok {
		prev = next
	}
	d.last[node] = next
	return prev, next
}

// Run closes the node's previous bundle, opens a new one, adds the batch and
// commits it. Each stage runs only if the one before succeeded. The result is
// true only when the commit succeeded. Stage failures yield false, never an error.
func (d *Driver) Run(ctx context.Context, node openflow.NodeID, b Batch) *future.Future[bool] {
	prev, id := d.ids(node)
	control := func(bundle rpc.BundleID) rpc.BundleControlInput {
		return rpc.BundleControlInput{Node: node, Bundle: bundle, Atomic: true, Ordered: true, TransactionID: d.tx.Next()}
	}
	msgs := b.Messages()

	// Stages check ctx before they start; a dispatched RPC runs to completion
	dispatched := context.WithoutCancel(ctx)

	logger := log.With().Str("node", node.String()).Uint32("bundle", uint32(id)).Logger()
	logger.Debug().Uint32("previous", uint32(prev)).Int("messages", len(msgs)).Msg("Starting bundle")

	// A failed close only means there was nothing left open
	closed := future.Map(d.stage(ctx, node, StageClose, func() *future.Future[rpc.Result] {
		return d.bundles.CloseBundle(dispatched, control(prev))
	}), func(res rpc.Result, err error) (rpc.Result, error) {
		if err != nil && !errors.Is(err, future.ErrCancelled) {
			logger.Debug().Err(err).Uint32("previous", uint32(prev)).Msg("Closing previous bundle failed")
			return res, nil
		}
		return res, err
	})

	opened := future.Then(closed, func(rpc.Result) *future.Future[rpc.Result] {
		return d.stage(ctx, node, StageOpen, func() *future.Future[rpc.Result] {
			return d.bundles.OpenBundle(dispatched, control(id))
		})
	})

	added := future.Then(opened, func(rpc.Result) *future.Future[rpc.Result] {
		return d.stage(ctx, node, StageAdd, func() *future.Future[rpc.Result] {
			return d.bundles.AddBundleMessages(dispatched, rpc.BundleMessagesInput{Node: node, Bundle: id, Messages: msgs, TransactionID: d.tx.Next()})
		})
	})

	committed := future.Then(added, func(rpc.Result) *future.Future[rpc.Result] {
		return d.stage(ctx, node, StageCommit, func() *future.Future[rpc.Result] {
			return d.bundles.CommitBundle(dispatched, control(id))
		})
	})

	return future.Map(committed, func(_ rpc.Result, err error) (bool, error) {
		if err != nil {
			if errors.Is(err, future.ErrCancelled) {
				logger.Info().Msg("Bundle cancelled")
			} else {
				logger.Error().Err(err).Msg("Bundle failed")
			}
			return false, nil
		}
		logger.Info().Int("messages", len(msgs)).Msg("Bundle committed")
		return true, nil
	})
}

// stage issues one bundle RPC unless ctx is done. An unsuccessful result fails the stage.
func (d *Driver) stage(ctx context.Context, node openflow.NodeID, name string, call func() *future.Future[rpc.Result]) *future.Future[rpc.Result] {
	if err := ctx.Err(); err != nil {
		return future.Failed[rpc.Result](errors.Join(future.ErrCancelled, err))
	}
	if d.OnStage != nil {
		d.OnStage(node, name)
	}

	return future.Map(call(), func(res rpc.Result, err error) (rpc.Result, error) {
		if err == nil && !res.Success {
			err = fmt.Errorf("bundle %s rejected: %w", name, res)
		}
		metrics.ItemDone(kindBundle, name, err == nil)
		return res, err
	})
}
