// Package forwarder pushes single tables, groups, meters and flows to a node.
//
// Every push is a job on the node's queue, so a node sees at most one
// mutating RPC at a time and in submission order.
package forwarder

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/flowsyncd/internal/future"
	"github.com/dokzlo13/flowsyncd/internal/groupreg"
	"github.com/dokzlo13/flowsyncd/internal/jobqueue"
	"github.com/dokzlo13/flowsyncd/internal/metrics"
	"github.com/dokzlo13/flowsyncd/internal/openflow"
	"github.com/dokzlo13/flowsyncd/internal/rpc"
	"github.com/dokzlo13/flowsyncd/internal/store"
)

// Item kinds and operations, as used in logs and metrics.
const (
	KindTable = "table"
	KindGroup = "group"
	KindMeter = "meter"
	KindFlow  = "flow"

	OpAdd    = "add"
	OpUpdate = "update"
	OpRemove = "remove"
)

// Forwarder serializes device RPCs per node.
type Forwarder struct {
	device   rpc.DeviceService
	groups   store.Reader
	registry *groupreg.Registry
	queue    *jobqueue.Queue[rpc.Result]
	tx       *rpc.TxIDs
}

// New creates a forwarder. groups is used to look up groups a flow depends on.
func New(device rpc.DeviceService, groups store.Reader, registry *groupreg.Registry, queue *jobqueue.Queue[rpc.Result], tx *rpc.TxIDs) *Forwarder {
	return &Forwarder{
		device:   device,
		groups:   groups,
		registry: registry,
		queue:    queue,
		tx:       tx,
	}
}

type item struct {
	node openflow.NodeID
	kind string
	op   string
	id   string
}

// push enqueues one RPC. The job holds the node's slot until the device answers.
// deps are pushes queued earlier for the same node; the RPC is issued only if
// all of them succeeded. A result the device reports as unsuccessful fails the
// returned future.
func (f *Forwarder) push(ctx context.Context, it item, deps []*future.Future[rpc.Result], call func(ctx context.Context, tx string) *future.Future[rpc.Result], onSuccess func()) *future.Future[rpc.Result] {
	return f.queue.Enqueue(ctx, string(it.node), func(ctx context.Context) (rpc.Result, error) {
		if err := ctx.Err(); err != nil {
			return rpc.Result{}, errors.Join(future.ErrCancelled, err)
		}

		// Queued ahead on this node, so already complete
		for _, dep := range deps {
			if _, err := dep.Wait(context.WithoutCancel(ctx)); err != nil {
				log.Warn().
					Err(err).
					Str("node", it.node.String()).
					Str("kind", it.kind).
					Str("op", it.op).
					Str("id", it.id).
					Msg("Dependency push failed, skipping")
				return rpc.Result{}, fmt.Errorf("dependency of %s %s %s failed: %w", it.op, it.kind, it.id, err)
			}
		}

		tx := f.tx.Next()

		// Already dispatched RPCs are not aborted
		dispatched := context.WithoutCancel(ctx)
		res, err := call(dispatched, tx).Wait(dispatched)
		if err == nil && !res.Success {
			err = fmt.Errorf("device rejected %s %s %s: %w", it.op, it.kind, it.id, res)
		}
		metrics.ItemDone(it.kind, it.op, err == nil)

		if err != nil {
			log.Error().
				Err(err).
				Str("node", it.node.String()).
				Str("kind", it.kind).
				Str("op", it.op).
				Str("id", it.id).
				Str("tx", tx).
				Msg("Device RPC failed")
			return res, err
		}

		log.Debug().
			Str("node", it.node.String()).
			Str("kind", it.kind).
			Str("op", it.op).
			Str("id", it.id).
			Str("tx", tx).
			Msg("Device RPC succeeded")
		if onSuccess != nil {
			onSuccess()
		}
		return res, nil
	})
}

// UpdateTable pushes table features.
func (f *Forwarder) UpdateTable(ctx context.Context, node openflow.NodeID, table openflow.TableFeatures) *future.Future[rpc.Result] {
	it := item{node: node, kind: KindTable, op: OpUpdate, id: strconv.Itoa(int(table.TableID))}
	return f.push(ctx, it, nil, func(ctx context.Context, tx string) *future.Future[rpc.Result] {
		return f.device.UpdateTable(ctx, rpc.TableInput{Node: node, Table: table, TransactionID: tx})
	}, nil)
}

func groupItem(node openflow.NodeID, op string, g openflow.Group) item {
	return item{node: node, kind: KindGroup, op: op, id: strconv.FormatUint(uint64(g.ID), 10)}
}

// AddGroup pushes a new group. On success the group is recorded in the registry.
func (f *Forwarder) AddGroup(ctx context.Context, node openflow.NodeID, g openflow.Group) *future.Future[rpc.Result] {
	return f.push(ctx, groupItem(node, OpAdd, g), nil, func(ctx context.Context, tx string) *future.Future[rpc.Result] {
		return f.device.AddGroup(ctx, rpc.GroupInput{Node: node, Group: g, TransactionID: tx})
	}, func() { f.registry.Add(node, g.ID) })
}

// UpdateGroup pushes a changed group. On success the group is recorded in the registry.
func (f *Forwarder) UpdateGroup(ctx context.Context, node openflow.NodeID, g openflow.Group) *future.Future[rpc.Result] {
	return f.push(ctx, groupItem(node, OpUpdate, g), nil, func(ctx context.Context, tx string) *future.Future[rpc.Result] {
		return f.device.UpdateGroup(ctx, rpc.GroupInput{Node: node, Group: g, TransactionID: tx})
	}, func() { f.registry.Add(node, g.ID) })
}

// RemoveGroup removes a group. On success the group leaves the registry.
func (f *Forwarder) RemoveGroup(ctx context.Context, node openflow.NodeID, g openflow.Group) *future.Future[rpc.Result] {
	return f.push(ctx, groupItem(node, OpRemove, g), nil, func(ctx context.Context, tx string) *future.Future[rpc.Result] {
		return f.device.RemoveGroup(ctx, rpc.GroupInput{Node: node, Group: g, TransactionID: tx})
	}, func() { f.registry.Remove(node, g.ID) })
}

func meterItem(node openflow.NodeID, op string, m openflow.Meter) item {
	return item{node: node, kind: KindMeter, op: op, id: strconv.FormatUint(uint64(m.ID), 10)}
}

// AddMeter pushes a new meter.
func (f *Forwarder) AddMeter(ctx context.Context, node openflow.NodeID, m openflow.Meter) *future.Future[rpc.Result] {
	return f.push(ctx, meterItem(node, OpAdd, m), nil, func(ctx context.Context, tx string) *future.Future[rpc.Result] {
		return f.device.AddMeter(ctx, rpc.MeterInput{Node: node, Meter: m, TransactionID: tx})
	}, nil)
}

// UpdateMeter pushes a changed meter.
func (f *Forwarder) UpdateMeter(ctx context.Context, node openflow.NodeID, m openflow.Meter) *future.Future[rpc.Result] {
	return f.push(ctx, meterItem(node, OpUpdate, m), nil, func(ctx context.Context, tx string) *future.Future[rpc.Result] {
		return f.device.UpdateMeter(ctx, rpc.MeterInput{Node: node, Meter: m, TransactionID: tx})
	}, nil)
}

// RemoveMeter removes a meter.
func (f *Forwarder) RemoveMeter(ctx context.Context, node openflow.NodeID, m openflow.Meter) *future.Future[rpc.Result] {
	return f.push(ctx, meterItem(node, OpRemove, m), nil, func(ctx context.Context, tx string) *future.Future[rpc.Result] {
		return f.device.RemoveMeter(ctx, rpc.MeterInput{Node: node, Meter: m, TransactionID: tx})
	}, nil)
}

func flowItem(node openflow.NodeID, op string, fl openflow.Flow) item {
	return item{node: node, kind: KindFlow, op: op, id: fl.ID}
}

// AddFlow pushes a new flow, after any group it references that the node is not known to have.
func (f *Forwarder) AddFlow(ctx context.Context, node openflow.NodeID, fl openflow.Flow) *future.Future[rpc.Result] {
	deps := f.missingGroups(ctx, node, fl)
	return f.push(ctx, flowItem(node, OpAdd, fl), deps, func(ctx context.Context, tx string) *future.Future[rpc.Result] {
		return f.device.AddFlow(ctx, rpc.FlowInput{Node: node, Flow: fl, TransactionID: tx})
	}, nil)
}

// UpdateFlow pushes a changed flow, after any group it references that the node is not known to have.
func (f *Forwarder) UpdateFlow(ctx context.Context, node openflow.NodeID, fl openflow.Flow) *future.Future[rpc.Result] {
	deps := f.missingGroups(ctx, node, fl)
	return f.push(ctx, flowItem(node, OpUpdate, fl), deps, func(ctx context.Context, tx string) *future.Future[rpc.Result] {
		return f.device.UpdateFlow(ctx, rpc.FlowInput{Node: node, Flow: fl, TransactionID: tx})
	}, nil)
}

// RemoveFlow removes a flow.
func (f *Forwarder) RemoveFlow(ctx context.Context, node openflow.NodeID, fl openflow.Flow) *future.Future[rpc.Result] {
	return f.push(ctx, flowItem(node, OpRemove, fl), nil, func(ctx context.Context, tx string) *future.Future[rpc.Result] {
		return f.device.RemoveFlow(ctx, rpc.FlowInput{Node: node, Flow: fl, TransactionID: tx})
	}, nil)
}

// missingGroups enqueues the stored definition of every group fl references
// but the registry does not hold, and returns those pushes. The flow job is
// enqueued after them and fails if any of them failed. A group absent from the
// store is skipped and left for the device to reject.
func (f *Forwarder) missingGroups(ctx context.Context, node openflow.NodeID, fl openflow.Flow) []*future.Future[rpc.Result] {
	var deps []*future.Future[rpc.Result]
	for _, id := range fl.ReferencedGroups() {
		if f.registry.Contains(node, id) {
			continue
		}

		g, ok, err := f.groups.ReadGroup(ctx, node, id)
		if err != nil {
			log.Warn().Err(err).Str("node", node.String()).Uint32("group", uint32(id)).Str("flow", fl.ID).Msg("Failed to read referenced group")
			continue
		}
		if !ok {
			log.Warn().Str("node", node.String()).Uint32("group", uint32(id)).Str("flow", fl.ID).Msg("Referenced group not in store, pushing flow anyway")
			continue
		}

		log.Debug().Str("node", node.String()).Uint32("group", uint32(id)).Str("flow", fl.ID).Msg("Pushing referenced group before flow")
		deps = append(deps, f.AddGroup(ctx, node, g))
	}
	return deps
}
