package forwarder

import (
	"context"
	"encoding/json"

	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/flowsyncd/internal/eventbus"
	"github.com/dokzlo13/flowsyncd/internal/future"
	"github.com/dokzlo13/flowsyncd/internal/openflow"
	"github.com/dokzlo13/flowsyncd/internal/rpc"
	"github.com/dokzlo13/flowsyncd/internal/store"
)

// Gate decides whether changes of a node may be pushed.
type Gate interface {
	CanReconcile(node openflow.NodeID) bool
}

// Listener forwards committed config changes of reconcilable nodes.
type Listener struct {
	ctx  context.Context
	fwd  *Forwarder
	gate Gate
}

// NewListener creates a listener. Pushes it starts are bound to ctx.
func NewListener(ctx context.Context, fwd *Forwarder, gate Gate) *Listener {
	return &Listener{ctx: ctx, fwd: fwd, gate: gate}
}

// Subscribe registers the listener for config change events.
func (l *Listener) Subscribe(bus *eventbus.Bus) {
	bus.Subscribe(eventbus.EventTypeConfigChanged, func(e eventbus.Event) {
		change, ok := e.Data["change"].(store.Change)
		if !ok {
			log.Warn().Str("node", e.Node.String()).Msg("Config change event without change")
			return
		}
		l.Handle(change)
	})
}

// Handle routes one change to the matching push. Stale markers are left to reconciliation.
// It returns nil when nothing was pushed.
func (l *Listener) Handle(c store.Change) *future.Future[rpc.Result] {
	node := c.Path.Node
	if !l.gate.CanReconcile(node) {
		log.Debug().Str("node", node.String()).Str("path", c.Path.String()).Msg("Node not reconcilable, change not forwarded")
		return nil
	}

	var (
		res *future.Future[rpc.Result]
		err error
	)
	switch c.Path.Kind {
	case store.KindTable:
		if c.After == nil {
			return nil
		}
		var t openflow.TableFeatures
		if err = json.Unmarshal(c.After, &t); err == nil {
			res = l.fwd.UpdateTable(l.ctx, node, t)
		}
	case store.KindGroup:
		var g openflow.Group
		switch {
		case c.After == nil:
			if err = json.Unmarshal(c.Before, &g); err == nil {
				res = l.fwd.RemoveGroup(l.ctx, node, g)
			}
		case c.Before == nil:
			if err = json.Unmarshal(c.After, &g); err == nil {
				res = l.fwd.AddGroup(l.ctx, node, g)
			}
		default:
			if err = json.Unmarshal(c.After, &g); err == nil {
				res = l.fwd.UpdateGroup(l.ctx, node, g)
			}
		}
	case store.KindMeter:
		var m openflow.Meter
		switch {
		case c.After == nil:
			if err = json.Unmarshal(c.Before, &m); err == nil {
				res = l.fwd.RemoveMeter(l.ctx, node, m)
			}
		case c.Before == nil:
			if err = json.Unmarshal(c.After, &m); err == nil {
				res = l.fwd.AddMeter(l.ctx, node, m)
			}
		default:
			if err = json.Unmarshal(c.After, &m); err == nil {
				res = l.fwd.UpdateMeter(l.ctx, node, m)
			}
		}
	case store.KindFlow:
		var fl openflow.Flow
		switch {
		case c.After == nil:
			if err = json.Unmarshal(c.Before, &fl); err == nil {
				res = l.fwd.RemoveFlow(l.ctx, node, fl)
			}
		case c.Before == nil:
			if err = json.Unmarshal(c.After, &fl); err == nil {
				res = l.fwd.AddFlow(l.ctx, node, fl)
			}
		default:
			if err = json.Unmarshal(c.After, &fl); err == nil {
				res = l.fwd.UpdateFlow(l.ctx, node, fl)
			}
		}
	default:
		return nil
	}

	if err != nil {
		log.Error().Err(err).Str("path", c.Path.String()).Msg("Failed to decode config change")
		return nil
	}
	return res
}
