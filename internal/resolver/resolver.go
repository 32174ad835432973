// Package resolver installs the groups of a node so that every group is pushed
// after the groups it chains to and once its egress ports are known.
//
// Ordering is traded for liveness: groups whose dependencies stay unresolved
// for RetryLimit consecutive passes are installed anyway.
package resolver

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/flowsyncd/internal/future"
	"github.com/dokzlo13/flowsyncd/internal/groupreg"
	"github.com/dokzlo13/flowsyncd/internal/metrics"
	"github.com/dokzlo13/flowsyncd/internal/openflow"
	"github.com/dokzlo13/flowsyncd/internal/rpc"
)

// Default timeouts.
const (
	DefaultPerGroupTimeout = 5 * time.Second
	DefaultMaxTotalTimeout = 60 * time.Second
	DefaultDependencyWait  = 500 * time.Millisecond
	DefaultRetryLimit      = 3
)

// Installer pushes one group.
type Installer interface {
	AddGroup(ctx context.Context, node openflow.NodeID, g openflow.Group) *future.Future[rpc.Result]
}

// PortInventory answers whether an egress port exists on a node.
type PortInventory interface {
	IsPortKnown(node openflow.NodeID, port string) bool
}

// Config bounds the resolver's waits.
type Config struct {
	PerGroupTimeout time.Duration
	MaxTotalTimeout time.Duration
	// DependencyWait bounds the wait on one dispatched dependency within a pass.
	DependencyWait time.Duration
	// RetryLimit returns the number of consecutive passes without progress
	// tolerated before the remaining groups are force-installed. Read once per Install.
	RetryLimit func() int
}

// Outcome summarizes one Install.
type Outcome struct {
	Dispatched int
	Forced     int
	Failed     int
	TimedOut   bool
}

// Resolver orders group installation.
type Resolver struct {
	installer Installer
	ports     PortInventory
	registry  *groupreg.Registry
	cfg       Config
}

// New creates a resolver. Zero config values are replaced by defaults.
func New(installer Installer, ports PortInventory, registry *groupreg.Registry, cfg Config) *Resolver {
	if cfg.PerGroupTimeout <= 0 {
		cfg.PerGroupTimeout = DefaultPerGroupTimeout
	}
	if cfg.MaxTotalTimeout <= 0 {
		cfg.MaxTotalTimeout = DefaultMaxTotalTimeout
	}
	if cfg.DependencyWait <= 0 {
		cfg.DependencyWait = DefaultDependencyWait
	}
	if cfg.RetryLimit == nil {
		cfg.RetryLimit = func() int { return DefaultRetryLimit }
	}
	return &Resolver{installer: installer, ports: ports, registry: registry, cfg: cfg}
}

// WaitTimeout returns how long Install waits for n dispatched groups.
func (r *Resolver) WaitTimeout(n int) time.Duration {
	d := r.cfg.PerGroupTimeout * time.Duration(n)
	if d > r.cfg.MaxTotalTimeout || d < 0 {
		return r.cfg.MaxTotalTimeout
	}
	return d
}

type verdict int

const (
	installable verdict = iota
	blocked             // a referenced group is not installed yet
	suspected           // an egress port is unknown
)

// Install pushes groups and waits for the pushes to complete. installed holds
// install futures of groups already dispatched by the caller. It is not modified.
func (r *Resolver) Install(ctx context.Context, node openflow.NodeID, groups []openflow.Group, installed map[openflow.GroupID]*future.Future[rpc.Result]) Outcome {
	futures := make(map[openflow.GroupID]*future.Future[rpc.Result], len(installed)+len(groups))
	for id, f := range installed {
		futures[id] = f
	}

	retryLimit := r.cfg.RetryLimit()
	if retryLimit < 1 {
		retryLimit = 1
	}

	var (
		out        Outcome
		dispatched []*future.Future[rpc.Result]
		toInstall  = append([]openflow.Group(nil), groups...)
		suspects   []openflow.Group
		noProgress int
		pass       int
	)

	dispatch := func(g openflow.Group) {
		f := r.installer.AddGroup(ctx, node, g)
		futures[g.ID] = f
		dispatched = append(dispatched, f)
		out.Dispatched++
	}

	for len(toInstall) > 0 || len(suspects) > 0 {
		if len(toInstall) == 0 {
			// Only port-suspected groups remain
			toInstall, suspects = suspects, nil
			break
		}
		if noProgress >= retryLimit {
			break
		}
		if ctx.Err() != nil {
			log.Info().Str("node", node.String()).Int("pending", len(toInstall)+len(suspects)).Msg("Group installation cancelled")
			return out
		}
		pass++

		progress := false
		var remaining []openflow.Group
		for _, g := range toInstall {
			switch r.evaluate(ctx, node, g, futures, true) {
			case installable:
				dispatch(g)
				progress = true
			case suspected:
				suspects = append(suspects, g)
			case blocked:
				remaining = append(remaining, g)
			}
		}
		toInstall = remaining

		if progress {
			noProgress = 0
		} else {
			noProgress++
		}
		log.Debug().
			Str("node", node.String()).
			Int("pass", pass).
			Int("dispatched", out.Dispatched).
			Int("blocked", len(toInstall)).
			Int("suspected", len(suspects)).
			Msg("Group resolution pass finished")
	}

	// Unresolved groups are judged before any of them is dispatched
	toInstall = append(toInstall, suspects...)
	unresolved := make([]bool, len(toInstall))
	for i, g := range toInstall {
		unresolved[i] = r.evaluate(ctx, node, g, futures, false) != installable
	}
	for i, g := range toInstall {
		if ctx.Err() != nil {
			return out
		}
		if unresolved[i] {
			out.Forced++
			metrics.GroupsForced.Inc()
			log.Warn().
				Str("node", node.String()).
				Uint32("group", uint32(g.ID)).
				Int("passes", pass).
				Msg("Finally installing group although dependency unresolved")
		}
		dispatch(g)
	}

	if len(dispatched) == 0 {
		return out
	}

	timeout := r.WaitTimeout(len(dispatched))
	if _, err := future.WaitAll(ctx, timeout, dispatched...); err != nil {
		if errors.Is(err, future.ErrTimeout) {
			out.TimedOut = true
			log.Warn().Str("node", node.String()).Dur("timeout", timeout).Msg("Timed out waiting for group installation")
		}
	}
	for _, f := range dispatched {
		if f.IsDone() {
			if _, err := f.Wait(ctx); err != nil {
				out.Failed++
			}
		}
	}
	return out
}

// evaluate decides whether g can be pushed now. With wait set, a referenced
// group whose install is in flight is waited on for DependencyWait.
func (r *Resolver) evaluate(ctx context.Context, node openflow.NodeID, g openflow.Group, futures map[openflow.GroupID]*future.Future[rpc.Result], wait bool) verdict {
	for _, port := range g.OutputPorts() {
		if openflow.IsReservedPort(port) {
			continue
		}
		if !r.ports.IsPortKnown(node, port) {
			log.Debug().Str("node", node.String()).Uint32("group", uint32(g.ID)).Str("port", port).Msg("Group output port unknown")
			return suspected
		}
	}

	for _, dep := range g.ReferencedGroups() {
		if r.registry.Contains(node, dep) {
			continue
		}
		f, ok := futures[dep]
		if !ok {
			return blocked
		}
		if f.IsDone() {
			continue
		}
		if !wait {
			return blocked
		}

		waitCtx, cancel := context.WithTimeout(ctx, r.cfg.DependencyWait)
		_, err := f.Wait(waitCtx)
		cancel()
		if err != nil && !f.IsDone() {
			return blocked
		}
	}
	return installable
}
