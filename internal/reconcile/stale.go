package reconcile

import (
	"context"
	"slices"

	"github.com/rs/zerolog"

	"github.com/dokzlo13/flowsyncd/internal/future"
	"github.com/dokzlo13/flowsyncd/internal/openflow"
	"github.com/dokzlo13/flowsyncd/internal/resolver"
	"github.com/dokzlo13/flowsyncd/internal/rpc"
	"github.com/dokzlo13/flowsyncd/internal/store"
)

// removeStale removes stale flows, then stale groups, then stale meters from
// the device. Markers are deleted afterwards, one transaction per kind, and
// only for removals the device confirmed. Markers of failed removals stay for
// the next run.
func (c *Coordinator) removeStale(ctx context.Context, logger zerolog.Logger, node openflow.NodeID, cfg *openflow.DesiredConfig) (int, error) {
	flows := make([]*future.Future[rpc.Result], len(cfg.StaleFlows))
	for i, fl := range cfg.StaleFlows {
		flows[i] = c.fwd.RemoveFlow(ctx, node, fl)
	}
	flowsFailed, err := awaitItems(ctx, flows)
	if err != nil {
		return 0, err
	}

	// Groups referencing others go first
	staleGroups := resolver.Order(cfg.StaleGroups)
	slices.Reverse(staleGroups)
	groups := make([]*future.Future[rpc.Result], len(staleGroups))
	for i, g := range staleGroups {
		groups[i] = c.fwd.RemoveGroup(ctx, node, g)
	}
	groupsFailed, err := awaitItems(ctx, groups)
	if err != nil {
		return 0, err
	}

	meters := make([]*future.Future[rpc.Result], len(cfg.StaleMeters))
	for i, m := range cfg.StaleMeters {
		meters[i] = c.fwd.RemoveMeter(ctx, node, m)
	}
	metersFailed, err := awaitItems(ctx, meters)
	if err != nil {
		return 0, err
	}

	var flowPaths, groupPaths, meterPaths []store.Path
	for i, fl := range cfg.StaleFlows {
		if !flowsFailed[i] {
			flowPaths = append(flowPaths, store.StaleFlowPath(node, fl.ID))
		}
	}
	for i, g := range staleGroups {
		if !groupsFailed[i] {
			groupPaths = append(groupPaths, store.StaleGroupPath(node, g.ID))
		}
	}
	for i, m := range cfg.StaleMeters {
		if !metersFailed[i] {
			meterPaths = append(meterPaths, store.StaleMeterPath(node, m.ID))
		}
	}

	c.deleteMarkers(ctx, logger, "flow", flowPaths)
	c.deleteMarkers(ctx, logger, "group", groupPaths)
	c.deleteMarkers(ctx, logger, "meter", meterPaths)

	failures := countFailed(flowsFailed) + countFailed(groupsFailed) + countFailed(metersFailed)
	logger.Info().
		Int("flows", len(flowPaths)).
		Int("groups", len(groupPaths)).
		Int("meters", len(meterPaths)).
		Int("failures", failures).
		Msg("Stale entities removed")
	return failures, nil
}

// deleteMarkers deletes paths in one transaction. A failed commit is logged
// and leaves the markers in place.
func (c *Coordinator) deleteMarkers(ctx context.Context, logger zerolog.Logger, kind string, paths []store.Path) {
	if len(paths) == 0 {
		return
	}

	txn := c.store.Txn()
	for _, p := range paths {
		txn.Delete(p)
	}
	if _, err := txn.Commit(ctx).Wait(ctx); err != nil {
		logger.Error().Err(err).Str("kind", kind).Int("markers", len(paths)).Msg("Failed to delete stale markers")
		return
	}
	logger.Debug().Str("kind", kind).Int("markers", len(paths)).Msg("Stale markers deleted")
}
