// Package reconcile pushes the stored configuration of a node to the device,
// either item by item or as one atomic bundle.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/semaphore"

	"github.com/dokzlo13/flowsyncd/internal/bundle"
	"github.com/dokzlo13/flowsyncd/internal/forwarder"
	"github.com/dokzlo13/flowsyncd/internal/future"
	"github.com/dokzlo13/flowsyncd/internal/groupreg"
	"github.com/dokzlo13/flowsyncd/internal/ledger"
	"github.com/dokzlo13/flowsyncd/internal/metrics"
	"github.com/dokzlo13/flowsyncd/internal/openflow"
	"github.com/dokzlo13/flowsyncd/internal/resolver"
	"github.com/dokzlo13/flowsyncd/internal/rpc"
	"github.com/dokzlo13/flowsyncd/internal/store"
)

// DefaultMaxConcurrent bounds concurrent reconciliations when no limit is given.
const DefaultMaxConcurrent = 8

var errBatchFailed = errors.New("bundle not committed")

// Knobs are the runtime-switchable options read at the start of every run.
type Knobs interface {
	StaleMarkingEnabled() bool
	BundleBasedReconciliationEnabled() bool
	ReconciliationDisabled() bool
}

// Recorder stores the history of runs.
type Recorder interface {
	Append(eventType ledger.EventType, node openflow.NodeID, runID string, payload map[string]any) error
}

type run struct {
	id     string
	cancel context.CancelFunc
	result *future.Future[bool]
}

// Coordinator runs reconciliations. At most one run per node is active; a
// new request cancels the running one.
type Coordinator struct {
	store    store.Store
	fwd      *forwarder.Forwarder
	resolver *resolver.Resolver
	bundles  *bundle.Driver
	registry *groupreg.Registry
	knobs    Knobs
	recorder Recorder
	sem      *semaphore.Weighted

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	runs   map[openflow.NodeID]*run
	states map[openflow.NodeID]State
}

// Deps are the collaborators of a Coordinator. Recorder may be nil.
type Deps struct {
	Store     store.Store
	Forwarder *forwarder.Forwarder
	Resolver  *resolver.Resolver
	Bundles   *bundle.Driver
	Registry  *groupreg.Registry
	Knobs     Knobs
	Recorder  Recorder
}

// New creates a coordinator allowing maxConcurrent runs across nodes.
func New(deps Deps, maxConcurrent int) *Coordinator {
	if maxConcurrent <= 0 {
		maxConcurrent = DefaultMaxConcurrent
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Coordinator{
		store:    deps.Store,
		fwd:      deps.Forwarder,
		resolver: deps.Resolver,
		bundles:  deps.Bundles,
		registry: deps.Registry,
		knobs:    deps.Knobs,
		recorder: deps.Recorder,
		sem:      semaphore.NewWeighted(int64(maxConcurrent)),
		ctx:      ctx,
		cancel:   cancel,
		runs:     make(map[openflow.NodeID]*run),
		states:   make(map[openflow.NodeID]State),
	}

	c.bundles.OnStage = func(node openflow.NodeID, stage string) {
		if s, ok := stageState(stage); ok {
			c.setState(node, s)
		}
	}
	return c
}

// Reconcile starts a run for node. The returned future resolves to true when
// the configuration was read and no unrecoverable error occurred; failures of
// single items do not fail the run. It is cancelled when a newer run for the
// node starts, Cancel is called or ctx is done.
func (c *Coordinator) Reconcile(ctx context.Context, node openflow.NodeID) *future.Future[bool] {
	if c.knobs.ReconciliationDisabled() {
		log.Info().Str("node", node.String()).Msg("Reconciliation disabled, skipping")
		return future.Resolved(true)
	}

	runCtx, cancel := context.WithCancel(c.ctx)
	r := &run{id: uuid.NewString(), cancel: cancel, result: future.New[bool]()}

	c.mu.Lock()
	if prev, ok := c.runs[node]; ok {
		log.Info().Str("node", node.String()).Str("run", prev.id).Str("superseded_by", r.id).Msg("Cancelling superseded reconciliation")
		prev.cancel()
		prev.result.Cancel()
	}
	c.runs[node] = r
	c.mu.Unlock()

	stop := context.AfterFunc(ctx, cancel)

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer stop()
		defer cancel()
		c.execute(runCtx, node, r)
	}()

	return r.result
}

// Cancel stops the running reconciliation of node, if any.
func (c *Coordinator) Cancel(node openflow.NodeID) {
	c.mu.Lock()
	r, ok := c.runs[node]
	c.mu.Unlock()

	if ok {
		log.Info().Str("node", node.String()).Str("run", r.id).Msg("Cancelling reconciliation")
		r.cancel()
		r.result.Cancel()
	}
}

// State returns the phase of node's current or last run.
func (c *Coordinator) State(node openflow.NodeID) State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.states[node]
}

func (c *Coordinator) setState(node openflow.NodeID, s State) {
	c.mu.Lock()
	c.states[node] = s
	c.mu.Unlock()
}

// Close cancels all runs and waits for them to stop or ctx to expire.
func (c *Coordinator) Close(ctx context.Context) {
	c.cancel()

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Debug().Msg("Reconciliation coordinator stopped")
	case <-ctx.Done():
		log.Warn().Msg("Reconciliation coordinator shutdown timed out")
	}
}

func (c *Coordinator) execute(ctx context.Context, node openflow.NodeID, r *run) {
	logger := log.With().Str("node", node.String()).Str("run", r.id).Logger()
	started := time.Now()

	defer func() {
		c.mu.Lock()
		if c.runs[node] == r {
			delete(c.runs, node)
		}
		c.mu.Unlock()
	}()

	if err := c.sem.Acquire(ctx, 1); err != nil {
		c.finish(ctx, logger, node, r, started, 0, err)
		return
	}
	defer c.sem.Release(1)

	c.record(logger, ledger.EventReconcileStarted, node, r.id, nil)
	logger.Info().
		Bool("bundle", c.knobs.BundleBasedReconciliationEnabled()).
		Bool("stale_marking", c.knobs.StaleMarkingEnabled()).
		Msg("Reconciliation started")

	failures, err := c.reconcile(ctx, logger, node)
	c.finish(ctx, logger, node, r, started, failures, err)
}

func (c *Coordinator) finish(ctx context.Context, logger zerolog.Logger, node openflow.NodeID, r *run, started time.Time, failures int, err error) {
	elapsed := time.Since(started)

	switch {
	case ctx.Err() != nil || r.result.Cancelled():
		r.result.Cancel()
		metrics.ReconcileDone(metrics.ResultCancelled, started)
		c.record(logger, ledger.EventReconcileCancelled, node, r.id, nil)
		logger.Info().Dur("elapsed", elapsed).Msg("Reconciliation cancelled")
		c.settle(node, r, StateIdle)
		return
	case err != nil:
		r.result.Resolve(false)
		metrics.ReconcileDone(metrics.ResultFailure, started)
		c.record(logger, ledger.EventReconcileFailed, node, r.id, map[string]any{"error": err.Error()})
		logger.Error().Err(err).Dur("elapsed", elapsed).Msg("Reconciliation failed")
	default:
		r.result.Resolve(true)
		metrics.ReconcileDone(metrics.ResultSuccess, started)
		c.record(logger, ledger.EventReconcileCompleted, node, r.id, map[string]any{"failures": failures})
		event := logger.Info()
		if failures > 0 {
			event = logger.Warn()
		}
		event.Int("failures", failures).Dur("elapsed", elapsed).Msg("Reconciliation completed")
	}
	c.settle(node, r, StateDone)
}

// settle sets the final state of r unless a newer run took over the node.
func (c *Coordinator) settle(node openflow.NodeID, r *run, s State) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.runs[node] == r {
		c.states[node] = s
	}
}

func (c *Coordinator) record(logger zerolog.Logger, eventType ledger.EventType, node openflow.NodeID, runID string, payload map[string]any) {
	if c.recorder == nil {
		return
	}
	if err := c.recorder.Append(eventType, node, runID, payload); err != nil {
		logger.Warn().Err(err).Str("event_type", string(eventType)).Msg("Failed to record reconciliation event")
	}
}

// reconcile performs one run and returns the number of failed items.
func (c *Coordinator) reconcile(ctx context.Context, logger zerolog.Logger, node openflow.NodeID) (int, error) {
	c.registry.Clear(node)

	cfg, err := c.store.ReadNode(ctx, node)
	if errors.Is(err, store.ErrNotFound) {
		logger.Info().Msg("No stored configuration for node")
		cfg = &openflow.DesiredConfig{Node: node}
	} else if err != nil {
		return 0, fmt.Errorf("failed to read configuration: %w", err)
	}

	failures := 0
	if c.knobs.StaleMarkingEnabled() && cfg.HasStale() {
		c.setState(node, StatePreProcessingStale)
		n, err := c.removeStale(ctx, logger, node, cfg)
		failures += n
		if err != nil {
			return failures, err
		}
	}

	var n int
	if c.knobs.BundleBasedReconciliationEnabled() {
		n, err = c.pushBundle(ctx, logger, node, cfg)
	} else {
		n, err = c.pushIncremental(ctx, logger, node, cfg)
	}
	return failures + n, err
}

// pushIncremental installs tables and groups, then meters and flows.
func (c *Coordinator) pushIncremental(ctx context.Context, logger zerolog.Logger, node openflow.NodeID, cfg *openflow.DesiredConfig) (int, error) {
	c.setState(node, StateInstallingTablesAndGroups)

	var items []*future.Future[rpc.Result]
	for _, t := range cfg.Tables {
		items = append(items, c.fwd.UpdateTable(ctx, node, t))
	}

	outcome := c.resolver.Install(ctx, node, cfg.Groups, nil)
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	logger.Debug().
		Int("groups", outcome.Dispatched).
		Int("forced", outcome.Forced).
		Int("failed", outcome.Failed).
		Bool("timed_out", outcome.TimedOut).
		Msg("Groups installed")

	c.setState(node, StateInstallingMetersAndFlows)
	for _, m := range cfg.Meters {
		items = append(items, c.fwd.AddMeter(ctx, node, m))
	}
	for _, fl := range cfg.Flows {
		items = append(items, c.fwd.AddFlow(ctx, node, fl))
	}

	failed, err := awaitItems(ctx, items)
	return outcome.Failed + countFailed(failed), err
}

// pushBundle replaces all groups and flows in one bundle, then pushes tables and meters.
func (c *Coordinator) pushBundle(ctx context.Context, logger zerolog.Logger, node openflow.NodeID, cfg *openflow.DesiredConfig) (int, error) {
	c.setState(node, StateOpeningBatch)

	committed, err := c.bundles.Run(ctx, node, bundle.Batch{
		DeleteAllFlows:  true,
		DeleteAllGroups: true,
		Groups:          cfg.Groups,
		Flows:           cfg.Flows,
	}).Wait(ctx)
	if err != nil {
		return 0, err
	}
	if !committed {
		return 0, errBatchFailed
	}
	for _, g := range cfg.Groups {
		c.registry.Add(node, g.ID)
	}
	logger.Debug().Int("groups", len(cfg.Groups)).Int("flows", len(cfg.Flows)).Msg("Bundle committed")

	// Meters and tables cannot be part of a bundle
	var items []*future.Future[rpc.Result]
	for _, t := range cfg.Tables {
		items = append(items, c.fwd.UpdateTable(ctx, node, t))
	}
	for _, m := range cfg.Meters {
		items = append(items, c.fwd.AddMeter(ctx, node, m))
	}
	failed, err := awaitItems(ctx, items)
	return countFailed(failed), err
}

// awaitItems waits for every item and reports which ones failed.
func awaitItems(ctx context.Context, items []*future.Future[rpc.Result]) ([]bool, error) {
	if _, err := future.WaitAll(ctx, 0, items...); err != nil {
		return nil, err
	}

	failed := make([]bool, len(items))
	for i, f := range items {
		if _, err := f.Wait(ctx); err != nil {
			failed[i] = true
		}
	}
	return failed, nil
}

func countFailed(failed []bool) int {
	n := 0
	for _, f := range failed {
		if f {
			n++
		}
	}
	return n
}
