package config

import (
	"fmt"
	"sync/atomic"

	"github.com/rs/zerolog/log"
)

// Knobs holds the reconciliation options that can change at runtime.
// Reads are lock-free and safe from any goroutine.
type Knobs struct {
	staleMarking atomic.Bool
	bundleBased  atomic.Bool
	retryCount   atomic.Int32
	disabled     atomic.Bool
}

// NewKnobs creates knobs initialized from cfg.
func NewKnobs(cfg ReconciliationConfig) *Knobs {
	k := &Knobs{}
	k.Set(cfg)
	return k
}

// Set replaces every knob with the values of cfg.
func (k *Knobs) Set(cfg ReconciliationConfig) {
	k.staleMarking.Store(cfg.StaleMarkingEnabled)
	k.bundleBased.Store(cfg.BundleBasedReconciliationEnabled)
	k.retryCount.Store(int32(cfg.RetryCount))
	k.disabled.Store(cfg.DisableReconciliation)
}

// StaleMarkingEnabled reports whether stale markers are processed before a push.
func (k *Knobs) StaleMarkingEnabled() bool {
	return k.staleMarking.Load()
}

// BundleBasedReconciliationEnabled reports whether groups and flows are pushed as one bundle.
func (k *Knobs) BundleBasedReconciliationEnabled() bool {
	return k.bundleBased.Load()
}

// RetryCount returns the passes without progress the group resolver tolerates.
func (k *Knobs) RetryCount() int {
	return int(k.retryCount.Load())
}

// ReconciliationDisabled reports whether reconciliation requests are skipped.
func (k *Knobs) ReconciliationDisabled() bool {
	return k.disabled.Load()
}

// Reload re-reads the configuration file at path and applies its reconciliation knobs.
// Other settings need a restart.
func Reload(path string, knobs *Knobs) error {
	cfg, err := Load(path)
	if err != nil {
		return fmt.Errorf("failed to reload config: %w", err)
	}

	knobs.Set(cfg.Reconciliation)
	log.Info().
		Bool("stale_marking_enabled", knobs.StaleMarkingEnabled()).
		Bool("bundle_based_reconciliation_enabled", knobs.BundleBasedReconciliationEnabled()).
		Int("retry_count", knobs.RetryCount()).
		Bool("disable_reconciliation", knobs.ReconciliationDisabled()).
		Msg("Reconciliation knobs reloaded")
	return nil
}
