package reconcile

import "github.com/dokzlo13/flowsyncd/internal/bundle"

// State is the phase a node's reconciliation is in.
type State int

const (
	StateIdle State = iota
	StatePreProcessingStale
	StateInstallingTablesAndGroups
	StateInstallingMetersAndFlows
	StateOpeningBatch
	StatePushingBatchItems
	StateCommittingBatch
	StateDone
)

// String returns a human-readable name for the state.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StatePreProcessingStale:
		return "pre_processing_stale"
	case StateInstallingTablesAndGroups:
		return "installing_tables_and_groups"
	case StateInstallingMetersAndFlows:
		return "installing_meters_and_flows"
	case StateOpeningBatch:
		return "opening_batch"
	case StatePushingBatchItems:
		return "pushing_batch_items"
	case StateCommittingBatch:
		return "committing_batch"
	case StateDone:
		return "done"
	default:
		return "unknown"
	}
}

// stageState maps a bundle stage to the state it represents.
func stageState(stage string) (State, bool) {
	switch stage {
	case bundle.StageOpen:
		return StateOpeningBatch, true
	case bundle.StageAdd:
		return StatePushingBatchItems, true
	case bundle.StageCommit:
		return StateCommittingBatch, true
	}
	return StateIdle, false
}
