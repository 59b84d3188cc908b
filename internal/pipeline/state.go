package pipeline

import (
	"sync"

	"github.com/google/uuid"
)

// State names one node of the per-run detection state machine.
type State string

const (
	StateInit                  State = "INIT"
	StateSkipped               State = "SKIPPED"
	StateError                 State = "ERROR"
	StateNewRegulationAnalysis State = "NEW_REGULATION_ANALYSIS"
	StateCompletedNew          State = "COMPLETED_NEW"
	StateBlockExtraction       State = "BLOCK_EXTRACTION"
	StateMatching              State = "MATCHING"
	StateClassification        State = "CLASSIFICATION"
	StateDedupFilter           State = "DEDUP_FILTER"
	StateIndexBuild            State = "INDEX_BUILD"
	StatePersistIntermediate   State = "PERSIST_INTERMEDIATE"
	StateCompleted             State = "COMPLETED"
)

// Terminal reports whether the state ends a run.
func (s State) Terminal() bool {
	switch s {
	case StateSkipped, StateError, StateCompletedNew, StateCompleted:
		return true
	}
	return false
}

// ExecutionState is the per-regulation idempotency guard: once a run has
// executed, re-entry without force returns the persisted prior results
// instead of re-running detection.
type ExecutionState struct {
	RunID    string
	Executed bool
}

// stateTracker holds execution states keyed by regulation ID for the lifetime
// of a Detector.
type stateTracker struct {
	mu     sync.Mutex
	states map[string]*ExecutionState
}

func newStateTracker() *stateTracker {
	return &stateTracker{states: make(map[string]*ExecutionState)}
}

// begin returns the execution state for a regulation, creating it with a
// fresh run ID on first entry.
func (t *stateTracker) begin(regulationID string) *ExecutionState {
	t.mu.Lock()
	defer t.mu.Unlock()
	if st, ok := t.states[regulationID]; ok {
		return st
	}
	st := &ExecutionState{RunID: uuid.NewString()}
	t.states[regulationID] = st
	return st
}

// markExecuted flags the regulation's run as executed.
func (t *stateTracker) markExecuted(regulationID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if st, ok := t.states[regulationID]; ok {
		st.Executed = true
	}
}

// reset clears the executed flag for a forced rerun, assigning a new run ID.
func (t *stateTracker) reset(regulationID string) *ExecutionState {
	t.mu.Lock()
	defer t.mu.Unlock()
	st := &ExecutionState{RunID: uuid.NewString()}
	t.states[regulationID] = st
	return st
}
