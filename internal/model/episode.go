package model

import "time"

// Episode state constants. Persisted as strings, so renames are migrations.
const (
	StateCreated      = "created"
	StateParamsMapped = "params_mapped"
	StateGenerating   = "generating"
	StateGenerated    = "generated"
	StateEvaluating   = "evaluating"
	StateEvaluated    = "evaluated"
	StateRewarded     = "rewarded"
	StateFinalized    = "finalized"
	StateFailed       = "failed"
	StateCancelled    = "cancelled"
)

// validTransitions maps each state to the set of states it may advance to.
// Failed is reachable from every non-terminal state; cancelled is reachable
// from every non-terminal state during shutdown. States never revert.
var validTransitions = map[string]map[string]bool{
	StateCreated: {
		StateParamsMapped: true,
		StateFailed:       true,
		StateCancelled:    true,
	},
	StateParamsMapped: {
		StateGenerating: true,
		StateFailed:     true,
		StateCancelled:  true,
	},
	StateGenerating: {
		StateGenerated: true,
		StateFailed:    true,
		StateCancelled: true,
	},
	StateGenerated: {
		StateEvaluating: true,
		StateFailed:     true,
		StateCancelled:  true,
	},
	StateEvaluating: {
		StateEvaluated: true,
		StateFailed:    true,
		StateCancelled: true,
	},
	StateEvaluated: {
		StateRewarded:  true,
		StateFailed:    true,
		StateCancelled: true,
	},
	StateRewarded: {
		StateFinalized: true,
		StateFailed:    true,
		StateCancelled: true,
	},
}

// ValidTransition reports whether advancing from one state to another is allowed.
// Re-entering the same polling state (a retry resubmission) is not a transition.
func ValidTransition(from, to string) bool {
	targets, ok := validTransitions[from]
	if !ok {
		return false
	}
	return targets[to]
}

// TerminalState reports whether a state ends the episode lifecycle.
func TerminalState(state string) bool {
	return state == StateFinalized || state == StateFailed || state == StateCancelled
}

// Action is a policy-chosen assignment of values to the declared action-space
// dimensions, keyed by dimension name. Categorical dimensions carry the index
// of the chosen category.
type Action map[string]float64

// Observation is what the policy sees before choosing an action.
type Observation struct {
	Step   int    `json:"step"`
	Target string `json:"target"`
}

// Fingerprint is a compact numeric summary of a generated structure, used for
// diversity comparison against recent episodes.
type Fingerprint []float64

// Episode is one full attempt at generating and scoring a candidate structure
// from a single policy action. It is owned by the episode runner for its
// lifetime and read-only once a terminal state is reached.
type Episode struct {
	ID           string           `json:"id"`
	Step         int              `json:"step"`
	State        string           `json:"state"`
	Action       Action           `json:"action"`
	Observation  Observation      `json:"observation"`
	GenJobID     string           `json:"gen_job_id,omitempty"`
	EvalJobID    string           `json:"eval_job_id,omitempty"`
	GenAttempts  int              `json:"gen_attempts"`
	EvalAttempts int              `json:"eval_attempts"`
	Reward       *RewardBreakdown `json:"reward,omitempty"`
	Fingerprint  Fingerprint      `json:"fingerprint,omitempty"`
	Error        string           `json:"error,omitempty"`
	CreatedAt    time.Time        `json:"created_at"`
	StartedAt    *time.Time       `json:"started_at,omitempty"`
	FinalizedAt  *time.Time       `json:"finalized_at,omitempty"`
}
