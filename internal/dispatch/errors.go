package dispatch

import (
	"fmt"

	"github.com/foldrl/bindertune/internal/scheduler"
)

// Reason classifies a terminal dispatch failure for one stage attempt.
type Reason string

const (
	// ReasonSubmitFailed: the scheduler rejected the submission and the
	// backoff budget is exhausted. Terminal for the stage.
	ReasonSubmitFailed Reason = "submit_failed"
	// ReasonTimedOut: the job exceeded its wall-clock timeout and was
	// cancelled. Counts against the episode's per-stage timeout budget.
	ReasonTimedOut Reason = "timed_out"
	// ReasonJobFailed: the external tool reported failure or produced no
	// usable result. Counts against the smaller job-failure budget.
	ReasonJobFailed Reason = "job_failed"
)

// DispatchError is the uniform failure report for a stage attempt.
type DispatchError struct {
	Kind   scheduler.JobKind
	Reason Reason
	Handle scheduler.JobHandle
	Detail string
	Err    error
}

func (e *DispatchError) Error() string {
	msg := fmt.Sprintf("%s job %s: %s", e.Kind, e.Reason, e.Detail)
	if e.Handle != "" {
		msg = fmt.Sprintf("%s (job %s)", msg, e.Handle)
	}
	return msg
}

func (e *DispatchError) Unwrap() error { return e.Err }
