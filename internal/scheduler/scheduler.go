// Package scheduler defines the client interface to the external cluster
// scheduler that fronts the generation and evaluation tools. The orchestration
// core only ever sees this uniform submit/status/cancel/fetch vocabulary;
// everything tool-specific lives behind it.
package scheduler

import (
	"context"
	"errors"
)

// JobKind distinguishes the two external computation stages.
type JobKind string

const (
	KindGeneration JobKind = "generation"
	KindEvaluation JobKind = "evaluation"
)

// JobState is the uniform status vocabulary reported for an external job.
type JobState string

const (
	StatePending   JobState = "pending"
	StateRunning   JobState = "running"
	StateSucceeded JobState = "succeeded"
	StateFailed    JobState = "failed"
	StateCancelled JobState = "cancelled"
	StateUnknown   JobState = "unknown"
)

// Terminal reports whether a job state is final.
func (s JobState) Terminal() bool {
	return s == StateSucceeded || s == StateFailed || s == StateCancelled
}

// ErrUnknownJob is returned by Status when the scheduler no longer resolves
// the handle (expired accounting, restarted controller). Recovery treats this
// as unrecoverable for the episode rather than resubmitting.
var ErrUnknownJob = errors.New("scheduler: unknown job handle")

// JobHandle identifies a submitted job on the external scheduler. Handles are
// never reused across episodes.
type JobHandle string

// JobSpec describes one job submission. Params is a copy of the submission
// parameters, kept for reproducibility.
type JobSpec struct {
	Kind   JobKind           `json:"kind"`
	Name   string            `json:"name"`
	Params map[string]string `json:"params"`
	// Input is an opaque payload reference produced by a previous stage;
	// for evaluation jobs it points at the generation output.
	Input string `json:"input,omitempty"`
}

// Result is the payload of a succeeded job. Generation jobs carry only
// PayloadRef; evaluation jobs additionally carry the parsed metrics and the
// structure fingerprint.
type Result struct {
	PayloadRef  string             `json:"payload_ref"`
	Metrics     map[string]float64 `json:"metrics,omitempty"`
	Fingerprint []float64          `json:"fingerprint,omitempty"`
	Detail      string             `json:"detail,omitempty"`
}

// Client is the interface to the external job scheduler.
type Client interface {
	// Submit enqueues a job and returns its handle.
	Submit(ctx context.Context, spec JobSpec) (JobHandle, error)

	// Status reports the current state of a job. Returns ErrUnknownJob when
	// the handle no longer resolves.
	Status(ctx context.Context, handle JobHandle) (JobState, error)

	// Cancel stops a pending or running job. Cancelling a finished job is
	// not an error.
	Cancel(ctx context.Context, handle JobHandle) error

	// FetchResult retrieves the result payload of a succeeded job. An error
	// here means the job produced no usable output and counts as a job
	// failure.
	FetchResult(ctx context.Context, handle JobHandle) (Result, error)
}
