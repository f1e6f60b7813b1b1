// Package dispatch drives external jobs to a terminal status: submission with
// backoff, bounded polling, wall-clock timeouts, and per-kind concurrency
// ceilings. The state machine above it only ever sees the uniform
// success/failure/timeout vocabulary.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/foldrl/bindertune/internal/scheduler"
)

const (
	defaultSubmitBackoff    = 2 * time.Second
	defaultUnavailableAfter = 3
	cancelTimeout           = 30 * time.Second
)

// Config bounds the dispatcher's behavior.
type Config struct {
	// GenCeiling and EvalCeiling cap concurrently running jobs per kind.
	// Submissions beyond a ceiling queue rather than fail.
	GenCeiling  int
	EvalCeiling int

	GenTimeout  time.Duration
	EvalTimeout time.Duration

	PollInterval      time.Duration
	SubmitMaxAttempts int
	// SubmitBackoff is the base of the exponential submission backoff.
	SubmitBackoff time.Duration
	// UnavailableAfter is the number of submissions in a row that may exhaust
	// their attempt budgets before the dispatcher reports the scheduler
	// unreachable.
	UnavailableAfter int
}

// Dispatcher submits jobs to the external scheduler and waits for them.
type Dispatcher struct {
	client scheduler.Client
	cfg    Config
	logger *slog.Logger
	sems   map[scheduler.JobKind]*semaphore.Weighted

	// submitFailStreak counts submissions that exhausted their attempt budget
	// since the last accepted one. Crossing UnavailableAfter flips Available.
	submitFailStreak atomic.Int64
}

// New creates a dispatcher over the given scheduler client.
func New(client scheduler.Client, cfg Config, logger *slog.Logger) *Dispatcher {
	if cfg.SubmitBackoff <= 0 {
		cfg.SubmitBackoff = defaultSubmitBackoff
	}
	if cfg.SubmitMaxAttempts < 1 {
		cfg.SubmitMaxAttempts = 1
	}
	if cfg.UnavailableAfter < 1 {
		cfg.UnavailableAfter = defaultUnavailableAfter
	}
	return &Dispatcher{
		client: client,
		cfg:    cfg,
		logger: logger,
		sems: map[scheduler.JobKind]*semaphore.Weighted{
			scheduler.KindGeneration: semaphore.NewWeighted(int64(max(cfg.GenCeiling, 1))),
			scheduler.KindEvaluation: semaphore.NewWeighted(int64(max(cfg.EvalCeiling, 1))),
		},
	}
}

// Run submits a job and waits for its terminal status, holding the per-kind
// concurrency slot for the job's whole lifetime. onSubmit is invoked with the
// handle as soon as submission succeeds so the caller can persist it before
// the wait begins; it may be nil.
func (d *Dispatcher) Run(ctx context.Context, spec scheduler.JobSpec, onSubmit func(scheduler.JobHandle)) (scheduler.Result, error) {
	if err := d.sems[spec.Kind].Acquire(ctx, 1); err != nil {
		return scheduler.Result{}, err
	}
	defer d.sems[spec.Kind].Release(1)

	handle, err := d.submit(ctx, spec)
	if err != nil {
		return scheduler.Result{}, err
	}
	if onSubmit != nil {
		onSubmit(handle)
	}

	return d.await(ctx, spec.Kind, handle)
}

// Await waits for an already-submitted job, used for crash recovery: the job
// is re-entered into polling, never resubmitted. It occupies a concurrency
// slot like a fresh submission since the job holds cluster resources either
// way. A handle the scheduler no longer resolves surfaces as
// scheduler.ErrUnknownJob.
func (d *Dispatcher) Await(ctx context.Context, kind scheduler.JobKind, handle scheduler.JobHandle) (scheduler.Result, error) {
	if err := d.sems[kind].Acquire(ctx, 1); err != nil {
		return scheduler.Result{}, err
	}
	defer d.sems[kind].Release(1)

	return d.await(ctx, kind, handle)
}

// Cancel stops an outstanding job, using a fresh context so shutdown
// cancellation still reaches the scheduler.
func (d *Dispatcher) Cancel(handle scheduler.JobHandle) {
	ctx, cancel := context.WithTimeout(context.Background(), cancelTimeout)
	defer cancel()
	if err := d.client.Cancel(ctx, handle); err != nil {
		d.logger.Error("cancel job", "job_id", string(handle), "error", err)
	}
}

// submit retries scheduler rejections with exponential backoff up to the
// configured attempt budget.
func (d *Dispatcher) submit(ctx context.Context, spec scheduler.JobSpec) (scheduler.JobHandle, error) {
	var lastErr error
	for attempt := 1; attempt <= d.cfg.SubmitMaxAttempts; attempt++ {
		handle, err := d.client.Submit(ctx, spec)
		if err == nil {
			d.submitFailStreak.Store(0)
			return handle, nil
		}
		lastErr = err
		d.logger.Warn("job submission rejected",
			"kind", string(spec.Kind),
			"name", spec.Name,
			"attempt", attempt,
			"error", err,
		)

		if attempt == d.cfg.SubmitMaxAttempts {
			break
		}
		backoff := d.cfg.SubmitBackoff << (attempt - 1)
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	d.submitFailStreak.Add(1)
	return "", &DispatchError{
		Kind:   spec.Kind,
		Reason: ReasonSubmitFailed,
		Detail: fmt.Sprintf("submission rejected after %d attempts", d.cfg.SubmitMaxAttempts),
		Err:    lastErr,
	}
}

// Available reports whether the scheduler is still accepting submissions. It
// turns false once UnavailableAfter submissions in a row exhaust their attempt
// budgets, and true again the moment one is accepted. The training loop stops
// launching episodes while the scheduler is unavailable.
func (d *Dispatcher) Available() bool {
	return d.submitFailStreak.Load() < int64(d.cfg.UnavailableAfter)
}

// await polls the job until a terminal status, the wall-clock timeout, or
// context cancellation. Never an unbounded wait.
func (d *Dispatcher) await(ctx context.Context, kind scheduler.JobKind, handle scheduler.JobHandle) (scheduler.Result, error) {
	deadline := time.Now().Add(d.timeout(kind))

	for {
		state, err := d.client.Status(ctx, handle)
		switch {
		case errors.Is(err, scheduler.ErrUnknownJob):
			return scheduler.Result{}, fmt.Errorf("job %s: %w", handle, err)
		case err != nil:
			// Transient scheduler trouble; the deadline bounds how long
			// we keep trying.
			d.logger.Warn("job status check failed", "job_id", string(handle), "error", err)
		case state == scheduler.StateSucceeded:
			return d.fetch(ctx, kind, handle)
		case state == scheduler.StateFailed:
			return scheduler.Result{}, &DispatchError{
				Kind:   kind,
				Reason: ReasonJobFailed,
				Handle: handle,
				Detail: "tool reported failure",
			}
		case state == scheduler.StateCancelled:
			return scheduler.Result{}, &DispatchError{
				Kind:   kind,
				Reason: ReasonJobFailed,
				Handle: handle,
				Detail: "cancelled outside the run",
			}
		}

		if time.Now().After(deadline) {
			d.Cancel(handle)
			return scheduler.Result{}, &DispatchError{
				Kind:   kind,
				Reason: ReasonTimedOut,
				Handle: handle,
				Detail: fmt.Sprintf("exceeded %s wall clock", d.timeout(kind)),
			}
		}

		select {
		case <-time.After(d.cfg.PollInterval):
		case <-ctx.Done():
			d.Cancel(handle)
			return scheduler.Result{}, ctx.Err()
		}
	}
}

// fetch retrieves a succeeded job's result; an unusable result counts as a
// job failure, not a success with empty payload.
func (d *Dispatcher) fetch(ctx context.Context, kind scheduler.JobKind, handle scheduler.JobHandle) (scheduler.Result, error) {
	res, err := d.client.FetchResult(ctx, handle)
	if err != nil {
		return scheduler.Result{}, &DispatchError{
			Kind:   kind,
			Reason: ReasonJobFailed,
			Handle: handle,
			Detail: "no usable result",
			Err:    err,
		}
	}
	return res, nil
}

func (d *Dispatcher) timeout(kind scheduler.JobKind) time.Duration {
	if kind == scheduler.KindEvaluation {
		return d.cfg.EvalTimeout
	}
	return d.cfg.GenTimeout
}
