// Package engine runs the training loop: per step it asks the policy for
// actions, launches episodes against the cluster, and feeds closed training
// batches back to the policy. On startup it recovers episodes a previous
// process left mid-flight.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/foldrl/bindertune/internal/model"
	"github.com/foldrl/bindertune/internal/policy"
	"github.com/foldrl/bindertune/internal/store"
)

const updateTimeout = time.Minute

// ErrSchedulerUnavailable is returned by Run when the cluster scheduler stops
// accepting submissions: new launches halt while in-flight episodes drain.
var ErrSchedulerUnavailable = errors.New("scheduler unavailable, halting launches")

// Runner drives one episode to a terminal state.
type Runner interface {
	Run(ctx context.Context, ep *model.Episode)
}

// SchedulerHealth reports whether the external scheduler is still accepting
// job submissions. The dispatcher implements it from its submission outcomes.
type SchedulerHealth interface {
	Available() bool
}

// Collector accumulates terminal episodes and emits closed batches. The
// runner's sink is the same collector; the engine only consumes its output and
// feeds it episodes it fails during recovery.
type Collector interface {
	Add(ep *model.Episode)
	Batches() <-chan *model.TrainingBatch
	Stop()
}

// Config shapes the training loop.
type Config struct {
	Steps           int
	EpisodesPerStep int
	// Target names the protein this run designs binders against; it is the
	// only observation field besides the step index.
	Target string
}

// Engine orchestrates the training run.
type Engine struct {
	store     store.Store
	policy    policy.Policy
	runner    Runner
	collector Collector
	health    SchedulerHealth
	cfg       Config
	logger    *slog.Logger
	wg        sync.WaitGroup
}

// New creates a training engine. health may be nil, disabling the
// scheduler-outage halt.
func New(st store.Store, pol policy.Policy, runner Runner, collector Collector, health SchedulerHealth, cfg Config, logger *slog.Logger) *Engine {
	return &Engine{
		store:     st,
		policy:    pol,
		runner:    runner,
		collector: collector,
		health:    health,
		cfg:       cfg,
		logger:    logger,
	}
}

// Run executes the training loop and blocks until it completes or ctx is
// cancelled. Cancellation stops new launches; in-flight episodes are cancelled
// by their runner and still drain through batch accounting.
func (e *Engine) Run(ctx context.Context) error {
	if err := e.recoverEpisodes(ctx); err != nil {
		return err
	}

	consumerDone := make(chan struct{})
	go e.consumeBatches(consumerDone)

	var launchErr error

steps:
	for step := 0; step < e.cfg.Steps; step++ {
		if ctx.Err() != nil {
			break
		}

		var stepWG sync.WaitGroup
		for i := 0; i < e.cfg.EpisodesPerStep; i++ {
			if ctx.Err() != nil {
				break
			}
			if e.health != nil && !e.health.Available() {
				// A dead scheduler is a process-level halt, not a stream of
				// failed episodes. In-flight work keeps draining below.
				launchErr = ErrSchedulerUnavailable
				e.logger.Error("halting launches", "error", launchErr)
				break steps
			}

			obs := model.Observation{Step: step, Target: e.cfg.Target}
			act, err := e.policy.Observe(ctx, obs)
			if err != nil {
				e.logger.Warn("policy observe failed", "step", step, "error", err)
				continue
			}

			ep := &model.Episode{
				ID:          model.NewID(),
				Step:        step,
				State:       model.StateCreated,
				Action:      act,
				Observation: obs,
				CreatedAt:   time.Now().UTC(),
			}
			if err := e.store.CreateEpisode(ctx, ep); err != nil {
				// An unavailable store halts new launches; everything
				// already in flight keeps draining below.
				launchErr = fmt.Errorf("create episode: %w", err)
				e.logger.Error("halting launches", "error", launchErr)
				break steps
			}

			e.launch(ctx, ep, &stepWG)
		}

		// Steps are sequential: the policy updates on this step's
		// experience before choosing the next step's actions.
		stepWG.Wait()
	}

	e.wg.Wait()
	e.collector.Stop()
	<-consumerDone

	if launchErr != nil {
		return launchErr
	}
	return ctx.Err()
}

// launch runs the episode in a goroutine tracked by both the engine-wide and
// the per-step wait group.
func (e *Engine) launch(ctx context.Context, ep *model.Episode, stepWG *sync.WaitGroup) {
	if stepWG != nil {
		stepWG.Add(1)
	}
	episodesInFlight.Inc()
	e.wg.Go(func() {
		defer episodesInFlight.Dec()
		if stepWG != nil {
			defer stepWG.Done()
		}
		e.runner.Run(ctx, ep)
		observeEpisode(ep)
	})
}

// recoverEpisodes resumes episodes a previous process left mid-flight. Only
// episodes whose current stage has a persisted job handle are resumed; their
// jobs are re-polled, never resubmitted. Everything else failed between a
// submission decision and its persisted confirmation, and is marked failed
// rather than risking a duplicate job for an already-consumed action.
func (e *Engine) recoverEpisodes(ctx context.Context) error {
	unfinished, err := e.store.ListUnfinished(ctx)
	if err != nil {
		return fmt.Errorf("list unfinished episodes: %w", err)
	}
	if len(unfinished) == 0 {
		return nil
	}

	e.logger.Info("recovering episodes", "count", len(unfinished))
	for _, ep := range unfinished {
		if resumable(ep) {
			e.logger.Info("resuming episode",
				"episode_id", ep.ID,
				"state", ep.State,
				"gen_job_id", ep.GenJobID,
				"eval_job_id", ep.EvalJobID,
			)
			e.launch(ctx, ep, nil)
			continue
		}

		ep.Error = "not recoverable after restart"
		ep.State = model.StateFailed
		now := time.Now().UTC()
		ep.FinalizedAt = &now
		if err := e.store.UpdateEpisode(ctx, ep); err != nil {
			return fmt.Errorf("fail unrecoverable episode %s: %w", ep.ID, err)
		}
		observeEpisode(ep)
		e.collector.Add(ep)
	}
	return nil
}

// resumable reports whether a stored episode can be picked up again. The rule
// is that the stage the episode sits in must have its own confirmed handle.
func resumable(ep *model.Episode) bool {
	switch ep.State {
	case model.StateGenerating, model.StateGenerated:
		return ep.GenJobID != ""
	case model.StateEvaluating, model.StateEvaluated:
		return ep.EvalJobID != ""
	case model.StateRewarded:
		return true
	default:
		return false
	}
}

// consumeBatches feeds every closed batch to the policy. Updates use a
// detached context so batches closed during shutdown still reach the policy.
func (e *Engine) consumeBatches(done chan<- struct{}) {
	defer close(done)
	for b := range e.collector.Batches() {
		batchSize.Observe(float64(len(b.Episodes)))
		if len(b.Episodes) == 0 {
			e.logger.Info("skipping empty batch", "batch_id", b.ID)
			continue
		}

		ctx, cancel := context.WithTimeout(context.Background(), updateTimeout)
		if err := e.policy.Update(ctx, b); err != nil {
			e.logger.Error("policy update failed",
				"batch_id", b.ID,
				"episodes", len(b.Episodes),
				"error", err,
			)
		}
		cancel()
	}
}
