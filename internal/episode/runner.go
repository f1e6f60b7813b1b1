// Package episode drives a single episode through its lifecycle: map the
// action, run the generation job, run the evaluation job, score the reward,
// and finalize. Every transition is persisted before the next stage starts, so
// a restarted process can pick an episode up exactly where it stopped.
package episode

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/foldrl/bindertune/internal/action"
	"github.com/foldrl/bindertune/internal/dispatch"
	"github.com/foldrl/bindertune/internal/model"
	"github.com/foldrl/bindertune/internal/reward"
	"github.com/foldrl/bindertune/internal/scheduler"
	"github.com/foldrl/bindertune/internal/store"
)

// Dispatcher runs external jobs to completion. Await re-enters polling for a
// job submitted before a restart.
type Dispatcher interface {
	Run(ctx context.Context, spec scheduler.JobSpec, onSubmit func(scheduler.JobHandle)) (scheduler.Result, error)
	Await(ctx context.Context, kind scheduler.JobKind, handle scheduler.JobHandle) (scheduler.Result, error)
}

// Sink receives episodes once they reach a terminal state.
type Sink interface {
	Add(ep *model.Episode)
}

// Config holds the per-stage retry budgets. A stage that accumulates
// TimeoutBudget wall-clock timeouts, or JobFailBudget tool-reported failures,
// fails the episode without another submission.
type Config struct {
	TimeoutBudget int
	JobFailBudget int
}

// Runner owns episodes from creation to their terminal state.
type Runner struct {
	store      store.Store
	mapper     *action.Mapper
	dispatcher Dispatcher
	aggregator *reward.Aggregator
	history    *reward.History
	sink       Sink
	cfg        Config
	logger     *slog.Logger
}

// New creates a runner. Budgets below 1 are raised to 1 so every stage gets at
// least one attempt.
func New(st store.Store, mapper *action.Mapper, disp Dispatcher, agg *reward.Aggregator, hist *reward.History, sink Sink, cfg Config, logger *slog.Logger) *Runner {
	if cfg.TimeoutBudget < 1 {
		cfg.TimeoutBudget = 1
	}
	if cfg.JobFailBudget < 1 {
		cfg.JobFailBudget = 1
	}
	return &Runner{
		store:      st,
		mapper:     mapper,
		dispatcher: disp,
		aggregator: agg,
		history:    hist,
		sink:       sink,
		cfg:        cfg,
		logger:     logger,
	}
}

// Run drives the episode until it reaches a terminal state, then hands it to
// the sink. The loop switches on the persisted state, so calling Run on a
// recovered mid-flight episode resumes it: a job handle already present when
// its stage is entered is awaited, never resubmitted.
func (r *Runner) Run(ctx context.Context, ep *model.Episode) {
	resumeGen := ep.State == model.StateGenerating && ep.GenJobID != ""
	resumeEval := ep.State == model.StateEvaluating && ep.EvalJobID != ""

	var params action.GenerationParams
	var haveParams bool
	var genRes, evalRes scheduler.Result

	for !model.TerminalState(ep.State) {
		if ctx.Err() != nil {
			r.finish(ep, ctx.Err())
			break
		}

		switch ep.State {
		case model.StateCreated:
			p, err := r.mapper.Map(ep.Action)
			if err != nil {
				// Invalid actions are a contract violation, fatal and
				// never retried.
				r.finish(ep, err)
				continue
			}
			params, haveParams = p, true
			r.transition(ep, model.StateParamsMapped)

		case model.StateParamsMapped:
			now := time.Now().UTC()
			ep.StartedAt = &now
			r.transition(ep, model.StateGenerating)

		case model.StateGenerating:
			if !haveParams {
				// Re-entered after a restart; the mapping is deterministic.
				p, err := r.mapper.Map(ep.Action)
				if err != nil {
					r.finish(ep, err)
					continue
				}
				params, haveParams = p, true
			}

			var res scheduler.Result
			var err error
			if resumeGen {
				resumeGen = false
				res, err = r.dispatcher.Await(ctx, scheduler.KindGeneration, scheduler.JobHandle(ep.GenJobID))
			} else {
				res, err = r.runStage(ctx, ep, r.genSpec(ep, params))
			}
			if err != nil {
				r.finish(ep, err)
				continue
			}
			genRes = res
			r.transition(ep, model.StateGenerated)

		case model.StateGenerated:
			r.transition(ep, model.StateEvaluating)

		case model.StateEvaluating:
			var res scheduler.Result
			var err error
			switch {
			case resumeEval:
				resumeEval = false
				res, err = r.dispatcher.Await(ctx, scheduler.KindEvaluation, scheduler.JobHandle(ep.EvalJobID))
			case genRes.PayloadRef == "" && ep.GenJobID != "":
				// Restart landed past generation with its output not in
				// memory; the finished job's result is re-fetched first.
				genRes, err = r.dispatcher.Await(ctx, scheduler.KindGeneration, scheduler.JobHandle(ep.GenJobID))
				if err == nil {
					res, err = r.runStage(ctx, ep, r.evalSpec(ep, genRes.PayloadRef))
				}
			case genRes.PayloadRef == "":
				err = errors.New("no generation output to evaluate")
			default:
				res, err = r.runStage(ctx, ep, r.evalSpec(ep, genRes.PayloadRef))
			}
			if err != nil {
				r.finish(ep, err)
				continue
			}
			evalRes = res
			r.transition(ep, model.StateEvaluated)

		case model.StateEvaluated:
			if evalRes.Metrics == nil {
				if ep.EvalJobID == "" {
					r.finish(ep, errors.New("evaluation result unavailable"))
					continue
				}
				res, err := r.dispatcher.Await(ctx, scheduler.KindEvaluation, scheduler.JobHandle(ep.EvalJobID))
				if err != nil {
					r.finish(ep, err)
					continue
				}
				evalRes = res
			}
			ep.Fingerprint = evalRes.Fingerprint
			ep.Reward = r.aggregator.Score(evalRes.Metrics, evalRes.Fingerprint)
			r.transition(ep, model.StateRewarded)

		case model.StateRewarded:
			// Fingerprint joins the history only after the reward is
			// committed, so an episode never competes with itself.
			r.history.Append(ep.Fingerprint)
			r.transition(ep, model.StateFinalized)

		default:
			r.finish(ep, fmt.Errorf("unknown episode state %q", ep.State))
		}
	}

	r.logger.Info("episode finished",
		"episode_id", ep.ID,
		"state", ep.State,
		"gen_attempts", ep.GenAttempts,
		"eval_attempts", ep.EvalAttempts,
	)
	r.sink.Add(ep)
}

// runStage submits the job and enforces the retry budgets: a timed-out job is
// resubmitted until TimeoutBudget timeouts accumulate, a failed job until
// JobFailBudget failures. Submission-rejection exhaustion is terminal outright;
// the dispatcher already retried it.
func (r *Runner) runStage(ctx context.Context, ep *model.Episode, spec scheduler.JobSpec) (scheduler.Result, error) {
	var timeouts, jobFails int
	for {
		r.bumpAttempts(ep, spec.Kind)

		res, err := r.dispatcher.Run(ctx, spec, func(h scheduler.JobHandle) {
			r.setHandle(ep, spec.Kind, h)
		})
		if err == nil {
			return res, nil
		}

		var de *dispatch.DispatchError
		if !errors.As(err, &de) {
			return scheduler.Result{}, err
		}
		switch de.Reason {
		case dispatch.ReasonTimedOut:
			timeouts++
			if timeouts >= r.cfg.TimeoutBudget {
				return scheduler.Result{}, fmt.Errorf("timeout budget exhausted after %d: %w", timeouts, err)
			}
		case dispatch.ReasonJobFailed:
			jobFails++
			if jobFails >= r.cfg.JobFailBudget {
				return scheduler.Result{}, fmt.Errorf("failure budget exhausted after %d: %w", jobFails, err)
			}
		default:
			return scheduler.Result{}, err
		}

		r.logger.Warn("stage retrying",
			"episode_id", ep.ID,
			"kind", string(spec.Kind),
			"reason", string(de.Reason),
			"timeouts", timeouts,
			"job_failures", jobFails,
		)
	}
}

// transition advances the episode and persists it. Persistence uses a detached
// context so terminal states still reach the store during shutdown.
func (r *Runner) transition(ep *model.Episode, to string) {
	if !model.ValidTransition(ep.State, to) {
		r.logger.Error("illegal state transition", "episode_id", ep.ID, "from", ep.State, "to", to)
		return
	}
	ep.State = to
	if model.TerminalState(to) && ep.FinalizedAt == nil {
		now := time.Now().UTC()
		ep.FinalizedAt = &now
	}
	r.persist(ep)
}

// finish routes a stage error to the right terminal state: context
// cancellation means the run is shutting down, everything else fails the
// episode with a zero reward recorded for batch accounting.
func (r *Runner) finish(ep *model.Episode, cause error) {
	if errors.Is(cause, context.Canceled) || errors.Is(cause, context.DeadlineExceeded) {
		ep.Error = "run cancelled"
		r.transition(ep, model.StateCancelled)
		return
	}
	ep.Error = cause.Error()
	if ep.Reward == nil {
		ep.Reward = r.aggregator.Zero()
	}
	r.logger.Warn("episode failed", "episode_id", ep.ID, "state", ep.State, "error", cause)
	r.transition(ep, model.StateFailed)
}

func (r *Runner) bumpAttempts(ep *model.Episode, kind scheduler.JobKind) {
	if kind == scheduler.KindEvaluation {
		ep.EvalAttempts++
	} else {
		ep.GenAttempts++
	}
	r.persist(ep)
}

// setHandle records the job handle the moment submission succeeds, before any
// waiting begins, so a crash mid-wait leaves a resumable record.
func (r *Runner) setHandle(ep *model.Episode, kind scheduler.JobKind, h scheduler.JobHandle) {
	if kind == scheduler.KindEvaluation {
		ep.EvalJobID = string(h)
	} else {
		ep.GenJobID = string(h)
	}
	r.persist(ep)
}

func (r *Runner) persist(ep *model.Episode) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := r.store.UpdateEpisode(ctx, ep); err != nil {
		r.logger.Error("persist episode", "episode_id", ep.ID, "state", ep.State, "error", err)
	}
}

func (r *Runner) genSpec(ep *model.Episode, params action.GenerationParams) scheduler.JobSpec {
	return scheduler.JobSpec{
		Kind:   scheduler.KindGeneration,
		Name:   "gen_" + ep.ID,
		Params: params.Args(),
	}
}

func (r *Runner) evalSpec(ep *model.Episode, input string) scheduler.JobSpec {
	return scheduler.JobSpec{
		Kind:  scheduler.KindEvaluation,
		Name:  "eval_" + ep.ID,
		Input: input,
	}
}
