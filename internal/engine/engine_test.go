package engine_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/foldrl/bindertune/internal/batch"
	"github.com/foldrl/bindertune/internal/engine"
	"github.com/foldrl/bindertune/internal/model"
	"github.com/foldrl/bindertune/internal/store"
)

// fakePolicy hands out fixed valid actions and records every update.
type fakePolicy struct {
	mu       sync.Mutex
	observed []model.Observation
	batches  []*model.TrainingBatch
}

func (p *fakePolicy) Observe(ctx context.Context, obs model.Observation) (model.Action, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.observed = append(p.observed, obs)
	return model.Action{"contig_len": 100, "num_designs": 10, "steps": 50}, nil
}

func (p *fakePolicy) Update(ctx context.Context, b *model.TrainingBatch) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.batches = append(p.batches, b)
	return nil
}

func (p *fakePolicy) observeCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.observed)
}

func (p *fakePolicy) updates() []*model.TrainingBatch {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*model.TrainingBatch(nil), p.batches...)
}

// fakeRunner finalizes every episode immediately with a fixed reward, the way
// the real runner would after both stages succeed.
type fakeRunner struct {
	mu    sync.Mutex
	ran   []*model.Episode
	store store.Store
	sink  *batch.Collector
}

func (r *fakeRunner) Run(ctx context.Context, ep *model.Episode) {
	r.mu.Lock()
	r.ran = append(r.ran, ep)
	r.mu.Unlock()

	ep.State = model.StateFinalized
	ep.Reward = &model.RewardBreakdown{Total: 0.5}
	now := time.Now().UTC()
	ep.FinalizedAt = &now
	if err := r.store.UpdateEpisode(context.Background(), ep); err != nil {
		panic(err)
	}
	r.sink.Add(ep)
}

func (r *fakeRunner) ranIDs() map[string]bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make(map[string]bool, len(r.ran))
	for _, ep := range r.ran {
		ids[ep.ID] = true
	}
	return ids
}

// fakeHealth reports the scheduler reachable for a fixed number of checks,
// then unreachable, like a cluster controller going down mid-run.
type fakeHealth struct {
	limit  int32
	checks atomic.Int32
}

func (h *fakeHealth) Available() bool {
	return h.checks.Add(1) <= h.limit
}

// failingStore rejects episode creation after a fixed number of inserts, the
// way a lost database connection would.
type failingStore struct {
	store.Store
	allow int32
	calls atomic.Int32
}

var errStoreDown = errors.New("database is locked")

func (s *failingStore) CreateEpisode(ctx context.Context, ep *model.Episode) error {
	if s.calls.Add(1) > s.allow {
		return errStoreDown
	}
	return s.Store.CreateEpisode(ctx, ep)
}

type fixture struct {
	engine    *engine.Engine
	store     *store.SQLiteStore
	policy    *fakePolicy
	runner    *fakeRunner
	collector *batch.Collector
}

func newFixture(t *testing.T, cfg engine.Config, batchSize int, health engine.SchedulerHealth) *fixture {
	t.Helper()
	st, err := store.NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
	collector := batch.New(batchSize, time.Hour, logger)
	pol := &fakePolicy{}
	runner := &fakeRunner{store: st, sink: collector}

	return &fixture{
		engine:    engine.New(st, pol, runner, collector, health, cfg, logger),
		store:     st,
		policy:    pol,
		runner:    runner,
		collector: collector,
	}
}

func TestRunLaunchesStepsAndUpdatesPolicy(t *testing.T) {
	f := newFixture(t, engine.Config{Steps: 2, EpisodesPerStep: 3, Target: "PD-L1"}, 3, nil)

	if err := f.engine.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if got := f.policy.observeCount(); got != 6 {
		t.Errorf("observe count = %d, want 6", got)
	}

	batches := f.policy.updates()
	if len(batches) != 2 {
		t.Fatalf("policy updates = %d, want 2", len(batches))
	}
	for i, b := range batches {
		if len(b.Episodes) != 3 {
			t.Errorf("batch[%d] has %d episodes, want 3", i, len(b.Episodes))
		}
	}

	_, total, err := f.store.ListEpisodes(context.Background(), 10, 0)
	if err != nil {
		t.Fatalf("ListEpisodes: %v", err)
	}
	if total != 6 {
		t.Errorf("stored episodes = %d, want 6", total)
	}
}

func TestObservationCarriesStepAndTarget(t *testing.T) {
	f := newFixture(t, engine.Config{Steps: 2, EpisodesPerStep: 1, Target: "IL-7Ra"}, 1, nil)

	if err := f.engine.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	f.policy.mu.Lock()
	defer f.policy.mu.Unlock()
	if len(f.policy.observed) != 2 {
		t.Fatalf("observations = %d, want 2", len(f.policy.observed))
	}
	for i, obs := range f.policy.observed {
		if obs.Step != i {
			t.Errorf("observed[%d].Step = %d, want %d", i, obs.Step, i)
		}
		if obs.Target != "IL-7Ra" {
			t.Errorf("observed[%d].Target = %q, want IL-7Ra", i, obs.Target)
		}
	}
}

func TestSchedulerOutageHaltsLaunches(t *testing.T) {
	// Reachable for the first step's two launches, down from then on.
	health := &fakeHealth{limit: 2}
	f := newFixture(t, engine.Config{Steps: 3, EpisodesPerStep: 2, Target: "PD-L1"}, 2, health)

	err := f.engine.Run(context.Background())
	if !errors.Is(err, engine.ErrSchedulerUnavailable) {
		t.Fatalf("Run err = %v, want ErrSchedulerUnavailable", err)
	}

	if got := f.policy.observeCount(); got != 2 {
		t.Errorf("observe count = %d, want 2 from the first step only", got)
	}
	_, total, err := f.store.ListEpisodes(context.Background(), 10, 0)
	if err != nil {
		t.Fatalf("ListEpisodes: %v", err)
	}
	if total != 2 {
		t.Errorf("stored episodes = %d, want 2, no launches after the outage", total)
	}

	// In-flight work from before the outage still drained into a batch.
	batches := f.policy.updates()
	if len(batches) != 1 {
		t.Fatalf("policy updates = %d, want 1", len(batches))
	}
	if len(batches[0].Episodes) != 2 {
		t.Errorf("batch episodes = %d, want 2", len(batches[0].Episodes))
	}
}

func TestStoreOutageHaltsLaunches(t *testing.T) {
	st, err := store.NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
	collector := batch.New(2, time.Hour, logger)
	pol := &fakePolicy{}
	runner := &fakeRunner{store: st, sink: collector}
	failing := &failingStore{Store: st, allow: 2}
	eng := engine.New(failing, pol, runner, collector, nil,
		engine.Config{Steps: 3, EpisodesPerStep: 2, Target: "PD-L1"}, logger)

	runErr := eng.Run(context.Background())
	if !errors.Is(runErr, errStoreDown) {
		t.Fatalf("Run err = %v, want the wrapped store error", runErr)
	}

	// Two episodes from the first step launched; the third create failed and
	// stopped the loop before the runner ever saw that episode.
	if got := len(runner.ranIDs()); got != 2 {
		t.Errorf("launched episodes = %d, want 2", got)
	}
	_, total, err := st.ListEpisodes(context.Background(), 10, 0)
	if err != nil {
		t.Fatalf("ListEpisodes: %v", err)
	}
	if total != 2 {
		t.Errorf("stored episodes = %d, want 2", total)
	}

	batches := pol.updates()
	if len(batches) != 1 {
		t.Fatalf("policy updates = %d, want 1, in-flight episodes must drain", len(batches))
	}
	if len(batches[0].Episodes) != 2 {
		t.Errorf("batch episodes = %d, want 2", len(batches[0].Episodes))
	}
}

func TestRecoveryResumesOnlyConfirmedHandles(t *testing.T) {
	f := newFixture(t, engine.Config{Steps: 0, EpisodesPerStep: 0, Target: "PD-L1"}, 100, nil)
	ctx := context.Background()

	seed := func(state, genJob, evalJob string) *model.Episode {
		ep := &model.Episode{
			ID:          model.NewID(),
			State:       state,
			Action:      model.Action{"contig_len": 100, "num_designs": 10, "steps": 50},
			Observation: model.Observation{Target: "PD-L1"},
			GenJobID:    genJob,
			EvalJobID:   evalJob,
			CreatedAt:   time.Now().UTC().Truncate(time.Second),
		}
		if err := f.store.CreateEpisode(ctx, ep); err != nil {
			t.Fatalf("CreateEpisode: %v", err)
		}
		return ep
	}

	genWithHandle := seed(model.StateGenerating, "101", "")
	genNoHandle := seed(model.StateGenerating, "", "")
	created := seed(model.StateCreated, "", "")
	evalWithHandle := seed(model.StateEvaluating, "101", "202")

	if err := f.engine.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}

	ran := f.runner.ranIDs()
	if !ran[genWithHandle.ID] || !ran[evalWithHandle.ID] {
		t.Error("episodes with confirmed handles were not resumed")
	}
	if ran[genNoHandle.ID] || ran[created.ID] {
		t.Error("episode without a confirmed handle was resubmitted to the runner")
	}

	for _, tc := range []struct {
		ep   *model.Episode
		want string
	}{
		{genWithHandle, model.StateFinalized},
		{evalWithHandle, model.StateFinalized},
		{genNoHandle, model.StateFailed},
		{created, model.StateFailed},
	} {
		got, err := f.store.GetEpisode(ctx, tc.ep.ID)
		if err != nil {
			t.Fatalf("GetEpisode: %v", err)
		}
		if got.State != tc.want {
			t.Errorf("episode %s state = %q, want %q", tc.ep.ID, got.State, tc.want)
		}
	}

	// The flushed batch accounts for the two unrecoverable failures.
	batches := f.policy.updates()
	if len(batches) != 1 {
		t.Fatalf("policy updates = %d, want 1", len(batches))
	}
	if batches[0].Failed != 2 {
		t.Errorf("batch Failed = %d, want 2", batches[0].Failed)
	}
	if len(batches[0].Episodes) != 2 {
		t.Errorf("batch episodes = %d, want 2", len(batches[0].Episodes))
	}
}
