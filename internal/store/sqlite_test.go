package store

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/foldrl/bindertune/internal/model"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func makeTestEpisode() *model.Episode {
	return &model.Episode{
		ID:    model.NewID(),
		Step:  3,
		State: model.StateCreated,
		Action: model.Action{
			"contig_len":  120,
			"num_designs": 20,
			"steps":       50,
		},
		Observation: model.Observation{Step: 3, Target: "PD-L1"},
		CreatedAt:   time.Now().UTC().Truncate(time.Second),
	}
}

func TestCreateAndGetEpisode(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	ep := makeTestEpisode()

	if err := s.CreateEpisode(ctx, ep); err != nil {
		t.Fatalf("CreateEpisode: %v", err)
	}

	got, err := s.GetEpisode(ctx, ep.ID)
	if err != nil {
		t.Fatalf("GetEpisode: %v", err)
	}

	if got.ID != ep.ID {
		t.Errorf("ID = %q, want %q", got.ID, ep.ID)
	}
	if got.State != ep.State {
		t.Errorf("State = %q, want %q", got.State, ep.State)
	}
	if got.Step != ep.Step {
		t.Errorf("Step = %d, want %d", got.Step, ep.Step)
	}
	if got.Action["contig_len"] != 120 {
		t.Errorf("Action[contig_len] = %v, want 120", got.Action["contig_len"])
	}
	if got.Observation.Target != "PD-L1" {
		t.Errorf("Observation.Target = %q, want PD-L1", got.Observation.Target)
	}
	if got.Reward != nil {
		t.Errorf("Reward = %v, want nil before scoring", got.Reward)
	}
	if got.GenJobID != "" {
		t.Errorf("GenJobID = %q, want empty before submission", got.GenJobID)
	}
}

func TestGetEpisodeNotFound(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.GetEpisode(ctx, "nonexistent")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("GetEpisode error = %v, want ErrNotFound", err)
	}
}

func TestUpdateEpisodeRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	ep := makeTestEpisode()
	if err := s.CreateEpisode(ctx, ep); err != nil {
		t.Fatalf("CreateEpisode: %v", err)
	}

	started := time.Now().UTC().Truncate(time.Second)
	ep.State = model.StateGenerating
	ep.GenJobID = "48213"
	ep.GenAttempts = 1
	ep.StartedAt = &started
	if err := s.UpdateEpisode(ctx, ep); err != nil {
		t.Fatalf("UpdateEpisode: %v", err)
	}

	ep.State = model.StateRewarded
	ep.EvalJobID = "48214"
	ep.Fingerprint = model.Fingerprint{0.1, 0.9, 0.3}
	ep.Reward = &model.RewardBreakdown{
		Components: map[string]model.RewardComponent{
			model.ComponentInterfaceQuality: {Value: 0.85, Weight: 0.4},
		},
		Total: 0.70,
	}
	if err := s.UpdateEpisode(ctx, ep); err != nil {
		t.Fatalf("UpdateEpisode 2: %v", err)
	}

	got, err := s.GetEpisode(ctx, ep.ID)
	if err != nil {
		t.Fatalf("GetEpisode: %v", err)
	}
	if got.State != model.StateRewarded {
		t.Errorf("State = %q, want %q", got.State, model.StateRewarded)
	}
	if got.GenJobID != "48213" || got.EvalJobID != "48214" {
		t.Errorf("job handles = %q/%q, want 48213/48214", got.GenJobID, got.EvalJobID)
	}
	if got.Reward == nil || got.Reward.Total != 0.70 {
		t.Errorf("Reward = %+v, want Total 0.70", got.Reward)
	}
	if got.Reward.Components[model.ComponentInterfaceQuality].Value != 0.85 {
		t.Errorf("interface_quality = %+v, want 0.85", got.Reward.Components)
	}
	if len(got.Fingerprint) != 3 || got.Fingerprint[1] != 0.9 {
		t.Errorf("Fingerprint = %v, want [0.1 0.9 0.3]", got.Fingerprint)
	}
	if got.StartedAt == nil || !got.StartedAt.Equal(started) {
		t.Errorf("StartedAt = %v, want %v", got.StartedAt, started)
	}
}

func TestUpdateEpisodeNotFound(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	ep := makeTestEpisode()
	if err := s.UpdateEpisode(ctx, ep); !errors.Is(err, ErrNotFound) {
		t.Errorf("UpdateEpisode error = %v, want ErrNotFound", err)
	}
	if err := s.UpdateEpisodeState(ctx, "nonexistent", model.StateFailed); !errors.Is(err, ErrNotFound) {
		t.Errorf("UpdateEpisodeState error = %v, want ErrNotFound", err)
	}
}

func TestUpdateEpisodeStateSetsFinalizedAt(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	ep := makeTestEpisode()
	if err := s.CreateEpisode(ctx, ep); err != nil {
		t.Fatalf("CreateEpisode: %v", err)
	}

	if err := s.UpdateEpisodeState(ctx, ep.ID, model.StateParamsMapped); err != nil {
		t.Fatalf("UpdateEpisodeState: %v", err)
	}
	got, err := s.GetEpisode(ctx, ep.ID)
	if err != nil {
		t.Fatalf("GetEpisode: %v", err)
	}
	if got.FinalizedAt != nil {
		t.Errorf("FinalizedAt set on non-terminal state: %v", got.FinalizedAt)
	}

	if err := s.UpdateEpisodeState(ctx, ep.ID, model.StateFailed); err != nil {
		t.Fatalf("UpdateEpisodeState failed: %v", err)
	}
	got, err = s.GetEpisode(ctx, ep.ID)
	if err != nil {
		t.Fatalf("GetEpisode: %v", err)
	}
	if got.FinalizedAt == nil {
		t.Error("FinalizedAt not set on terminal state")
	}
}

func TestListEpisodesPagination(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	// Insert 5 episodes with staggered creation times.
	for i := 0; i < 5; i++ {
		ep := makeTestEpisode()
		ep.CreatedAt = time.Now().UTC().Add(time.Duration(i) * time.Second).Truncate(time.Second)
		if err := s.CreateEpisode(ctx, ep); err != nil {
			t.Fatalf("CreateEpisode[%d]: %v", i, err)
		}
	}

	episodes, total, err := s.ListEpisodes(ctx, 2, 0)
	if err != nil {
		t.Fatalf("ListEpisodes: %v", err)
	}
	if total != 5 {
		t.Errorf("total = %d, want 5", total)
	}
	if len(episodes) != 2 {
		t.Errorf("len(episodes) = %d, want 2", len(episodes))
	}
	if episodes[0].CreatedAt.Before(episodes[1].CreatedAt) {
		t.Error("ListEpisodes not ordered newest first")
	}

	episodes2, total2, err := s.ListEpisodes(ctx, 2, 2)
	if err != nil {
		t.Fatalf("ListEpisodes page 2: %v", err)
	}
	if total2 != 5 {
		t.Errorf("total page 2 = %d, want 5", total2)
	}
	if len(episodes2) != 2 {
		t.Errorf("len(episodes) page 2 = %d, want 2", len(episodes2))
	}
}

func TestListUnfinishedSkipsTerminal(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	states := []string{
		model.StateGenerating,
		model.StateFinalized,
		model.StateEvaluating,
		model.StateFailed,
		model.StateCancelled,
		model.StateCreated,
	}
	for i, state := range states {
		ep := makeTestEpisode()
		ep.State = state
		ep.CreatedAt = time.Now().UTC().Add(time.Duration(i) * time.Second).Truncate(time.Second)
		if err := s.CreateEpisode(ctx, ep); err != nil {
			t.Fatalf("CreateEpisode[%d]: %v", i, err)
		}
	}

	unfinished, err := s.ListUnfinished(ctx)
	if err != nil {
		t.Fatalf("ListUnfinished: %v", err)
	}
	if len(unfinished) != 3 {
		t.Fatalf("len(unfinished) = %d, want 3", len(unfinished))
	}
	// Oldest first so recovery resumes in submission order.
	want := []string{model.StateGenerating, model.StateEvaluating, model.StateCreated}
	for i, ep := range unfinished {
		if ep.State != want[i] {
			t.Errorf("unfinished[%d].State = %q, want %q", i, ep.State, want[i])
		}
	}
}

func TestGetEpisodeStats(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	rewards := []float64{0.4, 0.8}
	for _, r := range rewards {
		ep := makeTestEpisode()
		ep.State = model.StateFinalized
		ep.Reward = &model.RewardBreakdown{Total: r}
		if err := s.CreateEpisode(ctx, ep); err != nil {
			t.Fatalf("CreateEpisode: %v", err)
		}
	}
	failed := makeTestEpisode()
	failed.State = model.StateFailed
	if err := s.CreateEpisode(ctx, failed); err != nil {
		t.Fatalf("CreateEpisode failed: %v", err)
	}

	stats, err := s.GetEpisodeStats(ctx)
	if err != nil {
		t.Fatalf("GetEpisodeStats: %v", err)
	}
	if stats.Total != 3 {
		t.Errorf("Total = %d, want 3", stats.Total)
	}
	if stats.CountByState[model.StateFinalized] != 2 {
		t.Errorf("finalized count = %d, want 2", stats.CountByState[model.StateFinalized])
	}
	if stats.CountByState[model.StateFailed] != 1 {
		t.Errorf("failed count = %d, want 1", stats.CountByState[model.StateFailed])
	}
	if math.Abs(stats.AvgReward-0.6) > 1e-9 {
		t.Errorf("AvgReward = %v, want 0.6", stats.AvgReward)
	}
	if stats.MaxReward != 0.8 {
		t.Errorf("MaxReward = %v, want 0.8", stats.MaxReward)
	}
}
