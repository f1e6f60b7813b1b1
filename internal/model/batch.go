package model

import "time"

// BatchEpisode is the per-episode slice of a training batch: the observation
// the policy saw, the action it chose, and the reward it earned.
type BatchEpisode struct {
	EpisodeID   string      `json:"episode_id"`
	Observation Observation `json:"observation"`
	Action      Action      `json:"action"`
	Reward      float64     `json:"reward"`
}

// TrainingBatch is one update's worth of finalized episodes, in arrival order.
// Failed and cancelled episodes are excluded from Episodes but counted for
// success-rate accounting.
type TrainingBatch struct {
	ID        string         `json:"id"`
	OpenedAt  time.Time      `json:"opened_at"`
	ClosedAt  time.Time      `json:"closed_at"`
	Episodes  []BatchEpisode `json:"episodes"`
	Failed    int            `json:"failed"`
	Cancelled int            `json:"cancelled"`
}
