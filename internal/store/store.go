package store

import (
	"context"

	"github.com/foldrl/bindertune/internal/model"
)

// EpisodeStats holds aggregate run statistics.
type EpisodeStats struct {
	Total        int            `json:"total"`
	CountByState map[string]int `json:"count_by_state"`
	AvgReward    float64        `json:"avg_reward"`
	MaxReward    float64        `json:"max_reward"`
}

// Store defines the persistence operations for episodes.
type Store interface {
	CreateEpisode(ctx context.Context, ep *model.Episode) error
	GetEpisode(ctx context.Context, id string) (*model.Episode, error)
	ListEpisodes(ctx context.Context, limit, offset int) ([]*model.Episode, int, error)
	// ListUnfinished returns every episode not yet in a terminal state, oldest
	// first, so a restarted process can resume them.
	ListUnfinished(ctx context.Context) ([]*model.Episode, error)
	UpdateEpisode(ctx context.Context, ep *model.Episode) error
	UpdateEpisodeState(ctx context.Context, id, state string) error
	GetEpisodeStats(ctx context.Context) (*EpisodeStats, error)
	// Ping verifies the store is reachable; the health endpoint uses it.
	Ping(ctx context.Context) error
	Close() error
}
