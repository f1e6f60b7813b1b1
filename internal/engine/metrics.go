package engine

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/foldrl/bindertune/internal/model"
)

var (
	episodesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bindertune_episodes_total",
			Help: "Episodes reaching a terminal state, by outcome.",
		},
		[]string{"outcome"},
	)

	stageRetriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bindertune_stage_retries_total",
			Help: "Job resubmissions beyond the first attempt, by stage.",
		},
		[]string{"stage"},
	)

	episodeReward = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "bindertune_episode_reward",
			Help:    "Total reward of finalized episodes.",
			Buckets: prometheus.LinearBuckets(0, 0.1, 11),
		},
	)

	batchSize = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "bindertune_batch_size",
			Help:    "Training entries per closed batch.",
			Buckets: []float64{0, 1, 2, 4, 8, 16, 32, 64},
		},
	)

	episodesInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "bindertune_episodes_in_flight",
			Help: "Episodes currently running.",
		},
	)
)

func init() {
	prometheus.MustRegister(episodesTotal, stageRetriesTotal, episodeReward, batchSize, episodesInFlight)
}

// observeEpisode records the terminal outcome of one episode.
func observeEpisode(ep *model.Episode) {
	episodesTotal.WithLabelValues(ep.State).Inc()
	if ep.GenAttempts > 1 {
		stageRetriesTotal.WithLabelValues("generation").Add(float64(ep.GenAttempts - 1))
	}
	if ep.EvalAttempts > 1 {
		stageRetriesTotal.WithLabelValues("evaluation").Add(float64(ep.EvalAttempts - 1))
	}
	if ep.State == model.StateFinalized && ep.Reward != nil {
		episodeReward.Observe(ep.Reward.Total)
	}
}
