// Package reward turns evaluation metrics and a diversity signal into a
// scalar training reward with a labeled breakdown.
package reward

import (
	"log/slog"

	"gonum.org/v1/gonum/floats"

	"github.com/foldrl/bindertune/internal/model"
)

// Metrics are the numeric fields parsed from an evaluation result payload.
type Metrics map[string]float64

// Input is what a component function scores.
type Input struct {
	Metrics     Metrics
	Fingerprint model.Fingerprint
	History     []model.Fingerprint
}

// ComponentFunc computes one reward component. Implementations must return a
// value in [0, 1] and must treat missing or unusable input as 0, never as an
// error: a partially-unusable evaluation still finalizes with a degraded
// reward.
type ComponentFunc func(in Input) float64

// Config selects metric field names and component weights.
type Config struct {
	FieldIPTM     string
	FieldPTM      string
	FieldContacts string
	// ContactSaturation is the contact count at which the binding-affinity
	// component reaches 1.
	ContactSaturation float64

	WeightInterface float64
	WeightAffinity  float64
	WeightValidity  float64
	WeightDiversity float64
}

type component struct {
	name   string
	weight float64
	fn     ComponentFunc
}

// Aggregator combines weighted components into a total reward clamped to
// [0, 1]. Components are a pluggable strategy map: each can be swapped
// without touching the aggregation logic.
type Aggregator struct {
	components []component
	history    *History
	logger     *slog.Logger
}

// NewAggregator builds an aggregator with the four default components:
// interface quality (iptm), binding affinity (contacts), structural validity
// (ptm), and diversity bonus against the fingerprint history.
func NewAggregator(cfg Config, history *History, logger *slog.Logger) *Aggregator {
	a := &Aggregator{history: history, logger: logger}
	a.components = []component{
		{model.ComponentInterfaceQuality, cfg.WeightInterface, metricComponent(cfg.FieldIPTM)},
		{model.ComponentBindingAffinity, cfg.WeightAffinity, contactComponent(cfg.FieldContacts, cfg.ContactSaturation)},
		{model.ComponentStructuralValidity, cfg.WeightValidity, metricComponent(cfg.FieldPTM)},
		{model.ComponentDiversityBonus, cfg.WeightDiversity, DiversityComponent},
	}
	return a
}

// Override replaces the named component's function, keeping its weight.
func (a *Aggregator) Override(name string, fn ComponentFunc) {
	for i := range a.components {
		if a.components[i].name == name {
			a.components[i].fn = fn
			return
		}
	}
}

// Score computes the reward breakdown for an episode. Never fails: degraded
// inputs yield degraded components, not errors. Scored at most once per
// episode; the runner enforces that.
func (a *Aggregator) Score(metrics Metrics, fp model.Fingerprint) *model.RewardBreakdown {
	in := Input{
		Metrics:     metrics,
		Fingerprint: fp,
		History:     a.history.Snapshot(),
	}

	breakdown := &model.RewardBreakdown{
		Components: make(map[string]model.RewardComponent, len(a.components)),
	}
	total := 0.0
	for _, c := range a.components {
		v := clamp01(c.fn(in))
		breakdown.Components[c.name] = model.RewardComponent{Value: v, Weight: c.weight}
		total += v * c.weight
	}
	breakdown.Total = clamp01(total)
	return breakdown
}

// Zero returns the all-zero breakdown recorded for failed episodes so batch
// accounting stays uniform.
func (a *Aggregator) Zero() *model.RewardBreakdown {
	breakdown := &model.RewardBreakdown{
		Components: make(map[string]model.RewardComponent, len(a.components)),
	}
	for _, c := range a.components {
		breakdown.Components[c.name] = model.RewardComponent{Value: 0, Weight: c.weight}
	}
	return breakdown
}

// metricComponent reads a single [0,1]-scaled metric field. A missing or
// out-of-range value defaults the component to its minimum.
func metricComponent(field string) ComponentFunc {
	return func(in Input) float64 {
		v, ok := in.Metrics[field]
		if !ok || v < 0 || v > 1 {
			return 0
		}
		return v
	}
}

// contactComponent scales a contact count linearly up to the saturation count.
func contactComponent(field string, saturation float64) ComponentFunc {
	return func(in Input) float64 {
		if saturation <= 0 {
			return 0
		}
		return clamp01(in.Metrics[field] / saturation)
	}
}

// DiversityComponent rewards novelty: 1 minus the maximum cosine similarity
// between the new fingerprint and the history. An empty history scores full
// novelty; a missing fingerprint scores 0.
func DiversityComponent(in Input) float64 {
	if len(in.Fingerprint) == 0 {
		return 0
	}
	if len(in.History) == 0 {
		return 1
	}
	maxSim := 0.0
	for _, past := range in.History {
		if sim := cosine(in.Fingerprint, past); sim > maxSim {
			maxSim = sim
		}
	}
	return clamp01(1 - maxSim)
}

// cosine computes cosine similarity, treating mismatched lengths and zero
// vectors as dissimilar.
func cosine(a, b []float64) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	na := floats.Norm(a, 2)
	nb := floats.Norm(b, 2)
	if na == 0 || nb == 0 {
		return 0
	}
	return floats.Dot(a, b) / (na * nb)
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
