package model

// Reward component names.
const (
	ComponentInterfaceQuality   = "interface_quality"
	ComponentBindingAffinity    = "binding_affinity"
	ComponentStructuralValidity = "structural_validity"
	ComponentDiversityBonus     = "diversity_bonus"
)

// RewardComponent is one named contribution to an episode's reward. Value is
// normalized into [0, 1] before weighting.
type RewardComponent struct {
	Value  float64 `json:"value"`
	Weight float64 `json:"weight"`
}

// RewardBreakdown is the labeled decomposition of an episode's reward. Total
// is the weighted sum of all components, clamped to [0, 1]. Immutable once
// computed; an episode is scored at most once.
type RewardBreakdown struct {
	Components map[string]RewardComponent `json:"components"`
	Total      float64                    `json:"total"`
}
