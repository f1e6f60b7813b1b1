// Package action declares the policy's action space and maps action vectors
// onto concrete generation-job parameters.
package action

import (
	"fmt"
	"math"
	"strconv"

	"github.com/foldrl/bindertune/internal/model"
)

// Dimension names the policy's action space exposes.
const (
	DimContigLen  = "contig_len"
	DimNumDesigns = "num_designs"
	DimSteps      = "steps"
	DimGuideScale = "guide_scale"
)

const defaultGuideScale = 2.0

// InvalidActionError reports an action value outside its declared domain.
// This is a programming-error-class failure: a policy that respects its
// action-space contract never produces one, so it is fatal to the episode and
// never retried.
type InvalidActionError struct {
	Dimension string
	Value     float64
	Reason    string
}

func (e *InvalidActionError) Error() string {
	return fmt.Sprintf("invalid action: dimension %q value %v: %s", e.Dimension, e.Value, e.Reason)
}

// Dimension declares one axis of the action space.
type Dimension struct {
	Name     string
	Min, Max float64
	// Integer dimensions reject fractional values rather than rounding, so
	// mapping stays exact and replayable.
	Integer bool
	// Optional dimensions may be absent from an action; Default is used then.
	Optional bool
	Default  float64
}

// Space is the declared set of action dimensions.
type Space struct {
	dims []Dimension
}

// DefaultSpace returns the binder-generation action space: contig length,
// design count, and diffusion step count are required integers; guide scale
// is an optional continuous dimension.
func DefaultSpace() *Space {
	return &Space{dims: []Dimension{
		{Name: DimContigLen, Min: 40, Max: 250, Integer: true},
		{Name: DimNumDesigns, Min: 1, Max: 50, Integer: true},
		{Name: DimSteps, Min: 20, Max: 200, Integer: true},
		{Name: DimGuideScale, Min: 0.5, Max: 10, Optional: true, Default: defaultGuideScale},
	}}
}

// Validate checks every dimension of the action against its declared domain.
func (s *Space) Validate(a model.Action) error {
	for _, dim := range s.dims {
		v, ok := a[dim.Name]
		if !ok {
			if dim.Optional {
				continue
			}
			return &InvalidActionError{Dimension: dim.Name, Reason: "required dimension missing"}
		}
		if v < dim.Min || v > dim.Max {
			return &InvalidActionError{
				Dimension: dim.Name,
				Value:     v,
				Reason:    fmt.Sprintf("outside range [%v, %v]", dim.Min, dim.Max),
			}
		}
		if dim.Integer && v != math.Trunc(v) {
			return &InvalidActionError{Dimension: dim.Name, Value: v, Reason: "must be an integer"}
		}
	}
	for name := range a {
		if !s.has(name) {
			return &InvalidActionError{Dimension: name, Reason: "not a declared dimension"}
		}
	}
	return nil
}

func (s *Space) has(name string) bool {
	for _, dim := range s.dims {
		if dim.Name == name {
			return true
		}
	}
	return false
}

// GenerationParams is the named parameter set handed to the generation stage.
type GenerationParams struct {
	ContigLength   int     `json:"contig_length"`
	NumDesigns     int     `json:"num_designs"`
	DiffusionSteps int     `json:"diffusion_steps"`
	GuideScale     float64 `json:"guide_scale"`
}

// Args renders the parameter set as job-submission arguments.
func (p GenerationParams) Args() map[string]string {
	return map[string]string{
		"contig_length":   strconv.Itoa(p.ContigLength),
		"num_designs":     strconv.Itoa(p.NumDesigns),
		"diffusion_steps": strconv.Itoa(p.DiffusionSteps),
		"guide_scale":     strconv.FormatFloat(p.GuideScale, 'f', 1, 64),
	}
}

// Mapper converts valid actions into generation parameters. Pure and
// deterministic: the same action always yields the same parameter set.
type Mapper struct {
	space *Space
}

// NewMapper creates a mapper over the given action space.
func NewMapper(space *Space) *Mapper {
	return &Mapper{space: space}
}

// Map validates the action and produces the generation parameter set.
func (m *Mapper) Map(a model.Action) (GenerationParams, error) {
	if err := m.space.Validate(a); err != nil {
		return GenerationParams{}, err
	}

	guideScale := defaultGuideScale
	if v, ok := a[DimGuideScale]; ok {
		guideScale = v
	}

	return GenerationParams{
		ContigLength:   int(a[DimContigLen]),
		NumDesigns:     int(a[DimNumDesigns]),
		DiffusionSteps: int(a[DimSteps]),
		GuideScale:     guideScale,
	}, nil
}
