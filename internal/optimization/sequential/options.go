package sequential

import (
	"math"

	"github.com/copyleftdev/mfsolve/internal/optimization"
)

// Refinement strategies
const (
	// RefineFlat adds FlatRefinement samples every iteration
	RefineFlat = 0
	// RefineGradientScaled adds more samples as the truth gradient closes
	// on gtol, relative to the truth fidelity
	RefineGradientScaled = 1
)

// Options are the controller settings. They are copied on construction and
// never change during a solve.
type Options struct {
	GTol float64 `yaml:"gtol" json:"gtol"`
	CTol float64 `yaml:"ctol" json:"ctol"`
	STol float64 `yaml:"stol" json:"stol"`
	FTol float64 `yaml:"ftol" json:"ftol"`

	MaxIter        int `yaml:"max_iter" json:"max_iter"`
	FlatRefinement int `yaml:"flat_refinement" json:"flat_refinement"`
	RefStrategy    int `yaml:"ref_strategy" json:"ref_strategy"`

	// UseTruthToTrain feeds the truth's current samples to a surrogate
	// model instead of drawing new model samples
	UseTruthToTrain bool `yaml:"use_truth_to_train" json:"use_truth_to_train"`

	// ApproximateTruth evaluates the truth to a tolerance derived from the
	// predicted reduction, capped at ApproximateTruthMax samples
	ApproximateTruth    bool `yaml:"approximate_truth" json:"approximate_truth"`
	ApproximateTruthMax int  `yaml:"approximate_truth_max" json:"approximate_truth_max"`

	Eta   float64 `yaml:"eta" json:"eta"`
	Eta1  float64 `yaml:"eta_1" json:"eta_1"`
	Eta2  float64 `yaml:"eta_2" json:"eta_2"`
	Omega float64 `yaml:"omega" json:"omega"`

	// TrustRadius bounds each model subproblem; negative disables it
	TrustRadius float64 `yaml:"trust_radius" json:"trust_radius"`

	// Print is the verbosity of the per-iteration summary; 0 silences it
	Print int `yaml:"print" json:"print"`
}

// DefaultOptions returns the controller defaults
func DefaultOptions() Options {
	return Options{
		GTol:                1e-6,
		CTol:                1e-5,
		STol:                1e-5,
		FTol:                1e-6,
		MaxIter:             50,
		FlatRefinement:      5,
		RefStrategy:         RefineFlat,
		ApproximateTruthMax: 5000,
		Eta:                 0.25,
		Eta1:                0.25,
		Eta2:                0.75,
		Omega:               1.0,
		TrustRadius:         -1,
		Print:               1,
	}
}

// Validate checks the options for values the controller cannot run with
func (o Options) Validate() error {
	const op = "Options.Validate"
	errf := func(format string, args ...interface{}) error {
		return optimization.ConfigurationErrorf("sequential", op, format, args...)
	}
	switch {
	case !(o.GTol > 0) || math.IsInf(o.GTol, 0):
		return errf("gtol must be positive and finite, got %g", o.GTol)
	case o.MaxIter < 1:
		return errf("max_iter must be at least 1, got %d", o.MaxIter)
	case o.FlatRefinement < 0:
		return errf("flat_refinement must be non-negative, got %d", o.FlatRefinement)
	case o.RefStrategy != RefineFlat && o.RefStrategy != RefineGradientScaled:
		return errf("unknown ref_strategy %d", o.RefStrategy)
	case o.ApproximateTruth && o.ApproximateTruthMax < 1:
		return errf("approximate_truth_max must be positive, got %d", o.ApproximateTruthMax)
	case !(o.Omega > 0):
		return errf("omega must be positive, got %g", o.Omega)
	case o.Eta1 < 0 || o.Eta2 > 1 || o.Eta1 > o.Eta2:
		return errf("need 0 <= eta_1 <= eta_2 <= 1, got eta_1=%g eta_2=%g", o.Eta1, o.Eta2)
	}
	return nil
}
