package fuzzy

import (
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/tributary-ai/adaptive-router/internal/types"
)

// Level is a qualitative membership level
type Level int

const (
	LevelLow Level = iota
	LevelMedium
	LevelHigh

	// NumLevels is the number of membership levels per factor
	NumLevels = 3
)

// AllLevels lists the levels in canonical order
var AllLevels = [NumLevels]Level{LevelLow, LevelMedium, LevelHigh}

var levelNames = [NumLevels]string{"low", "medium", "high"}

func (l Level) String() string {
	if l < 0 || int(l) >= NumLevels {
		return fmt.Sprintf("level(%d)", int(l))
	}
	return levelNames[l]
}

// ParseLevel converts a level name into a Level
func ParseLevel(name string) (Level, error) {
	for i, n := range levelNames {
		if strings.EqualFold(n, name) {
			return Level(i), nil
		}
	}
	return 0, fmt.Errorf("unknown level %q", name)
}

const (
	// ScaleMin and ScaleMax bound every crisp factor input
	ScaleMin = 0.0
	ScaleMax = 10.0
)

// RepresentativeValues are the crisp values the centroid pulls toward per level
var RepresentativeValues = [NumLevels]float64{3, 6, 9}

// ErrInvalidParameters is returned when a parameter set violates its ranges
var ErrInvalidParameters = errors.New("invalid membership parameters")

// MembershipParams shapes one (factor, level) membership function.
// Center must stay within [MinVal, MaxVal] and Width must be at least MinWidth.
type MembershipParams struct {
	Center   float64 `json:"center" yaml:"center"`
	Width    float64 `json:"width" yaml:"width"`
	MinVal   float64 `json:"min_val" yaml:"min_val"`
	MaxVal   float64 `json:"max_val" yaml:"max_val"`
	MinWidth float64 `json:"min_width" yaml:"min_width"`
}

// Clamp pulls Center and Width back into their valid ranges
func (p MembershipParams) Clamp() MembershipParams {
	p.Center = clamp(p.Center, p.MinVal, p.MaxVal)
	p.Width = clamp(p.Width, p.MinWidth, ScaleMax)
	return p
}

// Validate checks the range invariants without modifying anything
func (p MembershipParams) Validate() error {
	for _, v := range []float64{p.Center, p.Width, p.MinVal, p.MaxVal, p.MinWidth} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("%w: non-finite value", ErrInvalidParameters)
		}
	}
	if p.MinVal > p.MaxVal {
		return fmt.Errorf("%w: min %.3f above max %.3f", ErrInvalidParameters, p.MinVal, p.MaxVal)
	}
	if p.Center < p.MinVal || p.Center > p.MaxVal {
		return fmt.Errorf("%w: center %.3f outside [%.3f, %.3f]", ErrInvalidParameters, p.Center, p.MinVal, p.MaxVal)
	}
	if p.MinWidth <= 0 {
		return fmt.Errorf("%w: min width must be positive", ErrInvalidParameters)
	}
	if p.Width < p.MinWidth || p.Width > ScaleMax {
		return fmt.Errorf("%w: width %.3f outside [%.3f, %.1f]", ErrInvalidParameters, p.Width, p.MinWidth, ScaleMax)
	}
	return nil
}

// Degree returns the membership degree of x in a level.
// low is a left shoulder, medium a triangle and high a right shoulder.
func Degree(level Level, p MembershipParams, x float64) float64 {
	switch level {
	case LevelLow:
		if x <= p.Center {
			return 1
		}
		return math.Max(0, 1-(x-p.Center)/p.Width)
	case LevelHigh:
		if x >= p.Center {
			return 1
		}
		return math.Max(0, 1-(p.Center-x)/p.Width)
	default:
		return math.Max(0, 1-math.Abs(x-p.Center)/p.Width)
	}
}

// ParameterSet holds the membership parameters for every (factor, level) pair.
// It is a value type: copying it yields an independent snapshot.
type ParameterSet [types.NumFactors][NumLevels]MembershipParams

// DefaultParameterSet returns the untuned parameters shared by all factors
func DefaultParameterSet() ParameterSet {
	defaults := [NumLevels]MembershipParams{
		LevelLow:    {Center: 2, Width: 4, MinVal: 0, MaxVal: 5, MinWidth: 0.5},
		LevelMedium: {Center: 5, Width: 3, MinVal: 2, MaxVal: 8, MinWidth: 0.5},
		LevelHigh:   {Center: 8, Width: 4, MinVal: 5, MaxVal: 10, MinWidth: 0.5},
	}

	var ps ParameterSet
	for _, f := range types.AllFactors {
		ps[f] = defaults
	}
	return ps
}

// Validate checks every entry of the set
func (ps ParameterSet) Validate() error {
	for _, f := range types.AllFactors {
		for _, l := range AllLevels {
			if err := ps[f][l].Validate(); err != nil {
				return fmt.Errorf("%s/%s: %w", f, l, err)
			}
		}
	}
	return nil
}

// Clamped returns a copy with every entry clamped into range
func (ps ParameterSet) Clamped() ParameterSet {
	for _, f := range types.AllFactors {
		for _, l := range AllLevels {
			ps[f][l] = ps[f][l].Clamp()
		}
	}
	return ps
}

// Defuzzify converts a crisp input into a score via the membership-weighted
// centroid of the representative level values. With no membership at all the
// input is returned unchanged.
func Defuzzify(ps *ParameterSet, f types.Factor, x float64) float64 {
	var num, den float64
	for _, l := range AllLevels {
		mu := Degree(l, ps[f][l], x)
		num += mu * RepresentativeValues[l]
		den += mu
	}
	if den == 0 {
		return x
	}
	return num / den
}

// Evaluate computes the composite score for one set of crisp inputs. It is a
// pure function of its arguments, so tuning can probe perturbed parameter sets
// concurrently with live routing. Weights must be non-negative with a positive sum.
func Evaluate(ps *ParameterSet, inputs, weights types.FactorVector) (float64, types.FactorVector) {
	var contributions types.FactorVector
	var weighted, total float64
	for _, f := range types.AllFactors {
		d := Defuzzify(ps, f, inputs[f])
		contributions[f] = d
		weighted += weights[f] * d
		total += weights[f]
	}
	if total == 0 {
		return 0, contributions
	}
	return weighted / total, contributions
}

// NormalizeInputs clamps raw scores into the crisp input scale
func NormalizeInputs(v types.FactorVector) types.FactorVector {
	for i := range v {
		v[i] = clamp(v[i], ScaleMin, ScaleMax)
	}
	return v
}

func clamp(v, lo, hi float64) float64 {
	if math.IsNaN(v) {
		return lo
	}
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
