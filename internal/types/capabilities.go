package types

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Factor identifies one of the routing criteria a provider is scored on
type Factor int

const (
	FactorCost Factor = iota
	FactorQuality
	FactorSpeed
	FactorReliability

	// NumFactors is the number of routing criteria
	NumFactors = 4
)

// AllFactors lists the factors in their canonical order
var AllFactors = [NumFactors]Factor{FactorCost, FactorQuality, FactorSpeed, FactorReliability}

var factorNames = [NumFactors]string{"cost", "quality", "speed", "reliability"}

// String returns the lower-case factor name
func (f Factor) String() string {
	if f < 0 || int(f) >= NumFactors {
		return fmt.Sprintf("factor(%d)", int(f))
	}
	return factorNames[f]
}

// ParseFactor converts a factor name into a Factor
func ParseFactor(name string) (Factor, error) {
	for i, n := range factorNames {
		if strings.EqualFold(n, name) {
			return Factor(i), nil
		}
	}
	return 0, fmt.Errorf("unknown factor %q", name)
}

// FactorVector holds one value per factor, indexed by Factor
type FactorVector [NumFactors]float64

// Get returns the value for a factor
func (v FactorVector) Get(f Factor) float64 {
	return v[f]
}

// Sum returns the sum of all components
func (v FactorVector) Sum() float64 {
	total := 0.0
	for _, x := range v {
		total += x
	}
	return total
}

// MarshalJSON encodes the vector as an object keyed by factor name
func (v FactorVector) MarshalJSON() ([]byte, error) {
	m := make(map[string]float64, NumFactors)
	for _, f := range AllFactors {
		m[f.String()] = v[f]
	}
	return json.Marshal(m)
}

// UnmarshalJSON decodes an object keyed by factor name
func (v *FactorVector) UnmarshalJSON(data []byte) error {
	var m map[string]float64
	if err := json.Unmarshal(data, &m); err != nil {
		return err
	}
	var out FactorVector
	for name, value := range m {
		f, err := ParseFactor(name)
		if err != nil {
			return err
		}
		out[f] = value
	}
	*v = out
	return nil
}

// FactorScores are a provider's raw per-factor scores on a 0-10 scale.
// Higher is better for every factor, so a cost score of 10 means cheapest.
type FactorScores struct {
	Cost        float64 `json:"cost" yaml:"cost"`
	Quality     float64 `json:"quality" yaml:"quality"`
	Speed       float64 `json:"speed" yaml:"speed"`
	Reliability float64 `json:"reliability" yaml:"reliability"`
}

// Vector returns the scores in factor order
func (s FactorScores) Vector() FactorVector {
	return FactorVector{s.Cost, s.Quality, s.Speed, s.Reliability}
}

// ScoresFromVector builds FactorScores from a vector
func ScoresFromVector(v FactorVector) FactorScores {
	return FactorScores{
		Cost:        v[FactorCost],
		Quality:     v[FactorQuality],
		Speed:       v[FactorSpeed],
		Reliability: v[FactorReliability],
	}
}

// ModelPricing is the price per million input and output units for one model
type ModelPricing struct {
	InputPerMillion  float64 `json:"input_per_million" yaml:"input_per_million"`
	OutputPerMillion float64 `json:"output_per_million" yaml:"output_per_million"`
}

// Provider is a point-in-time catalog entry for one backend service provider.
// The router treats it as an immutable snapshot for the duration of a call.
type Provider struct {
	ID             string                  `json:"id" yaml:"id"`
	Scores         FactorScores            `json:"scores" yaml:"scores"`
	Models         []string                `json:"models" yaml:"models"`
	Active         bool                    `json:"active" yaml:"active"`
	Credentialed   bool                    `json:"credentialed" yaml:"credentialed"`
	Pricing        map[string]ModelPricing `json:"pricing,omitempty" yaml:"pricing,omitempty"`
	AverageLatency time.Duration           `json:"average_latency" yaml:"average_latency"`
}

// SupportsModel reports whether the provider offers a model
func (p Provider) SupportsModel(model string) bool {
	for _, m := range p.Models {
		if m == model {
			return true
		}
	}
	return false
}

// PricingFor returns the pricing entry for a model
func (p Provider) PricingFor(model string) (ModelPricing, bool) {
	pricing, ok := p.Pricing[model]
	return pricing, ok
}

// Clone returns a deep copy so callers can adjust scores without touching the catalog
func (p Provider) Clone() Provider {
	out := p
	out.Models = append([]string(nil), p.Models...)
	if p.Pricing != nil {
		out.Pricing = make(map[string]ModelPricing, len(p.Pricing))
		for k, v := range p.Pricing {
			out.Pricing[k] = v
		}
	}
	return out
}
