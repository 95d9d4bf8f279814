package types

import (
	"context"
	"math"
	"time"
)

// DefaultWeights are used for every factor a request does not override
var DefaultWeights = FactorVector{0.4, 0.3, 0.2, 0.1}

// WeightOverrides carries optional per-request factor weights.
// A nil field falls back to the matching entry of DefaultWeights.
type WeightOverrides struct {
	Cost        *float64 `json:"cost,omitempty" yaml:"cost,omitempty"`
	Quality     *float64 `json:"quality,omitempty" yaml:"quality,omitempty"`
	Speed       *float64 `json:"speed,omitempty" yaml:"speed,omitempty"`
	Reliability *float64 `json:"reliability,omitempty" yaml:"reliability,omitempty"`
}

func (w *WeightOverrides) field(f Factor) *float64 {
	switch f {
	case FactorCost:
		return w.Cost
	case FactorQuality:
		return w.Quality
	case FactorSpeed:
		return w.Speed
	default:
		return w.Reliability
	}
}

// ResolveWeights applies the defaulting rules for weights: missing factors take
// the default, negative values are clamped to zero, and an all-zero result falls
// back to DefaultWeights. The result is non-negative and need not sum to 1.
func ResolveWeights(overrides *WeightOverrides) FactorVector {
	weights := DefaultWeights
	if overrides == nil {
		return weights
	}

	for _, f := range AllFactors {
		if v := overrides.field(f); v != nil {
			weights[f] = *v
		}
		if weights[f] < 0 || math.IsNaN(weights[f]) {
			weights[f] = 0
		}
	}

	if weights.Sum() == 0 {
		return DefaultWeights
	}
	return weights
}

// Float64 returns a pointer to v; handy for literals in overrides
func Float64(v float64) *float64 {
	return &v
}

// RoutingRequest is one unit of work to be placed on a provider
type RoutingRequest struct {
	ID          string           `json:"id,omitempty" yaml:"id,omitempty"`
	Model       string           `json:"model,omitempty" yaml:"model,omitempty"`
	Content     string           `json:"content" yaml:"content"`
	MaxTokens   int              `json:"max_tokens,omitempty" yaml:"max_tokens,omitempty"`
	Temperature *float64         `json:"temperature,omitempty" yaml:"temperature,omitempty"`
	Weights     *WeightOverrides `json:"weights,omitempty" yaml:"weights,omitempty"`
}

// PerformanceRecord is one observed outcome of a provider call
type PerformanceRecord struct {
	Timestamp  time.Time     `json:"timestamp"`
	ProviderID string        `json:"provider_id"`
	Success    bool          `json:"success"`
	Latency    time.Duration `json:"latency"`
	Cost       float64       `json:"cost"`

	// Quality is a reported 0-100 quality rating, when the caller has one
	Quality *float64 `json:"quality,omitempty"`
}

// Target tells an execution callable which provider and model to run a request on
type Target struct {
	ProviderID string
	Model      string
	Request    RoutingRequest
}

// ExecuteFunc is supplied by the caller and performs the actual provider call.
// The router knows nothing about transport or SDKs.
type ExecuteFunc func(ctx context.Context, target Target) (*ExecutionResult, error)
