package types

import (
	"errors"
	"fmt"
	"time"
)

// RoutingDecision is the immutable outcome of routing one request
type RoutingDecision struct {
	ProviderID string  `json:"provider_id"`
	Model      string  `json:"model"`
	Score      float64 `json:"score"`

	// Normalized weights actually applied, and the per-factor defuzzified
	// scores of the chosen provider
	Weights      FactorVector `json:"weights"`
	FactorScores FactorVector `json:"factor_scores"`

	// Crisp 0-10 inputs of the chosen provider after momentum adjustment
	Inputs FactorVector `json:"inputs"`

	Rationale string `json:"rationale"`

	// EstimatedCost is 0 with PricingKnown=false when the catalog has no
	// pricing for the provider and model; that is an estimation gap, not a free call
	EstimatedCost    float64       `json:"estimated_cost"`
	PricingKnown     bool          `json:"pricing_known"`
	EstimatedLatency time.Duration `json:"estimated_latency"`

	// Other eligible providers for this call, best score first
	FallbackChain []string `json:"fallback_chain"`

	// Composite score of every eligible provider
	CandidateScores map[string]float64 `json:"candidate_scores"`
}

// ExecutionResult is what an execution callable returns for a provider call
type ExecutionResult struct {
	ProviderID string        `json:"provider_id"`
	Model      string        `json:"model"`
	Output     string        `json:"output"`
	Cost       float64       `json:"cost"`
	Latency    time.Duration `json:"latency"`
	Quality    *float64      `json:"quality,omitempty"`

	// Set by the router
	Cached       bool `json:"cached"`
	FallbackUsed bool `json:"fallback_used"`
}

var (
	// ErrNoProvidersAvailable means no candidate was active and credentialed
	ErrNoProvidersAvailable = errors.New("no providers available")

	// ErrNoSuitableProvider means no active candidate offers the requested model
	ErrNoSuitableProvider = errors.New("no suitable provider")
)

// ConfigurationError reports an empty or incompatible candidate set.
// It is fatal for the request and never retried.
type ConfigurationError struct {
	Kind   error
	Reason string
}

func (e *ConfigurationError) Error() string {
	if e.Reason == "" {
		return e.Kind.Error()
	}
	return fmt.Sprintf("%s: %s", e.Kind.Error(), e.Reason)
}

// Unwrap exposes the sentinel so errors.Is works against it
func (e *ConfigurationError) Unwrap() error {
	return e.Kind
}
