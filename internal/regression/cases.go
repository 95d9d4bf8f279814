package regression

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/tributary-ai/adaptive-router/internal/types"
)

// Case categories
const (
	CategoryCost       = "cost_sensitive"
	CategoryQuality    = "quality_sensitive"
	CategorySpeed      = "speed_sensitive"
	CategoryEdge       = "edge_case"
	CategoryRegression = "custom"
)

// GoldenTestCase is one fixed request with declared expectations
type GoldenTestCase struct {
	Name     string               `yaml:"name" json:"name"`
	Category string               `yaml:"category" json:"category"`
	Request  types.RoutingRequest `yaml:"request" json:"request"`

	// Candidates overrides the run's catalog for this case
	Candidates []types.Provider `yaml:"candidates,omitempty" json:"candidates,omitempty"`

	// EmptyCandidates runs the case against an empty catalog
	EmptyCandidates bool `yaml:"empty_candidates,omitempty" json:"empty_candidates,omitempty"`

	ExpectedProvider string        `yaml:"expected_provider,omitempty" json:"expected_provider,omitempty"`
	MaxCost          float64       `yaml:"max_cost,omitempty" json:"max_cost,omitempty"`
	MaxLatency       time.Duration `yaml:"max_latency,omitempty" json:"max_latency,omitempty"`
	ExpectError      bool          `yaml:"expect_error,omitempty" json:"expect_error,omitempty"`

	// ExpectFactor requires the chosen provider's raw score on that factor to
	// reach MinFactorScore, or the best available score when no candidate does
	ExpectFactor   string  `yaml:"expect_factor,omitempty" json:"expect_factor,omitempty"`
	MinFactorScore float64 `yaml:"min_factor_score,omitempty" json:"min_factor_score,omitempty"`

	// Concurrency > 1 fires that many identical decisions at once
	Concurrency int `yaml:"concurrency,omitempty" json:"concurrency,omitempty"`
}

// Validate checks a case is runnable
func (tc GoldenTestCase) Validate() error {
	if strings.TrimSpace(tc.Name) == "" {
		return fmt.Errorf("test case name is required")
	}
	if tc.ExpectFactor != "" {
		if _, err := types.ParseFactor(tc.ExpectFactor); err != nil {
			return fmt.Errorf("test case %s: %w", tc.Name, err)
		}
	}
	if tc.MaxCost < 0 || tc.MaxLatency < 0 || tc.Concurrency < 0 {
		return fmt.Errorf("test case %s: limits must not be negative", tc.Name)
	}
	return nil
}

func weights(cost, quality, speed, reliability float64) *types.WeightOverrides {
	return &types.WeightOverrides{
		Cost:        types.Float64(cost),
		Quality:     types.Float64(quality),
		Speed:       types.Float64(speed),
		Reliability: types.Float64(reliability),
	}
}

// DefaultCases returns the built-in golden set. Expectations are structural so
// the set applies to any catalog.
func DefaultCases(burstSize int) []GoldenTestCase {
	if burstSize < 2 {
		burstSize = 2
	}
	return []GoldenTestCase{
		{
			Name:     "simple-query-cost",
			Category: CategoryCost,
			Request: types.RoutingRequest{
				Content:   "What is the capital of France?",
				MaxTokens: 50,
				Weights:   weights(0.7, 0.1, 0.1, 0.1),
			},
			ExpectFactor:   types.FactorCost.String(),
			MinFactorScore: 7,
		},
		{
			Name:     "complex-analysis-quality",
			Category: CategoryQuality,
			Request: types.RoutingRequest{
				Content:   "Compare the trade-offs of event sourcing and CRUD persistence for an order management system, covering consistency, auditability and operational cost.",
				MaxTokens: 1500,
				Weights:   weights(0.05, 0.8, 0.1, 0.05),
			},
			ExpectFactor:   types.FactorQuality.String(),
			MinFactorScore: 7,
		},
		{
			Name:     "autocomplete-speed",
			Category: CategorySpeed,
			Request: types.RoutingRequest{
				Content:   "Complete: the quick brown",
				MaxTokens: 10,
				Weights:   weights(0.1, 0.05, 0.8, 0.05),
			},
			ExpectFactor:   types.FactorSpeed.String(),
			MinFactorScore: 7,
		},
		{
			Name:            "empty-provider-set",
			Category:        CategoryEdge,
			Request:         types.RoutingRequest{Content: "hello"},
			EmptyCandidates: true,
			ExpectError:     true,
		},
		{
			Name:     "very-long-input",
			Category: CategoryEdge,
			Request: types.RoutingRequest{
				Content:   strings.Repeat("Summarize this paragraph about distributed systems. ", 2000),
				MaxTokens: 500,
			},
		},
		{
			Name:     "single-token-output",
			Category: CategoryEdge,
			Request:  types.RoutingRequest{Content: "Answer yes or no: is water wet?", MaxTokens: 1},
		},
		{
			Name:     "zero-temperature",
			Category: CategoryEdge,
			Request:  types.RoutingRequest{Content: "Return the JSON {\"ok\": true}", Temperature: types.Float64(0)},
		},
		{
			Name:        "concurrent-burst",
			Category:    CategoryEdge,
			Request:     types.RoutingRequest{Content: "burst request", MaxTokens: 20},
			Concurrency: burstSize,
		},
		{
			Name:     "pure-cost",
			Category: CategoryCost,
			Request: types.RoutingRequest{
				Content: "ping",
				Weights: weights(1, 0, 0, 0),
			},
			ExpectFactor:   types.FactorCost.String(),
			MinFactorScore: 8,
		},
	}
}

type caseFile struct {
	Cases []GoldenTestCase `yaml:"cases"`
}

// LoadCases reads additional golden cases from a YAML file
func LoadCases(path string) ([]GoldenTestCase, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read test cases: %w", err)
	}

	var file caseFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse test cases: %w", err)
	}

	for i := range file.Cases {
		if file.Cases[i].Category == "" {
			file.Cases[i].Category = CategoryRegression
		}
		if err := file.Cases[i].Validate(); err != nil {
			return nil, err
		}
	}
	return file.Cases, nil
}
