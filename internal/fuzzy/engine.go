package fuzzy

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"sync/atomic"
	"unicode/utf8"

	"github.com/sirupsen/logrus"

	"github.com/tributary-ai/adaptive-router/internal/types"
)

// tieEpsilon is the score difference below which two providers are tied
const tieEpsilon = 1e-9

// Config holds scoring engine configuration
type Config struct {
	// DefaultModel is preferred when a request names no model
	DefaultModel string `yaml:"default_model"`

	// DefaultCompletionTokens is assumed when a request sets no max tokens
	DefaultCompletionTokens int `yaml:"default_completion_tokens" validate:"gte=0"`

	// CharsPerToken drives the input token heuristic
	CharsPerToken int `yaml:"chars_per_token" validate:"gt=0"`
}

// DefaultConfig returns the engine defaults
func DefaultConfig() Config {
	return Config{
		DefaultCompletionTokens: 500,
		CharsPerToken:           4,
	}
}

// Engine scores candidate providers with fuzzy membership functions and picks
// the best one. The current ParameterSet is swapped atomically, so a routing
// call always sees one consistent set.
type Engine struct {
	config Config
	params atomic.Pointer[ParameterSet]
	logger *logrus.Logger
}

// NewEngine creates a scoring engine with the default parameter set
func NewEngine(config Config, logger *logrus.Logger) *Engine {
	if config.CharsPerToken <= 0 {
		config.CharsPerToken = 4
	}
	if config.DefaultCompletionTokens < 0 {
		config.DefaultCompletionTokens = 0
	}

	e := &Engine{
		config: config,
		logger: logger,
	}
	ps := DefaultParameterSet()
	e.params.Store(&ps)
	return e
}

// Parameters returns a copy of the current parameter set
func (e *Engine) Parameters() ParameterSet {
	return *e.params.Load()
}

// SetParameters validates and atomically installs a new parameter set
func (e *Engine) SetParameters(ps ParameterSet) error {
	if err := ps.Validate(); err != nil {
		return err
	}
	e.params.Store(&ps)
	return nil
}

// SwapParameters installs next only if the live set still equals expected.
// It reports false when another writer replaced the parameters in between.
func (e *Engine) SwapParameters(expected, next ParameterSet) (bool, error) {
	if err := next.Validate(); err != nil {
		return false, err
	}
	cur := e.params.Load()
	if *cur != expected {
		return false, nil
	}
	return e.params.CompareAndSwap(cur, &next), nil
}

// scored is an eligible candidate with its evaluation
type scored struct {
	provider      types.Provider
	model         string
	inputs        types.FactorVector
	contributions types.FactorVector
	score         float64
}

// Route selects the best provider for a request using the current parameters
func (e *Engine) Route(req *types.RoutingRequest, candidates []types.Provider) (*types.RoutingDecision, error) {
	return e.RouteWith(e.params.Load(), req, candidates)
}

// RouteWith selects the best provider using an explicit parameter set
func (e *Engine) RouteWith(ps *ParameterSet, req *types.RoutingRequest, candidates []types.Provider) (*types.RoutingDecision, error) {
	eligible, err := e.filterCandidates(req, candidates)
	if err != nil {
		return nil, err
	}

	weights := types.ResolveWeights(req.Weights)

	results := make([]scored, 0, len(eligible))
	for _, c := range eligible {
		inputs := NormalizeInputs(c.provider.Scores.Vector())
		score, contributions := Evaluate(ps, inputs, weights)
		c.inputs = inputs
		c.contributions = contributions
		c.score = score
		results = append(results, c)
	}

	// Best score first, ties broken by lexicographic provider id
	sort.SliceStable(results, func(i, j int) bool {
		if math.Abs(results[i].score-results[j].score) > tieEpsilon {
			return results[i].score > results[j].score
		}
		return results[i].provider.ID < results[j].provider.ID
	})

	best := results[0]
	cost, pricingKnown := e.EstimateCost(req, best.provider, best.model)

	candidateScores := make(map[string]float64, len(results))
	fallbacks := make([]string, 0, len(results)-1)
	for i, r := range results {
		candidateScores[r.provider.ID] = r.score
		if i > 0 {
			fallbacks = append(fallbacks, r.provider.ID)
		}
	}

	decision := &types.RoutingDecision{
		ProviderID:       best.provider.ID,
		Model:            best.model,
		Score:            best.score,
		Weights:          weights,
		FactorScores:     best.contributions,
		Inputs:           best.inputs,
		Rationale:        buildRationale(best, results, weights, pricingKnown),
		EstimatedCost:    cost,
		PricingKnown:     pricingKnown,
		EstimatedLatency: best.provider.AverageLatency,
		FallbackChain:    fallbacks,
		CandidateScores:  candidateScores,
	}

	e.logger.WithFields(logrus.Fields{
		"provider":   decision.ProviderID,
		"model":      decision.Model,
		"score":      decision.Score,
		"candidates": len(results),
	}).Debug("Fuzzy scoring completed")

	return decision, nil
}

// filterCandidates keeps active, credentialed, model-compatible providers
func (e *Engine) filterCandidates(req *types.RoutingRequest, candidates []types.Provider) ([]scored, error) {
	if len(candidates) == 0 {
		return nil, &types.ConfigurationError{Kind: types.ErrNoProvidersAvailable, Reason: "candidate set is empty"}
	}

	seen := make(map[string]bool, len(candidates))
	available := make([]types.Provider, 0, len(candidates))
	for _, p := range candidates {
		if !p.Active || !p.Credentialed || seen[p.ID] {
			continue
		}
		seen[p.ID] = true
		available = append(available, p)
	}
	if len(available) == 0 {
		return nil, &types.ConfigurationError{
			Kind:   types.ErrNoProvidersAvailable,
			Reason: fmt.Sprintf("none of %d candidates is active and credentialed", len(candidates)),
		}
	}

	eligible := make([]scored, 0, len(available))
	for _, p := range available {
		if model, ok := e.ResolveModel(req, p); ok {
			eligible = append(eligible, scored{provider: p, model: model})
		}
	}
	if len(eligible) == 0 {
		model := req.Model
		if model == "" {
			model = "any model"
		}
		return nil, &types.ConfigurationError{
			Kind:   types.ErrNoSuitableProvider,
			Reason: fmt.Sprintf("no active provider offers %s", model),
		}
	}
	return eligible, nil
}

// ResolveModel picks the model a provider would serve the request with
func (e *Engine) ResolveModel(req *types.RoutingRequest, p types.Provider) (string, bool) {
	if req.Model != "" {
		return req.Model, p.SupportsModel(req.Model)
	}
	if e.config.DefaultModel != "" && p.SupportsModel(e.config.DefaultModel) {
		return e.config.DefaultModel, true
	}
	if len(p.Models) > 0 {
		return p.Models[0], true
	}
	return "", false
}

// EstimateCost prices a request with the token heuristic: input tokens are the
// content length divided by CharsPerToken, output tokens are MaxTokens or the
// configured default. A missing pricing entry yields (0, false).
func (e *Engine) EstimateCost(req *types.RoutingRequest, p types.Provider, model string) (float64, bool) {
	pricing, ok := p.PricingFor(model)
	if !ok {
		return 0, false
	}

	inputTokens := int(math.Ceil(float64(utf8.RuneCountInString(req.Content)) / float64(e.config.CharsPerToken)))
	outputTokens := req.MaxTokens
	if outputTokens <= 0 {
		outputTokens = e.config.DefaultCompletionTokens
	}

	cost := float64(inputTokens)/1e6*pricing.InputPerMillion + float64(outputTokens)/1e6*pricing.OutputPerMillion
	return cost, true
}

func buildRationale(best scored, results []scored, weights types.FactorVector, pricingKnown bool) string {
	strongest := types.FactorCost
	for _, f := range types.AllFactors {
		if weights[f]*best.contributions[f] > weights[strongest]*best.contributions[strongest] {
			strongest = f
		}
	}

	parts := []string{
		fmt.Sprintf("fuzzy composite %.3f for %s/%s", best.score, best.provider.ID, best.model),
		fmt.Sprintf("strongest factor %s (%.2f at weight %.2f)", strongest, best.contributions[strongest], weights[strongest]),
	}
	if len(results) > 1 {
		parts = append(parts, fmt.Sprintf("margin %.3f over %s", best.score-results[1].score, results[1].provider.ID))
	}
	if !pricingKnown {
		parts = append(parts, fmt.Sprintf("no pricing for %s: estimated cost 0 is unknown, not free", best.model))
	}
	return strings.Join(parts, "; ")
}
