package regression

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/tributary-ai/adaptive-router/internal/types"
)

// Pipeline is the decision chain under test. Decide must not record feedback.
type Pipeline interface {
	Decide(req *types.RoutingRequest, candidates []types.Provider) (*types.RoutingDecision, error)
}

// PipelineFunc adapts a plain function to Pipeline
type PipelineFunc func(req *types.RoutingRequest, candidates []types.Provider) (*types.RoutingDecision, error)

func (f PipelineFunc) Decide(req *types.RoutingRequest, candidates []types.Provider) (*types.RoutingDecision, error) {
	return f(req, candidates)
}

// Config holds regression thresholds
type Config struct {
	// PassRateDrop is the tolerated drop in percentage points
	PassRateDrop float64 `yaml:"pass_rate_drop" validate:"gte=0"`

	// LatencyIncrease and CostIncrease are tolerated relative rises (0.2 = 20%)
	LatencyIncrease float64 `yaml:"latency_increase" validate:"gte=0"`
	CostIncrease    float64 `yaml:"cost_increase" validate:"gte=0"`

	BurstSize   int           `yaml:"burst_size" validate:"gte=2"`
	CaseTimeout time.Duration `yaml:"case_timeout" validate:"gt=0"`
}

// DefaultConfig returns the harness defaults
func DefaultConfig() Config {
	return Config{
		PassRateDrop:    5,
		LatencyIncrease: 0.2,
		CostIncrease:    0.1,
		BurstSize:       20,
		CaseTimeout:     10 * time.Second,
	}
}

// CaseResult is the outcome of one golden case
type CaseResult struct {
	Name       string        `json:"name"`
	Category   string        `json:"category"`
	Passed     bool          `json:"passed"`
	Failures   []string      `json:"failures,omitempty"`
	ProviderID string        `json:"provider_id,omitempty"`
	Latency    time.Duration `json:"latency"`
	Cost       float64       `json:"cost"`
	Error      string        `json:"error,omitempty"`

	measured bool
}

// Report aggregates one harness run
type Report struct {
	RunID     string        `json:"run_id"`
	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration"`

	Total    int     `json:"total"`
	Passed   int     `json:"passed"`
	Failed   int     `json:"failed"`
	PassRate float64 `json:"pass_rate"`

	LatencyP50  time.Duration `json:"latency_p50"`
	LatencyP95  time.Duration `json:"latency_p95"`
	LatencyP99  time.Duration `json:"latency_p99"`
	TotalCost   float64       `json:"total_cost"`
	AverageCost float64       `json:"average_cost"`

	Results []CaseResult `json:"results"`

	Baseline           *Baseline `json:"baseline,omitempty"`
	BaselineCreated    bool      `json:"baseline_created"`
	RegressionDetected bool      `json:"regression_detected"`
	Regressions        []string  `json:"regressions,omitempty"`
}

// Harness runs the golden set through a pipeline and compares each run with
// a stored baseline
type Harness struct {
	config   Config
	pipeline Pipeline
	store    BaselineStore
	logger   *logrus.Logger
	now      func() time.Time

	mu    sync.RWMutex
	cases []GoldenTestCase
}

// NewHarness creates a harness preloaded with the default golden set.
// A nil store keeps the baseline in memory.
func NewHarness(config Config, pipeline Pipeline, store BaselineStore, logger *logrus.Logger) *Harness {
	if store == nil {
		store = NewMemoryBaselineStore()
	}
	if config.CaseTimeout <= 0 {
		config.CaseTimeout = DefaultConfig().CaseTimeout
	}
	return &Harness{
		config:   config,
		pipeline: pipeline,
		store:    store,
		logger:   logger,
		now:      time.Now,
		cases:    DefaultCases(config.BurstSize),
	}
}

// SetClock replaces the time source
func (h *Harness) SetClock(now func() time.Time) {
	h.now = now
}

// AddTestCase appends a case; names must be unique
func (h *Harness) AddTestCase(tc GoldenTestCase) error {
	if err := tc.Validate(); err != nil {
		return err
	}
	if tc.Category == "" {
		tc.Category = CategoryRegression
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for _, existing := range h.cases {
		if existing.Name == tc.Name {
			return fmt.Errorf("test case %s already exists", tc.Name)
		}
	}
	h.cases = append(h.cases, tc)
	return nil
}

// Cases returns a copy of the golden set
func (h *Harness) Cases() []GoldenTestCase {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return append([]GoldenTestCase(nil), h.cases...)
}

// Run executes every case against candidates. Failing cases and regressions
// are reported as data; only a cancelled context aborts the run.
func (h *Harness) Run(ctx context.Context, candidates []types.Provider) (*Report, error) {
	started := h.now()
	report := &Report{
		RunID:     uuid.NewString(),
		StartedAt: started,
	}

	for _, tc := range h.Cases() {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("regression run cancelled: %w", err)
		}
		report.Results = append(report.Results, h.runCase(ctx, tc, candidates))
	}

	h.aggregate(report)
	report.Duration = h.now().Sub(started)
	h.compareBaseline(ctx, report)

	fields := logrus.Fields{
		"run_id":       report.RunID,
		"pass_rate":    report.PassRate,
		"latency_p95":  report.LatencyP95.String(),
		"average_cost": report.AverageCost,
	}
	if report.RegressionDetected {
		h.logger.WithFields(fields).WithField("regressions", report.Regressions).Warn("Regression detected")
	} else {
		h.logger.WithFields(fields).Info("Regression run completed")
	}
	return report, nil
}

func (h *Harness) runCase(ctx context.Context, tc GoldenTestCase, catalog []types.Provider) CaseResult {
	result := CaseResult{Name: tc.Name, Category: tc.Category}

	candidates := catalog
	if tc.EmptyCandidates {
		candidates = nil
	} else if tc.Candidates != nil {
		candidates = tc.Candidates
	}

	if tc.Concurrency > 1 {
		return h.runBurst(ctx, tc, candidates, result)
	}

	req := tc.Request
	decision, err := h.pipeline.Decide(&req, candidates)
	if tc.ExpectError {
		if err == nil {
			result.Failures = append(result.Failures, fmt.Sprintf("expected an error, got decision for %s", decision.ProviderID))
		} else {
			result.Error = err.Error()
		}
		result.Passed = len(result.Failures) == 0
		return result
	}
	if err != nil {
		result.Error = err.Error()
		result.Failures = append(result.Failures, "unexpected error: "+err.Error())
		return result
	}

	result.ProviderID = decision.ProviderID
	result.Latency = decision.EstimatedLatency
	result.Cost = decision.EstimatedCost
	result.measured = true
	result.Failures = checkExpectations(tc, decision, candidates)
	result.Passed = len(result.Failures) == 0
	return result
}

// runBurst fires identical decisions concurrently; all must finish within the
// case timeout and agree on the provider
func (h *Harness) runBurst(ctx context.Context, tc GoldenTestCase, candidates []types.Provider, result CaseResult) CaseResult {
	ctx, cancel := context.WithTimeout(ctx, h.config.CaseTimeout)
	defer cancel()

	decisions := make([]*types.RoutingDecision, tc.Concurrency)
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < tc.Concurrency; i++ {
		i := i
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			req := tc.Request
			d, err := h.pipeline.Decide(&req, candidates)
			if err != nil {
				return err
			}
			decisions[i] = d
			return nil
		})
	}

	done := make(chan error, 1)
	go func() { done <- g.Wait() }()

	select {
	case err := <-done:
		if err != nil {
			result.Error = err.Error()
			result.Failures = append(result.Failures, "burst request failed: "+err.Error())
			return result
		}
	case <-ctx.Done():
		result.Failures = append(result.Failures, fmt.Sprintf("burst of %d did not complete within %s", tc.Concurrency, h.config.CaseTimeout))
		return result
	}

	first := decisions[0]
	for _, d := range decisions[1:] {
		if d.ProviderID != first.ProviderID {
			result.Failures = append(result.Failures, fmt.Sprintf("burst decisions disagree: %s vs %s", first.ProviderID, d.ProviderID))
			break
		}
	}

	result.ProviderID = first.ProviderID
	result.Latency = first.EstimatedLatency
	result.Cost = first.EstimatedCost
	result.measured = true
	result.Failures = append(result.Failures, checkExpectations(tc, first, candidates)...)
	result.Passed = len(result.Failures) == 0
	return result
}

func checkExpectations(tc GoldenTestCase, decision *types.RoutingDecision, candidates []types.Provider) []string {
	var failures []string

	if tc.ExpectedProvider != "" && decision.ProviderID != tc.ExpectedProvider {
		failures = append(failures, fmt.Sprintf("expected provider %s, got %s", tc.ExpectedProvider, decision.ProviderID))
	}
	if tc.MaxCost > 0 && decision.EstimatedCost > tc.MaxCost {
		failures = append(failures, fmt.Sprintf("estimated cost %.6f exceeds %.6f", decision.EstimatedCost, tc.MaxCost))
	}
	if tc.MaxLatency > 0 && decision.EstimatedLatency > tc.MaxLatency {
		failures = append(failures, fmt.Sprintf("estimated latency %s exceeds %s", decision.EstimatedLatency, tc.MaxLatency))
	}
	if tc.ExpectFactor != "" {
		if msg := checkFactor(tc, decision, candidates); msg != "" {
			failures = append(failures, msg)
		}
	}
	return failures
}

func checkFactor(tc GoldenTestCase, decision *types.RoutingDecision, candidates []types.Provider) string {
	factor, err := types.ParseFactor(tc.ExpectFactor)
	if err != nil {
		return err.Error()
	}

	var chosen, best float64
	found := false
	for _, p := range candidates {
		if !p.Active || !p.Credentialed {
			continue
		}
		score := p.Scores.Vector()[factor]
		if score > best {
			best = score
		}
		if p.ID == decision.ProviderID {
			chosen = score
			found = true
		}
	}
	if !found {
		return fmt.Sprintf("chosen provider %s is not an active candidate", decision.ProviderID)
	}

	required := math.Min(tc.MinFactorScore, best)
	if tc.MinFactorScore <= 0 {
		required = best
	}
	if chosen < required {
		return fmt.Sprintf("%s score %.2f of %s below required %.2f", factor, chosen, decision.ProviderID, required)
	}
	return ""
}

func (h *Harness) aggregate(report *Report) {
	var latencies []time.Duration
	for _, r := range report.Results {
		report.Total++
		if r.Passed {
			report.Passed++
		} else {
			report.Failed++
		}
		if r.measured {
			latencies = append(latencies, r.Latency)
			report.TotalCost += r.Cost
		}
	}

	if report.Total > 0 {
		report.PassRate = float64(report.Passed) / float64(report.Total) * 100
	}
	if len(latencies) > 0 {
		report.AverageCost = report.TotalCost / float64(len(latencies))
		sort.Slice(latencies, func(i, j int) bool { return latencies[i] < latencies[j] })
		report.LatencyP50 = percentile(latencies, 50)
		report.LatencyP95 = percentile(latencies, 95)
		report.LatencyP99 = percentile(latencies, 99)
	}
}

// percentile uses the nearest-rank method on sorted values
func percentile(sorted []time.Duration, p float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	rank := int(math.Ceil(p / 100 * float64(len(sorted))))
	if rank < 1 {
		rank = 1
	}
	if rank > len(sorted) {
		rank = len(sorted)
	}
	return sorted[rank-1]
}

func (h *Harness) compareBaseline(ctx context.Context, report *Report) {
	baseline, err := h.store.LoadBaseline(ctx)
	if err != nil {
		h.logger.WithError(err).Warn("Failed to load regression baseline")
		return
	}

	if baseline == nil {
		b := Baseline{
			RunID:       report.RunID,
			CreatedAt:   report.StartedAt,
			PassRate:    report.PassRate,
			LatencyP95:  report.LatencyP95,
			AverageCost: report.AverageCost,
		}
		if err := h.store.SaveBaseline(ctx, b); err != nil {
			h.logger.WithError(err).Warn("Failed to store regression baseline")
			return
		}
		report.Baseline = &b
		report.BaselineCreated = true
		h.logger.WithField("run_id", report.RunID).Info("Regression baseline stored")
		return
	}

	report.Baseline = baseline
	report.Regressions = Compare(*baseline, report, h.config)
	report.RegressionDetected = len(report.Regressions) > 0
}

// Compare lists every threshold a report breaches relative to baseline
func Compare(baseline Baseline, report *Report, config Config) []string {
	var regressions []string

	if drop := baseline.PassRate - report.PassRate; drop > config.PassRateDrop {
		regressions = append(regressions, fmt.Sprintf("pass rate dropped %.1f points (%.1f%% -> %.1f%%)", drop, baseline.PassRate, report.PassRate))
	}
	if baseline.LatencyP95 > 0 {
		limit := float64(baseline.LatencyP95) * (1 + config.LatencyIncrease)
		if float64(report.LatencyP95) > limit {
			regressions = append(regressions, fmt.Sprintf("p95 latency rose from %s to %s", baseline.LatencyP95, report.LatencyP95))
		}
	}
	if baseline.AverageCost > 0 {
		limit := baseline.AverageCost * (1 + config.CostIncrease)
		if report.AverageCost > limit {
			regressions = append(regressions, fmt.Sprintf("average cost rose from %.6f to %.6f", baseline.AverageCost, report.AverageCost))
		}
	}
	return regressions
}
