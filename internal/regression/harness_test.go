package regression

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tributary-ai/adaptive-router/internal/fuzzy"
	"github.com/tributary-ai/adaptive-router/internal/types"
)

type failingStore struct{}

func (failingStore) LoadBaseline(context.Context) (*Baseline, error) {
	return nil, errors.New("database is locked")
}

func (failingStore) SaveBaseline(context.Context, Baseline) error {
	return errors.New("database is locked")
}

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	return logger
}

func testCatalog() []types.Provider {
	return []types.Provider{
		{
			ID:             "cheap",
			Scores:         types.FactorScores{Cost: 9, Quality: 5, Speed: 7, Reliability: 7},
			Models:         []string{"cheap-1"},
			Active:         true,
			Credentialed:   true,
			Pricing:        map[string]types.ModelPricing{"cheap-1": {InputPerMillion: 0.1, OutputPerMillion: 0.4}},
			AverageLatency: 800 * time.Millisecond,
		},
		{
			ID:             "premium",
			Scores:         types.FactorScores{Cost: 3, Quality: 9.5, Speed: 5, Reliability: 9},
			Models:         []string{"premium-1"},
			Active:         true,
			Credentialed:   true,
			Pricing:        map[string]types.ModelPricing{"premium-1": {InputPerMillion: 3, OutputPerMillion: 15}},
			AverageLatency: 2 * time.Second,
		},
		{
			ID:             "fast",
			Scores:         types.FactorScores{Cost: 6, Quality: 6, Speed: 9.5, Reliability: 8},
			Models:         []string{"fast-1"},
			Active:         true,
			Credentialed:   true,
			Pricing:        map[string]types.ModelPricing{"fast-1": {InputPerMillion: 0.5, OutputPerMillion: 1.5}},
			AverageLatency: 300 * time.Millisecond,
		},
	}
}

func newTestHarness(t *testing.T, pipeline Pipeline, store BaselineStore) *Harness {
	t.Helper()
	if pipeline == nil {
		engine := fuzzy.NewEngine(fuzzy.DefaultConfig(), testLogger())
		pipeline = PipelineFunc(engine.Route)
	}
	return NewHarness(DefaultConfig(), pipeline, store, testLogger())
}

func resultByName(t *testing.T, report *Report, name string) CaseResult {
	t.Helper()
	for _, r := range report.Results {
		if r.Name == name {
			return r
		}
	}
	t.Fatalf("no result for %s", name)
	return CaseResult{}
}

func TestDefaultCasesPassAndCreateBaseline(t *testing.T) {
	store := NewMemoryBaselineStore()
	harness := newTestHarness(t, nil, store)

	report, err := harness.Run(context.Background(), testCatalog())
	require.NoError(t, err)

	for _, r := range report.Results {
		assert.True(t, r.Passed, "%s failed: %v", r.Name, r.Failures)
	}
	assert.Equal(t, len(DefaultCases(2)), report.Total)
	assert.Equal(t, 100.0, report.PassRate)
	assert.True(t, report.BaselineCreated)
	assert.False(t, report.RegressionDetected)
	assert.NotEmpty(t, report.RunID)

	assert.Equal(t, "cheap", resultByName(t, report, "simple-query-cost").ProviderID)
	assert.Equal(t, "premium", resultByName(t, report, "complex-analysis-quality").ProviderID)
	assert.Equal(t, "fast", resultByName(t, report, "autocomplete-speed").ProviderID)
	assert.Equal(t, "cheap", resultByName(t, report, "pure-cost").ProviderID)
	assert.NotEmpty(t, resultByName(t, report, "empty-provider-set").Error)

	baseline, err := store.LoadBaseline(context.Background())
	require.NoError(t, err)
	require.NotNil(t, baseline)
	assert.Equal(t, report.RunID, baseline.RunID)
	assert.Equal(t, report.LatencyP95, baseline.LatencyP95)
	assert.Greater(t, report.AverageCost, 0.0)
}

func TestSecondRunComparesAgainstBaseline(t *testing.T) {
	harness := newTestHarness(t, nil, nil)
	ctx := context.Background()

	first, err := harness.Run(ctx, testCatalog())
	require.NoError(t, err)
	second, err := harness.Run(ctx, testCatalog())
	require.NoError(t, err)

	assert.True(t, first.BaselineCreated)
	assert.False(t, second.BaselineCreated)
	require.NotNil(t, second.Baseline)
	assert.Equal(t, first.RunID, second.Baseline.RunID)
	assert.False(t, second.RegressionDetected)
	assert.Empty(t, second.Regressions)
}

func TestBrokenPipelineIsFlaggedAsRegression(t *testing.T) {
	store := NewMemoryBaselineStore()
	_, err := newTestHarness(t, nil, store).Run(context.Background(), testCatalog())
	require.NoError(t, err)

	broken := PipelineFunc(func(*types.RoutingRequest, []types.Provider) (*types.RoutingDecision, error) {
		return nil, errors.New("scoring unavailable")
	})
	report, err := newTestHarness(t, broken, store).Run(context.Background(), testCatalog())
	require.NoError(t, err)

	// Only the case that expects an error still passes
	assert.Equal(t, 1, report.Passed)
	assert.True(t, report.RegressionDetected)
	require.NotEmpty(t, report.Regressions)
	assert.Contains(t, report.Regressions[0], "pass rate dropped")
}

func TestCompareThresholds(t *testing.T) {
	baseline := Baseline{PassRate: 100, LatencyP95: time.Second, AverageCost: 0.01}
	config := DefaultConfig()

	tests := []struct {
		name     string
		report   Report
		expected int
	}{
		{"unchanged", Report{PassRate: 100, LatencyP95: time.Second, AverageCost: 0.01}, 0},
		{"pass rate within tolerance", Report{PassRate: 95, LatencyP95: time.Second, AverageCost: 0.01}, 0},
		{"pass rate drop", Report{PassRate: 94, LatencyP95: time.Second, AverageCost: 0.01}, 1},
		{"latency within tolerance", Report{PassRate: 100, LatencyP95: 1150 * time.Millisecond, AverageCost: 0.01}, 0},
		{"latency rise", Report{PassRate: 100, LatencyP95: 1250 * time.Millisecond, AverageCost: 0.01}, 1},
		{"cost within tolerance", Report{PassRate: 100, LatencyP95: time.Second, AverageCost: 0.0105}, 0},
		{"cost rise", Report{PassRate: 100, LatencyP95: time.Second, AverageCost: 0.0112}, 1},
		{"everything worse", Report{PassRate: 50, LatencyP95: 2 * time.Second, AverageCost: 0.02}, 3},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			report := tt.report
			assert.Len(t, Compare(baseline, &report, config), tt.expected)
		})
	}
}

func TestPercentileNearestRank(t *testing.T) {
	var values []time.Duration
	for i := 1; i <= 100; i++ {
		values = append(values, time.Duration(i)*time.Millisecond)
	}
	assert.Equal(t, 50*time.Millisecond, percentile(values, 50))
	assert.Equal(t, 95*time.Millisecond, percentile(values, 95))
	assert.Equal(t, 99*time.Millisecond, percentile(values, 99))

	single := []time.Duration{7 * time.Millisecond}
	assert.Equal(t, 7*time.Millisecond, percentile(single, 99))
	assert.Zero(t, percentile(nil, 50))
}

func TestAddTestCase(t *testing.T) {
	harness := newTestHarness(t, nil, nil)

	assert.Error(t, harness.AddTestCase(GoldenTestCase{}))
	assert.Error(t, harness.AddTestCase(GoldenTestCase{Name: "pure-cost"}))
	assert.Error(t, harness.AddTestCase(GoldenTestCase{Name: "bad-factor", ExpectFactor: "mood"}))

	require.NoError(t, harness.AddTestCase(GoldenTestCase{
		Name:             "pinned-to-premium",
		Request:          types.RoutingRequest{Content: "hello"},
		ExpectedProvider: "premium",
		MaxCost:          0.000001,
	}))
	assert.Len(t, harness.Cases(), len(DefaultCases(2))+1)

	report, err := harness.Run(context.Background(), testCatalog())
	require.NoError(t, err)

	result := resultByName(t, report, "pinned-to-premium")
	assert.False(t, result.Passed)
	assert.Equal(t, CategoryRegression, result.Category)
	require.Len(t, result.Failures, 2)
	assert.Contains(t, result.Failures[0], "expected provider premium")
	assert.Contains(t, result.Failures[1], "estimated cost")
	assert.Equal(t, 1, report.Failed)
}

func TestFactorExpectationUsesBestAvailable(t *testing.T) {
	harness := newTestHarness(t, nil, nil)

	// Nobody reaches 8 on cost, so the cheapest available is good enough
	candidates := []types.Provider{
		{ID: "a", Scores: types.FactorScores{Cost: 6, Quality: 5, Speed: 5, Reliability: 5}, Models: []string{"m"}, Active: true, Credentialed: true},
		{ID: "b", Scores: types.FactorScores{Cost: 4, Quality: 5, Speed: 5, Reliability: 5}, Models: []string{"m"}, Active: true, Credentialed: true},
	}
	require.NoError(t, harness.AddTestCase(GoldenTestCase{
		Name:           "limited-catalog-cost",
		Request:        types.RoutingRequest{Content: "x", Weights: weights(1, 0, 0, 0)},
		Candidates:     candidates,
		ExpectFactor:   "cost",
		MinFactorScore: 8,
	}))

	report, err := harness.Run(context.Background(), testCatalog())
	require.NoError(t, err)
	result := resultByName(t, report, "limited-catalog-cost")
	assert.True(t, result.Passed, "%v", result.Failures)
	assert.Equal(t, "a", result.ProviderID)
}

func TestBurstMustFinishWithinTimeout(t *testing.T) {
	release := make(chan struct{})
	defer close(release)

	engine := fuzzy.NewEngine(fuzzy.DefaultConfig(), testLogger())
	slow := PipelineFunc(func(req *types.RoutingRequest, candidates []types.Provider) (*types.RoutingDecision, error) {
		if req.Content == "burst request" {
			<-release
		}
		return engine.Route(req, candidates)
	})

	config := DefaultConfig()
	config.BurstSize = 4
	config.CaseTimeout = 20 * time.Millisecond
	harness := NewHarness(config, slow, nil, testLogger())

	report, err := harness.Run(context.Background(), testCatalog())
	require.NoError(t, err)

	result := resultByName(t, report, "concurrent-burst")
	assert.False(t, result.Passed)
	require.NotEmpty(t, result.Failures)
	assert.Contains(t, result.Failures[0], "did not complete")
}

func TestBaselineStoreFailureDoesNotFailRun(t *testing.T) {
	report, err := newTestHarness(t, nil, failingStore{}).Run(context.Background(), testCatalog())
	require.NoError(t, err)
	assert.False(t, report.BaselineCreated)
	assert.Nil(t, report.Baseline)
	assert.False(t, report.RegressionDetected)
}

func TestCancelledRun(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := newTestHarness(t, nil, nil).Run(ctx, testCatalog())
	assert.ErrorIs(t, err, context.Canceled)
}

func TestLoadCases(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cases.yaml")
	content := `
cases:
  - name: translation-cost
    request:
      content: "Translate 'good morning' to Spanish"
      max_tokens: 20
      weights:
        cost: 0.9
        quality: 0.1
    expect_factor: cost
    max_latency: 2s
  - name: pinned
    category: quality_sensitive
    request:
      content: "Write a sonnet"
    expected_provider: premium
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cases, err := LoadCases(path)
	require.NoError(t, err)
	require.Len(t, cases, 2)

	assert.Equal(t, CategoryRegression, cases[0].Category)
	assert.Equal(t, 2*time.Second, cases[0].MaxLatency)
	require.NotNil(t, cases[0].Request.Weights)
	assert.Equal(t, 0.9, *cases[0].Request.Weights.Cost)
	assert.Nil(t, cases[0].Request.Weights.Speed)
	assert.Equal(t, CategoryQuality, cases[1].Category)

	bad := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("cases:\n  - request:\n      content: x\n"), 0o644))
	_, err = LoadCases(bad)
	assert.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "name is required"))
}
