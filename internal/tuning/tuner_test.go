package tuning

import (
	"errors"
	"fmt"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tributary-ai/adaptive-router/internal/fuzzy"
	"github.com/tributary-ai/adaptive-router/internal/types"
)

func newTestTuner(t *testing.T, config Config) *Tuner {
	t.Helper()
	logger := logrus.New()
	logger.SetLevel(logrus.WarnLevel)
	engine := fuzzy.NewEngine(fuzzy.DefaultConfig(), logger)
	return NewTuner(config, engine, logger)
}

func provider(id string, cost, quality, speed, reliability float64) types.Provider {
	return types.Provider{
		ID:           id,
		Scores:       types.FactorScores{Cost: cost, Quality: quality, Speed: speed, Reliability: reliability},
		Models:       []string{"m"},
		Active:       true,
		Credentialed: true,
	}
}

func TestRecordActualPerformanceFillsMostRecent(t *testing.T) {
	tuner := newTestTuner(t, DefaultConfig())
	candidates := []types.Provider{provider("A", 9, 5, 5, 5)}

	for i := 0; i < 2; i++ {
		_, err := tuner.Route(&types.RoutingRequest{Content: "q"}, candidates)
		require.NoError(t, err)
	}

	require.NoError(t, tuner.RecordActualPerformance("A", 4))
	samples := tuner.Samples()
	require.Len(t, samples, 2)
	assert.Nil(t, samples[0].ActualScore)
	require.NotNil(t, samples[1].ActualScore)
	assert.Equal(t, 4.0, *samples[1].ActualScore)

	require.NoError(t, tuner.RecordActualPerformance("A", 20))
	samples = tuner.Samples()
	require.NotNil(t, samples[0].ActualScore)
	assert.Equal(t, 10.0, *samples[0].ActualScore, "scores are clamped to the scale")

	err := tuner.RecordActualPerformance("A", 5)
	assert.True(t, errors.Is(err, ErrNoPendingSample))

	err = tuner.RecordActualPerformance("missing", 5)
	assert.True(t, errors.Is(err, ErrNoPendingSample))
}

func TestRecordActualPerformanceRejectsNaN(t *testing.T) {
	tuner := newTestTuner(t, DefaultConfig())
	_, err := tuner.Route(&types.RoutingRequest{Content: "q"}, []types.Provider{provider("A", 5, 5, 5, 5)})
	require.NoError(t, err)

	assert.True(t, errors.Is(tuner.RecordActualPerformance("A", math.NaN()), ErrInvalidScore))
	assert.Equal(t, 0, tuner.Stats().LabeledSamples)
}

func TestSampleBufferIsBounded(t *testing.T) {
	config := DefaultConfig()
	config.BufferSize = 3
	tuner := newTestTuner(t, config)

	for i := 0; i < 5; i++ {
		p := provider(fmt.Sprintf("p%d", i), 5, 5, 5, 5)
		_, err := tuner.Route(&types.RoutingRequest{Content: "q"}, []types.Provider{p})
		require.NoError(t, err)
	}

	samples := tuner.Samples()
	require.Len(t, samples, 3)
	assert.Equal(t, "p2", samples[0].ProviderID)
	assert.Equal(t, "p4", samples[2].ProviderID)
	assert.Equal(t, 5, tuner.Stats().SamplesSinceLastTuning)
}

func TestTuningSkippedWhenErrorAcceptable(t *testing.T) {
	config := DefaultConfig()
	config.MinSamplesBeforeTuning = 4
	config.TuningInterval = 4
	tuner := newTestTuner(t, config)
	before := tuner.Engine().Parameters()

	candidates := []types.Provider{provider("A", 9, 5, 5, 5)}
	for i := 0; i < 4; i++ {
		d, err := tuner.Route(&types.RoutingRequest{Content: "q"}, candidates)
		require.NoError(t, err)
		require.NoError(t, tuner.RecordActualPerformance("A", d.Score))
	}

	stats := tuner.Stats()
	assert.Equal(t, 1, stats.SkippedTunings)
	assert.Equal(t, 0, stats.TotalTunings)
	assert.Equal(t, 0, stats.SamplesSinceLastTuning)
	assert.Equal(t, before, tuner.Engine().Parameters())
}

func TestTuningTriggerNeedsBothCounters(t *testing.T) {
	config := DefaultConfig()
	config.MinSamplesBeforeTuning = 10
	config.TuningInterval = 3
	config.AcceptableErrorThreshold = 0
	tuner := newTestTuner(t, config)

	candidates := []types.Provider{provider("A", 5, 5, 5, 5)}
	for i := 0; i < 5; i++ {
		_, err := tuner.Route(&types.RoutingRequest{Content: "q"}, candidates)
		require.NoError(t, err)
		require.NoError(t, tuner.RecordActualPerformance("A", 1))
	}

	stats := tuner.Stats()
	assert.Equal(t, 0, stats.TotalTunings)
	assert.Equal(t, 0, stats.SkippedTunings)
	assert.Equal(t, 5, stats.SamplesSinceLastTuning)
}

func TestTuningReducesError(t *testing.T) {
	config := DefaultConfig()
	config.MinSamplesBeforeTuning = 8
	config.TuningInterval = 8
	config.AcceptableErrorThreshold = 0.0001
	tuner := newTestTuner(t, config)
	before := tuner.Engine().Parameters()

	var snapshots []fuzzy.Snapshot
	tuner.OnTuned(func(s fuzzy.Snapshot) { snapshots = append(snapshots, s) })

	candidateSets := [][]types.Provider{
		{provider("A", 5, 5, 5, 5)},
		{provider("B", 4, 6, 5, 3)},
		{provider("C", 6, 4, 7, 5)},
		{provider("D", 5, 3, 4, 6)},
	}

	for i := 0; i < 8; i++ {
		set := candidateSets[i%len(candidateSets)]
		d, err := tuner.Route(&types.RoutingRequest{Content: "q"}, set)
		require.NoError(t, err)
		require.NoError(t, tuner.RecordActualPerformance(d.ProviderID, d.Score-0.5))
	}

	stats := tuner.Stats()
	require.Equal(t, 1, stats.TotalTunings)
	assert.Less(t, stats.CurrentMSE, 0.25)
	assert.Greater(t, stats.ImprovementRate, 0.0)
	assert.Equal(t, 0, stats.SamplesSinceLastTuning)
	assert.False(t, stats.LastTuning.IsZero())

	after := tuner.Engine().Parameters()
	assert.NotEqual(t, before, after)
	assert.NoError(t, after.Validate())

	require.Len(t, snapshots, 1)
	restored, err := snapshots[0].ParameterSet()
	require.NoError(t, err)
	assert.Equal(t, after, restored)
}

func TestTuneNeverIncreasesError(t *testing.T) {
	config := DefaultConfig()
	config.AcceptableErrorThreshold = 0
	config.LearningRate = 50
	tuner := newTestTuner(t, config)

	sets := [][]types.Provider{
		{provider("A", 5, 5, 5, 5)},
		{provider("B", 2, 9, 6, 4)},
	}
	targets := []float64{8, 2}
	for i := 0; i < 6; i++ {
		d, err := tuner.Route(&types.RoutingRequest{Content: "q"}, sets[i%2])
		require.NoError(t, err)
		require.NoError(t, tuner.RecordActualPerformance(d.ProviderID, targets[i%2]))
	}

	result, err := tuner.Tune()
	require.NoError(t, err)
	assert.False(t, result.Skipped)
	assert.LessOrEqual(t, result.MSEAfter, result.MSEBefore)
	assert.NoError(t, tuner.Engine().Parameters().Validate())
}

func TestTuneWithoutLabelsKeepsCounter(t *testing.T) {
	tuner := newTestTuner(t, DefaultConfig())
	_, err := tuner.Route(&types.RoutingRequest{Content: "q"}, []types.Provider{provider("A", 5, 5, 5, 5)})
	require.NoError(t, err)

	result, err := tuner.Tune()
	require.NoError(t, err)
	assert.True(t, result.Skipped)
	assert.Equal(t, 1, tuner.Stats().SamplesSinceLastTuning)
}

func TestExportImportParameters(t *testing.T) {
	tuner := newTestTuner(t, DefaultConfig())
	tuner.SetClock(func() time.Time { return time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC) })

	ps := fuzzy.DefaultParameterSet()
	ps[types.FactorSpeed][fuzzy.LevelMedium].Center = 6.5
	require.NoError(t, tuner.Engine().SetParameters(ps))

	snap := tuner.ExportParameters()
	assert.Equal(t, time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC), snap.CreatedAt)

	other := newTestTuner(t, DefaultConfig())
	require.NoError(t, other.ImportParameters(snap))
	assert.Equal(t, ps, other.Engine().Parameters())

	bad := snap
	bad.Parameters = append([]fuzzy.ParameterEntry(nil), snap.Parameters...)
	bad.Parameters[0].Width = -1
	err := other.ImportParameters(bad)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalidSnapshot))
	assert.True(t, errors.Is(err, fuzzy.ErrInvalidParameters))
	assert.Equal(t, ps, other.Engine().Parameters())
}

func TestConcurrentRouteAndFeedback(t *testing.T) {
	config := DefaultConfig()
	config.MinSamplesBeforeTuning = 20
	config.TuningInterval = 20
	config.AcceptableErrorThreshold = 0
	config.Async = true
	tuner := newTestTuner(t, config)

	candidates := []types.Provider{provider("A", 5, 5, 5, 5), provider("B", 6, 4, 5, 5)}

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 25; i++ {
				d, err := tuner.Route(&types.RoutingRequest{Content: "q"}, candidates)
				if err != nil {
					t.Error(err)
					return
				}
				_ = tuner.RecordActualPerformance(d.ProviderID, 5)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 200, tuner.Stats().TotalSamples)
	assert.NoError(t, tuner.Engine().Parameters().Validate())
}

func TestFaultedPassLeavesParametersUntouched(t *testing.T) {
	tuner := newTestTuner(t, DefaultConfig())
	before := tuner.Engine().Parameters()

	_, err := tuner.Route(&types.RoutingRequest{Content: "q"}, []types.Provider{provider("A", 5, 5, 5, 5)})
	require.NoError(t, err)

	// A stored label that slipped past validation poisons the error surface
	tuner.mu.Lock()
	tuner.samples[0].ActualScore = types.Float64(math.Inf(1))
	tuner.mu.Unlock()

	result, err := tuner.Tune()
	assert.Nil(t, result)
	assert.True(t, errors.Is(err, ErrTuningFault), "got %v", err)

	stats := tuner.Stats()
	assert.Equal(t, 1, stats.FailedTunings)
	assert.Equal(t, 0, stats.TotalTunings)
	assert.Equal(t, before, tuner.Engine().Parameters())
}

func TestPanicDuringPassIsRecovered(t *testing.T) {
	tuner := newTestTuner(t, DefaultConfig())
	before := tuner.Engine().Parameters()

	// An unlabeled sample makes the error evaluation dereference nil
	samples := []Sample{{ProviderID: "A", Weights: types.ResolveWeights(nil)}}

	var err error
	assert.NotPanics(t, func() {
		_, _, err = tuner.runPass(before, samples)
	})
	assert.True(t, errors.Is(err, ErrTuningFault), "got %v", err)
	assert.Equal(t, before, tuner.Engine().Parameters())
}
