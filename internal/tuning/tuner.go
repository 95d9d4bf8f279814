package tuning

import (
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/tributary-ai/adaptive-router/internal/fuzzy"
	"github.com/tributary-ai/adaptive-router/internal/types"
)

var (
	// ErrNoPendingSample means no unlabeled sample exists for the provider
	ErrNoPendingSample = errors.New("no pending tuning sample")

	// ErrInvalidSnapshot is returned when an imported snapshot fails validation
	ErrInvalidSnapshot = errors.New("invalid parameter snapshot")

	// ErrInvalidScore rejects non-finite feedback
	ErrInvalidScore = errors.New("invalid actual score")

	// ErrTuningInProgress means another pass currently holds the tuner
	ErrTuningInProgress = errors.New("tuning already in progress")

	// ErrTuningFault means a pass produced a non-finite error or panicked
	ErrTuningFault = errors.New("tuning pass failed")
)

// Config holds membership tuning configuration
type Config struct {
	BufferSize               int     `yaml:"buffer_size" validate:"gt=0"`
	MinSamplesBeforeTuning   int     `yaml:"min_samples_before_tuning" validate:"gt=0"`
	TuningInterval           int     `yaml:"tuning_interval" validate:"gt=0"`
	AcceptableErrorThreshold float64 `yaml:"acceptable_error_threshold" validate:"gte=0"`
	LearningRate             float64 `yaml:"learning_rate" validate:"gt=0"`
	Epsilon                  float64 `yaml:"epsilon" validate:"gt=0"`
	Iterations               int     `yaml:"iterations" validate:"gt=0"`

	// Async runs triggered passes on their own goroutine
	Async bool `yaml:"async"`
}

// DefaultConfig returns the tuner defaults
func DefaultConfig() Config {
	return Config{
		BufferSize:               1000,
		MinSamplesBeforeTuning:   100,
		TuningInterval:           50,
		AcceptableErrorThreshold: 0.25,
		LearningRate:             0.05,
		Epsilon:                  0.01,
		Iterations:               10,
	}
}

// Sample is one routing decision awaiting or holding outcome feedback.
// Scores are on the same 0-10 scale as the composite score.
type Sample struct {
	ProviderID     string             `json:"provider_id"`
	Inputs         types.FactorVector `json:"inputs"`
	Weights        types.FactorVector `json:"weights"`
	PredictedScore float64            `json:"predicted_score"`
	ActualScore    *float64           `json:"actual_score,omitempty"`
	Timestamp      time.Time          `json:"timestamp"`
}

// Stats reports tuning activity
type Stats struct {
	LastTuning             time.Time `json:"last_tuning"`
	TotalTunings           int       `json:"total_tunings"`
	SkippedTunings         int       `json:"skipped_tunings"`
	FailedTunings          int       `json:"failed_tunings"`
	CurrentMSE             float64   `json:"current_mse"`
	ImprovementRate        float64   `json:"improvement_rate"`
	SamplesSinceLastTuning int       `json:"samples_since_last_tuning"`
	TotalSamples           int       `json:"total_samples"`
	LabeledSamples         int       `json:"labeled_samples"`
}

// PassResult describes one tuning attempt
type PassResult struct {
	Skipped         bool    `json:"skipped"`
	Applied         bool    `json:"applied"`
	MSEBefore       float64 `json:"mse_before"`
	MSEAfter        float64 `json:"mse_after"`
	ImprovementRate float64 `json:"improvement_rate"`
	Samples         int     `json:"samples"`
}

// Tuner wraps a fuzzy engine, records one sample per decision and retunes
// the membership parameters from labeled feedback.
type Tuner struct {
	config Config
	engine *fuzzy.Engine
	logger *logrus.Logger
	now    func() time.Time

	mu      sync.Mutex
	samples []Sample
	stats   Stats
	onTuned func(fuzzy.Snapshot)

	// held for the duration of a pass
	running sync.Mutex
}

// NewTuner creates a tuner around engine
func NewTuner(config Config, engine *fuzzy.Engine, logger *logrus.Logger) *Tuner {
	if config.BufferSize <= 0 {
		config.BufferSize = DefaultConfig().BufferSize
	}
	if config.Iterations <= 0 {
		config.Iterations = DefaultConfig().Iterations
	}

	return &Tuner{
		config:  config,
		engine:  engine,
		logger:  logger,
		now:     time.Now,
		samples: make([]Sample, 0, config.BufferSize),
	}
}

// SetClock replaces the time source
func (t *Tuner) SetClock(now func() time.Time) {
	t.now = now
}

// OnTuned registers a callback invoked with the new snapshot after each applied pass
func (t *Tuner) OnTuned(fn func(fuzzy.Snapshot)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onTuned = fn
}

// Engine returns the wrapped engine
func (t *Tuner) Engine() *fuzzy.Engine {
	return t.engine
}

// Route scores the candidates and records a tuning sample for the winner
func (t *Tuner) Route(req *types.RoutingRequest, candidates []types.Provider) (*types.RoutingDecision, error) {
	decision, err := t.engine.Route(req, candidates)
	if err != nil {
		return nil, err
	}
	t.RecordSample(decision)
	return decision, nil
}

// RecordSample appends a sample for a decision, evicting the oldest when full
func (t *Tuner) RecordSample(decision *types.RoutingDecision) {
	sample := Sample{
		ProviderID:     decision.ProviderID,
		Inputs:         decision.Inputs,
		Weights:        decision.Weights,
		PredictedScore: decision.Score,
		Timestamp:      t.now(),
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if len(t.samples) >= t.config.BufferSize {
		drop := len(t.samples) - t.config.BufferSize + 1
		t.samples = append(t.samples[:0], t.samples[drop:]...)
	}
	t.samples = append(t.samples, sample)
	t.stats.SamplesSinceLastTuning++
}

// RecordActualPerformance labels the most recent unlabeled sample of a provider.
// The score is clamped into [0, 10]. A due retuning pass runs afterwards.
func (t *Tuner) RecordActualPerformance(providerID string, actualScore float64) error {
	if math.IsNaN(actualScore) || math.IsInf(actualScore, 0) {
		return ErrInvalidScore
	}
	actual := math.Max(fuzzy.ScaleMin, math.Min(fuzzy.ScaleMax, actualScore))

	t.mu.Lock()
	found := false
	for i := len(t.samples) - 1; i >= 0; i-- {
		if t.samples[i].ProviderID == providerID && t.samples[i].ActualScore == nil {
			t.samples[i].ActualScore = &actual
			found = true
			break
		}
	}
	due := t.dueLocked()
	t.mu.Unlock()

	if !found {
		return fmt.Errorf("%w for provider %s", ErrNoPendingSample, providerID)
	}

	if due {
		if t.config.Async {
			go t.tuneLogged()
		} else {
			t.tuneLogged()
		}
	}
	return nil
}

func (t *Tuner) dueLocked() bool {
	n := t.stats.SamplesSinceLastTuning
	return n >= t.config.MinSamplesBeforeTuning && n >= t.config.TuningInterval
}

func (t *Tuner) tuneLogged() {
	if _, err := t.Tune(); err != nil && !errors.Is(err, ErrTuningInProgress) {
		t.logger.WithError(err).Warn("Membership tuning pass discarded")
	}
}

// Tune runs one pass now regardless of the sample counters. The pass is skipped
// when the current MSE is already below the acceptable threshold, and its result
// is installed only when it does not increase the MSE.
func (t *Tuner) Tune() (*PassResult, error) {
	if !t.running.TryLock() {
		return nil, ErrTuningInProgress
	}
	defer t.running.Unlock()

	labeled := t.labeledSamples()
	if len(labeled) == 0 {
		t.logger.Debug("Tuning skipped: no labeled samples")
		return &PassResult{Skipped: true}, nil
	}

	base := t.engine.Parameters()
	before := meanSquaredError(&base, labeled)

	if before < t.config.AcceptableErrorThreshold {
		t.mu.Lock()
		t.stats.SkippedTunings++
		t.stats.CurrentMSE = before
		t.stats.SamplesSinceLastTuning = 0
		t.mu.Unlock()

		t.logger.WithFields(logrus.Fields{
			"mse":       before,
			"threshold": t.config.AcceptableErrorThreshold,
		}).Debug("Tuning skipped: error already acceptable")
		return &PassResult{Skipped: true, MSEBefore: before, MSEAfter: before, Samples: len(labeled)}, nil
	}

	next, after, err := t.runPass(base, labeled)
	if err != nil {
		t.mu.Lock()
		t.stats.FailedTunings++
		t.stats.SamplesSinceLastTuning = 0
		t.mu.Unlock()
		return nil, err
	}

	result := &PassResult{MSEBefore: before, MSEAfter: after, Samples: len(labeled)}
	if before > 0 {
		result.ImprovementRate = (before - after) / before * 100
	}

	swapped, err := t.engine.SwapParameters(base, next)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTuningFault, err)
	}
	if !swapped {
		t.logger.Warn("Parameters changed during tuning pass, discarding result")
		return result, nil
	}
	result.Applied = true

	t.mu.Lock()
	t.stats.LastTuning = t.now()
	t.stats.TotalTunings++
	t.stats.CurrentMSE = after
	t.stats.ImprovementRate = result.ImprovementRate
	t.stats.SamplesSinceLastTuning = 0
	onTuned := t.onTuned
	t.mu.Unlock()

	t.logger.WithFields(logrus.Fields{
		"mse_before":      before,
		"mse_after":       after,
		"improvement_pct": result.ImprovementRate,
		"samples":         len(labeled),
	}).Info("Membership parameters retuned")

	if onTuned != nil {
		onTuned(fuzzy.NewSnapshot(next, t.now(), after))
	}
	return result, nil
}

// runPass performs the gradient iterations on a private copy of the parameters.
// A panic or non-finite error aborts the pass without touching live state.
func (t *Tuner) runPass(base fuzzy.ParameterSet, labeled []Sample) (next fuzzy.ParameterSet, mse float64, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrTuningFault, r)
		}
	}()

	params := base
	current := meanSquaredError(&params, labeled)
	lr := t.config.LearningRate

	for iter := 0; iter < t.config.Iterations; iter++ {
		grad, err := gradient(&params, labeled, t.config.Epsilon)
		if err != nil {
			return base, 0, err
		}

		candidate := params
		for _, f := range types.AllFactors {
			for _, l := range fuzzy.AllLevels {
				candidate[f][l].Center -= lr * grad[f][l].center
				candidate[f][l].Width -= lr * grad[f][l].width
			}
		}
		candidate = candidate.Clamped()

		m := meanSquaredError(&candidate, labeled)
		if !finite(m) {
			return base, 0, fmt.Errorf("%w: non-finite error at iteration %d", ErrTuningFault, iter)
		}
		if m <= current {
			params = candidate
			current = m
		} else {
			lr /= 2
		}
	}

	return params, current, nil
}

// Stats returns a copy of the tuning statistics
func (t *Tuner) Stats() Stats {
	t.mu.Lock()
	defer t.mu.Unlock()

	stats := t.stats
	stats.TotalSamples = len(t.samples)
	for _, s := range t.samples {
		if s.ActualScore != nil {
			stats.LabeledSamples++
		}
	}
	return stats
}

// Samples returns a copy of the sample buffer, oldest first
func (t *Tuner) Samples() []Sample {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]Sample(nil), t.samples...)
}

func (t *Tuner) labeledSamples() []Sample {
	t.mu.Lock()
	defer t.mu.Unlock()

	labeled := make([]Sample, 0, len(t.samples))
	for _, s := range t.samples {
		if s.ActualScore != nil {
			labeled = append(labeled, s)
		}
	}
	return labeled
}

// ExportParameters serializes the live parameters
func (t *Tuner) ExportParameters() fuzzy.Snapshot {
	t.mu.Lock()
	mse := t.stats.CurrentMSE
	t.mu.Unlock()
	return fuzzy.NewSnapshot(t.engine.Parameters(), t.now(), mse)
}

// ImportParameters validates a snapshot and installs it
func (t *Tuner) ImportParameters(snapshot fuzzy.Snapshot) error {
	ps, err := snapshot.ParameterSet()
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidSnapshot, err)
	}
	if err := t.engine.SetParameters(ps); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidSnapshot, err)
	}

	t.mu.Lock()
	t.stats.CurrentMSE = snapshot.MSE
	t.mu.Unlock()

	t.logger.WithFields(logrus.Fields{
		"created_at": snapshot.CreatedAt,
		"mse":        snapshot.MSE,
	}).Info("Membership parameters imported")
	return nil
}
