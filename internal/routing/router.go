package routing

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/tributary-ai/adaptive-router/internal/fuzzy"
	"github.com/tributary-ai/adaptive-router/internal/healthcache"
	"github.com/tributary-ai/adaptive-router/internal/momentum"
	"github.com/tributary-ai/adaptive-router/internal/regression"
	"github.com/tributary-ai/adaptive-router/internal/resilience"
	"github.com/tributary-ai/adaptive-router/internal/tuning"
	"github.com/tributary-ai/adaptive-router/internal/types"
)

// Config holds routing pipeline switches
type Config struct {
	// MomentumEnabled scales candidate scores by their RSI multiplier before scoring
	MomentumEnabled bool `yaml:"momentum_enabled"`

	// HealthFilterEnabled drops providers under the cache's minimum health
	HealthFilterEnabled bool `yaml:"health_filter_enabled"`

	// SnapshotTimeout bounds persistence calls made after a tuning pass
	SnapshotTimeout time.Duration `yaml:"snapshot_timeout" validate:"gt=0"`
}

// DefaultConfig returns the routing defaults
func DefaultConfig() Config {
	return Config{
		MomentumEnabled:     true,
		HealthFilterEnabled: true,
		SnapshotTimeout:     5 * time.Second,
	}
}

// Settings gathers the configuration of every pipeline component
type Settings struct {
	Routing    Config
	Fuzzy      fuzzy.Config
	Tuning     tuning.Config
	Momentum   momentum.Config
	Resilience resilience.Config
	Cache      healthcache.Config
	Regression regression.Config
}

// DefaultSettings returns the defaults of every component
func DefaultSettings() Settings {
	return Settings{
		Routing:    DefaultConfig(),
		Fuzzy:      fuzzy.DefaultConfig(),
		Tuning:     tuning.DefaultConfig(),
		Momentum:   momentum.DefaultConfig(),
		Resilience: resilience.DefaultConfig(),
		Cache:      healthcache.DefaultConfig(),
		Regression: regression.DefaultConfig(),
	}
}

// SnapshotStore persists tuned parameter sets.
// LatestSnapshot returns nil without error when nothing has been saved.
type SnapshotStore interface {
	SaveSnapshot(ctx context.Context, snapshot fuzzy.Snapshot) (string, error)
	LatestSnapshot(ctx context.Context) (*fuzzy.Snapshot, error)
}

// Option customizes a Router
type Option func(*options)

type options struct {
	snapshots  SnapshotStore
	baselines  regression.BaselineStore
	backend    healthcache.Backend
	resilience []resilience.Option
	now        func() time.Time
}

// WithSnapshotStore persists every applied tuning pass and enables WarmStart
func WithSnapshotStore(store SnapshotStore) Option {
	return func(o *options) { o.snapshots = store }
}

// WithBaselineStore keeps the regression baseline outside the process
func WithBaselineStore(store regression.BaselineStore) Option {
	return func(o *options) { o.baselines = store }
}

// WithCacheBackend replaces the in-memory result cache
func WithCacheBackend(backend healthcache.Backend) Option {
	return func(o *options) { o.backend = backend }
}

// WithResilienceOptions passes options through to the resilience wrapper
func WithResilienceOptions(opts ...resilience.Option) Option {
	return func(o *options) { o.resilience = append(o.resilience, opts...) }
}

// WithClock replaces the time source of the router and its components
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// Stats is the combined observability snapshot of the pipeline
type Stats struct {
	Decisions     int64             `json:"decisions"`
	Executions    int64             `json:"executions"`
	FallbacksUsed int64             `json:"fallbacks_used"`
	CacheHits     int64             `json:"cache_hits"`
	Failures      int64             `json:"failures"`
	Resilience    resilience.Stats  `json:"resilience"`
	Cache         healthcache.Stats `json:"cache"`
	Tuning        tuning.Stats      `json:"tuning"`
}

// Router wires the scoring engine, tuner, momentum adjuster, resilience
// wrapper, health cache and regression harness into one routing surface
type Router struct {
	config     Config
	engine     *fuzzy.Engine
	tuner      *tuning.Tuner
	momentum   *momentum.Adjuster
	resilience *resilience.Wrapper
	cache      *healthcache.Cache
	harness    *regression.Harness
	snapshots  SnapshotStore
	logger     *logrus.Logger
	now        func() time.Time

	decisions  atomic.Int64
	executions atomic.Int64
	fallbacks  atomic.Int64
	cacheHits  atomic.Int64
	failures   atomic.Int64
}

// NewRouter builds the full pipeline from settings
func NewRouter(settings Settings, logger *logrus.Logger, opts ...Option) *Router {
	o := options{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}

	engine := fuzzy.NewEngine(settings.Fuzzy, logger)
	tuner := tuning.NewTuner(settings.Tuning, engine, logger)
	tuner.SetClock(o.now)
	adjuster := momentum.NewAdjuster(settings.Momentum, logger)
	adjuster.SetClock(o.now)

	r := &Router{
		config:     settings.Routing,
		engine:     engine,
		tuner:      tuner,
		momentum:   adjuster,
		resilience: resilience.NewWrapper(settings.Resilience, logger, append([]resilience.Option{resilience.WithClock(o.now)}, o.resilience...)...),
		cache:      healthcache.NewCache(settings.Cache, o.backend, logger),
		snapshots:  o.snapshots,
		logger:     logger,
		now:        o.now,
	}
	if r.config.SnapshotTimeout <= 0 {
		r.config.SnapshotTimeout = DefaultConfig().SnapshotTimeout
	}

	r.harness = regression.NewHarness(settings.Regression, regression.PipelineFunc(r.Decide), o.baselines, logger)
	r.harness.SetClock(o.now)

	if r.snapshots != nil {
		tuner.OnTuned(r.persistSnapshot)
	}
	return r
}

// Engine exposes the scoring engine
func (r *Router) Engine() *fuzzy.Engine {
	return r.engine
}

// Route picks a provider for req and records a tuning sample for the decision
func (r *Router) Route(req *types.RoutingRequest, candidates []types.Provider) (*types.RoutingDecision, error) {
	prepared, adjusted := r.prepare(req, candidates)
	decision, err := r.tuner.Route(prepared, adjusted)
	if err != nil {
		r.logger.WithError(err).WithField("candidates", len(candidates)).Warn("Routing failed")
		return nil, err
	}
	r.decisions.Add(1)

	r.logger.WithFields(logrus.Fields{
		"request_id":     prepared.ID,
		"provider":       decision.ProviderID,
		"model":          decision.Model,
		"score":          decision.Score,
		"estimated_cost": decision.EstimatedCost,
		"fallbacks":      len(decision.FallbackChain),
	}).Info("Request routed")

	return decision, nil
}

// Execute routes req and runs exec on the chosen provider through the
// resilience wrapper. When the primary fails, the decision's fallback chain is
// tried in health order. Every outcome is fed back into momentum and health.
func (r *Router) Execute(ctx context.Context, req *types.RoutingRequest, candidates []types.Provider, exec types.ExecuteFunc) (*types.ExecutionResult, *types.RoutingDecision, error) {
	decision, err := r.Route(req, candidates)
	if err != nil {
		return nil, nil, err
	}
	r.executions.Add(1)

	byID := make(map[string]types.Provider, len(candidates))
	for _, p := range candidates {
		if _, ok := byID[p.ID]; !ok {
			byID[p.ID] = p
		}
	}

	chain := append([]string{decision.ProviderID}, r.cache.Rank(decision.FallbackChain)...)
	if len(chain) > 1 {
		r.logger.WithFields(logrus.Fields{
			"provider":       decision.ProviderID,
			"fallback_chain": chain[1:],
		}).Debug("Execution chain prepared")
	}

	var lastErr error
	for i, id := range chain {
		if err := ctx.Err(); err != nil {
			return nil, decision, fmt.Errorf("execution cancelled: %w", err)
		}

		model := decision.Model
		if i > 0 {
			m, ok := r.engine.ResolveModel(req, byID[id])
			if !ok {
				continue
			}
			model = m
			r.logger.WithFields(logrus.Fields{
				"original_provider": decision.ProviderID,
				"fallback_provider": id,
				"attempt":           i + 1,
			}).Info("Attempting fallback provider")
		}

		target := types.Target{ProviderID: id, Model: model, Request: *req}
		result, err := r.executeTarget(ctx, target, exec)
		if err == nil {
			result.FallbackUsed = i > 0
			if result.FallbackUsed {
				r.fallbacks.Add(1)
			}
			return result, decision, nil
		}

		lastErr = err
		if errors.Is(err, context.Canceled) && ctx.Err() != nil {
			return nil, decision, err
		}
	}

	r.failures.Add(1)
	r.logger.WithError(lastErr).WithField("providers_tried", len(chain)).Error("All providers failed")
	return nil, decision, fmt.Errorf("%w: %w", healthcache.ErrAllProvidersFailed, lastErr)
}

func (r *Router) executeTarget(ctx context.Context, target types.Target, exec types.ExecuteFunc) (*types.ExecutionResult, error) {
	if cached, ok := r.cache.Lookup(ctx, target); ok {
		r.cacheHits.Add(1)
		return cached, nil
	}

	start := r.now()
	var result *types.ExecutionResult
	err := r.resilience.ExecuteWithRetry(ctx, "provider:"+target.ProviderID, func(ctx context.Context) error {
		res, err := exec(ctx, target)
		if err != nil {
			return err
		}
		if res == nil {
			return &resilience.TransientError{Err: errors.New("execution returned no result")}
		}
		result = res
		return nil
	})
	elapsed := r.now().Sub(start)

	if err != nil {
		r.RecordPerformance(types.PerformanceRecord{
			Timestamp:  r.now(),
			ProviderID: target.ProviderID,
			Success:    false,
			Latency:    elapsed,
		})
		r.logger.WithError(err).WithField("provider", target.ProviderID).Warn("Provider execution failed")
		return nil, err
	}

	if result.ProviderID == "" {
		result.ProviderID = target.ProviderID
	}
	if result.Model == "" {
		result.Model = target.Model
	}
	latency := result.Latency
	if latency <= 0 {
		latency = elapsed
		result.Latency = elapsed
	}

	r.RecordPerformance(types.PerformanceRecord{
		Timestamp:  r.now(),
		ProviderID: target.ProviderID,
		Success:    true,
		Latency:    latency,
		Cost:       result.Cost,
		Quality:    result.Quality,
	})
	r.cache.Store(ctx, target, result)
	return result, nil
}

// RecordPerformance feeds an observed outcome into momentum and health
func (r *Router) RecordPerformance(record types.PerformanceRecord) {
	if record.Timestamp.IsZero() {
		record.Timestamp = r.now()
	}
	r.momentum.Record(record)
	if record.Success {
		r.cache.RecordSuccess(record.ProviderID)
	} else {
		r.cache.RecordFailure(record.ProviderID)
	}
}

// RecordActualPerformance labels the most recent pending decision for a provider
func (r *Router) RecordActualPerformance(providerID string, actualScore float64) error {
	return r.tuner.RecordActualPerformance(providerID, actualScore)
}

// Stats returns counters of every component
func (r *Router) Stats() Stats {
	return Stats{
		Decisions:     r.decisions.Load(),
		Executions:    r.executions.Load(),
		FallbacksUsed: r.fallbacks.Load(),
		CacheHits:     r.cacheHits.Load(),
		Failures:      r.failures.Load(),
		Resilience:    r.resilience.Stats(),
		Cache:         r.cache.Stats(),
		Tuning:        r.tuner.Stats(),
	}
}

// TuningStats returns the membership tuner statistics
func (r *Router) TuningStats() tuning.Stats {
	return r.tuner.Stats()
}

// Tune runs a tuning pass immediately
func (r *Router) Tune() (*tuning.PassResult, error) {
	return r.tuner.Tune()
}

// AllRSIMetrics returns momentum readings for every tracked provider
func (r *Router) AllRSIMetrics() map[string]momentum.Metrics {
	return r.momentum.AllMetrics()
}

// ExportParameters snapshots the current membership parameters
func (r *Router) ExportParameters() fuzzy.Snapshot {
	return r.tuner.ExportParameters()
}

// ImportParameters validates and installs a snapshot
func (r *Router) ImportParameters(snapshot fuzzy.Snapshot) error {
	return r.tuner.ImportParameters(snapshot)
}

// WarmStart installs the latest persisted snapshot, if any
func (r *Router) WarmStart(ctx context.Context) (bool, error) {
	if r.snapshots == nil {
		return false, nil
	}
	snapshot, err := r.snapshots.LatestSnapshot(ctx)
	if err != nil {
		return false, fmt.Errorf("failed to load parameter snapshot: %w", err)
	}
	if snapshot == nil {
		return false, nil
	}
	if err := r.tuner.ImportParameters(*snapshot); err != nil {
		return false, err
	}
	return true, nil
}

// SaveParameters persists the current parameters and returns the snapshot id
func (r *Router) SaveParameters(ctx context.Context) (string, error) {
	if r.snapshots == nil {
		return "", errors.New("no snapshot store configured")
	}
	return r.snapshots.SaveSnapshot(ctx, r.tuner.ExportParameters())
}

// Persistent reports whether a snapshot store is configured
func (r *Router) Persistent() bool {
	return r.snapshots != nil
}

func (r *Router) persistSnapshot(snapshot fuzzy.Snapshot) {
	ctx, cancel := context.WithTimeout(context.Background(), r.config.SnapshotTimeout)
	defer cancel()

	id, err := r.snapshots.SaveSnapshot(ctx, snapshot)
	if err != nil {
		r.logger.WithError(err).Warn("Failed to persist tuned parameters")
		return
	}
	r.logger.WithFields(logrus.Fields{
		"snapshot_id": id,
		"mse":         snapshot.MSE,
	}).Info("Tuned parameters persisted")
}

// RunRegressionTests runs the golden set against candidates
func (r *Router) RunRegressionTests(ctx context.Context, candidates []types.Provider) (*regression.Report, error) {
	return r.harness.Run(ctx, candidates)
}

// AddTestCase extends the golden set
func (r *Router) AddTestCase(tc regression.GoldenTestCase) error {
	return r.harness.AddTestCase(tc)
}

// ResetCircuitBreaker closes the circuit of an operation. Provider circuits
// are named "provider:<id>".
func (r *Router) ResetCircuitBreaker(name string) bool {
	return r.resilience.ResetCircuitBreaker(name)
}
