package momentum

import (
	"math"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/tributary-ai/adaptive-router/internal/types"
)

// Config holds momentum adjustment configuration
type Config struct {
	HistorySize      int   `yaml:"history_size" validate:"gt=0,lte=1000"`
	MinRecords       int   `yaml:"min_records" validate:"gt=0"`
	ShortWindow      int   `yaml:"short_window" validate:"gt=0"`
	MediumWindow     int   `yaml:"medium_window" validate:"gt=0"`
	LongWindow       int   `yaml:"long_window" validate:"gt=0"`
	CandidateWindows []int `yaml:"candidate_windows" validate:"min=1,dive,gt=0"`
	DefaultWindow    int   `yaml:"default_window" validate:"gt=0"`

	// ReoptimizeInterval bounds how often the optimal window is back-tested
	ReoptimizeInterval time.Duration `yaml:"reoptimize_interval" validate:"gt=0"`

	VolatilityThreshold float64 `yaml:"volatility_threshold" validate:"gte=0"`
	OversoldThreshold   float64 `yaml:"oversold_threshold" validate:"gte=0,lte=100"`
	OverboughtThreshold float64 `yaml:"overbought_threshold" validate:"gte=0,lte=100"`
	DivergenceThreshold float64 `yaml:"divergence_threshold" validate:"gte=0"`

	// BaselineScore seeds the rolling baseline while a provider's history is
	// too short to supply one. A record must beat the baseline by more than
	// NeutralBand to count as a gain.
	BaselineScore float64 `yaml:"baseline_score" validate:"gte=0,lte=100"`
	NeutralBand   float64 `yaml:"neutral_band" validate:"gte=0"`

	// Normalization caps for the performance score
	MaxLatency     time.Duration `yaml:"max_latency" validate:"gt=0"`
	MaxCost        float64       `yaml:"max_cost" validate:"gt=0"`
	DefaultQuality float64       `yaml:"default_quality" validate:"gte=0,lte=100"`
}

// DefaultConfig returns the momentum defaults
func DefaultConfig() Config {
	return Config{
		HistorySize:         100,
		MinRecords:          5,
		ShortWindow:         5,
		MediumWindow:        10,
		LongWindow:          20,
		CandidateWindows:    []int{5, 10, 15, 20, 30},
		DefaultWindow:       10,
		ReoptimizeInterval:  time.Hour,
		VolatilityThreshold: 0.15,
		OversoldThreshold:   30,
		OverboughtThreshold: 70,
		DivergenceThreshold: 10,
		BaselineScore:       76,
		NeutralBand:         10,
		MaxLatency:          10 * time.Second,
		MaxCost:             0.05,
		DefaultQuality:      80,
	}
}

// Metrics is the momentum reading of one provider
type Metrics struct {
	ProviderID    string     `json:"provider_id"`
	ShortRSI      float64    `json:"short_rsi"`
	MediumRSI     float64    `json:"medium_rsi"`
	LongRSI       float64    `json:"long_rsi"`
	OptimalWindow int        `json:"optimal_window"`
	OptimalRSI    float64    `json:"optimal_rsi"`
	CombinedRSI   float64    `json:"combined_rsi"`
	Volatility    float64    `json:"volatility"`
	Signal        Signal     `json:"signal"`
	Divergence    Divergence `json:"divergence"`
	Multiplier    float64    `json:"multiplier"`
	Records       int        `json:"records"`
	LastRecord    time.Time  `json:"last_record,omitempty"`
}

type history struct {
	mu            sync.Mutex
	scores        []float64
	lastRecord    time.Time
	optimalWindow int
	limiter       *rate.Limiter
	optimizations int
}

// Adjuster tracks per-provider performance momentum and scales factor scores
// before they reach the scoring engine.
type Adjuster struct {
	config Config
	logger *logrus.Logger
	now    func() time.Time

	// back-tests need at least the smallest candidate window plus one record
	minOptimizeRecords int

	mu        sync.RWMutex
	providers map[string]*history
}

// NewAdjuster creates a momentum adjuster
func NewAdjuster(config Config, logger *logrus.Logger) *Adjuster {
	if config.HistorySize <= 0 {
		config.HistorySize = DefaultConfig().HistorySize
	}
	if len(config.CandidateWindows) == 0 {
		config.CandidateWindows = DefaultConfig().CandidateWindows
	}
	if config.ReoptimizeInterval <= 0 {
		config.ReoptimizeInterval = time.Hour
	}

	smallest := config.CandidateWindows[0]
	for _, w := range config.CandidateWindows[1:] {
		if w < smallest {
			smallest = w
		}
	}

	return &Adjuster{
		config:             config,
		logger:             logger,
		now:                time.Now,
		minOptimizeRecords: smallest + 1,
		providers:          make(map[string]*history),
	}
}

// SetClock replaces the time source
func (a *Adjuster) SetClock(now func() time.Time) {
	a.now = now
}

// PerformanceScore blends one record into a 0-100 score:
// success 40%, speed 20%, cost efficiency 20%, quality 20%.
func (a *Adjuster) PerformanceScore(record types.PerformanceRecord) float64 {
	success := 0.0
	if record.Success {
		success = 100
	}
	latency := math.Min(float64(record.Latency)/float64(a.config.MaxLatency), 1) * 100
	cost := math.Min(math.Max(record.Cost, 0)/a.config.MaxCost, 1) * 100
	quality := a.config.DefaultQuality
	if record.Quality != nil {
		quality = math.Max(0, math.Min(100, *record.Quality))
	}
	return success*0.4 + (100-latency)*0.2 + (100-cost)*0.2 + quality*0.2
}

func (a *Adjuster) history(providerID string, create bool) *history {
	a.mu.RLock()
	h, ok := a.providers[providerID]
	a.mu.RUnlock()
	if ok || !create {
		return h
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if h, ok = a.providers[providerID]; ok {
		return h
	}
	h = &history{
		scores:        make([]float64, 0, a.config.HistorySize),
		optimalWindow: a.config.DefaultWindow,
		limiter:       rate.NewLimiter(rate.Every(a.config.ReoptimizeInterval), 1),
	}
	a.providers[providerID] = h
	return h
}

// Record appends a performance record to the provider's bounded history
func (a *Adjuster) Record(record types.PerformanceRecord) {
	if record.Timestamp.IsZero() {
		record.Timestamp = a.now()
	}
	score := a.PerformanceScore(record)

	h := a.history(record.ProviderID, true)
	h.mu.Lock()
	defer h.mu.Unlock()

	if len(h.scores) >= a.config.HistorySize {
		drop := len(h.scores) - a.config.HistorySize + 1
		h.scores = append(h.scores[:0], h.scores[drop:]...)
	}
	h.scores = append(h.scores, score)
	h.lastRecord = record.Timestamp
}

// Metrics returns the momentum reading for a provider. Unknown providers
// read as neutral.
func (a *Adjuster) Metrics(providerID string) Metrics {
	h := a.history(providerID, false)
	if h == nil {
		return Metrics{
			ProviderID:    providerID,
			ShortRSI:      neutralRSI,
			MediumRSI:     neutralRSI,
			LongRSI:       neutralRSI,
			OptimalWindow: a.config.DefaultWindow,
			OptimalRSI:    neutralRSI,
			CombinedRSI:   neutralRSI,
			Signal:        SignalNeutral,
			Divergence:    DivergenceNone,
			Multiplier:    MultiplierNeutral,
		}
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if len(h.scores) >= a.minOptimizeRecords && h.limiter.AllowN(a.now(), 1) {
		h.optimalWindow = a.optimizeWindow(providerID, h.scores)
		h.optimizations++
	}

	c := a.config
	m := Metrics{
		ProviderID:    providerID,
		ShortRSI:      rsi(h.scores, c.ShortWindow, c.MinRecords, c.BaselineScore, c.NeutralBand),
		MediumRSI:     rsi(h.scores, c.MediumWindow, c.MinRecords, c.BaselineScore, c.NeutralBand),
		LongRSI:       rsi(h.scores, c.LongWindow, c.MinRecords, c.BaselineScore, c.NeutralBand),
		OptimalWindow: h.optimalWindow,
		OptimalRSI:    rsi(h.scores, h.optimalWindow, c.MinRecords, c.BaselineScore, c.NeutralBand),
		Volatility:    stddev(h.scores, c.LongWindow) / 100,
		Records:       len(h.scores),
		LastRecord:    h.lastRecord,
	}

	if m.Volatility > c.VolatilityThreshold {
		m.CombinedRSI = m.ShortRSI*0.5 + m.MediumRSI*0.3 + m.LongRSI*0.2
	} else {
		m.CombinedRSI = m.ShortRSI*0.2 + m.MediumRSI*0.3 + m.LongRSI*0.5
	}
	m.CombinedRSI = math.Max(0, math.Min(100, m.CombinedRSI))

	m.Signal = classify(m.CombinedRSI, c.OversoldThreshold, c.OverboughtThreshold)
	m.Divergence = detectDivergence(m.ShortRSI, m.LongRSI, c.DivergenceThreshold)
	m.Multiplier = multiplierFor(m.Signal, m.Divergence)
	return m
}

// optimizeWindow back-tests the candidate windows and returns the most
// accurate one. Ties keep the smaller window; no predictions keep the default.
func (a *Adjuster) optimizeWindow(providerID string, scores []float64) int {
	c := a.config
	best, bestAccuracy := c.DefaultWindow, -1.0

	windows := append([]int(nil), c.CandidateWindows...)
	sort.Ints(windows)
	for _, w := range windows {
		accuracy, predictions := backtest(scores, w, c.MinRecords, c.BaselineScore, c.NeutralBand, c.OversoldThreshold, c.OverboughtThreshold)
		if predictions == 0 {
			continue
		}
		if accuracy > bestAccuracy {
			best, bestAccuracy = w, accuracy
		}
	}

	a.logger.WithFields(logrus.Fields{
		"provider": providerID,
		"window":   best,
		"accuracy": bestAccuracy,
	}).Debug("Momentum window optimized")
	return best
}

// AllMetrics returns readings for every tracked provider
func (a *Adjuster) AllMetrics() map[string]Metrics {
	a.mu.RLock()
	ids := make([]string, 0, len(a.providers))
	for id := range a.providers {
		ids = append(ids, id)
	}
	a.mu.RUnlock()

	out := make(map[string]Metrics, len(ids))
	for _, id := range ids {
		out[id] = a.Metrics(id)
	}
	return out
}

// Adjust returns a copy of the provider with each factor score scaled by its
// momentum multiplier and clamped to [0, 10]
func (a *Adjuster) Adjust(p types.Provider) types.Provider {
	m := a.Metrics(p.ID)
	out := p.Clone()
	if m.Multiplier == MultiplierNeutral {
		return out
	}

	v := out.Scores.Vector()
	for i := range v {
		v[i] = math.Max(0, math.Min(10, v[i]*m.Multiplier))
	}
	out.Scores = types.ScoresFromVector(v)

	a.logger.WithFields(logrus.Fields{
		"provider":     p.ID,
		"signal":       m.Signal,
		"divergence":   m.Divergence,
		"combined_rsi": m.CombinedRSI,
		"multiplier":   m.Multiplier,
	}).Debug("Momentum adjustment applied")
	return out
}

// AdjustProviders applies Adjust to every candidate
func (a *Adjuster) AdjustProviders(candidates []types.Provider) []types.Provider {
	out := make([]types.Provider, len(candidates))
	for i, p := range candidates {
		out[i] = a.Adjust(p)
	}
	return out
}
