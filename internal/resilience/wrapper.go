package resilience

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
)

// Config holds retry, timeout and circuit breaker settings
type Config struct {
	// Timeout bounds a single attempt; zero disables it
	Timeout time.Duration `yaml:"timeout" validate:"gte=0"`

	MaxAttempts    int           `yaml:"max_attempts" validate:"gt=0"`
	BaseDelay      time.Duration `yaml:"base_delay" validate:"gte=0"`
	BackoffFactor  float64       `yaml:"backoff_factor" validate:"gte=1"`
	MaxDelay       time.Duration `yaml:"max_delay" validate:"gte=0"`
	JitterFraction float64       `yaml:"jitter_fraction" validate:"gte=0,lte=1"`

	CircuitBreakerThreshold int           `yaml:"circuit_breaker_threshold" validate:"gt=0"`
	CircuitBreakerTimeout   time.Duration `yaml:"circuit_breaker_timeout" validate:"gt=0"`

	// DefaultRateLimitWait applies when a rate limit error carries no retry-after
	DefaultRateLimitWait time.Duration `yaml:"default_rate_limit_wait" validate:"gte=0"`
	MaxRateLimitWaits    int           `yaml:"max_rate_limit_waits" validate:"gte=0"`
}

// DefaultConfig returns the resilience defaults
func DefaultConfig() Config {
	return Config{
		Timeout:                 30 * time.Second,
		MaxAttempts:             3,
		BaseDelay:               time.Second,
		BackoffFactor:           2,
		MaxDelay:                30 * time.Second,
		JitterFraction:          0.1,
		CircuitBreakerThreshold: 5,
		CircuitBreakerTimeout:   60 * time.Second,
		DefaultRateLimitWait:    5 * time.Second,
		MaxRateLimitWaits:       5,
	}
}

// Operation is the unit of work guarded by the wrapper
type Operation func(ctx context.Context) error

// SleepFunc waits for d or until ctx is done
type SleepFunc func(ctx context.Context, d time.Duration) error

// Option customizes a Wrapper
type Option func(*Wrapper)

// WithClock replaces the time source used by the circuit breaker
func WithClock(now func() time.Time) Option {
	return func(w *Wrapper) { w.now = now }
}

// WithSleep replaces the backoff wait
func WithSleep(sleep SleepFunc) Option {
	return func(w *Wrapper) { w.sleep = sleep }
}

// WithRand replaces the jitter source; it must return values in [0, 1)
func WithRand(rnd func() float64) Option {
	return func(w *Wrapper) { w.rand = rnd }
}

// Stats summarizes wrapper activity
type Stats struct {
	TotalCalls     int64          `json:"total_calls"`
	Successes      int64          `json:"successes"`
	Failures       int64          `json:"failures"`
	Retries        int64          `json:"retries"`
	RateLimitWaits int64          `json:"rate_limit_waits"`
	Timeouts       int64          `json:"timeouts"`
	Rejected       int64          `json:"rejected"`
	Circuits       []CircuitStats `json:"circuits"`
}

// Wrapper executes operations with per-call timeouts, retry with backoff and a
// circuit breaker per operation name.
type Wrapper struct {
	config Config
	logger *logrus.Logger
	now    func() time.Time
	sleep  SleepFunc
	rand   func() float64

	mu       sync.RWMutex
	circuits map[string]*circuit

	totalCalls     atomic.Int64
	successes      atomic.Int64
	failures       atomic.Int64
	retries        atomic.Int64
	rateLimitWaits atomic.Int64
	timeouts       atomic.Int64
	rejected       atomic.Int64
}

// NewWrapper creates a resilience wrapper
func NewWrapper(config Config, logger *logrus.Logger, opts ...Option) *Wrapper {
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = 1
	}
	if config.BackoffFactor < 1 {
		config.BackoffFactor = 1
	}

	w := &Wrapper{
		config:   config,
		logger:   logger,
		now:      time.Now,
		sleep:    sleepContext,
		rand:     rand.Float64,
		circuits: make(map[string]*circuit),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// BackoffDelay returns the wait after failed attempt k (1-based):
// base*factor^(k-1) stretched by up to JitterFraction, capped at MaxDelay.
func (w *Wrapper) BackoffDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	base := float64(w.config.BaseDelay) * math.Pow(w.config.BackoffFactor, float64(attempt-1))
	delay := base * (1 + w.rand()*w.config.JitterFraction)

	if w.config.MaxDelay > 0 && delay > float64(w.config.MaxDelay) {
		return w.config.MaxDelay
	}
	return time.Duration(delay)
}

// ExecuteWithRetry runs op under the named circuit. Transient failures and
// timeouts are retried with backoff and count toward the breaker; rate limits
// wait without consuming an attempt; non-retryable errors return at once.
// The last observed error is wrapped in the returned error.
func (w *Wrapper) ExecuteWithRetry(ctx context.Context, name string, op Operation) error {
	w.totalCalls.Add(1)

	var lastErr error
	rateWaits := 0

	for attempt := 1; attempt <= w.config.MaxAttempts; {
		if err := w.allow(name); err != nil {
			w.rejected.Add(1)
			if lastErr != nil {
				return fmt.Errorf("%w (last error: %w)", err, lastErr)
			}
			return err
		}

		err := w.call(ctx, name, op)
		if err == nil {
			w.RecordSuccess(name)
			w.successes.Add(1)
			return nil
		}
		lastErr = err

		if ctx.Err() != nil {
			w.failures.Add(1)
			return fmt.Errorf("operation %s cancelled: %w", name, err)
		}

		class := Classify(err)
		fields := logrus.Fields{
			"operation": name,
			"attempt":   attempt,
			"class":     class.String(),
		}

		switch class {
		case ClassNonRetryable:
			w.failures.Add(1)
			w.logger.WithFields(fields).WithError(err).Debug("Non-retryable failure")
			return fmt.Errorf("operation %s failed: %w", name, err)

		case ClassRateLimit:
			if rateWaits >= w.config.MaxRateLimitWaits {
				w.failures.Add(1)
				return fmt.Errorf("operation %s still rate limited after %d waits: %w", name, rateWaits, err)
			}
			rateWaits++
			wait, ok := retryAfter(err)
			if !ok {
				wait = w.config.DefaultRateLimitWait
			}
			w.rateLimitWaits.Add(1)
			fields["delay_ms"] = wait.Milliseconds()
			w.logger.WithFields(fields).Debug("Rate limited, waiting for cool-down")
			if err := w.sleep(ctx, wait); err != nil {
				w.failures.Add(1)
				return fmt.Errorf("operation %s cancelled during rate limit wait: %w", name, err)
			}
			continue

		default:
			if class == ClassTimeout {
				w.timeouts.Add(1)
			}
			w.RecordFailure(name)
		}

		if attempt == w.config.MaxAttempts {
			break
		}

		delay := w.BackoffDelay(attempt)
		fields["delay_ms"] = delay.Milliseconds()
		w.logger.WithFields(fields).WithError(err).Debug("Retrying after backoff delay")
		if err := w.sleep(ctx, delay); err != nil {
			w.failures.Add(1)
			return fmt.Errorf("operation %s cancelled during retry backoff: %w", name, err)
		}
		w.retries.Add(1)
		attempt++
	}

	w.failures.Add(1)
	return fmt.Errorf("operation %s failed after %d attempts: %w", name, w.config.MaxAttempts, lastErr)
}

// call runs one attempt, abandoning it when the per-call timeout fires
func (w *Wrapper) call(ctx context.Context, name string, op Operation) error {
	if w.config.Timeout <= 0 {
		return w.safeCall(ctx, op)
	}

	callCtx, cancel := context.WithTimeout(ctx, w.config.Timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- w.safeCall(callCtx, op)
	}()

	select {
	case err := <-done:
		return err
	case <-callCtx.Done():
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return &TimeoutError{Operation: name, Timeout: w.config.Timeout}
	}
}

func (w *Wrapper) safeCall(ctx context.Context, op Operation) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &TransientError{Err: fmt.Errorf("operation panicked: %v", r)}
		}
	}()
	return op(ctx)
}

// Stats returns counters and the state of every circuit
func (w *Wrapper) Stats() Stats {
	return Stats{
		TotalCalls:     w.totalCalls.Load(),
		Successes:      w.successes.Load(),
		Failures:       w.failures.Load(),
		Retries:        w.retries.Load(),
		RateLimitWaits: w.rateLimitWaits.Load(),
		Timeouts:       w.timeouts.Load(),
		Rejected:       w.rejected.Load(),
		Circuits:       w.circuitStats(),
	}
}
