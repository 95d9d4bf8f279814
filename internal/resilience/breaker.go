package resilience

import (
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Circuit states as reported by Stats
const (
	StateClosed   = "closed"
	StateOpen     = "open"
	StateHalfOpen = "half_open"
)

// circuit is the breaker state of one operation name
type circuit struct {
	mu                  sync.Mutex
	open                bool
	consecutiveFailures int
	lastFailure         time.Time
	successCount        int
	totalFailures       int
}

// CircuitStats is a point-in-time view of one circuit
type CircuitStats struct {
	Operation           string    `json:"operation"`
	State               string    `json:"state"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	SuccessCount        int       `json:"success_count"`
	TotalFailures       int       `json:"total_failures"`
	LastFailure         time.Time `json:"last_failure,omitempty"`
}

func (w *Wrapper) circuit(name string) *circuit {
	w.mu.RLock()
	c, ok := w.circuits[name]
	w.mu.RUnlock()
	if ok {
		return c
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if c, ok = w.circuits[name]; ok {
		return c
	}
	c = &circuit{}
	w.circuits[name] = c
	return c
}

// allow fails fast while the circuit is open and its timeout has not elapsed.
// Once elapsed the call goes through as a half-open trial.
func (w *Wrapper) allow(name string) error {
	c := w.circuit(name)
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.open {
		return nil
	}
	elapsed := w.now().Sub(c.lastFailure)
	if elapsed < w.config.CircuitBreakerTimeout {
		return &CircuitOpenError{Operation: name, RetryIn: w.config.CircuitBreakerTimeout - elapsed}
	}
	return nil
}

// RecordFailure counts one failure against an operation's circuit
func (w *Wrapper) RecordFailure(name string) {
	c := w.circuit(name)
	c.mu.Lock()
	defer c.mu.Unlock()

	c.consecutiveFailures++
	c.totalFailures++
	c.lastFailure = w.now()

	if !c.open && c.consecutiveFailures >= w.config.CircuitBreakerThreshold {
		c.open = true
		w.logger.WithFields(logrus.Fields{
			"operation": name,
			"failures":  c.consecutiveFailures,
			"timeout":   w.config.CircuitBreakerTimeout.String(),
		}).Warn("Circuit breaker opened")
	}
}

// RecordSuccess resets the failure counter and closes the circuit
func (w *Wrapper) RecordSuccess(name string) {
	c := w.circuit(name)
	c.mu.Lock()
	defer c.mu.Unlock()

	c.consecutiveFailures = 0
	c.successCount++
	if c.open {
		c.open = false
		w.logger.WithField("operation", name).Info("Circuit breaker closed")
	}
}

// ResetCircuitBreaker clears the state of one circuit. It reports whether
// the circuit existed.
func (w *Wrapper) ResetCircuitBreaker(name string) bool {
	w.mu.RLock()
	c, ok := w.circuits[name]
	w.mu.RUnlock()
	if !ok {
		return false
	}

	c.mu.Lock()
	c.open = false
	c.consecutiveFailures = 0
	c.lastFailure = time.Time{}
	c.mu.Unlock()

	w.logger.WithField("operation", name).Info("Circuit breaker reset")
	return true
}

// IsOpen reports whether calls to the operation currently fail fast
func (w *Wrapper) IsOpen(name string) bool {
	return w.allow(name) != nil
}

func (w *Wrapper) circuitStats() []CircuitStats {
	w.mu.RLock()
	names := make([]string, 0, len(w.circuits))
	for name := range w.circuits {
		names = append(names, name)
	}
	w.mu.RUnlock()
	sort.Strings(names)

	now := w.now()
	out := make([]CircuitStats, 0, len(names))
	for _, name := range names {
		c := w.circuit(name)
		c.mu.Lock()
		state := StateClosed
		if c.open {
			state = StateOpen
			if now.Sub(c.lastFailure) >= w.config.CircuitBreakerTimeout {
				state = StateHalfOpen
			}
		}
		out = append(out, CircuitStats{
			Operation:           name,
			State:               state,
			ConsecutiveFailures: c.consecutiveFailures,
			SuccessCount:        c.successCount,
			TotalFailures:       c.totalFailures,
			LastFailure:         c.lastFailure,
		})
		c.mu.Unlock()
	}
	return out
}
