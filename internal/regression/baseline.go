package regression

import (
	"context"
	"sync"
	"time"
)

// Baseline is the reference run later reports are compared against
type Baseline struct {
	RunID       string        `json:"run_id"`
	CreatedAt   time.Time     `json:"created_at"`
	PassRate    float64       `json:"pass_rate"`
	LatencyP95  time.Duration `json:"latency_p95"`
	AverageCost float64       `json:"average_cost"`
}

// BaselineStore persists the baseline between runs.
// LoadBaseline returns nil without error when no baseline exists yet.
type BaselineStore interface {
	LoadBaseline(ctx context.Context) (*Baseline, error)
	SaveBaseline(ctx context.Context, baseline Baseline) error
}

// MemoryBaselineStore keeps the baseline for the life of the process
type MemoryBaselineStore struct {
	mu       sync.Mutex
	baseline *Baseline
}

// NewMemoryBaselineStore creates an empty in-memory store
func NewMemoryBaselineStore() *MemoryBaselineStore {
	return &MemoryBaselineStore{}
}

func (s *MemoryBaselineStore) LoadBaseline(context.Context) (*Baseline, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.baseline == nil {
		return nil, nil
	}
	b := *s.baseline
	return &b, nil
}

func (s *MemoryBaselineStore) SaveBaseline(_ context.Context, baseline Baseline) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.baseline = &baseline
	return nil
}
