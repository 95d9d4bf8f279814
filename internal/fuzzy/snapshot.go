package fuzzy

import (
	"fmt"
	"time"

	"github.com/tributary-ai/adaptive-router/internal/types"
)

// SnapshotVersion is the current snapshot format
const SnapshotVersion = 1

// Snapshot is the serializable form of a ParameterSet used for warm restarts.
// Its contents are opaque to callers beyond the export/import round trip.
type Snapshot struct {
	Version    int              `json:"version"`
	CreatedAt  time.Time        `json:"created_at"`
	MSE        float64          `json:"mse"`
	Parameters []ParameterEntry `json:"parameters"`
}

// ParameterEntry is one (factor, level) row of a snapshot
type ParameterEntry struct {
	Factor string `json:"factor"`
	Level  string `json:"level"`
	MembershipParams
}

// NewSnapshot serializes a parameter set
func NewSnapshot(ps ParameterSet, createdAt time.Time, mse float64) Snapshot {
	snap := Snapshot{
		Version:    SnapshotVersion,
		CreatedAt:  createdAt,
		MSE:        mse,
		Parameters: make([]ParameterEntry, 0, types.NumFactors*NumLevels),
	}
	for _, f := range types.AllFactors {
		for _, l := range AllLevels {
			snap.Parameters = append(snap.Parameters, ParameterEntry{
				Factor:           f.String(),
				Level:            l.String(),
				MembershipParams: ps[f][l],
			})
		}
	}
	return snap
}

// ParameterSet decodes and validates a snapshot. Every (factor, level) pair must
// appear exactly once and satisfy its range invariants; nothing is clamped.
func (s Snapshot) ParameterSet() (ParameterSet, error) {
	var ps ParameterSet

	if s.Version != SnapshotVersion {
		return ps, fmt.Errorf("%w: unsupported snapshot version %d", ErrInvalidParameters, s.Version)
	}

	var seen [types.NumFactors][NumLevels]bool
	for _, entry := range s.Parameters {
		f, err := types.ParseFactor(entry.Factor)
		if err != nil {
			return ps, fmt.Errorf("%w: %v", ErrInvalidParameters, err)
		}
		l, err := ParseLevel(entry.Level)
		if err != nil {
			return ps, fmt.Errorf("%w: %v", ErrInvalidParameters, err)
		}
		if seen[f][l] {
			return ps, fmt.Errorf("%w: duplicate entry %s/%s", ErrInvalidParameters, f, l)
		}
		seen[f][l] = true
		ps[f][l] = entry.MembershipParams
	}

	for _, f := range types.AllFactors {
		for _, l := range AllLevels {
			if !seen[f][l] {
				return ps, fmt.Errorf("%w: missing entry %s/%s", ErrInvalidParameters, f, l)
			}
		}
	}

	if err := ps.Validate(); err != nil {
		return ps, err
	}
	return ps, nil
}
