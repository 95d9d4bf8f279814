package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tributary-ai/adaptive-router/internal/fuzzy"
	"github.com/tributary-ai/adaptive-router/internal/regression"
	"github.com/tributary-ai/adaptive-router/internal/types"
)

func tempStore(t *testing.T) *SQLiteStore {
	t.Helper()
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)

	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "router.db"), logger)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func tunedSnapshot(center float64, created time.Time) fuzzy.Snapshot {
	ps := fuzzy.DefaultParameterSet()
	ps[types.FactorQuality][fuzzy.LevelMedium].Center = center
	return fuzzy.NewSnapshot(ps, created, 0.12)
}

func TestEmptyStore(t *testing.T) {
	s := tempStore(t)
	ctx := context.Background()

	snapshot, err := s.LatestSnapshot(ctx)
	require.NoError(t, err)
	assert.Nil(t, snapshot)

	baseline, err := s.LoadBaseline(ctx)
	require.NoError(t, err)
	assert.Nil(t, baseline)
}

func TestSnapshotRoundTrip(t *testing.T) {
	s := tempStore(t)
	ctx := context.Background()
	created := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	id, err := s.SaveSnapshot(ctx, tunedSnapshot(5.5, created))
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	latest, err := s.LatestSnapshot(ctx)
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, created, latest.CreatedAt)
	assert.Equal(t, 0.12, latest.MSE)

	ps, err := latest.ParameterSet()
	require.NoError(t, err)
	assert.Equal(t, 5.5, ps[types.FactorQuality][fuzzy.LevelMedium].Center)
}

func TestLatestFollowsActivePointer(t *testing.T) {
	s := tempStore(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	first, err := s.SaveSnapshot(ctx, tunedSnapshot(4.5, base))
	require.NoError(t, err)
	_, err = s.SaveSnapshot(ctx, tunedSnapshot(5.5, base.Add(time.Hour)))
	require.NoError(t, err)

	latest, err := s.LatestSnapshot(ctx)
	require.NoError(t, err)
	ps, _ := latest.ParameterSet()
	assert.Equal(t, 5.5, ps[types.FactorQuality][fuzzy.LevelMedium].Center)

	require.NoError(t, s.Activate(ctx, first))
	latest, err = s.LatestSnapshot(ctx)
	require.NoError(t, err)
	ps, _ = latest.ParameterSet()
	assert.Equal(t, 4.5, ps[types.FactorQuality][fuzzy.LevelMedium].Center)

	list, err := s.ListSnapshots(ctx, 10)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.False(t, list[0].Active)
	assert.True(t, list[1].Active)
	assert.Equal(t, first, list[1].ID)
}

func TestUnknownSnapshot(t *testing.T) {
	s := tempStore(t)
	ctx := context.Background()

	_, err := s.GetSnapshot(ctx, "missing")
	assert.True(t, errors.Is(err, ErrSnapshotNotFound))
	assert.True(t, errors.Is(s.Activate(ctx, "missing"), ErrSnapshotNotFound))
}

func TestInvalidSnapshotIsRejected(t *testing.T) {
	s := tempStore(t)

	snapshot := tunedSnapshot(5, time.Now())
	snapshot.Parameters = snapshot.Parameters[:3]
	_, err := s.SaveSnapshot(context.Background(), snapshot)
	assert.Error(t, err)

	list, err := s.ListSnapshots(context.Background(), 0)
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestBaselineUpsert(t *testing.T) {
	s := tempStore(t)
	ctx := context.Background()
	created := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, s.SaveBaseline(ctx, regression.Baseline{
		RunID: "run-1", CreatedAt: created, PassRate: 100, LatencyP95: 800 * time.Millisecond, AverageCost: 0.002,
	}))
	require.NoError(t, s.SaveBaseline(ctx, regression.Baseline{
		RunID: "run-2", CreatedAt: created, PassRate: 90, LatencyP95: time.Second, AverageCost: 0.003,
	}))

	b, err := s.LoadBaseline(ctx)
	require.NoError(t, err)
	require.NotNil(t, b)
	assert.Equal(t, "run-2", b.RunID)
	assert.Equal(t, created, b.CreatedAt)
	assert.Equal(t, 90.0, b.PassRate)
	assert.Equal(t, time.Second, b.LatencyP95)
	assert.Equal(t, 0.003, b.AverageCost)
}

func TestStoreSatisfiesHarness(t *testing.T) {
	var _ regression.BaselineStore = tempStore(t)
}
