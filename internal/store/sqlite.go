package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"

	"github.com/tributary-ai/adaptive-router/internal/fuzzy"
	"github.com/tributary-ai/adaptive-router/internal/regression"
)

// ErrSnapshotNotFound is returned for an unknown snapshot id
var ErrSnapshotNotFound = errors.New("parameter snapshot not found")

const schema = `
CREATE TABLE IF NOT EXISTS parameter_snapshots (
	snapshot_id   TEXT PRIMARY KEY,
	version       INTEGER NOT NULL,
	created_at    TEXT NOT NULL,
	mse           REAL NOT NULL,
	parameters    TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS active_parameters (
	id            INTEGER PRIMARY KEY CHECK (id = 1),
	snapshot_id   TEXT NOT NULL,
	FOREIGN KEY (snapshot_id) REFERENCES parameter_snapshots(snapshot_id)
);

CREATE TABLE IF NOT EXISTS regression_baselines (
	id            INTEGER PRIMARY KEY CHECK (id = 1),
	run_id        TEXT NOT NULL,
	created_at    TEXT NOT NULL,
	pass_rate     REAL NOT NULL,
	latency_p95   INTEGER NOT NULL,
	average_cost  REAL NOT NULL
);
`

// Config holds persistence settings. An empty path disables the store.
type Config struct {
	Path string `yaml:"path"`
}

// SnapshotInfo describes a stored snapshot without its parameters
type SnapshotInfo struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"created_at"`
	MSE       float64   `json:"mse"`
	Active    bool      `json:"active"`
}

// SQLiteStore keeps versioned membership parameter snapshots with an active
// pointer, and the regression baseline
type SQLiteStore struct {
	db     *sql.DB
	logger *logrus.Logger
}

// NewSQLiteStore opens the database at path and runs migrations
func NewSQLiteStore(path string, logger *logrus.Logger) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.Wrap(err, "open db")
	}
	// One writer keeps the active pointer update serialized
	db.SetMaxOpenConns(1)

	for _, stmt := range []string{"PRAGMA journal_mode=WAL", "PRAGMA foreign_keys=ON", schema} {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, errors.Wrap(err, "migrate")
		}
	}

	logger.WithField("path", path).Debug("Parameter store opened")
	return &SQLiteStore{db: db, logger: logger}, nil
}

// Close closes the underlying database
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// SaveSnapshot inserts a snapshot and makes it the active one
func (s *SQLiteStore) SaveSnapshot(ctx context.Context, snapshot fuzzy.Snapshot) (string, error) {
	if _, err := snapshot.ParameterSet(); err != nil {
		return "", errors.Wrap(err, "refusing to store snapshot")
	}

	params, err := json.Marshal(snapshot.Parameters)
	if err != nil {
		return "", errors.Wrap(err, "marshal parameters")
	}

	id := uuid.New().String()
	createdAt := snapshot.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", errors.Wrap(err, "begin tx")
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO parameter_snapshots (snapshot_id, version, created_at, mse, parameters)
		 VALUES (?, ?, ?, ?, ?)`,
		id, snapshot.Version, createdAt.UTC().Format(time.RFC3339Nano), snapshot.MSE, string(params),
	)
	if err != nil {
		return "", errors.Wrap(err, "insert snapshot")
	}

	if err := setActive(ctx, tx, id); err != nil {
		return "", err
	}
	if err := tx.Commit(); err != nil {
		return "", errors.Wrap(err, "commit")
	}

	s.logger.WithFields(logrus.Fields{
		"snapshot_id": id,
		"mse":         snapshot.MSE,
	}).Debug("Parameter snapshot stored")
	return id, nil
}

func setActive(ctx context.Context, tx *sql.Tx, id string) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO active_parameters (id, snapshot_id) VALUES (1, ?)
		 ON CONFLICT(id) DO UPDATE SET snapshot_id = excluded.snapshot_id`,
		id,
	)
	return errors.Wrap(err, "set active")
}

// LatestSnapshot returns the active snapshot, or nil when none was stored
func (s *SQLiteStore) LatestSnapshot(ctx context.Context) (*fuzzy.Snapshot, error) {
	var id string
	err := s.db.QueryRowContext(ctx, `SELECT snapshot_id FROM active_parameters WHERE id = 1`).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "get active")
	}
	return s.GetSnapshot(ctx, id)
}

// GetSnapshot loads a snapshot by id
func (s *SQLiteStore) GetSnapshot(ctx context.Context, id string) (*fuzzy.Snapshot, error) {
	var snapshot fuzzy.Snapshot
	var createdAt, params string

	err := s.db.QueryRowContext(ctx,
		`SELECT version, created_at, mse, parameters FROM parameter_snapshots WHERE snapshot_id = ?`, id,
	).Scan(&snapshot.Version, &createdAt, &snapshot.MSE, &params)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.Wrapf(ErrSnapshotNotFound, "snapshot %s", id)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "get snapshot %s", id)
	}

	if err := json.Unmarshal([]byte(params), &snapshot.Parameters); err != nil {
		return nil, errors.Wrapf(err, "unmarshal snapshot %s", id)
	}
	snapshot.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	return &snapshot, nil
}

// ListSnapshots returns up to limit snapshots, newest first
func (s *SQLiteStore) ListSnapshots(ctx context.Context, limit int) ([]SnapshotInfo, error) {
	if limit <= 0 {
		limit = 20
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT p.snapshot_id, p.created_at, p.mse, a.snapshot_id IS NOT NULL
		 FROM parameter_snapshots p
		 LEFT JOIN active_parameters a ON a.snapshot_id = p.snapshot_id
		 ORDER BY p.created_at DESC, p.rowid DESC
		 LIMIT ?`, limit,
	)
	if err != nil {
		return nil, errors.Wrap(err, "list snapshots")
	}
	defer rows.Close()

	var out []SnapshotInfo
	for rows.Next() {
		var info SnapshotInfo
		var createdAt string
		if err := rows.Scan(&info.ID, &createdAt, &info.MSE, &info.Active); err != nil {
			return nil, errors.Wrap(err, "scan snapshot")
		}
		info.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
		out = append(out, info)
	}
	return out, errors.Wrap(rows.Err(), "iterate snapshots")
}

// Activate points the active pointer at an earlier snapshot
func (s *SQLiteStore) Activate(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "begin tx")
	}
	defer tx.Rollback()

	var exists int
	err = tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM parameter_snapshots WHERE snapshot_id = ?`, id).Scan(&exists)
	if err != nil {
		return errors.Wrap(err, "lookup snapshot")
	}
	if exists == 0 {
		return errors.Wrapf(ErrSnapshotNotFound, "snapshot %s", id)
	}

	if err := setActive(ctx, tx, id); err != nil {
		return err
	}
	return errors.Wrap(tx.Commit(), "commit")
}

// LoadBaseline returns the stored regression baseline, or nil when none exists
func (s *SQLiteStore) LoadBaseline(ctx context.Context) (*regression.Baseline, error) {
	var b regression.Baseline
	var createdAt string
	var p95 int64

	err := s.db.QueryRowContext(ctx,
		`SELECT run_id, created_at, pass_rate, latency_p95, average_cost FROM regression_baselines WHERE id = 1`,
	).Scan(&b.RunID, &createdAt, &b.PassRate, &p95, &b.AverageCost)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "get baseline")
	}

	b.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	b.LatencyP95 = time.Duration(p95)
	return &b, nil
}

// SaveBaseline replaces the stored regression baseline
func (s *SQLiteStore) SaveBaseline(ctx context.Context, b regression.Baseline) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO regression_baselines (id, run_id, created_at, pass_rate, latency_p95, average_cost)
		 VALUES (1, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
			run_id = excluded.run_id,
			created_at = excluded.created_at,
			pass_rate = excluded.pass_rate,
			latency_p95 = excluded.latency_p95,
			average_cost = excluded.average_cost`,
		b.RunID, b.CreatedAt.UTC().Format(time.RFC3339Nano), b.PassRate, int64(b.LatencyP95), b.AverageCost,
	)
	return errors.Wrap(err, "save baseline")
}
