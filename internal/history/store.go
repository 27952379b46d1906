// Package history persists training runs and their per-epoch curves in
// SQLite, so finished and interrupted runs alike can be inspected and
// compared after the fact.
package history

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/danielpatrickdp/face-scorer/internal/score"
	"github.com/danielpatrickdp/face-scorer/internal/train"
)

// #region schema
const schema = `
CREATE TABLE IF NOT EXISTS runs (
	run_id        TEXT PRIMARY KEY,
	started_at    TEXT NOT NULL,
	finished_at   TEXT,
	config_json   TEXT NOT NULL,
	best_epoch    INTEGER,
	best_val_loss REAL,
	status        TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS epochs (
	id            INTEGER PRIMARY KEY AUTOINCREMENT,
	run_id        TEXT NOT NULL,
	epoch         INTEGER NOT NULL,
	train_loss    REAL NOT NULL,
	val_loss      REAL NOT NULL,
	val_mae_json  TEXT NOT NULL,
	lr            REAL NOT NULL,
	improved      INTEGER NOT NULL,
	duration_ms   INTEGER NOT NULL,
	created_at    TEXT NOT NULL,
	FOREIGN KEY (run_id) REFERENCES runs(run_id)
);
`

// Run statuses.
const (
	StatusRunning  = "running"
	StatusFinished = "finished"
	StatusFailed   = "failed"
)

// #endregion schema

// #region types
// Run is one training run's summary row.
type Run struct {
	RunID       string
	StartedAt   time.Time
	FinishedAt  time.Time
	ConfigJSON  string
	BestEpoch   int
	BestValLoss float64
	Status      string
}

// Epoch is one recorded epoch of a run.
type Epoch struct {
	RunID     string
	Epoch     int
	TrainLoss float64
	ValLoss   float64
	ValMAE    [score.NumMetrics]float64
	LR        float64
	Improved  bool
	Duration  time.Duration
	CreatedAt time.Time
}

// #endregion types

// #region store
// Store manages run history in SQLite.
type Store struct {
	db *sql.DB
}

// NewStore opens a SQLite database and runs migrations.
func NewStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return nil, fmt.Errorf("pragma: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		return nil, fmt.Errorf("pragma fk: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// #endregion store

// #region write
// StartRun inserts a new run row in running status.
func (s *Store) StartRun(runID string, cfg train.Config) error {
	cfgJSON, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	_, err = s.db.Exec(
		`INSERT INTO runs (run_id, started_at, config_json, status) VALUES (?, ?, ?, ?)`,
		runID, time.Now().UTC().Format(time.RFC3339Nano), string(cfgJSON), StatusRunning,
	)
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	return nil
}

// AppendEpoch records one epoch of a run.
func (s *Store) AppendEpoch(runID string, stats train.EpochStats) error {
	maeJSON, err := json.Marshal(stats.ValMAE)
	if err != nil {
		return fmt.Errorf("marshal val mae: %w", err)
	}
	improved := 0
	if stats.Improved {
		improved = 1
	}
	_, err = s.db.Exec(
		`INSERT INTO epochs (run_id, epoch, train_loss, val_loss, val_mae_json, lr, improved, duration_ms, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		runID, stats.Epoch, stats.TrainLoss, stats.ValLoss, string(maeJSON),
		stats.LR, improved, stats.Duration.Milliseconds(),
		time.Now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("insert epoch: %w", err)
	}
	return nil
}

// FinishRun closes a run row with its final status and best result.
func (s *Store) FinishRun(runID, status string, bestEpoch int, bestValLoss float64) error {
	_, err := s.db.Exec(
		`UPDATE runs SET finished_at = ?, status = ?, best_epoch = ?, best_val_loss = ? WHERE run_id = ?`,
		time.Now().UTC().Format(time.RFC3339Nano), status, bestEpoch, bestValLoss, runID,
	)
	if err != nil {
		return fmt.Errorf("finish run: %w", err)
	}
	return nil
}

// #endregion write

// #region read
// GetRun retrieves one run by ID.
func (s *Store) GetRun(runID string) (Run, error) {
	var r Run
	var startedStr string
	var finishedStr sql.NullString
	var bestEpoch sql.NullInt64
	var bestLoss sql.NullFloat64

	err := s.db.QueryRow(
		`SELECT run_id, started_at, finished_at, config_json, best_epoch, best_val_loss, status
		 FROM runs WHERE run_id = ?`, runID,
	).Scan(&r.RunID, &startedStr, &finishedStr, &r.ConfigJSON, &bestEpoch, &bestLoss, &r.Status)
	if err != nil {
		return Run{}, fmt.Errorf("get run %s: %w", runID, err)
	}

	r.StartedAt, _ = time.Parse(time.RFC3339Nano, startedStr)
	if finishedStr.Valid {
		r.FinishedAt, _ = time.Parse(time.RFC3339Nano, finishedStr.String)
	}
	if bestEpoch.Valid {
		r.BestEpoch = int(bestEpoch.Int64)
	}
	if bestLoss.Valid {
		r.BestValLoss = bestLoss.Float64
	}
	return r, nil
}

// ListRuns returns the most recent runs.
func (s *Store) ListRuns(limit int) ([]Run, error) {
	rows, err := s.db.Query(
		`SELECT run_id, started_at, finished_at, config_json, best_epoch, best_val_loss, status
		 FROM runs ORDER BY started_at DESC LIMIT ?`, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		var r Run
		var startedStr string
		var finishedStr sql.NullString
		var bestEpoch sql.NullInt64
		var bestLoss sql.NullFloat64
		if err := rows.Scan(&r.RunID, &startedStr, &finishedStr, &r.ConfigJSON, &bestEpoch, &bestLoss, &r.Status); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		r.StartedAt, _ = time.Parse(time.RFC3339Nano, startedStr)
		if finishedStr.Valid {
			r.FinishedAt, _ = time.Parse(time.RFC3339Nano, finishedStr.String)
		}
		if bestEpoch.Valid {
			r.BestEpoch = int(bestEpoch.Int64)
		}
		if bestLoss.Valid {
			r.BestValLoss = bestLoss.Float64
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// Epochs returns a run's curve in epoch order.
func (s *Store) Epochs(runID string) ([]Epoch, error) {
	rows, err := s.db.Query(
		`SELECT run_id, epoch, train_loss, val_loss, val_mae_json, lr, improved, duration_ms, created_at
		 FROM epochs WHERE run_id = ? ORDER BY epoch ASC`, runID,
	)
	if err != nil {
		return nil, fmt.Errorf("list epochs: %w", err)
	}
	defer rows.Close()

	var epochs []Epoch
	for rows.Next() {
		var e Epoch
		var maeJSON string
		var improved int
		var durationMS int64
		var createdStr string
		if err := rows.Scan(&e.RunID, &e.Epoch, &e.TrainLoss, &e.ValLoss, &maeJSON, &e.LR, &improved, &durationMS, &createdStr); err != nil {
			return nil, fmt.Errorf("scan epoch: %w", err)
		}
		if err := json.Unmarshal([]byte(maeJSON), &e.ValMAE); err != nil {
			return nil, fmt.Errorf("unmarshal val mae: %w", err)
		}
		e.Improved = improved != 0
		e.Duration = time.Duration(durationMS) * time.Millisecond
		e.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdStr)
		epochs = append(epochs, e)
	}
	return epochs, rows.Err()
}

// #endregion read
