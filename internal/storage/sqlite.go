//go:build sqlite

package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"marlsignal/internal/model"

	_ "modernc.org/sqlite"
)

type SQLiteStore struct {
	path string

	mu sync.RWMutex
	db *sql.DB
}

func NewSQLiteStore(path string) *SQLiteStore {
	return &SQLiteStore{path: path}
}

func (s *SQLiteStore) Init(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.path == "" {
		return errors.New("sqlite path is required")
	}
	if s.db != nil {
		return nil
	}

	db, err := sql.Open("sqlite", s.path)
	if err != nil {
		return err
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return err
	}

	if err := createTables(ctx, db); err != nil {
		_ = db.Close()
		return err
	}

	s.db = db
	return nil
}

func (s *SQLiteStore) SaveModel(ctx context.Context, rec model.ModelRecord) error {
	db, err := s.getDB()
	if err != nil {
		return err
	}

	payload, err := EncodeModel(rec)
	if err != nil {
		return err
	}

	_, err = db.ExecContext(ctx, `
		INSERT INTO models (id, symbol, created_at, schema_version, codec_version, payload)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			symbol = excluded.symbol,
			created_at = excluded.created_at,
			schema_version = excluded.schema_version,
			codec_version = excluded.codec_version,
			payload = excluded.payload
	`, rec.ID, strings.ToUpper(rec.Symbol), rec.CreatedAt.UTC().Format(time.RFC3339Nano), rec.SchemaVersion, rec.CodecVersion, payload)
	return err
}

func (s *SQLiteStore) GetModel(ctx context.Context, id string) (model.ModelRecord, bool, error) {
	return s.queryModel(ctx, `SELECT payload FROM models WHERE id = ?`, id)
}

func (s *SQLiteStore) LatestModel(ctx context.Context, symbol string) (model.ModelRecord, bool, error) {
	return s.queryModel(ctx, `
		SELECT payload FROM models WHERE symbol = ?
		ORDER BY created_at DESC, id DESC LIMIT 1
	`, strings.ToUpper(symbol))
}

func (s *SQLiteStore) queryModel(ctx context.Context, query string, arg string) (model.ModelRecord, bool, error) {
	db, err := s.getDB()
	if err != nil {
		return model.ModelRecord{}, false, err
	}

	var payload []byte
	err = db.QueryRowContext(ctx, query, arg).Scan(&payload)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.ModelRecord{}, false, nil
		}
		return model.ModelRecord{}, false, err
	}

	rec, err := DecodeModel(payload)
	if err != nil {
		return model.ModelRecord{}, false, fmt.Errorf("decode model %s: %w", arg, err)
	}
	return rec, true, nil
}

func (s *SQLiteStore) SavePrediction(ctx context.Context, key PredictionKey, p model.Prediction) error {
	if err := key.Validate(); err != nil {
		return err
	}
	db, err := s.getDB()
	if err != nil {
		return err
	}

	payload, err := EncodePrediction(p)
	if err != nil {
		return err
	}

	_, err = db.ExecContext(ctx, `
		INSERT INTO predictions (cache_key, payload)
		VALUES (?, ?)
		ON CONFLICT(cache_key) DO UPDATE SET
			payload = excluded.payload
	`, key.String(), payload)
	return err
}

func (s *SQLiteStore) GetPrediction(ctx context.Context, key PredictionKey) (model.Prediction, bool, error) {
	db, err := s.getDB()
	if err != nil {
		return model.Prediction{}, false, err
	}

	var payload []byte
	err = db.QueryRowContext(ctx, `SELECT payload FROM predictions WHERE cache_key = ?`, key.String()).Scan(&payload)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Prediction{}, false, nil
		}
		return model.Prediction{}, false, err
	}

	p, err := DecodePrediction(payload)
	if err != nil {
		return model.Prediction{}, false, fmt.Errorf("decode prediction %s: %w", key, err)
	}
	return p, true, nil
}

func (s *SQLiteStore) SaveTrainingRun(ctx context.Context, summary model.TrainingRunSummary) error {
	db, err := s.getDB()
	if err != nil {
		return err
	}

	payload, err := EncodeTrainingRun(summary)
	if err != nil {
		return err
	}

	_, err = db.ExecContext(ctx, `
		INSERT INTO training_runs (run_id, symbol, started_at, payload)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(run_id) DO UPDATE SET
			symbol = excluded.symbol,
			started_at = excluded.started_at,
			payload = excluded.payload
	`, summary.RunID, strings.ToUpper(summary.Symbol), summary.StartedAt.UTC().Format(time.RFC3339Nano), payload)
	return err
}

func (s *SQLiteStore) GetTrainingRun(ctx context.Context, runID string) (model.TrainingRunSummary, bool, error) {
	db, err := s.getDB()
	if err != nil {
		return model.TrainingRunSummary{}, false, err
	}

	var payload []byte
	err = db.QueryRowContext(ctx, `SELECT payload FROM training_runs WHERE run_id = ?`, runID).Scan(&payload)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.TrainingRunSummary{}, false, nil
		}
		return model.TrainingRunSummary{}, false, err
	}

	summary, err := DecodeTrainingRun(payload)
	if err != nil {
		return model.TrainingRunSummary{}, false, fmt.Errorf("decode training run %s: %w", runID, err)
	}
	return summary, true, nil
}

func (s *SQLiteStore) ListTrainingRuns(ctx context.Context, symbol string) ([]model.TrainingRunSummary, error) {
	db, err := s.getDB()
	if err != nil {
		return nil, err
	}

	rows, err := db.QueryContext(ctx, `
		SELECT payload FROM training_runs
		WHERE ? = '' OR symbol = ?
		ORDER BY started_at ASC, run_id ASC
	`, symbol, strings.ToUpper(symbol))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.TrainingRunSummary
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		summary, err := DecodeTrainingRun(payload)
		if err != nil {
			return nil, fmt.Errorf("decode training run: %w", err)
		}
		out = append(out, summary)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	sortRuns(out)
	return out, nil
}

func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

func (s *SQLiteStore) getDB() (*sql.DB, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.db == nil {
		return nil, errNotInitialized
	}
	return s.db, nil
}

func createTables(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS models (
			id TEXT PRIMARY KEY,
			symbol TEXT NOT NULL,
			created_at TEXT NOT NULL,
			schema_version INTEGER NOT NULL,
			codec_version INTEGER NOT NULL,
			payload BLOB NOT NULL
		);
		CREATE INDEX IF NOT EXISTS models_symbol_created ON models (symbol, created_at);
		CREATE TABLE IF NOT EXISTS predictions (
			cache_key TEXT PRIMARY KEY,
			payload BLOB NOT NULL
		);
		CREATE TABLE IF NOT EXISTS training_runs (
			run_id TEXT PRIMARY KEY,
			symbol TEXT NOT NULL,
			started_at TEXT NOT NULL,
			payload BLOB NOT NULL
		);
	`)
	return err
}
