package telemetry

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"go-replicate-studio/internal/models"

	log "github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"
)

// Schema is applied on every open.
const Schema = `
CREATE TABLE IF NOT EXISTS job_telemetry (
	id                INTEGER PRIMARY KEY AUTOINCREMENT,
	request_id        TEXT NOT NULL,
	user_hash         TEXT NOT NULL,
	provider          TEXT NOT NULL,
	model             TEXT NOT NULL,
	submitted_at      TEXT NOT NULL,
	completed_at      TEXT NOT NULL,
	duration_ms       INTEGER NOT NULL,
	final_status      TEXT NOT NULL,
	cancelled_by_user INTEGER NOT NULL DEFAULT 0,
	prediction_id     TEXT,
	predict_time      REAL,
	total_time        REAL,
	status_changes    TEXT NOT NULL,
	errors            TEXT NOT NULL,
	request           TEXT NOT NULL,
	client            TEXT NOT NULL,
	received_at       TIMESTAMP DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_job_telemetry_user ON job_telemetry(user_hash);
CREATE INDEX IF NOT EXISTS idx_job_telemetry_request ON job_telemetry(request_id);
`

// Store persists flushed records in SQLite.
type Store struct {
	db *sql.DB
}

// OpenStore opens (or creates) the database at path.
func OpenStore(path string) (*Store, error) {
	log.Debugf("Opening telemetry store at %s", path)
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open telemetry database %s: %w", path, err)
	}
	// One writer keeps SQLite from returning SQLITE_BUSY under concurrent posts.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(Schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create telemetry schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Insert stores rec and returns its row id.
func (s *Store) Insert(ctx context.Context, rec models.TelemetryRecord) (int64, error) {
	statusChanges, err := json.Marshal(rec.StatusChanges)
	if err != nil {
		return 0, fmt.Errorf("encoding status changes: %w", err)
	}
	errs, err := json.Marshal(rec.Errors)
	if err != nil {
		return 0, fmt.Errorf("encoding errors: %w", err)
	}
	request, err := json.Marshal(rec.Request.WithoutImages())
	if err != nil {
		return 0, fmt.Errorf("encoding request: %w", err)
	}
	client, err := json.Marshal(rec.Client)
	if err != nil {
		return 0, fmt.Errorf("encoding client: %w", err)
	}

	query := `
		INSERT INTO job_telemetry (request_id, user_hash, provider, model, submitted_at, completed_at,
			duration_ms, final_status, cancelled_by_user, prediction_id, predict_time, total_time,
			status_changes, errors, request, client)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	result, err := s.db.ExecContext(ctx, query,
		rec.RequestID, rec.UserHash, rec.Provider, rec.Model,
		rec.SubmittedAt.UTC().Format(time.RFC3339Nano), rec.CompletedAt.UTC().Format(time.RFC3339Nano),
		rec.DurationMs, rec.FinalStatus, rec.CancelledByUser, rec.PredictionID, rec.PredictTime, rec.TotalTime,
		string(statusChanges), string(errs), string(request), string(client))
	if err != nil {
		return 0, fmt.Errorf("failed to insert telemetry: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to get last insert id: %w", err)
	}
	log.WithFields(log.Fields{"id": id, "request": rec.RequestID, "status": rec.FinalStatus}).Debug("Telemetry stored")
	return id, nil
}

// Recent returns the newest records first.
func (s *Store) Recent(ctx context.Context, limit int) ([]models.TelemetryRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `
		SELECT request_id, user_hash, provider, model, submitted_at, completed_at, duration_ms,
			final_status, cancelled_by_user, prediction_id, predict_time, total_time,
			status_changes, errors, request, client
		FROM job_telemetry ORDER BY id DESC LIMIT ?
	`
	rows, err := s.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query telemetry: %w", err)
	}
	defer rows.Close()

	var records []models.TelemetryRecord
	for rows.Next() {
		var rec models.TelemetryRecord
		var submitted, completed string
		var predictionID sql.NullString
		var predictTime, totalTime sql.NullFloat64
		var statusChanges, errs, request, client string
		if err := rows.Scan(&rec.RequestID, &rec.UserHash, &rec.Provider, &rec.Model, &submitted, &completed,
			&rec.DurationMs, &rec.FinalStatus, &rec.CancelledByUser, &predictionID, &predictTime, &totalTime,
			&statusChanges, &errs, &request, &client); err != nil {
			return nil, fmt.Errorf("failed to scan telemetry row: %w", err)
		}
		rec.SubmittedAt, _ = time.Parse(time.RFC3339Nano, submitted)
		rec.CompletedAt, _ = time.Parse(time.RFC3339Nano, completed)
		rec.PredictionID = predictionID.String
		rec.PredictTime = predictTime.Float64
		rec.TotalTime = totalTime.Float64
		if err := json.Unmarshal([]byte(statusChanges), &rec.StatusChanges); err != nil {
			log.WithError(err).Warnf("Bad status changes for %s", rec.RequestID)
		}
		if err := json.Unmarshal([]byte(errs), &rec.Errors); err != nil {
			log.WithError(err).Warnf("Bad error list for %s", rec.RequestID)
		}
		if err := json.Unmarshal([]byte(request), &rec.Request); err != nil {
			log.WithError(err).Warnf("Bad request for %s", rec.RequestID)
		}
		if err := json.Unmarshal([]byte(client), &rec.Client); err != nil {
			log.WithError(err).Warnf("Bad client info for %s", rec.RequestID)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("telemetry rows error: %w", err)
	}
	return records, nil
}

// StoreFlusher writes straight into a Store. The proxy's telemetry route uses it.
type StoreFlusher struct {
	Store *Store
}

// Flush implements Flusher.
func (f StoreFlusher) Flush(ctx context.Context, rec models.TelemetryRecord) (FlushResult, error) {
	id, err := f.Store.Insert(ctx, rec)
	if err != nil {
		return FlushResult{}, err
	}
	return FlushResult{ID: id}, nil
}
