// Package store persists estimation jobs and their results in SQLite.
package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS estimations (
	id              TEXT PRIMARY KEY,
	status          TEXT NOT NULL,
	dim             INTEGER NOT NULL,
	point_json      TEXT NOT NULL,
	step_json       TEXT NOT NULL,
	hessian_json    TEXT,
	covariance_json TEXT,
	error           TEXT,
	created_at      TEXT NOT NULL,
	completed_at    TEXT
);
`

// ErrNotFound is returned when no estimation with the requested ID exists.
var ErrNotFound = errors.New("estimation not found")

// Record is one estimation job as persisted.
type Record struct {
	ID          string
	Status      string
	Dim         int
	Point       []float64
	Step        []float64
	Hessian     [][]float64
	Covariance  [][]float64
	Error       string
	CreatedAt   time.Time
	CompletedAt *time.Time
}

// Store manages estimation records in SQLite.
type Store struct {
	db *sql.DB
}

// Open opens a SQLite database at path and runs migrations.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return nil, fmt.Errorf("pragma: %w", err)
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

// Create inserts a new record in its initial state.
func (s *Store) Create(rec *Record) error {
	point, err := json.Marshal(rec.Point)
	if err != nil {
		return fmt.Errorf("marshal point: %w", err)
	}
	step, err := json.Marshal(rec.Step)
	if err != nil {
		return fmt.Errorf("marshal step: %w", err)
	}

	_, err = s.db.Exec(`
		INSERT INTO estimations (id, status, dim, point_json, step_json, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.Status, rec.Dim, string(point), string(step),
		rec.CreatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("insert estimation: %w", err)
	}
	return nil
}

// Finish marks a record terminal, storing the result matrices or the error
// text.
func (s *Store) Finish(id, status string, hessian, covariance [][]float64, errText string, at time.Time) error {
	var hessJSON, covJSON sql.NullString
	if hessian != nil {
		b, err := json.Marshal(hessian)
		if err != nil {
			return fmt.Errorf("marshal hessian: %w", err)
		}
		hessJSON = sql.NullString{String: string(b), Valid: true}
	}
	if covariance != nil {
		b, err := json.Marshal(covariance)
		if err != nil {
			return fmt.Errorf("marshal covariance: %w", err)
		}
		covJSON = sql.NullString{String: string(b), Valid: true}
	}

	res, err := s.db.Exec(`
		UPDATE estimations
		SET status = ?, hessian_json = ?, covariance_json = ?, error = ?, completed_at = ?
		WHERE id = ?`,
		status, hessJSON, covJSON, errText,
		at.UTC().Format(time.RFC3339Nano), id,
	)
	if err != nil {
		return fmt.Errorf("update estimation: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// Get loads one record by ID.
func (s *Store) Get(id string) (*Record, error) {
	row := s.db.QueryRow(`
		SELECT id, status, dim, point_json, step_json, hessian_json,
		       covariance_json, error, created_at, completed_at
		FROM estimations WHERE id = ?`, id)

	var (
		rec               Record
		pointJSON         string
		stepJSON          string
		hessJSON, covJSON sql.NullString
		errText           sql.NullString
		createdAt         string
		completedAt       sql.NullString
	)
	err := row.Scan(&rec.ID, &rec.Status, &rec.Dim, &pointJSON, &stepJSON,
		&hessJSON, &covJSON, &errText, &createdAt, &completedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan estimation: %w", err)
	}

	if err := json.Unmarshal([]byte(pointJSON), &rec.Point); err != nil {
		return nil, fmt.Errorf("unmarshal point: %w", err)
	}
	if err := json.Unmarshal([]byte(stepJSON), &rec.Step); err != nil {
		return nil, fmt.Errorf("unmarshal step: %w", err)
	}
	if hessJSON.Valid {
		if err := json.Unmarshal([]byte(hessJSON.String), &rec.Hessian); err != nil {
			return nil, fmt.Errorf("unmarshal hessian: %w", err)
		}
	}
	if covJSON.Valid {
		if err := json.Unmarshal([]byte(covJSON.String), &rec.Covariance); err != nil {
			return nil, fmt.Errorf("unmarshal covariance: %w", err)
		}
	}
	rec.Error = errText.String

	rec.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt)
	if err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}
	if completedAt.Valid {
		ts, err := time.Parse(time.RFC3339Nano, completedAt.String)
		if err != nil {
			return nil, fmt.Errorf("parse completed_at: %w", err)
		}
		rec.CompletedAt = &ts
	}

	return &rec, nil
}

// List returns the most recent records, newest first.
func (s *Store) List(limit int) ([]*Record, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(`
		SELECT id FROM estimations ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list estimations: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	out := make([]*Record, 0, len(ids))
	for _, id := range ids {
		rec, err := s.Get(id)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}
