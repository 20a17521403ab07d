//go:build sqlite
// +build sqlite

package embedded

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
)

func init() {
	storeOpeners["sqlite"] = func(path string) (Store, error) { return NewSQLiteStore(path) }
}

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens a SQLite store.
// An empty path uses a private in-memory database.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	dsn := path
	if dsn == "" {
		dsn = ":memory:"
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// every connection to :memory: is a separate database
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return store, nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) initSchema() error {
	_, err := s.db.Exec(`
	CREATE TABLE IF NOT EXISTS jobs (
		id INTEGER PRIMARY KEY,
		tube TEXT NOT NULL,
		state TEXT NOT NULL,
		data BLOB NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_jobs_tube_state ON jobs(tube, state);
	`)
	return err
}

// Insert stores a new job
func (s *SQLiteStore) Insert(ctx context.Context, job *Job) error {
	var err error
	if ctx, err = normalizeContext(ctx); err != nil {
		return err
	}
	if job == nil {
		return fmt.Errorf("job is nil")
	}
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO jobs (id, tube, state, data) VALUES (?, ?, ?, ?)`,
		int64(job.ID), job.Tube, string(job.State), data,
	); err != nil {
		return fmt.Errorf("failed to insert job: %w", err)
	}
	return nil
}

// Get retrieves a job by id
func (s *SQLiteStore) Get(ctx context.Context, id uint64) (*Job, error) {
	var err error
	if ctx, err = normalizeContext(ctx); err != nil {
		return nil, err
	}
	var data []byte
	err = s.db.QueryRowContext(ctx, `SELECT data FROM jobs WHERE id = ?`, int64(id)).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	return decodeRow(data)
}

// Update replaces an existing job
func (s *SQLiteStore) Update(ctx context.Context, job *Job) error {
	var err error
	if ctx, err = normalizeContext(ctx); err != nil {
		return err
	}
	if job == nil {
		return fmt.Errorf("job is nil")
	}
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET tube = ?, state = ?, data = ? WHERE id = ?`,
		job.Tube, string(job.State), data, int64(job.ID),
	)
	if err != nil {
		return fmt.Errorf("failed to update job: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrJobNotFound
	}
	return nil
}

// Delete removes a job by id
func (s *SQLiteStore) Delete(ctx context.Context, id uint64) error {
	var err error
	if ctx, err = normalizeContext(ctx); err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `DELETE FROM jobs WHERE id = ?`, int64(id))
	if err != nil {
		return fmt.Errorf("failed to delete job: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrJobNotFound
	}
	return nil
}

// Ascend visits jobs with id >= from in increasing order
func (s *SQLiteStore) Ascend(ctx context.Context, from uint64, fn func(*Job) bool) error {
	return s.scan(ctx, fn, `SELECT data FROM jobs WHERE id >= ? ORDER BY id ASC`, int64(from))
}

// Descend visits jobs from the highest id downwards
func (s *SQLiteStore) Descend(ctx context.Context, fn func(*Job) bool) error {
	return s.scan(ctx, fn, `SELECT data FROM jobs ORDER BY id DESC`)
}

func (s *SQLiteStore) scan(ctx context.Context, fn func(*Job) bool, query string, args ...any) error {
	var err error
	if ctx, err = normalizeContext(ctx); err != nil {
		return err
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to query jobs: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return fmt.Errorf("failed to scan job: %w", err)
		}
		job, err := decodeRow(data)
		if err != nil {
			return err
		}
		if !fn(job) {
			return nil
		}
	}
	return rows.Err()
}

func decodeRow(data []byte) (*Job, error) {
	var job Job
	if err := json.Unmarshal(data, &job); err != nil {
		return nil, fmt.Errorf("failed to unmarshal job: %w", err)
	}
	return &job, nil
}
