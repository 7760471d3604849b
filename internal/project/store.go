package project

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// Store persists loaded project definitions locally so a restarted player
// can come back on air without the backend
type Store interface {
	Get(ctx context.Context, projectID string) (*Project, time.Time, error)
	Put(ctx context.Context, p *Project) error
}

const schema = `
CREATE TABLE IF NOT EXISTS projects (
	id         TEXT PRIMARY KEY,
	payload    BLOB NOT NULL,
	saved_at   INTEGER NOT NULL
)`

// SQLiteStore persists project definitions in SQLite
type SQLiteStore struct {
	sqlDB *sql.DB
}

// OpenSQLiteStore opens (or creates) the project store at path
func OpenSQLiteStore(path string) (*SQLiteStore, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	dsn := path
	if path != ":memory:" {
		dsn = filepath.Clean(path) + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	}
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if path == ":memory:" {
		// Every pooled connection would otherwise get its own empty database.
		sqlDB.SetMaxOpenConns(1)
	}
	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if _, err := sqlDB.Exec(schema); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return &SQLiteStore{sqlDB: sqlDB}, nil
}

// Close closes the SQLite handle
func (s *SQLiteStore) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

// Get returns the saved project and when it was saved
func (s *SQLiteStore) Get(ctx context.Context, projectID string) (*Project, time.Time, error) {
	if s == nil || s.sqlDB == nil {
		return nil, time.Time{}, fmt.Errorf("storage is not configured")
	}
	var (
		payload []byte
		savedAt int64
	)
	err := s.sqlDB.QueryRowContext(ctx,
		`SELECT payload, saved_at FROM projects WHERE id = ?`, projectID).Scan(&payload, &savedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, time.Time{}, ErrNotFound
	}
	if err != nil {
		return nil, time.Time{}, fmt.Errorf("get project %s: %w", projectID, err)
	}

	var p Project
	if err := json.Unmarshal(payload, &p); err != nil {
		return nil, time.Time{}, fmt.Errorf("decode project %s: %w", projectID, err)
	}
	return &p, time.UnixMilli(savedAt), nil
}

// Put saves or replaces a project
func (s *SQLiteStore) Put(ctx context.Context, p *Project) error {
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	if p == nil || p.ID == "" {
		return fmt.Errorf("project id is required")
	}
	payload, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("encode project %s: %w", p.ID, err)
	}
	_, err = s.sqlDB.ExecContext(ctx,
		`INSERT INTO projects (id, payload, saved_at) VALUES (?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET payload = excluded.payload, saved_at = excluded.saved_at`,
		p.ID, payload, time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("put project %s: %w", p.ID, err)
	}
	return nil
}
