package archive

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore keeps archives in a single sqlite table keyed by (scope, id).
type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	s := &SQLiteStore{db: db}
	if err := s.configure(); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := s.initSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) configure() error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
	}
	for _, p := range pragmas {
		if _, err := s.db.Exec(p); err != nil {
			return fmt.Errorf("sqlite pragma %q: %w", p, err)
		}
	}
	return nil
}

func (s *SQLiteStore) initSchema() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS archives (
			scope TEXT NOT NULL,
			id TEXT NOT NULL,
			level TEXT NOT NULL,
			content TEXT NOT NULL,
			metadata TEXT NOT NULL,
			last_activity TEXT NOT NULL,
			archived_at TEXT NOT NULL,
			PRIMARY KEY (scope, id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_archives_level ON archives(scope, level, last_activity)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("init schema: %w", err)
		}
	}
	return nil
}

func (s *SQLiteStore) Put(ctx context.Context, meta Metadata, content string) error {
	if !validID(meta.ID) {
		return opErr("put", meta.Scope, meta.ID, ErrInvalidID)
	}
	raw, err := json.Marshal(meta)
	if err != nil {
		return opErr("put", meta.Scope, meta.ID, fmt.Errorf("encode metadata: %w", err))
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO archives (scope, id, level, content, metadata, last_activity, archived_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(scope, id) DO UPDATE SET
			level = excluded.level,
			content = excluded.content,
			metadata = excluded.metadata,
			last_activity = excluded.last_activity,
			archived_at = excluded.archived_at
	`, string(meta.Scope), meta.ID, meta.Level, content, string(raw),
		meta.LastActivity.UTC().Format(time.RFC3339), meta.ArchivedAt.UTC().Format(time.RFC3339))
	if err != nil {
		return opErr("put", meta.Scope, meta.ID, err)
	}
	return nil
}

func (s *SQLiteStore) Metadata(ctx context.Context, scope Scope, id string) (Metadata, error) {
	var raw string
	err := s.db.QueryRowContext(ctx,
		`SELECT metadata FROM archives WHERE scope = ? AND id = ?`, string(scope), id).Scan(&raw)
	if err != nil {
		return Metadata{}, opErr("metadata", scope, id, noRows(err))
	}
	var meta Metadata
	if err := json.Unmarshal([]byte(raw), &meta); err != nil {
		return Metadata{}, opErr("metadata", scope, id, fmt.Errorf("decode metadata: %w", err))
	}
	return meta, nil
}

func (s *SQLiteStore) Content(ctx context.Context, scope Scope, id string) (string, error) {
	var content string
	err := s.db.QueryRowContext(ctx,
		`SELECT content FROM archives WHERE scope = ? AND id = ?`, string(scope), id).Scan(&content)
	if err != nil {
		return "", opErr("content", scope, id, noRows(err))
	}
	return content, nil
}

func (s *SQLiteStore) Delete(ctx context.Context, scope Scope, id string) (int64, error) {
	var size int64
	err := s.db.QueryRowContext(ctx,
		`SELECT length(content) + length(metadata) FROM archives WHERE scope = ? AND id = ?`,
		string(scope), id).Scan(&size)
	if err != nil {
		return 0, opErr("delete", scope, id, noRows(err))
	}
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM archives WHERE scope = ? AND id = ?`, string(scope), id); err != nil {
		return 0, opErr("delete", scope, id, err)
	}
	return size, nil
}

func (s *SQLiteStore) List(ctx context.Context, scope Scope) ([]Metadata, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT metadata FROM archives WHERE scope = ? ORDER BY id`, string(scope))
	if err != nil {
		return nil, fmt.Errorf("list %s archives: %w", scope, err)
	}
	defer rows.Close()

	var (
		out  []Metadata
		errs []error
	)
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return out, fmt.Errorf("scan archive: %w", err)
		}
		var meta Metadata
		if err := json.Unmarshal([]byte(raw), &meta); err != nil {
			errs = append(errs, fmt.Errorf("decode metadata: %w", err))
			continue
		}
		out = append(out, meta)
	}
	if err := rows.Err(); err != nil {
		errs = append(errs, err)
	}
	return out, errors.Join(errs...)
}

func (s *SQLiteStore) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func noRows(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	return err
}
