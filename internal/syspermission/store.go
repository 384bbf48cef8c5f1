// Package syspermission is the host's system-level permission surface:
// capability grants persisted in SQLite plus a prompter that asks the user.
package syspermission

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/EchoPBX/agentweb-bridge/internal/permission"
	_ "modernc.org/sqlite"
)

const schema = `CREATE TABLE IF NOT EXISTS capability_grants (
	capability TEXT PRIMARY KEY,
	granted    INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
)`

// Grant is the last recorded answer for a capability.
type Grant struct {
	Capability permission.Capability `json:"capability"`
	Granted    bool                  `json:"granted"`
	UpdatedAt  time.Time             `json:"updatedAt"`
}

// Store persists grants. Safe for concurrent use.
type Store struct {
	sqlDB *sql.DB
}

func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("grant store path is required")
	}
	cleanPath := filepath.Clean(path)
	if err := os.MkdirAll(filepath.Dir(cleanPath), 0o755); err != nil {
		return nil, fmt.Errorf("create grant store dir: %w", err)
	}
	dsn := "file:" + cleanPath + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if _, err := sqlDB.Exec(schema); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return &Store{sqlDB: sqlDB}, nil
}

func (s *Store) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

func (s *Store) Granted(ctx context.Context, c permission.Capability) (bool, error) {
	var granted bool
	err := s.sqlDB.QueryRowContext(ctx,
		`SELECT granted FROM capability_grants WHERE capability = ?`, string(c)).Scan(&granted)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("query grant %s: %w", c, err)
	}
	return granted, nil
}

func (s *Store) Set(ctx context.Context, c permission.Capability, granted bool) error {
	_, err := s.sqlDB.ExecContext(ctx,
		`INSERT INTO capability_grants (capability, granted, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(capability) DO UPDATE SET granted = excluded.granted, updated_at = excluded.updated_at`,
		string(c), granted, time.Now().UTC().UnixMilli())
	if err != nil {
		return fmt.Errorf("store grant %s: %w", c, err)
	}
	return nil
}

func (s *Store) Revoke(ctx context.Context, c permission.Capability) error {
	if _, err := s.sqlDB.ExecContext(ctx, `DELETE FROM capability_grants WHERE capability = ?`, string(c)); err != nil {
		return fmt.Errorf("revoke grant %s: %w", c, err)
	}
	return nil
}

func (s *Store) List(ctx context.Context) ([]Grant, error) {
	rows, err := s.sqlDB.QueryContext(ctx,
		`SELECT capability, granted, updated_at FROM capability_grants ORDER BY capability`)
	if err != nil {
		return nil, fmt.Errorf("list grants: %w", err)
	}
	defer rows.Close()

	var out []Grant
	for rows.Next() {
		var (
			c       string
			granted bool
			updated int64
		)
		if err := rows.Scan(&c, &granted, &updated); err != nil {
			return nil, fmt.Errorf("scan grant: %w", err)
		}
		out = append(out, Grant{
			Capability: permission.Capability(c),
			Granted:    granted,
			UpdatedAt:  time.UnixMilli(updated).UTC(),
		})
	}
	return out, rows.Err()
}
