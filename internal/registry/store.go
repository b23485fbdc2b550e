package registry

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/1ureka/vmpi/internal/transport"
)

// Store persists registry entries in SQLite.
type Store struct {
	db *sql.DB
}

// OpenStore opens (and creates if needed) the database at path.
func OpenStore(ctx context.Context, path string) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create sqlite directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if _, err := db.ExecContext(pctx, "PRAGMA busy_timeout = 5000;"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set busy_timeout: %w", err)
	}

	stmts := []string{
		`CREATE TABLE IF NOT EXISTS workers (
  name    TEXT PRIMARY KEY,
  addr    TEXT NOT NULL,
  seen_at INTEGER NOT NULL
);`,
		`CREATE INDEX IF NOT EXISTS workers_seen_at_idx ON workers(seen_at);`,
	}
	for _, stmt := range stmts {
		if _, err := db.ExecContext(pctx, stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("bootstrap sqlite: %w", err)
		}
	}
	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Upsert records e, replacing any entry with the same name.
func (s *Store) Upsert(ctx context.Context, e Entry) error {
	m, err := transport.ToMultiaddr(e.Addr)
	if err != nil {
		return err
	}
	if e.Seen.IsZero() {
		e.Seen = time.Now()
	}
	_, err = s.db.ExecContext(ctx, `
INSERT INTO workers (name, addr, seen_at) VALUES (?, ?, ?)
ON CONFLICT(name) DO UPDATE SET addr = excluded.addr, seen_at = excluded.seen_at`,
		e.Name, m.String(), e.Seen.UnixNano())
	if err != nil {
		return fmt.Errorf("upsert worker %s: %w", e.Name, err)
	}
	return nil
}

// Active returns the entries seen at or after since, ordered by name.
func (s *Store) Active(ctx context.Context, since time.Time) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT name, addr, seen_at FROM workers WHERE seen_at >= ? ORDER BY name`, since.UnixNano())
	if err != nil {
		return nil, fmt.Errorf("query workers: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var (
			name, addr string
			seen       int64
		)
		if err := rows.Scan(&name, &addr, &seen); err != nil {
			return nil, fmt.Errorf("scan worker: %w", err)
		}
		ap, err := transport.ParseAddr(addr)
		if err != nil {
			return nil, err
		}
		out = append(out, Entry{Name: name, Addr: ap, Seen: time.Unix(0, seen)})
	}
	return out, rows.Err()
}

// Remove deletes the entry called name.
func (s *Store) Remove(ctx context.Context, name string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM workers WHERE name = ?`, name); err != nil {
		return fmt.Errorf("remove worker %s: %w", name, err)
	}
	return nil
}

// Prune deletes entries last seen before before and returns how many went.
func (s *Store) Prune(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM workers WHERE seen_at < ?`, before.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("prune workers: %w", err)
	}
	return res.RowsAffected()
}
