package credential

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Expired is the instant written to a cookie to clear it
var Expired = time.Date(1970, time.January, 1, 0, 0, 1, 0, time.UTC)

// Cookie is a named, path-scoped value with an explicit expiry
type Cookie struct {
	Name    string
	Value   string
	Path    string
	Expires time.Time
}

// Store persists cookies. Get never returns a cookie whose expiry is not
// after now.
type Store interface {
	Get(ctx context.Context, name, path string, now time.Time) (Cookie, bool, error)
	Set(ctx context.Context, c Cookie) error
}

// SQLiteStore keeps cookies in a SQLite table
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens (or creates) the cookie database at path
func OpenSQLite(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	createCookiesTable := `
	CREATE TABLE IF NOT EXISTS cookies (
		name TEXT NOT NULL,
		path TEXT NOT NULL,
		value TEXT NOT NULL,
		expires DATETIME NOT NULL,
		PRIMARY KEY (name, path)
	);`

	if _, err := db.Exec(createCookiesTable); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create cookies table: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// Get returns the unexpired cookie stored under name and path
func (s *SQLiteStore) Get(ctx context.Context, name, path string, now time.Time) (Cookie, bool, error) {
	c := Cookie{Name: name, Path: path}
	err := s.db.QueryRowContext(ctx,
		"SELECT value, expires FROM cookies WHERE name = ? AND path = ?",
		name, path,
	).Scan(&c.Value, &c.Expires)
	if errors.Is(err, sql.ErrNoRows) {
		return Cookie{}, false, nil
	}
	if err != nil {
		return Cookie{}, false, fmt.Errorf("failed to load cookie: %w", err)
	}
	if !c.Expires.After(now) {
		return Cookie{}, false, nil
	}
	return c, true, nil
}

// Set inserts or replaces a cookie. Writing an expiry in the past clears it.
func (s *SQLiteStore) Set(ctx context.Context, c Cookie) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT OR REPLACE INTO cookies (name, path, value, expires) VALUES (?, ?, ?, ?)",
		c.Name, c.Path, c.Value, c.Expires.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to save cookie: %w", err)
	}
	return nil
}

// Close closes the underlying database
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// MemoryStore is an in-process Store
type MemoryStore struct {
	mu      sync.Mutex
	cookies map[string]Cookie
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{cookies: make(map[string]Cookie)}
}

func (s *MemoryStore) Get(_ context.Context, name, path string, now time.Time) (Cookie, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.cookies[path+"\x00"+name]
	if !ok || !c.Expires.After(now) {
		return Cookie{}, false, nil
	}
	return c, true, nil
}

func (s *MemoryStore) Set(_ context.Context, c Cookie) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cookies[c.Path+"\x00"+c.Name] = c
	return nil
}
