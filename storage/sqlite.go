package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	_ "github.com/glebarez/go-sqlite"
)

type SQLiteStorage struct {
	db         *sql.DB
	writeMutex *sync.Mutex
}

// NewSQLiteStorage opens (or creates) the cache database.
// Use "file::memory:?cache=shared" for an in-memory database.
func NewSQLiteStorage(filename string) (*SQLiteStorage, error) {
	db, err := sql.Open("sqlite", filename)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", filename, err)
	}
	statements := []string{
		"PRAGMA journal_mode=WAL",
		"CREATE TABLE IF NOT EXISTS caches (name TEXT PRIMARY KEY)",
		"CREATE TABLE IF NOT EXISTS entries (cache TEXT NOT NULL, key TEXT NOT NULL, stored_at INTEGER, bytes BLOB, PRIMARY KEY (cache, key))",
	}
	for _, stmt := range statements {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("init sqlite %s: %w", filename, err)
		}
	}
	return &SQLiteStorage{
		db:         db,
		writeMutex: &sync.Mutex{},
	}, nil
}

func (s *SQLiteStorage) Close() error {
	return s.db.Close()
}

func (s *SQLiteStorage) Open(ctx context.Context, name string) (Cache, error) {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	if _, err := s.db.ExecContext(ctx, "INSERT OR IGNORE INTO caches (name) VALUES (?)", name); err != nil {
		return nil, fmt.Errorf("create cache %s: %w", name, err)
	}
	return &SQLiteCache{storage: s, name: name}, nil
}

func (s *SQLiteStorage) Has(ctx context.Context, name string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, "SELECT 1 FROM caches WHERE name = ?", name).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (s *SQLiteStorage) Delete(ctx context.Context, name string) (bool, error) {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, "DELETE FROM entries WHERE cache = ?", name); err != nil {
		return false, err
	}
	result, err := tx.ExecContext(ctx, "DELETE FROM caches WHERE name = ?", name)
	if err != nil {
		return false, err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return rows > 0, tx.Commit()
}

func (s *SQLiteStorage) Keys(ctx context.Context) ([]string, error) {
	return s.strings(ctx, "SELECT name FROM caches ORDER BY name")
}

func (s *SQLiteStorage) strings(ctx context.Context, query string, args ...any) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	values := make([]string, 0)
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return values, err
		}
		values = append(values, v)
	}
	return values, rows.Err()
}

type SQLiteCache struct {
	storage *SQLiteStorage
	name    string
}

func (c *SQLiteCache) Match(ctx context.Context, key string) (Entry, bool, error) {
	var storedAt int64
	entry := Entry{Key: key}
	err := c.storage.db.QueryRowContext(ctx,
		"SELECT stored_at, bytes FROM entries WHERE cache = ? AND key = ?", c.name, key).
		Scan(&storedAt, &entry.Bytes)
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, err
	}
	entry.StoredAt = time.UnixMilli(storedAt)
	return entry, true, nil
}

func (c *SQLiteCache) Put(ctx context.Context, entry Entry) error {
	c.storage.writeMutex.Lock()
	defer c.storage.writeMutex.Unlock()
	_, err := c.storage.db.ExecContext(ctx,
		"INSERT OR REPLACE INTO entries (cache, key, stored_at, bytes) VALUES (?, ?, ?, ?)",
		c.name, entry.Key, entry.StoredAt.UnixMilli(), entry.Bytes)
	return err
}

func (c *SQLiteCache) Keys(ctx context.Context) ([]string, error) {
	return c.storage.strings(ctx, "SELECT key FROM entries WHERE cache = ? ORDER BY key", c.name)
}
