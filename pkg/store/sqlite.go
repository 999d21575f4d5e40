package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
)

// SQLiteStore persists documents in a single sqlite table, one row per key.
type SQLiteStore struct {
	db *sql.DB
}

var _ Store = &SQLiteStore{}

func NewSQLiteStore(dsn string) (*SQLiteStore, error) {
	if dsn == "" {
		return nil, errors.New("sqlite store: empty dsn")
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, err
	}
	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS conversation_documents (
			key TEXT PRIMARY KEY,
			doc TEXT NOT NULL,
			updated_at_ms INTEGER NOT NULL
		)
	`)
	if err != nil {
		return errors.Wrap(err, "sqlite store: migrate")
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLiteStore) Save(ctx context.Context, key string, doc []byte) error {
	if s == nil || s.db == nil {
		return errors.New("sqlite store: db is nil")
	}
	key = strings.TrimSpace(key)
	if key == "" {
		return errors.New("sqlite store: key is empty")
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO conversation_documents (key, doc, updated_at_ms)
		VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			doc = excluded.doc,
			updated_at_ms = excluded.updated_at_ms
	`, key, string(doc), time.Now().UnixMilli())
	if err != nil {
		return errors.Wrap(err, "sqlite store: save")
	}
	return nil
}

func (s *SQLiteStore) Load(ctx context.Context, key string) ([]byte, bool, error) {
	if s == nil || s.db == nil {
		return nil, false, errors.New("sqlite store: db is nil")
	}
	key = strings.TrimSpace(key)
	if key == "" {
		return nil, false, errors.New("sqlite store: key is empty")
	}
	var doc string
	err := s.db.QueryRowContext(ctx, `
		SELECT doc FROM conversation_documents WHERE key = ?
	`, key).Scan(&doc)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, errors.Wrap(err, "sqlite store: load")
	}
	return []byte(doc), true, nil
}

func (s *SQLiteStore) Delete(ctx context.Context, key string) error {
	if s == nil || s.db == nil {
		return errors.New("sqlite store: db is nil")
	}
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM conversation_documents WHERE key = ?
	`, strings.TrimSpace(key))
	if err != nil {
		return errors.Wrap(err, "sqlite store: delete")
	}
	return nil
}

// SQLiteDSNForFile builds a DSN for a database file.
func SQLiteDSNForFile(path string) (string, error) {
	if path == "" {
		return "", errors.New("sqlite store: empty path")
	}
	// WAL for concurrent readers + writer. busy_timeout to avoid transient SQLITE_BUSY.
	return fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000", path), nil
}
