package quickquery

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS history (
    id          INTEGER PRIMARY KEY AUTOINCREMENT,
    question    TEXT NOT NULL,
    answer      TEXT NOT NULL,
    confidence  REAL,
    asked_at    TIMESTAMP NOT NULL
);
`

// Store persists the bounded history across loupeq invocations. The same
// cap-then-slice policy applies: rows beyond capacity are deleted oldest
// first on every insert.
type Store struct {
	db       *sql.DB
	capacity int
}

// OpenStore opens (creating if needed) the history database at path.
func OpenStore(path string, capacity int) (*Store, error) {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("quickquery: create history directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("quickquery: open history database: %w", err)
	}

	// SQLite allows one writer at a time.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("quickquery: set journal mode: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("quickquery: initialize schema: %w", err)
	}

	return &Store{db: db, capacity: capacity}, nil
}

// Add inserts the entry and evicts rows beyond capacity, oldest first.
func (s *Store) Add(ctx context.Context, e Entry) error {
	if e.AskedAt.IsZero() {
		e.AskedAt = time.Now()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("quickquery: begin insert: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO history (question, answer, confidence, asked_at) VALUES (?, ?, ?, ?)`,
		e.Question, e.Answer, e.Confidence, e.AskedAt.UTC(),
	); err != nil {
		return fmt.Errorf("quickquery: insert entry: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM history WHERE id NOT IN (SELECT id FROM history ORDER BY id DESC LIMIT ?)`,
		s.capacity,
	); err != nil {
		return fmt.Errorf("quickquery: evict old entries: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("quickquery: commit insert: %w", err)
	}
	return nil
}

// Recent returns the retained entries in insertion order, oldest first.
func (s *Store) Recent(ctx context.Context) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT question, answer, confidence, asked_at FROM history ORDER BY id ASC`,
	)
	if err != nil {
		return nil, fmt.Errorf("quickquery: query history: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.Question, &e.Answer, &e.Confidence, &e.AskedAt); err != nil {
			return nil, fmt.Errorf("quickquery: scan entry: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("quickquery: iterate history: %w", err)
	}
	return entries, nil
}

// Load rebuilds the in-memory History from the persisted rows.
func (s *Store) Load(ctx context.Context) (*History, error) {
	entries, err := s.Recent(ctx)
	if err != nil {
		return nil, err
	}
	h := NewHistory(s.capacity)
	for _, e := range entries {
		h.Add(e)
	}
	return h, nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}
