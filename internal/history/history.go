// Package history provides SQLite-based persistence for session transcripts.
// The database is opened lazily and created on first use.
// If opening the DB or creating the table fails, the store falls back to in-memory storage.
package history

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sync"
	"time"

	_ "github.com/glebarez/go-sqlite"
)

// Store keeps session transcripts.
type Store struct {
	path string
	log  *slog.Logger

	mu       sync.Mutex
	messages []Message // in-memory fallback
	nextID   int64

	dbOnce  sync.Once
	db      *sql.DB
	initErr error
}

// Open returns a store backed by the SQLite file at path. Nothing is touched
// on disk until the first call.
func Open(path string, log *slog.Logger) *Store {
	return &Store{path: path, log: log}
}

// initDB lazily opens the SQLite database and creates the messages table if it doesn't exist.
func (s *Store) initDB() {
	db, err := sql.Open("sqlite", "file:"+s.path+"?_pragma=busy_timeout(10000)")
	if err != nil {
		s.initErr = err
		s.log.Warn("sqlite open failed; using in-memory history", "error", err)
		return
	}
	if _, err = db.Exec(`CREATE TABLE IF NOT EXISTS messages (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id TEXT NOT NULL,
		role TEXT NOT NULL,
		content TEXT NOT NULL,
		created_at TEXT NOT NULL
	);`); err == nil {
		_, err = db.Exec(`CREATE INDEX IF NOT EXISTS messages_session ON messages (session_id, id);`)
	}
	if err != nil {
		db.Close()
		s.initErr = err
		s.log.Warn("sqlite table creation failed; using in-memory history", "error", err)
		return
	}
	s.db = db
	s.log.Info("sqlite history DB initialized", "path", s.path)
}

func (s *Store) usable() bool {
	s.dbOnce.Do(s.initDB)
	return s.initErr == nil && s.db != nil
}

// Append stores msgs in order, within one transaction when SQLite is available.
func (s *Store) Append(ctx context.Context, msgs ...Message) error {
	if !s.usable() {
		s.mu.Lock()
		for _, m := range msgs {
			s.nextID++
			m.ID = s.nextID
			s.messages = append(s.messages, m)
		}
		s.mu.Unlock()
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("history: begin: %w", err)
	}
	defer tx.Rollback()

	for _, m := range msgs {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO messages (session_id, role, content, created_at) VALUES (?,?,?,?);`,
			m.SessionID, m.Role, m.Content, m.CreatedAt.UTC().Format(time.RFC3339Nano)); err != nil {
			return fmt.Errorf("history: insert: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("history: commit: %w", err)
	}
	return nil
}

// List returns all messages of a session in chronological order.
func (s *Store) List(ctx context.Context, sessionID string) ([]Message, error) {
	if !s.usable() {
		var out []Message
		s.mu.Lock()
		for _, m := range s.messages {
			if m.SessionID == sessionID {
				out = append(out, m)
			}
		}
		s.mu.Unlock()
		return out, nil
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, role, content, created_at FROM messages WHERE session_id = ? ORDER BY id ASC;`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("history: query: %w", err)
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		var (
			m       Message
			created string
		)
		if err := rows.Scan(&m.ID, &m.SessionID, &m.Role, &m.Content, &created); err != nil {
			return nil, fmt.Errorf("history: scan: %w", err)
		}
		if m.CreatedAt, err = time.Parse(time.RFC3339Nano, created); err != nil {
			return nil, fmt.Errorf("history: created_at: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// Close releases the database handle, if one was opened.
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}
