package store

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"strconv"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

const sqliteSchema = `
	CREATE TABLE IF NOT EXISTS messages (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		username TEXT NOT NULL,
		message TEXT NOT NULL,
		timestamp DATETIME NOT NULL
	)`

// SQLiteStore keeps messages in a local SQLite database file.
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewSQLiteStore opens (creating if needed) the database at dbPath.
// If dbPath is empty, defaults to "./data/chat.db".
func NewSQLiteStore(ctx context.Context, dbPath string) (*SQLiteStore, error) {
	if dbPath == "" {
		dbPath = "./data/chat.db"
	}

	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, err
	}
	// A single writer connection keeps inserts serialized.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}

	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &SQLiteStore{db: db, now: time.Now}, nil
}

// Append inserts one message row.
func (s *SQLiteStore) Append(ctx context.Context, username, text string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO messages (username, message, timestamp) VALUES (?, ?, ?)`,
		username, text, s.now().UTC(),
	)
	return err
}

// FetchRecent reads the newest rows by id and returns them oldest first.
func (s *SQLiteStore) FetchRecent(ctx context.Context, limit int) ([]Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, username, message, timestamp
		FROM messages
		ORDER BY id DESC
		LIMIT ?
	`, normalizeLimit(limit))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	messages := make([]Message, 0)
	for rows.Next() {
		var (
			id  int64
			msg Message
		)
		if err := rows.Scan(&id, &msg.Username, &msg.Text, &msg.CreatedAt); err != nil {
			return nil, err
		}
		msg.ID = strconv.FormatInt(id, 10)
		messages = append(messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	reverse(messages)
	return messages, nil
}

// Ping checks the database handle.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
