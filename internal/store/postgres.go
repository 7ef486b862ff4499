package store

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

const postgresSchema = `
	CREATE TABLE IF NOT EXISTS messages (
		id BIGSERIAL PRIMARY KEY,
		username TEXT NOT NULL,
		message TEXT NOT NULL,
		timestamp TIMESTAMPTZ NOT NULL DEFAULT now()
	)`

// PostgresStore keeps messages in a PostgreSQL table.
type PostgresStore struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

// NewPostgresStore connects a pool, verifies it and ensures the schema.
func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	if databaseURL == "" {
		return nil, fmt.Errorf("database url is empty")
	}

	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, err
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}

	return &PostgresStore{pool: pool, now: time.Now}, nil
}

// Append inserts one message row.
func (s *PostgresStore) Append(ctx context.Context, username, text string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO messages (username, message, timestamp)
		VALUES ($1, $2, $3)
	`, username, text, s.now())
	return err
}

// FetchRecent reads the newest rows by id and returns them oldest first.
func (s *PostgresStore) FetchRecent(ctx context.Context, limit int) ([]Message, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, username, message, timestamp
		FROM messages
		ORDER BY id DESC
		LIMIT $1
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

// Ping checks the database connection.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close closes the connection pool.
func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
