// Package store persists chat messages and reads back recent history.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// DefaultFetchLimit is the history size used when a caller passes a
// non-positive limit.
const DefaultFetchLimit = 50

// Supported drivers.
const (
	DriverMemory   = "memory"
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
	DriverRedis    = "redis"
)

// ErrUnknownDriver is returned by Open for an unsupported driver name.
var ErrUnknownDriver = errors.New("unknown store driver")

// Message is one persisted chat line.
type Message struct {
	ID        string    `json:"id"`
	Username  string    `json:"username"`
	Text      string    `json:"message"`
	CreatedAt time.Time `json:"created_at"`
}

// MessageStore is an append-only log of chat messages.
type MessageStore interface {
	// Append persists a message, stamping it with the store's clock.
	Append(ctx context.Context, username, text string) error
	// FetchRecent returns up to limit of the newest messages, oldest first.
	FetchRecent(ctx context.Context, limit int) ([]Message, error)
	Ping(ctx context.Context) error
	Close() error
}

// Options selects and configures a driver for Open.
type Options struct {
	Driver      string
	DatabaseURL string
	SQLitePath  string
	RedisURL    string
	// Retain bounds how many messages the memory and redis drivers keep.
	Retain int
}

// Open connects the configured driver and wraps it with metrics.
func Open(ctx context.Context, opts Options) (MessageStore, error) {
	var (
		s   MessageStore
		err error
	)

	switch opts.Driver {
	case DriverMemory, "":
		s = NewMemoryStore(opts.Retain)
		opts.Driver = DriverMemory
	case DriverPostgres:
		s, err = NewPostgresStore(ctx, opts.DatabaseURL)
	case DriverSQLite:
		s, err = NewSQLiteStore(ctx, opts.SQLitePath)
	case DriverRedis:
		s, err = NewRedisStore(ctx, opts.RedisURL, opts.Retain)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownDriver, opts.Driver)
	}
	if err != nil {
		return nil, fmt.Errorf("open %s store: %w", opts.Driver, err)
	}

	return instrument(opts.Driver, s), nil
}

func normalizeLimit(limit int) int {
	if limit <= 0 {
		return DefaultFetchLimit
	}
	return limit
}

// reverse flips newest-first rows into oldest-first order in place.
func reverse(messages []Message) {
	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}
}
