package store

import (
	"context"
	"time"

	"github.com/Tyrowin/presencechat/internal/metrics"
)

// instrumented records operation counts and latency for a driver.
type instrumented struct {
	driver string
	next   MessageStore
}

func instrument(driver string, next MessageStore) MessageStore {
	return &instrumented{driver: driver, next: next}
}

func (s *instrumented) observe(op string, start time.Time, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	metrics.StoreOperations.WithLabelValues(s.driver, op, result).Inc()
	metrics.StoreLatency.WithLabelValues(s.driver, op).Observe(time.Since(start).Seconds())
}

func (s *instrumented) Append(ctx context.Context, username, text string) error {
	start := time.Now()
	err := s.next.Append(ctx, username, text)
	s.observe("append", start, err)
	return err
}

func (s *instrumented) FetchRecent(ctx context.Context, limit int) ([]Message, error) {
	start := time.Now()
	messages, err := s.next.FetchRecent(ctx, limit)
	s.observe("fetch_recent", start, err)
	return messages, err
}

func (s *instrumented) Ping(ctx context.Context) error {
	start := time.Now()
	err := s.next.Ping(ctx)
	s.observe("ping", start, err)
	return err
}

func (s *instrumented) Close() error {
	return s.next.Close()
}
