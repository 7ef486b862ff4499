package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/redis/go-redis/v9"
)

const messagesKey = "chat:messages"

// RedisStore keeps messages in a sorted set scored by creation time.
// Members start with a ULID so equal scores still sort in insertion order.
type RedisStore struct {
	client *redis.Client
	retain int
	now    func() time.Time
}

// NewRedisStore parses redisURL, connects and pings.
func NewRedisStore(ctx context.Context, redisURL string, retain int) (*RedisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}

	client := redis.NewClient(opts)

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, err
	}

	if retain <= 0 {
		retain = defaultRetain
	}
	return &RedisStore{client: client, retain: retain, now: time.Now}, nil
}

// Client returns the underlying Redis client.
func (s *RedisStore) Client() *redis.Client {
	return s.client
}

// Append adds the message and trims the set to the retention bound.
func (s *RedisStore) Append(ctx context.Context, username, text string) error {
	created := s.now()
	msg := Message{
		ID:        ulid.Make().String(),
		Username:  username,
		Text:      text,
		CreatedAt: created,
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZAdd(ctx, messagesKey, redis.Z{
			Score:  float64(created.UnixMilli()),
			Member: string(data),
		})
		pipe.ZRemRangeByRank(ctx, messagesKey, 0, int64(-s.retain-1))
		return nil
	})
	return err
}

// FetchRecent returns the newest limit messages, oldest first.
func (s *RedisStore) FetchRecent(ctx context.Context, limit int) ([]Message, error) {
	limit = normalizeLimit(limit)

	results, err := s.client.ZRevRange(ctx, messagesKey, 0, int64(limit-1)).Result()
	if err != nil {
		return nil, err
	}

	messages := make([]Message, 0, len(results))
	for _, data := range results {
		var msg Message
		if err := json.Unmarshal([]byte(data), &msg); err != nil {
			return nil, fmt.Errorf("decode stored message: %w", err)
		}
		messages = append(messages, msg)
	}

	reverse(messages)
	return messages, nil
}

// Ping checks the Redis connection.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close closes the Redis connection.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
