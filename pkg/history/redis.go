// Package history keeps the relay's chat history in Redis.
//
// Lines are appended to a single list and trimmed to a fixed size, so the
// store only ever holds what a connecting client can be shown.
package history

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/NicolasHaas/gorelay/pkg/model"
)

// DefaultKey is the Redis list holding the history.
const DefaultKey = "gorelay:messages"

// RedisStore persists messages in a Redis list, oldest at the head.
type RedisStore struct {
	client  redis.Cmdable
	key     string
	maxSize int64
}

// NewRedisStore creates a RedisStore that retains up to maxSize messages.
// A non-positive maxSize keeps everything.
func NewRedisStore(client redis.Cmdable, key string, maxSize int) *RedisStore {
	if key == "" {
		key = DefaultKey
	}
	return &RedisStore{
		client:  client,
		key:     key,
		maxSize: int64(maxSize),
	}
}

// Append adds msg to the tail of the list, trimming to maxSize.
// IDs are assigned from a companion counter so they increase with arrival.
func (s *RedisStore) Append(ctx context.Context, msg *model.Message) error {
	if err := msg.Validate(); err != nil {
		return fmt.Errorf("history: append: %w", err)
	}

	id, err := s.client.Incr(ctx, s.key+":seq").Result()
	if err != nil {
		return fmt.Errorf("history: append: next id: %w", err)
	}
	msg.ID = id

	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("history: append: marshal: %w", err)
	}

	pipe := s.client.Pipeline()
	pipe.RPush(ctx, s.key, data)
	if s.maxSize > 0 {
		pipe.LTrim(ctx, s.key, -s.maxSize, -1)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("history: append: %w", err)
	}
	return nil
}

// Recent returns the last n messages, newest first.
func (s *RedisStore) Recent(ctx context.Context, n int) ([]model.Message, error) {
	if n <= 0 {
		return nil, nil
	}

	vals, err := s.client.LRange(ctx, s.key, int64(-n), -1).Result()
	if err != nil {
		return nil, fmt.Errorf("history: recent: %w", err)
	}

	msgs := make([]model.Message, 0, len(vals))
	for i := len(vals) - 1; i >= 0; i-- {
		var m model.Message
		if err := json.Unmarshal([]byte(vals[i]), &m); err != nil {
			slog.Warn("history: skipping undecodable entry", "key", s.key, "err", err)
			continue
		}
		msgs = append(msgs, m)
	}
	return msgs, nil
}

// Count returns the number of stored messages.
func (s *RedisStore) Count(ctx context.Context) (int, error) {
	n, err := s.client.LLen(ctx, s.key).Result()
	if err != nil {
		return 0, fmt.Errorf("history: count: %w", err)
	}
	return int(n), nil
}
