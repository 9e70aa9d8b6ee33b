package audit

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// DefaultStream is the Redis Stream the mirror writes to when none is configured.
const DefaultStream = "audit.api_requests"

// RedisMirror copies audit records onto a Redis Stream so other processes can tail them.
type RedisMirror struct {
	client *redis.Client
	stream string
	maxLen int64
}

// NewRedisMirror builds a mirror. maxLen > 0 trims the stream approximately.
func NewRedisMirror(client *redis.Client, stream string, maxLen int64) *RedisMirror {
	if stream == "" {
		stream = DefaultStream
	}
	return &RedisMirror{client: client, stream: stream, maxLen: maxLen}
}

// Publish appends the record to the stream.
func (m *RedisMirror) Publish(ctx context.Context, e Event) error {
	raw, err := json.Marshal(e)
	if err != nil {
		return err
	}
	args := &redis.XAddArgs{
		Stream: m.stream,
		Values: map[string]interface{}{
			"category": string(e.Category),
			"event":    raw,
		},
	}
	if m.maxLen > 0 {
		args.MaxLen = m.maxLen
		args.Approx = true
	}
	if err := m.client.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("xadd %s: %w", m.stream, err)
	}
	return nil
}

// Snapshot returns the last n records on the stream, oldest first. n <= 0 returns everything.
func (m *RedisMirror) Snapshot(ctx context.Context, n int64) ([]Event, error) {
	var (
		msgs []redis.XMessage
		err  error
	)
	if n > 0 {
		msgs, err = m.client.XRevRangeN(ctx, m.stream, "+", "-", n).Result()
		for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
			msgs[i], msgs[j] = msgs[j], msgs[i]
		}
	} else {
		msgs, err = m.client.XRange(ctx, m.stream, "-", "+").Result()
	}
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, fmt.Errorf("read %s: %w", m.stream, err)
	}
	out := make([]Event, 0, len(msgs))
	for _, msg := range msgs {
		raw, ok := msg.Values["event"].(string)
		if !ok {
			continue
		}
		var e Event
		if err := json.Unmarshal([]byte(raw), &e); err != nil {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}
