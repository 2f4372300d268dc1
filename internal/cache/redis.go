// internal/cache/redis.go

// Package cache publishes room event records to a Redis queue for
// out-of-band consumers (analytics, replay tooling). Publishing is
// best-effort and never holds a room mutex.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/soundclash/session-service/internal/config"
)

// DefaultQueueName is the Redis list the event journal is pushed onto.
var DefaultQueueName = "soundclash_events"

// EventRecord is one journaled room event.
type EventRecord struct {
	RoomCode  string          `json:"room_code"`
	EventType string          `json:"event_type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp int64           `json:"timestamp"`
}

// Journal wraps the Redis client. A nil Journal is valid and drops records,
// so callers never branch on whether journaling is configured.
type Journal struct {
	rdb   *redis.Client
	queue string
}

// Connect initializes the journal against addr and verifies the connection.
func Connect(addr string) (*Journal, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr: addr,
		DB:   config.GetEnvInt("REDIS_DB", 0),
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis at %s: %w", addr, err)
	}
	return &Journal{
		rdb:   rdb,
		queue: config.GetEnv("EVENT_QUEUE_NAME", DefaultQueueName),
	}, nil
}

// Publish serializes the record and pushes it onto the queue.
func (j *Journal) Publish(ctx context.Context, record EventRecord) error {
	if j == nil {
		return nil
	}
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to marshal EventRecord: %w", err)
	}
	if err := j.rdb.RPush(ctx, j.queue, data).Err(); err != nil {
		return fmt.Errorf("failed to RPush to Redis list %q: %w", j.queue, err)
	}
	return nil
}

// Close releases the underlying client.
func (j *Journal) Close() error {
	if j == nil {
		return nil
	}
	return j.rdb.Close()
}
