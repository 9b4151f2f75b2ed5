// Package mirror keeps a copy of every published job snapshot in Redis so that a
// replica, or the same service after a restart, can still answer polls for it.
package mirror

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"latency-correlations/internal/config"
	"latency-correlations/internal/worker"
)

// RedisMirror stores snapshots as JSON strings under prefix+id with a sliding TTL.
type RedisMirror struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewClient builds a Redis client from config.
func NewClient(cfg config.Config) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
}

// NewRedisMirror builds a mirror. Entries expire after ttl without a new publish.
func NewRedisMirror(client *redis.Client, prefix string, ttl time.Duration) *RedisMirror {
	if prefix == "" {
		prefix = "correlations:session:"
	}
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &RedisMirror{client: client, prefix: prefix, ttl: ttl}
}

func (m *RedisMirror) key(id string) string {
	return m.prefix + id
}

// Save writes snap for id and refreshes its TTL.
func (m *RedisMirror) Save(ctx context.Context, id string, snap *worker.Snapshot) error {
	body, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	if err := m.client.Set(ctx, m.key(id), body, m.ttl).Err(); err != nil {
		return fmt.Errorf("mirror snapshot %s: %w", id, err)
	}
	return nil
}

// Touch extends the TTL of a mirrored snapshot after a poll.
func (m *RedisMirror) Touch(ctx context.Context, id string) error {
	return m.client.Expire(ctx, m.key(id), m.ttl).Err()
}

// Load returns the mirrored snapshot for id, or false when none exists.
func (m *RedisMirror) Load(ctx context.Context, id string) (*worker.Snapshot, bool, error) {
	body, err := m.client.Get(ctx, m.key(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("load snapshot %s: %w", id, err)
	}
	var snap worker.Snapshot
	if err := json.Unmarshal(body, &snap); err != nil {
		return nil, false, fmt.Errorf("unmarshal snapshot %s: %w", id, err)
	}
	return &snap, true, nil
}

// Delete drops the snapshot.
func (m *RedisMirror) Delete(ctx context.Context, id string) error {
	return m.client.Del(ctx, m.key(id)).Err()
}
