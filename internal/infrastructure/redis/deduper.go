// Package redis shares callback deduplication state and per-connection
// locks across API replicas.
package redis

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"moneymanager/internal/domain/banksync"
)

const defaultPrefix = "moneymanager:callback"

// Deduper implements banksync.Deduper with SET NX so every replica sees the
// same delivery keys.
type Deduper struct {
	client redis.UniversalClient
	prefix string
}

var _ banksync.Deduper = (*Deduper)(nil)

func NewDeduper(client redis.UniversalClient, prefix string) *Deduper {
	prefix = strings.TrimSuffix(strings.TrimSpace(prefix), ":")
	if prefix == "" {
		prefix = defaultPrefix
	}
	return &Deduper{client: client, prefix: prefix}
}

// NewClient parses a redis:// URL and checks the server is reachable.
func NewClient(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}
	return client, nil
}

func (d *Deduper) key(k string) string {
	return d.prefix + ":" + k
}

func (d *Deduper) Mark(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	if ttl < time.Millisecond {
		ttl = time.Millisecond
	}
	ok, err := d.client.SetNX(ctx, d.key(key), time.Now().UTC().Format(time.RFC3339), ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to mark callback key: %w", err)
	}
	return ok, nil
}

func (d *Deduper) Forget(ctx context.Context, key string) error {
	if err := d.client.Del(ctx, d.key(key)).Err(); err != nil {
		return fmt.Errorf("failed to forget callback key: %w", err)
	}
	return nil
}
