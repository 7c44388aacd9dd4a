package redis

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"moneymanager/internal/domain/banksync"
)

const (
	defaultLockPrefix = "moneymanager:lock"
	defaultLockTTL    = 30 * time.Second
	lockRetryInterval = 50 * time.Millisecond
	releaseTimeout    = 5 * time.Second
)

// Both scripts only touch the key while it still holds the caller's token,
// so an expired lease taken over by another replica is never released or
// extended by its previous owner.
var (
	releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

	extendScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0`)
)

// Locker implements banksync.Locker with leases held in Redis, so work on a
// connection is serialized across every replica sharing the server. A held
// lease is extended in the background until released.
type Locker struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
	retry  time.Duration
	logger zerolog.Logger
}

var _ banksync.Locker = (*Locker)(nil)

func NewLocker(client redis.UniversalClient, prefix string, ttl time.Duration, logger zerolog.Logger) *Locker {
	prefix = strings.TrimSuffix(strings.TrimSpace(prefix), ":")
	if prefix == "" {
		prefix = defaultLockPrefix
	}
	if ttl <= 0 {
		ttl = defaultLockTTL
	}
	return &Locker{
		client: client,
		prefix: prefix,
		ttl:    ttl,
		retry:  lockRetryInterval,
		logger: logger,
	}
}

func (l *Locker) key(k string) string {
	return l.prefix + ":" + k
}

// Lock waits until key is free or ctx ends.
func (l *Locker) Lock(ctx context.Context, key string) (func(), error) {
	k := l.key(key)
	token := uuid.NewString()

	for {
		ok, err := l.client.SetNX(ctx, k, token, l.ttl).Result()
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			return nil, fmt.Errorf("failed to acquire lock %s: %w", key, err)
		}
		if ok {
			break
		}

		timer := time.NewTimer(l.retry)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}

	stop := make(chan struct{})
	done := make(chan struct{})
	go l.keepAlive(k, token, stop, done)

	var once sync.Once
	return func() {
		once.Do(func() {
			close(stop)
			<-done

			rctx, cancel := context.WithTimeout(context.Background(), releaseTimeout)
			defer cancel()
			if err := releaseScript.Run(rctx, l.client, []string{k}, token).Err(); err != nil && !errors.Is(err, redis.Nil) {
				l.logger.Warn().Err(err).Str("lock", k).Msg("Failed to release lock, it will expire")
			}
		})
	}, nil
}

func (l *Locker) keepAlive(key, token string, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(l.ttl / 3)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), l.ttl/3)
			n, err := extendScript.Run(ctx, l.client, []string{key}, token, l.ttl.Milliseconds()).Int64()
			cancel()
			switch {
			case err != nil:
				l.logger.Warn().Err(err).Str("lock", key).Msg("Failed to extend lock")
			case n == 0:
				l.logger.Error().Str("lock", key).Msg("Lock lease lost")
				return
			}
		}
	}
}
