// ABOUTME: Redis-backed Guard using SET NX PX with a per-holder token
// ABOUTME: Release and renewal are Lua compare-and-act scripts so a holder never frees another's lock

package guard

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

var releaseScript = redis.NewScript(`
	if redis.call("GET", KEYS[1]) == ARGV[1] then
		return redis.call("DEL", KEYS[1])
	else
		return 0
	end
`)

var renewScript = redis.NewScript(`
	if redis.call("GET", KEYS[1]) == ARGV[1] then
		return redis.call("PEXPIRE", KEYS[1], ARGV[2])
	else
		return 0
	end
`)

// RedisOptions configures a Redis guard.
type RedisOptions struct {
	Prefix        string        // key prefix, e.g. "handoff:guard:"
	TTL           time.Duration // lease length; renewed while held
	RetryInterval time.Duration // poll interval while waiting
	Logger        *slog.Logger
}

// Redis is a Guard shared by every gateway replica pointing at the same Redis.
type Redis struct {
	rdb    redis.UniversalClient
	opts   RedisOptions
	logger *slog.Logger

	wg     sync.WaitGroup
	stopCh chan struct{}
	once   sync.Once
}

// NewRedis creates a Redis guard. Zero option fields get defaults.
func NewRedis(rdb redis.UniversalClient, opts RedisOptions) *Redis {
	if opts.Prefix == "" {
		opts.Prefix = "handoff:guard:"
	}
	if opts.TTL <= 0 {
		opts.TTL = 30 * time.Second
	}
	if opts.RetryInterval <= 0 {
		opts.RetryInterval = 25 * time.Millisecond
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Redis{
		rdb:    rdb,
		opts:   opts,
		logger: logger.With("component", "guard"),
		stopCh: make(chan struct{}),
	}
}

// Lock polls SET NX until the key is acquired or ctx ends.
func (r *Redis) Lock(ctx context.Context, key string) (func(), error) {
	select {
	case <-r.stopCh:
		return nil, ErrClosed
	default:
	}

	redisKey := r.opts.Prefix + key
	token := uuid.New().String()

	for {
		ok, err := r.rdb.SetNX(ctx, redisKey, token, r.opts.TTL).Result()
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, fmt.Errorf("acquiring guard %s: %w", key, err)
		}
		if ok {
			break
		}

		timer := time.NewTimer(r.opts.RetryInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-r.stopCh:
			timer.Stop()
			return nil, ErrClosed
		case <-timer.C:
		}
	}

	done := make(chan struct{})
	r.wg.Add(1)
	go r.renewLoop(redisKey, token, done)

	var once sync.Once
	return func() {
		once.Do(func() {
			close(done)
			// Release must run even if the caller's ctx is already cancelled
			releaseCtx, cancel := context.WithTimeout(context.Background(), r.opts.TTL)
			defer cancel()
			if err := releaseScript.Run(releaseCtx, r.rdb, []string{redisKey}, token).Err(); err != nil {
				r.logger.Warn("failed to release guard", "key", key, "error", err)
			}
		})
	}, nil
}

// renewLoop extends the lease at a third of its TTL until done closes.
func (r *Redis) renewLoop(redisKey, token string, done <-chan struct{}) {
	defer r.wg.Done()

	ticker := time.NewTicker(r.opts.TTL / 3)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-r.stopCh:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), r.opts.TTL/3)
			n, err := renewScript.Run(ctx, r.rdb, []string{redisKey}, token, r.opts.TTL.Milliseconds()).Int64()
			cancel()
			if err != nil {
				r.logger.Warn("failed to renew guard", "key", redisKey, "error", err)
				continue
			}
			if n == 0 {
				r.logger.Warn("guard lease lost", "key", redisKey)
				return
			}
		}
	}
}

// Close stops renewals. Held leases expire on their own TTL.
func (r *Redis) Close() error {
	r.once.Do(func() { close(r.stopCh) })
	r.wg.Wait()
	return nil
}

var _ Guard = (*Redis)(nil)
