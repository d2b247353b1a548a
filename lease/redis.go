package lease

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// releaseScript deletes the key only when it still holds our token, so an
// expired lease never frees someone else's.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// renewScript extends the key only while it still holds our token.
var renewScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

const defaultPollInterval = 25 * time.Millisecond

// Redis is a Locker shared by every process pointing at the same server.
type Redis struct {
	client *redis.Client
	prefix string
	poll   time.Duration
	log    *slog.Logger
}

func NewRedis(client *redis.Client, prefix string, log *slog.Logger) *Redis {
	if prefix == "" {
		prefix = "chargeflow:lease:"
	}
	if log == nil {
		log = slog.Default()
	}
	return &Redis{client: client, prefix: prefix, poll: defaultPollInterval, log: log}
}

// Connect initializes a Redis client from URL or host:port input.
func Connect(ctx context.Context, redisURL string) (*redis.Client, error) {
	var client *redis.Client
	if strings.HasPrefix(redisURL, "redis://") || strings.HasPrefix(redisURL, "rediss://") {
		opt, err := redis.ParseURL(redisURL)
		if err != nil {
			return nil, fmt.Errorf("lease: parse redis url: %w", err)
		}
		client = redis.NewClient(opt)
	} else {
		client = redis.NewClient(&redis.Options{Addr: redisURL})
	}
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("lease: ping redis: %w", err)
	}
	return client, nil
}

func (r *Redis) Acquire(ctx context.Context, key string, ttl time.Duration) (Release, error) {
	if ttl <= 0 {
		return nil, fmt.Errorf("lease: ttl must be positive")
	}
	redisKey := r.prefix + key
	token := uuid.NewString()

	ticker := time.NewTicker(r.poll)
	defer ticker.Stop()
	for {
		ok, err := r.client.SetNX(ctx, redisKey, token, ttl).Result()
		if err != nil {
			if ctx.Err() != nil {
				return nil, errors.Join(ErrNotAcquired, ctx.Err())
			}
			return nil, fmt.Errorf("lease: acquire %s: %w", key, err)
		}
		if ok {
			stop := make(chan struct{})
			done := make(chan struct{})
			go r.keepAlive(redisKey, token, ttl, stop, done)
			return r.releaser(redisKey, token, stop, done), nil
		}
		select {
		case <-ctx.Done():
			return nil, errors.Join(ErrNotAcquired, ctx.Err())
		case <-ticker.C:
		}
	}
}

// keepAlive pushes the expiry out every ttl/3 until the lease is released,
// so a holder busy for longer than ttl keeps the key. It gives up once the
// token is gone.
func (r *Redis) keepAlive(redisKey, token string, ttl time.Duration, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(max(ttl/3, time.Millisecond))
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
		}
		ctx, cancel := context.WithTimeout(context.Background(), max(ttl/3, 100*time.Millisecond))
		n, err := renewScript.Run(ctx, r.client, []string{redisKey}, token, ttl.Milliseconds()).Int64()
		cancel()
		switch {
		case err != nil:
			r.log.Warn("lease renew failed", "key", redisKey, "error", err)
		case n == 0:
			r.log.Warn("lease lost before release", "key", redisKey)
			return
		}
	}
}

func (r *Redis) releaser(redisKey, token string, stop chan<- struct{}, done <-chan struct{}) Release {
	var once sync.Once
	return func() {
		once.Do(func() {
			close(stop)
			<-done
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			if err := releaseScript.Run(ctx, r.client, []string{redisKey}, token).Err(); err != nil {
				r.log.Warn("lease release failed", "key", redisKey, "error", err)
			}
		})
	}
}
