package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

const (
	defaultCacheSize  = 1024
	defaultStaleAfter = 10 * time.Minute
)

// Outcome is what Do returns to the caller.
type Outcome struct {
	Result   json.RawMessage
	Replayed bool
}

// Guard runs a command at most once per key. Completed results are cached in
// an LRU in front of the store.
type Guard struct {
	store      Store
	cache      *lru.Cache[Key, Record]
	staleAfter time.Duration
	log        *slog.Logger
	now        func() time.Time
}

func NewGuard(store Store, cacheSize int, log *slog.Logger) (*Guard, error) {
	if cacheSize <= 0 {
		cacheSize = defaultCacheSize
	}
	cache, err := lru.New[Key, Record](cacheSize)
	if err != nil {
		return nil, fmt.Errorf("idempotency: cache: %w", err)
	}
	if log == nil {
		log = slog.Default()
	}
	return &Guard{
		store:      store,
		cache:      cache,
		staleAfter: defaultStaleAfter,
		log:        log,
		now:        func() time.Time { return time.Now().UTC() },
	}, nil
}

// Fingerprint hashes the canonical JSON encoding of request.
func Fingerprint(request any) (string, error) {
	body, err := json.Marshal(request)
	if err != nil {
		return "", fmt.Errorf("idempotency: fingerprint: %w", err)
	}
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:]), nil
}

// Do executes fn unless key has already been used. A completed key with the
// same request returns the stored result without running fn. A failed key may
// be retried with the same request.
func (g *Guard) Do(ctx context.Context, key Key, request any, fn func(ctx context.Context) (any, error)) (Outcome, error) {
	if strings.TrimSpace(key.Key) == "" {
		return Outcome{}, ErrMissingKey
	}
	fp, err := Fingerprint(request)
	if err != nil {
		return Outcome{}, err
	}

	if rec, ok := g.cache.Get(key); ok {
		if rec.Fingerprint != fp {
			return Outcome{}, ErrKeyReused
		}
		return Outcome{Result: rec.Result, Replayed: true}, nil
	}

	now := g.now()
	rec, owned, err := g.store.Claim(ctx, Record{Key: key, Fingerprint: fp, CreatedAt: now}, now.Add(-g.staleAfter))
	if err != nil {
		return Outcome{}, err
	}
	if !owned {
		switch {
		case rec.Fingerprint != fp:
			return Outcome{}, ErrKeyReused
		case rec.Status == StatusCompleted:
			g.cache.Add(key, rec)
			return Outcome{Result: rec.Result, Replayed: true}, nil
		default:
			return Outcome{}, ErrInProgress
		}
	}

	value, runErr := fn(ctx)
	if runErr != nil {
		if err := g.store.Fail(context.WithoutCancel(ctx), key, runErr.Error()); err != nil {
			g.log.Error("idempotency key fail write", "key", key.String(), "error", err)
		}
		return Outcome{}, runErr
	}

	result, err := json.Marshal(value)
	if err != nil {
		return Outcome{}, fmt.Errorf("idempotency: encode result: %w", err)
	}
	if err := g.store.Complete(context.WithoutCancel(ctx), key, result); err != nil {
		return Outcome{}, err
	}
	rec.Status = StatusCompleted
	rec.Result = result
	g.cache.Add(key, rec)
	return Outcome{Result: result}, nil
}
