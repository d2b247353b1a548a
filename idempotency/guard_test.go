package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type acceptRequest struct {
	DisputeID string `json:"disputeId"`
	Action    string `json:"action"`
}

func newGuard(t *testing.T, store Store) *Guard {
	t.Helper()
	g, err := NewGuard(store, 8, nil)
	require.NoError(t, err)
	return g
}

func TestDo_ReplayReturnsCachedResultWithoutRerun(t *testing.T) {
	g := newGuard(t, NewMemoryStore())
	key := Key{TenantID: "T1", Scope: "accept", Key: "k1"}
	req := acceptRequest{DisputeID: "d1", Action: "refund"}

	var runs int32
	fn := func(context.Context) (any, error) {
		n := atomic.AddInt32(&runs, 1)
		return map[string]any{"status": "SUBMITTED", "run": n}, nil
	}

	first, err := g.Do(context.Background(), key, req, fn)
	require.NoError(t, err)
	assert.False(t, first.Replayed)

	second, err := g.Do(context.Background(), key, req, fn)
	require.NoError(t, err)
	assert.True(t, second.Replayed)
	assert.JSONEq(t, string(first.Result), string(second.Result))
	assert.Equal(t, int32(1), atomic.LoadInt32(&runs))
}

func TestDo_ReplayFromStoreAfterCacheMiss(t *testing.T) {
	store := NewMemoryStore()
	key := Key{TenantID: "T1", Scope: "cancel", Key: "k2"}

	_, err := newGuard(t, store).Do(context.Background(), key, "body", func(context.Context) (any, error) {
		return "ok", nil
	})
	require.NoError(t, err)

	// A fresh guard shares the store but not the cache.
	out, err := newGuard(t, store).Do(context.Background(), key, "body", func(context.Context) (any, error) {
		t.Fatal("must not run again")
		return nil, nil
	})
	require.NoError(t, err)
	assert.True(t, out.Replayed)
	assert.Equal(t, `"ok"`, string(out.Result))
}

func TestDo_DifferentBodyIsRejected(t *testing.T) {
	g := newGuard(t, NewMemoryStore())
	key := Key{TenantID: "T1", Scope: "accept", Key: "k3"}
	ok := func(context.Context) (any, error) { return "done", nil }

	_, err := g.Do(context.Background(), key, acceptRequest{Action: "refund"}, ok)
	require.NoError(t, err)

	_, err = g.Do(context.Background(), key, acceptRequest{Action: "partial_refund"}, ok)
	assert.ErrorIs(t, err, ErrKeyReused)
}

func TestDo_FailedKeyMayBeRetried(t *testing.T) {
	g := newGuard(t, NewMemoryStore())
	key := Key{TenantID: "T1", Scope: "generate-evidence", Key: "k4"}

	_, err := g.Do(context.Background(), key, "req", func(context.Context) (any, error) {
		return nil, errors.New("order service down")
	})
	require.Error(t, err)

	out, err := g.Do(context.Background(), key, "req", func(context.Context) (any, error) {
		return "built", nil
	})
	require.NoError(t, err)
	assert.False(t, out.Replayed)
	assert.Equal(t, `"built"`, string(out.Result))
}

func TestDo_ConcurrentReplayWhileInProgress(t *testing.T) {
	g := newGuard(t, NewMemoryStore())
	key := Key{TenantID: "T1", Scope: "accept", Key: "k5"}

	started := make(chan struct{})
	release := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, err := g.Do(context.Background(), key, "req", func(context.Context) (any, error) {
			close(started)
			<-release
			return "ok", nil
		})
		assert.NoError(t, err)
	}()

	<-started
	_, err := g.Do(context.Background(), key, "req", func(context.Context) (any, error) { return "second", nil })
	assert.ErrorIs(t, err, ErrInProgress)
	close(release)
	wg.Wait()
}

func TestDo_StaleInProgressIsTakenOver(t *testing.T) {
	store := NewMemoryStore()
	key := Key{TenantID: "T1", Scope: "accept", Key: "k6"}
	fp, err := Fingerprint("req")
	require.NoError(t, err)
	_, owned, err := store.Claim(context.Background(), Record{Key: key, Fingerprint: fp, CreatedAt: time.Now().Add(-time.Hour)}, time.Time{})
	require.NoError(t, err)
	require.True(t, owned)

	out, err := newGuard(t, store).Do(context.Background(), key, "req", func(context.Context) (any, error) { return "recovered", nil })
	require.NoError(t, err)
	assert.Equal(t, json.RawMessage(`"recovered"`), out.Result)
}

func TestDo_MissingKey(t *testing.T) {
	g := newGuard(t, NewMemoryStore())
	_, err := g.Do(context.Background(), Key{TenantID: "T1", Scope: "accept"}, "req", func(context.Context) (any, error) { return nil, nil })
	assert.ErrorIs(t, err, ErrMissingKey)
}
