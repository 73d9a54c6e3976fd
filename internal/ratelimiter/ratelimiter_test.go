package ratelimiter

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/ignite/bulkmail/internal/clock"
	"github.com/ignite/bulkmail/internal/kv"
	"github.com/ignite/bulkmail/internal/store"
)

type fakeStore struct {
	store.Store
	counters map[string]int64
}

func newFakeStore() *fakeStore {
	return &fakeStore{counters: map[string]int64{}}
}

func (f *fakeStore) UpsertRateCounter(ctx context.Context, hourBucket, sender string, count int64) error {
	f.counters[hourBucket+"|"+sender] = count
	return nil
}

func (f *fakeStore) ReadRateCounter(ctx context.Context, hourBucket, sender string) (int64, bool, error) {
	v, ok := f.counters[hourBucket+"|"+sender]
	return v, ok, nil
}

func newTestLimiter(t *testing.T, strict bool) (*RateLimiter, *fakeStore, *clock.Fake, func()) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	fs := newFakeStore()
	fc := clock.NewFake(time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC))
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	rl := New(kv.NewRedisKV(rdb), fs, fc, strict, log)
	cleanup := func() {
		_ = rdb.Close()
		mr.Close()
	}
	return rl, fs, fc, cleanup
}

func TestCheck_EmptyBucketAllows(t *testing.T) {
	rl, _, _, cleanup := newTestLimiter(t, false)
	defer cleanup()

	res, err := rl.Check(context.Background(), "sender@example.com", 10)
	require.NoError(t, err)
	require.True(t, res.Allowed)
	require.Equal(t, int64(0), res.Current)
	require.Equal(t, time.Date(2026, 1, 1, 11, 0, 0, 0, time.UTC), res.NextBucketStart)
}

func TestIncrement_ThenCheckDenies(t *testing.T) {
	rl, _, _, cleanup := newTestLimiter(t, false)
	defer cleanup()
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := rl.Increment(ctx, "sender@example.com")
		require.NoError(t, err)
	}

	res, err := rl.Check(ctx, "sender@example.com", 3)
	require.NoError(t, err)
	require.False(t, res.Allowed)
	require.Equal(t, int64(3), res.Current)
}

func TestCheck_ReseedsFromStoreMirror(t *testing.T) {
	rl, fs, fc, cleanup := newTestLimiter(t, false)
	defer cleanup()
	ctx := context.Background()

	fs.counters[hourBucket(fc.Now())+"|"+"sender@example.com"] = 7

	res, err := rl.Check(ctx, "sender@example.com", 10)
	require.NoError(t, err)
	require.True(t, res.Allowed)
	require.Equal(t, int64(7), res.Current)
}

func TestCheckAndIncrement_StrictModeIsAtomic(t *testing.T) {
	rl, _, _, cleanup := newTestLimiter(t, true)
	defer cleanup()
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		res, err := rl.CheckAndIncrement(ctx, "sender@example.com", 2)
		require.NoError(t, err)
		require.True(t, res.Allowed)
	}

	res, err := rl.CheckAndIncrement(ctx, "sender@example.com", 2)
	require.NoError(t, err)
	require.False(t, res.Allowed)
	require.Equal(t, int64(2), res.Current)
}

func TestIncrement_MirrorsToStoreAsync(t *testing.T) {
	rl, fs, fc, cleanup := newTestLimiter(t, false)
	defer cleanup()
	ctx := context.Background()

	_, err := rl.Increment(ctx, "sender@example.com")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		v, ok := fs.counters[hourBucket(fc.Now())+"|"+"sender@example.com"]
		return ok && v == 1
	}, time.Second, 10*time.Millisecond)
}
