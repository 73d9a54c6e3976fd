package aggregator

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/ignite/bulkmail/internal/clock"
	"github.com/ignite/bulkmail/internal/store"
)

type recordingStore struct {
	store.Store
	mu    sync.Mutex
	calls []string
}

func (r *recordingStore) RecomputeCampaign(ctx context.Context, campaignID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, campaignID)
	return nil
}

func (r *recordingStore) count(campaignID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, id := range r.calls {
		if id == campaignID {
			n++
		}
	}
	return n
}

func newTestAggregator(t *testing.T, window time.Duration) (*Aggregator, *recordingStore, *clock.Fake, func()) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	fc := clock.NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	st := &recordingStore{}
	newLock := NewRedisLockFactory(rdb, nil, DefaultLockTTL)
	a := New(st, fc, window, newLock, log)
	cleanup := func() {
		_ = rdb.Close()
		mr.Close()
	}
	return a, st, fc, cleanup
}

func TestNotify_CoalescesBurstsWithinWindow(t *testing.T) {
	a, st, fc, cleanup := newTestAggregator(t, 250*time.Millisecond)
	defer cleanup()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		a.Run(ctx)
		close(done)
	}()

	a.Notify("cmp_1")
	a.Notify("cmp_1")
	a.Notify("cmp_1")

	require.Eventually(t, func() bool {
		fc.Advance(250 * time.Millisecond)
		return st.count("cmp_1") == 1
	}, time.Second, time.Millisecond)

	cancel()
	<-done
	require.Equal(t, 1, st.count("cmp_1"))
}

func TestNotify_DistinctCampaignsRecomputeIndependently(t *testing.T) {
	a, st, fc, cleanup := newTestAggregator(t, 250*time.Millisecond)
	defer cleanup()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		a.Run(ctx)
		close(done)
	}()

	a.Notify("cmp_1")
	a.Notify("cmp_2")

	require.Eventually(t, func() bool {
		fc.Advance(250 * time.Millisecond)
		return st.count("cmp_1") == 1 && st.count("cmp_2") == 1
	}, time.Second, time.Millisecond)

	cancel()
	<-done
}

func TestNotify_SecondBurstAfterFirstRecomputeRunsAgain(t *testing.T) {
	a, st, fc, cleanup := newTestAggregator(t, 250*time.Millisecond)
	defer cleanup()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		a.Run(ctx)
		close(done)
	}()

	a.Notify("cmp_1")
	require.Eventually(t, func() bool {
		fc.Advance(250 * time.Millisecond)
		return st.count("cmp_1") == 1
	}, time.Second, time.Millisecond)

	a.Notify("cmp_1")
	require.Eventually(t, func() bool {
		fc.Advance(250 * time.Millisecond)
		return st.count("cmp_1") == 2
	}, time.Second, time.Millisecond)

	cancel()
	<-done
}

func TestRun_StopsOnContextCancel(t *testing.T) {
	a, _, _, cleanup := newTestAggregator(t, 250*time.Millisecond)
	defer cleanup()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		a.Run(ctx)
		close(done)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after context cancellation")
	}
}
