package ratelimit

import (
	"context"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_RejectsBadConfig(t *testing.T) {
	t.Parallel()

	_, err := New(Config{Capacity: 0})
	require.Error(t, err)

	_, err = New(Config{Capacity: 1, Window: -time.Second})
	require.Error(t, err)

	l, err := New(Config{Capacity: 3})
	require.NoError(t, err)
	assert.Equal(t, 3, l.Capacity())
	assert.Equal(t, DefaultWindow, l.window)
}

func TestLimiter_SecondBatchWaitsForWindow(t *testing.T) {
	t.Parallel()

	const capacity = 5
	l, err := New(Config{Capacity: capacity})
	require.NoError(t, err)

	ctx := context.Background()
	start := time.Now()
	for i := 0; i < capacity; i++ {
		require.NoError(t, l.Acquire(ctx))
	}
	firstBatch := time.Since(start)
	assert.Less(t, firstBatch, 200*time.Millisecond)
	assert.Equal(t, capacity, l.InFlight())

	for i := 0; i < capacity; i++ {
		require.NoError(t, l.Acquire(ctx))
	}
	assert.GreaterOrEqual(t, time.Since(start), time.Second-firstBatch)
}

func TestLimiter_ConcurrentCallersNeverExceedCapacity(t *testing.T) {
	t.Parallel()

	const (
		capacity = 4
		callers  = 12
		window   = 150 * time.Millisecond
	)
	l, err := New(Config{Capacity: capacity, Window: window})
	require.NoError(t, err)

	var (
		mu     sync.Mutex
		grants []time.Time
		wg     sync.WaitGroup
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			require.NoError(t, l.Acquire(context.Background()))
			mu.Lock()
			grants = append(grants, time.Now())
			mu.Unlock()
		}()
	}
	wg.Wait()

	require.Len(t, grants, callers)
	sort.Slice(grants, func(i, j int) bool { return grants[i].Before(grants[j]) })
	for i, g := range grants {
		inWindow := 0
		for _, other := range grants[i:] {
			if other.Sub(g) >= 0 && other.Sub(g) < window-40*time.Millisecond {
				inWindow++
			}
		}
		assert.LessOrEqual(t, inWindow, capacity)
	}
}

func TestLimiter_AcquireHonoursContext(t *testing.T) {
	t.Parallel()

	l, err := New(Config{Capacity: 1, Window: time.Hour})
	require.NoError(t, err)
	require.NoError(t, l.Acquire(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err = l.Acquire(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestLimiter_SlidingWindowUsesFakeClock(t *testing.T) {
	t.Parallel()

	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	now := base
	var mu sync.Mutex
	l, err := New(Config{Capacity: 2})
	require.NoError(t, err)
	l.now = func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	var waits []time.Duration
	l.after = func(d time.Duration) <-chan time.Time {
		mu.Lock()
		waits = append(waits, d)
		now = now.Add(d)
		mu.Unlock()
		ch := make(chan time.Time, 1)
		ch <- now
		return ch
	}

	ctx := context.Background()
	require.NoError(t, l.Acquire(ctx))
	mu.Lock()
	now = base.Add(600 * time.Millisecond)
	mu.Unlock()
	require.NoError(t, l.Acquire(ctx))
	// Window is full until the first grant at t=0 ages out at t=1s.
	require.NoError(t, l.Acquire(ctx))

	require.Len(t, waits, 1)
	assert.Equal(t, 400*time.Millisecond, waits[0])
	// A fixed window would have reset at t=1s and allowed another immediately; the
	// t=600ms grant still occupies the window here.
	assert.Equal(t, 2, l.InFlight())
}
