package cache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetMemoises(t *testing.T) {
	g := New[string](10, time.Minute)
	var calls atomic.Int32
	load := func(context.Context) (string, bool, error) {
		calls.Add(1)
		return "value", true, nil
	}

	v, hit, err := g.Get(context.Background(), "k", load)
	require.NoError(t, err)
	assert.Equal(t, "value", v)
	assert.False(t, hit)

	v, hit, err = g.Get(context.Background(), "k", load)
	require.NoError(t, err)
	assert.Equal(t, "value", v)
	assert.True(t, hit)
	assert.EqualValues(t, 1, calls.Load())
	assert.Equal(t, 1, g.Len())
}

func TestGetSkipsUnkeptAndErrors(t *testing.T) {
	g := New[int](10, time.Minute)
	var calls atomic.Int32

	for i := 0; i < 2; i++ {
		_, _, err := g.Get(context.Background(), "soft", func(context.Context) (int, bool, error) {
			calls.Add(1)
			return 0, false, nil
		})
		require.NoError(t, err)
	}
	boom := errors.New("boom")
	for i := 0; i < 2; i++ {
		_, _, err := g.Get(context.Background(), "hard", func(context.Context) (int, bool, error) {
			calls.Add(1)
			return 1, true, boom
		})
		assert.ErrorIs(t, err, boom)
	}
	assert.EqualValues(t, 4, calls.Load())
	assert.Equal(t, 0, g.Len())
}

func TestGetCoalescesConcurrentCallers(t *testing.T) {
	g := New[string](0, time.Minute)
	var calls atomic.Int32
	release := make(chan struct{})
	started := make(chan struct{})

	load := func(context.Context) (string, bool, error) {
		if calls.Add(1) == 1 {
			close(started)
		}
		<-release
		return "shared", true, nil
	}

	var wg sync.WaitGroup
	results := make([]string, 5)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			v, _, err := g.Get(context.Background(), "k", load)
			assert.NoError(t, err)
			results[i] = v
		}(i)
	}
	<-started
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	for _, r := range results {
		assert.Equal(t, "shared", r)
	}
	assert.LessOrEqual(t, calls.Load(), int32(5))
	assert.Equal(t, 0, g.Len(), "size 0 never memoises")
}

func TestGetWaiterCancellation(t *testing.T) {
	g := New[string](10, time.Minute)
	release := make(chan struct{})
	defer close(release)
	started := make(chan struct{})

	go func() {
		_, _, _ = g.Get(context.Background(), "slow", func(context.Context) (string, bool, error) {
			close(started)
			<-release
			return "late", true, nil
		})
	}()
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, _, err := g.Get(ctx, "slow", func(context.Context) (string, bool, error) { return "", false, nil })
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestGetSharedLoadOutlivesLeader(t *testing.T) {
	g := New[string](10, time.Minute)
	release := make(chan struct{})
	started := make(chan struct{})

	leaderCtx, cancelLeader := context.WithCancel(context.Background())
	leaderErr := make(chan error, 1)
	go func() {
		_, _, err := g.Get(leaderCtx, "k", func(ctx context.Context) (string, bool, error) {
			close(started)
			select {
			case <-release:
				return "live", true, nil
			case <-ctx.Done():
				return "", false, ctx.Err()
			}
		})
		leaderErr <- err
	}()
	<-started

	followerVal := make(chan string, 1)
	go func() {
		v, _, err := g.Get(context.Background(), "k", func(context.Context) (string, bool, error) {
			return "second load", true, nil
		})
		assert.NoError(t, err)
		followerVal <- v
	}()

	cancelLeader()
	assert.ErrorIs(t, <-leaderErr, context.Canceled)

	close(release)
	assert.Equal(t, "live", <-followerVal)
	assert.Equal(t, 1, g.Len())
}

func TestNilGroupCallsLoader(t *testing.T) {
	var g *Group[string]
	v, hit, err := g.Get(context.Background(), "k", func(context.Context) (string, bool, error) {
		return "direct", true, nil
	})
	require.NoError(t, err)
	assert.Equal(t, "direct", v)
	assert.False(t, hit)
	assert.Equal(t, 0, g.Len())
}
