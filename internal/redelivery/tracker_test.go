package redelivery

import (
	"context"
	"sync"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRedisClient(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	s, err := miniredis.Run()
	require.NoError(t, err)
	cli := redis.NewClient(&redis.Options{Addr: s.Addr()})
	t.Cleanup(func() {
		_ = cli.Close()
		s.Close()
	})
	return s, cli
}

func TestMemoryTracker(t *testing.T) {
	ctx := context.Background()
	tr := NewMemoryTracker()

	n, err := tr.Increment(ctx, "item-1")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = tr.Increment(ctx, "item-1")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	n, err = tr.Increment(ctx, "item-2")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 2, tr.Len())

	require.NoError(t, tr.Clear(ctx, "item-1"))
	n, err = tr.Increment(ctx, "item-1")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = tr.Increment(ctx, "")
	assert.ErrorIs(t, err, ErrEmptyKey)
}

func TestMemoryTrackerConcurrent(t *testing.T) {
	ctx := context.Background()
	tr := NewMemoryTracker()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = tr.Increment(ctx, "shared")
		}()
	}
	wg.Wait()

	n, err := tr.Increment(ctx, "shared")
	require.NoError(t, err)
	assert.Equal(t, 51, n)
}

func TestRedisTracker(t *testing.T) {
	t.Run("counts per key", func(t *testing.T) {
		s, cli := newTestRedisClient(t)
		tr, err := NewRedisTracker(cli)
		require.NoError(t, err)
		ctx := context.Background()

		for want := 1; want <= 3; want++ {
			n, err := tr.Increment(ctx, "msg-1")
			require.NoError(t, err)
			assert.Equal(t, want, n)
		}

		got, err := s.Get("mmate:redelivery:msg-1")
		require.NoError(t, err)
		assert.Equal(t, "3", got)
		assert.Equal(t, 24*time.Hour, s.TTL("mmate:redelivery:msg-1"))

		require.NoError(t, tr.Clear(ctx, "msg-1"))
		assert.False(t, s.Exists("mmate:redelivery:msg-1"))
	})

	t.Run("shared between trackers", func(t *testing.T) {
		_, cli := newTestRedisClient(t)
		first, err := NewRedisTracker(cli, WithKeyPrefix("workers:"))
		require.NoError(t, err)
		second, err := NewRedisTracker(cli, WithKeyPrefix("workers:"))
		require.NoError(t, err)
		ctx := context.Background()

		_, err = first.Increment(ctx, "msg-1")
		require.NoError(t, err)
		n, err := second.Increment(ctx, "msg-1")
		require.NoError(t, err)
		assert.Equal(t, 2, n)
	})

	t.Run("custom ttl expires counts", func(t *testing.T) {
		s, cli := newTestRedisClient(t)
		tr, err := NewRedisTracker(cli, WithTTL(time.Minute))
		require.NoError(t, err)
		ctx := context.Background()

		_, err = tr.Increment(ctx, "msg-1")
		require.NoError(t, err)
		s.FastForward(2 * time.Minute)

		n, err := tr.Increment(ctx, "msg-1")
		require.NoError(t, err)
		assert.Equal(t, 1, n)
	})

	t.Run("redis unavailable", func(t *testing.T) {
		s, cli := newTestRedisClient(t)
		tr, err := NewRedisTracker(cli)
		require.NoError(t, err)
		require.NoError(t, tr.Ping(context.Background()))

		s.Close()
		_, err = tr.Increment(context.Background(), "msg-1")
		assert.Error(t, err)
	})

	t.Run("nil client", func(t *testing.T) {
		_, err := NewRedisTracker(nil)
		assert.Error(t, err)
	})

	t.Run("from url", func(t *testing.T) {
		s, _ := newTestRedisClient(t)
		tr, err := NewRedisTrackerFromURL("redis://" + s.Addr())
		require.NoError(t, err)
		defer tr.Close()

		n, err := tr.Increment(context.Background(), "msg-1")
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		_, err = NewRedisTrackerFromURL("not a url")
		assert.Error(t, err)
	})
}
