package cache_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"ingest-queue/internal/cache"
)

func TestMemory_GetSet(t *testing.T) {
	t.Parallel()

	t.Run("missing key", func(t *testing.T) {
		t.Parallel()

		c := cache.NewMemory[string](time.Minute, 0)
		defer c.Close()

		_, err := c.Get(context.Background(), "missing")
		require.ErrorIs(t, err, cache.ErrNotFound)
	})

	t.Run("stored value", func(t *testing.T) {
		t.Parallel()

		c := cache.NewMemory[int](time.Minute, 0)
		defer c.Close()

		ctx := context.Background()
		require.NoError(t, c.Set(ctx, "k", 42, 0))

		v, err := c.Get(ctx, "k")
		require.NoError(t, err)
		require.Equal(t, 42, v)
	})

	t.Run("expired value", func(t *testing.T) {
		t.Parallel()

		c := cache.NewMemory[int](time.Minute, 0)
		defer c.Close()

		ctx := context.Background()
		require.NoError(t, c.Set(ctx, "k", 1, time.Millisecond))
		time.Sleep(5 * time.Millisecond)

		_, err := c.Get(ctx, "k")
		require.ErrorIs(t, err, cache.ErrNotFound)
	})

	t.Run("negative ttl never expires", func(t *testing.T) {
		t.Parallel()

		c := cache.NewMemory[int](time.Millisecond, 0)
		defer c.Close()

		ctx := context.Background()
		require.NoError(t, c.Set(ctx, "k", 7, -1))
		time.Sleep(5 * time.Millisecond)

		v, err := c.Get(ctx, "k")
		require.NoError(t, err)
		require.Equal(t, 7, v)
	})
}

func TestMemory_DeleteAndClear(t *testing.T) {
	t.Parallel()

	c := cache.NewMemory[string](time.Minute, 0)
	defer c.Close()

	ctx := context.Background()
	require.NoError(t, c.Set(ctx, "a", "1", 0))
	require.NoError(t, c.Set(ctx, "b", "2", 0))

	require.NoError(t, c.Delete(ctx, "a"))
	_, err := c.Get(ctx, "a")
	require.ErrorIs(t, err, cache.ErrNotFound)

	require.NoError(t, c.Clear(ctx))
	require.Equal(t, 0, c.Len())
}

func TestMemory_Janitor(t *testing.T) {
	t.Parallel()

	c := cache.NewMemory[string](time.Minute, 5*time.Millisecond)
	defer c.Close()

	require.NoError(t, c.Set(context.Background(), "k", "v", time.Millisecond))
	require.Eventually(t, func() bool { return c.Len() == 0 }, time.Second, 5*time.Millisecond)
}

func TestMemory_Close(t *testing.T) {
	t.Parallel()

	c := cache.NewMemory[string](time.Minute, time.Millisecond)
	require.NoError(t, c.Close())
	require.NoError(t, c.Close())
	require.ErrorIs(t, c.Set(context.Background(), "k", "v", 0), cache.ErrClosed)
}

func TestNop(t *testing.T) {
	t.Parallel()

	var c cache.Cache[int] = cache.Nop[int]{}
	require.NoError(t, c.Set(context.Background(), "k", 1, 0))

	_, err := c.Get(context.Background(), "k")
	require.ErrorIs(t, err, cache.ErrNotFound)
}
