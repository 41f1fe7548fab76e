package redisad

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"

	"gallery/internal/domain"
)

func newRedis(t *testing.T) (*miniredis.Miniredis, *Cache, *Queue) {
	t.Helper()
	mr := miniredis.RunT(t)
	c := NewClient(mr.Addr(), "", 0)
	t.Cleanup(func() { _ = c.Close() })
	return mr, NewCache(c, "t:"), NewQueue(c, "t:jobs")
}

func TestCache_GetSetDel(t *testing.T) {
	mr, cache, _ := newRedis(t)
	ctx := context.Background()

	var got domain.Place
	ok, err := cache.Get(ctx, "place:id:1", &got)
	require.NoError(t, err)
	require.False(t, ok)

	want := domain.Place{ID: 1, Slug: "abcdefghjk", Name: "Kyoto"}
	require.NoError(t, cache.Set(ctx, "place:id:1", want, 60))
	require.NoError(t, cache.Set(ctx, "places:all", []domain.Place{want}, 60))
	require.True(t, mr.Exists("t:place:id:1"))

	ok, err = cache.Get(ctx, "place:id:1", &got)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, want.Slug, got.Slug)

	mr.FastForward(61 * time.Second)
	ok, _ = cache.Get(ctx, "place:id:1", &got)
	require.False(t, ok, "expired entry must miss")

	require.NoError(t, cache.Set(ctx, "place:id:1", want, 60))
	require.NoError(t, cache.Del(ctx, "place:id:1", "places:all", "never-set"))
	require.False(t, mr.Exists("t:place:id:1"))
	require.False(t, mr.Exists("t:places:all"))
}

func TestCache_CorruptEntryIsMiss(t *testing.T) {
	mr, cache, _ := newRedis(t)
	require.NoError(t, mr.Set("t:places:all", "{not json"))

	var got []domain.Place
	ok, err := cache.Get(context.Background(), "places:all", &got)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestQueue_FIFO(t *testing.T) {
	_, _, q := newRedis(t)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, domain.ThumbnailJob{ID: "a", PhotoID: 1}))
	require.NoError(t, q.Enqueue(ctx, domain.ThumbnailJob{ID: "b", PhotoID: 2}))
	n, err := q.Len(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 2, n)

	job, ok, err := q.Dequeue(ctx, 100*time.Millisecond)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "a", job.ID)

	job, ok, err = q.Dequeue(ctx, 100*time.Millisecond)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, int64(2), job.PhotoID)
}

func TestQueue_EmptyTimesOut(t *testing.T) {
	_, _, q := newRedis(t)

	_, ok, err := q.Dequeue(context.Background(), 50*time.Millisecond)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestLimiter_FixedWindow(t *testing.T) {
	mr := miniredis.RunT(t)
	c := NewClient(mr.Addr(), "", 0)
	t.Cleanup(func() { _ = c.Close() })
	l := NewLimiter(c, "login", 3, time.Minute)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		ok, _, err := l.Allow(ctx, "10.0.0.1")
		require.NoError(t, err)
		require.True(t, ok, "attempt %d", i+1)
	}
	ok, retry, err := l.Allow(ctx, "10.0.0.1")
	require.NoError(t, err)
	require.False(t, ok)
	require.Greater(t, retry, time.Duration(0))

	ok, _, _ = l.Allow(ctx, "10.0.0.2")
	require.True(t, ok, "other clients have their own window")

	mr.FastForward(time.Minute + time.Second)
	ok, _, _ = l.Allow(ctx, "10.0.0.1")
	require.True(t, ok, "window resets")
}
