package redisad

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Limiter is a fixed-window counter: INCR per key, EXPIRE on the first hit.
type Limiter struct {
	c      *redis.Client
	prefix string
	limit  int64
	window time.Duration
}

func NewLimiter(c *redis.Client, prefix string, limit int, window time.Duration) *Limiter {
	return &Limiter{c: c, prefix: prefix, limit: int64(limit), window: window}
}

// Allow reports whether key is still under the limit in the current window and,
// when it is not, how long until the window resets.
func (l *Limiter) Allow(ctx context.Context, key string) (bool, time.Duration, error) {
	k := fmt.Sprintf("rl:%s:%s", l.prefix, key)
	n, err := l.c.Incr(ctx, k).Result()
	if err != nil {
		return true, 0, err
	}
	if n == 1 {
		if err := l.c.Expire(ctx, k, l.window).Err(); err != nil {
			return true, 0, err
		}
	}
	if n <= l.limit {
		return true, 0, nil
	}
	retry, err := l.c.PTTL(ctx, k).Result()
	if err != nil || retry <= 0 {
		retry = l.window
	}
	return false, retry, nil
}
