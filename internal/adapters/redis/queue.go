package redisad

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"gallery/internal/domain"
)

// Queue is a FIFO of thumbnail jobs on a Redis list (LPUSH in, BRPOP out).
type Queue struct {
	c   *redis.Client
	key string
}

var _ domain.ThumbnailQueue = (*Queue)(nil)

func NewQueue(c *redis.Client, key string) *Queue {
	if key == "" {
		key = "gallery:thumbnails"
	}
	return &Queue{c: c, key: key}
}

func (q *Queue) Enqueue(ctx context.Context, job domain.ThumbnailJob) error {
	b, err := json.Marshal(job)
	if err != nil {
		return err
	}
	return q.c.LPush(ctx, q.key, b).Err()
}

func (q *Queue) Dequeue(ctx context.Context, wait time.Duration) (domain.ThumbnailJob, bool, error) {
	res, err := q.c.BRPop(ctx, wait, q.key).Result()
	if errors.Is(err, redis.Nil) {
		return domain.ThumbnailJob{}, false, nil
	}
	if err != nil {
		return domain.ThumbnailJob{}, false, err
	}
	// res is [key, value]
	var job domain.ThumbnailJob
	if err := json.Unmarshal([]byte(res[1]), &job); err != nil {
		return domain.ThumbnailJob{}, false, err
	}
	return job, true, nil
}

// Len is the number of jobs waiting.
func (q *Queue) Len(ctx context.Context) (int64, error) {
	return q.c.LLen(ctx, q.key).Result()
}
