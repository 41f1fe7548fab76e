package app

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/semaphore"

	"gallery/internal/adapters/observability"
	"gallery/internal/domain"
)

// ThumbnailService drains the thumbnail queue, driving each photo through
// pending -> processing -> completed|failed and recording its dimensions.
type ThumbnailService struct {
	store   domain.Store
	files   domain.FileStore
	queue   domain.ThumbnailQueue
	deriver domain.VariantDeriver
	views   *viewCache
	workers int64

	// PollWait bounds each blocking dequeue so shutdown is noticed promptly.
	PollWait time.Duration
}

func NewThumbnailService(s domain.Store, f domain.FileStore, q domain.ThumbnailQueue, d domain.VariantDeriver,
	cache domain.Cache, ttl time.Duration, workers int) *ThumbnailService {
	if workers <= 0 {
		workers = 2
	}
	return &ThumbnailService{
		store:    s,
		files:    f,
		queue:    q,
		deriver:  d,
		views:    &viewCache{cache: cache, ttl: ttl},
		workers:  int64(workers),
		PollWait: 2 * time.Second,
	}
}

// Run processes jobs until ctx is canceled, then waits for in-flight jobs.
func (s *ThumbnailService) Run(ctx context.Context) error {
	sem := semaphore.NewWeighted(s.workers)
	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		// acquire before dequeuing so a job is never held without a worker
		if err := sem.Acquire(ctx, 1); err != nil {
			return nil
		}
		job, ok, err := s.queue.Dequeue(ctx, s.PollWait)
		if err != nil {
			sem.Release(1)
			if ctx.Err() != nil {
				return nil
			}
			log.Warn().Err(err).Msg("thumbnail dequeue failed")
			if !sleepCtx(ctx, time.Second) {
				return nil
			}
			continue
		}
		if !ok {
			sem.Release(1)
			continue
		}

		wg.Add(1)
		go func(job domain.ThumbnailJob) {
			defer wg.Done()
			defer sem.Release(1)
			// a job that started is finished even during shutdown
			s.Process(context.WithoutCancel(ctx), job)
		}(job)
	}
}

// Process handles one job. Jobs for photos deleted since upload are dropped.
func (s *ThumbnailService) Process(ctx context.Context, job domain.ThumbnailJob) {
	l := log.With().Str("job", job.ID).Int64("place_id", job.PlaceID).Int64("photo_id", job.PhotoID).Logger()

	ph, err := s.store.GetPhoto(ctx, job.PhotoID)
	if errors.Is(err, domain.ErrNotFound) || (err == nil && ph.FileName != job.FileName) {
		observability.ObserveThumbnail("skipped")
		l.Debug().Msg("photo gone, thumbnail job dropped")
		return
	}
	if err != nil {
		observability.ObserveThumbnail("error")
		l.Error().Err(err).Msg("load photo failed")
		return
	}
	if ph.ThumbnailStatus == domain.ThumbnailCompleted {
		observability.ObserveThumbnail("skipped")
		return
	}

	if err := s.store.UpdateThumbnail(ctx, ph.ID, domain.ThumbnailProcessing, nil, nil); err != nil {
		observability.ObserveThumbnail("error")
		l.Error().Err(err).Msg("mark processing failed")
		return
	}

	v, derr := s.deriver.Derive(ctx, job.PlaceID, job.FileName)
	status := domain.ThumbnailCompleted
	var w, h *int
	if derr != nil {
		status = domain.ThumbnailFailed
		l.Warn().Err(derr).Msg("thumbnail derivation failed")
	} else {
		w, h = &v.Width, &v.Height
	}

	err = s.store.UpdateThumbnail(ctx, ph.ID, status, w, h)
	if errors.Is(err, domain.ErrNotFound) {
		// deleted while deriving: drop whatever we just wrote
		if rerr := s.files.Remove(job.PlaceID, job.FileName); rerr != nil {
			l.Warn().Err(rerr).Msg("cleanup of orphaned variants failed")
		}
		observability.ObserveThumbnail("skipped")
		return
	}
	if err != nil {
		observability.ObserveThumbnail("error")
		l.Error().Err(err).Msg("record thumbnail status failed")
		return
	}
	observability.ObserveThumbnail(string(status))

	if p, err := s.store.GetPlace(ctx, job.PlaceID); err == nil {
		s.views.invalidate(ctx, p)
	}
	l.Info().Str("status", string(status)).Strs("variants", v.Names).Msg("thumbnail job done")
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
