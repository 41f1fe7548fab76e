package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"gallery/internal/domain"
)

const keyAllPlaces = "places:all"

func keyPlaceSlug(slug string) string { return "place:slug:" + slug }
func keyPlaceID(id int64) string      { return fmt.Sprintf("place:id:%d", id) }

// viewCache is the cache-aside layer in front of the public read projections.
// A nil cache disables it. Cache errors never fail a request.
type viewCache struct {
	cache domain.Cache
	ttl   time.Duration
}

func (v *viewCache) get(ctx context.Context, key string, dst any) bool {
	if v == nil || v.cache == nil {
		return false
	}
	ok, err := v.cache.Get(ctx, key, dst)
	if err != nil {
		log.Debug().Err(err).Str("key", key).Msg("cache get failed")
		return false
	}
	return ok
}

func (v *viewCache) set(ctx context.Context, key string, val any) {
	if v == nil || v.cache == nil {
		return
	}
	if err := v.cache.Set(ctx, key, val, int(v.ttl.Seconds())); err != nil {
		log.Debug().Err(err).Str("key", key).Msg("cache set failed")
	}
}

// invalidate evicts every view that shows place p.
func (v *viewCache) invalidate(ctx context.Context, p domain.Place) {
	if v == nil || v.cache == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
	defer cancel()
	if err := v.cache.Del(ctx, keyAllPlaces, keyPlaceSlug(p.Slug), keyPlaceID(p.ID)); err != nil {
		log.Warn().Err(err).Int64("place_id", p.ID).Msg("cache invalidation failed")
	}
}

func (v *viewCache) invalidateList(ctx context.Context) {
	if v == nil || v.cache == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
	defer cancel()
	if err := v.cache.Del(ctx, keyAllPlaces); err != nil {
		log.Warn().Err(err).Msg("cache invalidation failed")
	}
}

// GetAll lists places in home-page order. No lock: readers see either side of
// a concurrent mutation, never the middle of one.
func (s *PlaceService) GetAll(ctx context.Context) ([]domain.Place, error) {
	var out []domain.Place
	if s.views.get(ctx, keyAllPlaces, &out) {
		return out, nil
	}
	ps, err := s.store.ListPlaces(ctx)
	if err != nil {
		return nil, domain.StorageErr("list places", err)
	}
	if ps == nil {
		ps = []domain.Place{}
	}
	s.views.set(ctx, keyAllPlaces, ps)
	return ps, nil
}

func (s *PlaceService) GetByID(ctx context.Context, id int64) (domain.Place, error) {
	var p domain.Place
	if s.views.get(ctx, keyPlaceID(id), &p) {
		return p, nil
	}
	p, err := s.store.GetPlace(ctx, id)
	if errors.Is(err, domain.ErrNotFound) {
		return domain.Place{}, domain.NotFound("place")
	}
	if err != nil {
		return domain.Place{}, domain.StorageErr("get place", err)
	}
	s.views.set(ctx, keyPlaceID(id), p)
	return p, nil
}

// GetBySlug returns the place with its photos in display order.
func (s *PlaceService) GetBySlug(ctx context.Context, slug string) (domain.PlaceView, error) {
	if !ValidSlug(slug) {
		return domain.PlaceView{}, domain.NotFound("place")
	}
	var pv domain.PlaceView
	if s.views.get(ctx, keyPlaceSlug(slug), &pv) {
		return pv, nil
	}
	p, err := s.store.GetPlaceBySlug(ctx, slug)
	if errors.Is(err, domain.ErrNotFound) {
		return domain.PlaceView{}, domain.NotFound("place")
	}
	if err != nil {
		return domain.PlaceView{}, domain.StorageErr("get place", err)
	}
	photos, err := s.store.ListPhotos(ctx, p.ID)
	if err != nil {
		return domain.PlaceView{}, domain.StorageErr("list photos", err)
	}
	if photos == nil {
		photos = []domain.Photo{}
	}
	pv = domain.PlaceView{Place: p, Photos: photos}
	s.views.set(ctx, keyPlaceSlug(slug), pv)
	return pv, nil
}
