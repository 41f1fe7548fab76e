package app

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"gallery/internal/domain"
)

const dateLayout = "2006-01-02"

type PlaceService struct {
	store  domain.Store
	photos *PhotoService
	slugs  *SlugGenerator
	views  *viewCache
	now    func() time.Time
}

// NewPlaceService wires place lifecycle. Place deletion always goes through
// photos so it runs under the place lock.
func NewPlaceService(s domain.Store, photos *PhotoService, slugs *SlugGenerator, cache domain.Cache, ttl time.Duration) *PlaceService {
	return &PlaceService{
		store:  s,
		photos: photos,
		slugs:  slugs,
		views:  &viewCache{cache: cache, ttl: ttl},
		now:    time.Now,
	}
}

func (s *PlaceService) Create(ctx context.Context, in domain.PlaceInput) (p domain.Place, err error) {
	defer func() { observe("place_create", err) }()

	in = normalizePlaceInput(in)
	if err := validatePlaceInput(in); err != nil {
		return domain.Place{}, err
	}

	now := s.now().UTC()
	err = s.store.InTx(ctx, func(tx domain.Tx) error {
		max, err := tx.MaxSortOrder(ctx)
		if err != nil {
			return domain.StorageErr("max sort order", err)
		}
		p = domain.Place{
			Name:      in.Name,
			Location:  in.Location,
			Country:   in.Country,
			StartDate: in.StartDate,
			EndDate:   in.EndDate,
			SortOrder: max + 1,
			CreatedAt: now,
			UpdatedAt: now,
		}
		_, err = WithUniqueSlug(ctx, s.slugs, func(slug string) error {
			p.Slug = slug
			return tx.InsertPlace(ctx, &p)
		})
		return domain.StorageErr("insert place", err)
	})
	if err != nil {
		return domain.Place{}, err
	}
	s.views.invalidateList(ctx)
	log.Info().Int64("place_id", p.ID).Str("slug", p.Slug).Msg("place created")
	return p, nil
}

// Update rewrites display fields only; id, slug, counters and creation time survive.
func (s *PlaceService) Update(ctx context.Context, id int64, in domain.PlaceInput) (p domain.Place, err error) {
	defer func() { observe("place_update", err) }()

	in = normalizePlaceInput(in)
	if err := validatePlaceInput(in); err != nil {
		return domain.Place{}, err
	}
	p, err = s.store.GetPlace(ctx, id)
	if errors.Is(err, domain.ErrNotFound) {
		return domain.Place{}, domain.NotFound("place")
	}
	if err != nil {
		return domain.Place{}, domain.StorageErr("get place", err)
	}

	p.Name, p.Location, p.Country = in.Name, in.Location, in.Country
	p.StartDate, p.EndDate = in.StartDate, in.EndDate
	p.UpdatedAt = s.now().UTC()
	if err := s.store.UpdatePlace(ctx, &p); err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return domain.Place{}, domain.NotFound("place")
		}
		return domain.Place{}, domain.StorageErr("update place", err)
	}
	s.views.invalidate(ctx, p)
	return p, nil
}

// Delete removes the place, its photos and their files atomically.
func (s *PlaceService) Delete(ctx context.Context, id int64) (err error) {
	defer func() { observe("place_delete", err) }()

	return s.photos.DeletePlaceWithPhotos(ctx, id, func(ctx context.Context, tx domain.Tx) error {
		return tx.DeletePlace(ctx, id)
	})
}

// SetSortOrder sets the home-page order; ids must be a permutation of all place ids.
func (s *PlaceService) SetSortOrder(ctx context.Context, ids []int64) (err error) {
	defer func() { observe("place_sort", err) }()

	err = s.store.InTx(ctx, func(tx domain.Tx) error {
		places, err := tx.ListPlaces(ctx)
		if err != nil {
			return domain.StorageErr("list places", err)
		}
		known := make(map[int64]bool, len(places))
		for _, p := range places {
			known[p.ID] = true
		}
		if err := checkPermutation(len(places), ids, func(id int64) bool { return known[id] }); err != nil {
			return err
		}
		for i, id := range ids {
			if err := tx.SetSortOrder(ctx, id, i+1); err != nil {
				return domain.StorageErr("set sort order", err)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	s.views.invalidateList(ctx)
	return nil
}

func normalizePlaceInput(in domain.PlaceInput) domain.PlaceInput {
	in.Name = strings.TrimSpace(in.Name)
	in.Location = strings.TrimSpace(in.Location)
	in.Country = strings.TrimSpace(in.Country)
	in.StartDate = strings.TrimSpace(in.StartDate)
	if in.EndDate != nil {
		e := strings.TrimSpace(*in.EndDate)
		if e == "" {
			in.EndDate = nil
		} else {
			in.EndDate = &e
		}
	}
	return in
}

func validatePlaceInput(in domain.PlaceInput) error {
	fields := map[string]string{}
	required := func(name, v string) {
		switch {
		case v == "":
			fields[name] = "required"
		case len(v) > 200:
			fields[name] = "at most 200 characters"
		}
	}
	required("name", in.Name)
	required("location", in.Location)
	required("country", in.Country)

	start, err := time.Parse(dateLayout, in.StartDate)
	if err != nil {
		fields["start_date"] = "must be a date (YYYY-MM-DD)"
	}
	if in.EndDate != nil {
		end, err2 := time.Parse(dateLayout, *in.EndDate)
		switch {
		case err2 != nil:
			fields["end_date"] = "must be a date (YYYY-MM-DD)"
		case err == nil && end.Before(start):
			fields["end_date"] = "must not be before start_date"
		}
	}
	if len(fields) > 0 {
		return domain.Validation("invalid place", fields)
	}
	return nil
}
