package app

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"gallery/internal/adapters/observability"
	"gallery/internal/domain"
)

type PhotoDeps struct {
	Store     domain.Store
	Files     domain.FileStore
	Locks     *PlaceLocks
	Slugs     *SlugGenerator
	Validator *UploadValidator
	Scanner   domain.MalwareScanner // nil skips scanning
	Queue     domain.ThumbnailQueue // nil skips thumbnail derivation
	Cache     domain.Cache          // nil disables view caching
	CacheTTL  time.Duration
	ScanLimit int // concurrent scans per batch
}

type PhotoService struct {
	store     domain.Store
	files     domain.FileStore
	locks     *PlaceLocks
	slugs     *SlugGenerator
	validator *UploadValidator
	scanner   domain.MalwareScanner
	queue     domain.ThumbnailQueue
	views     *viewCache
	scanLimit int
}

func NewPhotoService(d PhotoDeps) *PhotoService {
	if d.Locks == nil {
		d.Locks = NewPlaceLocks(0)
	}
	if d.Slugs == nil {
		d.Slugs = NewSlugGenerator()
	}
	if d.Validator == nil {
		d.Validator = NewUploadValidator(0, 0)
	}
	if d.ScanLimit <= 0 {
		d.ScanLimit = 4
	}
	return &PhotoService{
		store:     d.Store,
		files:     d.Files,
		locks:     d.Locks,
		slugs:     d.Slugs,
		validator: d.Validator,
		scanner:   d.Scanner,
		queue:     d.Queue,
		views:     &viewCache{cache: d.Cache, ttl: d.CacheTTL},
		scanLimit: d.ScanLimit,
	}
}

// List returns the place's photos in display order.
func (s *PhotoService) List(ctx context.Context, placeID int64) ([]domain.Photo, error) {
	if _, err := s.place(ctx, placeID); err != nil {
		return nil, err
	}
	ps, err := s.store.ListPhotos(ctx, placeID)
	if err != nil {
		return nil, domain.StorageErr("list photos", err)
	}
	return ps, nil
}

// Upload stores a batch of photos at the end of the place's order. The batch is
// all-or-nothing: any invalid or infected file rejects every file, and a failure
// while storing removes whatever was already written.
func (s *PhotoService) Upload(ctx context.Context, placeID int64, files []domain.UploadFile) (n int, err error) {
	defer func() { observe("upload", err) }()

	if err := s.validator.ValidateBatch(files); err != nil {
		return 0, err
	}
	if _, err := s.place(ctx, placeID); err != nil {
		return 0, err
	}
	if err := s.scan(ctx, files); err != nil {
		return 0, err
	}

	var place domain.Place
	stored, err := WithPlaceLock(ctx, s.locks, placeID, func(ctx context.Context) ([]domain.Photo, error) {
		// the place may have been deleted while we were scanning
		p, err := s.place(ctx, placeID)
		if err != nil {
			return nil, err
		}
		place = p
		return s.storeBatch(ctx, placeID, files)
	})
	if err != nil {
		return 0, err
	}

	s.views.invalidate(ctx, place)
	s.enqueueThumbnails(ctx, stored)
	log.Info().Int64("place_id", placeID).Int("count", len(stored)).Msg("photos uploaded")
	return len(stored), nil
}

// storeBatch must run under the place lock.
func (s *PhotoService) storeBatch(ctx context.Context, placeID int64, files []domain.UploadFile) (out []domain.Photo, err error) {
	var written []string
	defer func() {
		if err == nil {
			return
		}
		for _, name := range written {
			if rerr := s.files.Remove(placeID, name); rerr != nil {
				log.Error().Err(rerr).Int64("place_id", placeID).Str("file", name).Msg("cleanup of partial upload failed")
			}
		}
		out = nil
	}()

	now := time.Now().UTC()
	err = s.store.InTx(ctx, func(tx domain.Tx) error {
		out = out[:0]
		max, err := tx.MaxPhotoNum(ctx, placeID)
		if err != nil {
			return domain.StorageErr("max photo num", err)
		}
		for i, f := range files {
			ph := domain.Photo{
				PlaceID:         placeID,
				PhotoNum:        max + i + 1,
				ThumbnailStatus: domain.ThumbnailPending,
				CreatedAt:       now,
				UpdatedAt:       now,
			}
			_, err := WithUniqueSlug(ctx, s.slugs, func(slug string) error {
				ph.Slug = slug
				ph.FileName = slug + storedExt(f.Name)
				return tx.InsertPhoto(ctx, &ph)
			})
			if err != nil {
				return domain.StorageErr("insert photo", err)
			}
			if err := s.files.Write(ctx, placeID, ph.FileName, f.Data); err != nil {
				return domain.StorageErr("write photo file", err)
			}
			written = append(written, ph.FileName)
			out = append(out, ph)
		}
		// an aborted request must not commit
		return ctx.Err()
	})
	return out, err
}

// scan runs the malware scanner over every file; one infected file rejects the batch.
func (s *PhotoService) scan(ctx context.Context, files []domain.UploadFile) error {
	if s.scanner == nil {
		return nil
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.scanLimit)
	for _, f := range files {
		f := f
		g.Go(func() error {
			v, err := s.scanner.Scan(gctx, f.Name, f.Data)
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				return &domain.Error{Kind: domain.KindTransient, Msg: "malware scan unavailable, retry", Err: err}
			}
			if v == domain.VerdictInfected {
				log.Warn().Str("file", f.Name).Msg("upload rejected: infected")
				return domain.Validation(fmt.Sprintf("%s was rejected by the malware scanner", f.Name),
					map[string]string{"files": f.Name + ": infected"})
			}
			return nil
		})
	}
	return g.Wait()
}

func (s *PhotoService) enqueueThumbnails(ctx context.Context, photos []domain.Photo) {
	if s.queue == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	for _, ph := range photos {
		job := domain.ThumbnailJob{
			ID:       uuid.NewString(),
			PlaceID:  ph.PlaceID,
			PhotoID:  ph.ID,
			PhotoNum: ph.PhotoNum,
			FileName: ph.FileName,
		}
		if err := s.queue.Enqueue(ctx, job); err != nil {
			log.Error().Err(err).Int64("photo_id", ph.ID).Msg("thumbnail enqueue failed")
		}
	}
}

// Delete removes one photo and closes the gap it leaves. It reports false when
// the photo does not exist. Deleting the favorite leaves the place without one.
func (s *PhotoService) Delete(ctx context.Context, placeID int64, photoNum int) (deleted bool, err error) {
	defer func() { observe("delete", err) }()

	var place domain.Place
	deleted, err = WithPlaceLock(ctx, s.locks, placeID, func(ctx context.Context) (bool, error) {
		p, err := s.place(ctx, placeID)
		if errors.Is(err, domain.ErrNotFound) {
			return false, nil
		}
		if err != nil {
			return false, err
		}
		place = p

		ph, err := s.store.GetPhotoByNum(ctx, placeID, photoNum)
		if errors.Is(err, domain.ErrNotFound) {
			return false, nil
		}
		if err != nil {
			return false, domain.StorageErr("get photo", err)
		}

		staged, err := s.files.StagePhoto(placeID, ph.FileName)
		if err != nil {
			return false, domain.StorageErr("stage photo files", err)
		}
		err = s.store.InTx(ctx, func(tx domain.Tx) error {
			if err := tx.DeletePhoto(ctx, ph.ID); err != nil {
				return err
			}
			return tx.ShiftPhotoNumsDown(ctx, placeID, photoNum)
		})
		if err != nil {
			if rerr := staged.Restore(); rerr != nil {
				log.Error().Err(rerr).Int64("photo_id", ph.ID).Msg("restore of staged photo files failed")
			}
			return false, domain.StorageErr("delete photo", err)
		}
		if perr := staged.Purge(); perr != nil {
			log.Warn().Err(perr).Int64("photo_id", ph.ID).Msg("purge of deleted photo files failed")
		}
		return true, nil
	})
	if err != nil || !deleted {
		return deleted, err
	}
	s.views.invalidate(ctx, place)
	return true, nil
}

// Reorder assigns photoNum = position+1 following newOrder, which lists the
// current photo numbers in their new order. It must be a permutation of the
// current set.
func (s *PhotoService) Reorder(ctx context.Context, placeID int64, newOrder []int) (err error) {
	defer func() { observe("reorder", err) }()

	var place domain.Place
	err = s.locks.Do(ctx, placeID, func(ctx context.Context) error {
		p, err := s.place(ctx, placeID)
		if err != nil {
			return err
		}
		place = p

		photos, err := s.store.ListPhotos(ctx, placeID)
		if err != nil {
			return domain.StorageErr("list photos", err)
		}
		ids := make(map[int]int64, len(photos))
		for _, ph := range photos {
			ids[ph.PhotoNum] = ph.ID
		}
		if err := checkPermutation(len(photos), newOrder, func(n int) bool { _, ok := ids[n]; return ok }); err != nil {
			return err
		}

		// (place_id, photo_num) is unique: park every row at -photo_num first so
		// no intermediate assignment collides, then write the final numbers.
		return domain.StorageErr("reorder photos", s.store.InTx(ctx, func(tx domain.Tx) error {
			if err := tx.NegatePhotoNums(ctx, placeID); err != nil {
				return err
			}
			for i, old := range newOrder {
				if err := tx.SetPhotoNum(ctx, ids[old], i+1); err != nil {
					return err
				}
			}
			return nil
		}))
	})
	if err != nil {
		return err
	}
	s.views.invalidate(ctx, place)
	return nil
}

// SetFavorite marks or unmarks a photo. At most one photo per place is the
// favorite; the place's FavoriteCount grows on every false->true transition.
func (s *PhotoService) SetFavorite(ctx context.Context, placeID int64, photoNum int, isFavorite bool) (err error) {
	defer func() { observe("favorite", err) }()

	var place domain.Place
	err = s.locks.Do(ctx, placeID, func(ctx context.Context) error {
		p, err := s.place(ctx, placeID)
		if err != nil {
			return err
		}
		place = p
		return s.store.InTx(ctx, func(tx domain.Tx) error {
			ph, err := tx.GetPhotoByNum(ctx, placeID, photoNum)
			if errors.Is(err, domain.ErrNotFound) {
				return domain.NotFound("photo")
			}
			if err != nil {
				return domain.StorageErr("get photo", err)
			}
			if ph.IsFavorite == isFavorite {
				return nil
			}
			if !isFavorite {
				return domain.StorageErr("clear favorite", tx.SetFavorite(ctx, ph.ID, false))
			}
			if err := tx.ClearFavorites(ctx, placeID); err != nil {
				return domain.StorageErr("clear favorites", err)
			}
			if err := tx.SetFavorite(ctx, ph.ID, true); err != nil {
				return domain.StorageErr("set favorite", err)
			}
			return domain.StorageErr("count favorite", tx.IncrementFavoriteCount(ctx, placeID))
		})
	})
	if err != nil {
		return err
	}
	s.views.invalidate(ctx, place)
	return nil
}

// DeletePlaceWithPhotos deletes every photo row and file of the place and then
// runs deletePlace in the same transaction, all under the place lock so no
// upload, reorder or favorite can interleave. On failure nothing is deleted.
func (s *PhotoService) DeletePlaceWithPhotos(ctx context.Context, placeID int64, deletePlace func(ctx context.Context, tx domain.Tx) error) error {
	var place domain.Place
	err := s.locks.Do(ctx, placeID, func(ctx context.Context) error {
		p, err := s.place(ctx, placeID)
		if err != nil {
			return err
		}
		place = p

		staged, err := s.files.StagePlace(placeID)
		if err != nil {
			return domain.StorageErr("stage place files", err)
		}
		err = s.store.InTx(ctx, func(tx domain.Tx) error {
			n, err := tx.DeletePhotosByPlace(ctx, placeID)
			if err != nil {
				return err
			}
			log.Debug().Int64("place_id", placeID).Int64("photos", n).Msg("photo rows deleted")
			return deletePlace(ctx, tx)
		})
		if err != nil {
			if rerr := staged.Restore(); rerr != nil {
				log.Error().Err(rerr).Int64("place_id", placeID).Msg("restore of staged place files failed")
			}
			return domain.StorageErr("delete place", err)
		}
		if perr := staged.Purge(); perr != nil {
			log.Warn().Err(perr).Int64("place_id", placeID).Msg("purge of deleted place files failed")
		}
		return nil
	})
	if err != nil {
		return err
	}
	s.views.invalidate(ctx, place)
	log.Info().Int64("place_id", placeID).Msg("place deleted")
	return nil
}

func (s *PhotoService) place(ctx context.Context, placeID int64) (domain.Place, error) {
	p, err := s.store.GetPlace(ctx, placeID)
	if errors.Is(err, domain.ErrNotFound) {
		return domain.Place{}, domain.NotFound("place")
	}
	if err != nil {
		return domain.Place{}, domain.StorageErr("get place", err)
	}
	return p, nil
}

// checkPermutation verifies that order lists each of the n known values exactly once.
func checkPermutation[T comparable](n int, order []T, known func(T) bool) error {
	fields := map[string]string{}
	if len(order) != n {
		fields["order"] = fmt.Sprintf("expected %d entries, got %d", n, len(order))
	}
	seen := make(map[T]bool, len(order))
	var foreign, dup []string
	for _, v := range order {
		switch {
		case !known(v):
			foreign = append(foreign, fmt.Sprint(v))
		case seen[v]:
			dup = append(dup, fmt.Sprint(v))
		}
		seen[v] = true
	}
	if len(foreign) > 0 {
		sort.Strings(foreign)
		fields["unknown"] = fmt.Sprint(foreign)
	}
	if len(dup) > 0 {
		sort.Strings(dup)
		fields["duplicate"] = fmt.Sprint(dup)
	}
	if len(fields) > 0 {
		return domain.Validation("order must list every current entry exactly once", fields)
	}
	return nil
}

func observe(op string, err error) {
	switch {
	case err == nil:
		observability.ObserveMutation(op, "ok")
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		observability.ObserveMutation(op, "canceled")
	default:
		observability.ObserveMutation(op, domain.KindOf(err).String())
	}
}
