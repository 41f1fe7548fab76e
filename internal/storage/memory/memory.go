// Package memory is an in-process domain.Store used for local runs and tests.
// It enforces the same unique keys as the MySQL schema and gives InTx real
// rollback by running each transaction against a private copy of the data.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"gallery/internal/domain"
)

type state struct {
	nextPlace, nextPhoto, nextUser int64

	places map[int64]domain.Place
	photos map[int64]domain.Photo
	users  map[string]domain.AdminUser
}

func (st *state) clone() *state {
	c := &state{
		nextPlace: st.nextPlace,
		nextPhoto: st.nextPhoto,
		nextUser:  st.nextUser,
		places:    make(map[int64]domain.Place, len(st.places)),
		photos:    make(map[int64]domain.Photo, len(st.photos)),
		users:     make(map[string]domain.AdminUser, len(st.users)),
	}
	for k, v := range st.places {
		c.places[k] = v
	}
	for k, v := range st.photos {
		c.photos[k] = v
	}
	for k, v := range st.users {
		c.users[k] = v
	}
	return c
}

type Store struct {
	// txMu serializes writers; mu guards the st pointer for readers.
	txMu sync.Mutex
	mu   sync.RWMutex
	st   *state

	failMu sync.Mutex
	fail   map[string]error
}

var _ domain.Store = (*Store)(nil)

func New() *Store {
	return &Store{
		st: &state{
			places: map[int64]domain.Place{},
			photos: map[int64]domain.Photo{},
			users:  map[string]domain.AdminUser{},
		},
		fail: map[string]error{},
	}
}

// FailOn makes every later call of the named operation (e.g. "DeletePlace")
// return err. A nil err clears the failure.
func (s *Store) FailOn(op string, err error) {
	s.failMu.Lock()
	defer s.failMu.Unlock()
	if err == nil {
		delete(s.fail, op)
		return
	}
	s.fail[op] = err
}

func (s *Store) injected(op string) error {
	s.failMu.Lock()
	defer s.failMu.Unlock()
	return s.fail[op]
}

// InTx runs fn against a copy of the data and publishes the copy only when fn
// returns nil and ctx is still live.
func (s *Store) InTx(ctx context.Context, fn func(tx domain.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.txMu.Lock()
	defer s.txMu.Unlock()

	s.mu.RLock()
	work := s.st.clone()
	s.mu.RUnlock()

	if err := fn(&tx{s: s, st: work}); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	s.st = work
	s.mu.Unlock()
	return nil
}

func (s *Store) read() *tx {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return &tx{s: s, st: s.st}
}

// Single statements outside InTx are their own transaction.

func (s *Store) InsertPlace(ctx context.Context, p *domain.Place) error {
	return s.InTx(ctx, func(t domain.Tx) error { return t.InsertPlace(ctx, p) })
}

func (s *Store) UpdatePlace(ctx context.Context, p *domain.Place) error {
	return s.InTx(ctx, func(t domain.Tx) error { return t.UpdatePlace(ctx, p) })
}

func (s *Store) DeletePlace(ctx context.Context, id int64) error {
	return s.InTx(ctx, func(t domain.Tx) error { return t.DeletePlace(ctx, id) })
}

func (s *Store) SetSortOrder(ctx context.Context, id int64, order int) error {
	return s.InTx(ctx, func(t domain.Tx) error { return t.SetSortOrder(ctx, id, order) })
}

func (s *Store) IncrementFavoriteCount(ctx context.Context, placeID int64) error {
	return s.InTx(ctx, func(t domain.Tx) error { return t.IncrementFavoriteCount(ctx, placeID) })
}

func (s *Store) GetPlace(ctx context.Context, id int64) (domain.Place, error) {
	return s.read().GetPlace(ctx, id)
}

func (s *Store) GetPlaceBySlug(ctx context.Context, slug string) (domain.Place, error) {
	return s.read().GetPlaceBySlug(ctx, slug)
}

func (s *Store) ListPlaces(ctx context.Context) ([]domain.Place, error) {
	return s.read().ListPlaces(ctx)
}

func (s *Store) MaxSortOrder(ctx context.Context) (int, error) {
	return s.read().MaxSortOrder(ctx)
}

func (s *Store) InsertPhoto(ctx context.Context, ph *domain.Photo) error {
	return s.InTx(ctx, func(t domain.Tx) error { return t.InsertPhoto(ctx, ph) })
}

func (s *Store) DeletePhoto(ctx context.Context, id int64) error {
	return s.InTx(ctx, func(t domain.Tx) error { return t.DeletePhoto(ctx, id) })
}

func (s *Store) DeletePhotosByPlace(ctx context.Context, placeID int64) (n int64, err error) {
	err = s.InTx(ctx, func(t domain.Tx) error {
		n, err = t.DeletePhotosByPlace(ctx, placeID)
		return err
	})
	return n, err
}

func (s *Store) ShiftPhotoNumsDown(ctx context.Context, placeID int64, after int) error {
	return s.InTx(ctx, func(t domain.Tx) error { return t.ShiftPhotoNumsDown(ctx, placeID, after) })
}

func (s *Store) NegatePhotoNums(ctx context.Context, placeID int64) error {
	return s.InTx(ctx, func(t domain.Tx) error { return t.NegatePhotoNums(ctx, placeID) })
}

func (s *Store) SetPhotoNum(ctx context.Context, id int64, num int) error {
	return s.InTx(ctx, func(t domain.Tx) error { return t.SetPhotoNum(ctx, id, num) })
}

func (s *Store) SetFavorite(ctx context.Context, id int64, fav bool) error {
	return s.InTx(ctx, func(t domain.Tx) error { return t.SetFavorite(ctx, id, fav) })
}

func (s *Store) ClearFavorites(ctx context.Context, placeID int64) error {
	return s.InTx(ctx, func(t domain.Tx) error { return t.ClearFavorites(ctx, placeID) })
}

func (s *Store) UpdateThumbnail(ctx context.Context, id int64, st domain.ThumbnailStatus, width, height *int) error {
	return s.InTx(ctx, func(t domain.Tx) error { return t.UpdateThumbnail(ctx, id, st, width, height) })
}

func (s *Store) GetPhoto(ctx context.Context, id int64) (domain.Photo, error) {
	return s.read().GetPhoto(ctx, id)
}

func (s *Store) GetPhotoByNum(ctx context.Context, placeID int64, num int) (domain.Photo, error) {
	return s.read().GetPhotoByNum(ctx, placeID, num)
}

func (s *Store) ListPhotos(ctx context.Context, placeID int64) ([]domain.Photo, error) {
	return s.read().ListPhotos(ctx, placeID)
}

func (s *Store) MaxPhotoNum(ctx context.Context, placeID int64) (int, error) {
	return s.read().MaxPhotoNum(ctx, placeID)
}

func (s *Store) InsertAdminUser(ctx context.Context, u *domain.AdminUser) error {
	return s.InTx(ctx, func(t domain.Tx) error { return t.InsertAdminUser(ctx, u) })
}

func (s *Store) SetAdminPassword(ctx context.Context, username, hash string) error {
	return s.InTx(ctx, func(t domain.Tx) error { return t.SetAdminPassword(ctx, username, hash) })
}

func (s *Store) SetAdminTotp(ctx context.Context, username string, secret *string, enabled bool, lastStep int64) error {
	return s.InTx(ctx, func(t domain.Tx) error { return t.SetAdminTotp(ctx, username, secret, enabled, lastStep) })
}

func (s *Store) RecordAdminLogin(ctx context.Context, username string, at time.Time, step int64) error {
	return s.InTx(ctx, func(t domain.Tx) error { return t.RecordAdminLogin(ctx, username, at, step) })
}

func (s *Store) LockAdminUser(ctx context.Context, username string) (domain.AdminUser, error) {
	return s.read().LockAdminUser(ctx, username)
}

func (s *Store) DeleteAdminUser(ctx context.Context, username string) error {
	return s.InTx(ctx, func(t domain.Tx) error { return t.DeleteAdminUser(ctx, username) })
}

func (s *Store) GetAdminUser(ctx context.Context, username string) (domain.AdminUser, error) {
	return s.read().GetAdminUser(ctx, username)
}

func (s *Store) ListAdminUsers(ctx context.Context) ([]domain.AdminUser, error) {
	return s.read().ListAdminUsers(ctx)
}

func (s *Store) CountAdminUsers(ctx context.Context) (int, error) {
	return s.read().CountAdminUsers(ctx)
}

// tx operates on one state without locking. Read-only views share the
// published state, which is never mutated in place.
type tx struct {
	s  *Store
	st *state
}

func (t *tx) check(ctx context.Context, op string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return t.s.injected(op)
}

func now() time.Time { return time.Now().UTC() }

// ---- places ----

func (t *tx) InsertPlace(ctx context.Context, p *domain.Place) error {
	if err := t.check(ctx, "InsertPlace"); err != nil {
		return err
	}
	for _, o := range t.st.places {
		if o.Slug == p.Slug {
			return domain.ErrSlugTaken
		}
	}
	t.st.nextPlace++
	p.ID = t.st.nextPlace
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now()
	}
	if p.UpdatedAt.IsZero() {
		p.UpdatedAt = p.CreatedAt
	}
	t.st.places[p.ID] = *p
	return nil
}

func (t *tx) UpdatePlace(ctx context.Context, p *domain.Place) error {
	if err := t.check(ctx, "UpdatePlace"); err != nil {
		return err
	}
	cur, ok := t.st.places[p.ID]
	if !ok {
		return domain.ErrNotFound
	}
	cur.Name, cur.Location, cur.Country = p.Name, p.Location, p.Country
	cur.StartDate, cur.EndDate = p.StartDate, p.EndDate
	cur.UpdatedAt = p.UpdatedAt
	t.st.places[p.ID] = cur
	*p = cur
	return nil
}

func (t *tx) DeletePlace(ctx context.Context, id int64) error {
	if err := t.check(ctx, "DeletePlace"); err != nil {
		return err
	}
	if _, ok := t.st.places[id]; !ok {
		return domain.ErrNotFound
	}
	delete(t.st.places, id)
	return nil
}

func (t *tx) SetSortOrder(ctx context.Context, id int64, order int) error {
	if err := t.check(ctx, "SetSortOrder"); err != nil {
		return err
	}
	p, ok := t.st.places[id]
	if !ok {
		return domain.ErrNotFound
	}
	p.SortOrder = order
	t.st.places[id] = p
	return nil
}

func (t *tx) IncrementFavoriteCount(ctx context.Context, placeID int64) error {
	if err := t.check(ctx, "IncrementFavoriteCount"); err != nil {
		return err
	}
	p, ok := t.st.places[placeID]
	if !ok {
		return domain.ErrNotFound
	}
	p.FavoriteCount++
	t.st.places[placeID] = p
	return nil
}

func (t *tx) GetPlace(ctx context.Context, id int64) (domain.Place, error) {
	if err := t.check(ctx, "GetPlace"); err != nil {
		return domain.Place{}, err
	}
	p, ok := t.st.places[id]
	if !ok {
		return domain.Place{}, domain.ErrNotFound
	}
	return p, nil
}

func (t *tx) GetPlaceBySlug(ctx context.Context, slug string) (domain.Place, error) {
	if err := t.check(ctx, "GetPlaceBySlug"); err != nil {
		return domain.Place{}, err
	}
	for _, p := range t.st.places {
		if p.Slug == slug {
			return p, nil
		}
	}
	return domain.Place{}, domain.ErrNotFound
}

func (t *tx) ListPlaces(ctx context.Context) ([]domain.Place, error) {
	if err := t.check(ctx, "ListPlaces"); err != nil {
		return nil, err
	}
	out := make([]domain.Place, 0, len(t.st.places))
	for _, p := range t.st.places {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].SortOrder != out[j].SortOrder {
			return out[i].SortOrder < out[j].SortOrder
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (t *tx) MaxSortOrder(ctx context.Context) (int, error) {
	if err := t.check(ctx, "MaxSortOrder"); err != nil {
		return 0, err
	}
	max := 0
	for _, p := range t.st.places {
		if p.SortOrder > max {
			max = p.SortOrder
		}
	}
	return max, nil
}

// ---- photos ----

// numTaken reports whether another photo of the place already holds num.
func (t *tx) numTaken(placeID int64, num int, except int64) bool {
	for _, o := range t.st.photos {
		if o.PlaceID == placeID && o.PhotoNum == num && o.ID != except {
			return true
		}
	}
	return false
}

func (t *tx) InsertPhoto(ctx context.Context, ph *domain.Photo) error {
	if err := t.check(ctx, "InsertPhoto"); err != nil {
		return err
	}
	if _, ok := t.st.places[ph.PlaceID]; !ok {
		return domain.ErrNotFound
	}
	for _, o := range t.st.photos {
		if o.PlaceID == ph.PlaceID && o.Slug == ph.Slug {
			return domain.ErrSlugTaken
		}
	}
	if t.numTaken(ph.PlaceID, ph.PhotoNum, 0) {
		return domain.ErrDuplicate
	}
	t.st.nextPhoto++
	ph.ID = t.st.nextPhoto
	if ph.CreatedAt.IsZero() {
		ph.CreatedAt = now()
	}
	if ph.UpdatedAt.IsZero() {
		ph.UpdatedAt = ph.CreatedAt
	}
	if ph.ThumbnailStatus == "" {
		ph.ThumbnailStatus = domain.ThumbnailPending
	}
	t.st.photos[ph.ID] = *ph
	return nil
}

func (t *tx) DeletePhoto(ctx context.Context, id int64) error {
	if err := t.check(ctx, "DeletePhoto"); err != nil {
		return err
	}
	if _, ok := t.st.photos[id]; !ok {
		return domain.ErrNotFound
	}
	delete(t.st.photos, id)
	return nil
}

func (t *tx) DeletePhotosByPlace(ctx context.Context, placeID int64) (int64, error) {
	if err := t.check(ctx, "DeletePhotosByPlace"); err != nil {
		return 0, err
	}
	var n int64
	for id, ph := range t.st.photos {
		if ph.PlaceID == placeID {
			delete(t.st.photos, id)
			n++
		}
	}
	return n, nil
}

func (t *tx) placePhotos(placeID int64) []domain.Photo {
	var out []domain.Photo
	for _, ph := range t.st.photos {
		if ph.PlaceID == placeID {
			out = append(out, ph)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PhotoNum < out[j].PhotoNum })
	return out
}

// ShiftPhotoNumsDown decrements every photo_num above after, lowest first,
// the same row order the SQL statement uses.
func (t *tx) ShiftPhotoNumsDown(ctx context.Context, placeID int64, after int) error {
	if err := t.check(ctx, "ShiftPhotoNumsDown"); err != nil {
		return err
	}
	for _, ph := range t.placePhotos(placeID) {
		if ph.PhotoNum <= after {
			continue
		}
		if t.numTaken(placeID, ph.PhotoNum-1, ph.ID) {
			return domain.ErrDuplicate
		}
		ph.PhotoNum--
		t.st.photos[ph.ID] = ph
	}
	return nil
}

func (t *tx) NegatePhotoNums(ctx context.Context, placeID int64) error {
	if err := t.check(ctx, "NegatePhotoNums"); err != nil {
		return err
	}
	for _, ph := range t.placePhotos(placeID) {
		if ph.PhotoNum <= 0 {
			continue
		}
		if t.numTaken(placeID, -ph.PhotoNum, ph.ID) {
			return domain.ErrDuplicate
		}
		ph.PhotoNum = -ph.PhotoNum
		t.st.photos[ph.ID] = ph
	}
	return nil
}

func (t *tx) SetPhotoNum(ctx context.Context, id int64, num int) error {
	if err := t.check(ctx, "SetPhotoNum"); err != nil {
		return err
	}
	ph, ok := t.st.photos[id]
	if !ok {
		return domain.ErrNotFound
	}
	if t.numTaken(ph.PlaceID, num, id) {
		return domain.ErrDuplicate
	}
	ph.PhotoNum = num
	ph.UpdatedAt = now()
	t.st.photos[id] = ph
	return nil
}

func (t *tx) SetFavorite(ctx context.Context, id int64, fav bool) error {
	if err := t.check(ctx, "SetFavorite"); err != nil {
		return err
	}
	ph, ok := t.st.photos[id]
	if !ok {
		return domain.ErrNotFound
	}
	ph.IsFavorite = fav
	ph.UpdatedAt = now()
	t.st.photos[id] = ph
	return nil
}

func (t *tx) ClearFavorites(ctx context.Context, placeID int64) error {
	if err := t.check(ctx, "ClearFavorites"); err != nil {
		return err
	}
	for id, ph := range t.st.photos {
		if ph.PlaceID == placeID && ph.IsFavorite {
			ph.IsFavorite = false
			t.st.photos[id] = ph
		}
	}
	return nil
}

func (t *tx) UpdateThumbnail(ctx context.Context, id int64, st domain.ThumbnailStatus, width, height *int) error {
	if err := t.check(ctx, "UpdateThumbnail"); err != nil {
		return err
	}
	ph, ok := t.st.photos[id]
	if !ok {
		return domain.ErrNotFound
	}
	ph.ThumbnailStatus = st
	if width != nil {
		ph.Width = width
	}
	if height != nil {
		ph.Height = height
	}
	ph.UpdatedAt = now()
	t.st.photos[id] = ph
	return nil
}

func (t *tx) GetPhoto(ctx context.Context, id int64) (domain.Photo, error) {
	if err := t.check(ctx, "GetPhoto"); err != nil {
		return domain.Photo{}, err
	}
	ph, ok := t.st.photos[id]
	if !ok {
		return domain.Photo{}, domain.ErrNotFound
	}
	return ph, nil
}

func (t *tx) GetPhotoByNum(ctx context.Context, placeID int64, num int) (domain.Photo, error) {
	if err := t.check(ctx, "GetPhotoByNum"); err != nil {
		return domain.Photo{}, err
	}
	for _, ph := range t.st.photos {
		if ph.PlaceID == placeID && ph.PhotoNum == num {
			return ph, nil
		}
	}
	return domain.Photo{}, domain.ErrNotFound
}

func (t *tx) ListPhotos(ctx context.Context, placeID int64) ([]domain.Photo, error) {
	if err := t.check(ctx, "ListPhotos"); err != nil {
		return nil, err
	}
	return t.placePhotos(placeID), nil
}

func (t *tx) MaxPhotoNum(ctx context.Context, placeID int64) (int, error) {
	if err := t.check(ctx, "MaxPhotoNum"); err != nil {
		return 0, err
	}
	max := 0
	for _, ph := range t.st.photos {
		if ph.PlaceID == placeID && ph.PhotoNum > max {
			max = ph.PhotoNum
		}
	}
	return max, nil
}

// ---- admin users ----

func (t *tx) InsertAdminUser(ctx context.Context, u *domain.AdminUser) error {
	if err := t.check(ctx, "InsertAdminUser"); err != nil {
		return err
	}
	if _, ok := t.st.users[u.Username]; ok {
		return domain.ErrDuplicate
	}
	t.st.nextUser++
	u.ID = t.st.nextUser
	if u.CreatedAt.IsZero() {
		u.CreatedAt = now()
	}
	t.st.users[u.Username] = *u
	return nil
}

// update applies fn to the stored user.
func (t *tx) update(ctx context.Context, op, username string, fn func(u *domain.AdminUser) bool) error {
	if err := t.check(ctx, op); err != nil {
		return err
	}
	u, ok := t.st.users[username]
	if !ok || !fn(&u) {
		return domain.ErrNotFound
	}
	t.st.users[username] = u
	return nil
}

func (t *tx) SetAdminPassword(ctx context.Context, username, hash string) error {
	return t.update(ctx, "SetAdminPassword", username, func(u *domain.AdminUser) bool {
		u.PasswordHash = hash
		return true
	})
}

func (t *tx) SetAdminTotp(ctx context.Context, username string, secret *string, enabled bool, lastStep int64) error {
	return t.update(ctx, "SetAdminTotp", username, func(u *domain.AdminUser) bool {
		u.TotpSecret, u.TotpEnabled, u.TotpLastStep = secret, enabled, lastStep
		return true
	})
}

func (t *tx) RecordAdminLogin(ctx context.Context, username string, at time.Time, step int64) error {
	return t.update(ctx, "RecordAdminLogin", username, func(u *domain.AdminUser) bool {
		if u.TotpLastStep > step {
			return false
		}
		at := at.UTC()
		u.LastLoginAt, u.TotpLastStep = &at, step
		return true
	})
}

func (t *tx) DeleteAdminUser(ctx context.Context, username string) error {
	if err := t.check(ctx, "DeleteAdminUser"); err != nil {
		return err
	}
	if _, ok := t.st.users[username]; !ok {
		return domain.ErrNotFound
	}
	delete(t.st.users, username)
	return nil
}

func (t *tx) GetAdminUser(ctx context.Context, username string) (domain.AdminUser, error) {
	if err := t.check(ctx, "GetAdminUser"); err != nil {
		return domain.AdminUser{}, err
	}
	u, ok := t.st.users[username]
	if !ok {
		return domain.AdminUser{}, domain.ErrNotFound
	}
	return u, nil
}

// LockAdminUser is GetAdminUser: InTx already serializes writers.
func (t *tx) LockAdminUser(ctx context.Context, username string) (domain.AdminUser, error) {
	if err := t.check(ctx, "LockAdminUser"); err != nil {
		return domain.AdminUser{}, err
	}
	u, ok := t.st.users[username]
	if !ok {
		return domain.AdminUser{}, domain.ErrNotFound
	}
	return u, nil
}

func (t *tx) ListAdminUsers(ctx context.Context) ([]domain.AdminUser, error) {
	if err := t.check(ctx, "ListAdminUsers"); err != nil {
		return nil, err
	}
	out := make([]domain.AdminUser, 0, len(t.st.users))
	for _, u := range t.st.users {
		out = append(out, u)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Username < out[j].Username })
	return out, nil
}

func (t *tx) CountAdminUsers(ctx context.Context) (int, error) {
	if err := t.check(ctx, "CountAdminUsers"); err != nil {
		return 0, err
	}
	return len(t.st.users), nil
}
