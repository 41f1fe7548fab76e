package mysql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	driver "github.com/go-sql-driver/mysql"

	"gallery/internal/domain"
)

const errDupEntry = 1062

func valStr(p *string) any {
	if p == nil {
		return nil
	}
	return *p
}
func valInt(p *int) any {
	if p == nil {
		return nil
	}
	return *p
}
func valTime(p *time.Time) any {
	if p == nil {
		return nil
	}
	return p.UTC()
}

func nullStr(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	s := ns.String
	return &s
}
func nullInt(ni sql.NullInt64) *int {
	if !ni.Valid {
		return nil
	}
	i := int(ni.Int64)
	return &i
}

// queryer is what *sql.DB and *sql.Tx have in common.
type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type scanner interface{ Scan(dest ...any) error }

type Repo struct {
	db *sql.DB // nil inside a transaction
	q  queryer
}

var _ domain.Store = (*Repo)(nil)

func New(db *sql.DB) *Repo { return &Repo{db: db, q: db} }

// InTx commits when fn returns nil and rolls back otherwise. Nested calls join
// the outer transaction.
func (r *Repo) InTx(ctx context.Context, fn func(tx domain.Tx) error) (err error) {
	if r.db == nil {
		return fn(r)
	}
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()
	if err := fn(&Repo{q: tx}); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// dupErr maps a duplicate-key violation on a slug key to ErrSlugTaken and any
// other unique key to ErrDuplicate.
func dupErr(err error) error {
	var me *driver.MySQLError
	if !errors.As(err, &me) || me.Number != errDupEntry {
		return err
	}
	if strings.Contains(me.Message, "slug") {
		return domain.ErrSlugTaken
	}
	return domain.ErrDuplicate
}

func (r *Repo) execOne(ctx context.Context, query string, args ...any) error {
	res, err := r.q.ExecContext(ctx, query, args...)
	if err != nil {
		return dupErr(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (r *Repo) exec(ctx context.Context, query string, args ...any) error {
	_, err := r.q.ExecContext(ctx, query, args...)
	return dupErr(err)
}

func (r *Repo) scalar(ctx context.Context, query string, args ...any) (int, error) {
	var n int
	err := r.q.QueryRowContext(ctx, query, args...).Scan(&n)
	return n, err
}

// -----------------------------------------------------------------------------
// places
// -----------------------------------------------------------------------------

func scanPlace(s scanner) (domain.Place, error) {
	var p domain.Place
	var end sql.NullString
	if err := s.Scan(&p.ID, &p.Slug, &p.Name, &p.Location, &p.Country, &p.StartDate, &end,
		&p.FavoriteCount, &p.SortOrder, &p.CreatedAt, &p.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Place{}, domain.ErrNotFound
		}
		return domain.Place{}, err
	}
	p.EndDate = nullStr(end)
	return p, nil
}

func (r *Repo) InsertPlace(ctx context.Context, p *domain.Place) error {
	res, err := r.q.ExecContext(ctx, insertPlaceSQL,
		p.Slug, p.Name, p.Location, p.Country, p.StartDate, valStr(p.EndDate),
		p.FavoriteCount, p.SortOrder, p.CreatedAt.UTC(), p.UpdatedAt.UTC())
	if err != nil {
		return dupErr(err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return err
	}
	p.ID = id
	return nil
}

func (r *Repo) UpdatePlace(ctx context.Context, p *domain.Place) error {
	return r.execOne(ctx, updatePlaceSQL,
		p.Name, p.Location, p.Country, p.StartDate, valStr(p.EndDate), p.UpdatedAt.UTC(), p.ID)
}

func (r *Repo) DeletePlace(ctx context.Context, id int64) error {
	return r.execOne(ctx, deletePlaceSQL, id)
}

func (r *Repo) SetSortOrder(ctx context.Context, id int64, order int) error {
	return r.exec(ctx, setSortOrderSQL, order, id)
}

func (r *Repo) IncrementFavoriteCount(ctx context.Context, placeID int64) error {
	return r.execOne(ctx, incrementFavoriteCountSQL, placeID)
}

func (r *Repo) GetPlace(ctx context.Context, id int64) (domain.Place, error) {
	return scanPlace(r.q.QueryRowContext(ctx, getPlaceSQL, id))
}

func (r *Repo) GetPlaceBySlug(ctx context.Context, slug string) (domain.Place, error) {
	return scanPlace(r.q.QueryRowContext(ctx, getPlaceBySlugSQL, slug))
}

func (r *Repo) ListPlaces(ctx context.Context) ([]domain.Place, error) {
	rows, err := r.q.QueryContext(ctx, listPlacesSQL)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []domain.Place{}
	for rows.Next() {
		p, err := scanPlace(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (r *Repo) MaxSortOrder(ctx context.Context) (int, error) {
	return r.scalar(ctx, maxSortOrderSQL)
}

// -----------------------------------------------------------------------------
// photos
// -----------------------------------------------------------------------------

func scanPhoto(s scanner) (domain.Photo, error) {
	var ph domain.Photo
	var w, h sql.NullInt64
	var status string
	if err := s.Scan(&ph.ID, &ph.PlaceID, &ph.Slug, &ph.PhotoNum, &ph.FileName, &ph.IsFavorite,
		&w, &h, &status, &ph.CreatedAt, &ph.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Photo{}, domain.ErrNotFound
		}
		return domain.Photo{}, err
	}
	ph.Width, ph.Height = nullInt(w), nullInt(h)
	ph.ThumbnailStatus = domain.ThumbnailStatus(status)
	return ph, nil
}

func (r *Repo) InsertPhoto(ctx context.Context, ph *domain.Photo) error {
	status := ph.ThumbnailStatus
	if status == "" {
		status = domain.ThumbnailPending
	}
	res, err := r.q.ExecContext(ctx, insertPhotoSQL,
		ph.PlaceID, ph.Slug, ph.PhotoNum, ph.FileName, ph.IsFavorite,
		valInt(ph.Width), valInt(ph.Height), string(status), ph.CreatedAt.UTC(), ph.UpdatedAt.UTC())
	if err != nil {
		return dupErr(err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return err
	}
	ph.ID = id
	ph.ThumbnailStatus = status
	return nil
}

func (r *Repo) DeletePhoto(ctx context.Context, id int64) error {
	return r.execOne(ctx, deletePhotoSQL, id)
}

func (r *Repo) DeletePhotosByPlace(ctx context.Context, placeID int64) (int64, error) {
	res, err := r.q.ExecContext(ctx, deletePhotosByPlaceSQL, placeID)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (r *Repo) ShiftPhotoNumsDown(ctx context.Context, placeID int64, after int) error {
	return r.exec(ctx, shiftPhotoNumsDownSQL, placeID, after)
}

func (r *Repo) NegatePhotoNums(ctx context.Context, placeID int64) error {
	return r.exec(ctx, negatePhotoNumsSQL, placeID)
}

func (r *Repo) SetPhotoNum(ctx context.Context, id int64, num int) error {
	return r.exec(ctx, setPhotoNumSQL, num, time.Now().UTC(), id)
}

func (r *Repo) SetFavorite(ctx context.Context, id int64, fav bool) error {
	return r.execOne(ctx, setFavoriteSQL, fav, time.Now().UTC(), id)
}

func (r *Repo) ClearFavorites(ctx context.Context, placeID int64) error {
	return r.exec(ctx, clearFavoritesSQL, placeID)
}

func (r *Repo) UpdateThumbnail(ctx context.Context, id int64, st domain.ThumbnailStatus, width, height *int) error {
	return r.execOne(ctx, updateThumbnailSQL, string(st), valInt(width), valInt(height), time.Now().UTC(), id)
}

func (r *Repo) GetPhoto(ctx context.Context, id int64) (domain.Photo, error) {
	return scanPhoto(r.q.QueryRowContext(ctx, getPhotoSQL, id))
}

func (r *Repo) GetPhotoByNum(ctx context.Context, placeID int64, num int) (domain.Photo, error) {
	return scanPhoto(r.q.QueryRowContext(ctx, getPhotoByNumSQL, placeID, num))
}

func (r *Repo) ListPhotos(ctx context.Context, placeID int64) ([]domain.Photo, error) {
	rows, err := r.q.QueryContext(ctx, listPhotosSQL, placeID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []domain.Photo{}
	for rows.Next() {
		ph, err := scanPhoto(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ph)
	}
	return out, rows.Err()
}

func (r *Repo) MaxPhotoNum(ctx context.Context, placeID int64) (int, error) {
	return r.scalar(ctx, maxPhotoNumSQL, placeID)
}

// -----------------------------------------------------------------------------
// admin users
// -----------------------------------------------------------------------------

func scanAdmin(s scanner) (domain.AdminUser, error) {
	var u domain.AdminUser
	var secret sql.NullString
	var last sql.NullTime
	if err := s.Scan(&u.ID, &u.Username, &u.PasswordHash, &secret, &u.TotpEnabled, &u.TotpLastStep,
		&last, &u.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.AdminUser{}, domain.ErrNotFound
		}
		return domain.AdminUser{}, err
	}
	u.TotpSecret = nullStr(secret)
	if last.Valid {
		t := last.Time
		u.LastLoginAt = &t
	}
	return u, nil
}

func (r *Repo) InsertAdminUser(ctx context.Context, u *domain.AdminUser) error {
	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now().UTC()
	}
	res, err := r.q.ExecContext(ctx, insertAdminUserSQL,
		u.Username, u.PasswordHash, valStr(u.TotpSecret), u.TotpEnabled, u.TotpLastStep,
		valTime(u.LastLoginAt), u.CreatedAt.UTC())
	if err != nil {
		return dupErr(err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return err
	}
	u.ID = id
	return nil
}

func (r *Repo) SetAdminPassword(ctx context.Context, username, hash string) error {
	return r.execOne(ctx, setAdminPasswordSQL, hash, username)
}

func (r *Repo) SetAdminTotp(ctx context.Context, username string, secret *string, enabled bool, lastStep int64) error {
	return r.execOne(ctx, setAdminTotpSQL, valStr(secret), enabled, lastStep, username)
}

func (r *Repo) RecordAdminLogin(ctx context.Context, username string, at time.Time, step int64) error {
	return r.execOne(ctx, recordAdminLoginSQL, at.UTC(), step, username, step)
}

func (r *Repo) DeleteAdminUser(ctx context.Context, username string) error {
	return r.execOne(ctx, deleteAdminUserSQL, username)
}

func (r *Repo) GetAdminUser(ctx context.Context, username string) (domain.AdminUser, error) {
	return scanAdmin(r.q.QueryRowContext(ctx, getAdminUserSQL, username))
}

// LockAdminUser takes a row lock when r is bound to a transaction; outside InTx
// it is a plain read.
func (r *Repo) LockAdminUser(ctx context.Context, username string) (domain.AdminUser, error) {
	return scanAdmin(r.q.QueryRowContext(ctx, lockAdminUserSQL, username))
}

func (r *Repo) ListAdminUsers(ctx context.Context) ([]domain.AdminUser, error) {
	rows, err := r.q.QueryContext(ctx, listAdminUsersSQL)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []domain.AdminUser{}
	for rows.Next() {
		u, err := scanAdmin(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

func (r *Repo) CountAdminUsers(ctx context.Context) (int, error) {
	return r.scalar(ctx, countAdminUsersSQL)
}
