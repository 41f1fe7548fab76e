package domain

import (
	"context"
	"time"
)

type PlaceRepository interface {
	// Write paths
	InsertPlace(ctx context.Context, p *Place) error // ErrSlugTaken on slug collision
	UpdatePlace(ctx context.Context, p *Place) error
	DeletePlace(ctx context.Context, id int64) error
	SetSortOrder(ctx context.Context, id int64, order int) error
	IncrementFavoriteCount(ctx context.Context, placeID int64) error

	// Read paths
	GetPlace(ctx context.Context, id int64) (Place, error)
	GetPlaceBySlug(ctx context.Context, slug string) (Place, error)
	ListPlaces(ctx context.Context) ([]Place, error)
	MaxSortOrder(ctx context.Context) (int, error)
}

type PhotoRepository interface {
	// Write paths
	InsertPhoto(ctx context.Context, ph *Photo) error // ErrSlugTaken on (place, slug) collision
	DeletePhoto(ctx context.Context, id int64) error
	DeletePhotosByPlace(ctx context.Context, placeID int64) (int64, error)
	ShiftPhotoNumsDown(ctx context.Context, placeID int64, after int) error
	NegatePhotoNums(ctx context.Context, placeID int64) error
	SetPhotoNum(ctx context.Context, id int64, num int) error
	SetFavorite(ctx context.Context, id int64, fav bool) error
	ClearFavorites(ctx context.Context, placeID int64) error
	UpdateThumbnail(ctx context.Context, id int64, st ThumbnailStatus, width, height *int) error

	// Read paths
	GetPhoto(ctx context.Context, id int64) (Photo, error)
	GetPhotoByNum(ctx context.Context, placeID int64, num int) (Photo, error)
	ListPhotos(ctx context.Context, placeID int64) ([]Photo, error) // ordered by photo_num
	MaxPhotoNum(ctx context.Context, placeID int64) (int, error)
}

type AdminUserRepository interface {
	InsertAdminUser(ctx context.Context, u *AdminUser) error // ErrDuplicate on username collision
	// LockAdminUser reads the row and, inside InTx, holds it until the transaction ends.
	LockAdminUser(ctx context.Context, username string) (AdminUser, error)
	SetAdminPassword(ctx context.Context, username, hash string) error
	SetAdminTotp(ctx context.Context, username string, secret *string, enabled bool, lastStep int64) error
	// RecordAdminLogin stamps the login and moves totp_last_step forward. ErrNotFound
	// when the stored step is already past step.
	RecordAdminLogin(ctx context.Context, username string, at time.Time, step int64) error
	DeleteAdminUser(ctx context.Context, username string) error
	GetAdminUser(ctx context.Context, username string) (AdminUser, error)
	ListAdminUsers(ctx context.Context) ([]AdminUser, error)
	CountAdminUsers(ctx context.Context) (int, error)
}

// Tx is the set of repository operations available inside one store transaction.
type Tx interface {
	PlaceRepository
	PhotoRepository
	AdminUserRepository
}

// Store runs single statements directly, or a group of them atomically through InTx.
// fn's changes are committed when it returns nil and rolled back otherwise.
type Store interface {
	Tx
	InTx(ctx context.Context, fn func(tx Tx) error) error
}

type Cache interface {
	Get(ctx context.Context, key string, dst any) (bool, error)
	Set(ctx context.Context, key string, v any, ttlSec int) error
	Del(ctx context.Context, keys ...string) error
}

// Staged is a set of files moved aside for deletion. Restore puts them back,
// Purge removes them for good.
type Staged interface {
	Restore() error
	Purge() error
}

type FileStore interface {
	Write(ctx context.Context, placeID int64, name string, data []byte) error
	Read(placeID int64, name string) ([]byte, error)
	Remove(placeID int64, name string) error
	StagePhoto(placeID int64, name string) (Staged, error)
	StagePlace(placeID int64) (Staged, error)
	WriteVariant(placeID int64, variant, name string, data []byte) error
}

type MalwareScanner interface {
	Scan(ctx context.Context, name string, data []byte) (ScanVerdict, error)
}

type ThumbnailQueue interface {
	Enqueue(ctx context.Context, job ThumbnailJob) error
	// Dequeue blocks up to wait; ok is false when nothing arrived.
	Dequeue(ctx context.Context, wait time.Duration) (job ThumbnailJob, ok bool, err error)
}

type VariantDeriver interface {
	Derive(ctx context.Context, placeID int64, fileName string) (Variants, error)
}
