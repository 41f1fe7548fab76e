package app_test

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/png"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"gallery/internal/app"
	"gallery/internal/domain"
	"gallery/internal/storage/files"
	"gallery/internal/storage/memory"
)

// ---- fakes ----

type fakeCache struct {
	mu    sync.Mutex
	store map[string]any
	dels  []string
}

func (c *fakeCache) Get(_ context.Context, key string, dst any) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.store[key]
	if !ok {
		return false, nil
	}
	switch d := dst.(type) {
	case *[]domain.Place:
		*d = v.([]domain.Place)
	case *domain.Place:
		*d = v.(domain.Place)
	case *domain.PlaceView:
		*d = v.(domain.PlaceView)
	}
	return true, nil
}

func (c *fakeCache) Set(_ context.Context, key string, v any, _ int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.store == nil {
		c.store = map[string]any{}
	}
	c.store[key] = v
	return nil
}

func (c *fakeCache) Del(_ context.Context, keys ...string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, k := range keys {
		delete(c.store, k)
		c.dels = append(c.dels, k)
	}
	return nil
}

func (c *fakeCache) has(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.store[key]
	return ok
}

type fakeScanner struct {
	infected map[string]bool
	err      error
}

func (s *fakeScanner) Scan(ctx context.Context, name string, _ []byte) (domain.ScanVerdict, error) {
	if s.err != nil {
		return domain.VerdictClean, s.err
	}
	if s.infected[name] {
		return domain.VerdictInfected, nil
	}
	return domain.VerdictClean, nil
}

type fakeQueue struct {
	mu   sync.Mutex
	jobs []domain.ThumbnailJob
}

func (q *fakeQueue) Enqueue(_ context.Context, job domain.ThumbnailJob) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.jobs = append(q.jobs, job)
	return nil
}

func (q *fakeQueue) Dequeue(ctx context.Context, wait time.Duration) (domain.ThumbnailJob, bool, error) {
	q.mu.Lock()
	if len(q.jobs) > 0 {
		job := q.jobs[0]
		q.jobs = q.jobs[1:]
		q.mu.Unlock()
		return job, true, nil
	}
	q.mu.Unlock()
	select {
	case <-ctx.Done():
		return domain.ThumbnailJob{}, false, ctx.Err()
	case <-time.After(wait):
		return domain.ThumbnailJob{}, false, nil
	}
}

func (q *fakeQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.jobs)
}

// ---- fixture ----

type env struct {
	store   *memory.Store
	files   *files.Store
	cache   *fakeCache
	scanner *fakeScanner
	queue   *fakeQueue
	photos  *app.PhotoService
	places  *app.PlaceService
}

func newEnv(t *testing.T) *env {
	t.Helper()
	fs, err := files.New(t.TempDir())
	require.NoError(t, err)
	e := &env{
		store:   memory.New(),
		files:   fs,
		cache:   &fakeCache{},
		scanner: &fakeScanner{infected: map[string]bool{}},
		queue:   &fakeQueue{},
	}
	slugs := app.NewSlugGenerator()
	e.photos = app.NewPhotoService(app.PhotoDeps{
		Store:     e.store,
		Files:     e.files,
		Locks:     app.NewPlaceLocks(5 * time.Second),
		Slugs:     slugs,
		Validator: app.NewUploadValidator(1<<20, 10),
		Scanner:   e.scanner,
		Queue:     e.queue,
		Cache:     e.cache,
		CacheTTL:  time.Minute,
	})
	e.places = app.NewPlaceService(e.store, e.photos, slugs, e.cache, time.Minute)
	return e
}

func pstr(s string) *string { return &s }

func (e *env) place(t *testing.T, name string) domain.Place {
	t.Helper()
	p, err := e.places.Create(context.Background(), domain.PlaceInput{
		Name: name, Location: name, Country: "Japan", StartDate: "2024-04-01", EndDate: pstr("2024-04-10"),
	})
	require.NoError(t, err)
	return p
}

func (e *env) upload(t *testing.T, placeID int64, names ...string) {
	t.Helper()
	n, err := e.photos.Upload(context.Background(), placeID, pngFiles(t, names...))
	require.NoError(t, err)
	require.Equal(t, len(names), n)
}

// order returns the stored file names in display order and checks that the
// numbering is 1..n.
func (e *env) order(t *testing.T, placeID int64) []string {
	t.Helper()
	ps, err := e.photos.List(context.Background(), placeID)
	require.NoError(t, err)
	out := make([]string, len(ps))
	for i, ph := range ps {
		require.Equal(t, i+1, ph.PhotoNum, "photo numbers must be contiguous")
		out[i] = ph.FileName
	}
	return out
}

func pngBytes(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	img.Set(0, 0, color.RGBA{G: 255, A: 255})
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func pngFiles(t *testing.T, names ...string) []domain.UploadFile {
	t.Helper()
	out := make([]domain.UploadFile, len(names))
	for i, n := range names {
		out[i] = domain.UploadFile{Name: n, Data: pngBytes(t, 8+i, 8)}
	}
	return out
}
