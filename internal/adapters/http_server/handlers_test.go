package httpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"image"
	"image/png"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"gallery/internal/app"
	"gallery/internal/domain"
	"gallery/internal/storage/files"
	"gallery/internal/storage/memory"
)

const testSecret = "0123456789abcdef0123456789abcdef"

type harness struct {
	t      *testing.T
	srv    *httptest.Server
	root   string
	tokens *Tokens
	token  string
}

func newHarness(t *testing.T, limiter RateLimiter) *harness {
	t.Helper()
	store := memory.New()
	fs, err := files.New(t.TempDir())
	require.NoError(t, err)

	slugs := app.NewSlugGenerator()
	photos := app.NewPhotoService(app.PhotoDeps{Store: store, Files: fs, Slugs: slugs})
	places := app.NewPlaceService(store, photos, slugs, nil, 0)
	auth := app.NewAuthService(store, "Gallery")
	require.NoError(t, auth.EnsureBootstrapAdmin(context.Background(), "admin", "s3cret-pass"))

	tokens, err := NewTokens(testSecret, time.Hour)
	require.NoError(t, err)

	s := New(5 * time.Second)
	s.MountHandlers(&Handlers{
		Places:         places,
		Photos:         photos,
		Auth:           auth,
		Tokens:         tokens,
		Limiter:        limiter,
		PhotoRoot:      fs.Root(),
		MaxUploadBytes: 1 << 20,
		MaxBatchFiles:  5,
	})
	srv := httptest.NewServer(s.Mux())
	t.Cleanup(srv.Close)

	h := &harness{t: t, srv: srv, root: fs.Root(), tokens: tokens}
	h.token, _, err = tokens.Issue("admin")
	require.NoError(t, err)
	return h
}

func (h *harness) do(method, path string, body any, hdr map[string]string) *http.Response {
	h.t.Helper()
	var rd *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(h.t, err)
		rd = bytes.NewReader(b)
	} else {
		rd = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, h.srv.URL+path, rd)
	require.NoError(h.t, err)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range hdr {
		req.Header.Set(k, v)
	}
	res, err := http.DefaultClient.Do(req)
	require.NoError(h.t, err)
	h.t.Cleanup(func() { res.Body.Close() })
	return res
}

func (h *harness) admin(method, path string, body any) *http.Response {
	h.t.Helper()
	return h.do(method, path, body, map[string]string{"Authorization": "Bearer " + h.token})
}

func decode[T any](t *testing.T, res *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(res.Body).Decode(&v))
	return v
}

func (h *harness) createPlace(name string) domain.Place {
	h.t.Helper()
	res := h.admin(http.MethodPost, "/v1/admin/places", domain.PlaceInput{
		Name: name, Location: name, Country: "Japan", StartDate: "2024-04-01",
	})
	require.Equal(h.t, http.StatusCreated, res.StatusCode)
	p := decode[domain.Place](h.t, res)
	require.Equal(h.t, "/v1/places/"+p.Slug, res.Header.Get("Location"))
	return p
}

func (h *harness) upload(placeID int64, names ...string) *http.Response {
	h.t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for _, n := range names {
		fw, err := mw.CreateFormFile("files", n)
		require.NoError(h.t, err)
		require.NoError(h.t, png.Encode(fw, image.NewGray(image.Rect(0, 0, 4, 4))))
	}
	require.NoError(h.t, mw.Close())

	req, err := http.NewRequest(http.MethodPost,
		h.srv.URL+"/v1/admin/places/"+strconv.FormatInt(placeID, 10)+"/photos", &buf)
	require.NoError(h.t, err)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+h.token)
	res, err := http.DefaultClient.Do(req)
	require.NoError(h.t, err)
	h.t.Cleanup(func() { res.Body.Close() })
	return res
}

func TestLogin(t *testing.T) {
	h := newHarness(t, nil)

	res := h.do(http.MethodPost, "/v1/auth/login", loginRequest{Username: "admin", Password: "s3cret-pass"}, nil)
	require.Equal(t, http.StatusOK, res.StatusCode)
	lr := decode[loginResponse](t, res)
	user, err := h.tokens.Parse(lr.Token)
	require.NoError(t, err)
	require.Equal(t, "admin", user)
	require.True(t, lr.ExpiresAt.After(time.Now()))

	res = h.do(http.MethodPost, "/v1/auth/login", loginRequest{Username: "admin", Password: "nope"}, nil)
	require.Equal(t, http.StatusUnauthorized, res.StatusCode)
	require.Equal(t, "application/problem+json", res.Header.Get("Content-Type"))

	res = h.do(http.MethodPost, "/v1/auth/login", map[string]string{"user": "admin"}, nil)
	require.Equal(t, http.StatusBadRequest, res.StatusCode, "unknown fields are rejected")
}

func TestAdminRoutesNeedToken(t *testing.T) {
	h := newHarness(t, nil)

	res := h.do(http.MethodPost, "/v1/admin/places", domain.PlaceInput{}, nil)
	require.Equal(t, http.StatusUnauthorized, res.StatusCode)
	require.Contains(t, res.Header.Get("WWW-Authenticate"), "Bearer")

	res = h.do(http.MethodGet, "/v1/admin/users", nil, map[string]string{"Authorization": "Bearer not.a.jwt"})
	require.Equal(t, http.StatusUnauthorized, res.StatusCode)

	past, err := NewTokens(testSecret, time.Hour)
	require.NoError(t, err)
	past.now = func() time.Time { return time.Now().Add(-2 * time.Hour) }
	expired, _, err := past.Issue("admin")
	require.NoError(t, err)
	res = h.do(http.MethodGet, "/v1/admin/users", nil, map[string]string{"Authorization": "Bearer " + expired})
	require.Equal(t, http.StatusUnauthorized, res.StatusCode)

	res = h.admin(http.MethodGet, "/v1/admin/users", nil)
	require.Equal(t, http.StatusOK, res.StatusCode)
}

func TestPlaceLifecycle(t *testing.T) {
	h := newHarness(t, nil)
	p := h.createPlace("Kyoto")

	res := h.upload(p.ID, "a.png", "b.png", "c.png")
	require.Equal(t, http.StatusCreated, res.StatusCode)
	require.Equal(t, map[string]int{"uploaded": 3}, decode[map[string]int](t, res))

	res = h.admin(http.MethodPut, "/v1/admin/places/"+strconv.FormatInt(p.ID, 10)+"/photos/order", map[string][]int{"order": {3, 2, 1}})
	require.Equal(t, http.StatusNoContent, res.StatusCode)

	fav := true
	res = h.admin(http.MethodPut, "/v1/admin/places/"+strconv.FormatInt(p.ID, 10)+"/photos/1/favorite", map[string]*bool{"is_favorite": &fav})
	require.Equal(t, http.StatusNoContent, res.StatusCode)

	res = h.admin(http.MethodDelete, "/v1/admin/places/"+strconv.FormatInt(p.ID, 10)+"/photos/2", nil)
	require.Equal(t, http.StatusNoContent, res.StatusCode)
	res = h.admin(http.MethodDelete, "/v1/admin/places/"+strconv.FormatInt(p.ID, 10)+"/photos/9", nil)
	require.Equal(t, http.StatusNotFound, res.StatusCode)

	res = h.do(http.MethodGet, "/v1/places/"+p.Slug, nil, nil)
	require.Equal(t, http.StatusOK, res.StatusCode)
	pv := decode[domain.PlaceView](t, res)
	require.Len(t, pv.Photos, 2)
	require.Equal(t, 1, pv.Place.FavoriteCount)
	require.True(t, pv.Photos[0].IsFavorite)
	require.Equal(t, []int{1, 2}, []int{pv.Photos[0].PhotoNum, pv.Photos[1].PhotoNum})

	// originals are served, the trash is not
	res = h.do(http.MethodGet, "/photos/"+strconv.FormatInt(p.ID, 10)+"/"+pv.Photos[0].FileName, nil, nil)
	require.Equal(t, http.StatusOK, res.StatusCode)
	res = h.do(http.MethodGet, "/photos/.trash/", nil, nil)
	require.Equal(t, http.StatusNotFound, res.StatusCode)
	res = h.do(http.MethodGet, "/photos/"+strconv.FormatInt(p.ID, 10)+"/", nil, nil)
	require.Equal(t, http.StatusNotFound, res.StatusCode)

	res = h.admin(http.MethodDelete, "/v1/admin/places/"+strconv.FormatInt(p.ID, 10), nil)
	require.Equal(t, http.StatusNoContent, res.StatusCode)
	res = h.do(http.MethodGet, "/v1/places/"+p.Slug, nil, nil)
	require.Equal(t, http.StatusNotFound, res.StatusCode)
	_, err := os.Stat(filepath.Join(h.root, strconv.FormatInt(p.ID, 10)))
	require.True(t, os.IsNotExist(err))
}

func TestErrorMapping(t *testing.T) {
	h := newHarness(t, nil)
	p := h.createPlace("Kyoto")
	id := strconv.FormatInt(p.ID, 10)

	res := h.admin(http.MethodPost, "/v1/admin/places", domain.PlaceInput{Name: "x"})
	require.Equal(t, http.StatusBadRequest, res.StatusCode)
	prob := decode[problem](t, res)
	require.Equal(t, 400, prob.Status)
	require.Contains(t, prob.Errors, "country")
	require.Contains(t, prob.Errors, "start_date")

	res = h.admin(http.MethodPut, "/v1/admin/places/abc", domain.PlaceInput{})
	require.Equal(t, http.StatusBadRequest, res.StatusCode)

	res = h.admin(http.MethodPut, "/v1/admin/places/999", domain.PlaceInput{Name: "x", Location: "x", Country: "x", StartDate: "2024-01-01"})
	require.Equal(t, http.StatusNotFound, res.StatusCode)

	res = h.admin(http.MethodPut, "/v1/admin/places/"+id+"/photos/order", map[string][]int{"order": {1}})
	require.Equal(t, http.StatusBadRequest, res.StatusCode)

	res = h.admin(http.MethodPut, "/v1/admin/places/"+id+"/photos/1/favorite", map[string]any{})
	require.Equal(t, http.StatusBadRequest, res.StatusCode)

	res = h.upload(p.ID)
	require.Equal(t, http.StatusBadRequest, res.StatusCode, "empty batch")

	res = h.admin(http.MethodDelete, "/v1/admin/users/admin", nil)
	require.Equal(t, http.StatusConflict, res.StatusCode)

	res = h.admin(http.MethodPost, "/v1/admin/users", map[string]string{"username": "admin", "password": "long-enough-pass"})
	require.Equal(t, http.StatusConflict, res.StatusCode)
}

func TestPublicReadsUseETags(t *testing.T) {
	h := newHarness(t, nil)
	h.createPlace("Kyoto")

	res := h.do(http.MethodGet, "/v1/places", nil, nil)
	require.Equal(t, http.StatusOK, res.StatusCode)
	etag := res.Header.Get("ETag")
	require.NotEmpty(t, etag)

	res = h.do(http.MethodGet, "/v1/places", nil, map[string]string{"If-None-Match": etag})
	require.Equal(t, http.StatusNotModified, res.StatusCode)

	h.createPlace("Osaka")
	res = h.do(http.MethodGet, "/v1/places", nil, map[string]string{"If-None-Match": etag})
	require.Equal(t, http.StatusOK, res.StatusCode)
	require.NotEqual(t, etag, res.Header.Get("ETag"))
}

type denyAfter struct {
	n     int32
	calls atomic.Int32
}

func (d *denyAfter) Allow(context.Context, string) (bool, time.Duration, error) {
	return d.calls.Add(1) <= d.n, 30 * time.Second, nil
}

func TestLoginRateLimited(t *testing.T) {
	h := newHarness(t, &denyAfter{n: 1})

	res := h.do(http.MethodPost, "/v1/auth/login", loginRequest{Username: "admin", Password: "nope"}, nil)
	require.Equal(t, http.StatusUnauthorized, res.StatusCode)

	res = h.do(http.MethodPost, "/v1/auth/login", loginRequest{Username: "admin", Password: "s3cret-pass"}, nil)
	require.Equal(t, http.StatusTooManyRequests, res.StatusCode)
	require.Equal(t, "30", res.Header.Get("Retry-After"))
}

func TestTokens(t *testing.T) {
	_, err := NewTokens("short", time.Hour)
	require.Error(t, err)

	a, err := NewTokens(testSecret, time.Minute)
	require.NoError(t, err)
	b, err := NewTokens(testSecret+"-other", time.Minute)
	require.NoError(t, err)

	tok, exp, err := a.Issue("admin")
	require.NoError(t, err)
	require.WithinDuration(t, time.Now().Add(time.Minute), exp, 5*time.Second)

	_, err = b.Parse(tok)
	require.ErrorIs(t, err, ErrInvalidToken, "other secret")

	a.now = func() time.Time { return time.Now().Add(2 * time.Minute) }
	_, err = a.Parse(tok)
	require.ErrorIs(t, err, ErrInvalidToken, "expired")
}
