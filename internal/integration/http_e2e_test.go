//go:build integration || !unit

package integration

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"image"
	"image/png"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sort"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	_ "github.com/go-sql-driver/mysql"
	"github.com/ory/dockertest/v3"
	"github.com/ory/dockertest/v3/docker"

	server "gallery/internal/adapters/http_server"
	"gallery/internal/adapters/imaging"
	redisad "gallery/internal/adapters/redis"
	"gallery/internal/app"
	"gallery/internal/domain"
	"gallery/internal/storage/files"
	mysqlrepo "gallery/internal/storage/mysql"
)

// ---------- helpers ----------

func migrationsDir() string {
	if v := os.Getenv("MIGRATIONS_DIR"); v != "" {
		return v
	}
	return filepath.Join("..", "..", "migrations")
}

func applyMigrations(t *testing.T, db *sql.DB) {
	t.Helper()
	dir := migrationsDir()

	ents, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("read migrations dir %s: %v", dir, err)
	}
	var files []string
	for _, e := range ents {
		if !e.IsDir() && filepath.Ext(e.Name()) == ".sql" {
			files = append(files, filepath.Join(dir, e.Name()))
		}
	}
	if len(files) == 0 {
		t.Fatalf("no .sql files in %s", dir)
	}
	sort.Strings(files)
	for _, f := range files {
		sqlBytes, err := os.ReadFile(f)
		if err != nil {
			t.Fatalf("read %s: %v", f, err)
		}
		if _, err := db.Exec(string(sqlBytes)); err != nil {
			t.Fatalf("exec %s: %v", f, err)
		}
	}
}

func startMySQL(t *testing.T) *sql.DB {
	t.Helper()
	pool, err := dockertest.NewPool("")
	if err != nil {
		t.Skipf("dockertest: %v", err)
	}
	if err := pool.Client.Ping(); err != nil {
		t.Skipf("docker not reachable: %v", err)
	}
	resource, err := pool.RunWithOptions(&dockertest.RunOptions{
		Repository: "mysql",
		Tag:        "8.0.36",
		Env: []string{
			"MYSQL_ROOT_PASSWORD=root",
			"MYSQL_DATABASE=gallery",
		},
	}, func(hc *docker.HostConfig) {
		hc.AutoRemove = true
		hc.RestartPolicy = docker.RestartPolicy{Name: "no"}
	})
	if err != nil {
		t.Fatalf("run mysql: %v", err)
	}
	t.Cleanup(func() { _ = pool.Purge(resource) })

	dsn := fmt.Sprintf("root:root@tcp(127.0.0.1:%s)/gallery?parseTime=true&clientFoundRows=true&multiStatements=true&charset=utf8mb4,utf8&loc=UTC",
		resource.GetPort("3306/tcp"))

	var db *sql.DB
	if err := pool.Retry(func() error {
		var e error
		db, e = sql.Open("mysql", dsn)
		if e != nil {
			return e
		}
		return db.Ping()
	}); err != nil {
		t.Fatalf("connect mysql: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	applyMigrations(t, db)
	return db
}

type client struct {
	t     *testing.T
	base  string
	token string
}

func (c *client) send(req *http.Request, want int, out any) {
	c.t.Helper()
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	res, err := http.DefaultClient.Do(req)
	if err != nil {
		c.t.Fatalf("%s %s: %v", req.Method, req.URL.Path, err)
	}
	defer res.Body.Close()
	if res.StatusCode != want {
		var p map[string]any
		_ = json.NewDecoder(res.Body).Decode(&p)
		c.t.Fatalf("%s %s: status %d, want %d (%v)", req.Method, req.URL.Path, res.StatusCode, want, p)
	}
	if out != nil {
		if err := json.NewDecoder(res.Body).Decode(out); err != nil {
			c.t.Fatalf("decode %s: %v", req.URL.Path, err)
		}
	}
}

func (c *client) json(method, path string, body any, want int, out any) {
	c.t.Helper()
	var b []byte
	if body != nil {
		var err error
		if b, err = json.Marshal(body); err != nil {
			c.t.Fatalf("marshal: %v", err)
		}
	}
	req, err := http.NewRequest(method, c.base+path, bytes.NewReader(b))
	if err != nil {
		c.t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	c.send(req, want, out)
}

func (c *client) upload(path string, names ...string) {
	c.t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for i, n := range names {
		fw, err := mw.CreateFormFile("files", n)
		if err != nil {
			c.t.Fatalf("form file: %v", err)
		}
		if err := png.Encode(fw, image.NewGray(image.Rect(0, 0, 800+i, 600))); err != nil {
			c.t.Fatalf("encode png: %v", err)
		}
	}
	_ = mw.Close()
	req, err := http.NewRequest(http.MethodPost, c.base+path, &buf)
	if err != nil {
		c.t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	c.send(req, http.StatusCreated, nil)
}

// ---------- the test ----------

func TestHTTP_EndToEnd_Gallery(t *testing.T) {
	db := startMySQL(t)
	mr := miniredis.RunT(t)
	rdb := redisad.NewClient(mr.Addr(), "", 0)
	t.Cleanup(func() { _ = rdb.Close() })

	fileStore, err := files.New(t.TempDir())
	if err != nil {
		t.Fatalf("files: %v", err)
	}
	store := mysqlrepo.New(db)
	cache := redisad.NewCache(rdb, "e2e:")
	queue := redisad.NewQueue(rdb, "e2e:thumbs")

	slugs := app.NewSlugGenerator()
	photos := app.NewPhotoService(app.PhotoDeps{
		Store:    store,
		Files:    fileStore,
		Locks:    app.NewPlaceLocks(5 * time.Second),
		Slugs:    slugs,
		Queue:    queue,
		Cache:    cache,
		CacheTTL: time.Minute,
	})
	places := app.NewPlaceService(store, photos, slugs, cache, time.Minute)
	auth := app.NewAuthService(store, "Gallery")
	ctx := context.Background()
	if err := auth.EnsureBootstrapAdmin(ctx, "admin", "s3cret-pass"); err != nil {
		t.Fatalf("bootstrap: %v", err)
	}
	tokens, err := server.NewTokens("e2e-secret-e2e-secret-e2e-secret!", time.Hour)
	if err != nil {
		t.Fatalf("tokens: %v", err)
	}

	srv := server.New(10 * time.Second)
	srv.MountHandlers(&server.Handlers{
		Places:         places,
		Photos:         photos,
		Auth:           auth,
		Tokens:         tokens,
		Limiter:        redisad.NewLimiter(rdb, "e2e-login", 5, time.Minute),
		PhotoRoot:      fileStore.Root(),
		MaxUploadBytes: 5 << 20,
		MaxBatchFiles:  10,
	})
	ts := httptest.NewServer(srv.Mux())
	defer ts.Close()

	c := &client{t: t, base: ts.URL}

	// login
	var login struct {
		Token string `json:"token"`
	}
	c.json(http.MethodPost, "/v1/auth/login", map[string]string{"username": "admin", "password": "s3cret-pass"}, http.StatusOK, &login)
	c.token = login.Token

	// place + photos
	var p domain.Place
	c.json(http.MethodPost, "/v1/admin/places", domain.PlaceInput{
		Name: "Lisbon", Location: "Alfama", Country: "Portugal", StartDate: "2024-05-01",
	}, http.StatusCreated, &p)
	base := fmt.Sprintf("/v1/admin/places/%d", p.ID)
	c.upload(base+"/photos", "one.png", "two.png", "three.png")

	// warm the cache, then mutate through it
	var pv domain.PlaceView
	c.json(http.MethodGet, "/v1/places/"+p.Slug, nil, http.StatusOK, &pv)
	if len(pv.Photos) != 3 {
		t.Fatalf("photos = %d, want 3", len(pv.Photos))
	}
	first := pv.Photos[0].Slug

	c.json(http.MethodPut, base+"/photos/order", map[string][]int{"order": {3, 1, 2}}, http.StatusNoContent, nil)
	c.json(http.MethodPut, base+"/photos/2/favorite", map[string]bool{"is_favorite": true}, http.StatusNoContent, nil)
	c.json(http.MethodDelete, base+"/photos/3", nil, http.StatusNoContent, nil)

	// derive thumbnails for what is left
	thumbs := app.NewThumbnailService(store, fileStore, queue, imaging.NewDeriver(fileStore, nil), cache, time.Minute, 1)
	for {
		job, ok, err := queue.Dequeue(ctx, 100*time.Millisecond)
		if err != nil {
			t.Fatalf("dequeue: %v", err)
		}
		if !ok {
			break
		}
		thumbs.Process(ctx, job)
	}

	c.token = ""
	c.json(http.MethodGet, "/v1/places/"+p.Slug, nil, http.StatusOK, &pv)
	if len(pv.Photos) != 2 {
		t.Fatalf("photos after delete = %d, want 2", len(pv.Photos))
	}
	if pv.Photos[1].Slug != first || !pv.Photos[1].IsFavorite {
		t.Fatalf("unexpected order/favorite: %+v", pv.Photos)
	}
	if pv.Place.FavoriteCount != 1 {
		t.Fatalf("favorite_count = %d", pv.Place.FavoriteCount)
	}
	for _, ph := range pv.Photos {
		if ph.ThumbnailStatus != domain.ThumbnailCompleted || ph.Width == nil || *ph.Height != 600 {
			t.Fatalf("thumbnail not recorded: %+v", ph)
		}
		res, err := http.Get(fmt.Sprintf("%s/photos/%d/thumb/%s", ts.URL, p.ID, ph.FileName))
		if err != nil {
			t.Fatalf("GET thumb: %v", err)
		}
		res.Body.Close()
		if res.StatusCode != http.StatusOK {
			t.Fatalf("thumb status %d", res.StatusCode)
		}
	}

	// delete everything
	c.token = login.Token
	c.json(http.MethodDelete, base, nil, http.StatusNoContent, nil)
	c.json(http.MethodGet, "/v1/places/"+p.Slug, nil, http.StatusNotFound, nil)
	var n int
	if err := db.QueryRow("SELECT COUNT(*) FROM photos").Scan(&n); err != nil || n != 0 {
		t.Fatalf("photos left: %d (%v)", n, err)
	}
}
