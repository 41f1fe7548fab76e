package main

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/go-sql-driver/mysql"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	server "gallery/internal/adapters/http_server"
	"gallery/internal/adapters/observability"
	redisad "gallery/internal/adapters/redis"
	"gallery/internal/adapters/scanner"
	"gallery/internal/app"
	"gallery/internal/domain"
	"gallery/internal/shared"
	"gallery/internal/storage/files"
	"gallery/internal/storage/memory"
	mysqlrepo "gallery/internal/storage/mysql"
)

func main() {
	cfg := shared.Load()

	// set global logger (console in dev, JSON otherwise)
	log.Logger = observability.NewLogger(cfg.AppEnv)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	observability.Serve(cfg.MetricsAddr)

	store := openStore(cfg)

	fileStore, err := files.New(cfg.PhotoRoot)
	if err != nil {
		log.Fatal().Err(err).Str("root", cfg.PhotoRoot).Msg("photo root unusable")
	}

	// redis backs the view cache, the thumbnail queue and the login throttle
	var (
		rdb     *redis.Client
		cache   domain.Cache
		queue   domain.ThumbnailQueue
		limiter server.RateLimiter
	)
	if cfg.RedisAddr != "" {
		rdb = redisad.NewClient(cfg.RedisAddr, cfg.RedisPass, cfg.RedisDB)
		if err := rdb.Ping(ctx).Err(); err != nil {
			log.Warn().Err(err).Msg("redis ping failed; continuing, cache errors are ignored")
		}
		cache = redisad.NewCache(rdb, "")
		queue = redisad.NewQueue(rdb, cfg.ThumbQueue)
		limiter = redisad.NewLimiter(rdb, "login", cfg.LoginPerMinute, time.Minute)
		defer rdb.Close()
	} else {
		log.Warn().Msg("REDIS_ADDR is empty; caching, thumbnails and login throttling disabled")
	}

	var scan domain.MalwareScanner = scanner.Noop{}
	if cfg.ScannerURL != "" {
		c, err := scanner.New(cfg.ScannerURL, cfg.ScannerKey, cfg.ScannerRPS)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to initialize scanner client")
		}
		scan = c
	}

	// services
	slugs := app.NewSlugGenerator()
	photos := app.NewPhotoService(app.PhotoDeps{
		Store:     store,
		Files:     fileStore,
		Locks:     app.NewPlaceLocks(cfg.LockWait),
		Slugs:     slugs,
		Validator: app.NewUploadValidator(cfg.MaxUploadBytes, cfg.MaxBatchFiles),
		Scanner:   scan,
		Queue:     queue,
		Cache:     cache,
		CacheTTL:  cfg.CacheTTL,
		ScanLimit: cfg.ScanParallel,
	})
	places := app.NewPlaceService(store, photos, slugs, cache, cfg.CacheTTL)
	auth := app.NewAuthService(store, cfg.TotpIssuer)

	if err := auth.EnsureBootstrapAdmin(ctx, cfg.AdminUsername, cfg.AdminPassword); err != nil {
		log.Fatal().Err(err).Msg("bootstrap admin failed")
	}

	tokens, err := server.NewTokens(cfg.JWTSecret, cfg.TokenTTL)
	if err != nil {
		log.Fatal().Err(err).Msg("invalid JWT_SECRET")
	}

	// http
	srv := server.New(cfg.RequestTimeout)
	srv.Mount("/metrics", observability.MetricsHandler(observability.InitRegistry()))
	srv.MountHandlers(&server.Handlers{
		Places:         places,
		Photos:         photos,
		Auth:           auth,
		Tokens:         tokens,
		Limiter:        limiter,
		PhotoRoot:      fileStore.Root(),
		MaxUploadBytes: cfg.MaxUploadBytes,
		MaxBatchFiles:  cfg.MaxBatchFiles,
	})

	httpSrv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           srv.Mux(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		log.Info().Str("addr", cfg.HTTPAddr).Str("storage", cfg.Storage).Msg("API listening")
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("http server failed")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("graceful shutdown failed")
	}
}

func openStore(cfg shared.Config) domain.Store {
	switch cfg.Storage {
	case "memory":
		log.Warn().Msg("in-memory storage: data is lost on restart")
		return memory.New()
	case "mysql":
		db, err := sql.Open("mysql", cfg.MySQLDSN)
		if err != nil {
			log.Fatal().Err(err).Msg("sql.Open failed")
		}
		if err := db.Ping(); err != nil {
			log.Fatal().Err(err).Msg("db.Ping failed")
		}
		log.Info().Msg("database connection ok")
		return mysqlrepo.New(db)
	}
	log.Fatal().Str("storage", cfg.Storage).Msg("STORAGE must be mysql or memory")
	return nil
}
