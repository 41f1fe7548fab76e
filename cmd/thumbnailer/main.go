package main

import (
	"context"
	"database/sql"
	"os/signal"
	"syscall"

	_ "github.com/go-sql-driver/mysql"
	"github.com/rs/zerolog/log"

	"gallery/internal/adapters/imaging"
	"gallery/internal/adapters/observability"
	redisad "gallery/internal/adapters/redis"
	"gallery/internal/app"
	"gallery/internal/shared"
	"gallery/internal/storage/files"
	mysqlrepo "gallery/internal/storage/mysql"
)

func main() {
	cfg := shared.Load()

	// 1) initialize global logger (console in dev, JSON otherwise)
	log.Logger = observability.NewLogger(cfg.AppEnv)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log.Info().
		Str("queue", cfg.ThumbQueue).
		Int("workers", cfg.ThumbWorkers).
		Msg("thumbnailer starting")

	if cfg.RedisAddr == "" {
		log.Fatal().Msg("REDIS_ADDR is required")
	}
	if cfg.Storage != "mysql" {
		// the in-memory store is private to the API process
		log.Fatal().Str("storage", cfg.Storage).Msg("thumbnailer needs STORAGE=mysql")
	}

	observability.Serve(cfg.MetricsAddr)

	db, err := sql.Open("mysql", cfg.MySQLDSN)
	if err != nil {
		log.Fatal().Err(err).Msg("sql.Open failed")
	}
	if err := db.Ping(); err != nil {
		log.Fatal().Err(err).Msg("db.Ping failed")
	}
	defer db.Close()
	log.Info().Msg("db ping ok")

	fileStore, err := files.New(cfg.PhotoRoot)
	if err != nil {
		log.Fatal().Err(err).Str("root", cfg.PhotoRoot).Msg("photo root unusable")
	}

	rdb := redisad.NewClient(cfg.RedisAddr, cfg.RedisPass, cfg.RedisDB)
	defer rdb.Close()

	svc := app.NewThumbnailService(
		mysqlrepo.New(db),
		fileStore,
		redisad.NewQueue(rdb, cfg.ThumbQueue),
		imaging.NewDeriver(fileStore, nil),
		redisad.NewCache(rdb, ""),
		cfg.CacheTTL,
		cfg.ThumbWorkers,
	)
	if err := svc.Run(ctx); err != nil {
		log.Fatal().Err(err).Msg("thumbnailer stopped")
	}
	log.Info().Msg("thumbnailer stopped")
}
