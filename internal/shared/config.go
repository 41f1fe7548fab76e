package shared

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
)

type Config struct {
	AppEnv      string
	HTTPAddr    string
	MetricsAddr string
	Storage     string // mysql|memory
	MySQLDSN    string
	RedisAddr   string // empty disables cache, queue and login throttle
	RedisDB     int
	RedisPass   string

	PhotoRoot      string
	MaxUploadBytes int64
	MaxBatchFiles  int
	ScannerURL     string // empty: every file is treated as clean
	ScannerKey     string
	ScannerRPS     int
	ScanParallel   int
	ThumbWorkers   int
	ThumbQueue     string
	CacheTTL       time.Duration
	LockWait       time.Duration
	RequestTimeout time.Duration

	AdminUsername  string
	AdminPassword  string
	TotpIssuer     string
	JWTSecret      string
	TokenTTL       time.Duration
	LoginPerMinute int
}

// Load reads the environment, after an optional .env file in the working directory.
func Load() Config {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.Warn().Err(err).Msg(".env not loaded")
	}
	c := Config{
		AppEnv:      env("APP_ENV", "prod"),
		HTTPAddr:    env("HTTP_ADDR", ":8080"),
		MetricsAddr: env("METRICS_ADDR", ":9100"),
		Storage:     env("STORAGE", "mysql"),
		MySQLDSN:    env("MYSQL_DSN", "root:root@tcp(localhost:3306)/gallery?parseTime=true&clientFoundRows=true&charset=utf8mb4,utf8&loc=UTC"),
		RedisAddr:   env("REDIS_ADDR", ""),
		RedisPass:   env("REDIS_PASSWORD", ""),
		RedisDB:     atoi("REDIS_DB", 0),

		PhotoRoot:      env("PHOTO_ROOT", "./data/photos"),
		MaxUploadBytes: int64(atoi("MAX_UPLOAD_BYTES", 20<<20)),
		MaxBatchFiles:  atoi("MAX_BATCH_FILES", 50),
		ScannerURL:     env("SCANNER_URL", ""),
		ScannerKey:     env("SCANNER_API_KEY", ""),
		ScannerRPS:     atoi("SCANNER_RPS", 5),
		ScanParallel:   atoi("SCAN_PARALLELISM", 4),
		ThumbWorkers:   atoi("THUMB_WORKERS", 2),
		ThumbQueue:     env("THUMB_QUEUE", "gallery:thumbnails"),
		CacheTTL:       time.Duration(atoi("CACHE_TTL_SECONDS", 300)) * time.Second,
		LockWait:       dur("LOCK_WAIT_TIMEOUT", 30*time.Second),
		RequestTimeout: dur("REQUEST_TIMEOUT", 60*time.Second),

		AdminUsername:  env("ADMIN_USERNAME", ""),
		AdminPassword:  env("ADMIN_PASSWORD", ""),
		TotpIssuer:     env("TOTP_ISSUER", "Gallery"),
		JWTSecret:      env("JWT_SECRET", ""),
		TokenTTL:       dur("TOKEN_TTL", 12*time.Hour),
		LoginPerMinute: atoi("LOGIN_PER_MINUTE", 10),
	}
	if c.JWTSecret == "" {
		log.Warn().Msg("JWT_SECRET is empty")
	}
	if c.ScannerURL == "" {
		log.Warn().Msg("SCANNER_URL is empty; uploads are not malware-scanned")
	}
	return c
}

func env(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func atoi(k string, def int) int {
	if v := os.Getenv(k); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
		log.Warn().Str("key", k).Str("value", v).Msg("not an integer, using default")
	}
	return def
}

// dur accepts Go durations ("30s") or plain seconds.
func dur(k string, def time.Duration) time.Duration {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	if n, err := strconv.Atoi(v); err == nil {
		return time.Duration(n) * time.Second
	}
	log.Warn().Str("key", k).Str("value", v).Msg("not a duration, using default")
	return def
}
