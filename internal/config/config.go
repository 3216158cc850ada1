// Package config provides the session configuration for the sync engine,
// loaded from environment variables with defaults and validation. Every
// empirically chosen policy constant (duplicate-suppression windows, log
// cap, debounce intervals, reconnect budget, fuzzy-match radius) lives here
// so embedders can tune them per deployment; the defaults are the observed
// production values.
package config

import (
	"errors"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Snapshot backends selectable via SNAPSHOT_BACKEND.
const (
	BackendMemory = "memory"
	BackendSQLite = "sqlite"
	BackendRedis  = "redis"
)

// RedisConfig holds connection settings for the redis snapshot backend.
type RedisConfig struct {
	Addr     string        // REDIS_ADDR
	Password string        // REDIS_PASSWORD
	DB       int           // REDIS_DB
	TTL      time.Duration // REDIS_SNAPSHOT_TTL (0 = no expiry)
}

// Config holds all tunables for one widget session.
type Config struct {
	// Live channel
	Endpoint          string        // LIVE_ENDPOINT (ws:// or wss:// URL)
	MaxReconnects     int           // MAX_RECONNECTS (attempts before failed)
	ReconnectInterval time.Duration // RECONNECT_INTERVAL (initial backoff)

	// Message log policy
	MessageCap      int           // MESSAGE_CAP (log size bound)
	LocalDupWindow  time.Duration // LOCAL_DUP_WINDOW
	RemoteDupWindow time.Duration // REMOTE_DUP_WINDOW

	// Debounce
	PersistDebounce time.Duration // PERSIST_DEBOUNCE (snapshot writes)
	TypingDebounce  time.Duration // TYPING_DEBOUNCE (typing indicator decay)

	// Canvas policy
	CanvasHistoryDepth int // CANVAS_HISTORY_DEPTH (versions kept per canvas)
	CanvasSearchRadius int // CANVAS_SEARCH_RADIUS (fuzzy-match window)

	// History fetch throttle
	HistoryRPS   float64 // HISTORY_RPS (tokens per second, >= 0)
	HistoryBurst int     // HISTORY_BURST (bucket size, >= 1)

	// Persistence
	SnapshotBackend string // SNAPSHOT_BACKEND (memory|sqlite|redis)
	DBPath          string // DB_PATH (sqlite backend)
	Redis           RedisConfig

	// Logging
	LogLevel  string // LOG_LEVEL (debug|info|warn|error)
	LogPretty bool   // LOG_PRETTY (console writer in dev)
}

// MustLoad loads the configuration and panics if validation fails.
func MustLoad() Config {
	cfg, err := Load()
	if err != nil {
		panic(err)
	}
	return cfg
}

// Load reads configuration from environment variables, applies defaults,
// normalizes values, and validates the result. A .env file in the working
// directory is honored when present.
func Load() (Config, error) {
	_ = godotenv.Load()

	cfg := Config{
		Endpoint:          getenv("LIVE_ENDPOINT", ""),
		MaxReconnects:     getint("MAX_RECONNECTS", 5),
		ReconnectInterval: getdur("RECONNECT_INTERVAL", time.Second),

		MessageCap:      getint("MESSAGE_CAP", 50),
		LocalDupWindow:  getdur("LOCAL_DUP_WINDOW", 500*time.Millisecond),
		RemoteDupWindow: getdur("REMOTE_DUP_WINDOW", 10*time.Second),

		PersistDebounce: getdur("PERSIST_DEBOUNCE", 500*time.Millisecond),
		TypingDebounce:  getdur("TYPING_DEBOUNCE", 500*time.Millisecond),

		CanvasHistoryDepth: getint("CANVAS_HISTORY_DEPTH", 10),
		CanvasSearchRadius: getint("CANVAS_SEARCH_RADIUS", 5),

		HistoryRPS:   getfloat("HISTORY_RPS", 1.0),
		HistoryBurst: getint("HISTORY_BURST", 3),

		SnapshotBackend: strings.ToLower(getenv("SNAPSHOT_BACKEND", BackendMemory)),
		DBPath:          getenv("DB_PATH", "chatsync.db"),
		Redis: RedisConfig{
			Addr:     getenv("REDIS_ADDR", "127.0.0.1:6379"),
			Password: getenv("REDIS_PASSWORD", ""),
			DB:       getint("REDIS_DB", 0),
			TTL:      getdur("REDIS_SNAPSHOT_TTL", 0),
		},

		LogLevel:  strings.ToLower(getenv("LOG_LEVEL", "info")),
		LogPretty: getbool("LOG_PRETTY", false),
	}

	// --- normalization ---
	if cfg.LogLevel == "warning" {
		cfg.LogLevel = "warn"
	}

	// --- validation ---
	switch cfg.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return cfg, errors.New("LOG_LEVEL must be one of: debug, info, warn, error")
	}
	switch cfg.SnapshotBackend {
	case BackendMemory, BackendSQLite, BackendRedis:
	default:
		return cfg, errors.New("SNAPSHOT_BACKEND must be one of: memory, sqlite, redis")
	}
	if cfg.MessageCap < 1 {
		return cfg, errors.New("MESSAGE_CAP must be >= 1")
	}
	if cfg.MaxReconnects < 0 {
		return cfg, errors.New("MAX_RECONNECTS must be >= 0")
	}
	if cfg.LocalDupWindow < 0 || cfg.RemoteDupWindow < 0 {
		return cfg, errors.New("duplicate-suppression windows must be >= 0")
	}
	if cfg.CanvasHistoryDepth < 0 {
		return cfg, errors.New("CANVAS_HISTORY_DEPTH must be >= 0")
	}
	if cfg.CanvasSearchRadius < 0 {
		return cfg, errors.New("CANVAS_SEARCH_RADIUS must be >= 0")
	}
	if cfg.HistoryRPS < 0 {
		return cfg, errors.New("HISTORY_RPS must be >= 0")
	}
	if cfg.HistoryBurst < 1 {
		return cfg, errors.New("HISTORY_BURST must be >= 1")
	}
	return cfg, nil
}

// --- env helpers ---

func getenv(key, def string) string {
	if v, ok := os.LookupEnv(key); ok && strings.TrimSpace(v) != "" {
		return strings.TrimSpace(v)
	}
	return def
}

func getint(key string, def int) int {
	if v, ok := os.LookupEnv(key); ok {
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			return n
		}
	}
	return def
}

func getfloat(key string, def float64) float64 {
	if v, ok := os.LookupEnv(key); ok {
		if f, err := strconv.ParseFloat(strings.TrimSpace(v), 64); err == nil {
			return f
		}
	}
	return def
}

func getbool(key string, def bool) bool {
	if v, ok := os.LookupEnv(key); ok {
		if b, err := strconv.ParseBool(strings.TrimSpace(v)); err == nil {
			return b
		}
	}
	return def
}

func getdur(key string, def time.Duration) time.Duration {
	if v, ok := os.LookupEnv(key); ok {
		if d, err := time.ParseDuration(strings.TrimSpace(v)); err == nil {
			return d
		}
	}
	return def
}
