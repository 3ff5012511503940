package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"roomcall/native/internal/domain"

	"github.com/joho/godotenv"
)

// Store backends accepted in ROOMCALL_STORE.
const (
	StoreMemory = "memory"
	StoreSQLite = "sqlite"
	StoreRedis  = "redis"
	StoreWS     = "ws"
)

// Config holds the application configuration.
type Config struct {
	ICEServers         []domain.ICEServer
	NegotiationTimeout time.Duration
	LogLevel           string
	RecordDir          string

	Store  StoreConfig
	Upload UploadConfig
	Server ServerConfig
}

// StoreConfig selects and configures the document store behind signaling.
type StoreConfig struct {
	Backend     string
	SQLitePath  string
	DocstoreURL string
	RoomTTL     time.Duration
	Redis       RedisConfig
}

// RedisConfig mirrors the redis client options we expose.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// UploadConfig points at the external blob upload service. Empty URL
// disables reference-style file sharing.
type UploadConfig struct {
	URL   string
	Token string
}

// ServerConfig is only read by docstored.
type ServerConfig struct {
	Port           string
	AllowedOrigins []string
}

// Load reads configuration from a .env file (if present) and environment variables.
// Environment variables take precedence over .env values.
func Load() (*Config, error) {
	// godotenv.Load does not overwrite existing env vars
	_ = godotenv.Load()

	cfg := &Config{
		ICEServers: domain.DefaultICEServers,
		LogLevel:   getEnv("ROOMCALL_LOG_LEVEL", "info"),
		RecordDir:  os.Getenv("ROOMCALL_RECORD_DIR"),
		Store: StoreConfig{
			Backend:     getEnv("ROOMCALL_STORE", StoreMemory),
			SQLitePath:  getEnv("ROOMCALL_SQLITE_PATH", "roomcall.db"),
			DocstoreURL: getEnv("ROOMCALL_DOCSTORE_URL", "ws://localhost:8080/ws"),
			Redis: RedisConfig{
				Addr:     getEnv("REDIS_ADDR", "localhost:6379"),
				Password: os.Getenv("REDIS_PASSWORD"),
			},
		},
		Upload: UploadConfig{
			URL:   os.Getenv("ROOMCALL_UPLOAD_URL"),
			Token: os.Getenv("ROOMCALL_UPLOAD_TOKEN"),
		},
		Server: ServerConfig{
			Port:           getEnv("PORT", "8080"),
			AllowedOrigins: splitList(getEnv("ALLOWED_ORIGINS", "http://localhost:3000,http://localhost:5173")),
		},
	}

	if urls := splitList(os.Getenv("ROOMCALL_STUN_URLS")); len(urls) > 0 {
		cfg.ICEServers = []domain.ICEServer{{URLs: urls}}
	}
	if err := domain.ValidateICEServers(cfg.ICEServers); err != nil {
		return nil, fmt.Errorf("ROOMCALL_STUN_URLS: %w", err)
	}

	var err error
	if cfg.NegotiationTimeout, err = getDuration("ROOMCALL_NEGOTIATION_TIMEOUT", 30*time.Second); err != nil {
		return nil, err
	}
	if cfg.Store.RoomTTL, err = getDuration("ROOMCALL_ROOM_TTL", 24*time.Hour); err != nil {
		return nil, err
	}

	if v := os.Getenv("REDIS_DB"); v != "" {
		db, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("REDIS_DB must be an integer: %w", err)
		}
		cfg.Store.Redis.DB = db
	}

	switch cfg.Store.Backend {
	case StoreMemory, StoreSQLite, StoreRedis, StoreWS:
	default:
		return nil, fmt.Errorf("ROOMCALL_STORE must be one of memory, sqlite, redis, ws (got %q)", cfg.Store.Backend)
	}

	return cfg, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getDuration(key string, defaultValue time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultValue, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("%s must be positive", key)
	}
	return d, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
