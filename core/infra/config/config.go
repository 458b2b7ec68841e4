package config

import (
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cordum/addonhub/core/infra/logging"
	"github.com/joho/godotenv"
)

const (
	defaultRedisURL       = "redis://localhost:6379"
	defaultStore          = StoreRedis
	defaultStorageRoot    = "data/packages"
	defaultHTTPAddr       = ":8080"
	defaultMetricsAddr    = ":9090"
	defaultMaxUploadBytes = 50 << 20
	defaultLockTTL        = 2 * time.Minute

	envRedisURL         = "REDIS_URL"
	envStore            = "ADDON_STORE"
	envPostgresURL      = "POSTGRES_URL"
	envNATSURL          = "NATS_URL"
	envStorageRoot      = "ADDON_STORAGE_ROOT"
	envWorkspaceRoot    = "ADDON_WORKSPACE_ROOT"
	envInstallDir       = "ADDON_INSTALL_DIR"
	envMaxUploadBytes   = "ADDON_MAX_UPLOAD_BYTES"
	envUploadPolicyPath = "ADDON_UPLOAD_POLICY_PATH"
	envHTTPAddr         = "GATEWAY_HTTP_ADDR"
	envMetricsAddr      = "GATEWAY_METRICS_ADDR"
	envLockTTL          = "ADDON_LOCK_TTL"
)

// Registry backends.
const (
	StoreRedis    = "redis"
	StorePostgres = "postgres"
)

// Config holds runtime configuration for the registry service.
type Config struct {
	RedisURL    string
	Store       string
	PostgresURL string
	// NatsURL empty disables event publishing.
	NatsURL string

	StorageRoot   string
	WorkspaceRoot string
	InstallDir    string

	MaxUploadBytes    int64
	MaxExtractedBytes int64
	ContentTypes      []string
	UploadPolicyPath  string

	HTTPAddr    string
	MetricsAddr string
	LockTTL     time.Duration
}

var dotenvOnce sync.Once

// Load returns configuration from the environment with sane defaults. A
// .env file in the working directory is read first when present; variables
// already set in the environment win.
func Load() *Config {
	dotenvOnce.Do(func() {
		if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
			logging.Warn("config", "could not read .env", "error", err)
		}
	})

	store := strings.ToLower(envOr(envStore, defaultStore))
	if store != StorePostgres {
		store = StoreRedis
	}
	return &Config{
		RedisURL:         envOr(envRedisURL, defaultRedisURL),
		Store:            store,
		PostgresURL:      os.Getenv(envPostgresURL),
		NatsURL:          os.Getenv(envNATSURL),
		StorageRoot:      envOr(envStorageRoot, defaultStorageRoot),
		WorkspaceRoot:    os.Getenv(envWorkspaceRoot),
		InstallDir:       os.Getenv(envInstallDir),
		MaxUploadBytes:   envInt64(envMaxUploadBytes, defaultMaxUploadBytes),
		UploadPolicyPath: os.Getenv(envUploadPolicyPath),
		HTTPAddr:         envOr(envHTTPAddr, defaultHTTPAddr),
		MetricsAddr:      envOr(envMetricsAddr, defaultMetricsAddr),
		LockTTL:          envDuration(envLockTTL, defaultLockTTL),
	}
}

func envOr(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func envInt64(key string, fallback int64) int64 {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil || n <= 0 {
		logging.Warn("config", "ignoring invalid integer", "key", key, "value", v)
		return fallback
	}
	return n
}

func envDuration(key string, fallback time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		logging.Warn("config", "ignoring invalid duration", "key", key, "value", v)
		return fallback
	}
	return d
}
