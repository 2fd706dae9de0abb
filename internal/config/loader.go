package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	yaml "gopkg.in/yaml.v3"
)

// Load reads configuration from an optional YAML file plus environment
// variables (optionally a .env file). Environment values override YAML;
// defaults are applied last.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{}

	if path := strings.TrimSpace(os.Getenv("CONFIG_FILE")); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	}

	cfg.LogPath = firstNonEmpty(strings.TrimSpace(os.Getenv("LOG_PATH")), cfg.LogPath)
	cfg.LogLevel = firstNonEmpty(strings.TrimSpace(os.Getenv("LOG_LEVEL")), cfg.LogLevel)

	if v := strings.TrimSpace(os.Getenv("HOST")); v != "" {
		cfg.Server.Host = v
	}
	if n, ok := intEnv("PORT"); ok {
		cfg.Server.Port = n
	}
	if d, ok := msEnv("REQUEST_TIMEOUT_MS"); ok {
		cfg.Server.RequestTimeout = d
	}
	if b, ok := boolEnv("CLIENT_AUTH"); ok {
		cfg.Server.ClientAuth = b
	}

	cfg.Database.ConnectionString = firstNonEmpty(
		strings.TrimSpace(os.Getenv("DATABASE_URL")),
		strings.TrimSpace(os.Getenv("POSTGRES_DSN")),
		cfg.Database.ConnectionString,
	)

	if v := strings.TrimSpace(os.Getenv("REDIS_ADDR")); v != "" {
		cfg.Redis.Enabled = true
		cfg.Redis.Addr = v
	}
	if v := strings.TrimSpace(os.Getenv("REDIS_PASSWORD")); v != "" {
		cfg.Redis.Password = v
	}
	if n, ok := intEnv("REDIS_DB"); ok {
		cfg.Redis.DB = n
	}

	if v := strings.TrimSpace(os.Getenv("UPSTREAM_BASE_URL")); v != "" {
		cfg.Upstream.BaseURL = v
	}
	if d, ok := msEnv("UPSTREAM_TIMEOUT_MS"); ok {
		cfg.Upstream.Timeout = d
	}
	if d, ok := msEnv("UPSTREAM_TTFB_TIMEOUT_MS"); ok {
		cfg.Upstream.TTFBTimeout = d
	}
	if v := strings.TrimSpace(os.Getenv("UPSTREAM_API_VERSION")); v != "" {
		cfg.Upstream.APIVersion = v
	}

	if n, ok := intEnv("STORAGE_BATCH_SIZE"); ok {
		cfg.Storage.BatchSize = n
	}
	if d, ok := msEnv("STORAGE_FLUSH_MS"); ok {
		cfg.Storage.FlushInterval = d
	}
	if n, ok := intEnv("STORAGE_QUEUE_DEPTH"); ok {
		cfg.Storage.QueueDepth = n
	}

	if n, ok := intEnv("TOKEN_WINDOW_MINUTES"); ok {
		cfg.TokenUsage.WindowMinutes = n
	}
	if d, ok := msEnv("TOKEN_USAGE_CACHE_TTL_MS"); ok {
		cfg.TokenUsage.CacheTTL = d
	}

	if v := strings.TrimSpace(os.Getenv("CREDENTIALS_DIR")); v != "" {
		cfg.Credentials.Dir = v
	}
	if b, ok := boolEnv("CREDENTIALS_WATCH"); ok {
		cfg.Credentials.Watch = b
	}

	if d, ok := msEnv("TASK_CACHE_WINDOW_MS"); ok {
		cfg.TaskCache.MatchWindow = d
	}
	if d, ok := msEnv("TASK_CACHE_TTL_MS"); ok {
		cfg.TaskCache.TTL = d
	}

	if v := strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")); v != "" {
		cfg.OTel.Enabled = true
		cfg.OTel.Endpoint = v
	}
	if v := strings.TrimSpace(os.Getenv("OTEL_SERVICE_NAME")); v != "" {
		cfg.OTel.ServiceName = v
	}

	cfg.applyDefaults()

	if cfg.Database.ConnectionString == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	return cfg, nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

func intEnv(key string) (int, bool) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return n, true
}

func msEnv(key string) (time.Duration, bool) {
	n, ok := intEnv(key)
	if !ok {
		return 0, false
	}
	return time.Duration(n) * time.Millisecond, true
}

func boolEnv(key string) (bool, bool) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return false, false
	}
	return strings.EqualFold(v, "true") || v == "1" || strings.EqualFold(v, "yes"), true
}
