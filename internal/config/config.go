package config

import "time"

// ServerConfig controls the inbound HTTP listener.
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
	// RequestTimeout is the hard per-request deadline. It must stay above
	// Upstream.Timeout so the upstream call, not the server, decides 504s.
	RequestTimeout time.Duration `yaml:"request_timeout"`
	// ClientAuth requires Authorization: Bearer <client_api_key> on
	// /v1/messages when the domain's credential file carries a client key.
	ClientAuth bool `yaml:"client_auth"`
}

// DatabaseConfig holds the Postgres connection settings.
type DatabaseConfig struct {
	ConnectionString string `yaml:"connection_string"`
}

// RedisConfig holds settings for the usage-window cache.
type RedisConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// UpstreamConfig controls the outbound LLM API call.
type UpstreamConfig struct {
	BaseURL string `yaml:"base_url"`
	// Timeout bounds the whole upstream exchange. TTFBTimeout bounds time to
	// first byte and is always kept strictly below Timeout.
	Timeout     time.Duration `yaml:"timeout"`
	TTFBTimeout time.Duration `yaml:"ttfb_timeout"`
	APIVersion  string        `yaml:"api_version"`
}

// StorageConfig controls the async writer batching.
type StorageConfig struct {
	BatchSize     int           `yaml:"batch_size"`
	FlushInterval time.Duration `yaml:"flush_interval"`
	QueueDepth    int           `yaml:"queue_depth"`
}

// TokenUsageConfig controls the rolling-window accounting.
type TokenUsageConfig struct {
	WindowMinutes int           `yaml:"window_minutes"`
	CacheTTL      time.Duration `yaml:"cache_ttl"`
}

// CredentialsConfig points at the per-domain credential files.
type CredentialsConfig struct {
	Dir string `yaml:"dir"`
	// Watch invalidates cached credentials when files change on disk.
	Watch bool `yaml:"watch"`
}

// TaskCacheConfig controls sub-task invocation matching.
type TaskCacheConfig struct {
	MatchWindow time.Duration `yaml:"match_window"`
	TTL         time.Duration `yaml:"ttl"`
}

// TelemetryConfig controls OpenTelemetry tracing.
type TelemetryConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Endpoint    string `yaml:"endpoint"`
	Insecure    bool   `yaml:"insecure"`
	ServiceName string `yaml:"service_name"`
}

// Config is the full runtime configuration for the proxy.
type Config struct {
	LogPath  string `yaml:"log_path"`
	LogLevel string `yaml:"log_level"`

	Server      ServerConfig      `yaml:"server"`
	Database    DatabaseConfig    `yaml:"database"`
	Redis       RedisConfig       `yaml:"redis"`
	Upstream    UpstreamConfig    `yaml:"upstream"`
	Storage     StorageConfig     `yaml:"storage"`
	TokenUsage  TokenUsageConfig  `yaml:"token_usage"`
	Credentials CredentialsConfig `yaml:"credentials"`
	TaskCache   TaskCacheConfig   `yaml:"task_cache"`
	OTel        TelemetryConfig   `yaml:"otel"`
}

// applyDefaults fills in every zero-valued knob after env and YAML are read.
func (c *Config) applyDefaults() {
	if c.Server.Host == "" {
		c.Server.Host = "0.0.0.0"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 3000
	}
	if c.Upstream.BaseURL == "" {
		c.Upstream.BaseURL = "https://api.anthropic.com"
	}
	if c.Upstream.APIVersion == "" {
		c.Upstream.APIVersion = "2023-06-01"
	}
	if c.Upstream.Timeout <= 0 {
		c.Upstream.Timeout = 10 * time.Minute
	}
	if c.Upstream.TTFBTimeout <= 0 || c.Upstream.TTFBTimeout >= c.Upstream.Timeout {
		c.Upstream.TTFBTimeout = c.Upstream.Timeout - time.Minute
	}
	if c.Server.RequestTimeout <= c.Upstream.Timeout {
		c.Server.RequestTimeout = c.Upstream.Timeout + time.Minute
	}
	if c.Storage.BatchSize <= 0 {
		c.Storage.BatchSize = 50
	}
	if c.Storage.FlushInterval <= 0 {
		c.Storage.FlushInterval = 100 * time.Millisecond
	}
	if c.Storage.QueueDepth <= 0 {
		c.Storage.QueueDepth = 4096
	}
	if c.TokenUsage.WindowMinutes <= 0 {
		c.TokenUsage.WindowMinutes = 300
	}
	if c.TokenUsage.CacheTTL <= 0 {
		c.TokenUsage.CacheTTL = 30 * time.Second
	}
	if c.Credentials.Dir == "" {
		c.Credentials.Dir = "credentials"
	}
	if c.TaskCache.MatchWindow <= 0 {
		c.TaskCache.MatchWindow = 30 * time.Second
	}
	if c.TaskCache.TTL <= 0 {
		c.TaskCache.TTL = 5 * time.Minute
	}
	if c.OTel.ServiceName == "" {
		c.OTel.ServiceName = "nexus"
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
}
