// Package config provides configuration management for Loom.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for Loom.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	NATS     NATSConfig     `mapstructure:"nats"`
	Auth     AuthConfig     `mapstructure:"auth"`
	Sync     SyncConfig     `mapstructure:"sync"`
	Graph    GraphConfig    `mapstructure:"graph"`
	Cron     CronConfig     `mapstructure:"cron"`
	Webhook  WebhookConfig  `mapstructure:"webhook"`
	MCP      MCPConfig      `mapstructure:"mcp"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds; 0 disables it so streams stay open
}

// DatabaseConfig holds database connection configuration.
// URL takes precedence; the discrete fields exist for compose-style deployments.
type DatabaseConfig struct {
	URL          string `mapstructure:"url"`
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	User         string `mapstructure:"user"`
	Password     string `mapstructure:"password"`
	DBName       string `mapstructure:"dbName"`
	SSLMode      string `mapstructure:"sslMode"`
	PoolMinSize  int    `mapstructure:"poolMinSize"`
	PoolMaxSize  int    `mapstructure:"poolMaxSize"`
	PoolTimeout  int    `mapstructure:"poolTimeout"`  // in seconds, bounds the reachability probe
	FallbackPath string `mapstructure:"fallbackPath"` // SQLite path when Postgres is unreachable; empty = in-memory
}

// NATSConfig holds NATS messaging configuration.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// AuthConfig holds authentication configuration.
type AuthConfig struct {
	// SupabaseJWTSecret enables local HS256 verification of bearer tokens.
	// Empty means tokens are decoded without signature verification (dev mode).
	SupabaseJWTSecret string `mapstructure:"supabaseJwtSecret"`
}

// SyncConfig controls startup synchronisation of system-owned assistants.
type SyncConfig struct {
	// Scope is one of: none, all, or a comma-separated org:<uuid> list.
	Scope        string `mapstructure:"scope"`
	ManifestPath string `mapstructure:"manifestPath"`
}

// GraphConfig holds graph runtime configuration.
type GraphConfig struct {
	DefaultID            string `mapstructure:"defaultId"`
	RagEmbedTimeout      int    `mapstructure:"ragEmbedTimeout"` // in seconds
	RagDefaultTopK       int    `mapstructure:"ragDefaultTopK"`
	RagDefaultLayer      string `mapstructure:"ragDefaultLayer"`
	MaxConcurrentWorkers int    `mapstructure:"maxConcurrentWorkers"`
}

// CronConfig holds the cron scheduler configuration.
type CronConfig struct {
	Enabled      bool `mapstructure:"enabled"`
	GraceSeconds int  `mapstructure:"graceSeconds"` // misfires older than this are coalesced
}

// WebhookConfig holds webhook delivery configuration.
type WebhookConfig struct {
	Timeout    int `mapstructure:"timeout"` // in seconds
	MaxRetries int `mapstructure:"maxRetries"`
}

// MCPConfig holds the MCP protocol listener configuration. The MCP server
// runs on its own port beside the main API.
type MCPConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Port     int    `mapstructure:"port"`
	Identity string `mapstructure:"identity"` // owner that MCP tool calls run as
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// ReadTimeoutDuration returns the read timeout as a time.Duration.
func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the write timeout as a time.Duration.
func (s *ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// ProbeTimeout returns the connectivity probe timeout as a time.Duration.
func (d *DatabaseConfig) ProbeTimeout() time.Duration {
	if d.PoolTimeout <= 0 {
		return 5 * time.Second
	}
	return time.Duration(d.PoolTimeout) * time.Second
}

// GraceDuration returns the misfire grace window as a time.Duration.
func (c *CronConfig) GraceDuration() time.Duration {
	if c.GraceSeconds <= 0 {
		return 60 * time.Second
	}
	return time.Duration(c.GraceSeconds) * time.Second
}

// TimeoutDuration returns the webhook delivery timeout as a time.Duration.
func (w *WebhookConfig) TimeoutDuration() time.Duration {
	if w.Timeout <= 0 {
		return 10 * time.Second
	}
	return time.Duration(w.Timeout) * time.Second
}

// RagEmbedTimeoutDuration returns the embedding tool timeout as a time.Duration.
func (g *GraphConfig) RagEmbedTimeoutDuration() time.Duration {
	if g.RagEmbedTimeout <= 0 {
		return 30 * time.Second
	}
	return time.Duration(g.RagEmbedTimeout) * time.Second
}

// detectDefaultLogFormat returns the appropriate log format based on environment.
// Returns "json" if running in Kubernetes or other production environments.
// Returns "text" for terminal/development use (human-readable console format).
func detectDefaultLogFormat() string {
	// Check if running in Kubernetes
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}

	// Check for explicit production environment
	if env := os.Getenv("LOOM_ENV"); env == "production" || env == "prod" {
		return "json"
	}

	// Default to text format for terminal use (more readable than JSON)
	return "text"
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.readTimeout", 30)
	// Streaming responses can outlive any sane write timeout, so it is off by default.
	v.SetDefault("server.writeTimeout", 0)

	// Database defaults
	v.SetDefault("database.url", "")
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "loom")
	v.SetDefault("database.password", "")
	v.SetDefault("database.dbName", "loom")
	v.SetDefault("database.sslMode", "disable")
	v.SetDefault("database.poolMinSize", 1)
	v.SetDefault("database.poolMaxSize", 10)
	v.SetDefault("database.poolTimeout", 5)
	v.SetDefault("database.fallbackPath", "")

	// NATS defaults - empty URL means use in-memory event bus
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clientId", "loom-server")
	v.SetDefault("nats.maxReconnects", 10)

	// Auth defaults
	v.SetDefault("auth.supabaseJwtSecret", "")

	// Sync defaults
	v.SetDefault("sync.scope", "none")
	v.SetDefault("sync.manifestPath", "assistants.yaml")

	// Graph defaults
	v.SetDefault("graph.defaultId", "agent")
	v.SetDefault("graph.ragEmbedTimeout", 30)
	v.SetDefault("graph.ragDefaultTopK", 5)
	v.SetDefault("graph.ragDefaultLayer", "semantic")
	v.SetDefault("graph.maxConcurrentWorkers", 4)

	// Cron defaults
	v.SetDefault("cron.enabled", true)
	v.SetDefault("cron.graceSeconds", 60)

	// Webhook defaults
	v.SetDefault("webhook.timeout", 10)
	v.SetDefault("webhook.maxRetries", 3)

	// MCP defaults
	v.SetDefault("mcp.enabled", true)
	v.SetDefault("mcp.port", 9090)
	v.SetDefault("mcp.identity", "system")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix LOOM_ with snake_case naming.
// Config file should be named config.yaml and placed in the current directory or /etc/loom/.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults first
	setDefaults(v)

	// Configure environment variables
	v.SetEnvPrefix("LOOM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Deployment platforms export these without the LOOM_ prefix, so bind the
	// raw names in addition to the prefixed ones.
	_ = v.BindEnv("database.url", "DATABASE_URL", "LOOM_DATABASE_URL")
	_ = v.BindEnv("database.poolMinSize", "DATABASE_POOL_MIN_SIZE", "LOOM_DATABASE_POOL_MIN_SIZE")
	_ = v.BindEnv("database.poolMaxSize", "DATABASE_POOL_MAX_SIZE", "LOOM_DATABASE_POOL_MAX_SIZE")
	_ = v.BindEnv("database.poolTimeout", "DATABASE_POOL_TIMEOUT", "LOOM_DATABASE_POOL_TIMEOUT")
	_ = v.BindEnv("auth.supabaseJwtSecret", "SUPABASE_JWT_SECRET", "LOOM_AUTH_SUPABASE_JWT_SECRET")
	_ = v.BindEnv("sync.scope", "AGENT_SYNC_SCOPE", "LOOM_SYNC_SCOPE")
	_ = v.BindEnv("graph.ragEmbedTimeout", "RAG_EMBED_TIMEOUT_SECONDS", "LOOM_GRAPH_RAG_EMBED_TIMEOUT")
	_ = v.BindEnv("graph.ragDefaultTopK", "RAG_DEFAULT_TOP_K", "LOOM_GRAPH_RAG_DEFAULT_TOP_K")
	_ = v.BindEnv("graph.ragDefaultLayer", "RAG_DEFAULT_LAYER", "LOOM_GRAPH_RAG_DEFAULT_LAYER")

	// Configure config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/loom/")

	// Read config file (ignore if not found)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// validate checks that all required configuration fields are set.
// In development mode (default), most fields are optional.
func validate(cfg *Config) error {
	var errs []string

	// Server validation - always required
	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}

	// Database validation - only if discrete fields are used (URL wins when set)
	if cfg.Database.URL == "" && cfg.Database.Host != "" {
		if cfg.Database.Port <= 0 || cfg.Database.Port > 65535 {
			errs = append(errs, "database.port must be between 1 and 65535")
		}
		if cfg.Database.User == "" {
			errs = append(errs, "database.user is required when database.host is set")
		}
		if cfg.Database.DBName == "" {
			errs = append(errs, "database.dbName is required when database.host is set")
		}
	}
	if cfg.Database.PoolMinSize < 0 || cfg.Database.PoolMaxSize < 0 {
		errs = append(errs, "database pool sizes must be non-negative")
	}
	if cfg.Database.PoolMaxSize > 0 && cfg.Database.PoolMinSize > cfg.Database.PoolMaxSize {
		errs = append(errs, "database.poolMinSize must not exceed database.poolMaxSize")
	}

	// Sync validation
	if _, err := ParseSyncScope(cfg.Sync.Scope); err != nil {
		errs = append(errs, err.Error())
	}

	// Logging validation
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text")
	}

	if cfg.Graph.MaxConcurrentWorkers <= 0 {
		errs = append(errs, "graph.maxConcurrentWorkers must be positive")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}

	return nil
}

// DSN returns the PostgreSQL connection string. The explicit URL wins; otherwise
// the discrete fields are assembled into a keyword/value DSN. Empty when no
// database is configured at all, which signals the embedded fallback.
func (d *DatabaseConfig) DSN() string {
	if d.URL != "" {
		return d.URL
	}
	if d.Host == "" {
		return ""
	}
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.DBName, d.SSLMode,
	)
}

// SyncScope is the parsed form of sync.scope.
type SyncScope struct {
	All    bool
	OrgIDs []string
}

// Enabled reports whether assistant sync should run at all.
func (s SyncScope) Enabled() bool {
	return s.All || len(s.OrgIDs) > 0
}

// ParseSyncScope parses a sync scope expression: none, all, or a
// comma-separated list of org:<uuid> entries.
func ParseSyncScope(raw string) (SyncScope, error) {
	scope := SyncScope{}
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" || strings.EqualFold(trimmed, "none") {
		return scope, nil
	}
	if strings.EqualFold(trimmed, "all") {
		scope.All = true
		return scope, nil
	}
	for _, part := range strings.Split(trimmed, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		id, ok := strings.CutPrefix(part, "org:")
		if !ok || strings.TrimSpace(id) == "" {
			return SyncScope{}, fmt.Errorf("sync.scope entry %q must be none, all, or org:<uuid>", part)
		}
		scope.OrgIDs = append(scope.OrgIDs, strings.TrimSpace(id))
	}
	return scope, nil
}
