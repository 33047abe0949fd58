// Package config loads configuration from environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/ailinux/relaysync/internal/syncer"
)

// Config holds configuration shared by both binaries.
type Config struct {
	// Logging
	LogLevel  string
	LogFormat string
	LogFile   string

	// Metrics endpoint (empty = disabled)
	MetricsAddr string

	Relay RelayConfig
	Sync  SyncConfig
}

// RelayConfig configures the WebSocket relay client.
type RelayConfig struct {
	ServerURL         string
	APIKey            string
	ReconnectDelay    time.Duration
	MaxReconnect      int
	HeartbeatInterval time.Duration
	Debug             bool
	AutoConnect       bool
}

// SyncConfig configures the directory sync client.
type SyncConfig struct {
	// Remote backend ("sftp", "local" or "s3")
	Backend string

	// SSH/SFTP
	Host           string
	Port           int
	Username       string
	Password       string
	KeyPath        string
	KnownHostsPath string

	// S3 / MinIO
	S3Endpoint  string
	S3Bucket    string
	S3Region    string
	S3AccessKey string
	S3SecretKey string

	LocalDir        string
	RemoteDir       string
	Interval        time.Duration
	Mode            syncer.Mode
	ExcludePatterns []string
	MaxFileSize     int64
	Watch           bool
}

// Load reads configuration from a .env file (if present) and the
// environment, with defaults. Variables already set in the environment
// take precedence over the .env file.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	cfg := &Config{
		LogLevel:    envOr("LOG_LEVEL", "info"),
		LogFormat:   envOr("LOG_FORMAT", "console"),
		LogFile:     envOr("LOG_FILE", ""),
		MetricsAddr: envOr("METRICS_ADDR", ""),
		Relay: RelayConfig{
			ServerURL:         envOr("WS_SERVER_URL", "ws://localhost:8082"),
			APIKey:            envOr("WS_API_KEY", ""),
			ReconnectDelay:    envSeconds("WS_RECONNECT_DELAY", 5*time.Second),
			MaxReconnect:      envInt("WS_MAX_RECONNECT", 10),
			HeartbeatInterval: envSeconds("WS_HEARTBEAT_INTERVAL", 30*time.Second),
			Debug:             envBool("WS_DEBUG", false),
			AutoConnect:       envBool("WS_AUTO_CONNECT", true),
		},
		Sync: SyncConfig{
			Backend:         envOr("SYNC_BACKEND", "sftp"),
			Host:            envOr("SERVER_HOST", "derleiti.de"),
			Port:            envInt("SERVER_PORT", 22),
			Username:        envOr("SERVER_USERNAME", ""),
			Password:        envOr("SERVER_PASSWORD", ""),
			KeyPath:         envOr("SERVER_KEY_PATH", ""),
			KnownHostsPath:  envOr("SERVER_KNOWN_HOSTS", ""),
			S3Endpoint:      envOr("S3_ENDPOINT", "http://localhost:9000"),
			S3Bucket:        envOr("S3_BUCKET", "relaysync"),
			S3Region:        envOr("S3_REGION", "us-east-1"),
			S3AccessKey:     envOr("S3_ACCESS_KEY", ""),
			S3SecretKey:     envOr("S3_SECRET_KEY", ""),
			LocalDir:        envOr("LOCAL_SYNC_DIR", "./data"),
			RemoteDir:       envOr("REMOTE_SYNC_DIR", "/home/data"),
			Interval:        envSeconds("SYNC_INTERVAL", 60*time.Second),
			Mode:            syncer.Mode(envOr("SYNC_MODE", string(syncer.ModeTwoWay))),
			ExcludePatterns: envList("EXCLUDE_PATTERNS", []string{".git", ".env", "__pycache__", ".DS_Store"}),
			MaxFileSize:     envInt64("MAX_FILE_SIZE", 100*1024*1024), // 100MB default
			Watch:           envBool("SYNC_WATCH", false),
		},
	}

	if err := cfg.Relay.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the relay settings.
func (c *RelayConfig) Validate() error {
	if c.ServerURL == "" {
		return fmt.Errorf("WS_SERVER_URL is required")
	}
	if !strings.HasPrefix(c.ServerURL, "ws://") && !strings.HasPrefix(c.ServerURL, "wss://") {
		return fmt.Errorf("WS_SERVER_URL must start with ws:// or wss://, got %q", c.ServerURL)
	}
	if c.MaxReconnect < 0 {
		return fmt.Errorf("WS_MAX_RECONNECT must not be negative")
	}
	return nil
}

// Validate checks the sync settings. It is called after flag overrides
// have been applied.
func (c *SyncConfig) Validate() error {
	if _, err := syncer.ParseMode(string(c.Mode)); err != nil {
		return fmt.Errorf("SYNC_MODE: %w", err)
	}
	if c.LocalDir == "" {
		return fmt.Errorf("LOCAL_SYNC_DIR is required")
	}
	if c.Interval <= 0 {
		return fmt.Errorf("SYNC_INTERVAL must be positive")
	}
	switch c.Backend {
	case "sftp":
		if c.Host == "" {
			return fmt.Errorf("SERVER_HOST is required for the sftp backend")
		}
		if c.Username == "" {
			return fmt.Errorf("SERVER_USERNAME is required for the sftp backend")
		}
	case "local":
		if c.RemoteDir == "" {
			return fmt.Errorf("REMOTE_SYNC_DIR is required for the local backend")
		}
	case "s3":
		if c.S3Bucket == "" {
			return fmt.Errorf("S3_BUCKET is required for the s3 backend")
		}
	default:
		return fmt.Errorf("unknown SYNC_BACKEND: %s", c.Backend)
	}
	return nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return i
}

func envInt64(key string, fallback int64) int64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	i, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return fallback
	}
	return i
}

// envSeconds reads a whole or fractional number of seconds.
func envSeconds(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil || f < 0 {
		return fallback
	}
	return time.Duration(f * float64(time.Second))
}

// envList reads a comma-separated list, dropping empty items.
func envList(key string, fallback []string) []string {
	v, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	var out []string
	for _, item := range strings.Split(v, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
