package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Store drivers.
const (
	DriverSQLite = "sqlite"
	DriverRedis  = "redis"
	DriverMemory = "memory"
)

// Config struct for environment variables.
type Config struct {
	DBDriver  string `envconfig:"DB_DRIVER" default:"sqlite"`
	DBPath    string `envconfig:"DB_PATH" default:"lessons.db"`
	RedisAddr string `envconfig:"REDIS_ADDR" default:"localhost:6379"`
	MediaDir  string `envconfig:"MEDIA_DIR" required:"true"`

	UserID        string `envconfig:"USER_ID" required:"true"`
	RemoteBaseURL string `envconfig:"REMOTE_BASE_URL" required:"true"`
	RemoteToken   string `envconfig:"REMOTE_TOKEN"`

	MaxParallel         int   `envconfig:"MAX_PARALLEL" default:"3"`
	MaxDownloadRate     int64 `envconfig:"MAX_DOWNLOAD_RATE" default:"0"`
	QuotaBytes          int64 `envconfig:"QUOTA_BYTES" default:"0"`
	OptimizeTargetUsage int   `envconfig:"OPTIMIZE_TARGET_USAGE" default:"80"`

	CompletionThreshold float64       `envconfig:"COMPLETION_THRESHOLD" default:"90"`
	ResumeThreshold     time.Duration `envconfig:"RESUME_THRESHOLD" default:"30s"`
	ChapterSnapWindow   time.Duration `envconfig:"CHAPTER_SNAP_WINDOW" default:"10s"`
	WatchCapFactor      float64       `envconfig:"WATCH_CAP_FACTOR" default:"3"`

	SyncInterval   time.Duration `envconfig:"SYNC_INTERVAL" default:"30s"`
	SyncBaseDelay  time.Duration `envconfig:"SYNC_BASE_DELAY" default:"2s"`
	SyncMaxRetries int           `envconfig:"SYNC_MAX_RETRIES" default:"3"`
	SyncBatchSize  int           `envconfig:"SYNC_BATCH_SIZE" default:"50"`
	SyncSettle     time.Duration `envconfig:"SYNC_SETTLE_DELAY" default:"1s"`

	ConnectivityDebounce time.Duration `envconfig:"CONNECTIVITY_DEBOUNCE" default:"500ms"`
	ProbeInterval        time.Duration `envconfig:"PROBE_INTERVAL" default:"15s"`

	KeepDownloadedFor time.Duration `envconfig:"KEEP_DOWNLOADED_FOR" default:"0"`
	CleanupInterval   time.Duration `envconfig:"CLEANUP_INTERVAL" default:"1h"`

	LogLevel          string `envconfig:"LOG_LEVEL" default:"INFO"`
	DiscordWebhookURL string `envconfig:"DISCORD_WEBHOOK_URL"`

	Telemetry struct {
		Enabled      bool   `split_words:"true" default:"true"`
		OTLPEndpoint string `envconfig:"OTLP_ENDPOINT"`
	}

	Web struct {
		BindAddress     string        `split_words:"true" default:"127.0.0.1:9092"`
		ReadTimeout     time.Duration `split_words:"true" default:"30s"`
		WriteTimeout    time.Duration `split_words:"true" default:"30s"`
		IdleTimeout     time.Duration `split_words:"true" default:"5s"`
		ShutdownTimeout time.Duration `split_words:"true" default:"30s"`
		Username        string        `split_words:"true"`
		Password        string        `split_words:"true"`
	}
}

// LoadConfig reads environment variables and populates the Config struct.
func LoadConfig() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("error processing env: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate checks values envconfig cannot express as tags.
func (c *Config) Validate() error {
	var errs []error

	switch c.DBDriver {
	case DriverSQLite, DriverRedis, DriverMemory:
	default:
		errs = append(errs, fmt.Errorf("unknown DB_DRIVER %q", c.DBDriver))
	}

	if c.MaxParallel < 1 {
		errs = append(errs, errors.New("MAX_PARALLEL must be at least 1"))
	}

	if c.CompletionThreshold <= 0 || c.CompletionThreshold > 100 {
		errs = append(errs, errors.New("COMPLETION_THRESHOLD must be in (0, 100]"))
	}

	if c.OptimizeTargetUsage <= 0 || c.OptimizeTargetUsage > 100 {
		errs = append(errs, errors.New("OPTIMIZE_TARGET_USAGE must be in (0, 100]"))
	}

	if c.SyncMaxRetries < 0 {
		errs = append(errs, errors.New("SYNC_MAX_RETRIES must not be negative"))
	}

	if c.SyncBatchSize < 1 {
		errs = append(errs, errors.New("SYNC_BATCH_SIZE must be at least 1"))
	}

	return errors.Join(errs...)
}

func (c *Config) SlogLevel() slog.Level {
	switch strings.ToUpper(c.LogLevel) {
	case "DEBUG":
		return slog.LevelDebug
	case "INFO":
		return slog.LevelInfo
	case "WARN":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
