package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

const (
	envPrefix = "RIPPERFOX"
	appName   = "RipperFox"
	dirPerm   = 0o755
)

// Config struct for environment variables.
type Config struct {
	BindAddress  string `envconfig:"BIND_ADDRESS" default:"127.0.0.1:5100"`
	BaseDir      string `envconfig:"BASE_DIR"`
	SettingsFile string `envconfig:"SETTINGS_FILE"`
	BundleDir    string `envconfig:"BUNDLE_DIR"`

	JobHistoryLimit int           `envconfig:"JOB_HISTORY_LIMIT" default:"10"`
	MaxActiveJobs   int           `envconfig:"MAX_ACTIVE_JOBS" default:"4"`
	BinaryTimeout   time.Duration `envconfig:"BINARY_TIMEOUT" default:"1h"`
	VersionTimeout  time.Duration `envconfig:"VERSION_TIMEOUT" default:"5s"`
	// JobTimeout bounds a whole job across every strategy it tries.
	JobTimeout        time.Duration `envconfig:"JOB_TIMEOUT" default:"2h"`
	StreamIdleTimeout time.Duration `envconfig:"STREAM_IDLE_TIMEOUT" default:"2m"`

	UpdateCheckInterval time.Duration `envconfig:"UPDATE_CHECK_INTERVAL" default:"24h"`
	ReleaseAPIURL       string        `envconfig:"RELEASE_API_URL" default:"https://api.github.com/repos/yt-dlp/yt-dlp/releases/latest"`
	BinaryDownloadURL   string        `envconfig:"BINARY_DOWNLOAD_URL"`
	DownloadRetries     uint          `envconfig:"DOWNLOAD_RETRIES" default:"3"`
	GithubToken         string        `envconfig:"GITHUB_TOKEN"`

	CleanupInterval   time.Duration `envconfig:"CLEANUP_INTERVAL" default:"6h"`
	PartFileRetention time.Duration `envconfig:"PART_FILE_RETENTION" default:"48h"`

	LogLevel         string `envconfig:"LOG_LEVEL" default:"INFO"`
	LogFile          string `envconfig:"LOG_FILE"`
	NotifyWebhookURL string `envconfig:"NOTIFY_WEBHOOK_URL"`

	TelemetryEnabled bool   `envconfig:"TELEMETRY_ENABLED" default:"true"`
	OTLPEndpoint     string `envconfig:"OTLP_ENDPOINT"`

	Web struct {
		ReadTimeout     time.Duration `split_words:"true" default:"30s"`
		WriteTimeout    time.Duration `split_words:"true" default:"30s"`
		IdleTimeout     time.Duration `split_words:"true" default:"60s"`
		ShutdownTimeout time.Duration `split_words:"true" default:"15s"`
	}
}

// LoadConfig reads an optional .env file, then environment variables, and
// resolves the directories the backend works in.
func LoadConfig() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("error loading .env file: %w", err)
	}

	var cfg Config
	if err := envconfig.Process(envPrefix, &cfg); err != nil {
		return nil, fmt.Errorf("error processing env: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	if err := cfg.resolvePaths(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate checks the configuration for invalid values.
func (c *Config) Validate() error {
	if c.BindAddress == "" {
		return errors.New("bind address cannot be empty")
	}

	if c.JobHistoryLimit <= 0 {
		return fmt.Errorf("job history limit must be positive: %d", c.JobHistoryLimit)
	}

	if c.MaxActiveJobs <= 0 {
		return fmt.Errorf("max active jobs must be positive: %d", c.MaxActiveJobs)
	}

	if c.BinaryTimeout <= 0 || c.VersionTimeout <= 0 {
		return fmt.Errorf("binary timeouts must be positive: run=%s version=%s", c.BinaryTimeout, c.VersionTimeout)
	}

	if c.JobTimeout <= 0 || c.StreamIdleTimeout <= 0 {
		return fmt.Errorf("job timeouts must be positive: job=%s stream_idle=%s", c.JobTimeout, c.StreamIdleTimeout)
	}

	if c.UpdateCheckInterval <= 0 {
		return fmt.Errorf("update check interval must be positive: %s", c.UpdateCheckInterval)
	}

	if c.CleanupInterval <= 0 || c.PartFileRetention <= 0 {
		return fmt.Errorf("cleanup durations must be positive: interval=%s retention=%s", c.CleanupInterval, c.PartFileRetention)
	}

	if c.ReleaseAPIURL == "" {
		return errors.New("release API URL cannot be empty")
	}

	return nil
}

// Packaged reports whether the backend runs from a bundled distribution that
// ships its own yt-dlp, ffmpeg and default settings.
func (c *Config) Packaged() bool {
	return c.BundleDir != ""
}

func (c *Config) resolvePaths() error {
	if c.BaseDir == "" {
		dir, err := defaultBaseDir(c.Packaged())
		if err != nil {
			return fmt.Errorf("failed to resolve base directory: %w", err)
		}

		c.BaseDir = dir
	}

	abs, err := filepath.Abs(c.BaseDir)
	if err != nil {
		return fmt.Errorf("failed to resolve base directory %s: %w", c.BaseDir, err)
	}

	c.BaseDir = abs

	if err := os.MkdirAll(c.BaseDir, dirPerm); err != nil {
		return fmt.Errorf("failed to create base directory %s: %w", c.BaseDir, err)
	}

	if c.SettingsFile == "" {
		c.SettingsFile = filepath.Join(c.BaseDir, "settings.json")
	}

	return nil
}

// defaultBaseDir mirrors where the desktop app keeps its state: the per-user
// config directory for packaged builds, next to the executable otherwise.
func defaultBaseDir(packaged bool) (string, error) {
	if packaged {
		dir, err := os.UserConfigDir()
		if err != nil {
			return "", err
		}

		return filepath.Join(dir, appName), nil
	}

	exe, err := os.Executable()
	if err != nil {
		return "", err
	}

	return filepath.Dir(exe), nil
}

// SlogLevel maps LOG_LEVEL to a slog level, INFO when unrecognised.
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
