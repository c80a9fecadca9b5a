package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/amaumene/ytgrab/internal/utils"
)

// Config holds all application configuration
type Config struct {
	// Downloads
	DownloadDir    string
	MaxConcurrency int
	QueueCapacity  int   // 0 = unbounded
	SpeedLimit     int64 // bytes per second, 0 = unlimited
	DefaultQuality string
	AudioFormat    string
	AudioBitrate   string

	// Engines
	YtdlpPath      string // empty = look up yt-dlp on PATH
	FFmpegPath     string // empty = look up ffmpeg on PATH
	ResolveTimeout time.Duration
	ResolveCache   time.Duration

	// History & maintenance
	HistoryLimit     int
	HistoryRetention time.Duration // 0 = keep forever
	PartialMaxAge    time.Duration

	// Server
	ServerPort string

	// Paths
	HostsFile    string // $CONFIG_DIR/hosts.txt
	DatabaseFile string // $CONFIG_DIR/ytgrab.db

	// Logging & tracing
	LogLevel       string
	LogFormat      string
	TracingEnabled bool
}

// Load loads configuration from environment variables and .env file
func Load() (*Config, error) {
	// Setup viper FIRST to load .env file
	viper.SetConfigName(".env")
	viper.SetConfigType("env")
	viper.AddConfigPath(".")
	viper.AutomaticEnv()

	// Load .env file if it exists (ignore if not found)
	_ = viper.ReadInConfig()

	// Set defaults
	viper.SetDefault("MAX_CONCURRENCY", 3)
	viper.SetDefault("QUEUE_CAPACITY", 0)
	viper.SetDefault("SPEED_LIMIT", "unlimited")
	viper.SetDefault("DEFAULT_QUALITY", "best")
	viper.SetDefault("AUDIO_FORMAT", "mp3")
	viper.SetDefault("AUDIO_BITRATE", "192")
	viper.SetDefault("RESOLVE_TIMEOUT_SECONDS", 15)
	viper.SetDefault("RESOLVE_CACHE_MINUTES", 5)
	viper.SetDefault("HISTORY_LIMIT", 20)
	viper.SetDefault("HISTORY_RETENTION_DAYS", 30)
	viper.SetDefault("PARTIAL_MAX_AGE_HOURS", 24)
	viper.SetDefault("SERVER_PORT", "8080")
	viper.SetDefault("LOG_LEVEL", "info")
	viper.SetDefault("LOG_FORMAT", "text")
	viper.SetDefault("TRACING_ENABLED", false)

	configDir, err := resolveDir(viper.GetString("CONFIG_DIR"), filepath.Join(".config", "ytgrab"))
	if err != nil {
		return nil, fmt.Errorf("failed to resolve CONFIG_DIR: %w", err)
	}
	downloadDir, err := resolveDir(viper.GetString("DOWNLOAD_DIR"), "Downloads")
	if err != nil {
		return nil, fmt.Errorf("failed to resolve DOWNLOAD_DIR: %w", err)
	}

	for _, dir := range []string{configDir, downloadDir} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}

	speedLimit, err := utils.ParseSpeedLimit(viper.GetString("SPEED_LIMIT"))
	if err != nil {
		return nil, fmt.Errorf("SPEED_LIMIT: %w", err)
	}

	config := &Config{
		// Downloads
		DownloadDir:    downloadDir,
		MaxConcurrency: viper.GetInt("MAX_CONCURRENCY"),
		QueueCapacity:  viper.GetInt("QUEUE_CAPACITY"),
		SpeedLimit:     speedLimit,
		DefaultQuality: viper.GetString("DEFAULT_QUALITY"),
		AudioFormat:    strings.ToLower(viper.GetString("AUDIO_FORMAT")),
		AudioBitrate:   viper.GetString("AUDIO_BITRATE"),

		// Engines
		YtdlpPath:      viper.GetString("YTDLP_PATH"),
		FFmpegPath:     viper.GetString("FFMPEG_PATH"),
		ResolveTimeout: time.Duration(viper.GetInt("RESOLVE_TIMEOUT_SECONDS")) * time.Second,
		ResolveCache:   time.Duration(viper.GetInt("RESOLVE_CACHE_MINUTES")) * time.Minute,

		// History & maintenance
		HistoryLimit:     viper.GetInt("HISTORY_LIMIT"),
		HistoryRetention: time.Duration(viper.GetInt("HISTORY_RETENTION_DAYS")) * 24 * time.Hour,
		PartialMaxAge:    time.Duration(viper.GetInt("PARTIAL_MAX_AGE_HOURS")) * time.Hour,

		// Server
		ServerPort: viper.GetString("SERVER_PORT"),

		// Paths
		HostsFile:    filepath.Join(configDir, "hosts.txt"),
		DatabaseFile: filepath.Join(configDir, "ytgrab.db"),

		// Logging & tracing
		LogLevel:       viper.GetString("LOG_LEVEL"),
		LogFormat:      viper.GetString("LOG_FORMAT"),
		TracingEnabled: viper.GetBool("TRACING_ENABLED"),
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

// Validate checks values that would otherwise fail deep inside the pipeline
func (c *Config) Validate() error {
	if c.MaxConcurrency < 1 {
		return fmt.Errorf("MAX_CONCURRENCY must be at least 1")
	}
	if c.QueueCapacity < 0 {
		return fmt.Errorf("QUEUE_CAPACITY must not be negative")
	}
	if c.ResolveTimeout <= 0 {
		return fmt.Errorf("RESOLVE_TIMEOUT_SECONDS must be positive")
	}
	if _, err := utils.ParseQuality(c.DefaultQuality); err != nil {
		return fmt.Errorf("DEFAULT_QUALITY: %w", err)
	}
	switch c.AudioFormat {
	case "mp3", "m4a", "opus", "flac", "wav":
	default:
		return fmt.Errorf("AUDIO_FORMAT %q is not supported", c.AudioFormat)
	}
	return nil
}

// resolveDir returns dir as an absolute path, or fallback under the home
// directory when dir is empty
func resolveDir(dir, fallback string) (string, error) {
	if dir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("failed to get home directory: %w", err)
		}
		return filepath.Join(homeDir, fallback), nil
	}
	// Convert relative path to absolute path
	return filepath.Abs(dir)
}
