package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const appDirName = "HachimiCore"

// Config represents the application configuration
type Config struct {
	Player  PlayerConfig  `json:"player" mapstructure:"player"`
	Cache   CacheConfig   `json:"cache" mapstructure:"cache"`
	Remote  RemoteConfig  `json:"remote" mapstructure:"remote"`
	Network NetworkConfig `json:"network" mapstructure:"network"`
	Store   StoreConfig   `json:"store" mapstructure:"store"`
	Logging LoggingConfig `json:"logging" mapstructure:"logging"`
}

// PlayerConfig contains playback preferences
type PlayerConfig struct {
	Volume                float64 `json:"volume" mapstructure:"volume"`
	FadeEnabled           bool    `json:"fade_enabled" mapstructure:"fade_enabled"`
	FadeDurationMs        int     `json:"fade_duration_ms" mapstructure:"fade_duration_ms"`
	LoudnessNormalization bool    `json:"loudness_normalization" mapstructure:"loudness_normalization"`
	KidsMode              bool    `json:"kids_mode" mapstructure:"kids_mode"`
	ShuffleMode           bool    `json:"shuffle_mode" mapstructure:"shuffle_mode"`
	RepeatMode            bool    `json:"repeat_mode" mapstructure:"repeat_mode"`
	MaxPlayAttempts       int     `json:"max_play_attempts" mapstructure:"max_play_attempts"`
	InitialRetryBackoffMs int     `json:"initial_retry_backoff_ms" mapstructure:"initial_retry_backoff_ms"`
	PollIntervalMs        int     `json:"poll_interval_ms" mapstructure:"poll_interval_ms"`
}

// FadeDuration returns the crossfade length
func (p PlayerConfig) FadeDuration() time.Duration {
	return time.Duration(p.FadeDurationMs) * time.Millisecond
}

// CacheConfig contains song cache settings
type CacheConfig struct {
	MaxSizeMB      int  `json:"max_size_mb" mapstructure:"max_size_mb"`
	MemoryEntries  int  `json:"memory_entries" mapstructure:"memory_entries"`
	CoverMaxSize   int  `json:"cover_max_size" mapstructure:"cover_max_size"`
	BackgroundJobs int  `json:"background_jobs" mapstructure:"background_jobs"`
	TrimOnStart    bool `json:"trim_on_start" mapstructure:"trim_on_start"`
}

// MaxSizeBytes returns the durable cache budget in bytes
func (c CacheConfig) MaxSizeBytes() int64 {
	return int64(c.MaxSizeMB) * 1024 * 1024
}

// RemoteConfig contains the remote content source settings
type RemoteConfig struct {
	BaseURL           string  `json:"base_url" mapstructure:"base_url"`
	UserAgent         string  `json:"user_agent" mapstructure:"user_agent"`
	AccessToken       string  `json:"access_token" mapstructure:"access_token"`
	RequestsPerSecond float64 `json:"requests_per_second" mapstructure:"requests_per_second"`
	Burst             int     `json:"burst" mapstructure:"burst"`
}

// NetworkConfig contains network-related settings
type NetworkConfig struct {
	ProxyURL   string `json:"proxy_url" mapstructure:"proxy_url"`
	Timeout    int    `json:"timeout" mapstructure:"timeout"`
	MaxRetries int    `json:"max_retries" mapstructure:"max_retries"`
	ProbeSize  bool   `json:"probe_size" mapstructure:"probe_size"`
}

// StoreConfig contains durable store settings
type StoreConfig struct {
	Path string `json:"path" mapstructure:"path"`
}

// LoggingConfig contains logging settings
type LoggingConfig struct {
	Level      string `json:"level" mapstructure:"level"`
	Format     string `json:"format" mapstructure:"format"`
	Output     string `json:"output" mapstructure:"output"`
	FilePath   string `json:"file_path" mapstructure:"file_path"`
	MaxSizeMB  int    `json:"max_size_mb" mapstructure:"max_size_mb"`
	MaxBackups int    `json:"max_backups" mapstructure:"max_backups"`
	MaxAgeDays int    `json:"max_age_days" mapstructure:"max_age_days"`
	Compress   bool   `json:"compress" mapstructure:"compress"`
}

// Load loads configuration from file or creates default
func Load(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	if configPath == "" {
		configPath = GetConfigPath()
	}

	v.SetConfigFile(configPath)
	v.SetConfigType("json")

	if err := ensureConfigDir(configPath); err != nil {
		return nil, fmt.Errorf("failed to create config directory: %w", err)
	}

	if err := v.ReadInConfig(); err != nil {
		if _, statErr := os.Stat(configPath); os.IsNotExist(statErr) {
			// First run, persist defaults
			if err := v.WriteConfigAs(configPath); err != nil {
				return nil, fmt.Errorf("failed to write default config: %w", err)
			}
		} else {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	// Allow environment variable overrides, e.g. HACHIMI_REMOTE_BASE_URL
	v.SetEnvPrefix("HACHIMI")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Player.Volume < 0 || c.Player.Volume > 1 {
		return fmt.Errorf("player volume must be between 0 and 1")
	}

	if c.Player.FadeDurationMs < 0 || c.Player.FadeDurationMs > 30000 {
		return fmt.Errorf("fade duration must be between 0 and 30000 ms")
	}

	if c.Player.MaxPlayAttempts < 1 {
		return fmt.Errorf("max play attempts must be at least 1")
	}

	if c.Player.InitialRetryBackoffMs < 0 {
		return fmt.Errorf("initial retry backoff cannot be negative")
	}

	if c.Player.PollIntervalMs < 10 {
		return fmt.Errorf("poll interval must be at least 10 ms")
	}

	if c.Cache.MaxSizeMB < 0 {
		return fmt.Errorf("cache size cannot be negative")
	}

	if c.Cache.MemoryEntries < 1 {
		return fmt.Errorf("memory cache must hold at least 1 entry")
	}

	if c.Cache.BackgroundJobs < 1 {
		return fmt.Errorf("background jobs must be at least 1")
	}

	if c.Remote.BaseURL == "" {
		return fmt.Errorf("remote base url cannot be empty")
	}

	if c.Remote.RequestsPerSecond <= 0 {
		return fmt.Errorf("requests per second must be positive")
	}

	if c.Remote.Burst < 1 {
		c.Remote.Burst = 1
	}

	if c.Network.Timeout < 1 {
		return fmt.Errorf("network timeout must be at least 1 second")
	}

	if c.Network.MaxRetries < 0 {
		return fmt.Errorf("max retries cannot be negative")
	}

	if c.Store.Path == "" {
		return fmt.Errorf("store path cannot be empty")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("invalid log level: %s (must be debug, info, warn, or error)", c.Logging.Level)
	}

	validFormats := map[string]bool{"json": true, "console": true}
	if !validFormats[c.Logging.Format] {
		return fmt.Errorf("invalid log format: %s (must be json or console)", c.Logging.Format)
	}

	validOutputs := map[string]bool{"file": true, "console": true, "both": true}
	if !validOutputs[c.Logging.Output] {
		return fmt.Errorf("invalid log output: %s (must be file, console, or both)", c.Logging.Output)
	}

	if c.Logging.MaxSizeMB < 1 {
		return fmt.Errorf("log max size must be at least 1 MB")
	}

	if c.Logging.MaxBackups < 0 {
		return fmt.Errorf("log max backups cannot be negative")
	}

	if c.Logging.MaxAgeDays < 0 {
		return fmt.Errorf("log max age cannot be negative")
	}

	return nil
}

// Save saves the configuration to file
func (c *Config) Save(path string) error {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("json")

	v.Set("player", c.Player)
	v.Set("cache", c.Cache)
	v.Set("remote", c.Remote)
	v.Set("network", c.Network)
	v.Set("store", c.Store)
	v.Set("logging", c.Logging)

	return v.WriteConfigAs(path)
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	v.SetDefault("player.volume", 1.0)
	v.SetDefault("player.fade_enabled", false)
	v.SetDefault("player.fade_duration_ms", 3000)
	v.SetDefault("player.loudness_normalization", true)
	v.SetDefault("player.kids_mode", false)
	v.SetDefault("player.shuffle_mode", false)
	v.SetDefault("player.repeat_mode", false)
	v.SetDefault("player.max_play_attempts", 5)
	v.SetDefault("player.initial_retry_backoff_ms", 1000)
	v.SetDefault("player.poll_interval_ms", 100)

	v.SetDefault("cache.max_size_mb", 1024)
	v.SetDefault("cache.memory_entries", 16)
	v.SetDefault("cache.cover_max_size", 800)
	v.SetDefault("cache.background_jobs", 3)
	v.SetDefault("cache.trim_on_start", true)

	v.SetDefault("remote.base_url", "https://api.hachimi.world")
	v.SetDefault("remote.user_agent", "hachimi-core/1.0")
	v.SetDefault("remote.access_token", "")
	v.SetDefault("remote.requests_per_second", 10.0)
	v.SetDefault("remote.burst", 10)

	v.SetDefault("network.timeout", 60)
	v.SetDefault("network.max_retries", 2)
	v.SetDefault("network.probe_size", false)

	v.SetDefault("store.path", filepath.Join(GetDataDir(), "data", "hachimi.db"))

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.output", "file")
	v.SetDefault("logging.file_path", filepath.Join(GetDataDir(), "logs", "core.log"))
	v.SetDefault("logging.max_size_mb", 100)
	v.SetDefault("logging.max_backups", 3)
	v.SetDefault("logging.max_age_days", 30)
	v.SetDefault("logging.compress", true)
}

// getDefaultConfigPath returns the default configuration file path
func getDefaultConfigPath() string {
	return filepath.Join(userConfigRoot(), appDirName, "settings.json")
}

func userConfigRoot() string {
	appData := os.Getenv("APPDATA")
	if appData == "" {
		appData = os.Getenv("HOME")
	}
	return appData
}

// ensureConfigDir ensures the configuration directory exists
func ensureConfigDir(configPath string) error {
	dir := filepath.Dir(configPath)
	return os.MkdirAll(dir, 0755)
}

// Reload reloads the configuration from file
func (c *Config) Reload(configPath string) error {
	newConfig, err := Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to reload config: %w", err)
	}

	*c = *newConfig
	return nil
}

// GetDataDir returns the application data directory
func GetDataDir() string {
	if IsPortableMode() {
		exePath, err := os.Executable()
		if err != nil {
			return "."
		}
		return filepath.Dir(exePath)
	}

	return filepath.Join(userConfigRoot(), appDirName)
}

// IsPortableMode checks if the application is running in portable mode
func IsPortableMode() bool {
	exePath, err := os.Executable()
	if err != nil {
		return false
	}
	portableMarker := filepath.Join(filepath.Dir(exePath), ".portable")
	_, err = os.Stat(portableMarker)
	return err == nil
}

// GetConfigPath returns the configuration file path based on mode
func GetConfigPath() string {
	if IsPortableMode() {
		exePath, _ := os.Executable()
		return filepath.Join(filepath.Dir(exePath), "settings.json")
	}
	return getDefaultConfigPath()
}
