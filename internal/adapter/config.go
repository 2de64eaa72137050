package adapter

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all application configuration
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Cache     CacheConfig     `mapstructure:"cache"`
	Reader    ReaderConfig    `mapstructure:"reader"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
	Progressd ProgressdConfig `mapstructure:"progressd"`
}

// ServerConfig holds the library API connection
type ServerConfig struct {
	URL   string `mapstructure:"url"`   // Library API base URL
	Token string `mapstructure:"token"` // Bearer token
}

// CacheConfig holds the offline store configuration
type CacheConfig struct {
	Dir           string        `mapstructure:"dir"`      // Empty keeps everything in memory
	QuotaMB       int64         `mapstructure:"quota_mb"` // 0 means unlimited
	Compress      bool          `mapstructure:"compress"`
	ImageTTL      time.Duration `mapstructure:"image_ttl"`
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
}

// ReaderConfig holds reading session tuning
type ReaderConfig struct {
	Debounce     time.Duration `mapstructure:"debounce"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	ChunkSize    int           `mapstructure:"chunk_size"`
	WrapWidth    int           `mapstructure:"wrap_width"` // 0 follows the terminal
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	File  string `mapstructure:"file"` // "-" logs to stderr
	Level string `mapstructure:"level"`
}

// MetricsConfig holds the prometheus endpoint
type MetricsConfig struct {
	Addr string `mapstructure:"addr"` // Empty disables the endpoint
}

// ProgressdConfig holds the reference progress server configuration
type ProgressdConfig struct {
	Addr         string   `mapstructure:"addr"`
	Token        string   `mapstructure:"token"` // Required bearer token; empty accepts any
	AllowOrigins []string `mapstructure:"allow_origins"`
	DataDir      string   `mapstructure:"data_dir"`    // Empty keeps positions in memory
	LibraryDir   string   `mapstructure:"library_dir"` // Empty serves progress only
	URLSecret    string   `mapstructure:"url_secret"`  // Signs file URLs; empty picks a random one

	// Proxies whose X-Forwarded-Proto is honored when signing URLs
	TrustedProxies []string `mapstructure:"trusted_proxies"`
}

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	return &Config{
		Cache: CacheConfig{
			Dir:           defaultCachePath(),
			QuotaMB:       512,
			Compress:      true,
			ImageTTL:      30 * 24 * time.Hour,
			SweepInterval: 24 * time.Hour,
		},
		Reader: ReaderConfig{
			Debounce:     2 * time.Second,
			WriteTimeout: 5 * time.Second,
			ChunkSize:    1024,
		},
		Logging: LoggingConfig{
			File:  defaultLogPath(),
			Level: "INFO",
		},
		Progressd: ProgressdConfig{
			Addr:         ":8087",
			AllowOrigins: []string{},
			DataDir:      defaultDataPath(),
		},
	}
}

// defaultLogPath returns the default log file path for the current OS
func defaultLogPath() string {
	switch runtime.GOOS {
	case "windows":
		return filepath.Join(os.Getenv("APPDATA"), "shelvd", "shelvd.log")
	default:
		home, _ := os.UserHomeDir()
		return filepath.Join(home, ".local", "share", "shelvd", "shelvd.log")
	}
}

// defaultConfigPath returns the default config directory for the current OS
func defaultConfigPath() string {
	switch runtime.GOOS {
	case "windows":
		return filepath.Join(os.Getenv("APPDATA"), "shelvd")
	default:
		home, _ := os.UserHomeDir()
		return filepath.Join(home, ".config", "shelvd")
	}
}

// defaultCachePath returns the default cache directory for the current OS
func defaultCachePath() string {
	switch runtime.GOOS {
	case "windows":
		return filepath.Join(os.Getenv("LOCALAPPDATA"), "shelvd", "cache")
	default:
		home, _ := os.UserHomeDir()
		return filepath.Join(home, ".local", "share", "shelvd", "cache")
	}
}

// defaultDataPath returns the default progress server directory
func defaultDataPath() string {
	switch runtime.GOOS {
	case "windows":
		return filepath.Join(os.Getenv("LOCALAPPDATA"), "shelvd", "progressd")
	default:
		home, _ := os.UserHomeDir()
		return filepath.Join(home, ".local", "share", "shelvd", "progressd")
	}
}

// newViper returns a viper instance seeded with every default, so that
// SHELVD_* environment variables override nested keys too
func newViper() *viper.Viper {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix("SHELVD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setAll(v, DefaultConfig())
	return v
}

// setAll registers every key; durations are stored as strings ("2s")
func setAll(v *viper.Viper, cfg *Config) {
	set := v.SetDefault
	set("server.url", cfg.Server.URL)
	set("server.token", cfg.Server.Token)

	set("cache.dir", cfg.Cache.Dir)
	set("cache.quota_mb", cfg.Cache.QuotaMB)
	set("cache.compress", cfg.Cache.Compress)
	set("cache.image_ttl", cfg.Cache.ImageTTL.String())
	set("cache.sweep_interval", cfg.Cache.SweepInterval.String())

	set("reader.debounce", cfg.Reader.Debounce.String())
	set("reader.write_timeout", cfg.Reader.WriteTimeout.String())
	set("reader.chunk_size", cfg.Reader.ChunkSize)
	set("reader.wrap_width", cfg.Reader.WrapWidth)

	set("logging.file", cfg.Logging.File)
	set("logging.level", cfg.Logging.Level)

	set("metrics.addr", cfg.Metrics.Addr)

	set("progressd.addr", cfg.Progressd.Addr)
	set("progressd.token", cfg.Progressd.Token)
	set("progressd.allow_origins", cfg.Progressd.AllowOrigins)
	set("progressd.data_dir", cfg.Progressd.DataDir)
	set("progressd.library_dir", cfg.Progressd.LibraryDir)
	set("progressd.url_secret", cfg.Progressd.URLSecret)
	set("progressd.trusted_proxies", cfg.Progressd.TrustedProxies)
}

// LoadConfig loads configuration from the default locations and environment
func LoadConfig() (*Config, error) {
	v := newViper()
	v.SetConfigName("config")
	v.AddConfigPath(defaultConfigPath())
	v.AddConfigPath(".")

	// Config file not found is OK, use defaults
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}
	return decode(v)
}

// LoadConfigFile loads configuration from an explicit file
func LoadConfigFile(path string) (*Config, error) {
	v := newViper()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}
	return decode(v)
}

func decode(v *viper.Viper) (*Config, error) {
	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("error parsing config: %w", err)
	}
	return cfg, nil
}

// SaveConfig writes cfg to config.yaml in dir, or the default config
// directory when dir is empty
func SaveConfig(cfg *Config, dir string) error {
	if dir == "" {
		dir = defaultConfigPath()
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	v := viper.New()
	setAll(v, cfg)

	configFile := filepath.Join(dir, "config.yaml")
	if err := v.WriteConfigAs(configFile); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// IsConfigured returns true if the library URL and token are set
func (c *Config) IsConfigured() bool {
	return c.Server.URL != "" && c.Server.Token != ""
}

// QuotaBytes returns the cache quota in bytes, 0 for unlimited
func (c *CacheConfig) QuotaBytes() int64 {
	return max(c.QuotaMB, 0) << 20
}
