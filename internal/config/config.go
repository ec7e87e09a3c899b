// Package config loads and validates application configuration.
//
// Configuration lives as config.json inside the state directory (default
// ~/.corsair) next to the other persisted documents, so the whole client
// state can be inspected and backed up as one directory. Values can be
// overridden through CORSAIR_* environment variables.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/viper"
)

// Config holds all application configuration.
type Config struct {
	DownloadDir       string             `mapstructure:"download_dir"`
	DirectDownloadDir string             `mapstructure:"direct_download_dir"`
	SearchAPI         SearchAPIConfig    `mapstructure:"search_api"`
	Transmission      TransmissionConfig `mapstructure:"transmission"`

	MaxActiveDownloads  int  `mapstructure:"max_active_downloads"`
	AutoRemoveCompleted bool `mapstructure:"auto_remove_completed"`

	// Interval fields are expressed in seconds in the config document.
	HealthCheckInterval   int `mapstructure:"health_check_interval"`
	ScheduleCheckInterval int `mapstructure:"schedule_check_interval"`
	PollInterval          int `mapstructure:"poll_interval"`

	Logging LoggingConfig `mapstructure:"logging"`
}

// SearchAPIConfig holds the metadata/search service endpoint.
type SearchAPIConfig struct {
	URL     string `mapstructure:"url"`
	Timeout int    `mapstructure:"timeout"` // seconds
}

// TransmissionConfig holds transport daemon connection settings.
type TransmissionConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	UseSSL   bool   `mapstructure:"use_ssl"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	Path   string `mapstructure:"path"`
}

// StateDir returns the directory holding all persisted documents.
func StateDir() string {
	if dir := os.Getenv("CORSAIR_STATE_DIR"); dir != "" {
		return dir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".corsair"
	}
	return filepath.Join(home, ".corsair")
}

// Default returns a Config with default values.
func Default() *Config {
	home, _ := os.UserHomeDir()
	return &Config{
		DownloadDir:       filepath.Join(home, "Downloads", "Torrents"),
		DirectDownloadDir: filepath.Join(home, "Downloads", "Files"),
		SearchAPI: SearchAPIConfig{
			URL:     "http://127.0.0.1:9117",
			Timeout: 30,
		},
		Transmission: TransmissionConfig{
			Host: "127.0.0.1",
			Port: 9091,
		},
		MaxActiveDownloads:    5,
		AutoRemoveCompleted:   false,
		HealthCheckInterval:   60,
		ScheduleCheckInterval: 15,
		PollInterval:          2,
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
			Path:   filepath.Join(StateDir(), "logs"),
		},
	}
}

// Load reads configuration from the state directory and environment.
// Priority: environment variables > config file > defaults.
// A missing config file is not an error; invalid numeric fields are
// replaced by their defaults during validation.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("json")
		v.AddConfigPath(StateDir())
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix("CORSAIR")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// Config file not found, using defaults + env vars.
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return cfg, nil
}

// Validate replaces out-of-range cap/interval values with defaults rather
// than failing startup. Replacements are logged at warn level.
func (c *Config) Validate(log zerolog.Logger) {
	def := Default()

	if c.MaxActiveDownloads <= 0 {
		log.Warn().Int("value", c.MaxActiveDownloads).Int("default", def.MaxActiveDownloads).
			Msg("invalid max_active_downloads, using default")
		c.MaxActiveDownloads = def.MaxActiveDownloads
	}
	if c.HealthCheckInterval <= 0 {
		log.Warn().Int("value", c.HealthCheckInterval).Int("default", def.HealthCheckInterval).
			Msg("invalid health_check_interval, using default")
		c.HealthCheckInterval = def.HealthCheckInterval
	}
	if c.ScheduleCheckInterval <= 0 {
		log.Warn().Int("value", c.ScheduleCheckInterval).Int("default", def.ScheduleCheckInterval).
			Msg("invalid schedule_check_interval, using default")
		c.ScheduleCheckInterval = def.ScheduleCheckInterval
	}
	if c.PollInterval <= 0 {
		log.Warn().Int("value", c.PollInterval).Int("default", def.PollInterval).
			Msg("invalid poll_interval, using default")
		c.PollInterval = def.PollInterval
	}
	if c.SearchAPI.Timeout <= 0 {
		c.SearchAPI.Timeout = def.SearchAPI.Timeout
	}
	if c.DownloadDir == "" {
		c.DownloadDir = def.DownloadDir
	}
	if c.DirectDownloadDir == "" {
		c.DirectDownloadDir = def.DirectDownloadDir
	}
}

// HealthCheckEvery returns the health probe cadence as a duration.
func (c *Config) HealthCheckEvery() time.Duration {
	return time.Duration(c.HealthCheckInterval) * time.Second
}

// ScheduleCheckEvery returns the scheduler tick cadence as a duration.
func (c *Config) ScheduleCheckEvery() time.Duration {
	return time.Duration(c.ScheduleCheckInterval) * time.Second
}

// PollEvery returns the transport poll cadence as a duration.
func (c *Config) PollEvery() time.Duration {
	return time.Duration(c.PollInterval) * time.Second
}

func setDefaults(v *viper.Viper) {
	def := Default()

	v.SetDefault("download_dir", def.DownloadDir)
	v.SetDefault("direct_download_dir", def.DirectDownloadDir)

	v.SetDefault("search_api.url", def.SearchAPI.URL)
	v.SetDefault("search_api.timeout", def.SearchAPI.Timeout)

	v.SetDefault("transmission.host", def.Transmission.Host)
	v.SetDefault("transmission.port", def.Transmission.Port)
	v.SetDefault("transmission.username", "")
	v.SetDefault("transmission.password", "")
	v.SetDefault("transmission.use_ssl", false)

	v.SetDefault("max_active_downloads", def.MaxActiveDownloads)
	v.SetDefault("auto_remove_completed", def.AutoRemoveCompleted)
	v.SetDefault("health_check_interval", def.HealthCheckInterval)
	v.SetDefault("schedule_check_interval", def.ScheduleCheckInterval)
	v.SetDefault("poll_interval", def.PollInterval)

	v.SetDefault("logging.level", def.Logging.Level)
	v.SetDefault("logging.format", def.Logging.Format)
	v.SetDefault("logging.path", def.Logging.Path)
}
