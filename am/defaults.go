package am

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/spf13/viper"
)

var defaultAllowedOrigins = []string{
	"http://localhost",
	"https://localhost",
	"http://127.0.0.1",
	"https://127.0.0.1",
}

// SetDefaults configures default values for all configuration options
func SetDefaults(v *viper.Viper) {
	v.SetDefault("database.path", "reel.db")

	v.SetDefault("server.port", DefaultServerPort)
	v.SetDefault("server.allowed_origins", defaultAllowedOrigins)

	v.SetDefault("pulse.workers", 2)
	v.SetDefault("pulse.queue_size", 64)
	v.SetDefault("pulse.ticker_interval_seconds", 30)
	v.SetDefault("pulse.recover_interrupted", RecoverMarkError)

	v.SetDefault("fetch.binary", "yt-dlp")
	v.SetDefault("fetch.download_dir", "downloads")
	v.SetDefault("fetch.default_template", "%(title)s.%(ext)s")
	v.SetDefault("fetch.cookies_file", "cookies.txt")
	v.SetDefault("fetch.extra_args", "")
	v.SetDefault("fetch.timeout_seconds", 3600)
	v.SetDefault("fetch.max_invocations_per_minute", 0)
	v.SetDefault("fetch.min_free_disk_mb", 512)
}

// BindSensitiveEnvVars explicitly binds path-like configuration to environment variables
func BindSensitiveEnvVars(v *viper.Viper) {
	v.BindEnv("database.path", "REEL_DATABASE_PATH")
	v.BindEnv("fetch.cookies_file", "REEL_FETCH_COOKIES_FILE")
	v.BindEnv("fetch.binary", "REEL_FETCH_BINARY")
}

// GetServerAllowedOrigins returns the allowed websocket origins
func (c *Config) GetServerAllowedOrigins() []string {
	if len(c.Server.AllowedOrigins) == 0 {
		return defaultAllowedOrigins
	}
	return c.Server.AllowedOrigins
}

// GetDatabasePath returns the configured database path
func (c *Config) GetDatabasePath() string {
	if c.Database.Path == "" {
		return "reel.db"
	}
	return c.Database.Path
}

// DefaultOutputTemplate is the template used when a request omits one.
func (c *Config) DefaultOutputTemplate() string {
	return filepath.Join(c.Fetch.DownloadDir, c.Fetch.DefaultTemplate)
}

// TickerInterval returns the poll interval as a duration.
func (c *Config) TickerInterval() time.Duration {
	return time.Duration(c.Pulse.TickerIntervalSeconds) * time.Second
}

// FetchTimeout returns the per-invocation timeout, zero meaning none.
func (c *Config) FetchTimeout() time.Duration {
	return time.Duration(c.Fetch.TimeoutSeconds) * time.Second
}

// String returns a string representation of the config
func (c *Config) String() string {
	return fmt.Sprintf("Config{Database: %s, Server: {Port: %d}, Pulse: {Workers: %d, Interval: %ds}, Fetch: {Binary: %s}}",
		c.Database.Path, c.Server.Port, c.Pulse.Workers, c.Pulse.TickerIntervalSeconds, c.Fetch.Binary)
}

func newDefaultsViper() *viper.Viper {
	v := viper.New()
	SetDefaults(v)
	return v
}

// Defaults returns a Config holding only the built-in defaults, ignoring
// files and environment.
func Defaults() *Config {
	cfg, err := LoadWithViper(newDefaultsViper())
	if err != nil {
		// Defaults always unmarshal; a failure here is a programming error
		panic(err)
	}
	return cfg
}
