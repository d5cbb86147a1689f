// Package am loads and validates reel's configuration ("I am").
//
// Values come from built-in defaults, TOML files (system, user, project) and
// REEL_* environment variables, in increasing precedence.
package am

// Config represents the reel configuration
type Config struct {
	Database DatabaseConfig `mapstructure:"database" toml:"database"`
	Server   ServerConfig   `mapstructure:"server" toml:"server"`
	Pulse    PulseConfig    `mapstructure:"pulse" toml:"pulse"`
	Fetch    FetchConfig    `mapstructure:"fetch" toml:"fetch"`
}

// DatabaseConfig configures the SQLite job store
type DatabaseConfig struct {
	Path string `mapstructure:"path" toml:"path"`
}

// ServerConfig configures the HTTP server
type ServerConfig struct {
	Port           int      `mapstructure:"port" toml:"port"`
	AllowedOrigins []string `mapstructure:"allowed_origins" toml:"allowed_origins"` // websocket origin check
}

// Server port constants
const (
	DefaultServerPort = 8787
)

// Recovery policies for jobs left in_progress by a previous process
const (
	RecoverMarkError = "error"   // interrupted jobs become error
	RecoverRequeue   = "requeue" // interrupted jobs are scheduled again
	RecoverOff       = "off"     // leave them alone
)

// PulseConfig configures job scheduling and execution
type PulseConfig struct {
	// Worker concurrency: bounded number of concurrent tool invocations
	Workers int `mapstructure:"workers" toml:"workers"`

	// Pending dispatch queue; submissions beyond it are rejected and retried on the next tick
	QueueSize int `mapstructure:"queue_size" toml:"queue_size"`

	// How often to check for due jobs
	TickerIntervalSeconds int `mapstructure:"ticker_interval_seconds" toml:"ticker_interval_seconds"`

	// Startup sweep policy for interrupted jobs: error, requeue or off
	RecoverInterrupted string `mapstructure:"recover_interrupted" toml:"recover_interrupted"`
}

// FetchConfig configures the external retrieval tool
type FetchConfig struct {
	Binary                  string `mapstructure:"binary" toml:"binary"`
	DownloadDir             string `mapstructure:"download_dir" toml:"download_dir"`
	DefaultTemplate         string `mapstructure:"default_template" toml:"default_template"`
	CookiesFile             string `mapstructure:"cookies_file" toml:"cookies_file"`
	ExtraArgs               string `mapstructure:"extra_args" toml:"extra_args"` // shell-quoted
	TimeoutSeconds          int    `mapstructure:"timeout_seconds" toml:"timeout_seconds"`
	MaxInvocationsPerMinute int    `mapstructure:"max_invocations_per_minute" toml:"max_invocations_per_minute"` // 0 = unlimited
	MinFreeDiskMB           int    `mapstructure:"min_free_disk_mb" toml:"min_free_disk_mb"`
}

// File system constants
const (
	DefaultDirPermissions  = 0755 // Standard directory permissions (rwxr-xr-x)
	DefaultFilePermissions = 0644 // Standard file permissions (rw-r--r--)
)
