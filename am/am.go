package am

import "time"

// Config represents the fleet configuration
type Config struct {
	Database   DatabaseConfig   `mapstructure:"database" toml:"database"`
	Pulse      PulseConfig      `mapstructure:"pulse" toml:"pulse"`
	Controller ControllerConfig `mapstructure:"controller" toml:"controller"`
	Retry      RetryConfig      `mapstructure:"retry" toml:"retry"`
	Carousel   CarouselConfig   `mapstructure:"carousel" toml:"carousel"`
	Server     ServerConfig     `mapstructure:"server" toml:"server"`
}

// Supported database drivers
const (
	DriverSQLite   = "sqlite3"
	DriverPostgres = "pgx"
)

// DatabaseConfig selects the job store backend
type DatabaseConfig struct {
	Driver string `mapstructure:"driver" toml:"driver"` // sqlite3 (default) or pgx
	Path   string `mapstructure:"path" toml:"path"`     // SQLite file path
	DSN    string `mapstructure:"dsn" toml:"dsn"`       // Postgres connection string (prefer FLEET_DATABASE_DSN)
}

// PulseConfig configures the scheduler pollers
type PulseConfig struct {
	Workers      int           `mapstructure:"workers" toml:"workers"`             // Number of pollers (0 = none)
	PollInterval time.Duration `mapstructure:"poll_interval" toml:"poll_interval"` // How often each poller tries to claim
	ClaimLease   time.Duration `mapstructure:"claim_lease" toml:"claim_lease"`     // 0 disables the lease reaper
	Kinds        []string      `mapstructure:"kinds" toml:"kinds"`                 // Restrict claimed kinds (empty = all registered)
}

// ControllerConfig configures per-job fan-out across resources
type ControllerConfig struct {
	MaxConcurrent  int           `mapstructure:"max_concurrent" toml:"max_concurrent"`
	Delay          time.Duration `mapstructure:"delay" toml:"delay"`   // Pause between targets within a slice
	Jitter         time.Duration `mapstructure:"jitter" toml:"jitter"` // Uniform [0, jitter) added to delay
	StartStagger   time.Duration `mapstructure:"start_stagger" toml:"start_stagger"`
	CallTimeout    time.Duration `mapstructure:"call_timeout" toml:"call_timeout"`
	CallsPerMinute float64       `mapstructure:"calls_per_minute" toml:"calls_per_minute"` // 0 = no limiter
	MaxRounds      int           `mapstructure:"max_rounds" toml:"max_rounds"`
	RoundPause     time.Duration `mapstructure:"round_pause" toml:"round_pause"`
}

// RetryConfig configures the retry/backoff engine
type RetryConfig struct {
	MaxAttempts    int           `mapstructure:"max_attempts" toml:"max_attempts"`
	Jitter         time.Duration `mapstructure:"jitter" toml:"jitter"`
	InitialBackoff time.Duration `mapstructure:"initial_backoff" toml:"initial_backoff"`
	MaxBackoff     time.Duration `mapstructure:"max_backoff" toml:"max_backoff"`
	MaxRetryWait   time.Duration `mapstructure:"max_retry_wait" toml:"max_retry_wait"` // Longer rate-limit waits fail the target
}

// CarouselConfig configures recurring watch jobs
type CarouselConfig struct {
	MinInterval     time.Duration `mapstructure:"min_interval" toml:"min_interval"`
	PageSize        int           `mapstructure:"page_size" toml:"page_size"`
	DefaultInterval time.Duration `mapstructure:"default_interval" toml:"default_interval"`
}

// ServerConfig configures the admin HTTP surface
type ServerConfig struct {
	Addr           string   `mapstructure:"addr" toml:"addr"`
	AllowedOrigins []string `mapstructure:"allowed_origins" toml:"allowed_origins"`
}

// DefaultServerAddr is the loopback admin address
const DefaultServerAddr = "127.0.0.1:8787"
