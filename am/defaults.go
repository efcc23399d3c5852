package am

import (
	"github.com/spf13/viper"
)

// File and directory permissions
const (
	DefaultDirPermissions  = 0750
	DefaultFilePermissions = 0640
)

// SetDefaults configures default values for all configuration options.
// Durations are strings so the rendered config stays readable.
func SetDefaults(v *viper.Viper) {
	// Database defaults
	v.SetDefault("database.driver", DriverSQLite)
	v.SetDefault("database.path", "fleet.db")
	v.SetDefault("database.dsn", "")

	// Pulse (pollers) defaults
	v.SetDefault("pulse.workers", 2)
	v.SetDefault("pulse.poll_interval", "1s")
	v.SetDefault("pulse.claim_lease", "0s") // reaper disabled
	v.SetDefault("pulse.kinds", []string{})

	// Controller defaults
	v.SetDefault("controller.max_concurrent", 4)
	v.SetDefault("controller.delay", "2s")
	v.SetDefault("controller.jitter", "1s")
	v.SetDefault("controller.start_stagger", "0s")
	v.SetDefault("controller.call_timeout", "60s")
	v.SetDefault("controller.calls_per_minute", 0.0)
	v.SetDefault("controller.max_rounds", 3)
	v.SetDefault("controller.round_pause", "5s")

	// Retry defaults
	v.SetDefault("retry.max_attempts", 3)
	v.SetDefault("retry.jitter", "2s")
	v.SetDefault("retry.initial_backoff", "1s")
	v.SetDefault("retry.max_backoff", "30s")
	v.SetDefault("retry.max_retry_wait", "10m")

	// Carousel defaults
	v.SetDefault("carousel.min_interval", "60s")
	v.SetDefault("carousel.page_size", 50)
	v.SetDefault("carousel.default_interval", "5m")

	// Server configuration defaults
	v.SetDefault("server.addr", DefaultServerAddr)
	v.SetDefault("server.allowed_origins", []string{
		"http://localhost",
		"https://localhost",
		"http://127.0.0.1",
		"https://127.0.0.1",
	})
}

// BindSensitiveEnvVars explicitly binds sensitive configuration to environment variables
func BindSensitiveEnvVars(v *viper.Viper) {
	v.BindEnv("database.dsn", "FLEET_DATABASE_DSN")
}
