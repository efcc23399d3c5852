package am

import "github.com/teranos/fleet/errors"

// Validate checks that the configuration is valid.
// Zero means zero: a zero duration disables the feature, negative values are rejected.
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "", DriverSQLite:
	case DriverPostgres:
		if c.Database.DSN == "" {
			return errors.New("database.dsn is required when database.driver is pgx (or set FLEET_DATABASE_DSN)")
		}
	default:
		return errors.Newf("database.driver must be %q or %q, got %q", DriverSQLite, DriverPostgres, c.Database.Driver)
	}

	if c.Pulse.Workers < 0 {
		return errors.Newf("pulse.workers must be >= 0, got %d", c.Pulse.Workers)
	}
	if c.Pulse.Workers > 0 && c.Pulse.PollInterval <= 0 {
		return errors.Newf("pulse.poll_interval must be > 0 when workers run, got %s", c.Pulse.PollInterval)
	}
	if c.Pulse.ClaimLease < 0 {
		return errors.Newf("pulse.claim_lease must be >= 0, got %s", c.Pulse.ClaimLease)
	}

	if c.Controller.MaxConcurrent < 1 {
		return errors.Newf("controller.max_concurrent must be >= 1, got %d", c.Controller.MaxConcurrent)
	}
	if c.Controller.Delay < 0 || c.Controller.Jitter < 0 || c.Controller.StartStagger < 0 || c.Controller.RoundPause < 0 {
		return errors.New("controller delays must be >= 0")
	}
	if c.Controller.CallTimeout <= 0 {
		return errors.Newf("controller.call_timeout must be > 0, got %s", c.Controller.CallTimeout)
	}
	if c.Controller.CallsPerMinute < 0 {
		return errors.Newf("controller.calls_per_minute must be >= 0, got %f", c.Controller.CallsPerMinute)
	}
	if c.Controller.MaxRounds < 1 {
		return errors.Newf("controller.max_rounds must be >= 1, got %d", c.Controller.MaxRounds)
	}

	if c.Retry.MaxAttempts < 1 {
		return errors.Newf("retry.max_attempts must be >= 1, got %d", c.Retry.MaxAttempts)
	}
	if c.Retry.InitialBackoff < 0 || c.Retry.MaxBackoff < c.Retry.InitialBackoff {
		return errors.Newf("retry backoff must satisfy 0 <= initial_backoff <= max_backoff, got %s / %s",
			c.Retry.InitialBackoff, c.Retry.MaxBackoff)
	}
	if c.Retry.Jitter < 0 || c.Retry.MaxRetryWait < 0 {
		return errors.New("retry.jitter and retry.max_retry_wait must be >= 0")
	}

	if c.Carousel.PageSize < 1 {
		return errors.Newf("carousel.page_size must be >= 1, got %d", c.Carousel.PageSize)
	}
	if c.Carousel.MinInterval <= 0 {
		return errors.Newf("carousel.min_interval must be > 0, got %s", c.Carousel.MinInterval)
	}
	if c.Carousel.DefaultInterval < c.Carousel.MinInterval {
		return errors.Newf("carousel.default_interval (%s) must be >= carousel.min_interval (%s)",
			c.Carousel.DefaultInterval, c.Carousel.MinInterval)
	}

	return nil
}
