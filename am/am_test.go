package am

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/pelletier/go-toml/v2"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestLoad_Defaults(t *testing.T) {
	// Isolated viper instance without user/system config
	v := viper.New()
	SetDefaults(v)

	cfg, err := LoadWithViper(v)
	require.NoError(t, err)

	assert.Equal(t, DriverSQLite, cfg.Database.Driver)
	assert.Equal(t, "fleet.db", cfg.Database.Path)
	assert.Equal(t, 2, cfg.Pulse.Workers)
	assert.Equal(t, time.Second, cfg.Pulse.PollInterval)
	assert.Zero(t, cfg.Pulse.ClaimLease, "lease reaper is off by default")
	assert.Equal(t, 60*time.Second, cfg.Controller.CallTimeout)
	assert.Equal(t, 3, cfg.Retry.MaxAttempts)
	assert.Equal(t, 10*time.Minute, cfg.Retry.MaxRetryWait)
	assert.Equal(t, 60*time.Second, cfg.Carousel.MinInterval)
	assert.Equal(t, 5*time.Minute, cfg.Carousel.DefaultInterval)
	assert.Equal(t, DefaultServerAddr, cfg.Server.Addr)
}

func validConfig(t *testing.T) Config {
	t.Helper()
	v := viper.New()
	SetDefaults(v)
	cfg, err := LoadWithViper(v)
	require.NoError(t, err)
	return *cfg
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr bool
	}{
		{name: "defaults are valid", mutate: func(c *Config) {}},
		{name: "zero workers is valid (disabled)", mutate: func(c *Config) { c.Pulse.Workers = 0; c.Pulse.PollInterval = 0 }},
		{name: "negative workers is invalid", mutate: func(c *Config) { c.Pulse.Workers = -1 }, wantErr: true},
		{name: "negative lease is invalid", mutate: func(c *Config) { c.Pulse.ClaimLease = -time.Second }, wantErr: true},
		{name: "unknown driver", mutate: func(c *Config) { c.Database.Driver = "mysql" }, wantErr: true},
		{name: "pgx needs a dsn", mutate: func(c *Config) { c.Database.Driver = DriverPostgres }, wantErr: true},
		{name: "pgx with dsn", mutate: func(c *Config) {
			c.Database.Driver = DriverPostgres
			c.Database.DSN = "postgres://fleet@localhost/fleet"
		}},
		{name: "zero concurrency", mutate: func(c *Config) { c.Controller.MaxConcurrent = 0 }, wantErr: true},
		{name: "zero call timeout", mutate: func(c *Config) { c.Controller.CallTimeout = 0 }, wantErr: true},
		{name: "backoff inverted", mutate: func(c *Config) { c.Retry.MaxBackoff = time.Millisecond }, wantErr: true},
		{name: "interval below minimum", mutate: func(c *Config) { c.Carousel.DefaultInterval = time.Second }, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig(t)
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "am.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
[pulse]
workers = 5
poll_interval = "250ms"

[controller]
delay = "3s"
calls_per_minute = 12.5
`), 0o644))

	cfg, err := LoadFromFile(path)
	require.NoError(t, err)
	assert.Equal(t, 5, cfg.Pulse.Workers)
	assert.Equal(t, 250*time.Millisecond, cfg.Pulse.PollInterval)
	assert.Equal(t, 3*time.Second, cfg.Controller.Delay)
	assert.Equal(t, 12.5, cfg.Controller.CallsPerMinute)
	// untouched keys keep defaults
	assert.Equal(t, 3, cfg.Retry.MaxAttempts)
}

func TestLoadFromFile_EnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "am.toml")
	require.NoError(t, os.WriteFile(path, []byte("[database]\ndriver = \"pgx\"\ndsn = \"postgres://file\"\n"), 0o644))
	t.Setenv("FLEET_DATABASE_DSN", "postgres://env")

	cfg, err := LoadFromFile(path)
	require.NoError(t, err)
	assert.Equal(t, "postgres://env", cfg.Database.DSN)
}

func TestLoadFromFile_Invalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "am.toml")
	require.NoError(t, os.WriteFile(path, []byte("[retry]\nmax_attempts = 0\n"), 0o644))

	_, err := LoadFromFile(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "retry.max_attempts")
}

func TestWriteDefaultAndRender(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "am.toml")
	require.NoError(t, WriteDefault(path))
	require.Error(t, WriteDefault(path), "existing file must not be overwritten")

	cfg, err := LoadFromFile(path)
	require.NoError(t, err)
	assert.Equal(t, 60*time.Second, cfg.Carousel.MinInterval)

	v := viper.New()
	SetDefaults(v)
	v.Set("database.dsn", "postgres://secret")
	out, err := Render(v)
	require.NoError(t, err)
	assert.NotContains(t, string(out), "secret")

	var decoded map[string]interface{}
	require.NoError(t, toml.Unmarshal(out, &decoded))
	assert.Contains(t, decoded, "controller")
}

func TestWatch_ReloadsOnWrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "am.toml")
	require.NoError(t, os.WriteFile(path, []byte("[controller]\ndelay = \"1s\"\n"), 0o644))

	w, err := Watch(path, zaptest.NewLogger(t).Sugar())
	require.NoError(t, err)
	w.debouncePeriod = 10 * time.Millisecond

	reloaded := make(chan *Config, 4)
	w.OnReload(func(c *Config) error {
		reloaded <- c
		return nil
	})
	w.Start()
	defer w.Stop()

	require.NoError(t, os.WriteFile(path, []byte("[controller]\ndelay = \"7s\"\n"), 0o644))

	select {
	case c := <-reloaded:
		assert.Equal(t, 7*time.Second, c.Controller.Delay)
	case <-time.After(5 * time.Second):
		t.Fatal("config reload not delivered")
	}
}
