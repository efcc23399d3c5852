package am

import (
	"os"
	"path/filepath"

	"github.com/pelletier/go-toml/v2"
	"github.com/spf13/viper"

	"github.com/teranos/fleet/errors"
)

// Render marshals the effective settings of v as TOML.
// Secrets are masked so the output can be pasted into tickets.
func Render(v *viper.Viper) ([]byte, error) {
	settings := v.AllSettings()
	if db, ok := settings["database"].(map[string]interface{}); ok {
		if dsn, _ := db["dsn"].(string); dsn != "" {
			db["dsn"] = "********"
		}
	}
	out, err := toml.Marshal(settings)
	if err != nil {
		return nil, errors.Wrap(err, "failed to render config")
	}
	return out, nil
}

// WriteDefault writes a starter config file with every default spelled out.
// An existing file is never overwritten.
func WriteDefault(path string) error {
	if _, err := os.Stat(path); err == nil {
		return errors.WithHint(
			errors.Newf("config file %s already exists", path),
			"edit it directly or remove it first")
	}

	v := viper.New()
	SetDefaults(v)
	out, err := toml.Marshal(v.AllSettings())
	if err != nil {
		return errors.Wrap(err, "failed to render default config")
	}

	if err := os.MkdirAll(filepath.Dir(path), DefaultDirPermissions); err != nil {
		return errors.Wrapf(err, "failed to create config directory for %s", path)
	}
	if err := os.WriteFile(path, out, DefaultFilePermissions); err != nil {
		return errors.Wrapf(err, "failed to write config file %s", path)
	}
	return nil
}
