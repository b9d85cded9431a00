package catalog

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// Load reads the catalog file and keeps watching it for cost changes.
// No action timeout may exceed ceiling, at load or on reload.
// An explicit path must exist; otherwise catalog.yml is searched in the usual
// locations and the built-in defaults are used when none is found.
func Load(path string, defaultTimeout, ceiling time.Duration) (*Catalog, error) {
	v := viper.New()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("catalog")
		v.SetConfigType("yml")
		v.AddConfigPath("/var/lib/tokenmeter/config")
		v.AddConfigPath("/etc/tokenmeter")
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix("TOKENMETER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("catalog: read config: %w", err)
		}
		slog.Info("catalog: no catalog file found, using defaults")
		return NewBounded(DefaultEntries(), defaultTimeout, ceiling)
	}

	entries, err := decode(v)
	if err != nil {
		return nil, err
	}
	c, err := NewBounded(entries, defaultTimeout, ceiling)
	if err != nil {
		return nil, err
	}

	v.OnConfigChange(func(e fsnotify.Event) {
		updated, err := decode(v)
		if err != nil {
			slog.Error("catalog: reload failed", "file", e.Name, "error", err)
			return
		}
		if err := c.Replace(updated); err != nil {
			slog.Error("catalog: invalid catalog ignored", "file", e.Name, "error", err)
			return
		}
		slog.Info("catalog: reloaded", "file", e.Name, "actions", len(updated))
	})
	v.WatchConfig()

	slog.Info("catalog: loaded", "file", v.ConfigFileUsed(), "actions", len(entries))
	return c, nil
}

func decode(v *viper.Viper) ([]Entry, error) {
	var entries []Entry
	if err := v.UnmarshalKey("catalog.actions", &entries); err != nil {
		return nil, fmt.Errorf("catalog: decode: %w", err)
	}
	return entries, nil
}
