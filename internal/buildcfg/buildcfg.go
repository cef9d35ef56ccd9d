// Package buildcfg loads the optional ambient configuration file: knobs
// that tune how the build behaves without changing patch semantics (log
// level, an operator-vetted whitelist of extra patchable data sections).
// Adapted from cmd/pixie/config.go's loadConfig, same
// viper/creasty-defaults/mapstructure pipeline.
package buildcfg

import (
	"fmt"

	"github.com/creasty/defaults"
	"github.com/spf13/viper"
)

// Config is the ambient, non-functional configuration for a build (spec
// 6, "[ADDED] Optional ambient config"). Absence of a config file is not
// an error; Load returns these defaults unchanged in that case.
type Config struct {
	LogLevel string `mapstructure:"log_level" default:"info"`

	// ExtraDataWhitelist names additional .data/.bss section name prefixes
	// an operator has vetted as safe to patch, beyond the two built-in
	// whitelisted sections (spec 4.G).
	ExtraDataWhitelist []string `mapstructure:"extra_data_whitelist"`
}

// Load reads path (a YAML/TOML/JSON file, per viper's format sniffing) and
// unmarshals it over the defaults. If path is empty, Load returns the
// defaults without touching the filesystem.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if err := defaults.Set(cfg); err != nil {
		return nil, fmt.Errorf("failed to set config defaults: %w", err)
	}

	if path == "" {
		return cfg, nil
	}

	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config from '%s': %w", path, err)
	}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return cfg, nil
}
