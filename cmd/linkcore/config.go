package main

import (
	"fmt"

	"github.com/creasty/defaults"
	"github.com/spf13/viper"
)

// config is the optional config file's shape, same defaults+viper+
// mapstructure pattern the teacher uses for its own top-level config
// (cmd/pixie/config.go), extended with the defaults a one-shot CLI flag
// would otherwise have to repeat on every invocation.
type config struct {
	DBFile             string `mapstructure:"db_file" default:"linkcore.db"`
	DefaultStackSize   uint64 `mapstructure:"default_stack_size" default:"1048576"`
	DefaultHeapSize    uint64 `mapstructure:"default_heap_size" default:"4194304"`
	DefaultProgramBase uint64 `mapstructure:"default_program_base" default:"2097152"`
}

// loadConfig applies defaults, then overlays an optional config file at
// path. An empty path is not an error — every field just keeps its default.
func loadConfig(path string) (*config, error) {
	cfg := &config{}

	if err := defaults.Set(cfg); err != nil {
		return nil, fmt.Errorf("failed to set config defaults: %w", err)
	}

	if path == "" {
		return cfg, nil
	}

	viper.SetConfigFile(path)
	if err := viper.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config from '%s': %w", path, err)
	}

	if err := viper.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return cfg, nil
}
