package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// Load reads the tonearm configuration using Viper.
// Search order: ./tonearm.toml, $HOME/.config/tonearm/tonearm.toml.
// Environment variables prefixed TONEARM_ override file values
// (TONEARM_QUEUE_WORKERS=5 overrides queue.workers).
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigName("tonearm")
	v.SetConfigType("toml")
	v.AddConfigPath(".")
	v.AddConfigPath("$HOME/.config/tonearm")

	v.SetEnvPrefix("TONEARM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	SetDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		// Missing config file is fine - defaults apply
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	return LoadWithViper(v)
}

// LoadWithViper loads configuration using a provided Viper instance
func LoadWithViper(v *viper.Viper) (*Config, error) {
	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

// LoadFromFile loads configuration from a specific file path
func LoadFromFile(configPath string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(configPath)
	v.SetConfigType("toml")

	SetDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
	}

	return LoadWithViper(v)
}
