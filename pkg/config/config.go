// Package config provides a reusable loader for a peer's configuration
// files and environment variables. It is versioned so that applications can
// depend on a stable API contract.
//
// Version: v0.1.0
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"

	"fluence-peer/pkg/utils"
)

// Version is the semantic version of this configuration package.
const Version = "v0.1.0"

// Config is the unified configuration for a peer process: relay dial
// parameters, particle defaults, and debug toggles. It mirrors the
// structure of the YAML files under config/, except for the avm and
// identity sections, which have no field here and are read directly
// through viper by the CLI.
type Config struct {
	Relay struct {
		Multiaddr              string        `mapstructure:"multiaddr" json:"multiaddr"`
		ListenAddr             string        `mapstructure:"listen_addr" json:"listen_addr"`
		DialTimeout            time.Duration `mapstructure:"dial_timeout" json:"dial_timeout"`
		SkipConnectionCheck    bool          `mapstructure:"skip_connection_check" json:"skip_connection_check"`
		CheckConnectionTimeout time.Duration `mapstructure:"check_connection_timeout" json:"check_connection_timeout"`
	} `mapstructure:"relay" json:"relay"`

	Particle struct {
		DefaultTTLMs uint32 `mapstructure:"default_ttl_ms" json:"default_ttl_ms"`
	} `mapstructure:"particle" json:"particle"`

	Debug struct {
		PrintParticleID bool `mapstructure:"print_particle_id" json:"print_particle_id"`
	} `mapstructure:"debug" json:"debug"`

	Metrics struct {
		Enabled bool   `mapstructure:"enabled" json:"enabled"`
		Addr    string `mapstructure:"addr" json:"addr"`
	} `mapstructure:"metrics" json:"metrics"`

	Logging struct {
		Level string `mapstructure:"level" json:"level"`
		File  string `mapstructure:"file" json:"file"`
	} `mapstructure:"logging" json:"logging"`
}

// AppConfig holds the configuration loaded via Load or LoadFromEnv.
var AppConfig Config

// Load reads configuration files and merges any environment-specific
// overrides. The resulting configuration is stored in AppConfig and
// returned.
//
// env selects an additional config file merged on top of the default one;
// if empty, only the default configuration is loaded.
func Load(env string) (*Config, error) {
	viper.SetConfigName("default")
	viper.AddConfigPath("config")
	viper.SetConfigType("yaml")

	viper.SetDefault("relay.dial_timeout", 10*time.Second)
	viper.SetDefault("relay.check_connection_timeout", 15*time.Second)
	viper.SetDefault("particle.default_ttl_ms", 7000)
	viper.SetDefault("metrics.addr", ":9090")

	if err := viper.ReadInConfig(); err != nil {
		return nil, utils.Wrap(err, "load config")
	}

	if env != "" {
		viper.SetConfigName(env)
		if err := viper.MergeInConfig(); err != nil {
			return nil, utils.Wrap(err, fmt.Sprintf("merge %s config", env))
		}
	}

	viper.AutomaticEnv() // picks up from .env via godotenv in cmd/peer

	if err := viper.Unmarshal(&AppConfig); err != nil {
		return nil, utils.Wrap(err, "unmarshal config")
	}
	return &AppConfig, nil
}

// LoadFromEnv loads configuration using the FLUENCE_ENV environment
// variable.
func LoadFromEnv() (*Config, error) {
	return Load(utils.EnvOrDefault("FLUENCE_ENV", ""))
}
