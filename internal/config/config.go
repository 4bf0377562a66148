// Package config loads server configuration from flags, environment
// variables (CRMSYNC_ prefix), and an optional TOML config file, in that
// order of precedence.
package config

import (
	"fmt"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Config holds the server's runtime settings.
type Config struct {
	// Port the push/pull server listens on.
	Port int

	// DBPath is the sqlite database file.
	DBPath string

	// JWTSecret is the shared secret the external identity service signs
	// bearer tokens with.
	JWTSecret string

	// LogFile enables rotated file logging when set; logs always go to
	// stderr as well.
	LogFile string

	// LogMaxSizeMB and LogMaxBackups control log rotation.
	LogMaxSizeMB  int
	LogMaxBackups int
}

// Load reads configuration. Flags (when provided) take precedence over
// environment variables, which take precedence over the config file.
// cfgFile may be empty, in which case crmsync.toml in the working directory
// is used when present.
func Load(cfgFile string, flags *pflag.FlagSet) (*Config, error) {
	v := viper.New()

	v.SetDefault("port", 8080)
	v.SetDefault("db_path", "crmsync.db")
	v.SetDefault("jwt_secret", "")
	v.SetDefault("log_file", "")
	v.SetDefault("log_max_size_mb", 50)
	v.SetDefault("log_max_backups", 3)

	v.SetEnvPrefix("CRMSYNC")
	v.AutomaticEnv()

	if flags != nil {
		if f := flags.Lookup("port"); f != nil {
			if err := v.BindPFlag("port", f); err != nil {
				return nil, fmt.Errorf("failed to bind port flag: %w", err)
			}
		}
		if f := flags.Lookup("db"); f != nil {
			if err := v.BindPFlag("db_path", f); err != nil {
				return nil, fmt.Errorf("failed to bind db flag: %w", err)
			}
		}
	}

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	} else {
		v.SetConfigName("crmsync")
		v.SetConfigType("toml")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
		}
	}

	cfg := &Config{
		Port:          v.GetInt("port"),
		DBPath:        v.GetString("db_path"),
		JWTSecret:     v.GetString("jwt_secret"),
		LogFile:       v.GetString("log_file"),
		LogMaxSizeMB:  v.GetInt("log_max_size_mb"),
		LogMaxBackups: v.GetInt("log_max_backups"),
	}

	if cfg.JWTSecret == "" {
		return nil, fmt.Errorf("jwt_secret is required (set CRMSYNC_JWT_SECRET or the jwt_secret config key)")
	}

	return cfg, nil
}
