// Package config loads settings from defaults, an optional YAML file
// and ERGDRIVE_* environment variables, with command-line flags taking
// precedence over all of them.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Config holds all configuration for the application.
type Config struct {
	Sensors SensorsConfig `mapstructure:"sensors"`
	Workout WorkoutConfig `mapstructure:"workout"`
	Log     LogConfig     `mapstructure:"log"`
}

type SensorsConfig struct {
	ScanTimeout       time.Duration `mapstructure:"scan_timeout"`
	ReconnectAttempts int           `mapstructure:"reconnect_attempts"`
	ReconnectBackoff  time.Duration `mapstructure:"reconnect_backoff"`
}

type WorkoutConfig struct {
	FTP             int           `mapstructure:"ftp"`
	SmoothingWindow time.Duration `mapstructure:"smoothing_window"`
	TickPeriod      time.Duration `mapstructure:"tick_period"`
}

type LogConfig struct {
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
}

// Load reads configuration in ascending precedence: defaults, config
// file, environment, flags. flags may be nil.
func Load(flags *pflag.FlagSet) (*Config, error) {
	v := viper.New()

	v.SetEnvPrefix("ERGDRIVE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	v.SetConfigName("ergdrive")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("$HOME/.config/ergdrive")
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	if flags != nil {
		if err := v.BindPFlags(flags); err != nil {
			return nil, fmt.Errorf("error binding flags: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := validate(&config); err != nil {
		return nil, fmt.Errorf("config validation error: %w", err)
	}

	return &config, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("sensors.scan_timeout", "30s")
	v.SetDefault("sensors.reconnect_attempts", 3)
	v.SetDefault("sensors.reconnect_backoff", "2s")

	v.SetDefault("workout.ftp", 200)
	v.SetDefault("workout.smoothing_window", "3s")
	v.SetDefault("workout.tick_period", "1s")

	v.SetDefault("log.file", "ergdrive.log")
	v.SetDefault("log.max_size_mb", 10)
	v.SetDefault("log.max_backups", 3)
}

func validate(c *Config) error {
	if c.Sensors.ScanTimeout <= 0 {
		return fmt.Errorf("sensors.scan_timeout must be positive")
	}
	if c.Sensors.ReconnectAttempts < 0 {
		return fmt.Errorf("sensors.reconnect_attempts cannot be negative")
	}
	if c.Workout.FTP <= 0 {
		return fmt.Errorf("workout.ftp must be positive")
	}
	if c.Workout.SmoothingWindow < 0 {
		return fmt.Errorf("workout.smoothing_window cannot be negative")
	}
	if c.Workout.TickPeriod <= 0 {
		return fmt.Errorf("workout.tick_period must be positive")
	}
	return nil
}
