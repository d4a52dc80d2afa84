// Package config loads memkeeper configuration from file, environment, and
// defaults.
package config

import (
	"errors"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"
)

// Config holds all tunables for the store, buffer, backup, and fusion
// components.
type Config struct {
	DBPath        string        `mapstructure:"db_path"`
	BackupDir     string        `mapstructure:"backup_dir"`
	FlushInterval time.Duration `mapstructure:"flush_interval"`
	QueueCapacity int           `mapstructure:"queue_capacity"`
	HighWater     int           `mapstructure:"high_water"`
	KeepBackups   int           `mapstructure:"keep_backups"`
	MinImportance int           `mapstructure:"min_importance"`
	Debug         bool          `mapstructure:"debug"`
}

// Load reads configuration from the given file (optional), then
// ~/.memkeeper/config.yaml, then MEMKEEPER_* environment variables, falling
// back to defaults.
func Load(path string) (*Config, error) {
	v := viper.New()

	home, _ := os.UserHomeDir()
	base := filepath.Join(home, ".memkeeper")

	v.SetDefault("db_path", filepath.Join(base, "memory.db"))
	v.SetDefault("backup_dir", filepath.Join(base, "backups"))
	v.SetDefault("flush_interval", time.Second)
	v.SetDefault("queue_capacity", 1000)
	v.SetDefault("high_water", 500)
	v.SetDefault("keep_backups", 10)
	v.SetDefault("min_importance", 5)
	v.SetDefault("debug", false)

	v.SetEnvPrefix("MEMKEEPER")
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(base)
	}

	if err := v.ReadInConfig(); err != nil {
		if path != "" {
			return nil, err
		}
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !os.IsNotExist(err) {
			return nil, err
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}
