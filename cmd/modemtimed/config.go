package main

import (
	"errors"
	"fmt"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/viper"

	"modemtime"
)

// Config holds the daemon configuration.
type Config struct {
	Modem struct {
		Name         string   `mapstructure:"name"`
		Device       string   `mapstructure:"device"`
		Baud         int      `mapstructure:"baud"`
		Phones       []string `mapstructure:"phones"`
		Setup        string   `mapstructure:"setup"`
		Mode         string   `mapstructure:"mode"` // manual, auto or backup
		LockFile     string   `mapstructure:"lock_file"`
		PollInterval string   `mapstructure:"poll_interval"`
		MaxOffset    string   `mapstructure:"max_offset"` // sample sanity window, 0 disables
		MetricsAddr  string   `mapstructure:"metrics_addr"`
		LogLevel     string   `mapstructure:"log_level"`
	} `mapstructure:"modem"`
}

// PollMode maps the configured mode string onto the library's poll modes.
func (c *Config) PollMode() (modemtime.PollMode, error) {
	switch strings.ToLower(c.Modem.Mode) {
	case "manual":
		return modemtime.ModeManual, nil
	case "auto":
		return modemtime.ModeAuto, nil
	case "backup":
		return modemtime.ModeBackup, nil
	default:
		return 0, fmt.Errorf("unknown poll mode %q", c.Modem.Mode)
	}
}

// PollInterval parses the configured polling interval.
func (c *Config) PollInterval() (time.Duration, error) {
	return time.ParseDuration(c.Modem.PollInterval)
}

// MaxOffset parses the sample sanity window; zero disables the check.
func (c *Config) MaxOffset() (time.Duration, error) {
	return time.ParseDuration(c.Modem.MaxOffset)
}

func loadConfig(path string) (*Config, error) {
	var cfg Config

	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	if path != "" {
		viper.AddConfigPath(path)
	}
	viper.AddConfigPath(".")
	viper.AddConfigPath("/etc/modemtime/")

	if err := viper.ReadInConfig(); err != nil {
		var configFileNotFoundError viper.ConfigFileNotFoundError
		if !errors.As(err, &configFileNotFoundError) {
			return nil, err
		}
		log.Info("No config file found, using defaults and environment variables")
	}

	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	_ = viper.BindEnv("modem.device")
	_ = viper.BindEnv("modem.baud")
	_ = viper.BindEnv("modem.mode")
	_ = viper.BindEnv("modem.lock_file")
	_ = viper.BindEnv("modem.log_level")

	viper.SetDefault("modem.name", "modem0")
	viper.SetDefault("modem.device", "/dev/modem0")
	viper.SetDefault("modem.baud", 19200)
	viper.SetDefault("modem.phones", []string{})
	viper.SetDefault("modem.setup", "")
	viper.SetDefault("modem.mode", "backup")
	viper.SetDefault("modem.lock_file", "")
	viper.SetDefault("modem.poll_interval", "1024s")
	viper.SetDefault("modem.max_offset", "0s")
	viper.SetDefault("modem.metrics_addr", ":9121")
	viper.SetDefault("modem.log_level", "INFO")

	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}
