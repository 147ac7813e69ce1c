package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"expbot/internal/bot"
	"expbot/internal/delivery"
	"expbot/internal/janitor"
	"expbot/internal/logger"
	"expbot/internal/store"
)

// FileConfig represents the top-level TOML structure.
type FileConfig struct {
	Server   ServerConfig    `toml:"server" mapstructure:"server"`
	Bot      bot.Config      `toml:"bot" mapstructure:"bot"`
	Store    store.Config    `toml:"store" mapstructure:"store"`
	Delivery delivery.Config `toml:"delivery" mapstructure:"delivery"`
	History  HistoryConfig   `toml:"history" mapstructure:"history"`
	Janitor  janitor.Config  `toml:"janitor" mapstructure:"janitor"`
	Log      logger.Config   `toml:"log" mapstructure:"log"`
	Metrics  MetricsConfig   `toml:"metrics" mapstructure:"metrics"`
}

type ServerConfig struct {
	Listen    string `toml:"listen" mapstructure:"listen"`
	BasePath  string `toml:"base_path" mapstructure:"base_path"`
	BotSecret string `toml:"bot_secret" mapstructure:"bot_secret"`
	// ForwardURL is the bot push endpoint the delivery worker POSTs to.
	// Empty means the bot runs in-process ("serve --with-bot").
	ForwardURL string `toml:"forward_url" mapstructure:"forward_url"`
}

type HistoryConfig struct {
	DSN string `toml:"dsn" mapstructure:"dsn"`
}

type MetricsConfig struct {
	Enabled bool `toml:"enabled" mapstructure:"enabled"`
}

// EnvPrefix is the prefix for environment overrides, e.g.
// EXPBOT_BOT_TOKEN overrides bot.token.
const EnvPrefix = "EXPBOT"

// Load reads a TOML config file and applies environment overrides.
// An empty path loads defaults plus environment only.
func Load(path string) (FileConfig, error) {
	v := viper.New()
	v.SetConfigType("toml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return FileConfig{}, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var fc FileConfig
	if err := v.Unmarshal(&fc); err != nil {
		return FileConfig{}, fmt.Errorf("parse config: %w", err)
	}
	if err := fc.Validate(); err != nil {
		return FileConfig{}, err
	}
	return fc, nil
}

// setDefaults also registers every key with viper so EXPBOT_* environment
// overrides are visible to Unmarshal.
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.listen", ":8080")
	v.SetDefault("server.base_path", "")
	v.SetDefault("server.bot_secret", "")
	v.SetDefault("server.forward_url", "")
	v.SetDefault("bot.token", "")
	v.SetDefault("bot.backend_url", "")
	v.SetDefault("bot.secret", "")
	v.SetDefault("history.dsn", "")
	v.SetDefault("log.file", "")
	v.SetDefault("metrics.enabled", false)
	v.SetDefault("store.type", "sqlite")
	v.SetDefault("store.dsn", "expbot.db")
	v.SetDefault("delivery.queue_size", 256)
	v.SetDefault("delivery.forward_timeout", 10*time.Second)
	v.SetDefault("janitor.schedule", "@every 10m")
	v.SetDefault("janitor.retention", 7*24*time.Hour)
	v.SetDefault("janitor.stale_after", 30*time.Minute)
	v.SetDefault("log.level", "info")
	v.SetDefault("bot.poll_timeout", 10*time.Second)
	v.SetDefault("bot.push_listen", ":8090")
	v.SetDefault("bot.send_rate", 1.0)
	v.SetDefault("bot.send_burst", 3)
}

// Validate rejects configurations that cannot run.
func (fc *FileConfig) Validate() error {
	if fc.Delivery.QueueSize < 0 {
		return fmt.Errorf("delivery.queue_size must be >= 0")
	}
	switch fc.Store.Type {
	case "", "sqlite", "postgres":
	default:
		return fmt.Errorf("unsupported store.type %q", fc.Store.Type)
	}
	return nil
}
