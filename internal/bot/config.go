package bot

import "time"

// Config for the Telegram front end.
type Config struct {
	Token       string        `toml:"token" mapstructure:"token"`
	BackendURL  string        `toml:"backend_url" mapstructure:"backend_url"`
	Secret      string        `toml:"secret" mapstructure:"secret"`
	PushListen  string        `toml:"push_listen" mapstructure:"push_listen"`
	PollTimeout time.Duration `toml:"poll_timeout" mapstructure:"poll_timeout"`
	// SendRate is the per-chat outgoing message rate (messages per second).
	SendRate  float64 `toml:"send_rate" mapstructure:"send_rate"`
	SendBurst int     `toml:"send_burst" mapstructure:"send_burst"`
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.PollTimeout <= 0 {
		out.PollTimeout = 10 * time.Second
	}
	if out.SendRate <= 0 {
		out.SendRate = 1 // Telegram allows ~1 msg/s per chat
	}
	if out.SendBurst <= 0 {
		out.SendBurst = 3
	}
	if out.PushListen == "" {
		out.PushListen = ":8090"
	}
	return out
}
