package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the full server configuration.
type Config struct {
	Server ServerConfig `mapstructure:"server"`
	Auth   AuthConfig   `mapstructure:"auth"`
	Stream StreamConfig `mapstructure:"stream"`
	Agent  AgentConfig  `mapstructure:"agent"`
}

type ServerConfig struct {
	Addr           string   `mapstructure:"addr"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

type AuthConfig struct {
	Secret   string            `mapstructure:"secret"`
	TokenTTL time.Duration     `mapstructure:"token_ttl"`
	Users    map[string]string `mapstructure:"users"`
}

type StreamConfig struct {
	PingInterval     time.Duration `mapstructure:"ping_interval"`
	HistoryLimit     int           `mapstructure:"history_limit"`
	SubscriberBuffer int           `mapstructure:"subscriber_buffer"`
	JanitorInterval  time.Duration `mapstructure:"janitor_interval"`
	IdleTimeout      time.Duration `mapstructure:"idle_timeout"`
}

type AgentConfig struct {
	MaxSteps int `mapstructure:"max_steps"`
}

// Load reads configuration from the optional YAML file at path, with
// TASKSTREAM_* environment variables taking precedence over the file and
// defaults. A missing file is not an error; a malformed one is.
func Load(path string) (*Config, error) {
	v := viper.New()

	v.SetDefault("server.addr", ":5172")
	v.SetDefault("server.allowed_origins", []string{"http://localhost:5172"})
	v.SetDefault("auth.secret", "")
	v.SetDefault("auth.token_ttl", time.Hour)
	v.SetDefault("stream.ping_interval", 15*time.Second)
	v.SetDefault("stream.history_limit", 1000)
	v.SetDefault("stream.subscriber_buffer", 100)
	v.SetDefault("stream.janitor_interval", time.Minute)
	v.SetDefault("stream.idle_timeout", 10*time.Minute)
	v.SetDefault("agent.max_steps", 20)

	v.SetEnvPrefix("TASKSTREAM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			if !errors.Is(err, fs.ErrNotExist) {
				return nil, fmt.Errorf("read config %s: %w", path, err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if strings.TrimSpace(c.Auth.Secret) == "" {
		return fmt.Errorf("auth.secret is required (set TASKSTREAM_AUTH_SECRET)")
	}
	if c.Stream.HistoryLimit <= 0 {
		return fmt.Errorf("stream.history_limit must be positive")
	}
	return nil
}
