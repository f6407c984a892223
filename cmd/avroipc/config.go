package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/rs/zerolog"
	"github.com/srand/avroipc"
	"github.com/srand/avroipc/internal/logging"
	"github.com/srand/avroipc/transport"
)

type config struct {
	Host             string
	Port             int
	ConnectTimeout   time.Duration
	CallTimeout      time.Duration
	HandshakeRetries int
	LogLevel         zerolog.Level
	SetLogLevel      bool
}

func defaultConfig() config {
	return config{
		Host:             "127.0.0.1",
		Port:             36000,
		ConnectTimeout:   5 * time.Second,
		HandshakeRetries: avroipc.DefaultMaxHandshakeRetries,
	}
}

type fileConfig struct {
	Host             string `toml:"host"`
	Port             int    `toml:"port"`
	ConnectTimeout   string `toml:"connect_timeout"`
	CallTimeout      string `toml:"call_timeout"`
	HandshakeRetries int    `toml:"handshake_retries"`
	LogLevel         string `toml:"log_level"`
}

// loadConfig applies the keys present in the file at path over cfg.
func loadConfig(path string, cfg config) (config, error) {
	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return config{}, fmt.Errorf("load config: %w", err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return config{}, fmt.Errorf("load config: unknown key %q", undecoded[0].String())
	}

	if meta.IsDefined("host") {
		if host := strings.TrimSpace(raw.Host); host != "" {
			cfg.Host = host
		}
	}

	if meta.IsDefined("port") {
		if raw.Port <= 0 || raw.Port > 65535 {
			return config{}, fmt.Errorf("load config: port %d out of range", raw.Port)
		}
		cfg.Port = raw.Port
	}

	if meta.IsDefined("connect_timeout") {
		d, err := time.ParseDuration(strings.TrimSpace(raw.ConnectTimeout))
		if err != nil {
			return config{}, fmt.Errorf("parse connect_timeout: %w", err)
		}
		cfg.ConnectTimeout = d
	}

	if meta.IsDefined("call_timeout") {
		d, err := time.ParseDuration(strings.TrimSpace(raw.CallTimeout))
		if err != nil {
			return config{}, fmt.Errorf("parse call_timeout: %w", err)
		}
		cfg.CallTimeout = d
	}

	if meta.IsDefined("handshake_retries") {
		cfg.HandshakeRetries = raw.HandshakeRetries
	}

	if meta.IsDefined("log_level") {
		lvl, ok := logging.ParseLevel(raw.LogLevel)
		if !ok {
			return config{}, fmt.Errorf("load config: unknown log_level %q", raw.LogLevel)
		}
		cfg.LogLevel = lvl
		cfg.SetLogLevel = true
	}

	return cfg, nil
}

func (c config) options() []avroipc.Option {
	return []avroipc.Option{
		avroipc.WithCallTimeout(c.CallTimeout),
		avroipc.WithMaxHandshakeRetries(c.HandshakeRetries),
		avroipc.WithDialOptions(transport.WithConnectTimeout(c.ConnectTimeout)),
	}
}
