package main

import (
	"net/http"
	"os"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// Config is the optional YAML configuration file.
//
//	log_level: debug
//	heartbeat: 10s
//	timeout: 30s
//	headers:
//	  Authorization: Bearer xyz
type Config struct {
	LogLevel  string            `yaml:"log_level"`
	Heartbeat time.Duration     `yaml:"heartbeat"`
	Timeout   time.Duration     `yaml:"timeout"`
	Headers   map[string]string `yaml:"headers"`
}

func defaultConfig() *Config {
	return &Config{
		LogLevel: "warning",
		Timeout:  30 * time.Second,
	}
}

func loadConfig(path string) (*Config, error) {
	cfg := defaultConfig()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "read config")
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, errors.Wrapf(err, "parse config %s", path)
	}
	if cfg.Timeout <= 0 {
		return nil, errors.Errorf("timeout must be positive, got %s", cfg.Timeout)
	}
	return cfg, nil
}

func (c *Config) logger() (*logrus.Logger, error) {
	level, err := logrus.ParseLevel(c.LogLevel)
	if err != nil {
		return nil, errors.Wrap(err, "log_level")
	}
	l := logrus.New()
	l.SetOutput(os.Stderr)
	l.SetLevel(level)
	return l, nil
}

func (c *Config) header() http.Header {
	if len(c.Headers) == 0 {
		return nil
	}
	h := make(http.Header, len(c.Headers))
	for k, v := range c.Headers {
		h.Set(k, v)
	}
	return h
}
