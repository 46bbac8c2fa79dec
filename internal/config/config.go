// Package config loads the server's YAML configuration: a Root struct of
// typed nested sections populated by gopkg.in/yaml.v3, with post-load
// defaulting for every optional field.
package config

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

type CronConfig struct {
	Schedule string `yaml:"schedule"`
	Timezone string `yaml:"timezone"`
}

type NAVConfig struct {
	BatchSize    int `yaml:"batchSize"`
	Concurrency  int `yaml:"concurrency"`
	ReqDelayMs   int `yaml:"reqDelayMs"`
	BatchDelayMs int `yaml:"batchDelayMs"`
	RetryMax     int `yaml:"retryMax"`
	HistoryCap   int `yaml:"historyCap"`
}

type ProviderConfig struct {
	BaseURL   string `yaml:"baseUrl"`
	TimeoutMs int    `yaml:"timeoutMs"`
}

type AuthConfig struct {
	TokenSecret string `yaml:"tokenSecret"`
	TokenTTLHrs int    `yaml:"tokenTTLHours"`
}

type ServerConfig struct {
	Addr            string `yaml:"addr"`
	ShutdownGraceMs int    `yaml:"shutdownGraceMs"`
}

type DatabaseConfig struct {
	Path string `yaml:"path"`
}

type Root struct {
	Cron     CronConfig     `yaml:"cron"`
	NAV      NAVConfig      `yaml:"nav"`
	Provider ProviderConfig `yaml:"provider"`
	Auth     AuthConfig     `yaml:"auth"`
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
}

// Load reads YAML config from path, applying defaults for every unset
// field. A missing file is not an error — the server runs entirely on
// defaults in that case.
func Load(path string) (Root, error) {
	var c Root
	b, err := os.ReadFile(path)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return c, fmt.Errorf("read config: %w", err)
	}
	if err == nil {
		if err := yaml.Unmarshal(b, &c); err != nil {
			return c, fmt.Errorf("parse config: %w", err)
		}
	}
	applyDefaults(&c)
	return c, nil
}

func applyDefaults(c *Root) {
	if c.Cron.Schedule == "" {
		c.Cron.Schedule = "0 0 * * *"
	}
	if c.Cron.Timezone == "" {
		c.Cron.Timezone = "Asia/Kolkata"
	}

	if c.NAV.BatchSize <= 0 {
		c.NAV.BatchSize = 10
	}
	if c.NAV.Concurrency <= 0 {
		c.NAV.Concurrency = c.NAV.BatchSize
	}
	if c.NAV.ReqDelayMs <= 0 {
		c.NAV.ReqDelayMs = 300
	}
	if c.NAV.BatchDelayMs <= 0 {
		c.NAV.BatchDelayMs = 2000
	}
	if c.NAV.RetryMax <= 0 {
		c.NAV.RetryMax = 3
	}
	if c.NAV.HistoryCap <= 0 {
		c.NAV.HistoryCap = 30
	}

	if c.Provider.BaseURL == "" {
		c.Provider.BaseURL = "https://api.mfapi.in/mf"
	}
	if c.Provider.TimeoutMs <= 0 {
		c.Provider.TimeoutMs = 15000
	}

	if c.Auth.TokenSecret == "" {
		c.Auth.TokenSecret = "dev-secret-change-me"
	}
	if c.Auth.TokenTTLHrs <= 0 {
		c.Auth.TokenTTLHrs = 24
	}

	if c.Server.Addr == "" {
		c.Server.Addr = ":8080"
	}
	if c.Server.ShutdownGraceMs <= 0 {
		c.Server.ShutdownGraceMs = 10000
	}

	if c.Database.Path == "" {
		c.Database.Path = "data/portfolio.db"
	}
}
