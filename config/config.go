// Copyright 2026 The Govisor Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use file except in compliance with the License.
// You may obtain a copy of the license at
//
//    http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package config loads the settings shared by paasd and paasagent.
// Values come from, in increasing priority, built in defaults, an
// optional YAML file, PAAS_ environment variables, and flags.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

const (
	RegistryListen = "127.0.0.1:8080"
	AgentListen    = "127.0.0.1:8001"
	EnvPrefix      = "PAAS"
)

type RetentionConfig struct {
	MaxAge   time.Duration `mapstructure:"max_age"`
	MaxRows  int           `mapstructure:"max_rows"`
	Interval time.Duration `mapstructure:"interval"`
}

type RestartConfig struct {
	MaxAttempts int           `mapstructure:"max_attempts"`
	Backoff     time.Duration `mapstructure:"backoff"`
}

// Config holds every setting.  Each daemon ignores the ones that do not
// concern it.
type Config struct {
	Listen         string          `mapstructure:"listen"`
	Database       string          `mapstructure:"database"`
	AgentURL       string          `mapstructure:"agent_url"`
	RegistryURL    string          `mapstructure:"registry_url"`
	LogLevel       string          `mapstructure:"log_level"`
	LogFormat      string          `mapstructure:"log_format"`
	Timeout        time.Duration   `mapstructure:"timeout"`
	MaxConns       int             `mapstructure:"max_conns"`
	StatusCacheTTL time.Duration   `mapstructure:"status_cache_ttl"`
	Retention      RetentionConfig `mapstructure:"retention"`
	Restart        RestartConfig   `mapstructure:"restart"`
	Trace          bool            `mapstructure:"trace"`
}

// Defaults returns the built in settings for a daemon listening on
// listen.
func Defaults(listen string) Config {
	return Config{
		Listen:      listen,
		Database:    "paas.db",
		AgentURL:    "http://" + AgentListen,
		RegistryURL: "http://" + RegistryListen,
		LogLevel:    "info",
		LogFormat:   "text",
		Timeout:     10 * time.Second,
		MaxConns:    256,
		Retention: RetentionConfig{
			MaxAge:   7 * 24 * time.Hour,
			MaxRows:  1000,
			Interval: 24 * time.Hour,
		},
		Restart: RestartConfig{
			MaxAttempts: 3,
			Backoff:     2 * time.Second,
		},
	}
}

// Validate checks the settings that would otherwise fail late.
func (c *Config) Validate() error {
	var errs []error
	if c.Listen == "" {
		errs = append(errs, errors.New("listen must not be empty"))
	}
	if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	if c.LogFormat != "text" && c.LogFormat != "json" {
		errs = append(errs, fmt.Errorf("log_format must be text or json, not %q", c.LogFormat))
	}
	if c.Timeout <= 0 {
		errs = append(errs, errors.New("timeout must be positive"))
	}
	if c.MaxConns < 0 {
		errs = append(errs, errors.New("max_conns must not be negative"))
	}
	if c.Restart.MaxAttempts < 1 {
		errs = append(errs, errors.New("restart.max_attempts must be at least 1"))
	}
	if c.Retention.Interval <= 0 {
		errs = append(errs, errors.New("retention.interval must be positive"))
	}
	return errors.Join(errs...)
}

// YAML renders the settings in the same form a configuration file
// takes, durations included.
func (c *Config) YAML() ([]byte, error) {
	return yaml.Marshal(map[string]interface{}{
		"listen":           c.Listen,
		"database":         c.Database,
		"agent_url":        c.AgentURL,
		"registry_url":     c.RegistryURL,
		"log_level":        c.LogLevel,
		"log_format":       c.LogFormat,
		"timeout":          c.Timeout.String(),
		"max_conns":        c.MaxConns,
		"status_cache_ttl": c.StatusCacheTTL.String(),
		"trace":            c.Trace,
		"retention": map[string]interface{}{
			"max_age":  c.Retention.MaxAge.String(),
			"max_rows": c.Retention.MaxRows,
			"interval": c.Retention.Interval.String(),
		},
		"restart": map[string]interface{}{
			"max_attempts": c.Restart.MaxAttempts,
			"backoff":      c.Restart.Backoff.String(),
		},
	})
}

// Loader owns the viper instance behind a daemon's configuration.
type Loader struct {
	v    *viper.Viper
	file string
}

// NewLoader returns a Loader seeded with Defaults(listen).
func NewLoader(listen string) *Loader {
	v := viper.New()
	d := Defaults(listen)
	v.SetDefault("listen", d.Listen)
	v.SetDefault("database", d.Database)
	v.SetDefault("agent_url", d.AgentURL)
	v.SetDefault("registry_url", d.RegistryURL)
	v.SetDefault("log_level", d.LogLevel)
	v.SetDefault("log_format", d.LogFormat)
	v.SetDefault("timeout", d.Timeout)
	v.SetDefault("max_conns", d.MaxConns)
	v.SetDefault("status_cache_ttl", d.StatusCacheTTL)
	v.SetDefault("retention.max_age", d.Retention.MaxAge)
	v.SetDefault("retention.max_rows", d.Retention.MaxRows)
	v.SetDefault("retention.interval", d.Retention.Interval)
	v.SetDefault("restart.max_attempts", d.Restart.MaxAttempts)
	v.SetDefault("restart.backoff", d.Restart.Backoff)
	v.SetDefault("trace", d.Trace)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return &Loader{v: v}
}

// BindFlags adds the common flags to fs.
func (l *Loader) BindFlags(fs *pflag.FlagSet) {
	fs.StringVarP(&l.file, "config", "c", "", "YAML configuration file")
	fs.String("listen", l.v.GetString("listen"), "address to serve on")
	fs.String("database", l.v.GetString("database"), "sqlite database file")
	fs.String("agent-url", l.v.GetString("agent_url"), "base URL of the agent")
	fs.String("registry-url", l.v.GetString("registry_url"), "base URL of the registry")
	fs.String("log-level", l.v.GetString("log_level"), "log level")
	fs.Bool("trace", false, "write trace spans to stderr")

	_ = l.v.BindPFlag("listen", fs.Lookup("listen"))
	_ = l.v.BindPFlag("database", fs.Lookup("database"))
	_ = l.v.BindPFlag("agent_url", fs.Lookup("agent-url"))
	_ = l.v.BindPFlag("registry_url", fs.Lookup("registry-url"))
	_ = l.v.BindPFlag("log_level", fs.Lookup("log-level"))
	_ = l.v.BindPFlag("trace", fs.Lookup("trace"))
}

// SetFile names the configuration file to read.  It is normally set by
// the --config flag.
func (l *Loader) SetFile(path string) {
	l.file = path
}

// Load reads the configuration file, if any, and returns the merged,
// validated settings.
func (l *Loader) Load() (*Config, error) {
	if l.file != "" {
		l.v.SetConfigFile(l.file)
		if err := l.v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading %s: %w", l.file, err)
		}
	}
	cfg := &Config{}
	if err := l.v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decoding configuration: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Watch re-reads the configuration file whenever it changes, and applies
// a new log_level to log.  Other settings take effect on restart.
func (l *Loader) Watch(log *logrus.Logger) {
	if l.file == "" {
		return
	}
	l.v.OnConfigChange(func(e fsnotify.Event) {
		l.reload(log, e)
	})
	l.v.WatchConfig()
}

func (l *Loader) reload(log *logrus.Logger, e fsnotify.Event) {
	s := l.v.GetString("log_level")
	level, err := logrus.ParseLevel(s)
	if err != nil {
		log.WithField("file", e.Name).WithError(err).Warn("Ignoring bad log level")
		return
	}
	if level != log.GetLevel() {
		log.SetLevel(level)
		log.WithField("file", e.Name).WithField("level", level).Info("Log level changed")
	}
}

// SetupLogger applies the level and format settings to log.
func SetupLogger(log *logrus.Logger, cfg *Config) error {
	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		return err
	}
	log.SetLevel(level)
	switch cfg.LogFormat {
	case "json":
		log.SetFormatter(&logrus.JSONFormatter{})
	default:
		log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	return nil
}
