// Package config provides configuration loading for the control plane.
// Settings come from an optional YAML file (viper) with environment
// variables taking precedence; the Env helper gives adapters that run
// outside the main process the same ATLAS_-scoped environment lookups.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds the service-level settings.
type Config struct {
	MongoURI      string        `mapstructure:"mongo_uri"`
	MongoDatabase string        `mapstructure:"mongo_database"`
	RedisURL      string        `mapstructure:"redis_url"`
	AMQPURL       string        `mapstructure:"amqp_url"`
	AirflowURL    string        `mapstructure:"airflow_url"`
	AirflowUser   string        `mapstructure:"airflow_user"`
	AirflowPass   string        `mapstructure:"airflow_pass"`
	WebhookURL    string        `mapstructure:"webhook_url"`
	MetricsAddr   string        `mapstructure:"metrics_addr"`
	RulesFile     string        `mapstructure:"rules_file"`
	SLAFile       string        `mapstructure:"sla_file"`
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
	StagingTTL    int           `mapstructure:"staging_ttl_days"`
	LogLevel      string        `mapstructure:"log_level"`
}

// Load reads configuration from the given file (optional) and the
// environment. Environment variables use the ATLAS_ prefix.
func Load(path string) (*Config, error) {
	v := viper.New()

	v.SetDefault("mongo_uri", "mongodb://localhost:27017")
	v.SetDefault("mongo_database", "crawlplane")
	v.SetDefault("redis_url", "redis://localhost:6379/0")
	v.SetDefault("metrics_addr", ":9108")
	v.SetDefault("sweep_interval", time.Hour)
	v.SetDefault("staging_ttl_days", 30)
	v.SetDefault("log_level", "info")

	v.SetEnvPrefix("ATLAS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}

// Env looks up ATLAS_-prefixed environment variables. Adapters that can
// run outside the main process (the bulk-job queue worker, the workflow
// trigger client) use it to fill connection settings the Config struct
// does not carry for them.
type Env struct {
	prefix string
}

// NewEnv creates a lookup scoped to the given prefix. An empty prefix
// reads unprefixed variables.
func NewEnv(prefix string) *Env {
	return &Env{prefix: prefix}
}

// DefaultEnv is the ATLAS_-scoped lookup used across the module.
var DefaultEnv = NewEnv("ATLAS")

func (e *Env) key(name string) string {
	if e.prefix == "" {
		return name
	}
	return e.prefix + "_" + name
}

// String returns the variable's value, or fallback when unset or empty.
func (e *Env) String(name, fallback string) string {
	if v, ok := os.LookupEnv(e.key(name)); ok && v != "" {
		return v
	}
	return fallback
}

// Int returns the variable parsed as an integer, or fallback when unset
// or malformed.
func (e *Env) Int(name string, fallback int) int {
	v, ok := os.LookupEnv(e.key(name))
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

// Bool returns the variable parsed as a boolean, or fallback when unset
// or malformed.
func (e *Env) Bool(name string, fallback bool) bool {
	v, ok := os.LookupEnv(e.key(name))
	if !ok {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

// Duration returns the variable parsed as a time.Duration, or fallback
// when unset or malformed.
func (e *Env) Duration(name string, fallback time.Duration) time.Duration {
	v, ok := os.LookupEnv(e.key(name))
	if !ok {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}

// Must returns the variable's value or an error naming the missing key.
func (e *Env) Must(name string) (string, error) {
	v, ok := os.LookupEnv(e.key(name))
	if !ok || v == "" {
		return "", fmt.Errorf("required environment variable %s not set", e.key(name))
	}
	return v, nil
}
