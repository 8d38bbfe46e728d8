// Copyright (c) 2026 John Earle
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package config loads configuration from config.yaml and environment variables.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const defaultConfigPath = "/app/config/config.yaml"

// Broker kinds.
const (
	BrokerRedis  = "redis"
	BrokerMemory = "memory"
)

// Blob store kinds.
const (
	BlobNone     = "none"
	BlobFile     = "file"
	BlobPostgres = "postgres"
)

// BlobConfig selects where large bodies are externalized.
type BlobConfig struct {
	Store       string
	Threshold   int64
	Path        string
	DatabaseURL string
}

// Config holds all configuration for the mail queue service.
type Config struct {
	Broker string

	// Redis
	RedisURL      string
	RedisPrefix   string
	LeaseTimeout  time.Duration
	SweepInterval time.Duration

	// Queues
	Queues      []string
	PollTimeout time.Duration
	DrainWait   time.Duration

	Blob BlobConfig

	// Server (admin API, metrics and health)
	Port int
}

// rawConfig mirrors the YAML structure for unmarshalling.
type rawConfig struct {
	Broker string `yaml:"broker"`
	Redis  struct {
		URL           string `yaml:"url"`
		Prefix        string `yaml:"prefix"`
		LeaseTimeout  string `yaml:"lease_timeout"`
		SweepInterval string `yaml:"sweep_interval"`
	} `yaml:"redis"`
	Queues      []string `yaml:"queues"`
	PollTimeout string   `yaml:"poll_timeout"`
	DrainWait   string   `yaml:"drain_wait"`
	Blob        struct {
		Store       string `yaml:"store"`
		Threshold   *int64 `yaml:"threshold"`
		Path        string `yaml:"path"`
		DatabaseURL string `yaml:"database_url"`
	} `yaml:"blob"`
	Port int `yaml:"port"`
}

// Load reads configuration from CONFIG_PATH (with env var expansion) and
// falls back to environment variables for anything the file leaves out.
// A missing file is only an error when CONFIG_PATH names it explicitly.
func Load() (*Config, error) {
	path, explicit := os.LookupEnv("CONFIG_PATH")
	if !explicit || path == "" {
		path = defaultConfigPath
	}
	cfg, err := LoadFile(path)
	if errors.Is(err, fs.ErrNotExist) && !explicit {
		return fromRaw(rawConfig{})
	}
	return cfg, err
}

// LoadFile reads one YAML file, then applies environment fallbacks.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file %s: %w", path, err)
	}

	// Expand ${VAR} references in the YAML
	expanded := os.ExpandEnv(string(data))

	var raw rawConfig
	if err := yaml.Unmarshal([]byte(expanded), &raw); err != nil {
		return nil, fmt.Errorf("parse config YAML: %w", err)
	}
	return fromRaw(raw)
}

func fromRaw(raw rawConfig) (*Config, error) {
	cfg := &Config{
		Broker:      strings.ToLower(firstNonEmpty(raw.Broker, envOrDefault("BROKER", BrokerRedis))),
		RedisURL:    firstNonEmpty(raw.Redis.URL, envOrDefault("REDIS_URL", "redis://localhost:6379/0")),
		RedisPrefix: firstNonEmpty(raw.Redis.Prefix, "mailqueue"),
		Queues:      raw.Queues,
		Blob: BlobConfig{
			Store:       strings.ToLower(firstNonEmpty(raw.Blob.Store, envOrDefault("BLOB_STORE", BlobNone))),
			Threshold:   envOrDefaultInt64("BLOB_THRESHOLD", 100*1024),
			Path:        firstNonEmpty(raw.Blob.Path, envOrDefault("BLOB_PATH", "/var/spool/mailqueue/blobs")),
			DatabaseURL: firstNonEmpty(raw.Blob.DatabaseURL, os.Getenv("DATABASE_URL")),
		},
		Port: raw.Port,
	}
	if raw.Blob.Threshold != nil {
		cfg.Blob.Threshold = *raw.Blob.Threshold
	}
	if cfg.Port == 0 {
		cfg.Port = envOrDefaultInt("PORT", 8080)
	}

	var err error
	if cfg.LeaseTimeout, err = durationOr(raw.Redis.LeaseTimeout, "LEASE_TIMEOUT", 30*time.Minute); err != nil {
		return nil, err
	}
	if cfg.SweepInterval, err = durationOr(raw.Redis.SweepInterval, "SWEEP_INTERVAL", 15*time.Second); err != nil {
		return nil, err
	}
	if cfg.PollTimeout, err = durationOr(raw.PollTimeout, "POLL_TIMEOUT", 10*time.Second); err != nil {
		return nil, err
	}
	if cfg.DrainWait, err = durationOr(raw.DrainWait, "DRAIN_WAIT", 2*time.Second); err != nil {
		return nil, err
	}

	if len(cfg.Queues) == 0 {
		cfg.Queues = splitList(envOrDefault("QUEUES", "spool"))
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate reports settings that cannot work together.
func (c *Config) Validate() error {
	switch c.Broker {
	case BrokerRedis:
		if c.RedisURL == "" {
			return fmt.Errorf("broker %q needs a redis url", c.Broker)
		}
	case BrokerMemory:
	default:
		return fmt.Errorf("unknown broker %q", c.Broker)
	}

	switch c.Blob.Store {
	case BlobNone:
	case BlobFile:
		if c.Blob.Path == "" {
			return fmt.Errorf("blob store %q needs a path", c.Blob.Store)
		}
	case BlobPostgres:
		if c.Blob.DatabaseURL == "" {
			return fmt.Errorf("blob store %q needs DATABASE_URL", c.Blob.Store)
		}
	default:
		return fmt.Errorf("unknown blob store %q", c.Blob.Store)
	}
	if c.Blob.Threshold < 0 {
		return fmt.Errorf("blob threshold must not be negative, got %d", c.Blob.Threshold)
	}

	if len(c.Queues) == 0 {
		return fmt.Errorf("no queues configured")
	}
	for _, q := range c.Queues {
		if q == "" || strings.ContainsAny(q, "{}: ") {
			return fmt.Errorf("invalid queue name %q", q)
		}
	}
	if c.PollTimeout <= 0 {
		return fmt.Errorf("poll timeout must be positive, got %s", c.PollTimeout)
	}
	return nil
}

// durationOr parses the YAML value, then the environment variable, then
// falls back to def.
func durationOr(yamlValue, envKey string, def time.Duration) (time.Duration, error) {
	if v := strings.TrimSpace(yamlValue); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return 0, fmt.Errorf("parse %s: %w", strings.ToLower(envKey), err)
		}
		return d, nil
	}
	return envOrDefaultDuration(envKey, def), nil
}

func envOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envOrDefaultInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envOrDefaultInt64(key string, fallback int64) int64 {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return n
		}
	}
	return fallback
}

func envOrDefaultDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
