// Package config loads the daybook server configuration.
package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// ErrNoConfig is returned when no config file is found.
var ErrNoConfig = errors.New("no daybook config file found")

// Config is the full server configuration. It is constructed once at startup
// and never mutated afterwards; every component receives the values it needs
// at construction.
type Config struct {
	// Addr is the HTTP listen address.
	Addr string `yaml:"addr" toml:"addr" json:"addr"`

	// DataDir holds the token database.
	DataDir string `yaml:"data_dir" toml:"data_dir" json:"data_dir"`

	Storage Storage `yaml:"storage" toml:"storage" json:"storage"`
	Auth    Auth    `yaml:"auth" toml:"auth" json:"auth"`

	// CORSOrigin is the allowed origin for browser clients. "*" by default.
	CORSOrigin string `yaml:"cors_origin" toml:"cors_origin" json:"cors_origin"`
}

// Storage selects and configures the log backend.
type Storage struct {
	// Backend is "local" or "s3".
	Backend string `yaml:"backend" toml:"backend" json:"backend"`

	// Local backend.
	BaseDir           string `yaml:"base_dir" toml:"base_dir" json:"base_dir"`
	MaxShardSizeBytes int64  `yaml:"max_shard_size_bytes" toml:"max_shard_size_bytes" json:"max_shard_size_bytes"`

	// S3 backend.
	Bucket          string `yaml:"bucket" toml:"bucket" json:"bucket"`
	Prefix          string `yaml:"prefix" toml:"prefix" json:"prefix"`
	Region          string `yaml:"region" toml:"region" json:"region"`
	Endpoint        string `yaml:"endpoint" toml:"endpoint" json:"endpoint"`
	AccessKeyID     string `yaml:"access_key_id" toml:"access_key_id" json:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key" toml:"secret_access_key" json:"secret_access_key"`

	// Extension is the shard filename extension.
	Extension string `yaml:"extension" toml:"extension" json:"extension"`

	// LookbackDays bounds the linear by-id scan.
	LookbackDays int `yaml:"lookback_days" toml:"lookback_days" json:"lookback_days"`
}

// Auth configures bearer authentication for mutating endpoints.
type Auth struct {
	// Enabled requires a bearer credential on POST requests.
	Enabled bool `yaml:"enabled" toml:"enabled" json:"enabled"`

	// JWTSecret signs and verifies HS256 query tokens. API keys work
	// without it.
	JWTSecret string `yaml:"jwt_secret" toml:"jwt_secret" json:"jwt_secret"`
}

// Load parses the config file at path. When path is empty it searches the
// working directory for daybook.yaml/.yml/.toml/.json, and falls back to
// defaults when none exists. Environment overrides are applied last.
func Load(path string) (*Config, error) {
	var cfg Config
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := parseByName(path, data, &cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", filepath.Base(path), err)
		}
	} else if name, data, ok := findConfig("."); ok {
		if err := parseByName(name, data, &cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", name, err)
		}
	}

	cfg.applyEnv()
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func findConfig(dir string) (string, []byte, bool) {
	for _, name := range []string{"daybook.yaml", "daybook.yml", "daybook.toml", "daybook.json"} {
		data, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			continue
		}
		return name, data, true
	}
	return "", nil, false
}

func parseByName(name string, data []byte, cfg *Config) error {
	switch {
	case strings.HasSuffix(name, ".yaml"), strings.HasSuffix(name, ".yml"):
		decoder := yaml.NewDecoder(bytes.NewReader(data))
		decoder.KnownFields(true) // Strict: error on unknown fields
		return decoder.Decode(cfg)
	case strings.HasSuffix(name, ".toml"):
		_, err := toml.Decode(string(data), cfg)
		return err
	case strings.HasSuffix(name, ".json"):
		return json.Unmarshal(data, cfg)
	default:
		return fmt.Errorf("unsupported config format: %s", name)
	}
}

// applyEnv lets environment variables override file values.
func (c *Config) applyEnv() {
	setStr := func(dst *string, key string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	setStr(&c.Addr, "DAYBOOK_ADDR")
	setStr(&c.DataDir, "DAYBOOK_DATA_DIR")
	setStr(&c.Storage.Backend, "DAYBOOK_BACKEND")
	setStr(&c.Storage.BaseDir, "DAYBOOK_BASE_DIR")
	setStr(&c.Storage.Bucket, "DAYBOOK_BUCKET")
	setStr(&c.Storage.Prefix, "DAYBOOK_PREFIX")
	setStr(&c.Storage.Region, "DAYBOOK_S3_REGION")
	setStr(&c.Storage.Endpoint, "DAYBOOK_S3_ENDPOINT")
	setStr(&c.Storage.AccessKeyID, "DAYBOOK_S3_ACCESS_KEY_ID")
	setStr(&c.Storage.SecretAccessKey, "DAYBOOK_S3_SECRET_ACCESS_KEY")
	setStr(&c.Storage.Extension, "DAYBOOK_EXTENSION")
	setStr(&c.CORSOrigin, "DAYBOOK_CORS_ORIGIN")
	setStr(&c.Auth.JWTSecret, "DAYBOOK_JWT_SECRET")

	if v := os.Getenv("DAYBOOK_MAX_SHARD_SIZE"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			c.Storage.MaxShardSizeBytes = n
		}
	}
	if v := os.Getenv("DAYBOOK_LOOKBACK_DAYS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Storage.LookbackDays = n
		}
	}
	if v := os.Getenv("DAYBOOK_AUTH"); v != "" {
		c.Auth.Enabled = v == "1" || v == "true"
	}
}

func (c *Config) applyDefaults() {
	if c.Addr == "" {
		c.Addr = ":8080"
	}
	if c.Storage.Backend == "" {
		c.Storage.Backend = "local"
	}
	if c.Storage.BaseDir == "" {
		c.Storage.BaseDir = "data"
	}
	if c.Storage.Extension == "" {
		c.Storage.Extension = ".ndjson"
	}
	if c.Storage.MaxShardSizeBytes == 0 {
		c.Storage.MaxShardSizeBytes = 8 * 1024 * 1024
	}
	if c.Storage.LookbackDays == 0 {
		c.Storage.LookbackDays = 30
	}
	if c.CORSOrigin == "" {
		c.CORSOrigin = "*"
	}
}

// Validate checks the config for errors. Invalid configuration is a fatal
// startup failure, never a per-request one.
func (c *Config) Validate() error {
	switch c.Storage.Backend {
	case "local":
		if c.Storage.BaseDir == "" {
			return errors.New("storage.base_dir is required for the local backend")
		}
	case "s3":
		if c.Storage.Bucket == "" {
			return errors.New("storage.bucket is required for the s3 backend")
		}
	default:
		return fmt.Errorf("storage.backend must be \"local\" or \"s3\", got %q", c.Storage.Backend)
	}
	if !strings.HasPrefix(c.Storage.Extension, ".") {
		return fmt.Errorf("storage.extension must start with a dot, got %q", c.Storage.Extension)
	}
	if c.Storage.MaxShardSizeBytes < 0 {
		return errors.New("storage.max_shard_size_bytes must be positive")
	}
	if c.Storage.LookbackDays < 1 {
		return errors.New("storage.lookback_days must be at least 1")
	}
	return nil
}
