// Copyright 2026 The Sonde Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"strconv"

	"gopkg.in/yaml.v3"
)

// Config carries the settings shared by the gateway and the ingester.
// The gateway reads every field; the ingester ignores Port and
// BufferSize.
type Config struct {
	// Port is the gateway's REST/socket listen port.
	Port int `yaml:"port"`

	// Redis locates the durable queue.
	Redis RedisConfig `yaml:"redis"`

	// Mongo locates the time-series store.
	Mongo MongoConfig `yaml:"mongo"`

	// QueuePrefix is prepended to node ids to form queue keys
	// ("queue:node:" + nodeId).
	QueuePrefix string `yaml:"queue_prefix"`

	// BufferSize is the gateway's per-device flush threshold.
	BufferSize int `yaml:"buffer_size"`
}

// RedisConfig locates the durable queue.
type RedisConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Password string `yaml:"password"`
}

// Addr returns the host:port dial address.
func (r RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", r.Host, r.Port)
}

// MongoConfig locates the time-series store.
type MongoConfig struct {
	// URI is the connection string.
	URI string `yaml:"uri"`

	// Database holds the timeseries and counters collections.
	Database string `yaml:"database"`
}

// Default returns the documented defaults: gateway on :3000, Redis and
// Mongo on localhost, queue prefix "queue:node:", buffer threshold 100.
func Default() *Config {
	return &Config{
		Port: 3000,
		Redis: RedisConfig{
			Host: "localhost",
			Port: 6379,
		},
		Mongo: MongoConfig{
			URI:      "mongodb://localhost:27017",
			Database: "sonde",
		},
		QueuePrefix: "queue:node:",
		BufferSize:  100,
	}
}

// Load builds a Config from defaults, an optional YAML file, and the
// environment, in that order. path == "" skips the file.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, fmt.Errorf("loading config file: %w", err)
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, fmt.Errorf("reading environment: %w", err)
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parsing %s: %w", path, err)
	}
	c.expandVariables()
	return nil
}

// applyEnv overlays the recognized environment variables. Unset and
// empty variables leave the current value alone.
func (c *Config) applyEnv() error {
	var errs []error

	setString := func(name string, dst *string) {
		if v := os.Getenv(name); v != "" {
			*dst = v
		}
	}
	setInt := func(name string, dst *int) {
		v := os.Getenv(name)
		if v == "" {
			return
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
			return
		}
		*dst = n
	}

	setInt("PORT", &c.Port)
	setString("REDIS_HOST", &c.Redis.Host)
	setInt("REDIS_PORT", &c.Redis.Port)
	setString("REDIS_PASSWORD", &c.Redis.Password)
	setString("MONGO_URI", &c.Mongo.URI)
	setString("MONGO_DB", &c.Mongo.Database)
	setString("QUEUE_PREFIX", &c.QueuePrefix)
	setInt("BUFFER_SIZE", &c.BufferSize)

	return errors.Join(errs...)
}

// expandVariables expands ${VAR} and ${VAR:-default} in the string
// fields loaded from a file.
func (c *Config) expandVariables() {
	c.Redis.Host = expandVars(c.Redis.Host)
	c.Redis.Password = expandVars(c.Redis.Password)
	c.Mongo.URI = expandVars(c.Mongo.URI)
	c.Mongo.Database = expandVars(c.Mongo.Database)
	c.QueuePrefix = expandVars(c.QueuePrefix)
}

var varPattern = regexp.MustCompile(`\$\{([^}:]+)(?::-([^}]*))?\}`)

func expandVars(s string) string {
	return varPattern.ReplaceAllStringFunc(s, func(match string) string {
		parts := varPattern.FindStringSubmatch(match)
		if len(parts) < 2 {
			return match
		}
		if value := os.Getenv(parts[1]); value != "" {
			return value
		}
		if len(parts) >= 3 {
			return parts[2]
		}
		return ""
	})
}

// Validate checks the configuration, reporting every problem at once.
func (c *Config) Validate() error {
	var errs []error

	if c.Port < 1 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("port %d out of range", c.Port))
	}
	if c.Redis.Host == "" {
		errs = append(errs, errors.New("redis.host is required"))
	}
	if c.Redis.Port < 1 || c.Redis.Port > 65535 {
		errs = append(errs, fmt.Errorf("redis.port %d out of range", c.Redis.Port))
	}
	if c.Mongo.URI == "" {
		errs = append(errs, errors.New("mongo.uri is required"))
	}
	if c.Mongo.Database == "" {
		errs = append(errs, errors.New("mongo.database is required"))
	}
	if c.QueuePrefix == "" {
		errs = append(errs, errors.New("queue_prefix is required"))
	}
	if c.BufferSize < 1 {
		errs = append(errs, fmt.Errorf("buffer_size must be positive, got %d", c.BufferSize))
	}

	return errors.Join(errs...)
}
