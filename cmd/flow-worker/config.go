package main

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"goa.design/flow/runtime/worker"
	"goa.design/flow/runtime/workflow"
)

type (
	// config is the full worker host configuration. Environment variables
	// override file values.
	config struct {
		// HTTPPort serves health and metrics. Defaults to 8080.
		HTTPPort string `yaml:"http_port"`
		// Redis connection for the stream and locks.
		Redis redisConfig `yaml:"redis"`
		// MongoURI is the MongoDB connection string.
		MongoURI string `yaml:"mongo_uri"`
		// MongoDatabase names the database. Defaults to "flow".
		MongoDatabase string `yaml:"mongo_database"`
		// StreamMaxLen bounds entries kept in the global stream.
		StreamMaxLen int `yaml:"stream_max_len"`
		// Worker holds the processing tuning options.
		Worker worker.Config `yaml:"worker"`
		// LockTTL and LockWait tune the per-event lock.
		LockTTL  time.Duration `yaml:"lock_ttl"`
		LockWait time.Duration `yaml:"lock_wait"`
	}

	redisConfig struct {
		Host     string `yaml:"host"`
		Port     string `yaml:"port"`
		Password string `yaml:"-"`
	}

	// secrets resolves sensitive values outside the config file.
	secrets interface {
		get(name string) (string, error)
	}

	// envSecrets reads secrets from the process environment.
	envSecrets struct{}
)

func (envSecrets) get(name string) (string, error) {
	v, ok := os.LookupEnv(name)
	if !ok {
		return "", fmt.Errorf("secret %s is not set: %w", name, workflow.ErrConfig)
	}
	return v, nil
}

// loadConfig reads the optional YAML file, applies environment overrides and
// fills defaults.
func loadConfig(path string, sec secrets) (config, error) {
	cfg := config{
		HTTPPort:      "8080",
		MongoDatabase: "flow",
		Redis:         redisConfig{Host: "localhost", Port: "6379"},
		Worker:        worker.DefaultConfig(),
	}
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return config{}, fmt.Errorf("read config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return config{}, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}
	if v := os.Getenv("PORT"); v != "" {
		cfg.HTTPPort = v
	}
	if v := os.Getenv("REDIS_HOST"); v != "" {
		cfg.Redis.Host = v
	}
	if v := os.Getenv("REDIS_PORT"); v != "" {
		cfg.Redis.Port = v
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.MongoURI = v
	}
	if cfg.MongoURI == "" {
		return config{}, fmt.Errorf("DATABASE_URL is required: %w", workflow.ErrConfig)
	}
	// The Redis password is optional but always sourced as a secret, never
	// from the config file.
	if pw, err := sec.get("REDIS_PASSWORD"); err == nil {
		cfg.Redis.Password = pw
	}
	return cfg, nil
}

func (c redisConfig) addr() string {
	return c.Host + ":" + c.Port
}
