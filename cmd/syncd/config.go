package main

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server struct {
		Port string `yaml:"port"`
	} `yaml:"server"`
	Archive struct {
		DSN string `yaml:"dsn"`
	} `yaml:"archive"`
	Log struct {
		Level string `yaml:"level"`
	} `yaml:"log"`
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// loadConfig reads the optional YAML config. A missing file is fine; env
// variables and defaults cover everything.
func loadConfig(path string) (*Config, error) {
	var config Config
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &config, nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return &config, nil
}

func (c *Config) port() string {
	if p := getEnv("SYNCD_PORT", ""); p != "" {
		return p
	}
	if c.Server.Port != "" {
		return c.Server.Port
	}
	return "8080"
}

func (c *Config) archiveDSN() string {
	if dsn := getEnv("SYNCD_ARCHIVE_DSN", ""); dsn != "" {
		return dsn
	}
	return c.Archive.DSN
}

func (c *Config) logLevel() string {
	if lvl := getEnv("SYNCD_LOG_LEVEL", ""); lvl != "" {
		return lvl
	}
	if c.Log.Level != "" {
		return c.Log.Level
	}
	return "info"
}
