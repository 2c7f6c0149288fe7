// Shiori - Multi-Source Chapter Discovery and Tracking Engine
// Copyright 2026 M. Kojima (mkojima)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/mkojima/shiori

package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// DefaultConfigPaths lists where the config file is searched, first
// match wins.
var DefaultConfigPaths = []string{
	"shiori.yaml",
	"shiori.yml",
	"/etc/shiori/config.yaml",
	"/etc/shiori/config.yml",
}

// ConfigPathEnvVar overrides the config file path.
const ConfigPathEnvVar = "SHIORI_CONFIG"

// envPrefix namespaces our environment variables so unrelated ones
// never leak into the config tree.
const envPrefix = "SHIORI_"

// Load builds the configuration from layered sources: built-in
// defaults, then an optional YAML file, then SHIORI_* environment
// variables. Later layers win.
func Load() (*Config, error) {
	return loadFrom(findConfigFile())
}

func loadFrom(configPath string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(defaultConfig(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("load defaults: %w", err)
	}

	if configPath != "" {
		if err := k.Load(file.Provider(configPath), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config file %s: %w", configPath, err)
		}
	}

	if err := k.Load(env.Provider(envPrefix, ".", envTransform), nil); err != nil {
		return nil, fmt.Errorf("load environment: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshal configuration: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration invalid: %w", err)
	}
	return cfg, nil
}

func findConfigFile() string {
	if envPath := os.Getenv(ConfigPathEnvVar); envPath != "" {
		if _, err := os.Stat(envPath); err == nil {
			return envPath
		}
	}
	for _, path := range DefaultConfigPaths {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}

// envTransform maps SHIORI_* environment variables to config paths.
// The first segment selects the section; the rest is the key:
// SHIORI_DATABASE_URL -> database.url,
// SHIORI_SCHEDULER_TICK_INTERVAL -> scheduler.tick_interval.
func envTransform(key string) string {
	key = strings.ToLower(strings.TrimPrefix(key, envPrefix))

	sections := []string{
		"database", "nats", "server", "poller",
		"scheduler", "tier", "search", "discovery", "logging",
	}
	for _, section := range sections {
		if strings.HasPrefix(key, section+"_") {
			return section + "." + strings.TrimPrefix(key, section+"_")
		}
	}

	// Unknown keys are dropped rather than allowed to pollute the tree.
	return ""
}
