// Oyez - Real-Time Moot Court Session Engine
// Copyright 2026 GavelWorks
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/gavelworks/oyez

// Package config loads server configuration with koanf: struct defaults,
// then an optional YAML file, then OYEZ_-prefixed environment variables.
//
// Environment variables map section and key with double underscores:
// OYEZ_SERVER__PORT=9090 overrides server.port.
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

// DefaultConfigPaths lists where config files are searched, in order.
// The first file found wins.
var DefaultConfigPaths = []string{
	"config.yaml",
	"config.yml",
	"/etc/oyez/config.yaml",
	"/etc/oyez/config.yml",
}

// ConfigPathEnvVar overrides the config file path.
const ConfigPathEnvVar = "OYEZ_CONFIG_PATH"

// envPrefix is the environment variable namespace.
const envPrefix = "OYEZ_"

// Load builds the effective configuration: defaults, then the config
// file (if any), then environment variables. The result is validated
// before being returned.
func Load() (*Config, error) {
	return LoadFrom(resolveConfigPath())
}

// LoadFrom is Load with an explicit config file path; empty path skips
// the file layer.
func LoadFrom(path string) (*Config, error) {
	k := koanf.New(".")

	// Layer 1: struct defaults.
	if err := k.Load(structs.Provider(Default(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("load defaults: %w", err)
	}

	// Layer 2: optional YAML file.
	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config file %s: %w", path, err)
		}
	}

	// Layer 3: environment. OYEZ_SERVER__PORT → server.port.
	envProvider := env.Provider(envPrefix, ".", func(s string) string {
		s = strings.TrimPrefix(s, envPrefix)
		s = strings.ToLower(s)
		return strings.ReplaceAll(s, "__", ".")
	})
	if err := k.Load(envProvider, nil); err != nil {
		return nil, fmt.Errorf("load environment: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &cfg, nil
}

// resolveConfigPath returns the explicit path from the environment, or
// the first existing default path, or empty.
func resolveConfigPath() string {
	if p := os.Getenv(ConfigPathEnvVar); p != "" {
		return p
	}
	for _, p := range DefaultConfigPaths {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}
