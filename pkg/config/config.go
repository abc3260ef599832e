// Copyright 2024-2026 Aiku AI

// Package config loads the service configuration of matrix-gitea-bridge.
package config

import (
	_ "embed"
	"errors"
	"fmt"
	"regexp"
	"slices"

	up "go.mau.fi/util/configupgrade"
	"go.mau.fi/zeroconfig"
	"gopkg.in/yaml.v3"
)

//go:embed example-config.yaml
var ExampleConfig string

// ErrInvalid is wrapped by every validation error of PostProcess.
var ErrInvalid = errors.New("invalid config")

// bridgeNameRe restricts bridge names to characters allowed in Matrix user
// localparts, since the name becomes the bot localpart.
var bridgeNameRe = regexp.MustCompile(`^[a-z0-9._=-]+$`)

// Config is the service configuration.
type Config struct {
	Logging zeroconfig.Config `yaml:"logging"`

	Database struct {
		Type string `yaml:"type"`
		URI  string `yaml:"uri"`
	} `yaml:"database"`

	ConfigsDir string   `yaml:"configs_dir"`
	Bridges    []string `yaml:"bridges"`

	Webhook struct {
		Address string `yaml:"address"`
	} `yaml:"webhook"`
}

func (c *Config) UnmarshalYAML(node *yaml.Node) error {
	type rawConfig Config
	return node.Decode((*rawConfig)(c))
}

// PostProcess validates the config and fills defaults.
func (c *Config) PostProcess() error {
	switch c.Database.Type {
	case "sqlite3", "postgres":
	case "":
		return fmt.Errorf("%w: database.type is required", ErrInvalid)
	default:
		return fmt.Errorf("%w: unsupported database.type %q", ErrInvalid, c.Database.Type)
	}
	if c.Database.URI == "" {
		return fmt.Errorf("%w: database.uri is required", ErrInvalid)
	}
	if c.Webhook.Address == "" {
		return fmt.Errorf("%w: webhook.address is required", ErrInvalid)
	}
	if c.ConfigsDir == "" {
		c.ConfigsDir = "."
	}
	if len(c.Bridges) == 0 {
		return fmt.Errorf("%w: no bridges configured", ErrInvalid)
	}
	for i, name := range c.Bridges {
		if !bridgeNameRe.MatchString(name) {
			return fmt.Errorf("%w: bridge name %q must match %s", ErrInvalid, name, bridgeNameRe)
		}
		if slices.Contains(c.Bridges[:i], name) {
			return fmt.Errorf("%w: bridge %q is listed twice", ErrInvalid, name)
		}
	}
	return nil
}

// HasBridge reports whether name is a configured bridge.
func (c *Config) HasBridge(name string) bool {
	return slices.Contains(c.Bridges, name)
}

func upgradeConfig(helper up.Helper) {
	helper.Copy(up.Map, "logging")
	helper.Copy(up.Str, "database", "type")
	helper.Copy(up.Str, "database", "uri")
	helper.Copy(up.Str, "configs_dir")
	helper.Copy(up.List, "bridges")
	helper.Copy(up.Str, "webhook", "address")
}

// Upgrader merges a user config onto the example config.
func Upgrader() *up.StructUpgrader {
	return &up.StructUpgrader{
		SimpleUpgrader: up.SimpleUpgrader(upgradeConfig),
		Base:           ExampleConfig,
	}
}

// Load reads the config at path, fills keys missing from it with the example
// values and validates the result. With save set, the merged config is written
// back to path.
func Load(path string, save bool) (*Config, error) {
	data, _, err := up.Do(path, save, Upgrader())
	if err != nil {
		return nil, fmt.Errorf("failed to upgrade config %s: %w", path, err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	if err := cfg.PostProcess(); err != nil {
		return nil, err
	}
	return &cfg, nil
}
