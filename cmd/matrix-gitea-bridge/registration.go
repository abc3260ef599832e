// Copyright 2024-2026 Aiku AI

package main

import (
	"fmt"
	"io"

	"github.com/aiku/matrix-gitea-bridge/pkg/bridge"
	"github.com/aiku/matrix-gitea-bridge/pkg/config"
)

// printRegistration writes the registration YAML the homeserver needs for
// bridge name.
func printRegistration(w io.Writer, configPath, name string) error {
	cfg, err := config.Load(configPath, false)
	if err != nil {
		return err
	}
	if !cfg.HasBridge(name) {
		return fmt.Errorf("bridge %q is not configured", name)
	}
	bridgeCfg, err := bridge.LoadConfig(cfg.ConfigsDir, name)
	if err != nil {
		return err
	}
	if !bridgeCfg.Enabled {
		return fmt.Errorf("bridge %q is disabled or has no config file in %s", name, cfg.ConfigsDir)
	}
	out, err := bridge.BuildRegistration(name, bridgeCfg).YAML()
	if err != nil {
		return fmt.Errorf("failed to encode registration: %w", err)
	}
	_, err = io.WriteString(w, out)
	return err
}
