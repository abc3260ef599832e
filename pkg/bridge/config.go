// Copyright 2024-2026 Aiku AI

package bridge

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/tidwall/jsonc"
	"maunium.net/go/mautrix/id"
)

// DefaultSendTimeout bounds outbound sends when the config does not set one.
const DefaultSendTimeout = 30 * time.Second

// BridgeConfig is the static configuration of one bridge instance, read from
// <dir>/<name>.config.json.
type BridgeConfig struct {
	Enabled     bool   `json:"enabled"`
	Port        uint16 `json:"port,omitempty"`
	DisplayName string `json:"displayName,omitempty"`

	Bridge struct {
		URL string `json:"url"`
		// Secret is the key Gitea signs webhook bodies with. Empty
		// disables signature checks.
		Secret string `json:"secret,omitempty"`
	} `json:"bridge"`

	Tokens struct {
		AppService string `json:"as_token"`
		Homeserver string `json:"hs_token"`
	} `json:"tokens"`

	Homeserver struct {
		URL    string `json:"url"`
		Domain string `json:"domain"`
	} `json:"homeserver"`

	// Rooms receive webhook notifications in addition to every room the
	// bot has joined.
	Rooms []id.RoomID `json:"rooms,omitempty"`

	// SendTimeout is in seconds.
	SendTimeout int `json:"sendTimeout,omitempty"`
}

// LoadConfig reads the config of bridge name from dir. A missing file yields a
// disabled config rather than an error.
func LoadConfig(dir, name string) (*BridgeConfig, error) {
	path := filepath.Join(dir, name+".config.json")
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return &BridgeConfig{}, nil
	} else if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	return ParseConfig(data)
}

// ParseConfig decodes a bridge config. Comments and trailing commas are
// allowed. Enabled configs are validated.
func ParseConfig(data []byte) (*BridgeConfig, error) {
	var cfg BridgeConfig
	if err := json.Unmarshal(jsonc.ToJSON(data), &cfg); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConfig, err)
	}
	if cfg.Enabled {
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
	}
	return &cfg, nil
}

// Validate checks the fields an enabled bridge needs.
func (c *BridgeConfig) Validate() error {
	var missing []string
	if c.Bridge.URL == "" {
		missing = append(missing, "bridge.url")
	}
	if c.Tokens.AppService == "" {
		missing = append(missing, "tokens.as_token")
	}
	if c.Tokens.Homeserver == "" {
		missing = append(missing, "tokens.hs_token")
	}
	if c.Homeserver.URL == "" {
		missing = append(missing, "homeserver.url")
	}
	if c.Homeserver.Domain == "" {
		missing = append(missing, "homeserver.domain")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: missing %v", ErrConfig, missing)
	}
	if _, err := url.Parse(c.Homeserver.URL); err != nil {
		return fmt.Errorf("%w: homeserver.url: %w", ErrConfig, err)
	}
	if _, err := c.ListenPort(); err != nil {
		return err
	}
	if c.SendTimeout < 0 {
		return fmt.Errorf("%w: sendTimeout must not be negative", ErrConfig)
	}
	return nil
}

// ListenPort returns the port the appservice listener binds to. It defaults to
// the port of bridge.url.
func (c *BridgeConfig) ListenPort() (uint16, error) {
	if c.Port != 0 {
		return c.Port, nil
	}
	u, err := url.Parse(c.Bridge.URL)
	if err != nil {
		return 0, fmt.Errorf("%w: bridge.url: %w", ErrConfig, err)
	}
	if u.Port() == "" {
		return 0, fmt.Errorf("%w: port is not set and bridge.url has no port", ErrConfig)
	}
	port, err := strconv.ParseUint(u.Port(), 10, 16)
	if err != nil || port == 0 {
		return 0, fmt.Errorf("%w: invalid port in bridge.url %q", ErrConfig, c.Bridge.URL)
	}
	return uint16(port), nil
}

// Timeout returns the outbound send timeout.
func (c *BridgeConfig) Timeout() time.Duration {
	if c.SendTimeout <= 0 {
		return DefaultSendTimeout
	}
	return time.Duration(c.SendTimeout) * time.Second
}

// BotName returns the configured display name, or appID when unset.
func (c *BridgeConfig) BotName(appID string) string {
	if c.DisplayName != "" {
		return c.DisplayName
	}
	return appID
}

// BotID is the canonical user ID of the bridge bot.
func (c *BridgeConfig) BotID(appID string) id.UserID {
	return id.NewUserID(appID, c.Homeserver.Domain)
}
