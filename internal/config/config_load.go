package config

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/titanous/json5"
)

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Agent: AgentConfig{
			Command:   "claw-agent",
			Workspace: "~/.clawgate/workspace",
		},
		Gateway: GatewayConfig{
			MaxMessageChars: 32000,
			RateLimitRPM:    20,
			DebounceMs:      1000,
		},
		Queue: QueueConfig{
			Mode:       "collect",
			DebounceMs: 1000,
			DropPolicy: "old",
			Dedupe: DedupeConfig{
				Mode:     "message-id",
				WindowMs: 5000,
			},
		},
		Sessions: SessionsConfig{
			Storage:    "~/.clawgate/sessions.json",
			DmScope:    "per-channel-peer",
			MainKey:    "main",
			CacheTTLMs: 1000,
		},
	}
}

// Load reads config from a JSON5 file, then overlays env vars. A missing
// file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := json5.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// applyEnvOverrides overlays env vars onto the config.
// Env vars take precedence over file values.
func (c *Config) applyEnvOverrides() {
	envStr := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	envStr("CLAWGATE_AGENT_COMMAND", &c.Agent.Command)
	envStr("CLAWGATE_WORKSPACE", &c.Agent.Workspace)
	envStr("CLAWGATE_PROVIDER", &c.Agent.Provider)
	envStr("CLAWGATE_MODEL", &c.Agent.Model)
	envStr("CLAWGATE_SESSIONS_STORAGE", &c.Sessions.Storage)

	if v := os.Getenv("CLAWGATE_OWNER_IDS"); v != "" {
		c.Gateway.OwnerIDs = strings.Split(v, ",")
	}
	if v := os.Getenv("CLAWGATE_RATE_LIMIT_RPM"); v != "" {
		if rpm, err := strconv.Atoi(v); err == nil && rpm >= 0 {
			c.Gateway.RateLimitRPM = rpm
		}
	}
}

// Save writes the config to a JSON file.
func Save(path string, cfg *Config) error {
	cfg.mu.RLock()
	defer cfg.mu.RUnlock()

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	return os.WriteFile(path, data, 0600)
}

// Hash returns a short SHA-256 hash of the config for change detection.
func (c *Config) Hash() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	data, _ := json.Marshal(c)
	h := sha256.Sum256(data)
	return fmt.Sprintf("%x", h[:8])
}

// SessionsPath returns the expanded sessions file path.
func (c *Config) SessionsPath() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return ExpandHome(c.Sessions.Storage)
}

// WorkspacePath returns the expanded agent workspace path.
func (c *Config) WorkspacePath() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return ExpandHome(c.Agent.Workspace)
}

// ExpandHome replaces leading ~ with the user home directory.
func ExpandHome(path string) string {
	if path == "" || path[0] != '~' {
		return path
	}
	home, _ := os.UserHomeDir()
	if len(path) > 1 && path[1] == '/' {
		return home + path[1:]
	}
	return home
}
