package config

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/nextlevelbuilder/clawgate/internal/bus"
	"github.com/nextlevelbuilder/clawgate/internal/scheduler"
)

// FlexibleStringSlice accepts both ["str"] and [123] in JSON.
type FlexibleStringSlice []string

func (f *FlexibleStringSlice) UnmarshalJSON(data []byte) error {
	var ss []string
	if err := json.Unmarshal(data, &ss); err == nil {
		*f = ss
		return nil
	}
	var raw []interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	result := make([]string, 0, len(raw))
	for _, v := range raw {
		switch val := v.(type) {
		case string:
			result = append(result, val)
		case float64:
			result = append(result, fmt.Sprintf("%.0f", val))
		default:
			result = append(result, fmt.Sprintf("%v", val))
		}
	}
	*f = result
	return nil
}

// Config is the root configuration for the Clawgate gateway.
type Config struct {
	Agent    AgentConfig    `json:"agent"`
	Gateway  GatewayConfig  `json:"gateway"`
	Channels ChannelsConfig `json:"channels"`
	Queue    QueueConfig    `json:"queue"`
	Sessions SessionsConfig `json:"sessions"`
	mu       sync.RWMutex
}

// AgentConfig describes the agent subprocess launched per run.
type AgentConfig struct {
	Command    string   `json:"command"`
	Args       []string `json:"args,omitempty"`
	Workspace  string   `json:"workspace"`
	TimeoutSec int      `json:"timeout_sec,omitempty"` // 0 = no limit
	Provider   string   `json:"provider,omitempty"`
	Model      string   `json:"model,omitempty"`
}

// GatewayConfig controls the inbound consumer.
type GatewayConfig struct {
	OwnerIDs        []string `json:"owner_ids,omitempty"`          // sender IDs allowed to run control commands
	MaxMessageChars int      `json:"max_message_chars,omitempty"`  // max user message characters (default 32000)
	RateLimitRPM    int      `json:"rate_limit_rpm,omitempty"`     // per-sender inbound limit (default 20, 0 = disabled)
	DebounceMs      int      `json:"inbound_debounce_ms,omitempty"` // merge rapid messages from same sender (default 1000, -1 = disabled)
}

// ChannelsConfig holds per-channel overrides keyed by the channel names the
// adapters publish on the bus.
type ChannelsConfig struct {
	Telegram ChannelConfig `json:"telegram"`
	Discord  ChannelConfig `json:"discord"`
	Slack    ChannelConfig `json:"slack"`
	WhatsApp ChannelConfig `json:"whatsapp"`
}

// ChannelConfig is one channel's settings. A nil Queue inherits the global
// queue block.
type ChannelConfig struct {
	Enabled   bool                `json:"enabled"`
	AllowFrom FlexibleStringSlice `json:"allow_from,omitempty"`
	Queue     *QueueConfig        `json:"queue,omitempty"`
}

// QueueConfig is the serialized form of the run queue policy.
type QueueConfig struct {
	Mode       string       `json:"mode,omitempty"`        // queue, followup, collect, steer, steer-backlog, interrupt
	DebounceMs int          `json:"debounce_ms,omitempty"` // quiet interval before draining held messages
	Cap        int          `json:"cap,omitempty"`         // max pending follow-ups (0 = unbounded)
	DropPolicy string       `json:"drop_policy,omitempty"` // old, new, summarize
	Dedupe     DedupeConfig `json:"dedupe,omitempty"`
}

// DedupeConfig configures the inbound duplicate filter.
type DedupeConfig struct {
	Mode     string `json:"mode,omitempty"`      // message-id (default), prompt, none
	WindowMs int    `json:"window_ms,omitempty"` // prompt-repeat window (default 5000)
}

// SessionsConfig controls session persistence and key scoping.
type SessionsConfig struct {
	Storage    string `json:"storage"`               // path of the sessions JSON file
	Scope      string `json:"scope,omitempty"`       // "per-sender" (default) or "global"
	DmScope    string `json:"dm_scope,omitempty"`    // "main", "per-peer", "per-channel-peer" (default)
	MainKey    string `json:"main_key,omitempty"`    // main session suffix (default "main")
	CacheTTLMs int    `json:"cache_ttl_ms,omitempty"` // read cache TTL (default 1000, 0 = disabled)
}

// ToSettings converts the serialized queue policy into scheduler settings.
func (qc QueueConfig) ToSettings() scheduler.QueueSettings {
	s := scheduler.QueueSettings{
		DebounceMs: qc.DebounceMs,
		Cap:        qc.Cap,
	}
	switch qc.Mode {
	case "queue":
		s.Mode = scheduler.ModeQueue
	case "followup":
		s.Mode = scheduler.ModeFollowup
	case "steer":
		s.Mode = scheduler.ModeSteer
	case "steer-backlog":
		s.Mode = scheduler.ModeSteerBacklog
	case "interrupt":
		s.Mode = scheduler.ModeInterrupt
	default:
		s.Mode = scheduler.ModeCollect
	}
	switch qc.DropPolicy {
	case "new":
		s.DropPolicy = scheduler.DropNew
	case "summarize":
		s.DropPolicy = scheduler.DropSummarize
	default:
		s.DropPolicy = scheduler.DropOld
	}
	return s
}

// DedupeMode returns the bus-level mode and repeat window.
func (dc DedupeConfig) DedupeMode() (bus.DedupeMode, time.Duration) {
	window := 5 * time.Second
	if dc.WindowMs > 0 {
		window = time.Duration(dc.WindowMs) * time.Millisecond
	}
	switch dc.Mode {
	case "prompt":
		return bus.DedupePrompt, window
	case "none":
		return bus.DedupeNone, window
	default:
		return bus.DedupeMessageID, window
	}
}

// QueueFor resolves the effective queue policy for a channel: the channel's
// own queue block when present, the global block otherwise.
func (c *Config) QueueFor(channel string) QueueConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var override *QueueConfig
	switch channel {
	case "telegram":
		override = c.Channels.Telegram.Queue
	case "discord":
		override = c.Channels.Discord.Queue
	case "slack":
		override = c.Channels.Slack.Queue
	case "whatsapp":
		override = c.Channels.WhatsApp.Queue
	}
	if override != nil {
		return *override
	}
	return c.Queue
}

// AgentTimeout returns the per-run timeout as a duration.
func (c *Config) AgentTimeout() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return time.Duration(c.Agent.TimeoutSec) * time.Second
}

// SessionCacheTTL returns the store read-cache TTL.
func (c *Config) SessionCacheTTL() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return time.Duration(c.Sessions.CacheTTLMs) * time.Millisecond
}

// ReplaceFrom copies all data fields from src into c, preserving c's mutex.
// Used by the hot-reload path so pointers handed out earlier stay valid.
func (c *Config) ReplaceFrom(src *Config) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Agent = src.Agent
	c.Gateway = src.Gateway
	c.Channels = src.Channels
	c.Queue = src.Queue
	c.Sessions = src.Sessions
}
