// Package config holds the NanoClaw host configuration: a JSON5 file with
// defaults, overlaid by NANOCLAW_* environment variables.
package config

import (
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Config is the full host configuration.
type Config struct {
	// DataDir is the root for the store, chat folders, and IPC directories.
	DataDir string `json:"dataDir"`

	// MainFolder is the single folder where cross-chat administrative tools
	// are permitted (typically the owner's DM).
	MainFolder string `json:"mainFolder"`

	Channels  ChannelsConfig  `json:"channels"`
	Agent     AgentConfig     `json:"agent"`
	Scheduler SchedulerConfig `json:"scheduler"`
	Plugins   PluginsConfig   `json:"plugins"`
	Bus       BusConfig       `json:"bus"`
}

// ChannelsConfig configures the concrete chat channels.
type ChannelsConfig struct {
	Discord DiscordConfig `json:"discord"`
	Web     WebConfig     `json:"web"`
}

// DiscordConfig configures the Discord bot channel.
type DiscordConfig struct {
	Enabled bool   `json:"enabled"`
	Token   string `json:"token"`
	// OwnerID is the Discord user whose DM auto-registers as the main chat.
	OwnerID string `json:"ownerId"`
}

// WebConfig configures the local WebSocket dashboard channel.
type WebConfig struct {
	Enabled bool   `json:"enabled"`
	Host    string `json:"host"`
	Port    int    `json:"port"`
}

// AgentConfig configures the per-chat agent subprocess.
type AgentConfig struct {
	// Command launches the agent process. Empty means re-exec this binary
	// with the "agent" subcommand.
	Command []string `json:"command"`
	// Engine is the external reply engine the agent subcommand shells out to.
	Engine []string `json:"engine"`

	IdleTimeoutSec     int `json:"idleTimeoutSec"`     // interactive idle close
	TaskIdleTimeoutSec int `json:"taskIdleTimeoutSec"` // scheduled-run idle close
	KillGraceSec       int `json:"killGraceSec"`       // sentinel→SIGKILL window
}

// SchedulerConfig configures the scheduled task engine.
type SchedulerConfig struct {
	PollIntervalSec int    `json:"pollIntervalSec"`
	Timezone        string `json:"timezone"`
	MaxRetries      int    `json:"maxRetries"`
}

// PluginsConfig configures plugin discovery.
type PluginsConfig struct {
	Dirs []string `json:"dirs"`
}

// BusConfig configures the in-process event bus.
type BusConfig struct {
	HandlerTimeoutSec int `json:"handlerTimeoutSec"`
}

// IdleTimeout returns the interactive idle timeout as a duration.
func (c *Config) IdleTimeout() time.Duration {
	return time.Duration(c.Agent.IdleTimeoutSec) * time.Second
}

// TaskIdleTimeout returns the scheduled-run idle timeout as a duration.
func (c *Config) TaskIdleTimeout() time.Duration {
	return time.Duration(c.Agent.TaskIdleTimeoutSec) * time.Second
}

// KillGrace returns the sentinel-to-SIGKILL grace window.
func (c *Config) KillGrace() time.Duration {
	return time.Duration(c.Agent.KillGraceSec) * time.Second
}

// PollInterval returns the scheduler due-scan interval.
func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.Scheduler.PollIntervalSec) * time.Second
}

// HandlerTimeout returns the event-bus per-handler timeout.
func (c *Config) HandlerTimeout() time.Duration {
	return time.Duration(c.Bus.HandlerTimeoutSec) * time.Second
}

// StorePath returns the sqlite database path under DataDir.
func (c *Config) StorePath() string {
	return filepath.Join(c.DataDir, "nanoclaw.db")
}

// GroupsDir returns the root of per-chat folders.
func (c *Config) GroupsDir() string {
	return filepath.Join(c.DataDir, "groups")
}

// IPCRoot returns the root of per-chat IPC directories.
func (c *Config) IPCRoot() string {
	return filepath.Join(c.DataDir, "ipc")
}

// ExpandHome resolves a leading "~/" against the user's home directory.
func ExpandHome(path string) string {
	if strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, path[2:])
		}
	}
	return path
}
