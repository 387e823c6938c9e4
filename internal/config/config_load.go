package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/titanous/json5"
)

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		DataDir:    "~/.nanoclaw",
		MainFolder: "owner-dm",
		Channels: ChannelsConfig{
			Web: WebConfig{
				Enabled: true,
				Host:    "127.0.0.1",
				Port:    18850,
			},
		},
		Agent: AgentConfig{
			IdleTimeoutSec:     90,
			TaskIdleTimeoutSec: 300,
			KillGraceSec:       10,
		},
		Scheduler: SchedulerConfig{
			PollIntervalSec: 5,
			Timezone:        "UTC",
			MaxRetries:      3,
		},
		Plugins: PluginsConfig{
			Dirs: []string{"plugins"},
		},
		Bus: BusConfig{
			HandlerTimeoutSec: 5,
		},
	}
}

// Load reads config from a JSON5 file, then overlays env vars.
// A missing file is not an error; defaults plus env apply.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			cfg.normalize()
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := json5.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyEnvOverrides()
	cfg.normalize()
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
	envInt := func(key string, dst *int) {
		if v := os.Getenv(key); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			}
		}
	}
	envBool := func(key string, dst *bool) {
		if v := os.Getenv(key); v != "" {
			*dst = v == "1" || v == "true"
		}
	}

	envStr("NANOCLAW_DATA_DIR", &c.DataDir)
	envStr("NANOCLAW_MAIN_FOLDER", &c.MainFolder)
	envStr("NANOCLAW_DISCORD_TOKEN", &c.Channels.Discord.Token)
	envStr("NANOCLAW_DISCORD_OWNER_ID", &c.Channels.Discord.OwnerID)
	envBool("NANOCLAW_DISCORD_ENABLED", &c.Channels.Discord.Enabled)
	envStr("NANOCLAW_WEB_HOST", &c.Channels.Web.Host)
	envInt("NANOCLAW_WEB_PORT", &c.Channels.Web.Port)
	envStr("NANOCLAW_TIMEZONE", &c.Scheduler.Timezone)
	envInt("NANOCLAW_MAX_RETRIES", &c.Scheduler.MaxRetries)
	envInt("NANOCLAW_IDLE_TIMEOUT_SEC", &c.Agent.IdleTimeoutSec)
}

// normalize expands paths and backfills zero values after file+env overlay.
func (c *Config) normalize() {
	c.DataDir = ExpandHome(c.DataDir)
	if c.Agent.IdleTimeoutSec <= 0 {
		c.Agent.IdleTimeoutSec = 90
	}
	if c.Agent.TaskIdleTimeoutSec <= 0 {
		c.Agent.TaskIdleTimeoutSec = 300
	}
	if c.Agent.KillGraceSec <= 0 {
		c.Agent.KillGraceSec = 10
	}
	if c.Scheduler.PollIntervalSec <= 0 {
		c.Scheduler.PollIntervalSec = 5
	}
	if c.Scheduler.Timezone == "" {
		c.Scheduler.Timezone = "UTC"
	}
	if c.Scheduler.MaxRetries <= 0 {
		c.Scheduler.MaxRetries = 3
	}
	if c.Bus.HandlerTimeoutSec <= 0 {
		c.Bus.HandlerTimeoutSec = 5
	}
}
