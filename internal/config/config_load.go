package config

import (
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
		Dashboard: DashboardConfig{
			Host: "127.0.0.1",
			Port: 8080,
		},
		Store: StoreConfig{
			Path: "~/.muxboard/muxboard.db",
		},
		SSHHosts: []string{"local"},
		Workers: WorkersConfig{
			EnableSessionPoller: true,
			PollInterval:        30,
			EnableJSONLIngester: true,
			JSONLScanInterval:   60,
			JSONLTailLines:      500,
			MaxContentChars:     10000,
		},
		Usage: UsageConfig{
			PollInterval:       60,
			RetentionHours:     168,
			PollModelAnthropic: "claude-3-5-haiku-20241022",
			PollModelOpenAI:    "gpt-4o-mini",
		},
		Bridge: BridgeConfig{
			NewSessionAgent:    "claude",
			ThreadCleanup:      "archive",
			ThreadNameTemplate: "[agent] {session} - {host}",
		},
	}
}

// Load reads config from a JSON5 file, then overlays env vars.
// A missing file is not an error; env vars alone are a valid setup.
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
	// LookupEnv so a set-but-empty var still overrides the file value;
	// NEW_SESSION_AGENT="" disables agent auto-launch.
	envStr := func(key string, dst *string) {
		if v, ok := os.LookupEnv(key); ok {
			*dst = v
		}
	}
	envInt := func(key string, dst *int) {
		if v := os.Getenv(key); v != "" {
			if n, err := strconv.Atoi(v); err == nil && n > 0 {
				*dst = n
			}
		}
	}
	envBool := func(key string, dst *bool) {
		if v := os.Getenv(key); v != "" {
			*dst = v == "true" || v == "1"
		}
	}

	envStr("DASHBOARD_HOST", &c.Dashboard.Host)
	envInt("DASHBOARD_PORT", &c.Dashboard.Port)
	envStr("DASHBOARD_TOKEN", &c.Dashboard.Token)
	envStr("DASHBOARD_URL", &c.Dashboard.URL)
	envStr("DASHBOARD_DB_PATH", &c.Store.Path)

	if v := os.Getenv("SSH_HOSTS"); v != "" {
		hosts := make([]string, 0, 4)
		for _, h := range strings.Split(v, ",") {
			if h = strings.TrimSpace(h); h != "" {
				hosts = append(hosts, h)
			}
		}
		if len(hosts) > 0 {
			c.SSHHosts = hosts
		}
	}

	envStr("DISCORD_BOT_TOKEN", &c.Discord.BotToken)
	envStr("DISCORD_CHANNEL_ID", &c.Discord.ChannelID)
	envStr("SLACK_BOT_TOKEN", &c.Slack.BotToken)
	envStr("SLACK_APP_TOKEN", &c.Slack.AppToken)
	envStr("SLACK_CHANNEL_ID", &c.Slack.ChannelID)

	envBool("ENABLE_SESSION_POLLER", &c.Workers.EnableSessionPoller)
	envInt("POLL_INTERVAL", &c.Workers.PollInterval)
	envBool("ENABLE_JSONL_INGESTER", &c.Workers.EnableJSONLIngester)
	envInt("JSONL_SCAN_INTERVAL", &c.Workers.JSONLScanInterval)
	envInt("JSONL_TAIL_LINES", &c.Workers.JSONLTailLines)

	envBool("ENABLE_USAGE_POLLER", &c.Usage.EnablePoller)
	envInt("USAGE_POLL_INTERVAL", &c.Usage.PollInterval)
	envInt("USAGE_RETENTION_HOURS", &c.Usage.RetentionHours)
	envStr("ANTHROPIC_API_KEY", &c.Usage.AnthropicAPIKey)
	envStr("OPENAI_API_KEY", &c.Usage.OpenAIAPIKey)
	envStr("USAGE_POLL_MODEL_ANTHROPIC", &c.Usage.PollModelAnthropic)
	envStr("USAGE_POLL_MODEL_OPENAI", &c.Usage.PollModelOpenAI)
	envBool("ENABLE_COMMAND_QUEUE", &c.Usage.EnableCommandQueue)

	envStr("NEW_SESSION_AGENT", &c.Bridge.NewSessionAgent)
	envStr("THREAD_CLEANUP", &c.Bridge.ThreadCleanup)
	envStr("THREAD_NAME_TEMPLATE", &c.Bridge.ThreadNameTemplate)
}

// StorePath returns the expanded on-disk database path.
func (c *Config) StorePath() string {
	return ExpandHome(c.Store.Path)
}

// ExpandHome replaces leading ~ with the user home directory.
func ExpandHome(path string) string {
	if path == "" || path[0] != '~' {
		return path
	}
	home, _ := os.UserHomeDir()
	if len(path) > 1 && path[1] == '/' {
		return filepath.Join(home, path[2:])
	}
	return home
}
