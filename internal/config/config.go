package config

import (
	"fmt"
	"regexp"
	"strings"
)

// SessionNameRe is the grammar for tmux session names accepted anywhere
// in the system. Length is checked separately (max 64 bytes).
var SessionNameRe = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// InfraSessions are tmux sessions owned by the system itself. The
// reconciler and session listings never treat them as agent sessions.
var InfraSessions = map[string]bool{
	"agent-bridge": true,
	"slack-bridge": true,
}

// Config is the root configuration for the muxboard control plane and
// its bridges.
type Config struct {
	Dashboard DashboardConfig `json:"dashboard"`
	Store     StoreConfig     `json:"store"`
	SSHHosts  []string        `json:"ssh_hosts"`
	Discord   DiscordConfig   `json:"discord,omitempty"`
	Slack     SlackConfig     `json:"slack,omitempty"`
	Workers   WorkersConfig   `json:"workers"`
	Usage     UsageConfig     `json:"usage,omitempty"`
	Bridge    BridgeConfig    `json:"bridge"`
}

// DashboardConfig is the HTTP surface.
type DashboardConfig struct {
	Host  string `json:"host"`
	Port  int    `json:"port"`
	Token string `json:"-"`             // from env DASHBOARD_TOKEN only
	URL   string `json:"url,omitempty"` // external URL bridges post webhooks to
}

// StoreConfig locates the embedded database.
type StoreConfig struct {
	Path string `json:"path"`
}

// DiscordConfig enables the Discord bridge and platform operations.
type DiscordConfig struct {
	BotToken  string `json:"-"` // from env DISCORD_BOT_TOKEN only
	ChannelID string `json:"channel_id,omitempty"`
}

// SlackConfig enables the Slack bridge and platform operations.
type SlackConfig struct {
	BotToken  string `json:"-"` // from env SLACK_BOT_TOKEN only
	AppToken  string `json:"-"` // from env SLACK_APP_TOKEN only
	ChannelID string `json:"channel_id,omitempty"`
}

// WorkersConfig holds the background worker knobs.
type WorkersConfig struct {
	EnableSessionPoller bool `json:"enable_session_poller"`
	PollInterval        int  `json:"poll_interval"` // seconds
	EnableJSONLIngester bool `json:"enable_jsonl_ingester"`
	JSONLScanInterval   int  `json:"jsonl_scan_interval"` // seconds
	JSONLTailLines      int  `json:"jsonl_tail_lines"`
	MaxContentChars     int  `json:"max_content_chars"`
}

// UsageConfig holds the provider quota monitor knobs.
type UsageConfig struct {
	EnablePoller       bool   `json:"enable_poller"`
	PollInterval       int    `json:"poll_interval"` // seconds
	RetentionHours     int    `json:"retention_hours"`
	AnthropicAPIKey    string `json:"-"` // from env ANTHROPIC_API_KEY only
	OpenAIAPIKey       string `json:"-"` // from env OPENAI_API_KEY only
	PollModelAnthropic string `json:"poll_model_anthropic,omitempty"`
	PollModelOpenAI    string `json:"poll_model_openai,omitempty"`
	EnableCommandQueue bool   `json:"enable_command_queue"`
}

// BridgeConfig controls bridge behaviour shared by both platforms.
type BridgeConfig struct {
	NewSessionAgent    string `json:"new_session_agent"` // auto-launched on !new: claude/codex/gemini/opencode/""
	ThreadCleanup      string `json:"thread_cleanup"`    // "archive" or "delete"
	ThreadNameTemplate string `json:"thread_name_template"`
}

// DiscordEnabled reports whether Discord credentials are present.
func (c *Config) DiscordEnabled() bool {
	return c.Discord.BotToken != "" && c.Discord.ChannelID != ""
}

// SlackEnabled reports whether Slack credentials are present.
func (c *Config) SlackEnabled() bool {
	return c.Slack.BotToken != "" && c.Slack.ChannelID != ""
}

// DefaultHost returns the first configured SSH host.
func (c *Config) DefaultHost() string {
	if len(c.SSHHosts) == 0 {
		return ""
	}
	return c.SSHHosts[0]
}

// HasHost reports whether name is one of the configured SSH hosts.
func (c *Config) HasHost(name string) bool {
	for _, h := range c.SSHHosts {
		if h == name {
			return true
		}
	}
	return false
}

// BindAddr returns the host:port the HTTP server listens on.
func (c *Config) BindAddr() string {
	return fmt.Sprintf("%s:%d", c.Dashboard.Host, c.Dashboard.Port)
}

// DashboardURL returns the URL bridges use for webhooks, falling back to
// the bind address when no external URL is configured.
func (c *Config) DashboardURL() string {
	if c.Dashboard.URL != "" {
		return strings.TrimRight(c.Dashboard.URL, "/")
	}
	host := c.Dashboard.Host
	if host == "0.0.0.0" || host == "" {
		host = "127.0.0.1"
	}
	return fmt.Sprintf("http://%s:%d", host, c.Dashboard.Port)
}

// ValidSessionName checks the session name grammar and length bound.
func ValidSessionName(name string) bool {
	return name != "" && len(name) <= 64 && SessionNameRe.MatchString(name)
}

// Validate checks enum fields and ranges.
func (c *Config) Validate() error {
	switch c.Bridge.ThreadCleanup {
	case "archive", "delete":
	default:
		return fmt.Errorf("invalid thread_cleanup %q (want archive or delete)", c.Bridge.ThreadCleanup)
	}
	switch c.Bridge.NewSessionAgent {
	case "", "claude", "codex", "gemini", "opencode":
	default:
		return fmt.Errorf("invalid new_session_agent %q", c.Bridge.NewSessionAgent)
	}
	if c.Dashboard.Port <= 0 || c.Dashboard.Port > 65535 {
		return fmt.Errorf("invalid dashboard port %d", c.Dashboard.Port)
	}
	if c.Workers.PollInterval <= 0 {
		return fmt.Errorf("poll_interval must be positive")
	}
	if !strings.Contains(c.Bridge.ThreadNameTemplate, "{session}") {
		return fmt.Errorf("thread_name_template must contain {session}")
	}
	for _, h := range c.SSHHosts {
		if h == "" {
			return fmt.Errorf("empty entry in ssh_hosts")
		}
	}
	return nil
}
