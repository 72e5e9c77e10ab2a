// Package transcript discovers and tails the agent's per-project JSONL
// conversation files on remote hosts, turning new lines into store
// messages.
package transcript

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/nextlevelbuilder/muxboard/internal/messages"
)

type contentBlock struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type rawLine struct {
	Type         string `json:"type"`
	Timestamp    string `json:"timestamp"`
	CostInMillis *int64 `json:"costInMillis"`
	Message      struct {
		Content json.RawMessage `json:"content"`
	} `json:"message"`
}

// extractText flattens a content field that is either a plain string or
// a block list. Only text blocks contribute; tool_use and tool_result
// blocks never reach the visible body.
func extractText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var blocks []contentBlock
	if err := json.Unmarshal(raw, &blocks); err != nil {
		return ""
	}
	var parts []string
	for _, b := range blocks {
		if b.Type == "text" && b.Text != "" {
			parts = append(parts, b.Text)
		}
	}
	return strings.Join(parts, "\n")
}

func lineTimestamp(l rawLine) string {
	if l.Timestamp != "" {
		return l.Timestamp
	}
	if l.CostInMillis != nil && *l.CostInMillis > 0 {
		return time.UnixMilli(*l.CostInMillis).UTC().Format(time.RFC3339)
	}
	return ""
}

// ParseLines turns raw JSONL lines into ingestable entries. Lines that
// are not valid JSON, carry no text, or have a non-conversational type
// are skipped.
func ParseLines(lines []string) []messages.Entry {
	var out []messages.Entry
	for _, line := range lines {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		var raw rawLine
		if err := json.Unmarshal([]byte(line), &raw); err != nil {
			continue
		}
		var role string
		switch raw.Type {
		case "user":
			role = "user"
		case "assistant":
			role = "assistant"
		default:
			continue
		}
		text := extractText(raw.Message.Content)
		if text == "" {
			continue
		}
		out = append(out, messages.Entry{
			Role:      role,
			Content:   text,
			Timestamp: lineTimestamp(raw),
		})
	}
	return out
}

// SanitizeCwd maps a working directory to the agent's per-project
// transcript directory name: slashes become dashes, one leading dash is
// stripped.
func SanitizeCwd(cwd string) string {
	s := strings.ReplaceAll(cwd, "/", "-")
	return strings.TrimPrefix(s, "-")
}
