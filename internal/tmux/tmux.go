// Package tmux provides the high-level session operations the control
// plane and bridges share: listing, creation, teardown, keystroke
// delivery, and pane inspection across the configured hosts.
package tmux

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/nextlevelbuilder/muxboard/internal/config"
	"github.com/nextlevelbuilder/muxboard/internal/remote"
)

// SendDelay separates the payload keystrokes from the terminal Enter.
// The agent's line editor drops the newline when both arrive in one
// burst, so the two-step send is a hard contract.
const SendDelay = 300 * time.Millisecond

// Service runs tmux commands on the configured hosts through a Runner.
type Service struct {
	runner    remote.Runner
	hosts     []string
	sendDelay time.Duration
}

// NewService builds a Service over the given hosts in priority order.
func NewService(runner remote.Runner, hosts []string) *Service {
	return &Service{runner: runner, hosts: hosts, sendDelay: SendDelay}
}

// Hosts returns the configured host list.
func (s *Service) Hosts() []string { return s.hosts }

// ListSessions lists agent sessions on one host. Infrastructure
// sessions are filtered out. An unreachable host yields an error; a
// host without tmux or without sessions yields an empty list.
func (s *Service) ListSessions(ctx context.Context, host string) ([]string, error) {
	res, err := s.runner.Run(ctx, host, "tmux list-sessions -F '#{session_name}' 2>/dev/null || true")
	if err != nil {
		return nil, fmt.Errorf("list sessions on %s: %w", host, err)
	}
	var names []string
	for _, line := range strings.Split(res.Stdout, "\n") {
		name := strings.TrimSpace(line)
		if name == "" || config.InfraSessions[name] {
			continue
		}
		names = append(names, name)
	}
	return names, nil
}

// ListAll fans out across all hosts in parallel and returns name→host.
// When a name appears on several hosts, the earliest host in the
// configured order wins and the duplicate is logged. A failing host
// contributes nothing; the others still count.
func (s *Service) ListAll(ctx context.Context) map[string]string {
	type hostResult struct {
		host  string
		names []string
	}
	results := make([]hostResult, len(s.hosts))

	var wg sync.WaitGroup
	for i, host := range s.hosts {
		wg.Add(1)
		go func(i int, host string) {
			defer wg.Done()
			names, err := s.ListSessions(ctx, host)
			if err != nil {
				slog.Warn("host listing failed", "host", host, "error", err)
				return
			}
			results[i] = hostResult{host: host, names: names}
		}(i, host)
	}
	wg.Wait()

	out := make(map[string]string)
	for _, r := range results {
		for _, name := range r.names {
			if prev, ok := out[name]; ok {
				slog.Warn("session present on multiple hosts", "name", name, "kept", prev, "duplicate", r.host)
				continue
			}
			out[name] = r.host
		}
	}
	return out
}

// Has reports whether a session exists on one host.
func (s *Service) Has(ctx context.Context, host, name string) bool {
	cmd := fmt.Sprintf("tmux has-session -t %s 2>/dev/null && echo found", remote.Quote(name))
	res, err := s.runner.Run(ctx, host, cmd)
	return err == nil && strings.Contains(res.Stdout, "found")
}

// FindHost locates the session across all hosts in parallel; the first
// positive answer in configured order wins.
func (s *Service) FindHost(ctx context.Context, name string) (string, bool) {
	found := make([]bool, len(s.hosts))
	var wg sync.WaitGroup
	for i, host := range s.hosts {
		wg.Add(1)
		go func(i int, host string) {
			defer wg.Done()
			found[i] = s.Has(ctx, host, name)
		}(i, host)
	}
	wg.Wait()
	for i, ok := range found {
		if ok {
			return s.hosts[i], true
		}
	}
	return "", false
}

// Create starts a detached session, optionally in a working directory.
func (s *Service) Create(ctx context.Context, host, name, cwd string) error {
	cmd := fmt.Sprintf("tmux new-session -d -s %s", remote.Quote(name))
	if cwd != "" {
		cmd += " -c " + remote.Quote(cwd)
	}
	res, err := s.runner.Run(ctx, host, cmd)
	if err != nil {
		return err
	}
	if !res.Ok() {
		return fmt.Errorf("tmux new-session %s on %s: exit %d: %s", name, host, res.ExitCode, strings.TrimSpace(res.Stderr))
	}
	return nil
}

// Kill destroys a session on one host.
func (s *Service) Kill(ctx context.Context, host, name string) error {
	res, err := s.runner.Run(ctx, host, "tmux kill-session -t "+remote.Quote(name))
	if err != nil {
		return err
	}
	if !res.Ok() {
		return fmt.Errorf("tmux kill-session %s on %s: exit %d: %s", name, host, res.ExitCode, strings.TrimSpace(res.Stderr))
	}
	return nil
}

// Send delivers text to a session's pane, then the terminal newline as
// a separate invocation after SendDelay.
func (s *Service) Send(ctx context.Context, host, name, text string) error {
	q := remote.Quote(name)
	res, err := s.runner.Run(ctx, host, fmt.Sprintf("tmux send-keys -t %s %s", q, remote.Quote(text)))
	if err != nil {
		return err
	}
	if !res.Ok() {
		return fmt.Errorf("send-keys to %s on %s: exit %d: %s", name, host, res.ExitCode, strings.TrimSpace(res.Stderr))
	}

	select {
	case <-time.After(s.sendDelay):
	case <-ctx.Done():
		return ctx.Err()
	}

	res, err = s.runner.Run(ctx, host, fmt.Sprintf("tmux send-keys -t %s Enter", q))
	if err != nil {
		return err
	}
	if !res.Ok() {
		return fmt.Errorf("send-keys Enter to %s on %s: exit %d", name, host, res.ExitCode)
	}
	return nil
}

// Cwd inspects the pane's current working directory.
func (s *Service) Cwd(ctx context.Context, host, name string) (string, error) {
	cmd := fmt.Sprintf("tmux display-message -t %s -p '#{pane_current_path}'", remote.Quote(name))
	res, err := s.runner.Run(ctx, host, cmd)
	if err != nil {
		return "", err
	}
	if !res.Ok() {
		return "", fmt.Errorf("pane path for %s on %s: exit %d", name, host, res.ExitCode)
	}
	return strings.TrimSpace(res.Stdout), nil
}

// PaneCommand returns the pane's foreground process name.
func (s *Service) PaneCommand(ctx context.Context, host, name string) (string, error) {
	cmd := fmt.Sprintf("tmux display-message -t %s -p '#{pane_current_command}'", remote.Quote(name))
	res, err := s.runner.Run(ctx, host, cmd)
	if err != nil {
		return "", err
	}
	if !res.Ok() {
		return "", fmt.Errorf("pane command for %s on %s: exit %d", name, host, res.ExitCode)
	}
	return strings.TrimSpace(res.Stdout), nil
}

// CapturePane returns the pane's visible content.
func (s *Service) CapturePane(ctx context.Context, host, name string) (string, error) {
	res, err := s.runner.Run(ctx, host, "tmux capture-pane -p -t "+remote.Quote(name))
	if err != nil {
		return "", err
	}
	if !res.Ok() {
		return "", fmt.Errorf("capture pane %s on %s: exit %d", name, host, res.ExitCode)
	}
	return res.Stdout, nil
}
