// Package tasks tracks fire-and-forget goroutines so their failures
// surface in the log instead of vanishing. Every background spawn in
// the bridges and workers goes through a Tracker.
package tasks

import (
	"context"
	"errors"
	"log/slog"
	"runtime/debug"
	"sync"
)

// Tracker owns a set of named background tasks.
type Tracker struct {
	wg sync.WaitGroup

	mu     sync.Mutex
	active map[string]int
}

// NewTracker builds an empty Tracker.
func NewTracker() *Tracker {
	return &Tracker{active: make(map[string]int)}
}

// Go runs fn on a new goroutine. Panics are recovered and logged with a
// stack; non-cancellation errors are logged on completion.
func (t *Tracker) Go(ctx context.Context, name string, fn func(context.Context) error) {
	t.wg.Add(1)
	t.mu.Lock()
	t.active[name]++
	t.mu.Unlock()

	go func() {
		defer t.wg.Done()
		defer func() {
			t.mu.Lock()
			t.active[name]--
			if t.active[name] == 0 {
				delete(t.active, name)
			}
			t.mu.Unlock()

			if r := recover(); r != nil {
				slog.Error("task panicked", "task", name, "panic", r, "stack", string(debug.Stack()))
			}
		}()

		if err := fn(ctx); err != nil && !errors.Is(err, context.Canceled) {
			slog.Error("task failed", "task", name, "error", err)
		}
	}()
}

// ActiveCount returns how many tasks are currently running.
func (t *Tracker) ActiveCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, c := range t.active {
		n += c
	}
	return n
}

// Wait blocks until every tracked task has finished.
func (t *Tracker) Wait() {
	t.wg.Wait()
}
