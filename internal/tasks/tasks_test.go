package tasks

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func TestTrackerRunsAndWaits(t *testing.T) {
	tr := NewTracker()
	var ran atomic.Int32
	for i := 0; i < 5; i++ {
		tr.Go(context.Background(), "worker", func(context.Context) error {
			ran.Add(1)
			return nil
		})
	}
	tr.Wait()
	if ran.Load() != 5 {
		t.Errorf("ran = %d, want 5", ran.Load())
	}
	if tr.ActiveCount() != 0 {
		t.Errorf("active = %d after Wait", tr.ActiveCount())
	}
}

func TestTrackerSurvivesPanic(t *testing.T) {
	tr := NewTracker()
	tr.Go(context.Background(), "boom", func(context.Context) error {
		panic("kaboom")
	})
	done := make(chan struct{})
	go func() {
		tr.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Wait hung after panic")
	}
}

func TestTrackerIgnoresCancellation(t *testing.T) {
	tr := NewTracker()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	tr.Go(ctx, "cancelled", func(ctx context.Context) error {
		return ctx.Err()
	})
	tr.Go(ctx, "failed", func(context.Context) error {
		return errors.New("real failure")
	})
	tr.Wait()
}
