package supervisor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	logx "github.com/Keralin/WodSniper/pkg/logx"
)

func TestGoCollectsFirstError(t *testing.T) {
	t.Parallel()

	s := New(context.Background(), WithLogger(logx.Nop()))
	s.Go("boom", func(ctx context.Context) error {
		return errors.New("first")
	})
	s.Go("boom2", func(ctx context.Context) error {
		time.Sleep(20 * time.Millisecond)
		return errors.New("second")
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	err := s.Stop(ctx)
	if err == nil || !strings.Contains(err.Error(), "first") {
		t.Fatalf("err = %v, want the first error", err)
	}
}

func TestGoRecoversPanic(t *testing.T) {
	t.Parallel()

	s := New(context.Background())
	s.Go("panicky", func(ctx context.Context) error {
		panic("kaboom")
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	err := s.Stop(ctx)
	if err == nil || !strings.Contains(err.Error(), "kaboom") {
		t.Fatalf("err = %v, want recovered panic", err)
	}
}

func TestCancelOnError(t *testing.T) {
	t.Parallel()

	s := New(context.Background(), WithCancelOnError(true))
	s.Go("failing", func(ctx context.Context) error {
		return errors.New("fatal")
	})

	select {
	case <-s.Context().Done():
	case <-time.After(2 * time.Second):
		t.Fatal("context not canceled after error")
	}
}

func TestGoRestartRetriesUntilClean(t *testing.T) {
	t.Parallel()

	var runs atomic.Int32
	s := New(context.Background())
	s.GoRestart("flaky", func(ctx context.Context) error {
		if runs.Add(1) < 3 {
			return errors.New("transient")
		}
		return nil
	}, WithRestartBackoff(time.Millisecond, 5*time.Millisecond))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.Wait(ctx); err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if got := runs.Load(); got != 3 {
		t.Errorf("runs = %d, want 3", got)
	}
}

func TestGoRestartGivesUp(t *testing.T) {
	t.Parallel()

	var runs atomic.Int32
	s := New(context.Background())
	s.GoRestart("hopeless", func(ctx context.Context) error {
		runs.Add(1)
		return fmt.Errorf("still broken")
	}, WithRestartBackoff(time.Millisecond, 2*time.Millisecond), WithMaxRestarts(2))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := s.Wait(ctx)
	if err == nil || !strings.Contains(err.Error(), "still broken") {
		t.Fatalf("err = %v", err)
	}
	// initial run + 2 restarts
	if got := runs.Load(); got != 3 {
		t.Errorf("runs = %d, want 3", got)
	}
}

func TestStopCancelsRunningGoroutines(t *testing.T) {
	t.Parallel()

	started := make(chan struct{})
	s := New(context.Background())
	s.Go0("blocker", func(ctx context.Context) {
		close(started)
		<-ctx.Done()
	})
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
}
