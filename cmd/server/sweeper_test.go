package main

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"
	"time"
)

type fakeSweeper struct {
	calls chan struct{}
	err   error
}

func newFakeSweeper(err error) *fakeSweeper {
	return &fakeSweeper{calls: make(chan struct{}, 1), err: err}
}

func (f *fakeSweeper) SweepAbandoned(context.Context) (int, error) {
	select {
	case f.calls <- struct{}{}:
	default:
	}
	return 0, f.err
}

type manualTicker struct {
	c       chan time.Time
	stopped chan struct{}
}

func newManualTicker() *manualTicker {
	return &manualTicker{c: make(chan time.Time, 1), stopped: make(chan struct{})}
}

func (m *manualTicker) C() <-chan time.Time {
	return m.c
}

func (m *manualTicker) Stop() {
	select {
	case <-m.stopped:
	default:
		close(m.stopped)
	}
}

func (m *manualTicker) Tick() {
	select {
	case m.c <- time.Now():
	default:
	}
}

func TestRunSweeperSweepsOnEachTick(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))
	ticker := newManualTicker()
	sweeper := newFakeSweeper(errors.New("redis down"))

	done := make(chan struct{})
	go func() {
		runSweeperWithTicker(ctx, logger, sweeper, time.Minute, func(time.Duration) sweepTicker { return ticker })
		close(done)
	}()

	ticker.Tick()
	select {
	case <-sweeper.calls:
	case <-time.After(time.Second):
		t.Fatal("expected sweep to be invoked")
	}

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("sweeper did not stop")
	}
	select {
	case <-ticker.stopped:
	default:
		t.Fatal("expected ticker to be stopped")
	}
	if !strings.Contains(buf.String(), "failed to sweep abandoned uploads") || !strings.Contains(buf.String(), "component=sweeper") {
		t.Fatalf("expected sweep failure to be logged, got %q", buf.String())
	}
}

func TestRunSweeperDisabled(t *testing.T) {
	called := false
	runSweeperWithTicker(context.Background(), nil, newFakeSweeper(nil), 0, func(time.Duration) sweepTicker {
		called = true
		return newManualTicker()
	})
	if called {
		t.Fatal("expected no ticker when the interval is zero")
	}
}
