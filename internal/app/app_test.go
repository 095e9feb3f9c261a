package app

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/skobkin/gpumon-web/internal/config"
)

func TestRunStopsOnCancel(t *testing.T) {
	cfg := config.Default()
	cfg.ListenAddr = "127.0.0.1:0"
	cfg.EnablePrometheus = true

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- Run(ctx, logger, cfg)
	}()

	time.Sleep(100 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run returned error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("Run did not return after cancellation")
	}
}

func TestRunReportsListenFailure(t *testing.T) {
	cfg := config.Default()
	cfg.ListenAddr = "256.0.0.1:bad"

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	done := make(chan error, 1)
	go func() {
		done <- Run(context.Background(), logger, cfg)
	}()

	select {
	case err := <-done:
		if err == nil {
			t.Fatalf("expected listen error")
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("Run did not fail on an invalid listen address")
	}
}
