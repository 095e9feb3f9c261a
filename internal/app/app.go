// Package app wires up and runs the application services.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	"github.com/skobkin/gpumon-web/internal/config"
	"github.com/skobkin/gpumon-web/internal/httpserver"
	"github.com/skobkin/gpumon-web/internal/poller"
	"github.com/skobkin/gpumon-web/internal/remote"
	"github.com/skobkin/gpumon-web/internal/status"
)

const shutdownTimeout = 10 * time.Second

// Run bootstraps the application lifecycle. It returns once ctx is cancelled
// and both the poller and the HTTP server have stopped.
func Run(ctx context.Context, baseLogger *slog.Logger, cfg config.Config) error {
	appLogger := baseLogger.With("component", "app")

	missing := cfg.SSH.MissingFields()
	if len(missing) > 0 {
		appLogger.Warn("remote host not fully configured", "missing", missing)
	}
	if cfg.SSH.AllowUnknownHosts {
		appLogger.Warn("host key verification relaxed", "reason", "allow_unknown_hosts enabled")
	}

	store := status.NewStore(status.ServerInfo{
		Host: cfg.SSH.Host,
		Port: cfg.SSH.Port,
		User: cfg.SSH.User,
	}, cfg.PollInterval, missing)

	var (
		registry *prometheus.Registry
		metrics  *poller.Metrics
	)
	if cfg.EnablePrometheus {
		registry = prometheus.NewRegistry()
		registry.MustRegister(
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
			collectors.NewGoCollector(),
		)
		metrics = poller.NewMetrics(registry)
	}

	session := remote.NewManager(cfg.SSH, remote.NewSSHDialer(baseLogger), baseLogger)

	opts := []poller.Option{}
	if metrics != nil {
		opts = append(opts, poller.WithMetrics(metrics))
	}
	p, err := poller.New(cfg.PollInterval, session, store, baseLogger, opts...)
	if err != nil {
		return fmt.Errorf("init poller: %w", err)
	}

	srv := httpserver.New(cfg, baseLogger.With("component", "http"), store, registry)

	appLogger.Info("starting",
		"listen_addr", cfg.ListenAddr,
		"remote", cfg.SSH.Addr(),
		"poll_interval", p.Interval(),
	)

	group, groupCtx := errgroup.WithContext(ctx)

	group.Go(func() error {
		return p.Run(groupCtx)
	})

	group.Go(func() error {
		if err := srv.Start(); err != nil {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	group.Go(func() error {
		<-groupCtx.Done()
		appLogger.Info("shutdown initiated", "reason", context.Cause(groupCtx))

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("http shutdown: %w", err)
		}
		return nil
	})

	if err := group.Wait(); err != nil {
		return err
	}

	appLogger.Info("shutdown complete")
	return nil
}
