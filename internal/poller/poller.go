// Package poller runs the collection loop: ensure a session, query the
// remote GPUs, normalise the output and publish one result per cycle.
package poller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/skobkin/gpumon-web/internal/nvsmi"
	"github.com/skobkin/gpumon-web/internal/remote"
)

const (
	// MinInterval is the shortest accepted poll interval.
	MinInterval = 500 * time.Millisecond
	// MinDelay separates consecutive cycles even when a cycle overruns the interval.
	MinDelay = 100 * time.Millisecond
)

// Session is the remote shell the poller drives.
type Session interface {
	Ensure(ctx context.Context) error
	Execute(ctx context.Context, command string) (string, error)
	Disconnect() error
}

// Sink receives exactly one result per cycle: a snapshot or an error, never both.
type Sink interface {
	Publish(snapshot *nvsmi.Snapshot, err error)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(snapshot *nvsmi.Snapshot, err error)

// Publish calls f.
func (f SinkFunc) Publish(snapshot *nvsmi.Snapshot, err error) {
	f(snapshot, err)
}

// Option customises a Poller.
type Option func(*Poller)

// WithClock replaces the wall clock.
func WithClock(clock Clock) Option {
	return func(p *Poller) {
		p.clock = clock
	}
}

// WithMetrics records cycle outcomes into m.
func WithMetrics(m *Metrics) Option {
	return func(p *Poller) {
		p.metrics = m
	}
}

// Poller is the sole owner of its session; Run must not be called concurrently.
type Poller struct {
	interval time.Duration
	session  Session
	sink     Sink
	logger   *slog.Logger
	clock    Clock
	metrics  *Metrics
}

// New builds a Poller. Intervals below MinInterval are raised to it.
func New(interval time.Duration, session Session, sink Sink, logger *slog.Logger, opts ...Option) (*Poller, error) {
	if interval <= 0 {
		return nil, fmt.Errorf("interval must be > 0")
	}
	if session == nil {
		return nil, errors.New("session is required")
	}
	if sink == nil {
		return nil, errors.New("sink is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if interval < MinInterval {
		interval = MinInterval
	}

	p := &Poller{
		interval: interval,
		session:  session,
		sink:     sink,
		logger:   logger.With("component", "poller"),
		clock:    realClock{},
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// Interval returns the effective poll interval.
func (p *Poller) Interval() time.Duration {
	return p.interval
}

// Run polls until ctx is cancelled. No cycle starts after cancellation; an
// in-flight cycle is allowed to finish. The session is closed on return.
func (p *Poller) Run(ctx context.Context) error {
	p.logger.Info("poller started", "interval", p.interval)
	defer func() {
		_ = p.session.Disconnect()
		p.logger.Info("poller stopped")
	}()

	for {
		if ctx.Err() != nil {
			return nil
		}

		start := p.clock.Now()
		snapshot, err := p.Collect(ctx)
		if ctx.Err() != nil && err != nil {
			// Failures caused by shutdown are not published.
			return nil
		}
		p.sink.Publish(snapshot, err)

		elapsed := p.clock.Now().Sub(start)
		p.observe(elapsed, err)

		select {
		case <-ctx.Done():
			return nil
		case <-p.clock.After(nextDelay(p.interval, elapsed)):
		}
	}
}

// Collect performs a single cycle. Connection and telemetry failures
// disconnect the session so the next cycle starts from scratch.
func (p *Poller) Collect(ctx context.Context) (*nvsmi.Snapshot, error) {
	if err := p.session.Ensure(ctx); err != nil {
		_ = p.session.Disconnect()
		return nil, err
	}

	output, err := p.session.Execute(ctx, nvsmi.TelemetryCommand())
	if err != nil {
		_ = p.session.Disconnect()
		return nil, err
	}
	captured := p.clock.Now()
	gpus := nvsmi.NormalizeAll(nvsmi.ParseRows(output))

	var driverVersion *string
	if raw, err := p.session.Execute(ctx, nvsmi.DriverVersionCommand()); err != nil {
		p.logger.Debug("driver version unavailable", "err", err)
	} else {
		driverVersion = nvsmi.ParseDriverVersion(raw)
	}

	snapshot := nvsmi.NewSnapshot(captured, gpus, driverVersion)
	return &snapshot, nil
}

func (p *Poller) observe(elapsed time.Duration, err error) {
	if err != nil {
		p.logger.Warn("poll cycle failed", "kind", remote.KindOf(err), "err", err)
	} else {
		p.logger.Debug("poll cycle complete", "duration", elapsed)
	}

	if p.metrics == nil {
		return
	}
	p.metrics.CycleDuration.Observe(elapsed.Seconds())
	if err != nil {
		p.metrics.CyclesTotal.WithLabelValues(resultFailure).Inc()
		p.metrics.ErrorsTotal.WithLabelValues(string(remote.KindOf(err))).Inc()
		return
	}
	p.metrics.CyclesTotal.WithLabelValues(resultSuccess).Inc()
	p.metrics.LastSuccess.Set(float64(p.clock.Now().Unix()))
}

func nextDelay(interval, elapsed time.Duration) time.Duration {
	delay := interval - elapsed
	if delay < MinDelay {
		return MinDelay
	}
	return delay
}
