// Package remote owns the single shell session to the monitored host.
package remote

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"

	"github.com/skobkin/gpumon-web/internal/config"
)

// State describes the session lifecycle.
type State int

// Session states. Any failure returns to Disconnected; there is no reconnecting state.
const (
	Disconnected State = iota
	Connecting
	Connected
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	default:
		return "disconnected"
	}
}

// Output is the captured result of one remote command.
type Output struct {
	Stdout     []byte
	Stderr     []byte
	ExitStatus int
}

// Conn is an established transport.
type Conn interface {
	Run(ctx context.Context, command string) (Output, error)
	Alive() bool
	Close() error
}

// Dialer opens transports. ctx carries the connect deadline.
type Dialer interface {
	Dial(ctx context.Context, cfg config.SSHConfig) (Conn, error)
}

// Manager drives one connection through Disconnected, Connecting and
// Connected. It is meant to be used from a single goroutine; the mutex only
// guards reads of the state from other goroutines.
type Manager struct {
	cfg    config.SSHConfig
	dialer Dialer
	logger *slog.Logger

	mu    sync.Mutex
	conn  Conn
	state State
}

// NewManager constructs a manager for cfg. cfg is not mutated afterwards.
func NewManager(cfg config.SSHConfig, dialer Dialer, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		cfg:    cfg,
		dialer: dialer,
		logger: logger.With("component", "session"),
	}
}

// State reports the current lifecycle state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Connected reports whether a handle is held and the transport is still active.
func (m *Manager) Connected() bool {
	m.mu.Lock()
	conn := m.conn
	m.mu.Unlock()
	return conn != nil && conn.Alive()
}

// Ensure returns nil when a live connection is available, connecting if needed.
func (m *Manager) Ensure(ctx context.Context) error {
	if m.Connected() {
		return nil
	}
	if m.hasHandle() {
		m.logger.Info("connection lost; reconnecting", "host", m.cfg.Host)
	}
	_ = m.Disconnect()

	if err := m.validate(); err != nil {
		return err
	}

	m.setState(Connecting)

	dialCtx := ctx
	if m.cfg.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		dialCtx, cancel = context.WithTimeout(ctx, m.cfg.ConnectTimeout)
		defer cancel()
	}

	conn, err := m.dialer.Dial(dialCtx, m.cfg)
	if err != nil {
		m.setState(Disconnected)
		var remoteErr *Error
		if errors.As(err, &remoteErr) {
			return remoteErr
		}
		return connectionError(err)
	}

	m.mu.Lock()
	m.conn = conn
	m.state = Connected
	m.mu.Unlock()

	m.logger.Info("connected", "host", m.cfg.Host, "port", m.cfg.Port, "user", m.cfg.User)
	return nil
}

// Execute runs command on the connected host and returns its stdout.
// Any failure tears the session down.
func (m *Manager) Execute(ctx context.Context, command string) (string, error) {
	m.mu.Lock()
	conn := m.conn
	m.mu.Unlock()
	if conn == nil {
		return "", &Error{Kind: KindConnection, Message: "SSH client not connected"}
	}

	runCtx := ctx
	if m.cfg.CommandTimeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, m.cfg.CommandTimeout)
		defer cancel()
	}

	out, err := conn.Run(runCtx, command)
	if err != nil {
		_ = m.Disconnect()
		if ctx.Err() == nil && errors.Is(runCtx.Err(), context.DeadlineExceeded) {
			return "", &Error{
				Kind:    KindConnection,
				Message: fmt.Sprintf("Command timed out after %s", m.cfg.CommandTimeout),
				Err:     err,
			}
		}
		var remoteErr *Error
		if errors.As(err, &remoteErr) {
			return "", remoteErr
		}
		return "", connectionError(err)
	}

	if out.ExitStatus != 0 {
		_ = m.Disconnect()
		return "", commandError(out.ExitStatus, decode(out.Stderr))
	}
	return decode(out.Stdout), nil
}

// Disconnect closes the held connection, if any. The handle is cleared even
// when closing fails.
func (m *Manager) Disconnect() error {
	m.mu.Lock()
	conn := m.conn
	m.conn = nil
	m.state = Disconnected
	m.mu.Unlock()

	if conn == nil {
		return nil
	}
	if err := conn.Close(); err != nil {
		m.logger.Debug("close connection", "err", err)
		return err
	}
	return nil
}

func (m *Manager) validate() error {
	if m.cfg.KeyPath != "" {
		if _, err := os.Stat(m.cfg.KeyPath); err != nil {
			return keyNotFoundError(m.cfg.KeyPath, err)
		}
	}
	if missing := m.cfg.MissingFields(); len(missing) > 0 {
		return missingConfigError(missing)
	}
	return nil
}

func (m *Manager) hasHandle() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.conn != nil
}

func (m *Manager) setState(state State) {
	m.mu.Lock()
	m.state = state
	m.mu.Unlock()
}

func decode(raw []byte) string {
	return strings.ToValidUTF8(string(raw), "\uFFFD")
}
