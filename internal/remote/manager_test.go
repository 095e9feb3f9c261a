package remote

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skobkin/gpumon-web/internal/config"
)

type fakeConn struct {
	mu       sync.Mutex
	alive    bool
	closed   int
	closeErr error
	run      func(ctx context.Context, command string) (Output, error)
	commands []string
}

func (c *fakeConn) Run(ctx context.Context, command string) (Output, error) {
	c.mu.Lock()
	c.commands = append(c.commands, command)
	run := c.run
	c.mu.Unlock()
	if run == nil {
		return Output{}, nil
	}
	return run(ctx, command)
}

func (c *fakeConn) Alive() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.alive
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.alive = false
	c.closed++
	return c.closeErr
}

func (c *fakeConn) kill() {
	c.mu.Lock()
	c.alive = false
	c.mu.Unlock()
}

type fakeDialer struct {
	mu    sync.Mutex
	dials int
	err   error
	next  func() *fakeConn
	conns []*fakeConn
}

func (d *fakeDialer) Dial(ctx context.Context, _ config.SSHConfig) (Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials++
	if d.err != nil {
		return nil, d.err
	}
	conn := &fakeConn{alive: true}
	if d.next != nil {
		conn = d.next()
	}
	d.conns = append(d.conns, conn)
	return conn, nil
}

func (d *fakeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func validConfig() config.SSHConfig {
	return config.SSHConfig{
		Host:           "gpu-box",
		Port:           22,
		User:           "ops",
		Password:       "secret",
		ConnectTimeout: time.Second,
		CommandTimeout: time.Second,
	}
}

func TestEnsureReusesLiveConnection(t *testing.T) {
	t.Parallel()

	dialer := &fakeDialer{}
	manager := NewManager(validConfig(), dialer, testLogger())

	require.Equal(t, Disconnected, manager.State())
	require.NoError(t, manager.Ensure(context.Background()))
	require.NoError(t, manager.Ensure(context.Background()))

	assert.Equal(t, 1, dialer.dialCount())
	assert.Equal(t, Connected, manager.State())
	assert.True(t, manager.Connected())
}

func TestEnsureReconnectsDeadTransport(t *testing.T) {
	t.Parallel()

	dialer := &fakeDialer{}
	manager := NewManager(validConfig(), dialer, testLogger())

	require.NoError(t, manager.Ensure(context.Background()))
	first := dialer.conns[0]
	first.kill()
	assert.False(t, manager.Connected())

	require.NoError(t, manager.Ensure(context.Background()))
	assert.Equal(t, 2, dialer.dialCount())
	assert.Equal(t, 1, first.closed, "stale handle must be torn down")
	assert.True(t, manager.Connected())
}

func TestEnsureMissingConfig(t *testing.T) {
	t.Parallel()

	dialer := &fakeDialer{}
	manager := NewManager(config.SSHConfig{Port: 22}, dialer, testLogger())

	err := manager.Ensure(context.Background())
	require.Error(t, err)
	assert.Equal(t, "Missing config: server_host, server_user, server_password_or_key", err.Error())
	assert.Equal(t, KindConfig, KindOf(err))

	var remoteErr *Error
	require.ErrorAs(t, err, &remoteErr)
	assert.Equal(t, []string{config.MissingHost, config.MissingUser, config.MissingCredential}, remoteErr.Missing)
	assert.Zero(t, dialer.dialCount(), "no network attempt on config errors")
	assert.Equal(t, Disconnected, manager.State())
}

func TestEnsureKeyFileCheckedFirst(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "id_missing")
	dialer := &fakeDialer{}
	manager := NewManager(config.SSHConfig{KeyPath: path}, dialer, testLogger())

	err := manager.Ensure(context.Background())
	require.Error(t, err)
	assert.Equal(t, "SSH key not found: "+path, err.Error())
	assert.Equal(t, KindConfig, KindOf(err))
	assert.True(t, errors.Is(err, os.ErrNotExist))
	assert.Zero(t, dialer.dialCount())
}

func TestEnsureDialFailure(t *testing.T) {
	t.Parallel()

	dialer := &fakeDialer{err: errors.New("dial gpu-box:22: connection refused")}
	manager := NewManager(validConfig(), dialer, testLogger())

	err := manager.Ensure(context.Background())
	require.Error(t, err)
	assert.Equal(t, "dial gpu-box:22: connection refused", err.Error())
	assert.Equal(t, KindConnection, KindOf(err))
	assert.Equal(t, Disconnected, manager.State())
	assert.False(t, manager.Connected())
}

func TestExecuteReturnsStdout(t *testing.T) {
	t.Parallel()

	dialer := &fakeDialer{next: func() *fakeConn {
		return &fakeConn{alive: true, run: func(context.Context, string) (Output, error) {
			return Output{Stdout: []byte("0, Tesla T4\n")}, nil
		}}
	}}
	manager := NewManager(validConfig(), dialer, testLogger())
	require.NoError(t, manager.Ensure(context.Background()))

	out, err := manager.Execute(context.Background(), "nvidia-smi")
	require.NoError(t, err)
	assert.Equal(t, "0, Tesla T4\n", out)
	assert.Equal(t, []string{"nvidia-smi"}, dialer.conns[0].commands)
}

func TestExecuteReplacesInvalidUTF8(t *testing.T) {
	t.Parallel()

	dialer := &fakeDialer{next: func() *fakeConn {
		return &fakeConn{alive: true, run: func(context.Context, string) (Output, error) {
			return Output{Stdout: []byte("GPU \xff\xfe name")}, nil
		}}
	}}
	manager := NewManager(validConfig(), dialer, testLogger())
	require.NoError(t, manager.Ensure(context.Background()))

	out, err := manager.Execute(context.Background(), "x")
	require.NoError(t, err)
	assert.Equal(t, "GPU \uFFFD name", out)
}

func TestExecuteNonZeroExitTearsDown(t *testing.T) {
	t.Parallel()

	dialer := &fakeDialer{next: func() *fakeConn {
		return &fakeConn{alive: true, run: func(context.Context, string) (Output, error) {
			return Output{Stderr: []byte("nvidia-smi: command not found\n"), ExitStatus: 127}, nil
		}}
	}}
	manager := NewManager(validConfig(), dialer, testLogger())
	require.NoError(t, manager.Ensure(context.Background()))

	_, err := manager.Execute(context.Background(), "nvidia-smi")
	require.Error(t, err)
	assert.Equal(t, "nvidia-smi: command not found", err.Error())
	assert.Equal(t, KindCommand, KindOf(err))

	var remoteErr *Error
	require.ErrorAs(t, err, &remoteErr)
	assert.Equal(t, 127, remoteErr.ExitCode)
	assert.False(t, manager.Connected())
	assert.Equal(t, Disconnected, manager.State())
}

func TestExecuteEmptyStderrUsesExitCode(t *testing.T) {
	t.Parallel()

	dialer := &fakeDialer{next: func() *fakeConn {
		return &fakeConn{alive: true, run: func(context.Context, string) (Output, error) {
			return Output{Stderr: []byte("  \n"), ExitStatus: 9}, nil
		}}
	}}
	manager := NewManager(validConfig(), dialer, testLogger())
	require.NoError(t, manager.Ensure(context.Background()))

	_, err := manager.Execute(context.Background(), "x")
	require.Error(t, err)
	assert.Equal(t, "Command failed with exit code 9", err.Error())
}

func TestExecuteWithoutConnection(t *testing.T) {
	t.Parallel()

	manager := NewManager(validConfig(), &fakeDialer{}, testLogger())

	_, err := manager.Execute(context.Background(), "x")
	require.Error(t, err)
	assert.Equal(t, "SSH client not connected", err.Error())
	assert.Equal(t, KindConnection, KindOf(err))
}

func TestExecuteTimeout(t *testing.T) {
	t.Parallel()

	cfg := validConfig()
	cfg.CommandTimeout = 20 * time.Millisecond
	dialer := &fakeDialer{next: func() *fakeConn {
		return &fakeConn{alive: true, run: func(ctx context.Context, _ string) (Output, error) {
			<-ctx.Done()
			return Output{}, ctx.Err()
		}}
	}}
	manager := NewManager(cfg, dialer, testLogger())
	require.NoError(t, manager.Ensure(context.Background()))

	_, err := manager.Execute(context.Background(), "sleep 10")
	require.Error(t, err)
	assert.Equal(t, "Command timed out after 20ms", err.Error())
	assert.Equal(t, KindConnection, KindOf(err))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.False(t, manager.Connected())
}

func TestDisconnectIdempotentAndClearsOnCloseError(t *testing.T) {
	t.Parallel()

	closeErr := errors.New("close failed")
	dialer := &fakeDialer{next: func() *fakeConn {
		return &fakeConn{alive: true, closeErr: closeErr}
	}}
	manager := NewManager(validConfig(), dialer, testLogger())
	require.NoError(t, manager.Ensure(context.Background()))

	assert.ErrorIs(t, manager.Disconnect(), closeErr)
	assert.False(t, manager.Connected())
	assert.Equal(t, Disconnected, manager.State())

	assert.NoError(t, manager.Disconnect())
	assert.NoError(t, manager.Disconnect())
	assert.Equal(t, 1, dialer.conns[0].closed)
}

func TestKindOf(t *testing.T) {
	t.Parallel()

	assert.Equal(t, Kind(""), KindOf(nil))
	assert.Equal(t, KindConnection, KindOf(errors.New("boom")))
	assert.Equal(t, KindCommand, KindOf(&Error{Kind: KindCommand}))
}
