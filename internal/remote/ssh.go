package remote

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/skobkin/gpumon-web/internal/config"
)

// DefaultKeepAlive is the interval between transport keep-alive probes.
const DefaultKeepAlive = 10 * time.Second

const keepAliveRequest = "keepalive@openssh.com"

// SSHDialer opens connections with golang.org/x/crypto/ssh.
type SSHDialer struct {
	// KeepAlive overrides DefaultKeepAlive when positive.
	KeepAlive time.Duration

	logger *slog.Logger

	mu   sync.Mutex
	pins map[string][]byte
}

// NewSSHDialer builds a dialer. Host keys trusted in permissive mode stay
// pinned for the lifetime of the dialer.
func NewSSHDialer(logger *slog.Logger) *SSHDialer {
	if logger == nil {
		logger = slog.Default()
	}
	return &SSHDialer{
		logger: logger.With("component", "ssh"),
		pins:   make(map[string][]byte),
	}
}

// Dial connects and authenticates. The TCP dial, banner exchange and
// authentication all share the deadline carried by ctx.
func (d *SSHDialer) Dial(ctx context.Context, cfg config.SSHConfig) (Conn, error) {
	auth, err := authMethods(cfg)
	if err != nil {
		return nil, err
	}
	hostKeyCallback, err := d.hostKeyCallback(cfg)
	if err != nil {
		return nil, err
	}

	clientCfg := &ssh.ClientConfig{
		User:            cfg.User,
		Auth:            auth,
		HostKeyCallback: hostKeyCallback,
		Timeout:         cfg.ConnectTimeout,
	}

	addr := cfg.Addr()
	netDialer := net.Dialer{Timeout: cfg.ConnectTimeout}
	rawConn, err := netDialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}

	if deadline, ok := connectDeadline(ctx, cfg.ConnectTimeout); ok {
		_ = rawConn.SetDeadline(deadline)
	}
	stop := context.AfterFunc(ctx, func() { _ = rawConn.Close() })
	clientConn, chans, reqs, err := ssh.NewClientConn(rawConn, addr, clientCfg)
	stopped := stop()
	if err != nil {
		_ = rawConn.Close()
		if ctxErr := ctx.Err(); ctxErr != nil {
			err = ctxErr
		}
		return nil, fmt.Errorf("ssh handshake with %s: %w", addr, err)
	}
	if !stopped {
		_ = clientConn.Close()
		return nil, fmt.Errorf("ssh handshake with %s: %w", addr, ctx.Err())
	}
	_ = rawConn.SetDeadline(time.Time{})

	interval := d.KeepAlive
	if interval <= 0 {
		interval = DefaultKeepAlive
	}
	return newSSHConn(ssh.NewClient(clientConn, chans, reqs), interval), nil
}

func (d *SSHDialer) hostKeyCallback(cfg config.SSHConfig) (ssh.HostKeyCallback, error) {
	files := existingFiles(cfg.KnownHostsFiles)

	var known ssh.HostKeyCallback
	if len(files) > 0 {
		cb, err := knownhosts.New(files...)
		if err != nil {
			return nil, fmt.Errorf("load known_hosts: %w", err)
		}
		known = cb
	}

	if !cfg.AllowUnknownHosts {
		if known == nil {
			return nil, &Error{
				Kind:    KindConfig,
				Message: "no known_hosts file found; add the host key or enable allow_unknown_hosts",
			}
		}
		return known, nil
	}

	return func(hostname string, remote net.Addr, key ssh.PublicKey) error {
		if known != nil {
			err := known(hostname, remote, key)
			if err == nil {
				return nil
			}
			var keyErr *knownhosts.KeyError
			// A non-empty Want means the host is known under a different key.
			if !errors.As(err, &keyErr) || len(keyErr.Want) > 0 {
				return err
			}
		}
		return d.pin(hostname, key)
	}, nil
}

func (d *SSHDialer) pin(hostname string, key ssh.PublicKey) error {
	host := knownhosts.Normalize(hostname)
	marshaled := key.Marshal()

	d.mu.Lock()
	defer d.mu.Unlock()

	if pinned, ok := d.pins[host]; ok {
		if !bytes.Equal(pinned, marshaled) {
			return fmt.Errorf("host key for %s changed since first connection (now %s)", host, ssh.FingerprintSHA256(key))
		}
		return nil
	}
	d.pins[host] = marshaled
	d.logger.Warn("trusting unknown host key", "host", host, "type", key.Type(), "fingerprint", ssh.FingerprintSHA256(key))
	return nil
}

func authMethods(cfg config.SSHConfig) ([]ssh.AuthMethod, error) {
	var methods []ssh.AuthMethod

	if cfg.KeyPath != "" {
		signer, err := loadSigner(cfg.KeyPath, cfg.Password)
		if err != nil {
			return nil, err
		}
		methods = append(methods, ssh.PublicKeys(signer))
	}

	if cfg.Password != "" {
		password := cfg.Password
		methods = append(methods,
			ssh.Password(password),
			ssh.KeyboardInteractive(func(_, _ string, questions []string, _ []bool) ([]string, error) {
				answers := make([]string, len(questions))
				for i := range answers {
					answers[i] = password
				}
				return answers, nil
			}),
		)
	}
	return methods, nil
}

// loadSigner reads a private key; an encrypted key is unlocked with passphrase.
func loadSigner(path, passphrase string) (ssh.Signer, error) {
	pemBytes, err := os.ReadFile(path)
	if err != nil {
		return nil, keyNotFoundError(path, err)
	}
	signer, err := ssh.ParsePrivateKey(pemBytes)
	var missing *ssh.PassphraseMissingError
	if errors.As(err, &missing) {
		if passphrase == "" {
			return nil, &Error{Kind: KindConfig, Message: "SSH key " + path + " is encrypted and no password is configured", Err: err}
		}
		signer, err = ssh.ParsePrivateKeyWithPassphrase(pemBytes, []byte(passphrase))
	}
	if err != nil {
		return nil, &Error{Kind: KindConfig, Message: fmt.Sprintf("parse SSH key %s: %v", path, err), Err: err}
	}
	return signer, nil
}

func existingFiles(paths []string) []string {
	out := make([]string, 0, len(paths))
	for _, path := range paths {
		if info, err := os.Stat(path); err == nil && !info.IsDir() {
			out = append(out, path)
		}
	}
	return out
}

func connectDeadline(ctx context.Context, fallback time.Duration) (time.Time, bool) {
	if deadline, ok := ctx.Deadline(); ok {
		return deadline, true
	}
	if fallback > 0 {
		return time.Now().Add(fallback), true
	}
	return time.Time{}, false
}

type sshConn struct {
	client *ssh.Client
	alive  atomic.Bool
	done   chan struct{}
	once   sync.Once
}

func newSSHConn(client *ssh.Client, keepAlive time.Duration) *sshConn {
	c := &sshConn{
		client: client,
		done:   make(chan struct{}),
	}
	c.alive.Store(true)

	go func() {
		_ = client.Wait()
		c.alive.Store(false)
	}()
	go c.keepAlive(keepAlive)

	return c
}

func (c *sshConn) keepAlive(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			reply := make(chan error, 1)
			go func() {
				_, _, err := c.client.SendRequest(keepAliveRequest, true, nil)
				reply <- err
			}()

			// a peer that stops answering without dropping TCP counts as dead.
			select {
			case err := <-reply:
				if err != nil {
					c.markDead()
					return
				}
			case <-time.After(interval):
				c.markDead()
				return
			case <-c.done:
				return
			}
		}
	}
}

func (c *sshConn) markDead() {
	c.alive.Store(false)
	_ = c.client.Close()
}

func (c *sshConn) Alive() bool {
	return c.alive.Load()
}

func (c *sshConn) Run(ctx context.Context, command string) (Output, error) {
	session, err := c.client.NewSession()
	if err != nil {
		return Output{}, fmt.Errorf("open session: %w", err)
	}
	defer session.Close()

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr

	if err := session.Start(command); err != nil {
		return Output{}, fmt.Errorf("start command: %w", err)
	}

	waitErr := make(chan error, 1)
	go func() {
		waitErr <- session.Wait()
	}()

	select {
	case <-ctx.Done():
		_ = session.Signal(ssh.SIGKILL)
		_ = session.Close()
		return Output{}, ctx.Err()
	case err := <-waitErr:
		out := Output{Stdout: stdout.Bytes(), Stderr: stderr.Bytes()}
		if err == nil {
			return out, nil
		}
		var exitErr *ssh.ExitError
		if errors.As(err, &exitErr) {
			out.ExitStatus = exitErr.ExitStatus()
			return out, nil
		}
		return Output{}, fmt.Errorf("run command: %w", err)
	}
}

func (c *sshConn) Close() error {
	var err error
	c.once.Do(func() {
		close(c.done)
		c.alive.Store(false)
		err = c.client.Close()
	})
	return err
}
