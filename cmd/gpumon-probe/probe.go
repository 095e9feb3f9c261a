package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/urfave/cli/v3"
	"gopkg.in/yaml.v3"

	"github.com/skobkin/gpumon-web/internal/config"
	"github.com/skobkin/gpumon-web/internal/nvsmi"
	"github.com/skobkin/gpumon-web/internal/poller"
	"github.com/skobkin/gpumon-web/internal/remote"
	"github.com/skobkin/gpumon-web/internal/version"
)

const (
	formatJSON = "json"
	formatYAML = "yaml"
)

func newCommand(stdout, stderr io.Writer) *cli.Command {
	return &cli.Command{
		Name:  "gpumon-probe",
		Usage: "Run one nvidia-smi collection over SSH and print the snapshot",
		Description: `Settings are read the same way as gpumon-web (GPU_* environment
variables layered over the GPU_MONITOR_CONFIG file); flags override both.`,
		Version:   version.Current().String(),
		Writer:    stdout,
		ErrWriter: stderr,
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "host", Usage: "remote host name or address"},
			&cli.IntFlag{Name: "port", Usage: "remote SSH port"},
			&cli.StringFlag{Name: "user", Aliases: []string{"u"}, Usage: "remote SSH user"},
			&cli.StringFlag{Name: "password", Usage: "SSH password, also unlocks encrypted keys"},
			&cli.StringFlag{Name: "key", Aliases: []string{"i"}, Usage: "path to a private key"},
			&cli.DurationFlag{Name: "connect-timeout", Usage: "SSH connect timeout"},
			&cli.DurationFlag{Name: "command-timeout", Usage: "remote command timeout"},
			&cli.BoolFlag{Name: "allow-unknown-hosts", Usage: "trust host keys missing from known_hosts"},
			&cli.StringSliceFlag{Name: "known-hosts", Usage: "known_hosts file (can be repeated)"},
			&cli.DurationFlag{Name: "timeout", Usage: "overall deadline for the probe", Value: 30 * time.Second},
			&cli.StringFlag{Name: "format", Aliases: []string{"o"}, Usage: "output format: json or yaml", Value: formatJSON},
			&cli.BoolFlag{Name: "verbose", Usage: "log session activity to stderr"},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			format := cmd.String("format")
			if format != formatJSON && format != formatYAML {
				return fmt.Errorf("unknown output format: %q", format)
			}

			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			applyFlags(cmd, &cfg.SSH)

			level := slog.LevelWarn
			if cmd.Bool("verbose") {
				level = slog.LevelDebug
			}
			logger := slog.New(slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: level}))

			if timeout := cmd.Duration("timeout"); timeout > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, timeout)
				defer cancel()
			}

			snapshot, err := probe(ctx, cfg, remote.NewSSHDialer(logger), logger)
			if err != nil {
				return err
			}
			return writeSnapshot(stdout, format, snapshot)
		},
	}
}

func applyFlags(cmd *cli.Command, ssh *config.SSHConfig) {
	if cmd.IsSet("host") {
		ssh.Host = cmd.String("host")
	}
	if cmd.IsSet("port") {
		ssh.Port = int(cmd.Int("port"))
	}
	if cmd.IsSet("user") {
		ssh.User = cmd.String("user")
	}
	if cmd.IsSet("password") {
		ssh.Password = cmd.String("password")
	}
	if cmd.IsSet("key") {
		ssh.KeyPath = config.ExpandHome(cmd.String("key"))
	}
	if cmd.IsSet("connect-timeout") {
		ssh.ConnectTimeout = cmd.Duration("connect-timeout")
	}
	if cmd.IsSet("command-timeout") {
		ssh.CommandTimeout = cmd.Duration("command-timeout")
	}
	if cmd.IsSet("allow-unknown-hosts") {
		ssh.AllowUnknownHosts = cmd.Bool("allow-unknown-hosts")
	}
	if cmd.IsSet("known-hosts") {
		ssh.KnownHostsFiles = config.ExpandHomeAll(cmd.StringSlice("known-hosts"))
	}
}

// probe runs exactly one collection cycle and closes the session.
func probe(ctx context.Context, cfg config.Config, dialer remote.Dialer, logger *slog.Logger) (*nvsmi.Snapshot, error) {
	session := remote.NewManager(cfg.SSH, dialer, logger)
	defer func() {
		if err := session.Disconnect(); err != nil {
			logger.Debug("disconnect failed", "err", err)
		}
	}()

	p, err := poller.New(cfg.PollInterval, session, poller.SinkFunc(func(*nvsmi.Snapshot, error) {}), logger)
	if err != nil {
		return nil, err
	}
	return p.Collect(ctx)
}

func writeSnapshot(w io.Writer, format string, snapshot *nvsmi.Snapshot) error {
	switch format {
	case formatYAML:
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(snapshot); err != nil {
			return fmt.Errorf("encode yaml: %w", err)
		}
		return enc.Close()
	default:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		if err := enc.Encode(snapshot); err != nil {
			return fmt.Errorf("encode json: %w", err)
		}
		return nil
	}
}
