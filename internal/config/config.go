package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// MinPollInterval is the lowest accepted poll interval; smaller values are raised to it.
const MinPollInterval = 500 * time.Millisecond

// Names reported by MissingFields.
const (
	MissingHost       = "server_host"
	MissingUser       = "server_user"
	MissingCredential = "server_password_or_key"
)

// Config represents runtime configuration sourced from environment variables
// layered over an optional JSON/YAML file.
type Config struct {
	ListenAddr       string
	PollInterval     time.Duration
	AllowedOrigins   []string
	EnablePrometheus bool
	EnablePprof      bool
	LogLevel         slog.Level
	ConfigPath       string
	SSH              SSHConfig
	WS               WebsocketConfig
	API              APIConfig
}

// SSHConfig describes the remote host and how to reach it.
type SSHConfig struct {
	Host              string
	Port              int
	User              string
	Password          string
	KeyPath           string
	ConnectTimeout    time.Duration
	CommandTimeout    time.Duration
	AllowUnknownHosts bool
	KnownHostsFiles   []string
}

// WebsocketConfig captures tunables for WebSocket handling.
type WebsocketConfig struct {
	MaxClients   int
	WriteTimeout time.Duration
	ReadTimeout  time.Duration
}

// APIConfig limits the JSON API request rate.
type APIConfig struct {
	RateLimit float64
	RateBurst int
}

// fileConfig mirrors the on-disk keys. Pointers distinguish "unset" from zero values.
type fileConfig struct {
	ServerHost        *string  `yaml:"server_host"`
	ServerPort        *int     `yaml:"server_port"`
	ServerUser        *string  `yaml:"server_user"`
	ServerPassword    *string  `yaml:"server_password"`
	ServerKeyPath     *string  `yaml:"server_key_path"`
	PollInterval      *float64 `yaml:"poll_interval"`
	LocalHost         *string  `yaml:"local_host"`
	LocalPort         *int     `yaml:"local_port"`
	ConnectTimeout    *float64 `yaml:"ssh_connect_timeout"`
	CommandTimeout    *float64 `yaml:"ssh_command_timeout"`
	AllowUnknownHosts *bool    `yaml:"allow_unknown_hosts"`
	KnownHosts        []string `yaml:"known_hosts"`
	LogLevel          *string  `yaml:"log_level"`
	EnablePrometheus  *bool    `yaml:"enable_prometheus"`
	EnablePprof       *bool    `yaml:"enable_pprof"`
	AllowedOrigins    []string `yaml:"allowed_origins"`
}

// Load resolves the configuration: environment first, then the config file, then defaults.
func Load() (Config, error) {
	cfg := Default()

	localHost := "127.0.0.1"
	localPort := 8787

	cfg.ConfigPath = defaultConfigPath()
	if value := strings.TrimSpace(os.Getenv("GPU_MONITOR_CONFIG")); value != "" {
		cfg.ConfigPath = value
	}

	file, err := readFile(cfg.ConfigPath)
	if err != nil {
		return Config{}, err
	}
	if err := file.apply(&cfg, &localHost, &localPort); err != nil {
		return Config{}, fmt.Errorf("config file %s: %w", cfg.ConfigPath, err)
	}

	if value, ok := lookupEnv("GPU_SERVER_HOST"); ok {
		cfg.SSH.Host = value
	}
	if value, ok := lookupEnv("GPU_SERVER_USER"); ok {
		cfg.SSH.User = value
	}
	if value, ok := os.LookupEnv("GPU_SERVER_PASSWORD"); ok && value != "" {
		cfg.SSH.Password = value
	}
	if value, ok := lookupEnv("GPU_SERVER_KEY_PATH"); ok {
		cfg.SSH.KeyPath = value
	}

	if value, ok := lookupEnv("GPU_SERVER_PORT"); ok {
		port, err := parsePort(value)
		if err != nil {
			return Config{}, fmt.Errorf("parse GPU_SERVER_PORT: %w", err)
		}
		cfg.SSH.Port = port
	}

	if value, ok := lookupEnv("GPU_POLL_INTERVAL"); ok {
		interval, err := parseSeconds(value)
		if err != nil {
			return Config{}, fmt.Errorf("parse GPU_POLL_INTERVAL: %w", err)
		}
		cfg.PollInterval = interval
	}

	if value, ok := lookupEnv("GPU_LOCAL_HOST"); ok {
		localHost = value
	}

	if value, ok := lookupEnv("GPU_LOCAL_PORT"); ok {
		port, err := parsePort(value)
		if err != nil {
			return Config{}, fmt.Errorf("parse GPU_LOCAL_PORT: %w", err)
		}
		localPort = port
	}

	if value, ok := lookupEnv("GPU_SSH_CONNECT_TIMEOUT"); ok {
		timeout, err := parseSeconds(value)
		if err != nil {
			return Config{}, fmt.Errorf("parse GPU_SSH_CONNECT_TIMEOUT: %w", err)
		}
		cfg.SSH.ConnectTimeout = timeout
	}

	if value, ok := lookupEnv("GPU_SSH_COMMAND_TIMEOUT"); ok {
		timeout, err := parseSeconds(value)
		if err != nil {
			return Config{}, fmt.Errorf("parse GPU_SSH_COMMAND_TIMEOUT: %w", err)
		}
		cfg.SSH.CommandTimeout = timeout
	}

	if value, ok := lookupEnv("GPU_SSH_ALLOW_UNKNOWN_HOSTS"); ok {
		allowed, err := parseBool(value)
		if err != nil {
			return Config{}, fmt.Errorf("parse GPU_SSH_ALLOW_UNKNOWN_HOSTS: %w", err)
		}
		cfg.SSH.AllowUnknownHosts = allowed
	}

	if value, ok := lookupEnv("GPU_SSH_KNOWN_HOSTS"); ok {
		files := splitAndTrim(value, ",")
		if len(files) == 0 {
			return Config{}, fmt.Errorf("GPU_SSH_KNOWN_HOSTS must not be empty")
		}
		cfg.SSH.KnownHostsFiles = files
	}

	if value, ok := lookupEnv("GPU_ALLOWED_ORIGINS"); ok {
		origins := splitAndTrim(value, ",")
		if len(origins) == 0 {
			return Config{}, fmt.Errorf("GPU_ALLOWED_ORIGINS must not be empty")
		}
		cfg.AllowedOrigins = origins
	}

	if value, ok := lookupEnv("GPU_ENABLE_PROMETHEUS"); ok {
		enabled, err := strconv.ParseBool(value)
		if err != nil {
			return Config{}, fmt.Errorf("parse GPU_ENABLE_PROMETHEUS: %w", err)
		}
		cfg.EnablePrometheus = enabled
	}

	if value, ok := lookupEnv("GPU_ENABLE_PPROF"); ok {
		enabled, err := strconv.ParseBool(value)
		if err != nil {
			return Config{}, fmt.Errorf("parse GPU_ENABLE_PPROF: %w", err)
		}
		cfg.EnablePprof = enabled
	}

	if value, ok := lookupEnv("GPU_LOG_LEVEL"); ok {
		level, err := parseLogLevel(value)
		if err != nil {
			return Config{}, fmt.Errorf("parse GPU_LOG_LEVEL: %w", err)
		}
		cfg.LogLevel = level
	}

	if value, ok := lookupEnv("GPU_WS_MAX_CLIENTS"); ok {
		maxClients, err := strconv.Atoi(value)
		if err != nil {
			return Config{}, fmt.Errorf("parse GPU_WS_MAX_CLIENTS: %w", err)
		}
		if maxClients <= 0 {
			return Config{}, fmt.Errorf("GPU_WS_MAX_CLIENTS must be > 0")
		}
		cfg.WS.MaxClients = maxClients
	}

	if value, ok := lookupEnv("GPU_WS_WRITE_TIMEOUT"); ok {
		timeout, err := parseSeconds(value)
		if err != nil {
			return Config{}, fmt.Errorf("parse GPU_WS_WRITE_TIMEOUT: %w", err)
		}
		cfg.WS.WriteTimeout = timeout
	}

	if value, ok := lookupEnv("GPU_WS_READ_TIMEOUT"); ok {
		timeout, err := parseSeconds(value)
		if err != nil {
			return Config{}, fmt.Errorf("parse GPU_WS_READ_TIMEOUT: %w", err)
		}
		cfg.WS.ReadTimeout = timeout
	}

	if value, ok := lookupEnv("GPU_API_RATE_LIMIT"); ok {
		limit, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return Config{}, fmt.Errorf("parse GPU_API_RATE_LIMIT: %w", err)
		}
		if limit <= 0 {
			return Config{}, fmt.Errorf("GPU_API_RATE_LIMIT must be > 0")
		}
		cfg.API.RateLimit = limit
	}

	if value, ok := lookupEnv("GPU_API_RATE_BURST"); ok {
		burst, err := strconv.Atoi(value)
		if err != nil {
			return Config{}, fmt.Errorf("parse GPU_API_RATE_BURST: %w", err)
		}
		if burst <= 0 {
			return Config{}, fmt.Errorf("GPU_API_RATE_BURST must be > 0")
		}
		cfg.API.RateBurst = burst
	}

	cfg.SSH.KeyPath = ExpandHome(cfg.SSH.KeyPath)
	cfg.SSH.KnownHostsFiles = ExpandHomeAll(cfg.SSH.KnownHostsFiles)
	cfg.PollInterval = ClampPollInterval(cfg.PollInterval)
	cfg.ListenAddr = net.JoinHostPort(localHost, strconv.Itoa(localPort))

	return cfg, nil
}

// Default returns the configuration used when neither environment nor file set a value.
func Default() Config {
	return Config{
		ListenAddr:     "127.0.0.1:8787",
		PollInterval:   time.Second,
		AllowedOrigins: []string{"*"},
		LogLevel:       slog.LevelInfo,
		SSH: SSHConfig{
			Port:              22,
			ConnectTimeout:    5 * time.Second,
			CommandTimeout:    5 * time.Second,
			AllowUnknownHosts: false,
			KnownHostsFiles:   []string{"~/.ssh/known_hosts", "/etc/ssh/ssh_known_hosts"},
		},
		WS: WebsocketConfig{
			MaxClients:   64,
			WriteTimeout: 3 * time.Second,
			ReadTimeout:  30 * time.Second,
		},
		API: APIConfig{
			RateLimit: 50,
			RateBurst: 100,
		},
	}
}

// MissingFields lists the credential settings required before a connection can be attempted.
func (c SSHConfig) MissingFields() []string {
	var missing []string
	if c.Host == "" {
		missing = append(missing, MissingHost)
	}
	if c.User == "" {
		missing = append(missing, MissingUser)
	}
	if c.Password == "" && c.KeyPath == "" {
		missing = append(missing, MissingCredential)
	}
	return missing
}

// Addr returns the host:port pair of the remote host.
func (c SSHConfig) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// ClampPollInterval raises intervals below MinPollInterval.
func ClampPollInterval(interval time.Duration) time.Duration {
	if interval < MinPollInterval {
		return MinPollInterval
	}
	return interval
}

func readFile(path string) (fileConfig, error) {
	var file fileConfig
	if path == "" {
		return file, nil
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return file, nil
	}
	if err != nil {
		return file, fmt.Errorf("read config file: %w", err)
	}
	// YAML is a superset of JSON, so config.json parses as-is.
	if err := yaml.Unmarshal(data, &file); err != nil {
		return file, fmt.Errorf("parse config file %s: %w", path, err)
	}
	return file, nil
}

func (f fileConfig) apply(cfg *Config, localHost *string, localPort *int) error {
	setString := func(dst *string, src *string) {
		if src != nil && strings.TrimSpace(*src) != "" {
			*dst = strings.TrimSpace(*src)
		}
	}

	setString(&cfg.SSH.Host, f.ServerHost)
	setString(&cfg.SSH.User, f.ServerUser)
	if f.ServerPassword != nil && *f.ServerPassword != "" {
		cfg.SSH.Password = *f.ServerPassword
	}
	setString(&cfg.SSH.KeyPath, f.ServerKeyPath)
	setString(localHost, f.LocalHost)

	if f.ServerPort != nil {
		if *f.ServerPort < 1 || *f.ServerPort > 65535 {
			return fmt.Errorf("server_port must be 1-65535, got %d", *f.ServerPort)
		}
		cfg.SSH.Port = *f.ServerPort
	}
	if f.LocalPort != nil {
		if *f.LocalPort < 1 || *f.LocalPort > 65535 {
			return fmt.Errorf("local_port must be 1-65535, got %d", *f.LocalPort)
		}
		*localPort = *f.LocalPort
	}
	if f.PollInterval != nil {
		cfg.PollInterval = secondsToDuration(*f.PollInterval)
	}
	if f.ConnectTimeout != nil {
		if *f.ConnectTimeout <= 0 {
			return fmt.Errorf("ssh_connect_timeout must be > 0")
		}
		cfg.SSH.ConnectTimeout = secondsToDuration(*f.ConnectTimeout)
	}
	if f.CommandTimeout != nil {
		if *f.CommandTimeout <= 0 {
			return fmt.Errorf("ssh_command_timeout must be > 0")
		}
		cfg.SSH.CommandTimeout = secondsToDuration(*f.CommandTimeout)
	}
	if f.AllowUnknownHosts != nil {
		cfg.SSH.AllowUnknownHosts = *f.AllowUnknownHosts
	}
	if files := trimAll(f.KnownHosts); len(files) > 0 {
		cfg.SSH.KnownHostsFiles = files
	}
	if f.LogLevel != nil {
		level, err := parseLogLevel(*f.LogLevel)
		if err != nil {
			return fmt.Errorf("log_level: %w", err)
		}
		cfg.LogLevel = level
	}
	if f.EnablePrometheus != nil {
		cfg.EnablePrometheus = *f.EnablePrometheus
	}
	if f.EnablePprof != nil {
		cfg.EnablePprof = *f.EnablePprof
	}
	if origins := trimAll(f.AllowedOrigins); len(origins) > 0 {
		cfg.AllowedOrigins = origins
	}
	return nil
}

func defaultConfigPath() string {
	exe, err := os.Executable()
	if err != nil {
		return "config.json"
	}
	return filepath.Join(filepath.Dir(exe), "config.json")
}

func lookupEnv(key string) (string, bool) {
	value := strings.TrimSpace(os.Getenv(key))
	return value, value != ""
}

// parseSeconds accepts plain seconds ("1.5") or Go durations ("1500ms").
func parseSeconds(value string) (time.Duration, error) {
	var duration time.Duration
	if seconds, err := strconv.ParseFloat(value, 64); err == nil {
		duration = secondsToDuration(seconds)
	} else {
		parsed, err := time.ParseDuration(value)
		if err != nil {
			return 0, fmt.Errorf("invalid duration %q", value)
		}
		duration = parsed
	}
	if duration <= 0 {
		return 0, fmt.Errorf("duration must be > 0, got %q", value)
	}
	return duration, nil
}

func secondsToDuration(seconds float64) time.Duration {
	return time.Duration(seconds * float64(time.Second))
}

func parsePort(value string) (int, error) {
	port, err := strconv.Atoi(value)
	if err != nil {
		return 0, err
	}
	if port < 1 || port > 65535 {
		return 0, fmt.Errorf("port must be 1-65535, got %d", port)
	}
	return port, nil
}

func parseBool(value string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "y":
		return true, nil
	case "0", "false", "no", "n":
		return false, nil
	default:
		return false, fmt.Errorf("unsupported boolean %q", value)
	}
}

// ExpandHome replaces a leading "~" with the current user's home directory.
func ExpandHome(path string) string {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~"))
}

// ExpandHomeAll applies ExpandHome to every path.
func ExpandHomeAll(paths []string) []string {
	out := make([]string, 0, len(paths))
	for _, path := range paths {
		out = append(out, ExpandHome(path))
	}
	return out
}

func splitAndTrim(value, sep string) []string {
	return trimAll(strings.Split(value, sep))
}

func trimAll(raw []string) []string {
	out := make([]string, 0, len(raw))
	for _, item := range raw {
		trimmed := strings.TrimSpace(item)
		if trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func parseLogLevel(input string) (slog.Level, error) {
	switch strings.ToUpper(strings.TrimSpace(input)) {
	case "DEBUG":
		return slog.LevelDebug, nil
	case "INFO":
		return slog.LevelInfo, nil
	case "WARN", "WARNING":
		return slog.LevelWarn, nil
	case "ERROR":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unsupported log level %q", input)
	}
}
