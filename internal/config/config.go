// Package config loads the server and peer configuration from environment
// variables with command-line flag overrides.
package config

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/meshconf/meshconf/internal/origin"
)

const (
	envListenAddr      = "MESHCONF_LISTEN_ADDR"
	envPublicBaseURL   = "MESHCONF_PUBLIC_BASE_URL"
	envMode            = "MESHCONF_MODE"
	envLogFormat       = "MESHCONF_LOG_FORMAT"
	envLogLevel        = "MESHCONF_LOG_LEVEL"
	envShutdownTimeout = "MESHCONF_SHUTDOWN_TIMEOUT"

	envAllowedOrigins = "ALLOWED_ORIGINS"

	// Signaling WebSocket hardening.
	envMaxSignalingMessageBytes      = "MAX_SIGNALING_MESSAGE_BYTES"
	envMaxSignalingMessagesPerSecond = "MAX_SIGNALING_MESSAGES_PER_SECOND"
	envSignalingWSIdleTimeout        = "SIGNALING_WS_IDLE_TIMEOUT"
	envSignalingWSPingInterval       = "SIGNALING_WS_PING_INTERVAL"

	// Client-side negotiation deadline: a session that has not applied a
	// remote description within this window is forced to fail.
	envNegotiationTimeout = "NEGOTIATION_TIMEOUT"
)

type Mode string

const (
	ModeDev  Mode = "dev"
	ModeProd Mode = "prod"
)

type LogFormat string

const (
	LogFormatText LogFormat = "text"
	LogFormatJSON LogFormat = "json"
)

const (
	DefaultListenAddr      = "127.0.0.1:8080"
	DefaultShutdownTimeout = 15 * time.Second

	DefaultMaxSignalingMessageBytes      = int64(64 * 1024)
	DefaultMaxSignalingMessagesPerSecond = 50
	DefaultSignalingWSIdleTimeout        = 60 * time.Second
	DefaultSignalingWSPingInterval       = 20 * time.Second

	DefaultNegotiationTimeout = 30 * time.Second
)

type Config struct {
	ListenAddr    string
	PublicBaseURL string
	Mode          Mode
	LogFormat     LogFormat
	LogLevel      slog.Level

	ShutdownTimeout time.Duration

	AllowedOrigins []string

	MaxSignalingMessageBytes      int64
	MaxSignalingMessagesPerSecond int
	SignalingWSIdleTimeout        time.Duration
	SignalingWSPingInterval       time.Duration

	NegotiationTimeout time.Duration

	ICEServers []webrtc.ICEServer
}

// Load builds the configuration from the process environment, then applies
// flag overrides from args.
func Load(args []string) (Config, error) {
	return load(args, os.LookupEnv)
}

func load(args []string, lookup func(string) (string, bool)) (Config, error) {
	cfg := Config{
		ListenAddr:      envOrDefault(lookup, envListenAddr, DefaultListenAddr),
		PublicBaseURL:   envOrDefault(lookup, envPublicBaseURL, ""),
		ShutdownTimeout: DefaultShutdownTimeout,

		MaxSignalingMessageBytes:      DefaultMaxSignalingMessageBytes,
		MaxSignalingMessagesPerSecond: DefaultMaxSignalingMessagesPerSecond,
		SignalingWSIdleTimeout:        DefaultSignalingWSIdleTimeout,
		SignalingWSPingInterval:       DefaultSignalingWSPingInterval,

		NegotiationTimeout: DefaultNegotiationTimeout,
	}

	mode, err := parseMode(envOrDefault(lookup, envMode, string(ModeDev)))
	if err != nil {
		return Config{}, err
	}
	cfg.Mode = mode

	defaultFormat := LogFormatText
	if mode == ModeProd {
		defaultFormat = LogFormatJSON
	}
	format, err := parseLogFormat(envOrDefault(lookup, envLogFormat, string(defaultFormat)))
	if err != nil {
		return Config{}, err
	}
	cfg.LogFormat = format

	level, err := parseLogLevel(envOrDefault(lookup, envLogLevel, "info"))
	if err != nil {
		return Config{}, err
	}
	cfg.LogLevel = level

	if raw, ok := lookup(envAllowedOrigins); ok {
		cfg.AllowedOrigins = origin.ParseAllowedOrigins(raw)
	}

	if cfg.ShutdownTimeout, err = envDurationOrDefault(lookup, envShutdownTimeout, DefaultShutdownTimeout); err != nil {
		return Config{}, err
	}
	if cfg.SignalingWSIdleTimeout, err = envDurationOrDefault(lookup, envSignalingWSIdleTimeout, DefaultSignalingWSIdleTimeout); err != nil {
		return Config{}, err
	}
	if cfg.SignalingWSPingInterval, err = envDurationOrDefault(lookup, envSignalingWSPingInterval, DefaultSignalingWSPingInterval); err != nil {
		return Config{}, err
	}
	if cfg.NegotiationTimeout, err = envDurationOrDefault(lookup, envNegotiationTimeout, DefaultNegotiationTimeout); err != nil {
		return Config{}, err
	}

	maxBytes, err := envIntOrDefault(lookup, envMaxSignalingMessageBytes, int(DefaultMaxSignalingMessageBytes))
	if err != nil {
		return Config{}, err
	}
	if maxBytes <= 0 {
		return Config{}, fmt.Errorf("%s must be positive, got %d", envMaxSignalingMessageBytes, maxBytes)
	}
	cfg.MaxSignalingMessageBytes = int64(maxBytes)

	perSecond, err := envIntOrDefault(lookup, envMaxSignalingMessagesPerSecond, DefaultMaxSignalingMessagesPerSecond)
	if err != nil {
		return Config{}, err
	}
	if perSecond <= 0 {
		return Config{}, fmt.Errorf("%s must be positive, got %d", envMaxSignalingMessagesPerSecond, perSecond)
	}
	cfg.MaxSignalingMessagesPerSecond = perSecond

	if cfg.ICEServers, err = parseICEServers(lookup); err != nil {
		return Config{}, err
	}

	fs := flag.NewFlagSet("meshconf", flag.ContinueOnError)
	fs.StringVar(&cfg.ListenAddr, "listen-addr", cfg.ListenAddr, "TCP listen address")
	fs.StringVar(&cfg.PublicBaseURL, "public-base-url", cfg.PublicBaseURL, "external base URL used in room links")
	modeFlag := fs.String("mode", string(cfg.Mode), "run mode: dev or prod")
	formatFlag := fs.String("log-format", string(cfg.LogFormat), "log format: text or json")
	levelFlag := fs.String("log-level", "", "log level: debug, info, warn, error")
	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	if cfg.Mode, err = parseMode(*modeFlag); err != nil {
		return Config{}, err
	}
	if cfg.LogFormat, err = parseLogFormat(*formatFlag); err != nil {
		return Config{}, err
	}
	if *levelFlag != "" {
		if cfg.LogLevel, err = parseLogLevel(*levelFlag); err != nil {
			return Config{}, err
		}
	}

	if cfg.ListenAddr == "" {
		return Config{}, fmt.Errorf("listen address must not be empty")
	}
	if cfg.SignalingWSPingInterval >= cfg.SignalingWSIdleTimeout {
		return Config{}, fmt.Errorf("%s (%s) must be shorter than %s (%s)",
			envSignalingWSPingInterval, cfg.SignalingWSPingInterval,
			envSignalingWSIdleTimeout, cfg.SignalingWSIdleTimeout)
	}

	return cfg, nil
}

func NewLogger(cfg Config) (*slog.Logger, error) {
	opts := &slog.HandlerOptions{Level: cfg.LogLevel}

	var handler slog.Handler
	switch cfg.LogFormat {
	case LogFormatText:
		handler = slog.NewTextHandler(os.Stdout, opts)
	case LogFormatJSON:
		handler = slog.NewJSONHandler(os.Stdout, opts)
	default:
		return nil, fmt.Errorf("unsupported log format %q", cfg.LogFormat)
	}

	return slog.New(handler), nil
}

func parseMode(raw string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(ModeDev), "development":
		return ModeDev, nil
	case string(ModeProd), "production":
		return ModeProd, nil
	default:
		return "", fmt.Errorf("unsupported mode %q", raw)
	}
}

func parseLogFormat(raw string) (LogFormat, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(LogFormatText):
		return LogFormatText, nil
	case string(LogFormatJSON):
		return LogFormatJSON, nil
	default:
		return "", fmt.Errorf("unsupported log format %q", raw)
	}
}

func parseLogLevel(raw string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("unsupported log level %q", raw)
	}
}

func envOrDefault(lookup func(string) (string, bool), key, fallback string) string {
	if v, ok := lookup(key); ok && v != "" {
		return v
	}
	return fallback
}

func envIntOrDefault(lookup func(string) (string, bool), key string, fallback int) (int, error) {
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return n, nil
}

func envDurationOrDefault(lookup func(string) (string, bool), key string, fallback time.Duration) (time.Duration, error) {
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("invalid %s %q: must be positive", key, raw)
	}
	return d, nil
}
