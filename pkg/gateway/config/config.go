package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	Addr string

	// AWS region used by the ambient credential chain and handed to the
	// backend on connect.
	Region string

	// Upstream streaming backend websocket endpoint.
	BackendURL string

	LogLevel string

	// Hard transport limit for one outbound message. Envelopes above the
	// forward threshold are split before hitting this.
	MaxEventBytes int

	// Splitting kicks in when a backend response serializes above this.
	ForwardThresholdBytes int

	// Read limit applied to client sockets.
	MaxClientMessageBytes int64

	AudioQueueSize  int
	OutputQueueSize int

	WSWriteTimeout   time.Duration
	WSPingInterval   time.Duration
	HandshakeTimeout time.Duration

	ReadHeaderTimeout   time.Duration
	ShutdownGracePeriod time.Duration

	// Origin allowlist for websocket upgrades. Empty means allow all.
	AllowedOrigins map[string]struct{}
}

func LoadFromEnv() (Config, error) {
	cfg := Config{
		Addr:                  envOr("SPEECHBRIDGE_ADDR", ":8080"),
		Region:                envOr("SPEECHBRIDGE_REGION", "us-east-1"),
		BackendURL:            envOr("SPEECHBRIDGE_BACKEND_URL", ""),
		LogLevel:              strings.ToLower(envOr("SPEECHBRIDGE_LOG_LEVEL", "info")),
		MaxEventBytes:         envIntOr("SPEECHBRIDGE_MAX_EVENT_BYTES", 128<<10),
		ForwardThresholdBytes: envIntOr("SPEECHBRIDGE_FORWARD_THRESHOLD_BYTES", 64<<10),
		MaxClientMessageBytes: envInt64Or("SPEECHBRIDGE_MAX_CLIENT_MESSAGE_BYTES", 1<<20),
		AudioQueueSize:        envIntOr("SPEECHBRIDGE_AUDIO_QUEUE_SIZE", 256),
		OutputQueueSize:       envIntOr("SPEECHBRIDGE_OUTPUT_QUEUE_SIZE", 128),
		WSWriteTimeout:        envDurationOr("SPEECHBRIDGE_WS_WRITE_TIMEOUT", 5*time.Second),
		WSPingInterval:        envDurationOr("SPEECHBRIDGE_WS_PING_INTERVAL", 20*time.Second),
		HandshakeTimeout:      envDurationOr("SPEECHBRIDGE_HANDSHAKE_TIMEOUT", 10*time.Second),
		ReadHeaderTimeout:     envDurationOr("SPEECHBRIDGE_READ_HEADER_TIMEOUT", 10*time.Second),
		ShutdownGracePeriod:   envDurationOr("SPEECHBRIDGE_SHUTDOWN_GRACE", 30*time.Second),
		AllowedOrigins:        make(map[string]struct{}),
	}

	for _, origin := range splitCSV(os.Getenv("SPEECHBRIDGE_ALLOWED_ORIGINS")) {
		cfg.AllowedOrigins[origin] = struct{}{}
	}

	switch cfg.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return Config{}, fmt.Errorf("SPEECHBRIDGE_LOG_LEVEL must be one of debug|info|warn|error")
	}
	if strings.TrimSpace(cfg.Region) == "" {
		return Config{}, fmt.Errorf("SPEECHBRIDGE_REGION must not be empty")
	}
	if cfg.MaxEventBytes <= 0 {
		return Config{}, fmt.Errorf("SPEECHBRIDGE_MAX_EVENT_BYTES must be > 0")
	}
	if cfg.ForwardThresholdBytes <= 0 {
		return Config{}, fmt.Errorf("SPEECHBRIDGE_FORWARD_THRESHOLD_BYTES must be > 0")
	}
	if cfg.ForwardThresholdBytes > cfg.MaxEventBytes {
		return Config{}, fmt.Errorf("SPEECHBRIDGE_FORWARD_THRESHOLD_BYTES must be <= SPEECHBRIDGE_MAX_EVENT_BYTES")
	}
	if cfg.MaxClientMessageBytes <= 0 {
		return Config{}, fmt.Errorf("SPEECHBRIDGE_MAX_CLIENT_MESSAGE_BYTES must be > 0")
	}
	if cfg.AudioQueueSize <= 0 {
		return Config{}, fmt.Errorf("SPEECHBRIDGE_AUDIO_QUEUE_SIZE must be > 0")
	}
	if cfg.OutputQueueSize <= 0 {
		return Config{}, fmt.Errorf("SPEECHBRIDGE_OUTPUT_QUEUE_SIZE must be > 0")
	}
	if cfg.WSWriteTimeout <= 0 {
		return Config{}, fmt.Errorf("SPEECHBRIDGE_WS_WRITE_TIMEOUT must be > 0")
	}
	if cfg.WSPingInterval <= 0 {
		return Config{}, fmt.Errorf("SPEECHBRIDGE_WS_PING_INTERVAL must be > 0")
	}
	if cfg.HandshakeTimeout <= 0 {
		return Config{}, fmt.Errorf("SPEECHBRIDGE_HANDSHAKE_TIMEOUT must be > 0")
	}
	if cfg.ReadHeaderTimeout <= 0 {
		return Config{}, fmt.Errorf("SPEECHBRIDGE_READ_HEADER_TIMEOUT must be > 0")
	}
	if cfg.ShutdownGracePeriod <= 0 {
		return Config{}, fmt.Errorf("SPEECHBRIDGE_SHUTDOWN_GRACE must be > 0")
	}

	return cfg, nil
}

// OriginAllowed reports whether origin may open a websocket connection.
func (c Config) OriginAllowed(origin string) bool {
	if len(c.AllowedOrigins) == 0 {
		return true
	}
	_, ok := c.AllowedOrigins[strings.TrimSpace(origin)]
	return ok
}

func envOr(key, def string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	return v
}

func envIntOr(key string, def int) int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return n
}

func envInt64Or(key string, def int64) int64 {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return def
	}
	return n
}

func envDurationOr(key string, def time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return def
	}
	return d
}

func splitCSV(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
