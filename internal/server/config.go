// Package server provides configuration helpers that define runtime defaults,
// validation, and rate-limiting parameters for the tcpcast relay.
package server

import (
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	defaultHost           = "127.0.0.1"
	defaultPort           = 7878
	defaultThreads        = 64
	defaultBufferSize     = 1024
	defaultSendQueueSize  = 256
	defaultWriteTimeout   = 10 * time.Second
	defaultRefillInterval = time.Second
	defaultMaxMessageSize = 1024
)

// RateLimitConfig defines the parameters for per-connection chunk rate limiting.
// A Burst of zero disables limiting.
type RateLimitConfig struct {
	Burst          int
	RefillInterval time.Duration
}

// Config holds the relay configuration.
type Config struct {
	Host string
	Port int

	// Threads is the number of handler slots, i.e. the maximum number of
	// connections served at the same time across all transports.
	Threads int

	// BufferSize is the size of the per-connection read buffer. One read is
	// one broadcast.
	BufferSize    int
	SendQueueSize int
	WriteTimeout  time.Duration
	IdleTimeout   time.Duration

	// EchoSender delivers broadcasts back to the connection that sent them.
	EchoSender bool
	RateLimit  RateLimitConfig

	// HTTPAddr enables the WebSocket bridge and the HTTP endpoints when set.
	HTTPAddr       string
	AllowedOrigins []string
	MaxMessageSize int64

	// QUICAddr enables the QUIC bridge when set.
	QUICAddr string

	Logger *slog.Logger
}

func defaultConfig() Config {
	return Config{
		Host:          defaultHost,
		Port:          defaultPort,
		Threads:       defaultThreads,
		BufferSize:    defaultBufferSize,
		SendQueueSize: defaultSendQueueSize,
		WriteTimeout:  defaultWriteTimeout,
		EchoSender:    true,
		RateLimit: RateLimitConfig{
			RefillInterval: defaultRefillInterval,
		},
		AllowedOrigins: []string{
			"http://localhost:8080",
		},
		MaxMessageSize: defaultMaxMessageSize,
	}
}

// sanitize replaces invalid values with their defaults. Host and Port are
// left untouched: binding decides whether they make sense.
func (cfg Config) sanitize() Config {
	if cfg.Threads <= 0 {
		cfg.Threads = defaultThreads
	}

	if cfg.BufferSize <= 0 {
		cfg.BufferSize = defaultBufferSize
	}

	if cfg.SendQueueSize <= 0 {
		cfg.SendQueueSize = defaultSendQueueSize
	}

	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = defaultWriteTimeout
	}

	if cfg.IdleTimeout < 0 {
		cfg.IdleTimeout = 0
	}

	if cfg.RateLimit.Burst < 0 {
		cfg.RateLimit.Burst = 0
	}

	if cfg.RateLimit.RefillInterval <= 0 {
		cfg.RateLimit.RefillInterval = defaultRefillInterval
	}

	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = defaultMaxMessageSize
	}

	cfg.AllowedOrigins = append([]string(nil), cfg.AllowedOrigins...)

	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return cfg
}

// NewConfig creates a Config instance populated with default values for all settings.
func NewConfig() *Config {
	cfg := defaultConfig()
	return &cfg
}

// NewConfigFromEnv creates a Config instance from environment variables.
// Falls back to default values if environment variables are not set or invalid.
func NewConfigFromEnv() *Config {
	cfg := defaultConfig()

	if host := os.Getenv("SERVER_HOST"); host != "" {
		cfg.Host = host
	}

	if port := os.Getenv("SERVER_PORT"); port != "" {
		cfg.Port = parsePort(port, cfg.Port)
	}

	if threads := os.Getenv("SERVER_THREADS"); threads != "" {
		cfg.Threads = parseIntValue(threads, cfg.Threads)
	}

	if size := os.Getenv("BUFFER_SIZE"); size != "" {
		cfg.BufferSize = parseIntValue(size, cfg.BufferSize)
	}

	if size := os.Getenv("SEND_QUEUE_SIZE"); size != "" {
		cfg.SendQueueSize = parseIntValue(size, cfg.SendQueueSize)
	}

	if timeout := os.Getenv("WRITE_TIMEOUT"); timeout != "" {
		cfg.WriteTimeout = parseSeconds(timeout, cfg.WriteTimeout)
	}

	if timeout := os.Getenv("IDLE_TIMEOUT"); timeout != "" {
		cfg.IdleTimeout = parseSeconds(timeout, cfg.IdleTimeout)
	}

	if echo := os.Getenv("ECHO_SENDER"); echo != "" {
		cfg.EchoSender = parseBool(echo, cfg.EchoSender)
	}

	if burst := os.Getenv("RATE_LIMIT_BURST"); burst != "" {
		cfg.RateLimit.Burst = parseIntValue(burst, cfg.RateLimit.Burst)
	}

	if interval := os.Getenv("RATE_LIMIT_REFILL_INTERVAL"); interval != "" {
		cfg.RateLimit.RefillInterval = parseSeconds(interval, cfg.RateLimit.RefillInterval)
	}

	if addr := os.Getenv("HTTP_ADDR"); addr != "" {
		cfg.HTTPAddr = addr
	}

	if addr := os.Getenv("QUIC_ADDR"); addr != "" {
		cfg.QUICAddr = addr
	}

	if origins := os.Getenv("ALLOWED_ORIGINS"); origins != "" {
		cfg.AllowedOrigins = parseOrigins(origins)
	}

	if maxSize := os.Getenv("MAX_MESSAGE_SIZE"); maxSize != "" {
		cfg.MaxMessageSize = parseMaxMessageSize(maxSize, cfg.MaxMessageSize)
	}

	return &cfg
}

func parseOrigins(origins string) []string {
	parts := strings.Split(origins, ",")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return parts
}

func parsePort(value string, defaultValue int) int {
	if port, err := strconv.Atoi(value); err == nil && port >= 0 && port <= 65535 {
		return port
	}
	return defaultValue
}

func parseMaxMessageSize(value string, defaultValue int64) int64 {
	if size, err := strconv.ParseInt(value, 10, 64); err == nil && size > 0 {
		return size
	}
	return defaultValue
}

func parseIntValue(value string, defaultValue int) int {
	if parsed, err := strconv.Atoi(value); err == nil && parsed > 0 {
		return parsed
	}
	return defaultValue
}

func parseSeconds(value string, defaultValue time.Duration) time.Duration {
	if seconds, err := strconv.Atoi(value); err == nil && seconds > 0 {
		return time.Duration(seconds) * time.Second
	}
	return defaultValue
}

func parseBool(value string, defaultValue bool) bool {
	if parsed, err := strconv.ParseBool(value); err == nil {
		return parsed
	}
	return defaultValue
}
