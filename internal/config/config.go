// Package config provides application configuration.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all application configuration.
type Config struct {
	Port        string
	FrontendURL string
	DBPath      string
	ProfilePath string
	Agent       AgentConfig
	Desktop     DesktopConfig
	Session     SessionConfig
	Stream      StreamConfig
	RateLimit   RateLimitConfig

	// MaxRequestBodySize caps JSON request bodies.
	MaxRequestBodySize int64

	Profile *Profile
}

// AgentConfig controls the reasoning-model gRPC client.
type AgentConfig struct {
	Address        string
	ConnectTimeout time.Duration
	RequestTimeout time.Duration
}

// DesktopConfig controls the remote desktop container.
type DesktopConfig struct {
	Name      string
	Image     string
	AutoStart bool
	TTL       time.Duration
}

// SessionConfig controls session lifetime.
type SessionConfig struct {
	IdleTTL      time.Duration
	MaxSteps     int
	DrainTimeout time.Duration
}

// StreamConfig controls progress event delivery.
type StreamConfig struct {
	BufferSize        int
	HeartbeatInterval time.Duration
	RetryDelay        time.Duration
}

// RateLimitConfig controls start/continue throttling per client.
type RateLimitConfig struct {
	RequestsPerWindow int
	WindowDuration    time.Duration
}

// Load reads configuration from environment variables and the optional agent profile.
func Load() (*Config, error) {
	cfg := &Config{
		Port:        getEnv("PORT", "8080"),
		FrontendURL: getEnv("FRONTEND_URL", ""),
		DBPath:      getEnv("DB_PATH", "./data/deskpilot.db"),
		ProfilePath: getEnv("PROFILE_PATH", ""),
		Agent: AgentConfig{
			Address:        getEnv("AGENT_ADDR", ""),
			ConnectTimeout: getEnvDuration("AGENT_CONNECT_TIMEOUT", 5*time.Second),
			RequestTimeout: getEnvDuration("AGENT_REQUEST_TIMEOUT", 120*time.Second),
		},
		Desktop: DesktopConfig{
			Name:      getEnv("DESKTOP_NAME", "computer_use_agent"),
			Image:     getEnv("DESKTOP_IMAGE", "spongebox/spongecake:latest"),
			AutoStart: getEnvBool("DESKTOP_AUTOSTART", false),
			TTL:       getEnvDuration("DESKTOP_TTL", 60*time.Minute),
		},
		Session: SessionConfig{
			IdleTTL:      getEnvDuration("SESSION_IDLE_TTL", 30*time.Minute),
			MaxSteps:     getEnvInt("MAX_STEPS_PER_TURN", 50),
			DrainTimeout: getEnvDuration("DRAIN_TIMEOUT", 30*time.Second),
		},
		Stream: StreamConfig{
			BufferSize:        getEnvInt("EVENT_BUFFER_SIZE", 64),
			HeartbeatInterval: getEnvDuration("HEARTBEAT_INTERVAL", 15*time.Second),
			RetryDelay:        getEnvDuration("SSE_RETRY_DELAY", 5*time.Second),
		},
		RateLimit: RateLimitConfig{
			RequestsPerWindow: getEnvInt("RATE_LIMIT_REQUESTS", 30),
			WindowDuration:    getEnvDuration("RATE_LIMIT_WINDOW", time.Minute),
		},
		MaxRequestBodySize: int64(getEnvInt("MAX_REQUEST_BODY", 1<<20)),
	}

	profile := DefaultProfile()
	if cfg.ProfilePath != "" {
		loaded, err := LoadProfile(cfg.ProfilePath)
		if err != nil {
			return nil, fmt.Errorf("load profile: %w", err)
		}
		profile = loaded
	}
	cfg.Profile = profile

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT cannot be empty")
	}
	if c.DBPath == "" {
		return fmt.Errorf("DB_PATH cannot be empty")
	}
	if c.Desktop.Name == "" {
		return fmt.Errorf("DESKTOP_NAME cannot be empty")
	}
	if c.Desktop.Image == "" {
		return fmt.Errorf("DESKTOP_IMAGE cannot be empty")
	}
	if c.Session.MaxSteps <= 0 {
		return fmt.Errorf("MAX_STEPS_PER_TURN must be > 0")
	}
	if c.Stream.BufferSize <= 0 {
		return fmt.Errorf("EVENT_BUFFER_SIZE must be > 0")
	}
	if c.Stream.HeartbeatInterval <= 0 {
		return fmt.Errorf("HEARTBEAT_INTERVAL must be > 0")
	}
	if c.RateLimit.RequestsPerWindow <= 0 {
		return fmt.Errorf("RATE_LIMIT_REQUESTS must be > 0")
	}
	if c.MaxRequestBodySize <= 0 {
		return fmt.Errorf("MAX_REQUEST_BODY must be > 0")
	}
	if c.Profile != nil {
		if err := c.Profile.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.FrontendURL == "" ||
		strings.Contains(c.FrontendURL, "localhost") ||
		strings.Contains(c.FrontendURL, "127.0.0.1")
}

// AllowedOrigins returns the CORS origins for the configured frontend.
func (c *Config) AllowedOrigins() []string {
	if c.IsDevelopment() {
		return []string{"*"}
	}
	return []string{c.FrontendURL}
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

func getEnvInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	d, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return d
}
