// Package config loads hub and client settings.
//
// Values are resolved in order: built-in defaults, an optional YAML file,
// a .env file in the working directory, then the process environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// HubConfig holds all configuration for the hub server.
type HubConfig struct {
	Addr     string `yaml:"addr"`
	Env      string `yaml:"env"`
	LogLevel string `yaml:"log_level"`

	// Handshake
	TokenPolicy    string   `yaml:"token_policy"` // nonempty, allowlist or jwt
	Tokens         []string `yaml:"tokens"`
	JWTSecret      string   `yaml:"jwt_secret"`
	AllowedOrigins []string `yaml:"allowed_origins"`

	// Liveness
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	StaleAfter        time.Duration `yaml:"stale_after"`
	PeersInterval     time.Duration `yaml:"peers_interval"`

	// Transport
	SendBuffer     int   `yaml:"send_buffer"`
	MaxMessageSize int64 `yaml:"max_message_size"`

	// Presence sinks
	DBPath            string        `yaml:"db_path"`
	PresenceRetention time.Duration `yaml:"presence_retention"` // 0 keeps history forever
	RedisURL          string        `yaml:"redis_url"`
	RedisChannel      string        `yaml:"redis_channel"`
}

// ClientConfig holds configuration shared by the agent and dashboard.
type ClientConfig struct {
	Env      string `yaml:"env"`
	LogLevel string `yaml:"log_level"`

	HubURL   string `yaml:"hub_url"`
	Token    string `yaml:"token"`
	DeviceID string `yaml:"device_id"`
	Name     string `yaml:"name"`

	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	PingInterval   time.Duration `yaml:"ping_interval"`
	StatusInterval time.Duration `yaml:"status_interval"`
	BackoffFloor   time.Duration `yaml:"backoff_floor"`
	BackoffCeiling time.Duration `yaml:"backoff_ceiling"`

	LogCapacity int `yaml:"log_capacity"`
}

// DefaultHub returns the hub defaults.
func DefaultHub() *HubConfig {
	return &HubConfig{
		Addr:              ":8080",
		Env:               "development",
		LogLevel:          "info",
		TokenPolicy:       "nonempty",
		HeartbeatInterval: 30 * time.Second,
		StaleAfter:        90 * time.Second,
		SendBuffer:        256,
		MaxMessageSize:    1 << 20,
		RedisChannel:      "hub:presence",
	}
}

// DefaultClient returns the client defaults.
func DefaultClient() *ClientConfig {
	return &ClientConfig{
		Env:            "development",
		LogLevel:       "info",
		HubURL:         "ws://localhost:8080/ws",
		ConnectTimeout: 10 * time.Second,
		PingInterval:   20 * time.Second,
		StatusInterval: 30 * time.Second,
		BackoffFloor:   1 * time.Second,
		BackoffCeiling: 15 * time.Second,
		LogCapacity:    200,
	}
}

// LoadHub reads the hub configuration. The YAML file named by HUB_CONFIG is
// optional.
func LoadHub() (*HubConfig, error) {
	return LoadHubFile(os.Getenv("HUB_CONFIG"))
}

// LoadHubFile is like LoadHub with an explicit YAML path. An empty path
// skips the file.
func LoadHubFile(path string) (*HubConfig, error) {
	// Load .env file if it exists (for development)
	_ = godotenv.Load()

	cfg := DefaultHub()
	if err := readFile(path, cfg); err != nil {
		return nil, err
	}

	cfg.Addr = getEnv("HUB_ADDR", cfg.Addr)
	cfg.Env = getEnv("ENV", cfg.Env)
	cfg.LogLevel = getEnv("LOG_LEVEL", cfg.LogLevel)
	cfg.TokenPolicy = getEnv("HUB_TOKEN_POLICY", cfg.TokenPolicy)
	cfg.Tokens = getList("HUB_TOKENS", cfg.Tokens)
	cfg.JWTSecret = getEnv("HUB_JWT_SECRET", cfg.JWTSecret)
	cfg.AllowedOrigins = getList("HUB_ALLOWED_ORIGINS", cfg.AllowedOrigins)
	cfg.DBPath = getEnv("HUB_DB_PATH", cfg.DBPath)
	cfg.RedisURL = getEnv("REDIS_URL", cfg.RedisURL)
	cfg.RedisChannel = getEnv("HUB_REDIS_CHANNEL", cfg.RedisChannel)

	var err error
	if cfg.HeartbeatInterval, err = getDuration("HUB_HEARTBEAT_INTERVAL", cfg.HeartbeatInterval); err != nil {
		return nil, err
	}
	if cfg.StaleAfter, err = getDuration("HUB_STALE_AFTER", cfg.StaleAfter); err != nil {
		return nil, err
	}
	if cfg.PeersInterval, err = getDuration("HUB_PEERS_INTERVAL", cfg.PeersInterval); err != nil {
		return nil, err
	}
	if cfg.PresenceRetention, err = getDuration("HUB_PRESENCE_RETENTION", cfg.PresenceRetention); err != nil {
		return nil, err
	}
	if cfg.SendBuffer, err = getInt("HUB_SEND_BUFFER", cfg.SendBuffer); err != nil {
		return nil, err
	}
	size, err := getInt("HUB_MAX_MESSAGE_SIZE", int(cfg.MaxMessageSize))
	if err != nil {
		return nil, err
	}
	cfg.MaxMessageSize = int64(size)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the hub configuration for values the hub cannot run with.
func (c *HubConfig) Validate() error {
	if c.HeartbeatInterval <= 0 {
		return fmt.Errorf("heartbeat interval must be positive, got %s", c.HeartbeatInterval)
	}
	if c.StaleAfter > 0 && c.StaleAfter < c.HeartbeatInterval {
		return fmt.Errorf("stale_after (%s) must not be shorter than the heartbeat interval (%s)", c.StaleAfter, c.HeartbeatInterval)
	}
	if c.SendBuffer <= 0 {
		return fmt.Errorf("send buffer must be positive, got %d", c.SendBuffer)
	}
	if c.MaxMessageSize <= 0 {
		return fmt.Errorf("max message size must be positive, got %d", c.MaxMessageSize)
	}
	if c.PresenceRetention < 0 {
		return fmt.Errorf("presence retention must not be negative, got %s", c.PresenceRetention)
	}
	return nil
}

// IsDevelopment returns true if running in development mode.
func (c *HubConfig) IsDevelopment() bool {
	return c.Env == "development"
}

// LoadClient reads the agent/dashboard configuration. The YAML file named by
// CLIENT_CONFIG is optional.
func LoadClient() (*ClientConfig, error) {
	cfg, err := ReadClientFile(os.Getenv("CLIENT_CONFIG"))
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ReadClientFile resolves the client configuration from the YAML file at
// path (optional), .env and the environment without validating it, so
// callers can apply further overrides first.
func ReadClientFile(path string) (*ClientConfig, error) {
	_ = godotenv.Load()

	cfg := DefaultClient()
	if err := readFile(path, cfg); err != nil {
		return nil, err
	}

	cfg.Env = getEnv("ENV", cfg.Env)
	cfg.LogLevel = getEnv("LOG_LEVEL", cfg.LogLevel)
	cfg.HubURL = getEnv("HUB_URL", cfg.HubURL)
	cfg.Token = getEnv("HUB_TOKEN", cfg.Token)
	cfg.DeviceID = getEnv("AGENT_DEVICE_ID", cfg.DeviceID)
	cfg.Name = getEnv("AGENT_NAME", cfg.Name)

	var err error
	if cfg.ConnectTimeout, err = getDuration("CLIENT_CONNECT_TIMEOUT", cfg.ConnectTimeout); err != nil {
		return nil, err
	}
	if cfg.PingInterval, err = getDuration("CLIENT_PING_INTERVAL", cfg.PingInterval); err != nil {
		return nil, err
	}
	if cfg.StatusInterval, err = getDuration("CLIENT_STATUS_INTERVAL", cfg.StatusInterval); err != nil {
		return nil, err
	}
	if cfg.BackoffFloor, err = getDuration("CLIENT_BACKOFF_FLOOR", cfg.BackoffFloor); err != nil {
		return nil, err
	}
	if cfg.BackoffCeiling, err = getDuration("CLIENT_BACKOFF_CEILING", cfg.BackoffCeiling); err != nil {
		return nil, err
	}
	if cfg.LogCapacity, err = getInt("DASHBOARD_LOG_CAPACITY", cfg.LogCapacity); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks the client configuration.
func (c *ClientConfig) Validate() error {
	if strings.TrimSpace(c.Token) == "" {
		return fmt.Errorf("HUB_TOKEN is required")
	}
	if c.HubURL == "" {
		return fmt.Errorf("HUB_URL is required")
	}
	if c.BackoffFloor <= 0 || c.BackoffCeiling < c.BackoffFloor {
		return fmt.Errorf("invalid backoff bounds %s..%s", c.BackoffFloor, c.BackoffCeiling)
	}
	return nil
}

// readFile overlays a YAML file onto cfg. An empty path is not an error.
func readFile(path string, cfg any) error {
	if path == "" {
		return nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getList parses a comma-separated variable, dropping blank entries.
func getList(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var out []string
	for _, entry := range strings.Split(value, ",") {
		if entry = strings.TrimSpace(entry); entry != "" {
			out = append(out, entry)
		}
	}
	return out
}

func getDuration(key string, defaultValue time.Duration) (time.Duration, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return d, nil
}

func getInt(key string, defaultValue int) (int, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return n, nil
}
