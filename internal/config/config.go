package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the application
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	API       APIConfig       `yaml:"api"`
	WebSocket WebSocketConfig `yaml:"websocket"`
	Auth      AuthConfig      `yaml:"auth"`
	Session   SessionConfig   `yaml:"session"`
	Sampling  SamplingConfig  `yaml:"sampling"`
	Throttle  ThrottleConfig  `yaml:"throttle"`
	Device    DeviceConfig    `yaml:"device"`
	Log       LogConfig       `yaml:"log"`
}

// ServerConfig holds the local UI bridge listen address
type ServerConfig struct {
	Port int    `yaml:"port"`
	Host string `yaml:"host"`
}

// APIConfig holds the session REST API settings
type APIConfig struct {
	BaseURL string        `yaml:"base_url"`
	Timeout time.Duration `yaml:"timeout"`
}

// WebSocketConfig holds the push event channel settings
type WebSocketConfig struct {
	URL string `yaml:"url"`
}

// AuthConfig holds the user's bearer token
type AuthConfig struct {
	Token string `yaml:"token"`
}

// SessionConfig selects the conversation to attach to
type SessionConfig struct {
	ConversationID string `yaml:"conversation_id"`
}

// SamplingConfig holds the position sampling policy
type SamplingConfig struct {
	ForegroundInterval time.Duration `yaml:"foreground_interval"`
	BackgroundInterval time.Duration `yaml:"background_interval"`
	MinDistanceMeters  float64       `yaml:"min_distance_meters"`
	Accuracy           string        `yaml:"accuracy"`
}

// ThrottleConfig holds the store write throttle window
type ThrottleConfig struct {
	Window time.Duration `yaml:"window"`
}

// DeviceConfig configures the simulated position provider
type DeviceConfig struct {
	Latitude          float64 `yaml:"latitude"`
	Longitude         float64 `yaml:"longitude"`
	PermissionGranted *bool   `yaml:"permission_granted"`
}

// LogConfig holds logging configuration
type LogConfig struct {
	Level string `yaml:"level"`
}

// Load reads configuration from a YAML file, applies defaults and env overrides
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg, err := Parse(data)
	if err != nil {
		return nil, err
	}

	if token := os.Getenv("LOCSHARE_TOKEN"); token != "" {
		cfg.Auth.Token = token
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse decodes YAML configuration and applies defaults
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	cfg.applyDefaults()
	return &cfg, nil
}

// Validate reports missing required settings
func (c *Config) Validate() error {
	switch {
	case c.API.BaseURL == "":
		return fmt.Errorf("api.base_url is required")
	case c.WebSocket.URL == "":
		return fmt.Errorf("websocket.url is required")
	case c.Auth.Token == "":
		return fmt.Errorf("auth.token is required")
	case c.Session.ConversationID == "":
		return fmt.Errorf("session.conversation_id is required")
	}
	return nil
}

// Addr returns the UI bridge listen address
func (c *ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// Granted reports whether the simulated device grants position permission
func (c *DeviceConfig) Granted() bool {
	return c.PermissionGranted == nil || *c.PermissionGranted
}

func (c *Config) applyDefaults() {
	if c.Server.Host == "" {
		c.Server.Host = "127.0.0.1"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8787
	}
	if c.API.Timeout == 0 {
		c.API.Timeout = 15 * time.Second
	}
	if c.Sampling.ForegroundInterval == 0 {
		c.Sampling.ForegroundInterval = 10 * time.Second
	}
	if c.Sampling.BackgroundInterval == 0 {
		c.Sampling.BackgroundInterval = 30 * time.Second
	}
	if c.Sampling.MinDistanceMeters == 0 {
		c.Sampling.MinDistanceMeters = 10
	}
	if c.Sampling.Accuracy == "" {
		c.Sampling.Accuracy = "high"
	}
	if c.Throttle.Window == 0 {
		c.Throttle.Window = time.Second
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
}
