// Package config loads client and relay settings from the environment,
// an optional .env file and (for the CLI) bound command flags.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"sentinel-overwatch/pkg/shared"
)

// Client configures an operator session.
type Client struct {
	RelayURL   string
	APIBaseURL string
	Token      string
	Room       string
	DBPath     string
	MaxBackoff time.Duration
	LogLevel   string
	LogFormat  string
}

// Relay configures the microlith relay server.
type Relay struct {
	Port        string
	NATSPort    int
	NATSDataDir string
	DBPath      string
	APIToken    string
	JWTSecret   string
	Room        string
	MQTTBroker  string
	MQTTTopic   string
	FlushEvery  time.Duration
	LogLevel    string
	LogFormat   string
}

// LoadDotEnv loads a .env file if present and reports whether one was found.
func LoadDotEnv(paths ...string) bool {
	return godotenv.Load(paths...) == nil
}

// New returns a viper instance reading OVERWATCH_* variables with the
// defaults used by both binaries.
func New() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix("OVERWATCH")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	v.AutomaticEnv()

	v.SetDefault("relay-url", "ws://localhost:8080/api/ws/yjs")
	v.SetDefault("api-base-url", "http://localhost:8001")
	v.SetDefault("room", shared.DefaultRoom)
	v.SetDefault("db-path", "./db/overwatch.db")
	v.SetDefault("max-backoff", 5*time.Second)
	v.SetDefault("log-level", "info")
	v.SetDefault("log-format", "json")

	v.SetDefault("port", "8080")
	v.SetDefault("nats-port", 4222)
	v.SetDefault("nats-data-dir", "./data/nats")
	v.SetDefault("relay-db-path", "./db/relay.db")
	v.SetDefault("flush-interval", 5*time.Second)
	v.SetDefault("api-token", shared.DevToken)
	v.SetDefault("mqtt-topic", "overwatch/devices/+/position")
	return v
}

// LoadClient reads the client settings from v.
func LoadClient(v *viper.Viper) (*Client, error) {
	cfg := &Client{
		RelayURL:   v.GetString("relay-url"),
		APIBaseURL: v.GetString("api-base-url"),
		Token:      v.GetString("token"),
		Room:       v.GetString("room"),
		DBPath:     v.GetString("db-path"),
		MaxBackoff: v.GetDuration("max-backoff"),
		LogLevel:   v.GetString("log-level"),
		LogFormat:  v.GetString("log-format"),
	}
	if cfg.RelayURL == "" {
		return nil, fmt.Errorf("relay-url is required")
	}
	if cfg.APIBaseURL == "" {
		return nil, fmt.Errorf("api-base-url is required")
	}
	if cfg.MaxBackoff <= 0 {
		return nil, fmt.Errorf("max-backoff must be positive, got %s", cfg.MaxBackoff)
	}
	return cfg, nil
}

// LoadRelay reads the relay settings from v.
func LoadRelay(v *viper.Viper) (*Relay, error) {
	cfg := &Relay{
		Port:        v.GetString("port"),
		NATSPort:    v.GetInt("nats-port"),
		NATSDataDir: v.GetString("nats-data-dir"),
		DBPath:      v.GetString("relay-db-path"),
		FlushEvery:  v.GetDuration("flush-interval"),
		APIToken:    v.GetString("api-token"),
		JWTSecret:   v.GetString("jwt-secret"),
		Room:        v.GetString("room"),
		MQTTBroker:  v.GetString("mqtt-broker"),
		MQTTTopic:   v.GetString("mqtt-topic"),
		LogLevel:    v.GetString("log-level"),
		LogFormat:   v.GetString("log-format"),
	}
	if cfg.JWTSecret == "" {
		return nil, fmt.Errorf("jwt-secret is required")
	}
	if cfg.NATSPort <= 0 {
		return nil, fmt.Errorf("nats-port must be positive, got %d", cfg.NATSPort)
	}
	return cfg, nil
}
