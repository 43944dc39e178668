// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the telemetry bridge.
type Config struct {
	MQTT          MQTTConfig          `yaml:"mqtt"`
	Kafka         KafkaConfig         `yaml:"kafka"`
	Bridge        BridgeConfig        `yaml:"bridge"`
	Federation    FederationConfig    `yaml:"federation"`
	Observability ObservabilityConfig `yaml:"observability"`
	Server        ServerConfig        `yaml:"server"`
	Log           LogConfig           `yaml:"log"`
}

// MQTTConfig holds the pub/sub broker connection settings shared by
// the inbound and outbound adapters.
type MQTTConfig struct {
	BrokerURL      string        `yaml:"broker_url"`
	ClientID       string        `yaml:"client_id"`
	Username       string        `yaml:"username"`
	Password       string        `yaml:"password"`
	KeepAlive      time.Duration `yaml:"keep_alive"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	PublishTimeout time.Duration `yaml:"publish_timeout"`

	// SessionPersistence asks the broker to retain subscription state
	// across reconnects; when enabled the supervisor re-issues only
	// subscriptions the broker never saw.
	SessionPersistence bool `yaml:"session_persistence"`
}

// KafkaConfig holds log transport settings.
type KafkaConfig struct {
	Brokers []string `yaml:"brokers"`

	// TelemetryTopic receives ingested messages.
	TelemetryTopic string `yaml:"telemetry_topic"`
	// CommandTopic feeds the egress pipeline.
	CommandTopic string `yaml:"command_topic"`
	// ConsumerGroup identifies this bridge's egress consumer.
	ConsumerGroup string `yaml:"consumer_group"`

	BatchTimeout time.Duration `yaml:"batch_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// SubscriptionConfig declares one inbound subscription.
type SubscriptionConfig struct {
	Filter    string `yaml:"filter"`
	Guarantee string `yaml:"guarantee"`
}

// MappingConfig rewrites a topic subtree into destination keys.
type MappingConfig struct {
	Filter    string `yaml:"filter"`
	Prefix    string `yaml:"prefix"`
	Separator string `yaml:"separator"`
}

// RetryConfig parameterizes per-message retry and reconnect backoff.
type RetryConfig struct {
	InitialInterval time.Duration `yaml:"initial_interval"`
	Multiplier      float64       `yaml:"multiplier"`
	MaxInterval     time.Duration `yaml:"max_interval"`
	Jitter          float64       `yaml:"jitter"`

	// Deadline bounds the total retry window per message; a message
	// still failing when it elapses is reported as a permanent failure.
	Deadline time.Duration `yaml:"deadline"`
}

// BridgeConfig holds the pipeline settings.
type BridgeConfig struct {
	Subscriptions []SubscriptionConfig `yaml:"subscriptions"`
	Mappings      []MappingConfig      `yaml:"mappings"`

	// DefaultGuarantee applies to front-door messages.
	DefaultGuarantee string `yaml:"default_guarantee"`

	// ChannelCapacity bounds the internal ingestion channel; when it
	// fills, inbound acknowledgment stalls and the broker stops
	// sending.
	ChannelCapacity int `yaml:"channel_capacity"`

	// OutboxCapacity bounds the front-door publish queue.
	OutboxCapacity int `yaml:"outbox_capacity"`

	Retry RetryConfig `yaml:"retry"`

	// ShutdownGrace bounds in-flight draining on shutdown.
	ShutdownGrace time.Duration `yaml:"shutdown_grace"`
}

// FederationRouteConfig declares one peer route.
type FederationRouteConfig struct {
	Pattern string `yaml:"pattern"`
	Peer    string `yaml:"peer"`
	Address string `yaml:"address"`
	Topic   string `yaml:"topic"`
}

// FederationConfig holds peer forwarding settings.
type FederationConfig struct {
	Enabled bool `yaml:"enabled"`

	// InstanceID is this bridge's origin marker. Must be unique across
	// federated peers.
	InstanceID string `yaml:"instance_id"`

	// IntakeTopic is where peers deliver batches to this instance.
	IntakeTopic string `yaml:"intake_topic"`

	HopLimit      int           `yaml:"hop_limit"`
	MaxBatch      int           `yaml:"max_batch"`
	MaxDelay      time.Duration `yaml:"max_delay"`
	QueueCapacity int           `yaml:"queue_capacity"`

	BreakerFailures uint32        `yaml:"breaker_failures"`
	BreakerReset    time.Duration `yaml:"breaker_reset"`

	// SendRetries is the number of extra send attempts a peer batch
	// gets before its messages are reported as permanently failed.
	SendRetries int `yaml:"send_retries"`

	Routes []FederationRouteConfig `yaml:"routes"`
}

// ObservabilityConfig routes permanent failure records.
type ObservabilityConfig struct {
	// WebhookURL, when set, receives failure records as JSON POSTs in
	// addition to the structured log.
	WebhookURL     string        `yaml:"webhook_url"`
	WebhookTimeout time.Duration `yaml:"webhook_timeout"`
}

// ServerConfig holds the HTTP surfaces.
type ServerConfig struct {
	HealthAddr    string `yaml:"health_addr"`
	HealthEnabled bool   `yaml:"health_enabled"`

	APIAddr    string `yaml:"api_addr"`
	APIEnabled bool   `yaml:"api_enabled"`

	// APIRateLimit is the front-door request budget per second;
	// APIBurst bounds short spikes.
	APIRateLimit float64 `yaml:"api_rate_limit"`
	APIBurst     int     `yaml:"api_burst"`

	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text, json
}

// Default returns a configuration with sensible defaults.
func Default() *Config {
	return &Config{
		MQTT: MQTTConfig{
			BrokerURL:          "tcp://localhost:1883",
			ClientID:           "telebridge",
			KeepAlive:          30 * time.Second,
			ConnectTimeout:     10 * time.Second,
			PublishTimeout:     10 * time.Second,
			SessionPersistence: true,
		},
		Kafka: KafkaConfig{
			Brokers:        []string{"localhost:9092"},
			TelemetryTopic: "telemetry",
			CommandTopic:   "commands",
			ConsumerGroup:  "telebridge",
			BatchTimeout:   10 * time.Millisecond,
			WriteTimeout:   10 * time.Second,
		},
		Bridge: BridgeConfig{
			Subscriptions: []SubscriptionConfig{
				{Filter: "#", Guarantee: "at_least_once"},
			},
			DefaultGuarantee: "at_least_once",
			ChannelCapacity:  1024,
			OutboxCapacity:   256,
			Retry: RetryConfig{
				InitialInterval: 500 * time.Millisecond,
				Multiplier:      2.0,
				MaxInterval:     30 * time.Second,
				Jitter:          0.2,
				Deadline:        5 * time.Minute,
			},
			ShutdownGrace: 15 * time.Second,
		},
		Federation: FederationConfig{
			Enabled:         false,
			IntakeTopic:     "$bridge/federation",
			HopLimit:        8,
			MaxBatch:        64,
			MaxDelay:        50 * time.Millisecond,
			QueueCapacity:   1024,
			BreakerFailures: 5,
			BreakerReset:    10 * time.Second,
			SendRetries:     2,
		},
		Observability: ObservabilityConfig{
			WebhookTimeout: 5 * time.Second,
		},
		Server: ServerConfig{
			HealthAddr:      ":8081",
			HealthEnabled:   true,
			APIAddr:         ":8080",
			APIEnabled:      false,
			APIRateLimit:    100,
			APIBurst:        200,
			ShutdownTimeout: 10 * time.Second,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load loads configuration from a YAML file. If the file doesn't
// exist, returns default configuration.
func Load(filename string) (*Config, error) {
	if filename == "" {
		return Default(), nil
	}

	data, err := os.ReadFile(filename)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks if the configuration is valid. Any violation is
// fatal at startup; the process does not begin serving.
func (c *Config) Validate() error {
	if c.MQTT.BrokerURL == "" {
		return fmt.Errorf("mqtt.broker_url cannot be empty")
	}
	if c.MQTT.ClientID == "" {
		return fmt.Errorf("mqtt.client_id cannot be empty")
	}

	if len(c.Kafka.Brokers) == 0 {
		return fmt.Errorf("kafka.brokers cannot be empty")
	}
	if c.Kafka.TelemetryTopic == "" {
		return fmt.Errorf("kafka.telemetry_topic cannot be empty")
	}
	if c.Kafka.CommandTopic == "" {
		return fmt.Errorf("kafka.command_topic cannot be empty")
	}
	if c.Kafka.ConsumerGroup == "" {
		return fmt.Errorf("kafka.consumer_group cannot be empty")
	}

	if len(c.Bridge.Subscriptions) == 0 {
		return fmt.Errorf("bridge.subscriptions cannot be empty")
	}
	for i, sub := range c.Bridge.Subscriptions {
		if sub.Filter == "" {
			return fmt.Errorf("bridge.subscriptions[%d].filter cannot be empty", i)
		}
		if !validGuarantee(sub.Guarantee) {
			return fmt.Errorf("bridge.subscriptions[%d].guarantee must be one of: at_most_once, at_least_once, exactly_once_intent", i)
		}
	}
	if !validGuarantee(c.Bridge.DefaultGuarantee) {
		return fmt.Errorf("bridge.default_guarantee must be one of: at_most_once, at_least_once, exactly_once_intent")
	}
	if c.Bridge.ChannelCapacity < 1 {
		return fmt.Errorf("bridge.channel_capacity must be at least 1")
	}
	if c.Bridge.OutboxCapacity < 1 {
		return fmt.Errorf("bridge.outbox_capacity must be at least 1")
	}
	if c.Bridge.Retry.InitialInterval <= 0 {
		return fmt.Errorf("bridge.retry.initial_interval must be positive")
	}
	if c.Bridge.Retry.Multiplier < 1.0 {
		return fmt.Errorf("bridge.retry.multiplier must be at least 1.0")
	}
	if c.Bridge.Retry.MaxInterval < c.Bridge.Retry.InitialInterval {
		return fmt.Errorf("bridge.retry.max_interval must be at least initial_interval")
	}
	if c.Bridge.Retry.Jitter < 0 || c.Bridge.Retry.Jitter > 1 {
		return fmt.Errorf("bridge.retry.jitter must be between 0.0 and 1.0")
	}
	if c.Bridge.Retry.Deadline <= 0 {
		return fmt.Errorf("bridge.retry.deadline must be positive")
	}
	if c.Bridge.ShutdownGrace < time.Second {
		return fmt.Errorf("bridge.shutdown_grace must be at least 1 second")
	}

	if c.Federation.Enabled {
		if c.Federation.InstanceID == "" {
			return fmt.Errorf("federation.instance_id required when federation is enabled")
		}
		if c.Federation.IntakeTopic == "" {
			return fmt.Errorf("federation.intake_topic required when federation is enabled")
		}
		if c.Federation.HopLimit < 1 {
			return fmt.Errorf("federation.hop_limit must be at least 1")
		}
		if c.Federation.SendRetries < 0 {
			return fmt.Errorf("federation.send_retries cannot be negative")
		}
		if len(c.Federation.Routes) == 0 {
			return fmt.Errorf("federation.routes cannot be empty when federation is enabled")
		}
		for i, r := range c.Federation.Routes {
			if r.Pattern == "" {
				return fmt.Errorf("federation.routes[%d].pattern cannot be empty", i)
			}
			if r.Peer == "" {
				return fmt.Errorf("federation.routes[%d].peer cannot be empty", i)
			}
			if r.Address == "" {
				return fmt.Errorf("federation.routes[%d].address cannot be empty", i)
			}
			if r.Topic == "" {
				return fmt.Errorf("federation.routes[%d].topic cannot be empty", i)
			}
		}
	}

	if c.Server.APIEnabled {
		if c.Server.APIAddr == "" {
			return fmt.Errorf("server.api_addr required when the API is enabled")
		}
		if c.Server.APIRateLimit <= 0 {
			return fmt.Errorf("server.api_rate_limit must be positive")
		}
		if c.Server.APIBurst < 1 {
			return fmt.Errorf("server.api_burst must be at least 1")
		}
	}
	if c.Server.HealthEnabled && c.Server.HealthAddr == "" {
		return fmt.Errorf("server.health_addr required when health is enabled")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Log.Level] {
		return fmt.Errorf("log.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"text": true, "json": true}
	if !validFormats[c.Log.Format] {
		return fmt.Errorf("log.format must be one of: text, json")
	}

	return nil
}

// Save writes the configuration to a YAML file.
func (c *Config) Save(filename string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(filename, data, 0o644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

func validGuarantee(s string) bool {
	switch s {
	case "at_most_once", "at_least_once", "exactly_once_intent":
		return true
	default:
		return false
	}
}
