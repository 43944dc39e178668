// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"telebridge/config"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := config.Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "tcp://localhost:1883", cfg.MQTT.BrokerURL)
	assert.True(t, cfg.MQTT.SessionPersistence)
	assert.Equal(t, "telemetry", cfg.Kafka.TelemetryTopic)
}

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := config.Load("/nonexistent/telebridge.yaml")
	require.NoError(t, err)
	assert.Equal(t, config.Default(), cfg)
}

func TestLoadOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	data := `
mqtt:
  broker_url: tcp://broker.example:1883
  client_id: bridge-7
bridge:
  subscriptions:
    - filter: vehicle/+/location
      guarantee: at_least_once
  retry:
    deadline: 2m
federation:
  enabled: true
  instance_id: A
  routes:
    - pattern: vehicle/#
      peer: B
      address: tcp://peer-b:1883
      topic: $bridge/federation
log:
  level: debug
`
	require.NoError(t, os.WriteFile(path, []byte(data), 0o600))

	cfg, err := config.Load(path)
	require.NoError(t, err)
	assert.Equal(t, "tcp://broker.example:1883", cfg.MQTT.BrokerURL)
	assert.Equal(t, "bridge-7", cfg.MQTT.ClientID)
	assert.Equal(t, 2*time.Minute, cfg.Bridge.Retry.Deadline)
	assert.Equal(t, "debug", cfg.Log.Level)
	require.Len(t, cfg.Federation.Routes, 1)
	assert.Equal(t, "B", cfg.Federation.Routes[0].Peer)
	// Untouched sections keep their defaults.
	assert.Equal(t, []string{"localhost:9092"}, cfg.Kafka.Brokers)
}

func TestValidateRejections(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*config.Config)
	}{
		{"empty broker url", func(c *config.Config) { c.MQTT.BrokerURL = "" }},
		{"empty client id", func(c *config.Config) { c.MQTT.ClientID = "" }},
		{"no kafka brokers", func(c *config.Config) { c.Kafka.Brokers = nil }},
		{"no subscriptions", func(c *config.Config) { c.Bridge.Subscriptions = nil }},
		{"bad guarantee", func(c *config.Config) { c.Bridge.Subscriptions[0].Guarantee = "maybe" }},
		{"bad default guarantee", func(c *config.Config) { c.Bridge.DefaultGuarantee = "once" }},
		{"zero channel capacity", func(c *config.Config) { c.Bridge.ChannelCapacity = 0 }},
		{"multiplier below one", func(c *config.Config) { c.Bridge.Retry.Multiplier = 0.5 }},
		{"jitter above one", func(c *config.Config) { c.Bridge.Retry.Jitter = 1.5 }},
		{"zero deadline", func(c *config.Config) { c.Bridge.Retry.Deadline = 0 }},
		{"federation without instance id", func(c *config.Config) {
			c.Federation.Enabled = true
			c.Federation.Routes = []config.FederationRouteConfig{{Pattern: "a/#", Peer: "B", Address: "x", Topic: "t"}}
			c.Federation.InstanceID = ""
		}},
		{"federation without routes", func(c *config.Config) {
			c.Federation.Enabled = true
			c.Federation.InstanceID = "A"
			c.Federation.Routes = nil
		}},
		{"bad log level", func(c *config.Config) { c.Log.Level = "verbose" }},
		{"bad log format", func(c *config.Config) { c.Log.Format = "xml" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := config.Default()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestSaveRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "out.yaml")

	cfg := config.Default()
	cfg.MQTT.ClientID = "saved"
	require.NoError(t, cfg.Save(path))

	loaded, err := config.Load(path)
	require.NoError(t, err)
	assert.Equal(t, "saved", loaded.MQTT.ClientID)
}
