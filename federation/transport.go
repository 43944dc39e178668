// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package federation

import (
	"context"
	"log/slog"
	"sync"

	"telebridge/core"
	"telebridge/mqtt"
)

// MQTTTransport ships batches to a peer's federation intake topic over
// a dedicated publishing connection to the peer's broker. Connection
// setup is lazy; the forwarder's circuit breaker absorbs a dead peer.
type MQTTTransport struct {
	client *mqtt.Client
	topic  string
	logger *slog.Logger

	mu        sync.Mutex
	connected bool
}

// NewMQTTTransport builds a transport for one route.
func NewMQTTTransport(route Route, localID string, logger *slog.Logger) *MQTTTransport {
	if logger == nil {
		logger = slog.Default()
	}
	client := mqtt.NewClient(mqtt.Config{
		BrokerURL: route.Address,
		ClientID:  localID + "-fed-" + route.Peer,
	}, logger)

	return &MQTTTransport{
		client: client,
		topic:  route.Topic,
		logger: logger,
	}
}

// Send publishes the batch at-least-once to the peer intake topic.
func (t *MQTTTransport) Send(ctx context.Context, batch []byte) error {
	if err := t.ensureConnected(ctx); err != nil {
		return err
	}
	return t.client.Publish(ctx, t.topic, batch, core.AtLeastOnce.QoS(), false)
}

// Close drops the peer connection.
func (t *MQTTTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.connected = false
	return t.client.Close()
}

func (t *MQTTTransport) ensureConnected(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.connected && t.client.IsConnected() {
		return nil
	}
	if err := t.client.Connect(ctx); err != nil {
		return err
	}
	t.connected = true
	return nil
}
