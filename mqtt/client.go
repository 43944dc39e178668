// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package mqtt wraps the paho client into the two adapters the bridge
// owns: one subscribing connection (inbound) and one publishing
// connection (outbound). Reconnection is driven externally by a
// connection supervisor, so paho auto-reconnect stays disabled.
package mqtt

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
)

// Client errors.
var (
	ErrConnectionFailed = errors.New("mqtt: connection failed")
	ErrNotConnected     = errors.New("mqtt: not connected")
	ErrPublishTimeout   = errors.New("mqtt: publish timed out")
)

const disconnectQuiesceMs = 500

// Handler is the callback signature for received messages. Handlers run
// on paho's dispatch goroutine and must only do constant-time work
// (enqueue to a channel). Blocking here withholds the broker
// acknowledgment, which is the bridge's inbound flow control.
//
// ack commits the message back to the broker; it is nil for QoS 0.
type Handler func(topic string, payload []byte, qos byte, retained bool, seq uint64, ack func())

// Config holds the settings for one adapter connection.
type Config struct {
	BrokerURL      string
	ClientID       string
	Username       string
	Password       string
	KeepAlive      time.Duration
	ConnectTimeout time.Duration
	PublishTimeout time.Duration

	// SessionPersistence asks the broker to retain subscription state
	// across reconnects (CleanSession=false). When enabled the
	// supervisor re-issues only subscriptions that never reached the
	// broker.
	SessionPersistence bool

	// ManualAcks defers QoS>0 acknowledgment to the handler's ack
	// callback. Used by the inbound adapter only.
	ManualAcks bool
}

// subscription tracks an active subscription for re-issue on reconnect.
// issued is false until the broker has accepted it at least once.
type subscription struct {
	filter  string
	qos     byte
	handler Handler
	issued  bool
}

// Client wraps a single paho connection. All methods are safe for
// concurrent use.
type Client struct {
	cfg    Config
	client pahomqtt.Client
	logger *slog.Logger

	subMu sync.RWMutex
	subs  []subscription

	// lost receives the error that terminated the connection; the
	// supervisor consumes it to schedule a reconnect.
	lost chan error
}

// NewClient builds a client; no network activity happens until Connect.
func NewClient(cfg Config, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Client{
		cfg:    cfg,
		logger: logger,
		lost:   make(chan error, 1),
	}

	opts := pahomqtt.NewClientOptions().
		AddBroker(cfg.BrokerURL).
		SetClientID(cfg.ClientID).
		SetCleanSession(!cfg.SessionPersistence).
		SetAutoReconnect(false).
		SetOrderMatters(true).
		SetKeepAlive(cfg.KeepAlive).
		SetConnectTimeout(cfg.ConnectTimeout)

	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}
	if cfg.ManualAcks {
		opts.SetAutoAckDisabled(true)
	}

	opts.SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
		c.logger.Warn("mqtt connection lost", "client_id", cfg.ClientID, "error", err)
		select {
		case c.lost <- err:
		default:
		}
	})

	c.client = pahomqtt.NewClient(opts)
	return c
}

// Connect performs the broker handshake. Implements supervisor.Conn.
func (c *Client) Connect(ctx context.Context) error {
	token := c.client.Connect()

	deadline := c.cfg.ConnectTimeout
	if deadline <= 0 {
		deadline = 10 * time.Second
	}
	if !token.WaitTimeout(deadline) {
		return fmt.Errorf("%w: timeout after %v", ErrConnectionFailed, deadline)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("%w: %w", ErrConnectionFailed, err)
	}
	if err := ctx.Err(); err != nil {
		c.client.Disconnect(0)
		return err
	}
	return nil
}

// Close disconnects with a short quiesce for pending operations.
// Implements supervisor.Conn.
func (c *Client) Close() error {
	c.client.Disconnect(disconnectQuiesceMs)
	return nil
}

// Lost exposes connection loss events to the supervisor.
func (c *Client) Lost() <-chan error {
	return c.lost
}

// IsConnected reports the underlying transport state.
func (c *Client) IsConnected() bool {
	return c.client.IsConnectionOpen()
}

// Subscribe registers a subscription and issues it to the broker when
// connected. While the transport is down the subscription is only
// recorded; the supervisor's reconnect hook issues it once the broker
// is back, so an outage at startup never surfaces as an error here.
func (c *Client) Subscribe(filter string, qos byte, handler Handler) error {
	c.subMu.Lock()
	c.subs = append(c.subs, subscription{filter: filter, qos: qos, handler: handler})
	idx := len(c.subs) - 1
	c.subMu.Unlock()

	if !c.client.IsConnectionOpen() {
		c.logger.Info("subscription deferred until connect",
			"client_id", c.cfg.ClientID, "filter", filter)
		return nil
	}
	if err := c.issue(filter, qos, handler); err != nil {
		return err
	}
	c.markIssued(idx)
	return nil
}

// Resubscribe re-issues every tracked subscription. Reconnect hook for
// brokers that do not replay session state.
func (c *Client) Resubscribe() error {
	return c.reissue(false)
}

// IssuePending issues only the subscriptions that have never reached
// the broker, such as those requested while disconnected. Reconnect
// hook when the broker persists session state and replaying the rest
// would be redundant.
func (c *Client) IssuePending() error {
	return c.reissue(true)
}

func (c *Client) reissue(pendingOnly bool) error {
	type tracked struct {
		idx int
		sub subscription
	}
	c.subMu.RLock()
	var todo []tracked
	for i, sub := range c.subs {
		if pendingOnly && sub.issued {
			continue
		}
		todo = append(todo, tracked{idx: i, sub: sub})
	}
	c.subMu.RUnlock()

	for _, t := range todo {
		if err := c.issue(t.sub.filter, t.sub.qos, t.sub.handler); err != nil {
			return fmt.Errorf("resubscribe %q: %w", t.sub.filter, err)
		}
		c.markIssued(t.idx)
	}
	return nil
}

// markIssued is safe because subs is append-only: indexes are stable.
func (c *Client) markIssued(idx int) {
	c.subMu.Lock()
	c.subs[idx].issued = true
	c.subMu.Unlock()
}

func (c *Client) issue(filter string, qos byte, handler Handler) error {
	token := c.client.Subscribe(filter, qos, func(_ pahomqtt.Client, msg pahomqtt.Message) {
		var ack func()
		if c.cfg.ManualAcks && msg.Qos() > 0 {
			ack = msg.Ack
		}
		handler(msg.Topic(), msg.Payload(), msg.Qos(), msg.Retained(), uint64(msg.MessageID()), ack)
	})
	timeout := c.cfg.ConnectTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if !token.WaitTimeout(timeout) {
		return fmt.Errorf("subscribe %q: timed out", filter)
	}
	return token.Error()
}

// Publish sends a message with a per-message destination topic and
// waits for the QoS handshake up to the configured publish timeout.
func (c *Client) Publish(ctx context.Context, topic string, payload []byte, qos byte, retained bool) error {
	if !c.client.IsConnectionOpen() {
		return ErrNotConnected
	}

	token := c.client.Publish(topic, qos, retained, payload)
	if qos == 0 {
		return nil
	}

	timeout := c.cfg.PublishTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	done := make(chan struct{})
	go func() {
		token.Wait()
		close(done)
	}()

	select {
	case <-done:
		return token.Error()
	case <-time.After(timeout):
		return ErrPublishTimeout
	case <-ctx.Done():
		return ctx.Err()
	}
}
