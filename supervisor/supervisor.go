// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package supervisor owns the reconnect state machine wrapped around
// each adapter connection. Pipelines never see raw connection
// failures; they read a connection state snapshot and re-check it on
// every dequeue.
package supervisor

import (
	"context"
	"log/slog"
	"time"

	"telebridge/backoff"
	"telebridge/core"
)

// Conn is the supervised connection. Both MQTT adapters satisfy it.
type Conn interface {
	Connect(ctx context.Context) error
	Close() error
}

// Option customizes a supervisor.
type Option func(*Supervisor)

// WithBackoff overrides the reconnect backoff policy.
func WithBackoff(p backoff.Policy) Option {
	return func(s *Supervisor) { s.policy = p }
}

// WithOnConnected registers a hook run after every successful connect.
// The adapters use it to issue subscriptions: all of them when session
// persistence is disabled, only the never-issued ones when the broker
// replays session state.
func WithOnConnected(hook func() error) Option {
	return func(s *Supervisor) { s.onConnected = hook }
}

// Supervisor drives one adapter through
// disconnected -> connecting -> connected -> suspended -> connecting.
// Connection failures are always retried; the loop ends only with the
// process.
type Supervisor struct {
	name        string
	conn        Conn
	lost        <-chan error
	policy      backoff.Policy
	onConnected func() error
	state       *core.StateVar
	logger      *slog.Logger
}

// New builds a supervisor for one connection. lost must be signalled by
// the adapter when the transport drops.
func New(name string, conn Conn, lost <-chan error, logger *slog.Logger, opts ...Option) *Supervisor {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Supervisor{
		name:   name,
		conn:   conn,
		lost:   lost,
		policy: backoff.Default(),
		state:  core.NewStateVar(),
		logger: logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Name identifies the supervised adapter in health output.
func (s *Supervisor) Name() string {
	return s.name
}

// State returns a monotonically-recent snapshot of the connection
// state.
func (s *Supervisor) State() core.ConnectionState {
	return s.state.Get()
}

// Healthy reports whether the adapter is currently connected.
func (s *Supervisor) Healthy() bool {
	return s.state.Get() == core.Connected
}

// Run blocks until ctx is cancelled, reconnecting with capped
// exponential backoff after every failure. Deliberate shutdown moves
// the state to Disconnected and closes the connection.
func (s *Supervisor) Run(ctx context.Context) {
	attempt := 0

	for {
		s.setState(core.Connecting)
		if err := s.conn.Connect(ctx); err != nil {
			if ctx.Err() != nil {
				s.shutdown()
				return
			}
			attempt++
			delay := s.policy.Delay(attempt)
			s.setState(core.Suspended)
			s.logger.Warn("connect failed",
				"adapter", s.name,
				"attempt", attempt,
				"retry_in", delay,
				"error", err)

			if !s.sleep(ctx, delay) {
				s.shutdown()
				return
			}
			continue
		}

		attempt = 0
		s.setState(core.Connected)
		s.logger.Info("adapter connected", "adapter", s.name)

		if s.onConnected != nil {
			if err := s.onConnected(); err != nil {
				s.logger.Error("post-connect hook failed", "adapter", s.name, "error", err)
			}
		}

		select {
		case <-ctx.Done():
			s.shutdown()
			return
		case err := <-s.lost:
			s.setState(core.Suspended)
			s.logger.Warn("adapter suspended", "adapter", s.name, "error", err)
			// Reconnecting is scheduled, not immediate: the first attempt
			// after a loss waits out the initial backoff delay.
			if !s.sleep(ctx, s.policy.Delay(1)) {
				s.shutdown()
				return
			}
		}
	}
}

func (s *Supervisor) shutdown() {
	if err := s.conn.Close(); err != nil {
		s.logger.Warn("close failed", "adapter", s.name, "error", err)
	}
	s.setState(core.Disconnected)
	s.logger.Info("adapter disconnected", "adapter", s.name)
}

func (s *Supervisor) setState(state core.ConnectionState) {
	old := s.state.Get()
	if old == state {
		return
	}
	s.state.Set(state)
	s.logger.Debug("state transition", "adapter", s.name, "from", old.String(), "to", state.String())
}

// sleep waits for the backoff delay; returns false if ctx ended first.
func (s *Supervisor) sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}
