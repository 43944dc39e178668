// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package federation

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/sony/gobreaker"

	"telebridge/backoff"
	"telebridge/core"
	"telebridge/sink"
)

// PeerTransport delivers an encoded batch to one peer instance.
type PeerTransport interface {
	Send(ctx context.Context, batch []byte) error
	Close() error
}

// ForwarderConfig bounds batching and looping.
type ForwarderConfig struct {
	// LocalID is this instance's origin marker.
	LocalID string
	// HopLimit drops messages forwarded through too many instances.
	HopLimit int
	// MaxBatch flushes when this many messages are pending.
	MaxBatch int
	// MaxDelay flushes a partial batch after this long.
	MaxDelay time.Duration
	// QueueCapacity bounds the forwarder's intake channel.
	QueueCapacity int
	// BreakerFailures opens the per-peer circuit after this many
	// consecutive send failures.
	BreakerFailures uint32
	// BreakerReset is how long the circuit stays open.
	BreakerReset time.Duration
	// SendRetries is how many extra send attempts a batch gets before
	// its messages are reported as permanently failed.
	SendRetries int
	// SendBackoff paces the retries.
	SendBackoff backoff.Policy
}

func (c *ForwarderConfig) defaults() {
	if c.HopLimit <= 0 {
		c.HopLimit = 8
	}
	if c.MaxBatch <= 0 {
		c.MaxBatch = 64
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = 50 * time.Millisecond
	}
	if c.QueueCapacity <= 0 {
		c.QueueCapacity = 1024
	}
	if c.BreakerFailures == 0 {
		c.BreakerFailures = 5
	}
	if c.BreakerReset <= 0 {
		c.BreakerReset = 10 * time.Second
	}
	if c.SendBackoff == (backoff.Policy{}) {
		c.SendBackoff = backoff.Default()
	}
}

// Forwarder is the per-route federation worker: it batches matched
// messages and ships them to the peer behind a circuit breaker.
type Forwarder struct {
	route     Route
	cfg       ForwarderConfig
	transport PeerTransport
	breaker   *gobreaker.CircuitBreaker
	in        chan core.Message
	failures  sink.Sink
	logger    *slog.Logger
}

// NewForwarder builds a forwarder for one route.
func NewForwarder(route Route, cfg ForwarderConfig, transport PeerTransport, failures sink.Sink, logger *slog.Logger) *Forwarder {
	cfg.defaults()
	if logger == nil {
		logger = slog.Default()
	}
	if failures == nil {
		failures = &sink.LogSink{Logger: logger}
	}

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "federation/" + route.Peer,
		Timeout: cfg.BreakerReset,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.BreakerFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("federation breaker state change", "peer", route.Peer, "from", from.String(), "to", to.String())
		},
	})

	return &Forwarder{
		route:     route,
		cfg:       cfg,
		transport: transport,
		breaker:   breaker,
		in:        make(chan core.Message, cfg.QueueCapacity),
		failures:  failures,
		logger:    logger,
	}
}

// Route returns the forwarder's route.
func (f *Forwarder) Route() Route {
	return f.route
}

// Offer hands a message to the forwarder if it belongs to the routed
// subtree and does not close a loop. Non-blocking: when the queue is
// saturated the message is dropped and reported.
func (f *Forwarder) Offer(ctx context.Context, msg core.Message) {
	if !f.route.Matches(msg.Topic) {
		return
	}
	// Never forward a message that originated here: forwarding it back
	// out is what creates cycles between bidirectionally bridged peers.
	if msg.Origin == f.cfg.LocalID {
		return
	}
	if msg.Hops >= f.cfg.HopLimit {
		f.logger.Warn("hop limit reached", "topic", msg.Topic, "peer", f.route.Peer, "hops", msg.Hops)
		return
	}

	select {
	case f.in <- msg:
	default:
		f.report(ctx, msg, "federation queue full", 0)
	}
}

// Run batches and ships messages until ctx is cancelled. A partial
// batch is flushed on shutdown.
func (f *Forwarder) Run(ctx context.Context) {
	var batch []core.Message
	timer := time.NewTimer(f.cfg.MaxDelay)
	defer timer.Stop()
	timer.Stop()

	flush := func() {
		if len(batch) > 0 {
			f.flush(ctx, batch)
			batch = nil
		}
		timer.Stop()
	}

	for {
		select {
		case <-ctx.Done():
			flush()
			return
		case msg := <-f.in:
			if len(batch) == 0 {
				timer.Reset(f.cfg.MaxDelay)
			}
			batch = append(batch, msg)
			if len(batch) >= f.cfg.MaxBatch {
				flush()
			}
		case <-timer.C:
			flush()
		}
	}
}

func (f *Forwarder) flush(ctx context.Context, batch []core.Message) {
	envelopes := make([]Envelope, 0, len(batch))
	for _, msg := range batch {
		envelopes = append(envelopes, FromMessage(msg.WithOrigin(f.cfg.LocalID)))
	}

	data, err := EncodeBatch(envelopes)
	if err != nil {
		f.logger.Error("federation batch encode failed", "peer", f.route.Peer, "error", err)
		return
	}

	attempts := 0
	for {
		attempts++
		err = f.send(ctx, data)
		if err == nil {
			return
		}
		if attempts > f.cfg.SendRetries || ctx.Err() != nil {
			break
		}
		// No point pacing against an open circuit: retry immediately and
		// let the breaker short-circuit until it half-opens.
		if !errors.Is(err, gobreaker.ErrOpenState) {
			if !sleepCtx(ctx, f.cfg.SendBackoff.Delay(attempts)) {
				break
			}
		}
	}

	for _, msg := range batch {
		f.report(ctx, msg, err.Error(), attempts)
	}
}

func (f *Forwarder) send(ctx context.Context, data []byte) error {
	_, err := f.breaker.Execute(func() (any, error) {
		return nil, f.transport.Send(ctx, data)
	})
	return err
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

func (f *Forwarder) report(ctx context.Context, msg core.Message, reason string, attempts int) {
	f.failures.Report(ctx, sink.FailureRecord{
		Topic:      msg.Topic,
		Guarantee:  msg.Guarantee.String(),
		Reason:     reason,
		Attempts:   attempts,
		Direction:  "federation",
		OccurredAt: time.Now().UTC(),
	})
}
