// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package mqtt

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"telebridge/core"
	"telebridge/qos"
	"telebridge/sink"
	"telebridge/topics"
)

// ErrOutboxFull is returned when the outbound queue cannot accept more
// messages; callers report rejection upstream instead of blocking.
var ErrOutboxFull = errors.New("mqtt: outbox full")

// Outbox is a bounded queue in front of the publishing connection. The
// front-door API enqueues here and gets a synchronous accepted/rejected
// answer; actual delivery is asynchronous and best-effort at the
// queue's default guarantee.
type Outbox struct {
	client   *Client
	in       chan core.Message
	failures sink.Sink
	logger   *slog.Logger
}

// NewOutbox builds an outbox with the given capacity.
func NewOutbox(client *Client, capacity int, failures sink.Sink, logger *slog.Logger) *Outbox {
	if logger == nil {
		logger = slog.Default()
	}
	if failures == nil {
		failures = &sink.LogSink{Logger: logger}
	}
	return &Outbox{
		client:   client,
		in:       make(chan core.Message, capacity),
		failures: failures,
		logger:   logger,
	}
}

// Enqueue validates the destination topic and queues the message.
// Returns ErrOutboxFull without blocking when the queue is saturated.
func (o *Outbox) Enqueue(msg core.Message) error {
	if err := topics.ValidateName(msg.Topic); err != nil {
		return err
	}
	select {
	case o.in <- msg:
		return nil
	default:
		return ErrOutboxFull
	}
}

// Depth returns the number of queued messages.
func (o *Outbox) Depth() int {
	return len(o.in)
}

// Run drains the outbox until ctx is cancelled. A failed publish drops
// the message; unless it was at-most-once the drop is reported to the
// failure sink. Callers needing retry semantics go through the egress
// pipeline instead.
func (o *Outbox) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-o.in:
			err := o.client.Publish(ctx, msg.Topic, msg.Payload, qos.PublishQoS(msg.Guarantee), msg.Retained)
			if err == nil {
				continue
			}
			o.logger.Warn("outbox publish failed",
				"topic", msg.Topic,
				"guarantee", msg.Guarantee.String(),
				"error", err)
			if msg.Guarantee == core.AtMostOnce {
				continue
			}
			o.failures.Report(ctx, sink.FailureRecord{
				Topic:      msg.Topic,
				Guarantee:  msg.Guarantee.String(),
				Reason:     err.Error(),
				Attempts:   1,
				Direction:  "outbox",
				OccurredAt: time.Now().UTC(),
			})
		}
	}
}
