// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package pipeline hosts the two bridge workers. Each is a single
// logical worker consuming a bounded channel: backpressure propagates
// upstream by blocking, never by unbounded buffering. A message that
// fails transiently is retried before later messages from the same
// subscription are forwarded, preserving receipt order at the cost of
// head-of-line blocking.
package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"telebridge/core"
	"telebridge/kafka"
	"telebridge/qos"
	"telebridge/sink"
	"telebridge/topics"
)

// Producer is the log transport append operation.
type Producer interface {
	Produce(ctx context.Context, key string, value []byte, headers map[string]string) error
}

// Ingest consumes inbound deliveries, applies the delivery guarantee
// translation and produces to the log transport with retry.
type Ingest struct {
	in       <-chan core.Delivery
	producer Producer
	mapper   *topics.Mapper
	gate     Gate
	ledger   *Ledger
	failures sink.Sink
	logger   *slog.Logger
}

// NewIngest builds the ingestion worker. gate is the inbound adapter's
// supervisor: deliveries drained from the buffer while the adapter is
// suspended are held, not forwarded.
func NewIngest(in <-chan core.Delivery, producer Producer, mapper *topics.Mapper, gate Gate, ledger *Ledger, failures sink.Sink, logger *slog.Logger) *Ingest {
	if logger == nil {
		logger = slog.Default()
	}
	if failures == nil {
		failures = &sink.LogSink{Logger: logger}
	}
	return &Ingest{
		in:       in,
		producer: producer,
		mapper:   mapper,
		gate:     gate,
		ledger:   ledger,
		failures: failures,
		logger:   logger,
	}
}

// Run processes deliveries until ctx is cancelled.
func (w *Ingest) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case d := <-w.in:
			if !awaitConnected(ctx, w.gate) {
				return
			}
			w.process(ctx, d)
		}
	}
}

func (w *Ingest) process(ctx context.Context, d core.Delivery) {
	msg := d.Message
	plan := qos.Plan(msg.Guarantee)

	// Per-message destination override always wins over the configured
	// mapping.
	key := msg.Destination
	if key == "" {
		key = w.mapper.Map(msg.Topic)
	}

	if err := topics.ValidateName(msg.Topic); err != nil {
		w.report(ctx, msg, err.Error(), 1)
		w.ack(d)
		return
	}

	headers := map[string]string{
		kafka.HeaderCorrelationID: msg.CorrelationID,
		kafka.HeaderGuarantee:     msg.Guarantee.String(),
		kafka.HeaderOrigin:        msg.Origin,
	}
	if plan.Idempotent {
		headers[kafka.HeaderIdempotencyKey] = qos.IdempotencyKey(msg.ClientID, msg.Seq, msg.Topic)
	}

	err := w.producer.Produce(ctx, key, msg.Payload, headers)
	if err == nil {
		if plan.AwaitAck {
			w.ack(d)
		}
		return
	}

	if !plan.Retry {
		// At-most-once: dropped silently on transient failure, by
		// contract. Permanent failures are still reported.
		if !core.IsTransient(err) {
			w.report(ctx, msg, err.Error(), 1)
		}
		return
	}

	if !core.IsTransient(err) {
		w.report(ctx, msg, err.Error(), 1)
		w.ack(d)
		return
	}

	w.retry(ctx, d, key, headers, err)
}

// retry blocks the subscription stream until the entry resolves,
// keeping output order equal to receipt order for guaranteed messages.
func (w *Ingest) retry(ctx context.Context, d core.Delivery, key string, headers map[string]string, lastErr error) {
	msg := d.Message
	entry := w.ledger.Begin()

	for {
		if entry.NextRetryAt.After(entry.Deadline) {
			w.report(ctx, msg, lastErr.Error(), entry.Attempts)
			return
		}

		if !sleepCtx(ctx, w.ledger.Wait(entry)) {
			return
		}

		err := w.producer.Produce(ctx, key, msg.Payload, headers)
		if err == nil {
			w.ack(d)
			return
		}
		if errors.Is(err, context.Canceled) {
			return
		}
		if !core.IsTransient(err) {
			w.report(ctx, msg, err.Error(), entry.Attempts)
			w.ack(d)
			return
		}

		lastErr = err
		if _, ok := w.ledger.Fail(entry); !ok {
			w.report(ctx, msg, lastErr.Error(), entry.Attempts)
			return
		}
	}
}

func (w *Ingest) ack(d core.Delivery) {
	if d.Ack != nil {
		d.Ack()
	}
}

func (w *Ingest) report(ctx context.Context, msg core.Message, reason string, attempts int) {
	w.failures.Report(ctx, sink.FailureRecord{
		Topic:      msg.Topic,
		Guarantee:  msg.Guarantee.String(),
		Reason:     reason,
		Attempts:   attempts,
		Direction:  "ingest",
		OccurredAt: time.Now().UTC(),
	})
}

// sleepCtx waits d; returns false if ctx ended first.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}
