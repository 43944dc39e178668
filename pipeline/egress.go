// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

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

// Fetcher is the log transport consume side.
type Fetcher interface {
	Fetch(ctx context.Context) (kafka.Record, error)
	Commit(ctx context.Context, rec kafka.Record) error
}

// Publisher is the outbound pub/sub operation.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload []byte, qos byte, retained bool) error
}

// Gate exposes an adapter's supervised connection state. Both workers
// re-check their gate on every dequeue and hold messages while the
// adapter is suspended.
type Gate interface {
	State() core.ConnectionState
}

// gatePollInterval paces state re-checks while the adapter is down.
const gatePollInterval = 100 * time.Millisecond

// awaitConnected blocks while the gated adapter is suspended.
func awaitConnected(ctx context.Context, gate Gate) bool {
	for gate.State() != core.Connected {
		if !sleepCtx(ctx, gatePollInterval) {
			return false
		}
	}
	return ctx.Err() == nil
}

// Egress consumes the log transport and publishes to the pub/sub
// broker, applying the reverse guarantee translation. Offsets are
// committed only after a successful publish (or a reported permanent
// failure), so an interrupted process re-delivers.
type Egress struct {
	consumer  Fetcher
	publisher Publisher
	gate      Gate
	ledger    *Ledger
	failures  sink.Sink
	logger    *slog.Logger
}

// NewEgress builds the egress worker.
func NewEgress(consumer Fetcher, publisher Publisher, gate Gate, ledger *Ledger, failures sink.Sink, logger *slog.Logger) *Egress {
	if logger == nil {
		logger = slog.Default()
	}
	if failures == nil {
		failures = &sink.LogSink{Logger: logger}
	}
	return &Egress{
		consumer:  consumer,
		publisher: publisher,
		gate:      gate,
		ledger:    ledger,
		failures:  failures,
		logger:    logger,
	}
}

// Run processes records until ctx is cancelled.
func (w *Egress) Run(ctx context.Context) {
	for {
		if !awaitConnected(ctx, w.gate) {
			return
		}

		rec, err := w.consumer.Fetch(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			w.logger.Warn("fetch failed", "error", err)
			if !sleepCtx(ctx, gatePollInterval) {
				return
			}
			continue
		}

		if w.process(ctx, rec) {
			if err := w.consumer.Commit(ctx, rec); err != nil && ctx.Err() == nil {
				w.logger.Warn("offset commit failed", "offset", rec.Offset(), "error", err)
			}
		}
	}
}

// process publishes one record; reports true when the offset may be
// committed.
func (w *Egress) process(ctx context.Context, rec kafka.Record) bool {
	topic := rec.Headers[kafka.HeaderDestination]
	if topic == "" {
		topic = rec.Key
	}

	guarantee := core.AtLeastOnce
	if g, err := core.ParseGuarantee(rec.Headers[kafka.HeaderGuarantee]); err == nil {
		guarantee = g
	}

	if err := topics.ValidateName(topic); err != nil {
		w.report(ctx, topic, guarantee, err.Error(), 1)
		return true
	}

	plan := qos.Plan(guarantee)
	err := w.publisher.Publish(ctx, topic, rec.Value, qos.PublishQoS(guarantee), false)
	if err == nil {
		return true
	}

	if !plan.Retry {
		return true
	}

	entry := w.ledger.Begin()
	for {
		if entry.NextRetryAt.After(entry.Deadline) {
			w.report(ctx, topic, guarantee, err.Error(), entry.Attempts)
			return true
		}

		if !sleepCtx(ctx, w.ledger.Wait(entry)) {
			return false
		}
		if !awaitConnected(ctx, w.gate) {
			return false
		}

		err = w.publisher.Publish(ctx, topic, rec.Value, qos.PublishQoS(guarantee), false)
		if err == nil {
			return true
		}
		if errors.Is(err, context.Canceled) {
			return false
		}

		if _, ok := w.ledger.Fail(entry); !ok {
			w.report(ctx, topic, guarantee, err.Error(), entry.Attempts)
			return true
		}
	}
}

func (w *Egress) report(ctx context.Context, topic string, g core.GuaranteeLevel, reason string, attempts int) {
	w.failures.Report(ctx, sink.FailureRecord{
		Topic:      topic,
		Guarantee:  g.String(),
		Reason:     reason,
		Attempts:   attempts,
		Direction:  "egress",
		OccurredAt: time.Now().UTC(),
	})
}
