// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package federation

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"telebridge/core"
	"telebridge/sink"
)

// Layer fans received messages out to the configured route forwarders.
// With no routes every call is a no-op, so the inbound path does not
// special-case disabled federation.
type Layer struct {
	forwarders []*Forwarder
	logger     *slog.Logger
}

// NewLayer builds the federation layer from pre-validated routes.
func NewLayer(forwarders []*Forwarder, logger *slog.Logger) *Layer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Layer{forwarders: forwarders, logger: logger}
}

// Offer presents a message to every route; each forwarder applies its
// own subtree match and loop checks. Non-blocking by contract.
func (l *Layer) Offer(ctx context.Context, msg core.Message) {
	for _, f := range l.forwarders {
		f.Offer(ctx, msg)
	}
}

// Run starts all forwarders and blocks until they stop.
func (l *Layer) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for _, f := range l.forwarders {
		wg.Add(1)
		go func(f *Forwarder) {
			defer wg.Done()
			f.Run(ctx)
		}(f)
	}
	wg.Wait()
}

// Receiver decodes peer batches arriving on the local federation
// intake topic and injects them into the ingestion path. Messages that
// originated locally are discarded outright.
type Receiver struct {
	localID  string
	inject   func(core.Message, func())
	failures sink.Sink
	logger   *slog.Logger
}

// NewReceiver builds a receiver; inject is typically Inbound.Inject.
func NewReceiver(localID string, inject func(core.Message, func()), failures sink.Sink, logger *slog.Logger) *Receiver {
	if logger == nil {
		logger = slog.Default()
	}
	if failures == nil {
		failures = &sink.LogSink{Logger: logger}
	}
	return &Receiver{localID: localID, inject: inject, failures: failures, logger: logger}
}

// Handle is the subscription handler for the federation intake topic.
// The broker acknowledgment for the batch is withheld until the log
// transport has acknowledged every guaranteed message in it: a crash
// in between redelivers the batch instead of losing peer messages.
func (r *Receiver) Handle(topic string, payload []byte, _ byte, _ bool, _ uint64, ack func()) {
	envelopes, err := DecodeBatch(payload)
	if err != nil {
		r.logger.Warn("federation batch rejected", "error", err)
		r.failures.Report(context.Background(), sink.FailureRecord{
			Topic:      topic,
			Guarantee:  core.AtLeastOnce.String(),
			Reason:     err.Error(),
			Attempts:   1,
			Direction:  "federation",
			OccurredAt: time.Now().UTC(),
		})
		if ack != nil {
			ack()
		}
		return
	}

	var accepted []core.Message
	var pending atomic.Int64
	for _, env := range envelopes {
		if env.Origin == r.localID {
			continue
		}
		msg := env.Message()
		accepted = append(accepted, msg)
		if msg.Guarantee != core.AtMostOnce {
			pending.Add(1)
		}
	}

	if pending.Load() == 0 {
		for _, msg := range accepted {
			r.inject(msg, nil)
		}
		if ack != nil {
			ack()
		}
		return
	}

	batchAck := func() {
		if pending.Add(-1) == 0 && ack != nil {
			ack()
		}
	}
	for _, msg := range accepted {
		if msg.Guarantee == core.AtMostOnce {
			r.inject(msg, nil)
			continue
		}
		r.inject(msg, batchAck)
	}
}
