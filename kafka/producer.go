// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package kafka is the bridge's log transport boundary: an
// acknowledged producer for the ingestion pipeline and an offset
// committing consumer for the egress pipeline.
package kafka

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	kafkago "github.com/segmentio/kafka-go"

	"telebridge/core"
)

// Header keys used on produced records.
const (
	HeaderIdempotencyKey = "idempotency-key"
	HeaderCorrelationID  = "correlation-id"
	HeaderGuarantee      = "guarantee"
	HeaderDestination    = "destination"
	HeaderOrigin         = "origin"
)

// ProducerConfig holds producer settings.
type ProducerConfig struct {
	Brokers      []string
	Topic        string
	BatchTimeout time.Duration
	WriteTimeout time.Duration
}

// Producer wraps a kafka writer. The destination key travels as the
// record key so partition assignment follows the source topic.
type Producer struct {
	writer *kafkago.Writer
	logger *slog.Logger
}

// NewProducer builds a producer requiring acknowledgment from all
// in-sync replicas.
func NewProducer(cfg ProducerConfig, logger *slog.Logger) *Producer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Producer{
		writer: &kafkago.Writer{
			Addr:         kafkago.TCP(cfg.Brokers...),
			Topic:        cfg.Topic,
			Balancer:     &kafkago.Hash{},
			RequiredAcks: kafkago.RequireAll,
			BatchTimeout: cfg.BatchTimeout,
			WriteTimeout: cfg.WriteTimeout,
		},
		logger: logger,
	}
}

// Produce appends one record and waits for the broker acknowledgment.
// Transient broker conditions are wrapped with core.Transient so the
// pipeline can ledger a retry; size violations surface as permanent
// errors.
func (p *Producer) Produce(ctx context.Context, key string, value []byte, headers map[string]string) error {
	msg := kafkago.Message{
		Key:   []byte(key),
		Value: value,
	}
	for k, v := range headers {
		if v == "" {
			continue
		}
		msg.Headers = append(msg.Headers, kafkago.Header{Key: k, Value: []byte(v)})
	}

	err := p.writer.WriteMessages(ctx, msg)
	if err == nil {
		return nil
	}
	return classify(err)
}

// Close flushes and releases the writer.
func (p *Producer) Close() error {
	return p.writer.Close()
}

// classify splits kafka errors into the bridge taxonomy.
func classify(err error) error {
	var tooLarge kafkago.MessageTooLargeError
	if errors.As(err, &tooLarge) {
		return fmt.Errorf("%w: %w", core.ErrPayloadTooLarge, err)
	}

	var kerr kafkago.Error
	if errors.As(err, &kerr) {
		switch kerr {
		case kafkago.InvalidTopic, kafkago.InvalidMessage:
			return fmt.Errorf("%w: %w", core.ErrInvalidTopic, err)
		case kafkago.MessageSizeTooLarge:
			return fmt.Errorf("%w: %w", core.ErrPayloadTooLarge, err)
		}
		return core.Transient(err)
	}

	// Network level failures (connection refused, timeouts) are
	// retriable by definition.
	return core.Transient(err)
}
