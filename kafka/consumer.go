// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package kafka

import (
	"context"
	"log/slog"

	kafkago "github.com/segmentio/kafka-go"
)

// ConsumerConfig holds consumer group settings for the egress side.
type ConsumerConfig struct {
	Brokers []string
	GroupID string
	Topic   string
}

// Record is one consumed log entry plus the handle needed to commit
// its offset after the outbound publish succeeds.
type Record struct {
	Key     string
	Value   []byte
	Headers map[string]string

	msg kafkago.Message
}

// Partition and Offset identify the record's position in the log.
func (r Record) Partition() int { return r.msg.Partition }
func (r Record) Offset() int64  { return r.msg.Offset }

// Consumer wraps a kafka group reader. Offsets are committed
// explicitly so a crash between fetch and publish re-delivers.
type Consumer struct {
	reader *kafkago.Reader
	logger *slog.Logger
}

// NewConsumer builds a consumer joined to the given group.
func NewConsumer(cfg ConsumerConfig, logger *slog.Logger) *Consumer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Consumer{
		reader: kafkago.NewReader(kafkago.ReaderConfig{
			Brokers: cfg.Brokers,
			GroupID: cfg.GroupID,
			Topic:   cfg.Topic,
		}),
		logger: logger,
	}
}

// Fetch blocks until the next record or ctx cancellation. The record
// is not considered consumed until Commit is called.
func (c *Consumer) Fetch(ctx context.Context) (Record, error) {
	msg, err := c.reader.FetchMessage(ctx)
	if err != nil {
		return Record{}, err
	}

	headers := make(map[string]string, len(msg.Headers))
	for _, h := range msg.Headers {
		headers[h.Key] = string(h.Value)
	}

	return Record{
		Key:     string(msg.Key),
		Value:   msg.Value,
		Headers: headers,
		msg:     msg,
	}, nil
}

// Commit acknowledges consumer progress up to the record's offset.
func (c *Consumer) Commit(ctx context.Context, rec Record) error {
	return c.reader.CommitMessages(ctx, rec.msg)
}

// Close leaves the group and releases the reader.
func (c *Consumer) Close() error {
	return c.reader.Close()
}
