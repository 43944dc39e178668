// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package sink receives structured failure records: every permanent
// drop and every deadline-exceeded retry entry is reported here exactly
// once. Nothing is ever silently swallowed except at-most-once
// transient failures, which is the contract of that guarantee level.
package sink

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"
)

// FailureRecord describes one permanently failed message.
type FailureRecord struct {
	Topic      string    `json:"topic"`
	Guarantee  string    `json:"guarantee"`
	Reason     string    `json:"reason"`
	Attempts   int       `json:"attempts"`
	Direction  string    `json:"direction"` // "ingest", "egress", "federation" or "outbox"
	OccurredAt time.Time `json:"occurred_at"`
}

// Sink accepts failure records. Implementations must be safe for
// concurrent use and must not block the reporting pipeline for long.
type Sink interface {
	Report(ctx context.Context, rec FailureRecord)
}

// LogSink writes failure records to the structured logger.
type LogSink struct {
	Logger *slog.Logger
}

func (s *LogSink) Report(_ context.Context, rec FailureRecord) {
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Error("permanent delivery failure",
		"topic", rec.Topic,
		"guarantee", rec.Guarantee,
		"reason", rec.Reason,
		"attempts", rec.Attempts,
		"direction", rec.Direction)
}

// WebhookSink POSTs failure records as JSON to an external collector.
// Delivery is fire-and-forget with a bounded timeout.
type WebhookSink struct {
	URL     string
	Timeout time.Duration
	Logger  *slog.Logger

	client *http.Client
}

// NewWebhookSink builds a webhook sink.
func NewWebhookSink(url string, timeout time.Duration, logger *slog.Logger) *WebhookSink {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &WebhookSink{
		URL:     url,
		Timeout: timeout,
		Logger:  logger,
		client:  &http.Client{Timeout: timeout},
	}
}

func (s *WebhookSink) Report(ctx context.Context, rec FailureRecord) {
	body, err := json.Marshal(rec)
	if err != nil {
		return
	}

	reqCtx, cancel := context.WithTimeout(ctx, s.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, s.URL, bytes.NewReader(body))
	if err != nil {
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		s.Logger.Warn("failure webhook unreachable", "url", s.URL, "error", err)
		return
	}
	resp.Body.Close()
	if resp.StatusCode >= 300 {
		s.Logger.Warn("failure webhook rejected record", "url", s.URL, "status", resp.StatusCode)
	}
}

// MultiSink fans a record out to several sinks.
type MultiSink []Sink

func (m MultiSink) Report(ctx context.Context, rec FailureRecord) {
	for _, s := range m {
		s.Report(ctx, rec)
	}
}
