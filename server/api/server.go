// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package api is the front door: it accepts a message and enqueues it
// to the outbound adapter, answering accepted/rejected synchronously.
// It never confirms delivery.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"telebridge/core"
	"telebridge/mqtt"
)

// Config holds front-door server configuration.
type Config struct {
	Address         string
	RateLimit       float64
	Burst           int
	ShutdownTimeout time.Duration

	// DefaultGuarantee applies to every enqueued message.
	DefaultGuarantee core.GuaranteeLevel
}

// Enqueuer accepts messages for asynchronous outbound publishing.
type Enqueuer interface {
	Enqueue(msg core.Message) error
}

// Server is the HTTP front door.
type Server struct {
	config   Config
	outbox   Enqueuer
	limiter  *rate.Limiter
	logger   *slog.Logger
	server   *http.Server
	listener net.Listener
}

// New creates a front-door server.
func New(cfg Config, outbox Enqueuer, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		config:  cfg,
		outbox:  outbox,
		limiter: rate.NewLimiter(rate.Limit(cfg.RateLimit), cfg.Burst),
		logger:  logger,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/v1/publish", s.handlePublish)

	s.server = &http.Server{
		Addr:         cfg.Address,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	return s
}

// Addr returns the listener's network address, or "" before Listen.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Listen starts the server and blocks until ctx is done.
func (s *Server) Listen(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.config.Address)
	if err != nil {
		return err
	}
	s.listener = listener

	s.logger.Info("starting front-door server", "address", s.listener.Addr().String())

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.Serve(listener); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
		defer cancel()
		return s.server.Shutdown(shutdownCtx)
	}
}

type publishRequest struct {
	Topic    string `json:"topic"`
	Payload  string `json:"payload"`
	Retained bool   `json:"retained"`
}

type publishResponse struct {
	Status string `json:"status"`
	Reason string `json:"reason,omitempty"`
}

func (s *Server) handlePublish(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, publishResponse{Status: "rejected", Reason: "method not allowed"})
		return
	}
	if !s.limiter.Allow() {
		writeJSON(w, http.StatusTooManyRequests, publishResponse{Status: "rejected", Reason: "rate limit exceeded"})
		return
	}

	var req publishRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, publishResponse{Status: "rejected", Reason: "malformed request body"})
		return
	}

	msg := core.NewMessage(req.Topic, []byte(req.Payload), s.config.DefaultGuarantee, req.Retained)
	if err := s.outbox.Enqueue(msg); err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, mqtt.ErrOutboxFull) {
			status = http.StatusServiceUnavailable
		}
		writeJSON(w, status, publishResponse{Status: "rejected", Reason: err.Error()})
		return
	}

	writeJSON(w, http.StatusAccepted, publishResponse{Status: "accepted"})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}
