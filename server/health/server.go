// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package health

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"time"

	"telebridge/core"
)

// Config holds health check server configuration.
type Config struct {
	Address         string
	ShutdownTimeout time.Duration
}

// StateReporter exposes one supervised adapter's connection state.
type StateReporter interface {
	Name() string
	State() core.ConnectionState
}

// Server provides health check endpoints for monitoring and
// orchestration.
type Server struct {
	config   Config
	adapters []StateReporter
	logger   *slog.Logger
	server   *http.Server
	listener net.Listener
}

// New creates a new health check server.
func New(cfg Config, adapters []StateReporter, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		config:   cfg,
		adapters: adapters,
		logger:   logger,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/ready", s.handleReady)

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

// Listen starts the health check server and blocks until ctx is done.
func (s *Server) Listen(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.config.Address)
	if err != nil {
		return err
	}
	s.listener = listener

	s.logger.Info("starting health server", "address", s.listener.Addr().String())

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
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			s.logger.Error("health server shutdown error", "error", err)
			return err
		}
		return nil
	}
}

type adapterStatus struct {
	Name  string `json:"name"`
	State string `json:"state"`
}

type healthResponse struct {
	Status   string          `json:"status"`
	Adapters []adapterStatus `json:"adapters"`
}

func (s *Server) snapshot() healthResponse {
	resp := healthResponse{Status: "ok"}
	for _, a := range s.adapters {
		state := a.State()
		resp.Adapters = append(resp.Adapters, adapterStatus{Name: a.Name(), State: state.String()})
		if state != core.Connected {
			resp.Status = "degraded"
		}
	}
	return resp
}

// handleHealth reports liveness: the process is up, regardless of
// adapter state.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(s.snapshot())
}

// handleReady reports readiness: 503 until every adapter is connected.
func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	resp := s.snapshot()
	w.Header().Set("Content-Type", "application/json")
	if resp.Status != "ok" {
		w.WriteHeader(http.StatusServiceUnavailable)
	} else {
		w.WriteHeader(http.StatusOK)
	}
	json.NewEncoder(w).Encode(resp)
}
