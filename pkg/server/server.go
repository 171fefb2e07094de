// Package server exposes the agent config, health, and metrics over HTTP.
package server

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/sidkik/bupper/pkg/config"
	"github.com/sidkik/bupper/pkg/errors"
	"github.com/sidkik/bupper/pkg/metrics"
)

const (
	maxConfigBytes  = 1 << 20
	shutdownTimeout = 5 * time.Second
)

// ConfigStore reads and replaces the agent config. config.File implements it.
type ConfigStore interface {
	Load() (config.Agent, error)
	Save(config.Agent) error
}

// Server serves the config endpoint.
type Server struct {
	Store ConfigStore
	Log   logrus.FieldLogger
}

// Handler returns the HTTP handler for the server.
func (s Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /config", s.handleGetConfig)
	mux.HandleFunc("PUT /config", s.handlePutConfig)
	mux.Handle("GET /metrics", metrics.Handler())
	return metrics.Middleware(mux)
}

// ListenAndServe serves on `addr` until `ctx` is cancelled.
func (s Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errChan := make(chan error, 1)
	go func() {
		errChan <- srv.ListenAndServe()
	}()
	s.logger().WithField("address", addr).Info("Serving config endpoint")

	select {
	case err := <-errChan:
		return errors.WithContext(err, "listen")
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return errors.WithContext(err, "shutdown")
	}
	return nil
}

func (s Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s Server) handleGetConfig(w http.ResponseWriter, _ *http.Request) {
	cfg, err := s.Store.Load()
	if err != nil {
		s.logger().WithError(err).Warn("Failed to load config for request")
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}

func (s Server) handlePutConfig(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxConfigBytes+1))
	if err != nil {
		writeError(w, http.StatusBadRequest, errors.WithContext(err, "read body"))
		return
	}
	if len(body) > maxConfigBytes {
		writeError(w, http.StatusRequestEntityTooLarge, errors.New("config is too large"))
		return
	}

	cfg, err := config.ParseAgentBytes(body)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	if err := s.Store.Save(cfg); err != nil {
		s.logger().WithError(err).Error("Failed to save config")
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	s.logger().Info("Config updated over HTTP")
	w.WriteHeader(http.StatusOK)
}

func (s Server) logger() logrus.FieldLogger {
	if s.Log == nil {
		return logrus.StandardLogger()
	}
	return s.Log
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		logrus.WithError(err).Debug("Failed to write response")
	}
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": errors.GetPrintableMessage(err)})
}
