// Package server wires the relay routes, middleware chain, and shared
// process state into one http.Handler.
package server

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/halcyon-voice/speechbridge/pkg/gateway/config"
	"github.com/halcyon-voice/speechbridge/pkg/gateway/creds"
	"github.com/halcyon-voice/speechbridge/pkg/gateway/handlers"
	"github.com/halcyon-voice/speechbridge/pkg/gateway/lifecycle"
	"github.com/halcyon-voice/speechbridge/pkg/gateway/metrics"
	"github.com/halcyon-voice/speechbridge/pkg/gateway/mw"
	"github.com/halcyon-voice/speechbridge/pkg/gateway/relay/bridge"
	"github.com/halcyon-voice/speechbridge/pkg/gateway/relay/session"
	"github.com/halcyon-voice/speechbridge/pkg/gateway/relay/sessions"
)

type Server struct {
	cfg    config.Config
	logger *slog.Logger
	mux    *http.ServeMux

	metrics   *metrics.Metrics
	refresher *creds.Refresher
	tracker   *sessions.Tracker
	lifecycle *lifecycle.Lifecycle
}

func New(cfg config.Config, logger *slog.Logger, refresher *creds.Refresher) *Server {
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		cfg:       cfg,
		logger:    logger,
		mux:       http.NewServeMux(),
		metrics:   metrics.New(""),
		refresher: refresher,
		tracker:   sessions.NewTracker(),
		lifecycle: &lifecycle.Lifecycle{},
	}
	s.lifecycle.MarkStarted(time.Now())

	if refresher != nil {
		refresher.AttachMetrics(s.metrics)
	}

	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.Handle("/healthz", handlers.HealthHandler{})
	s.mux.Handle("/readyz", handlers.ReadyHandler{Config: s.cfg, Lifecycle: s.lifecycle})
	s.mux.Handle("/metrics", s.metrics.Handler())
	// Assign through a typed check so a nil *Refresher stays a nil interface.
	var credStatus handlers.CredentialStatus
	if s.refresher != nil {
		credStatus = s.refresher
	}
	s.mux.Handle("/debug/credentials", handlers.CredentialsHandler{Refresher: credStatus})

	s.mux.Handle("/v1/relay", session.Handler{
		Config:    s.cfg,
		Logger:    s.logger,
		Metrics:   s.metrics,
		Lifecycle: s.lifecycle,
		Sessions:  s.tracker,
		NewBridge: s.newBridge,
	})

	s.mux.Handle("/", handlers.NotFoundHandler{})
}

// newBridge builds the upstream link for one relay session from the process
// configuration and the shared credential refresher.
func (s *Server) newBridge() session.BackendBridge {
	var source bridge.CredentialSource
	if s.refresher != nil {
		source = s.refresher
	}
	return bridge.New(bridge.Config{
		URL:              s.cfg.BackendURL,
		Region:           s.cfg.Region,
		HandshakeTimeout: s.cfg.HandshakeTimeout,
		WriteTimeout:     s.cfg.WSWriteTimeout,
		AudioQueueSize:   s.cfg.AudioQueueSize,
		OutputQueueSize:  s.cfg.OutputQueueSize,
	}, s.logger, source)
}

func (s *Server) Handler() http.Handler {
	var h http.Handler = s.mux
	h = mw.Recover(s.logger, h)
	h = mw.AccessLog(s.logger, h)
	h = mw.RequestID(h)
	return h
}

// SetDraining flips readiness so load balancers stop sending new sessions.
func (s *Server) SetDraining(draining bool) {
	s.lifecycle.SetDraining(draining)
}

// WaitSessions blocks until all tracked connections finish or ctx expires.
func (s *Server) WaitSessions(ctx context.Context) bool {
	return s.tracker.Wait(ctx)
}

// CancelSessions force-closes every tracked connection.
func (s *Server) CancelSessions() int {
	return s.tracker.CancelAll()
}

// ActiveSessions reports the number of tracked connections.
func (s *Server) ActiveSessions() int {
	return s.tracker.Count()
}
