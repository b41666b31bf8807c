// Package handlers holds the non-relay HTTP endpoints: health, readiness,
// and the credential debug view.
package handlers

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/halcyon-voice/speechbridge/pkg/gateway/config"
	"github.com/halcyon-voice/speechbridge/pkg/gateway/lifecycle"
)

type HealthHandler struct{}

func (h HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok\n"))
}

// ReadyHandler reports whether this instance should receive new sessions.
// During drain it answers 503 so load balancers rotate traffic away while
// existing sessions finish.
type ReadyHandler struct {
	Config    config.Config
	Lifecycle *lifecycle.Lifecycle
}

func (h ReadyHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	type readyResp struct {
		OK            bool     `json:"ok"`
		Draining      bool     `json:"draining"`
		BackendSet    bool     `json:"backend_set"`
		UptimeSeconds float64  `json:"uptime_seconds"`
		Issues        []string `json:"issues,omitempty"`
	}

	issues := make([]string, 0, 4)

	draining := h.Lifecycle.IsDraining()
	if draining {
		issues = append(issues, "draining")
	}
	if h.Config.BackendURL == "" {
		issues = append(issues, "backend url not configured")
	}
	if h.Config.MaxEventBytes <= 0 {
		issues = append(issues, "max event bytes must be > 0")
	}
	if h.Config.ForwardThresholdBytes <= 0 || h.Config.ForwardThresholdBytes > h.Config.MaxEventBytes {
		issues = append(issues, "forward threshold must be > 0 and <= max event bytes")
	}
	if h.Config.AudioQueueSize <= 0 || h.Config.OutputQueueSize <= 0 {
		issues = append(issues, "queue sizes must be > 0")
	}

	ok := len(issues) == 0
	status := http.StatusOK
	if !ok {
		status = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(readyResp{
		OK:            ok,
		Draining:      draining,
		BackendSet:    h.Config.BackendURL != "",
		UptimeSeconds: h.Lifecycle.Uptime(time.Now()).Seconds(),
		Issues:        issues,
	})
}

type NotFoundHandler struct{}

func (h NotFoundHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(http.StatusNotFound)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": "not found"})
}
