package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the gateway's Prometheus collectors.
type Metrics struct {
	registry *prometheus.Registry

	SessionsActive prometheus.Gauge
	SessionsTotal  *prometheus.CounterVec

	ClientMessagesTotal   *prometheus.CounterVec
	FramesForwarded       prometheus.Counter
	SplitChunksTotal      prometheus.Counter
	OversizedUnsplittable prometheus.Counter
	AudioFramesEnqueued   prometheus.Counter

	CredentialRefreshes *prometheus.CounterVec
}

// New creates a Metrics instance backed by its own registry.
func New(namespace string) *Metrics {
	if namespace == "" {
		namespace = "speechbridge"
	}

	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		SessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "Number of active relay sessions",
		}),
		SessionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_total",
			Help:      "Total relay sessions by outcome",
		}, []string{"status"}),
		ClientMessagesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "client_messages_total",
			Help:      "Inbound client messages by event kind",
		}, []string{"kind"}),
		FramesForwarded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_forwarded_total",
			Help:      "Frames written to client sockets by forwarders",
		}),
		SplitChunksTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "split_chunks_total",
			Help:      "Chunks produced by splitting oversized envelopes",
		}),
		OversizedUnsplittable: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "oversized_unsplittable_total",
			Help:      "Oversized envelopes forwarded unsplit for lack of a content field",
		}),
		AudioFramesEnqueued: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audio_frames_enqueued_total",
			Help:      "Audio input frames enqueued toward the backend",
		}),
		CredentialRefreshes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "credential_refreshes_total",
			Help:      "Credential refresh attempts by outcome",
		}, []string{"outcome"}),
	}

	registry.MustRegister(
		m.SessionsActive,
		m.SessionsTotal,
		m.ClientMessagesTotal,
		m.FramesForwarded,
		m.SplitChunksTotal,
		m.OversizedUnsplittable,
		m.AudioFramesEnqueued,
		m.CredentialRefreshes,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
