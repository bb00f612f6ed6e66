package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups all Prometheus instruments used by the gateway. Each
// Metrics value carries its own registry so tests can construct one per
// case without duplicate-registration panics.
type Metrics struct {
	registry *prometheus.Registry

	ActiveSessions  prometheus.Gauge
	OpenConnections prometheus.Gauge
	AudioQueueDepth prometheus.Gauge

	SessionEvents      *prometheus.CounterVec
	WSMessages         *prometheus.CounterVec
	WSWriteDrops       prometheus.Counter
	CollaboratorErrors *prometheus.CounterVec
	AudioTasks         *prometheus.CounterVec

	AudioTaskLatency    prometheus.Histogram
	CollaboratorLatency *prometheus.HistogramVec
}

func NewMetrics(namespace string) *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		ActiveSessions: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_sessions",
			Help:      "Number of sessions in created, active or idle state.",
		}),
		OpenConnections: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "open_connections",
			Help:      "Number of registered WebSocket connections.",
		}),
		AudioQueueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "audio_queue_depth",
			Help:      "Pending audio tasks across all sessions.",
		}),
		SessionEvents: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_events_total",
			Help:      "Session lifecycle events by type.",
		}, []string{"event"}),
		WSMessages: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ws_messages_total",
			Help:      "WebSocket messages by direction and type.",
		}, []string{"direction", "type"}),
		WSWriteDrops: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ws_write_drops_total",
			Help:      "Outbound frames dropped on slow consumers.",
		}),
		CollaboratorErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "collaborator_errors_total",
			Help:      "Voice collaborator errors by stage and code.",
		}, []string{"stage", "code"}),
		AudioTasks: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audio_tasks_total",
			Help:      "Audio pipeline tasks by result.",
		}, []string{"result"}),
		AudioTaskLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "audio_task_latency_ms",
			Help:      "Enqueue-to-completion latency of audio tasks in milliseconds.",
			Buckets:   []float64{50, 100, 200, 300, 500, 700, 1000, 2000, 5000},
		}),
		CollaboratorLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "collaborator_latency_ms",
			Help:      "Voice collaborator call latency in milliseconds by stage.",
			Buckets:   []float64{50, 100, 200, 400, 800, 1500, 3000, 6000},
		}, []string{"stage"}),
	}
}

func (m *Metrics) ObserveAudioTaskLatency(d time.Duration) {
	m.AudioTaskLatency.Observe(float64(d.Milliseconds()))
}

func (m *Metrics) ObserveCollaboratorLatency(stage string, d time.Duration) {
	m.CollaboratorLatency.WithLabelValues(stage).Observe(float64(d.Milliseconds()))
}

// Handler serves this Metrics value's registry in Prometheus exposition
// format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
