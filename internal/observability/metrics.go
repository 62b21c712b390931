package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups all Prometheus instruments used by the bridge. A nil *Metrics
// is valid and records nothing.
type Metrics struct {
	ActiveSessions    *prometheus.GaugeVec
	SessionEvents     *prometheus.CounterVec
	WSMessages        *prometheus.CounterVec
	DroppedFrames     *prometheus.CounterVec
	ProviderErrors    *prometheus.CounterVec
	CredentialIssues  *prometheus.CounterVec
	CredentialLatency prometheus.Histogram
	UpstreamConnect   prometheus.Histogram
	FirstAudioLatency prometheus.Histogram
}

// NewMetrics registers the instruments on reg, or on the default registerer
// when reg is nil.
func NewMetrics(namespace string, reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)
	return &Metrics{
		ActiveSessions: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_sessions",
			Help:      "Number of live realtime sessions by transport.",
		}, []string{"transport"}),
		SessionEvents: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_events_total",
			Help:      "Session lifecycle events by type.",
		}, []string{"event"}),
		WSMessages: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ws_messages_total",
			Help:      "Relayed messages by direction and type.",
		}, []string{"direction", "type"}),
		DroppedFrames: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dropped_frames_total",
			Help:      "Client frames dropped before the session was active.",
		}, []string{"kind"}),
		ProviderErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "provider_errors_total",
			Help:      "Provider and bridge errors by stage and code.",
		}, []string{"stage", "code"}),
		CredentialIssues: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "credential_issues_total",
			Help:      "Short-lived credential issuance attempts by outcome.",
		}, []string{"outcome"}),
		CredentialLatency: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "credential_issue_latency_ms",
			Help:      "Latency of credential issuance in milliseconds.",
			Buckets:   []float64{50, 100, 200, 400, 800, 1500, 3000, 5000},
		}),
		UpstreamConnect: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "upstream_connect_latency_ms",
			Help:      "Latency from configuration to an acknowledged upstream session in milliseconds.",
			Buckets:   []float64{100, 200, 300, 500, 800, 1200, 2000, 5000},
		}),
		FirstAudioLatency: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "first_audio_latency_ms",
			Help:      "Latency from input commit to the first assistant audio delta in milliseconds.",
			Buckets:   []float64{100, 200, 300, 500, 700, 900, 1200, 2000},
		}),
	}
}

func (m *Metrics) SessionOpened(transport string) {
	if m == nil {
		return
	}
	m.ActiveSessions.WithLabelValues(transport).Inc()
	m.SessionEvents.WithLabelValues("opened").Inc()
}

func (m *Metrics) SessionClosed(transport string) {
	if m == nil {
		return
	}
	m.ActiveSessions.WithLabelValues(transport).Dec()
	m.SessionEvents.WithLabelValues("closed").Inc()
}

func (m *Metrics) SessionEvent(event string) {
	if m == nil {
		return
	}
	m.SessionEvents.WithLabelValues(event).Inc()
}

func (m *Metrics) Message(direction, msgType string) {
	if m == nil {
		return
	}
	m.WSMessages.WithLabelValues(direction, msgType).Inc()
}

func (m *Metrics) DroppedFrame(kind string) {
	if m == nil {
		return
	}
	m.DroppedFrames.WithLabelValues(kind).Inc()
}

func (m *Metrics) ProviderError(stage, code string) {
	if m == nil {
		return
	}
	m.ProviderErrors.WithLabelValues(stage, code).Inc()
}

func (m *Metrics) CredentialIssued(outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.CredentialIssues.WithLabelValues(outcome).Inc()
	m.CredentialLatency.Observe(float64(d.Milliseconds()))
}

func (m *Metrics) ObserveUpstreamConnect(d time.Duration) {
	if m == nil {
		return
	}
	m.UpstreamConnect.Observe(float64(d.Milliseconds()))
}

func (m *Metrics) ObserveFirstAudioLatency(d time.Duration) {
	if m == nil {
		return
	}
	m.FirstAudioLatency.Observe(float64(d.Milliseconds()))
}

// MetricsHandler serves g, or the default gatherer when g is nil.
func MetricsHandler(g prometheus.Gatherer) http.Handler {
	if g == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
