package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	dto "github.com/prometheus/client_model/go"
)

// Drop reasons recorded on livecast_chunks_dropped_total.
const (
	DropNotConnected = "not_connected"
	DropBackpressure = "backpressure"
	DropConnLost     = "connection_lost"
	DropPaused       = "paused"
)

// Metrics holds Prometheus collectors for the capture, transport and playback
// clients plus the studio HTTP surface. Every method is safe on a nil
// *Metrics, which disables recording (e.g. in tests).
type Metrics struct {
	registry *prometheus.Registry

	requestsTotal prometheus.Counter
	errorsTotal   prometheus.Counter

	chunksSent        prometheus.Counter
	bytesSent         prometheus.Counter
	chunksDropped     *prometheus.CounterVec
	connectionState   prometheus.Gauge
	reconnectAttempts prometheus.Counter
	captureSessions   *prometheus.CounterVec

	playbackErrors     *prometheus.CounterVec
	playbackRecoveries prometheus.Counter
	segmentsFetched    prometheus.Counter
	activePlayback     prometheus.Gauge
}

// New creates and registers the collectors on a private registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		requestsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "livecast_requests_total",
			Help: "Total number of studio HTTP requests received",
		}),
		errorsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "livecast_errors_total",
			Help: "Total number of studio HTTP responses with error status (4xx or 5xx)",
		}),
		chunksSent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "livecast_chunks_sent_total",
			Help: "Media chunks written to the ingest connection",
		}),
		bytesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "livecast_chunk_bytes_sent_total",
			Help: "Media payload bytes written to the ingest connection",
		}),
		chunksDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "livecast_chunks_dropped_total",
			Help: "Media chunks dropped instead of sent, by reason",
		}, []string{"reason"}),
		connectionState: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "livecast_connection_state",
			Help: "Ingest connection state (0 disconnected, 1 connecting, 2 connected, 3 reconnecting)",
		}),
		reconnectAttempts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "livecast_reconnect_attempts_total",
			Help: "Reconnection attempts made after an unexpected connection loss",
		}),
		captureSessions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "livecast_capture_sessions_total",
			Help: "Finished capture sessions, by outcome",
		}, []string{"result"}),
		playbackErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "livecast_playback_errors_total",
			Help: "Playback errors, by class",
		}, []string{"class"}),
		playbackRecoveries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "livecast_playback_recoveries_total",
			Help: "Successful media error recoveries",
		}),
		segmentsFetched: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "livecast_segments_fetched_total",
			Help: "Media segments fetched from the origin",
		}),
		activePlayback: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "livecast_active_playback_sessions",
			Help: "Open playback sessions that have not failed",
		}),
	}

	m.registry.MustRegister(
		m.requestsTotal,
		m.errorsTotal,
		m.chunksSent,
		m.bytesSent,
		m.chunksDropped,
		m.connectionState,
		m.reconnectAttempts,
		m.captureSessions,
		m.playbackErrors,
		m.playbackRecoveries,
		m.segmentsFetched,
		m.activePlayback,
	)
	return m
}

// IncRequests increments the total request counter.
func (m *Metrics) IncRequests() {
	if m != nil {
		m.requestsTotal.Inc()
	}
}

// IncErrors increments the errors counter.
func (m *Metrics) IncErrors() {
	if m != nil {
		m.errorsTotal.Inc()
	}
}

// ChunkSent records one chunk of size bytes written to the wire.
func (m *Metrics) ChunkSent(size int) {
	if m == nil {
		return
	}
	m.chunksSent.Inc()
	m.bytesSent.Add(float64(size))
}

// ChunkDropped records a chunk that was not sent.
func (m *Metrics) ChunkDropped(reason string) {
	if m != nil {
		m.chunksDropped.WithLabelValues(reason).Inc()
	}
}

// SetConnectionState publishes the numeric connection state.
func (m *Metrics) SetConnectionState(state int) {
	if m != nil {
		m.connectionState.Set(float64(state))
	}
}

// IncReconnectAttempts counts one reconnection attempt.
func (m *Metrics) IncReconnectAttempts() {
	if m != nil {
		m.reconnectAttempts.Inc()
	}
}

// CaptureFinished counts a capture session ending with result ("stopped",
// "errored", "aborted").
func (m *Metrics) CaptureFinished(result string) {
	if m != nil {
		m.captureSessions.WithLabelValues(result).Inc()
	}
}

// PlaybackError counts a playback error of the given class.
func (m *Metrics) PlaybackError(class string) {
	if m != nil {
		m.playbackErrors.WithLabelValues(class).Inc()
	}
}

// IncPlaybackRecoveries counts a successful media recovery.
func (m *Metrics) IncPlaybackRecoveries() {
	if m != nil {
		m.playbackRecoveries.Inc()
	}
}

// IncSegmentsFetched counts one fetched media segment.
func (m *Metrics) IncSegmentsFetched() {
	if m != nil {
		m.segmentsFetched.Inc()
	}
}

// SetActivePlayback sets the gauge of open, non-failed playback sessions.
func (m *Metrics) SetActivePlayback(n int) {
	if m != nil {
		m.activePlayback.Set(float64(n))
	}
}

// Registry exposes the underlying registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler returns an http.Handler that serves Prometheus metrics.
// updateGauges is called before each scrape to refresh gauge values (e.g. open playback sessions).
func (m *Metrics) Handler(updateGauges func()) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if updateGauges != nil {
			updateGauges()
		}
		promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}).ServeHTTP(w, r)
	})
}

// Value returns the current value of a counter or gauge series from the
// registry, summed over all series whose label values include every entry of
// labelValues. It returns 0 for unknown names.
func (m *Metrics) Value(name string, labelValues ...string) float64 {
	if m == nil {
		return 0
	}
	families, err := m.registry.Gather()
	if err != nil {
		return 0
	}
	var total float64
	for _, f := range families {
		if f.GetName() != name {
			continue
		}
		for _, metric := range f.GetMetric() {
			if !hasLabelValues(metric.GetLabel(), labelValues) {
				continue
			}
			switch {
			case metric.GetCounter() != nil:
				total += metric.GetCounter().GetValue()
			case metric.GetGauge() != nil:
				total += metric.GetGauge().GetValue()
			}
		}
	}
	return total
}

func hasLabelValues(pairs []*dto.LabelPair, want []string) bool {
	for _, w := range want {
		found := false
		for _, p := range pairs {
			if p.GetValue() == w {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}
