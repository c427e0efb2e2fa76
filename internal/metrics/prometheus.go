package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the bridge's Prometheus collectors. Every method is safe
// on a nil receiver so components can run without metrics.
type Metrics struct {
	Registry *prometheus.Registry

	// Tick processing
	TicksProcessed prometheus.Counter
	MixDuration    prometheus.Histogram
	ClippedSamples prometheus.Counter
	Contributors   prometheus.Histogram
	ActivityEdges  *prometheus.CounterVec

	// Live delivery
	FramesPushed   prometheus.Counter
	DeliveryErrors prometheus.Counter
	PushDuration   prometheus.Histogram

	// Sessions
	ActiveBroadcasts   prometheus.Gauge
	BroadcastsStarted  prometheus.Counter
	BroadcastsStopped  *prometheus.CounterVec
	ConstructionErrors *prometheus.CounterVec

	// Voice receive
	PacketsReceived prometheus.Counter
	DecodeErrors    prometheus.Counter
	ConcealedFrames prometheus.Counter

	// Status API
	HTTPRequests *prometheus.CounterVec
	HTTPDuration *prometheus.HistogramVec
}

// New creates all collectors on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)
	return &Metrics{
		Registry: reg,

		TicksProcessed: f.NewCounter(prometheus.CounterOpts{
			Name: "onair_ticks_processed_total",
			Help: "Total number of 20ms voice ticks mixed",
		}),
		MixDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "onair_mix_duration_seconds",
			Help:    "Time spent mixing one tick",
			Buckets: prometheus.ExponentialBuckets(0.000005, 2, 12), // 5us to ~10ms
		}),
		ClippedSamples: f.NewCounter(prometheus.CounterOpts{
			Name: "onair_clipped_samples_total",
			Help: "Samples saturated at the 16-bit bounds while mixing",
		}),
		Contributors: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "onair_tick_contributors",
			Help:    "Number of sources with decoded audio per tick",
			Buckets: prometheus.LinearBuckets(0, 1, 10),
		}),
		ActivityEdges: f.NewCounterVec(prometheus.CounterOpts{
			Name: "onair_activity_edges_total",
			Help: "Activity transitions by direction",
		}, []string{"edge"}),

		FramesPushed: f.NewCounter(prometheus.CounterOpts{
			Name: "onair_frames_pushed_total",
			Help: "Mixed frames accepted by the live audio endpoint",
		}),
		DeliveryErrors: f.NewCounter(prometheus.CounterOpts{
			Name: "onair_delivery_errors_total",
			Help: "Mixed frames rejected by or timed out at the live endpoint",
		}),
		PushDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "onair_push_duration_seconds",
			Help:    "Time spent handing one frame to the live endpoint",
			Buckets: prometheus.ExponentialBuckets(0.00001, 2, 16), // 10us to ~0.3s
		}),

		ActiveBroadcasts: f.NewGauge(prometheus.GaugeOpts{
			Name: "onair_active_broadcasts",
			Help: "Broadcasts currently running",
		}),
		BroadcastsStarted: f.NewCounter(prometheus.CounterOpts{
			Name: "onair_broadcasts_started_total",
			Help: "Broadcasts whose pipeline reached the running state",
		}),
		BroadcastsStopped: f.NewCounterVec(prometheus.CounterOpts{
			Name: "onair_broadcasts_stopped_total",
			Help: "Broadcasts stopped, by reason",
		}, []string{"reason"}),
		ConstructionErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "onair_construction_errors_total",
			Help: "Pipeline construction failures by stage",
		}, []string{"stage"}),

		PacketsReceived: f.NewCounter(prometheus.CounterOpts{
			Name: "onair_voice_packets_received_total",
			Help: "Opus packets received from the voice connection",
		}),
		DecodeErrors: f.NewCounter(prometheus.CounterOpts{
			Name: "onair_voice_decode_errors_total",
			Help: "Opus packets that failed to decode",
		}),
		ConcealedFrames: f.NewCounter(prometheus.CounterOpts{
			Name: "onair_voice_concealed_frames_total",
			Help: "Frames synthesized by packet loss concealment",
		}),

		HTTPRequests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "onair_http_requests_total",
			Help: "Status API requests by method, endpoint and status code",
		}, []string{"method", "endpoint", "code"}),
		HTTPDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "onair_http_request_duration_seconds",
			Help:    "Status API request latency",
			Buckets: prometheus.DefBuckets,
		}, []string{"endpoint"}),
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{Registry: m.Registry})
}

// RecordTick records one mixed tick.
func (m *Metrics) RecordTick(durationSeconds float64, contributors, clipped int) {
	if m == nil {
		return
	}
	m.TicksProcessed.Inc()
	m.MixDuration.Observe(durationSeconds)
	m.Contributors.Observe(float64(contributors))
	if clipped > 0 {
		m.ClippedSamples.Add(float64(clipped))
	}
}

// RecordActivityEdge counts a transition; edge is "started" or "stopped".
func (m *Metrics) RecordActivityEdge(edge string) {
	if m == nil {
		return
	}
	m.ActivityEdges.WithLabelValues(edge).Inc()
}

// RecordPush records one live endpoint push outcome.
func (m *Metrics) RecordPush(durationSeconds float64, err error) {
	if m == nil {
		return
	}
	m.PushDuration.Observe(durationSeconds)
	if err != nil {
		m.DeliveryErrors.Inc()
		return
	}
	m.FramesPushed.Inc()
}

// RecordBroadcastStarted increments the started counter and active gauge.
func (m *Metrics) RecordBroadcastStarted() {
	if m == nil {
		return
	}
	m.BroadcastsStarted.Inc()
	m.ActiveBroadcasts.Inc()
}

// RecordBroadcastStopped decrements the active gauge.
func (m *Metrics) RecordBroadcastStopped(reason string) {
	if m == nil {
		return
	}
	m.BroadcastsStopped.WithLabelValues(reason).Inc()
	m.ActiveBroadcasts.Dec()
}

// RecordConstructionError counts a failed pipeline build.
func (m *Metrics) RecordConstructionError(stage string) {
	if m == nil {
		return
	}
	m.ConstructionErrors.WithLabelValues(stage).Inc()
}

// RecordPacket counts one received opus packet.
func (m *Metrics) RecordPacket() {
	if m == nil {
		return
	}
	m.PacketsReceived.Inc()
}

// RecordDecodeError counts one failed opus decode.
func (m *Metrics) RecordDecodeError() {
	if m == nil {
		return
	}
	m.DecodeErrors.Inc()
}

// RecordConcealed counts one synthesized frame.
func (m *Metrics) RecordConcealed() {
	if m == nil {
		return
	}
	m.ConcealedFrames.Inc()
}

// RecordHTTPRequest records one status API request.
func (m *Metrics) RecordHTTPRequest(method, endpoint, code string, durationSeconds float64) {
	if m == nil {
		return
	}
	m.HTTPRequests.WithLabelValues(method, endpoint, code).Inc()
	m.HTTPDuration.WithLabelValues(endpoint).Observe(durationSeconds)
}
