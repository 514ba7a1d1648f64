package metrics

import (
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all agent metrics. Counters are plain atomics owned by the
// stage hot paths; Prometheus reads them through GaugeFunc closures so the
// pipeline never touches a collector directly.
type Metrics struct {
	// Frame intake counters
	FramesRead    atomic.Uint64
	FramesDropped atomic.Uint64
	CaptureErrors atomic.Uint64

	// Detection stage counters
	FramesDetected    atomic.Uint64
	DetectionsKept    atomic.Uint64
	DetectionsCulled  atomic.Uint64 // Over the per-frame cap
	DetectionFailures atomic.Uint64

	// Coordinate stage counters
	CoordResolved  atomic.Uint64
	CoordFallbacks atomic.Uint64
	CoordFailures  atomic.Uint64

	// Telemetry stage counters
	ContactsSent      atomic.Uint64
	TelemetryRetries  atomic.Uint64
	TelemetryDropped  atomic.Uint64
	TelemetryRejected atomic.Uint64 // Permanent 4xx

	// Queue overflow counters (drop-newest policy)
	FrameQueueDrops     atomic.Uint64
	DetectionQueueDrops atomic.Uint64
	TelemetryQueueDrops atomic.Uint64

	// Latency tracking (last observed, milliseconds)
	DetectLatencyMs   atomic.Uint64
	CoordLatencyMs    atomic.Uint64
	DispatchLatencyMs atomic.Uint64

	// Queue fill (percent 0-100, sampled)
	FrameQueueUsage     atomic.Uint64
	DetectionQueueUsage atomic.Uint64
	TelemetryQueueUsage atomic.Uint64

	// Prometheus collectors
	registry *prometheus.Registry
}

// New creates a new Metrics instance with Prometheus collectors
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
	}

	m.registerPrometheusMetrics()

	return m
}

// registerPrometheusMetrics registers all metrics with Prometheus
func (m *Metrics) registerPrometheusMetrics() {
	counters := []struct {
		name string
		help string
		load func() uint64
	}{
		{"edge_frames_read_total", "Total frames read from the camera source", m.FramesRead.Load},
		{"edge_frames_dropped_total", "Total frames dropped before detection", m.FramesDropped.Load},
		{"edge_capture_errors_total", "Total frame source read errors", m.CaptureErrors.Load},
		{"edge_frames_detected_total", "Total frames run through the detector", m.FramesDetected.Load},
		{"edge_detections_kept_total", "Total detections passing class and confidence filters", m.DetectionsKept.Load},
		{"edge_detections_culled_total", "Total detections discarded by the per-frame cap", m.DetectionsCulled.Load},
		{"edge_detection_failures_total", "Total frames failed in the detector", m.DetectionFailures.Load},
		{"edge_coords_resolved_total", "Total detections with resolved bearing/elevation", m.CoordResolved.Load},
		{"edge_coord_fallbacks_total", "Total detections resolved by the linear fallback", m.CoordFallbacks.Load},
		{"edge_coord_failures_total", "Total detections dropped by transform failure", m.CoordFailures.Load},
		{"edge_contacts_sent_total", "Total contact records acknowledged by the backend", m.ContactsSent.Load},
		{"edge_telemetry_retries_total", "Total transient dispatch retries", m.TelemetryRetries.Load},
		{"edge_telemetry_dropped_total", "Total records dropped after retry exhaustion", m.TelemetryDropped.Load},
		{"edge_telemetry_rejected_total", "Total records rejected permanently by the backend", m.TelemetryRejected.Load},
		{"edge_frame_queue_drops_total", "Frames dropped by the full frame queue", m.FrameQueueDrops.Load},
		{"edge_detection_queue_drops_total", "Batches dropped by the full detection queue", m.DetectionQueueDrops.Load},
		{"edge_telemetry_queue_drops_total", "Batches dropped by the full telemetry queue", m.TelemetryQueueDrops.Load},
		{"edge_detect_latency_ms", "Last detection stage latency in milliseconds", m.DetectLatencyMs.Load},
		{"edge_coord_latency_ms", "Last coordinate stage latency in milliseconds", m.CoordLatencyMs.Load},
		{"edge_dispatch_latency_ms", "Last backend dispatch latency in milliseconds", m.DispatchLatencyMs.Load},
		{"edge_frame_queue_usage_percent", "Frame queue fill percentage", m.FrameQueueUsage.Load},
		{"edge_detection_queue_usage_percent", "Detection queue fill percentage", m.DetectionQueueUsage.Load},
		{"edge_telemetry_queue_usage_percent", "Telemetry queue fill percentage", m.TelemetryQueueUsage.Load},
	}

	for _, c := range counters {
		load := c.load
		m.registry.MustRegister(prometheus.NewGaugeFunc(
			prometheus.GaugeOpts{
				Name: c.name,
				Help: c.help,
			},
			func() float64 { return float64(load()) },
		))
	}
}

// UpdateDetectLatency records the last detection stage latency
func (m *Metrics) UpdateDetectLatency(d time.Duration) {
	m.DetectLatencyMs.Store(uint64(d.Milliseconds()))
}

// UpdateCoordLatency records the last coordinate stage latency
func (m *Metrics) UpdateCoordLatency(d time.Duration) {
	m.CoordLatencyMs.Store(uint64(d.Milliseconds()))
}

// UpdateDispatchLatency records the last backend dispatch latency
func (m *Metrics) UpdateDispatchLatency(d time.Duration) {
	m.DispatchLatencyMs.Store(uint64(d.Milliseconds()))
}

// UpdateQueueUsage updates the queue fill percentages
func (m *Metrics) UpdateQueueUsage(frameLen, frameCap, detLen, detCap, telLen, telCap int) {
	if frameCap > 0 {
		m.FrameQueueUsage.Store(uint64(frameLen * 100 / frameCap))
	}
	if detCap > 0 {
		m.DetectionQueueUsage.Store(uint64(detLen * 100 / detCap))
	}
	if telCap > 0 {
		m.TelemetryQueueUsage.Store(uint64(telLen * 100 / telCap))
	}
}

// Handler returns the Prometheus HTTP handler
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// StartServer starts the metrics HTTP server
func (m *Metrics) StartServer(addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	return http.ListenAndServe(addr, mux)
}
