package agent

import (
	"sort"
	"time"

	"gonum.org/v1/gonum/stat"

	"github.com/atlas-command/edge-agent/internal/pipeline"
	"github.com/atlas-command/edge-agent/pkg/types"
)

// Snapshot is the composite health view served by the status API. It is
// assembled on demand: stage aggregates come out under each stage's own
// short-lived lock, queue gauges and producer counters are atomics, so no
// lock is held across stages and nothing on the hot path blocks.
type Snapshot struct {
	AssetID       string  `json:"asset_id"`
	InstanceID    string  `json:"instance_id"`
	Version       string  `json:"version"`
	UptimeSeconds float64 `json:"uptime_s"`
	CameraStatus  string  `json:"camera_status"`

	FramesRead    uint64 `json:"frames_read"`
	FramesDropped uint64 `json:"frames_dropped"`
	CaptureErrors uint64 `json:"capture_errors"`

	Detection  DetectionView  `json:"detection"`
	Coordinate CoordinateView `json:"coordinate"`
	Telemetry  TelemetryView  `json:"telemetry"`
	Queues     []QueueView    `json:"queues"`
}

// DetectionView is the detection stage portion of a Snapshot.
type DetectionView struct {
	State            string  `json:"state"`
	FramesProcessed  uint64  `json:"frames_processed"`
	FramesFailed     uint64  `json:"frames_failed"`
	DetectionsKept   uint64  `json:"detections_kept"`
	DetectionsCulled uint64  `json:"detections_culled"`
	LastMeanConf     float64 `json:"last_mean_confidence"`
	MeanLatencyMs    float64 `json:"mean_latency_ms"`
	P95LatencyMs     float64 `json:"p95_latency_ms"`
}

// CoordinateView is the coordinate stage portion of a Snapshot.
type CoordinateView struct {
	State            string  `json:"state"`
	BatchesProcessed uint64  `json:"batches_processed"`
	Resolved         uint64  `json:"resolved"`
	Fallbacks        uint64  `json:"fallbacks"`
	Failures         uint64  `json:"failures"`
	MeanLatencyMs    float64 `json:"mean_latency_ms"`
	P95LatencyMs     float64 `json:"p95_latency_ms"`
}

// TelemetryView is the telemetry stage portion of a Snapshot.
type TelemetryView struct {
	State               string  `json:"state"`
	BatchesProcessed    uint64  `json:"batches_processed"`
	RecordsSent         uint64  `json:"records_sent"`
	RecordsRetried      uint64  `json:"records_retried"`
	RecordsDropped      uint64  `json:"records_dropped"`
	RecordsRejected     uint64  `json:"records_rejected"`
	ConsecutiveFailures int     `json:"consecutive_failures"`
	MeanLatencyMs       float64 `json:"mean_latency_ms"`
	P95LatencyMs        float64 `json:"p95_latency_ms"`
}

// QueueView is one bounded queue's fill state.
type QueueView struct {
	Name    string  `json:"name"`
	Len     int     `json:"len"`
	Cap     int     `json:"cap"`
	Dropped uint64  `json:"dropped"`
	FillPct float64 `json:"fill_pct"`
}

// Snapshot assembles the composite view.
func (a *Agent) Snapshot() Snapshot {
	det := a.detection.Stats()
	coord := a.coordinate.Stats()
	tele := a.telemetry.Stats()

	detMean, detP95 := latencySummary(det.LatenciesMs)
	coordMean, coordP95 := latencySummary(coord.LatenciesMs)
	teleMean, teleP95 := latencySummary(tele.LatenciesMs)

	return Snapshot{
		AssetID:       a.cfg.Atlas.AssetID,
		InstanceID:    a.instanceID,
		Version:       a.version,
		UptimeSeconds: time.Since(a.startedAt).Seconds(),
		CameraStatus:  cameraStatus(tele.ConsecutiveFailures),

		FramesRead:    a.mets.FramesRead.Load(),
		FramesDropped: a.mets.FramesDropped.Load(),
		CaptureErrors: a.mets.CaptureErrors.Load(),

		Detection: DetectionView{
			State:            a.detection.State().String(),
			FramesProcessed:  det.FramesProcessed,
			FramesFailed:     det.FramesFailed,
			DetectionsKept:   det.DetectionsKept,
			DetectionsCulled: det.DetectionsCulled,
			LastMeanConf:     det.LastMeanConf,
			MeanLatencyMs:    detMean,
			P95LatencyMs:     detP95,
		},
		Coordinate: CoordinateView{
			State:            a.coordinate.State().String(),
			BatchesProcessed: coord.BatchesProcessed,
			Resolved:         coord.Resolved,
			Fallbacks:        coord.Fallbacks,
			Failures:         coord.Failures,
			MeanLatencyMs:    coordMean,
			P95LatencyMs:     coordP95,
		},
		Telemetry: TelemetryView{
			State:               a.telemetry.State().String(),
			BatchesProcessed:    tele.BatchesProcessed,
			RecordsSent:         tele.RecordsSent,
			RecordsRetried:      tele.RecordsRetried,
			RecordsDropped:      tele.RecordsDropped,
			RecordsRejected:     tele.RecordsRejected,
			ConsecutiveFailures: tele.ConsecutiveFailures,
			MeanLatencyMs:       teleMean,
			P95LatencyMs:        teleP95,
		},
		Queues: []QueueView{
			queueView("frame", a.frameQ),
			queueView("detection", a.detQ),
			queueView("telemetry", a.teleQ),
		},
	}
}

func queueView[T any](name string, q *pipeline.Queue[T]) QueueView {
	length, capacity := q.Len(), q.Cap()
	pct := 0.0
	if capacity > 0 {
		pct = float64(length) / float64(capacity) * 100
	}
	return QueueView{
		Name:    name,
		Len:     length,
		Cap:     capacity,
		Dropped: q.Dropped(),
		FillPct: pct,
	}
}

// cameraStatus degrades after three consecutive dispatch failures and
// recovers on the next acknowledged record.
func cameraStatus(consecutiveFailures int) string {
	if consecutiveFailures >= 3 {
		return types.CameraDegraded
	}
	return types.CameraOperational
}

// systemStatus condenses the snapshot for the health endpoint.
func (a *Agent) systemStatus() types.SystemStatus {
	det := a.detection.Stats()
	tele := a.telemetry.Stats()
	return types.SystemStatus{
		CameraStatus:        cameraStatus(tele.ConsecutiveFailures),
		UptimeSeconds:       time.Since(a.startedAt).Seconds(),
		FramesProcessed:     det.FramesProcessed,
		DetectionCount:      det.DetectionsKept,
		ConsecutiveFailures: tele.ConsecutiveFailures,
	}
}

// statusReadings flattens agent health into the backend's reading format.
func (a *Agent) statusReadings(now time.Time) []types.Reading {
	snap := a.Snapshot()

	operational := 1.0
	if snap.CameraStatus != types.CameraOperational {
		operational = 0.0
	}

	readings := []types.Reading{
		{MetricKey: "uptime_s", Value: snap.UptimeSeconds, Unit: "s", Timestamp: now},
		{MetricKey: "camera_operational", Value: operational, Timestamp: now},
		{MetricKey: "frames_read", Value: float64(snap.FramesRead), Timestamp: now},
		{MetricKey: "frames_dropped", Value: float64(snap.FramesDropped), Timestamp: now},
		{MetricKey: "frames_processed", Value: float64(snap.Detection.FramesProcessed), Timestamp: now},
		{MetricKey: "detections_kept", Value: float64(snap.Detection.DetectionsKept), Timestamp: now},
		{MetricKey: "contacts_sent", Value: float64(snap.Telemetry.RecordsSent), Timestamp: now},
		{MetricKey: "contacts_dropped", Value: float64(snap.Telemetry.RecordsDropped), Timestamp: now},
		{MetricKey: "consecutive_failures", Value: float64(snap.Telemetry.ConsecutiveFailures), Timestamp: now},
		{MetricKey: "detect_latency_ms", Value: snap.Detection.MeanLatencyMs, Unit: "ms", Timestamp: now},
	}
	for _, q := range snap.Queues {
		readings = append(readings, types.Reading{
			MetricKey: q.Name + "_queue_fill_pct",
			Value:     q.FillPct,
			Unit:      "%",
			Timestamp: now,
		})
	}
	return readings
}

// latencySummary reduces a latency window to mean and p95.
func latencySummary(ms []float64) (mean, p95 float64) {
	if len(ms) == 0 {
		return 0, 0
	}
	mean = stat.Mean(ms, nil)
	sorted := append([]float64(nil), ms...)
	sort.Float64s(sorted)
	p95 = stat.Quantile(0.95, stat.Empirical, sorted, nil)
	return mean, p95
}
