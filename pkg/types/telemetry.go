package types

import "time"

// Camera status values reported in system telemetry.
const (
	CameraOperational = "operational"
	CameraDegraded    = "degraded"
)

// SystemStatus summarizes agent health for the backend telemetry feed.
type SystemStatus struct {
	CameraStatus        string  `json:"camera_status"`
	UptimeSeconds       float64 `json:"uptime_s"`
	FramesProcessed     uint64  `json:"frames_processed"`
	DetectionCount      uint64  `json:"detection_count"`
	ConsecutiveFailures int     `json:"consecutive_failures"`
}

// Reading is a single metric sample for the backend telemetry endpoint.
type Reading struct {
	MetricKey string    `json:"metric_key"`
	Value     float64   `json:"value"`
	Unit      string    `json:"unit,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}
