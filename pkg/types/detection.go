package types

import "time"

// SpatialCoordinates is a resolved direction relative to the camera's
// optical axis. Bearing is horizontal (positive right), elevation vertical
// (positive up), both in degrees.
type SpatialCoordinates struct {
	BearingDeg   float64  `json:"bearing_deg"`
	ElevationDeg float64  `json:"elevation_deg"`
	RangeM       *float64 `json:"range_m,omitempty"` // Unknown without depth; optional
}

// Detection is one scored object accepted by the detection stage.
type Detection struct {
	ObjectID   string              `json:"object_id"` // Unique within its batch
	ObjectType string              `json:"object_type"`
	Confidence float64             `json:"confidence"` // In [0,1]
	Box        BoundingBox         `json:"bounding_box"`
	Coords     *SpatialCoordinates `json:"spatial_coordinates,omitempty"` // Set by the coordinate stage
}

// DetectionBatch is the detection stage's output for one frame.
type DetectionBatch struct {
	Detections   []Detection   // Detector-native order, already filtered and capped
	Frame        FrameMeta     // Source frame, pixels dropped
	MeanConf     float64       // Mean confidence of the retained detections
	StageLatency time.Duration // Wall-clock processing time for this frame
}

// CoordinateBatch is the coordinate stage's output for one batch. Detections
// whose transform failed are dropped here, not forwarded.
type CoordinateBatch struct {
	Detections   []Detection   // All carry resolved Coords
	Frame        FrameMeta     // Source frame, pixels dropped
	SuccessCount int           // Detections resolved
	FailureCount int           // Detections dropped by transform failure
	StageLatency time.Duration // Wall-clock processing time for this batch
}
