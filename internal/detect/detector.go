// Package detect wraps the object detection backends behind a single
// interface. The backend is chosen once at startup; the pipeline never
// switches detectors at runtime.
package detect

import (
	"fmt"

	"github.com/atlas-command/edge-agent/internal/config"
	"github.com/atlas-command/edge-agent/pkg/types"
)

// RawDetection is one object reported by a detector backend, in the order
// the backend emitted it and before any filtering.
type RawDetection struct {
	ClassLabel string
	Confidence float64
	Box        types.BoundingBox
}

// Detector runs inference on single frames. Implementations are used by one
// goroutine at a time.
type Detector interface {
	// Infer returns the detections for one frame in backend-native order.
	Infer(frame *types.Frame) ([]RawDetection, error)
	Close() error
}

// New builds the detector named by the config.
func New(cfg config.DetectorConfig) (Detector, error) {
	switch cfg.Type {
	case config.DetectorRKNN:
		return NewRKNN(cfg)
	case config.DetectorMock:
		return NewMock(), nil
	default:
		return nil, fmt.Errorf("unknown detector type %q", cfg.Type)
	}
}
