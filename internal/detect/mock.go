package detect

import (
	"math/rand"

	"github.com/atlas-command/edge-agent/pkg/types"
)

// MockDetector fabricates detections without touching the NPU. Results are
// derived from the frame ID alone, so a given frame always produces the same
// detections. Useful on development hosts without the RKNN runtime.
type MockDetector struct{}

// NewMock returns a detector that needs no model or hardware.
func NewMock() *MockDetector {
	return &MockDetector{}
}

// Infer returns zero to three synthetic detections for the frame. Most are
// persons with a spread of confidences so threshold filtering has work to
// do; occasionally another class appears to exercise class filtering.
func (d *MockDetector) Infer(frame *types.Frame) ([]RawDetection, error) {
	rng := rand.New(rand.NewSource(int64(frame.ID)))

	n := rng.Intn(4)
	dets := make([]RawDetection, 0, n)
	for i := 0; i < n; i++ {
		w := 40 + rng.Intn(80)
		h := 80 + rng.Intn(120)
		if w >= frame.Width {
			w = frame.Width / 2
		}
		if h >= frame.Height {
			h = frame.Height / 2
		}
		label := "person"
		if rng.Float64() < 0.15 {
			label = "cat"
		}
		dets = append(dets, RawDetection{
			ClassLabel: label,
			Confidence: 0.30 + rng.Float64()*0.65,
			Box: types.BoundingBox{
				X:      rng.Intn(frame.Width - w),
				Y:      rng.Intn(frame.Height - h),
				Width:  w,
				Height: h,
			},
		})
	}
	return dets, nil
}

// Close is a no-op; the mock holds no resources.
func (d *MockDetector) Close() error {
	return nil
}
