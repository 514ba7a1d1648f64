package pipeline

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/atlas-command/edge-agent/internal/geometry"
	"github.com/atlas-command/edge-agent/internal/logger"
	"github.com/atlas-command/edge-agent/internal/metrics"
	"github.com/atlas-command/edge-agent/pkg/types"
)

// CoordinateStats is the stage's own aggregate, updated only by its worker
// and copied out by Stats.
type CoordinateStats struct {
	BatchesProcessed uint64
	Resolved         uint64
	Fallbacks        uint64
	Failures         uint64
	LatenciesMs      []float64
}

// CoordinateStage consumes DetectionBatches and attaches bearing/elevation
// to every detection. The trigonometric projection is tried first; when it
// reports an error the stage visibly falls back to the linear mapping. A
// detection whose box does not fit its frame is dropped from the batch and
// counted as a failure; the rest of the batch still forwards.
type CoordinateStage struct {
	runner
	in         *Queue[*types.DetectionBatch]
	out        *Queue[*types.CoordinateBatch]
	calc       *geometry.Calculator
	popTimeout time.Duration
	mets       *metrics.Metrics

	mu    sync.Mutex
	stats CoordinateStats
	lat   latencyWindow
}

// NewCoordinateStage wires the stage between its queues.
func NewCoordinateStage(in *Queue[*types.DetectionBatch], out *Queue[*types.CoordinateBatch],
	calc *geometry.Calculator, popTimeout time.Duration, mets *metrics.Metrics) *CoordinateStage {
	if popTimeout <= 0 {
		popTimeout = 150 * time.Millisecond
	}
	return &CoordinateStage{
		runner:     newRunner("coordinate"),
		in:         in,
		out:        out,
		calc:       calc,
		popTimeout: popTimeout,
		mets:       mets,
	}
}

// Start launches the worker.
func (s *CoordinateStage) Start(ctx context.Context) {
	s.start(ctx, s.run)
}

// Stop drains the worker within the grace period.
func (s *CoordinateStage) Stop(grace time.Duration) bool {
	return s.stop(grace)
}

func (s *CoordinateStage) run(ctx context.Context) {
	logger.Info("pipeline", "coordinate stage running")
	for !s.stopping(ctx) {
		batch, ok := s.in.Pop(s.popTimeout)
		if !ok {
			continue
		}
		s.process(batch)
	}
	logger.Info("pipeline", "coordinate stage stopped")
}

func (s *CoordinateStage) process(batch *types.DetectionBatch) {
	start := time.Now()

	resolved := make([]types.Detection, 0, len(batch.Detections))
	success, fallbacks, failures := 0, 0, 0
	for _, det := range batch.Detections {
		coords, usedFallback, err := s.resolve(det.Box, batch.Frame)
		if err != nil {
			failures++
			logger.Warn("pipeline", "frame %d object %s: %v, detection dropped",
				batch.Frame.ID, det.ObjectID, err)
			continue
		}
		if usedFallback {
			fallbacks++
		}
		det.Coords = &coords
		resolved = append(resolved, det)
		success++
	}

	elapsed := time.Since(start)
	s.out.Push(&types.CoordinateBatch{
		Detections:   resolved,
		Frame:        batch.Frame,
		SuccessCount: success,
		FailureCount: failures,
		StageLatency: elapsed,
	})

	s.mets.CoordResolved.Add(uint64(success))
	s.mets.CoordFallbacks.Add(uint64(fallbacks))
	s.mets.CoordFailures.Add(uint64(failures))
	s.mets.UpdateCoordLatency(elapsed)

	s.mu.Lock()
	s.stats.BatchesProcessed++
	s.stats.Resolved += uint64(success)
	s.stats.Fallbacks += uint64(fallbacks)
	s.stats.Failures += uint64(failures)
	s.lat.observe(elapsed)
	s.mu.Unlock()
}

// resolve turns one bounding box into angles. The fallback decision lives
// here, in the caller of the primary transform, not inside the calculator.
func (s *CoordinateStage) resolve(box types.BoundingBox, frame types.FrameMeta) (types.SpatialCoordinates, bool, error) {
	if !box.Valid(frame.Width, frame.Height) {
		return types.SpatialCoordinates{}, false,
			fmt.Errorf("box %dx%d+%d+%d outside %dx%d frame",
				box.Width, box.Height, box.X, box.Y, frame.Width, frame.Height)
	}

	px, py := box.Center()
	coords, err := s.calc.Project(px, py)
	if err == nil {
		return coords, false, nil
	}

	logger.Debug("pipeline", "frame %d: projection failed (%v), using linear mapping", frame.ID, err)
	return s.calc.Linear(px, py), true, nil
}

// Stats copies the aggregate out under a short lock.
func (s *CoordinateStage) Stats() CoordinateStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.stats
	out.LatenciesMs = s.lat.snapshot()
	return out
}
