package pipeline

import (
	"context"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/atlas-command/edge-agent/internal/atlas"
	"github.com/atlas-command/edge-agent/internal/logger"
	"github.com/atlas-command/edge-agent/internal/metrics"
	"github.com/atlas-command/edge-agent/pkg/types"
)

// recordState tracks one outbound contact through its dispatch lifecycle.
type recordState int

const (
	recordPending recordState = iota
	recordSending
	recordAcked
	recordRetrying
	recordDropped
)

func (st recordState) String() string {
	switch st {
	case recordPending:
		return "pending"
	case recordSending:
		return "sending"
	case recordAcked:
		return "acked"
	case recordRetrying:
		return "retrying"
	case recordDropped:
		return "dropped"
	}
	return "unknown"
}

// minimum spacing between sends while a 429 cool-down is active
const cooldownPublishGap = 500 * time.Millisecond

// TelemetryOptions fixes the stage's dispatch behavior at construction.
type TelemetryOptions struct {
	AssetID           string
	MaxRetries        int
	BackoffBase       float64
	BackoffCap        time.Duration
	RateLimitCooldown time.Duration
	PopTimeout        time.Duration
}

// TelemetryStats is the stage's own aggregate, updated only by its worker
// and copied out by Stats.
type TelemetryStats struct {
	BatchesProcessed    uint64
	RecordsSent         uint64
	RecordsRetried      uint64
	RecordsDropped      uint64
	RecordsRejected     uint64
	ConsecutiveFailures int
	LatenciesMs         []float64
}

// TelemetryStage consumes CoordinateBatches and reports each detection as a
// contact. Transient failures retry with capped exponential backoff and
// jitter, a 429 additionally slows the publish rate for a cool-down window,
// and other 4xx drop immediately since retrying cannot change the outcome.
type TelemetryStage struct {
	runner
	in     *Queue[*types.CoordinateBatch]
	client *atlas.Client
	opts   TelemetryOptions
	mets   *metrics.Metrics

	// worker-only state
	rng       *rand.Rand
	slowUntil time.Time

	mu    sync.Mutex
	stats TelemetryStats
	lat   latencyWindow
}

// NewTelemetryStage wires the stage to its input queue and backend client.
func NewTelemetryStage(in *Queue[*types.CoordinateBatch], client *atlas.Client,
	opts TelemetryOptions, mets *metrics.Metrics) *TelemetryStage {
	if opts.PopTimeout <= 0 {
		opts.PopTimeout = 150 * time.Millisecond
	}
	if opts.BackoffBase < 1 {
		opts.BackoffBase = 2
	}
	if opts.BackoffCap <= 0 {
		opts.BackoffCap = 30 * time.Second
	}
	return &TelemetryStage{
		runner: newRunner("telemetry"),
		in:     in,
		client: client,
		opts:   opts,
		mets:   mets,
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Start launches the worker.
func (s *TelemetryStage) Start(ctx context.Context) {
	s.start(ctx, s.run)
}

// Stop drains the worker within the grace period.
func (s *TelemetryStage) Stop(grace time.Duration) bool {
	return s.stop(grace)
}

func (s *TelemetryStage) run(ctx context.Context) {
	logger.Info("pipeline", "telemetry stage running (max retries %d, backoff base %.1f)",
		s.opts.MaxRetries, s.opts.BackoffBase)
	for !s.stopping(ctx) {
		batch, ok := s.in.Pop(s.opts.PopTimeout)
		if !ok {
			continue
		}
		s.process(ctx, batch)
	}
	logger.Info("pipeline", "telemetry stage stopped")
}

func (s *TelemetryStage) process(ctx context.Context, batch *types.CoordinateBatch) {
	start := time.Now()

	var sent, retried, dropped, rejected uint64
	for _, det := range batch.Detections {
		if s.stopping(ctx) {
			break
		}
		if !s.pauseIfCoolingDown(ctx) {
			break
		}

		contact := atlas.Contact{
			AssetID:     s.opts.AssetID,
			ContactType: det.ObjectType,
			Timestamp:   batch.Frame.CapturedAt,
			Metrics: atlas.DetectionMetrics{
				BearingDeg:   det.Coords.BearingDeg,
				ElevationDeg: det.Coords.ElevationDeg,
				RangeM:       det.Coords.RangeM,
				Confidence:   det.Confidence,
			},
		}

		final, attempts, wasRejected := s.dispatch(ctx, det.ObjectID, contact)
		retried += attempts
		switch {
		case final == recordAcked:
			sent++
		case wasRejected:
			rejected++
		default:
			dropped++
		}
	}

	elapsed := time.Since(start)
	s.mets.ContactsSent.Add(sent)
	s.mets.TelemetryRetries.Add(retried)
	s.mets.TelemetryDropped.Add(dropped)
	s.mets.TelemetryRejected.Add(rejected)
	s.mets.UpdateDispatchLatency(elapsed)

	s.mu.Lock()
	s.stats.BatchesProcessed++
	s.stats.RecordsSent += sent
	s.stats.RecordsRetried += retried
	s.stats.RecordsDropped += dropped
	s.stats.RecordsRejected += rejected
	if sent > 0 {
		s.stats.ConsecutiveFailures = 0
	}
	s.stats.ConsecutiveFailures += int(dropped + rejected)
	s.lat.observe(elapsed)
	s.mu.Unlock()
}

// dispatch drives one record through the state machine. It returns the
// final state, how many retry waits were taken, and whether the drop was a
// permanent rejection.
func (s *TelemetryStage) dispatch(ctx context.Context, objectID string, contact atlas.Contact) (recordState, uint64, bool) {
	state := recordPending
	var attempts uint64

	for attempt := 0; ; attempt++ {
		state = s.step(objectID, state, recordSending)

		err := s.client.PostContact(ctx, contact)
		if err == nil {
			s.step(objectID, state, recordAcked)
			return recordAcked, attempts, false
		}

		switch {
		case atlas.IsRateLimited(err):
			s.enterCooldown()
			if attempt >= s.opts.MaxRetries {
				logger.Error("pipeline", "record %s dropped after %d rate-limited attempts", objectID, attempt+1)
				s.step(objectID, state, recordDropped)
				return recordDropped, attempts, false
			}
			state = s.step(objectID, state, recordRetrying)
		case atlas.IsPermanent(err):
			logger.Error("pipeline", "record %s rejected, not retrying: %v", objectID, err)
			s.step(objectID, state, recordDropped)
			return recordDropped, attempts, true
		default:
			if attempt >= s.opts.MaxRetries {
				logger.Error("pipeline", "record %s dropped after %d attempts: %v", objectID, attempt+1, err)
				s.step(objectID, state, recordDropped)
				return recordDropped, attempts, false
			}
			state = s.step(objectID, state, recordRetrying)
		}

		attempts++
		wait := s.backoff(attempt)
		logger.Warn("pipeline", "record %s retry %d/%d in %v: %v",
			objectID, attempt+1, s.opts.MaxRetries, wait.Round(time.Millisecond), err)
		if !s.sleep(ctx, wait) {
			s.step(objectID, state, recordDropped)
			return recordDropped, attempts, false
		}
	}
}

func (s *TelemetryStage) step(objectID string, from, to recordState) recordState {
	logger.Debug("pipeline", "record %s: %s -> %s", objectID, from, to)
	return to
}

// backoff returns base^attempt seconds capped, plus up to half again as
// jitter so synchronized agents do not hammer a recovering backend.
func (s *TelemetryStage) backoff(attempt int) time.Duration {
	d := time.Duration(math.Pow(s.opts.BackoffBase, float64(attempt)) * float64(time.Second))
	if d <= 0 || d > s.opts.BackoffCap {
		d = s.opts.BackoffCap
	}
	return d + time.Duration(s.rng.Float64()*float64(d)/2)
}

func (s *TelemetryStage) enterCooldown() {
	until := time.Now().Add(s.opts.RateLimitCooldown)
	if until.After(s.slowUntil) {
		s.slowUntil = until
		logger.Warn("pipeline", "backend rate limit hit, slowing publishes until %s",
			until.Format(time.TimeOnly))
	}
}

// pauseIfCoolingDown inserts the reduced-rate gap while a 429 cool-down is
// active. It reports false when shutdown interrupted the pause.
func (s *TelemetryStage) pauseIfCoolingDown(ctx context.Context) bool {
	if time.Now().After(s.slowUntil) {
		return true
	}
	return s.sleep(ctx, cooldownPublishGap)
}

// sleep waits for d unless the context is canceled first.
func (s *TelemetryStage) sleep(ctx context.Context, d time.Duration) bool {
	select {
	case <-time.After(d):
		return true
	case <-ctx.Done():
		return false
	}
}

// Stats copies the aggregate out under a short lock.
func (s *TelemetryStage) Stats() TelemetryStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.stats
	out.LatenciesMs = s.lat.snapshot()
	return out
}
