package agent

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atlas-command/edge-agent/internal/config"
)

// atlasBackend fakes the Atlas Command API surface the agent talks to.
type atlasBackend struct {
	mu         sync.Mutex
	registered int
	contacts   []map[string]any
	telemetry  int
	commands   []map[string]any // served on the first poll only
	acked      []string
	failAssets bool
}

func (b *atlasBackend) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch {
	case r.Method == http.MethodPost && r.URL.Path == "/assets":
		if b.failAssets {
			w.WriteHeader(http.StatusServiceUnavailable)
			_ = json.NewEncoder(w).Encode(map[string]string{
				"error_code": "BACKEND_DOWN", "message": "try later",
			})
			return
		}
		b.registered++
		w.WriteHeader(http.StatusCreated)
	case r.Method == http.MethodPost && r.URL.Path == "/contacts":
		var c map[string]any
		_ = json.NewDecoder(r.Body).Decode(&c)
		b.contacts = append(b.contacts, c)
		w.WriteHeader(http.StatusCreated)
	case r.Method == http.MethodPost && strings.HasSuffix(r.URL.Path, "/telemetry"):
		b.telemetry++
		w.WriteHeader(http.StatusAccepted)
	case r.Method == http.MethodGet && strings.HasSuffix(r.URL.Path, "/commands"):
		cmds := b.commands
		b.commands = nil
		_ = json.NewEncoder(w).Encode(map[string]any{"commands": cmds})
	case r.Method == http.MethodDelete && strings.Contains(r.URL.Path, "/commands/"):
		b.acked = append(b.acked, r.URL.Path)
		w.WriteHeader(http.StatusNoContent)
	default:
		http.NotFound(w, r)
	}
}

func (b *atlasBackend) contactCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.contacts)
}

func (b *atlasBackend) telemetryCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.telemetry
}

func (b *atlasBackend) ackCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.acked)
}

func (b *atlasBackend) firstContact() map[string]any {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.contacts) == 0 {
		return nil
	}
	return b.contacts[0]
}

// testConfig runs the whole pipeline in-process: synthetic frames, the mock
// detector, ephemeral listen ports, and tight intervals.
func testConfig(backendURL string) *config.Config {
	return &config.Config{
		Camera: config.CameraConfig{
			Name:          "test-cam",
			Type:          config.SourceSynthetic,
			Width:         640,
			Height:        480,
			HorizontalFOV: 62.2,
			VerticalFOV:   48.8,
			FPS:           30,
		},
		Detector: config.DetectorConfig{
			Type:                config.DetectorMock,
			TargetClass:         "person",
			ConfidenceThreshold: 0.5,
			MaxPerFrame:         10,
		},
		Atlas: config.AtlasConfig{
			URL:                 backendURL,
			AssetID:             "SEC_CAM_EDGE_001",
			AssetName:           "Test Camera",
			Required:            true,
			TelemetryInterval:   150 * time.Millisecond,
			CommandPollInterval: 100 * time.Millisecond,
			RequestTimeout:      2 * time.Second,
			MaxRetries:          1,
			BackoffBase:         1.0,
			BackoffCap:          time.Millisecond,
			RateLimitCooldown:   time.Second,
		},
		Queues: config.QueueConfig{
			FrameCapacity:     5,
			DetectionCapacity: 10,
			TelemetryCapacity: 50,
		},
		LogLevel:      "info",
		HTTPAddr:      "127.0.0.1:0",
		MetricsAddr:   "127.0.0.1:0",
		PopTimeout:    30 * time.Millisecond,
		ShutdownGrace: 2 * time.Second,
	}
}

func newTestAgent(t *testing.T, backend *atlasBackend) *Agent {
	t.Helper()
	srv := httptest.NewServer(backend)
	t.Cleanup(srv.Close)

	a, err := New(testConfig(srv.URL), "0.0-test")
	require.NoError(t, err)
	return a
}

// TestAgentEndToEnd runs synthetic frames through detection, coordinate
// resolution, and dispatch, and verifies contacts land on the backend with
// angles inside the camera's field of view.
func TestAgentEndToEnd(t *testing.T) {
	backend := &atlasBackend{}
	a := newTestAgent(t, backend)

	require.NoError(t, a.Start())

	assert.Eventually(t, func() bool {
		return backend.contactCount() > 0 && backend.telemetryCount() > 0
	}, 10*time.Second, 50*time.Millisecond, "pipeline must deliver contacts and status telemetry")

	contact := backend.firstContact()
	require.NotNil(t, contact)
	assert.Equal(t, "SEC_CAM_EDGE_001", contact["asset_id"])
	assert.Equal(t, "person", contact["contact_type"])

	metrics, ok := contact["detection_metrics"].(map[string]any)
	require.True(t, ok, "contact must carry detection_metrics")
	bearing, ok := metrics["bearing_deg"].(float64)
	require.True(t, ok)
	assert.InDelta(t, 0, bearing, 31.1+0.01, "bearing must stay inside half the horizontal fov")
	elevation, ok := metrics["elevation_deg"].(float64)
	require.True(t, ok)
	assert.InDelta(t, 0, elevation, 24.4+0.01, "elevation must stay inside half the vertical fov")
	conf, ok := metrics["confidence"].(float64)
	require.True(t, ok)
	assert.GreaterOrEqual(t, conf, 0.5)

	snap := a.Snapshot()
	assert.Positive(t, snap.FramesRead)
	assert.Positive(t, snap.Detection.FramesProcessed)
	assert.Positive(t, snap.Telemetry.RecordsSent)
	assert.Equal(t, "running", snap.Detection.State)
	assert.Equal(t, "operational", snap.CameraStatus)

	require.NoError(t, a.Shutdown())
	after := a.Snapshot()
	assert.Equal(t, "stopped", after.Detection.State)
	assert.Equal(t, "stopped", after.Coordinate.State)
	assert.Equal(t, "stopped", after.Telemetry.State)
}

// TestAgentRegistrationRequiredAborts verifies a required backend that
// refuses registration fails startup instead of running blind.
func TestAgentRegistrationRequiredAborts(t *testing.T) {
	backend := &atlasBackend{failAssets: true}
	a := newTestAgent(t, backend)

	err := a.Start()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "register asset")

	// Nothing started, so teardown must be immediate.
	begin := time.Now()
	require.NoError(t, a.Shutdown())
	assert.Less(t, time.Since(begin), time.Second)
}

// TestAgentRegistrationOptionalContinues verifies the agent runs without the
// backend when registration is best-effort.
func TestAgentRegistrationOptionalContinues(t *testing.T) {
	backend := &atlasBackend{failAssets: true}
	srv := httptest.NewServer(backend)
	t.Cleanup(srv.Close)

	cfg := testConfig(srv.URL)
	cfg.Atlas.Required = false
	a, err := New(cfg, "0.0-test")
	require.NoError(t, err)

	require.NoError(t, a.Start())
	assert.Eventually(t, func() bool {
		return a.Snapshot().FramesRead > 0
	}, 5*time.Second, 50*time.Millisecond)
	require.NoError(t, a.Shutdown())
}

// TestAgentCommandHandledAndAcked serves one queued ping command and
// verifies the poller acknowledges it.
func TestAgentCommandHandledAndAcked(t *testing.T) {
	backend := &atlasBackend{
		commands: []map[string]any{
			{"index": 1, "command_type": "ping", "issued_at": time.Now().UTC().Format(time.RFC3339)},
		},
	}
	a := newTestAgent(t, backend)

	require.NoError(t, a.Start())
	assert.Eventually(t, func() bool {
		return backend.ackCount() == 1
	}, 5*time.Second, 50*time.Millisecond, "command must be acked after handling")
	require.NoError(t, a.Shutdown())
}
