package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// loadWith writes the yaml into a fresh directory and loads it, so every
// case starts from the built-in defaults plus its own overrides.
func loadWith(t *testing.T, yaml string) (*Config, error) {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o644))
	return Load(dir)
}

// TestLoadDefaults verifies a missing config file yields the full default
// snapshot rather than an error.
func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(t.TempDir())
	require.NoError(t, err)

	assert.Equal(t, SourceSynthetic, cfg.Camera.Type)
	assert.Equal(t, 640, cfg.Camera.Width)
	assert.Equal(t, 480, cfg.Camera.Height)
	assert.Equal(t, 62.2, cfg.Camera.HorizontalFOV)
	assert.Equal(t, 48.8, cfg.Camera.VerticalFOV)
	assert.Equal(t, 30, cfg.Camera.FPS)

	assert.Equal(t, DetectorMock, cfg.Detector.Type)
	assert.Equal(t, "person", cfg.Detector.TargetClass)
	assert.Equal(t, 0.5, cfg.Detector.ConfidenceThreshold)
	assert.Equal(t, 10, cfg.Detector.MaxPerFrame)

	assert.Equal(t, "http://localhost:8000", cfg.Atlas.URL)
	assert.Equal(t, "SEC_CAM_EDGE_001", cfg.Atlas.AssetID)
	assert.False(t, cfg.Atlas.Required)
	assert.Equal(t, 3, cfg.Atlas.MaxRetries)
	assert.Equal(t, 2.0, cfg.Atlas.BackoffBase)
	assert.Equal(t, 30*time.Second, cfg.Atlas.BackoffCap)

	assert.Equal(t, 5, cfg.Queues.FrameCapacity)
	assert.Equal(t, 10, cfg.Queues.DetectionCapacity)
	assert.Equal(t, 50, cfg.Queues.TelemetryCapacity)

	assert.Equal(t, 150*time.Millisecond, cfg.PopTimeout)
	assert.Equal(t, 5*time.Second, cfg.ShutdownGrace)
}

// TestLoadFromFile verifies file values override defaults without clobbering
// unrelated keys.
func TestLoadFromFile(t *testing.T) {
	cfg, err := loadWith(t, `
camera:
  type: usb
  width: 1280
  height: 720
  device_path: /dev/video2
detector:
  confidence_threshold: 0.7
atlas:
  url: http://atlas.internal:8000
  bearer_token: sekrit
queues:
  frame: 8
`)
	require.NoError(t, err)

	assert.Equal(t, SourceUSB, cfg.Camera.Type)
	assert.Equal(t, 1280, cfg.Camera.Width)
	assert.Equal(t, 720, cfg.Camera.Height)
	assert.Equal(t, "/dev/video2", cfg.Camera.DevicePath)
	assert.Equal(t, 0.7, cfg.Detector.ConfidenceThreshold)
	assert.Equal(t, "http://atlas.internal:8000", cfg.Atlas.URL)
	assert.Equal(t, "sekrit", cfg.Atlas.BearerToken)
	assert.Equal(t, 8, cfg.Queues.FrameCapacity)

	// Defaults still apply where the file is silent.
	assert.Equal(t, 30, cfg.Camera.FPS)
	assert.Equal(t, "person", cfg.Detector.TargetClass)
}

// TestEnvOverridesFile verifies the provisioning environment variables beat
// both file values and defaults.
func TestEnvOverridesFile(t *testing.T) {
	t.Setenv("ATLAS_URL", "http://env.example:9000")
	t.Setenv("ASSET_ID", "SEC_CAM_ENV_007")
	t.Setenv("LOG_LEVEL", "debug")

	cfg, err := loadWith(t, `
atlas:
  url: http://file.example:8000
  asset_id: SEC_CAM_FILE_001
`)
	require.NoError(t, err)

	assert.Equal(t, "http://env.example:9000", cfg.Atlas.URL)
	assert.Equal(t, "SEC_CAM_ENV_007", cfg.Atlas.AssetID)
	assert.Equal(t, "debug", cfg.LogLevel)
}

// TestLoadMalformedYAML verifies a broken file is reported instead of being
// silently replaced by defaults.
func TestLoadMalformedYAML(t *testing.T) {
	_, err := loadWith(t, "camera: [this is: not yaml\n")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "read config")
}

// TestValidationFailures walks the validation rules one bad key at a time.
func TestValidationFailures(t *testing.T) {
	cases := []struct {
		name string
		yaml string
		want string
	}{
		{"zero width", "camera:\n  width: 0\n", "resolution"},
		{"fov too wide", "camera:\n  horizontal_fov: 200\n", "horizontal fov"},
		{"zero vertical fov", "camera:\n  vertical_fov: 0\n", "vertical fov"},
		{"zero fps", "camera:\n  fps: 0\n", "fps"},
		{"unknown camera type", "camera:\n  type: rtsp\n", "camera type"},
		{"threshold above one", "detector:\n  confidence_threshold: 1.5\n", "confidence threshold"},
		{"zero per-frame cap", "detector:\n  max_detections_per_frame: 0\n", "max detections"},
		{"unknown detector type", "detector:\n  type: tflite\n", "detector type"},
		{"rknn without model", "detector:\n  type: rknn\n  labels_path: /tmp/coco.txt\n", "model_path"},
		{"rknn without labels", "detector:\n  type: rknn\n  model_path: /tmp/model.rknn\n", "labels_path"},
		{"zero queue capacity", "queues:\n  frame: 0\n", "queue capacities"},
		{"missing asset id", "atlas:\n  asset_id: \"\"\n", "asset_id"},
		{"negative retries", "atlas:\n  max_retries: -1\n", "max_retries"},
		{"backoff base below one", "atlas:\n  backoff_base: 0.5\n", "backoff_base"},
		{"zero pop timeout", "pipeline:\n  pop_timeout: 0s\n", "pop_timeout"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := loadWith(t, tc.yaml)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.want)
		})
	}
}
