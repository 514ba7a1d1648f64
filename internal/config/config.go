package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Camera source types.
const (
	SourceUSB       = "usb"
	SourceModule    = "module"
	SourceSynthetic = "synthetic"
)

// Detector types.
const (
	DetectorRKNN = "rknn"
	DetectorMock = "mock"
)

// CameraConfig describes the frame source. Immutable once the pipeline is
// constructed; changing it requires rebuilding the dependent stages because
// derived constants (focal lengths) are computed once.
type CameraConfig struct {
	Name          string
	Type          string
	Width         int
	Height        int
	HorizontalFOV float64 // degrees
	VerticalFOV   float64 // degrees
	FPS           int
	DevicePath    string // usb sources, e.g. /dev/video0
	ShmName       string // module sources, capture daemon ring
}

// DetectorConfig describes the detection capability.
type DetectorConfig struct {
	Type                string
	ModelPath           string
	LabelsPath          string
	TargetClass         string
	ConfidenceThreshold float64
	MaxPerFrame         int
}

// AtlasConfig describes the backend the telemetry stage dispatches to.
type AtlasConfig struct {
	URL                 string
	AssetID             string
	AssetName           string
	ModelID             string
	BearerToken         string
	Required            bool // Registration failure aborts startup when set
	TelemetryInterval   time.Duration
	CommandPollInterval time.Duration
	RequestTimeout      time.Duration
	MaxRetries          int
	BackoffBase         float64
	BackoffCap          time.Duration
	RateLimitCooldown   time.Duration
}

// QueueConfig fixes the three bounded queue capacities.
type QueueConfig struct {
	FrameCapacity     int
	DetectionCapacity int
	TelemetryCapacity int
}

// Config is the single immutable snapshot the agent is built from. Stages
// receive values from it at construction and never read configuration again.
type Config struct {
	Camera        CameraConfig
	Detector      DetectorConfig
	Atlas         AtlasConfig
	Queues        QueueConfig
	LogLevel      string
	HTTPAddr      string
	MetricsAddr   string
	PopTimeout    time.Duration
	ShutdownGrace time.Duration
}

// Load reads config.yaml from the given directory (or the working directory
// when empty), applies ATLAS_* environment overrides, validates, and returns
// the snapshot. A missing file is fine; defaults plus environment apply.
func Load(dir string) (*Config, error) {
	v := viper.New()
	if dir == "" {
		dir = "."
	}
	v.AddConfigPath(dir)
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	setDefaults(v)
	bindEnv(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	cfg := &Config{
		Camera: CameraConfig{
			Name:          v.GetString("camera.name"),
			Type:          v.GetString("camera.type"),
			Width:         v.GetInt("camera.width"),
			Height:        v.GetInt("camera.height"),
			HorizontalFOV: v.GetFloat64("camera.horizontal_fov"),
			VerticalFOV:   v.GetFloat64("camera.vertical_fov"),
			FPS:           v.GetInt("camera.fps"),
			DevicePath:    v.GetString("camera.device_path"),
			ShmName:       v.GetString("camera.shm_name"),
		},
		Detector: DetectorConfig{
			Type:                v.GetString("detector.type"),
			ModelPath:           v.GetString("detector.model_path"),
			LabelsPath:          v.GetString("detector.labels_path"),
			TargetClass:         v.GetString("detector.target_class"),
			ConfidenceThreshold: v.GetFloat64("detector.confidence_threshold"),
			MaxPerFrame:         v.GetInt("detector.max_detections_per_frame"),
		},
		Atlas: AtlasConfig{
			URL:                 v.GetString("atlas.url"),
			AssetID:             v.GetString("atlas.asset_id"),
			AssetName:           v.GetString("atlas.asset_name"),
			ModelID:             v.GetString("atlas.model_id"),
			BearerToken:         v.GetString("atlas.bearer_token"),
			Required:            v.GetBool("atlas.required"),
			TelemetryInterval:   v.GetDuration("atlas.telemetry_interval"),
			CommandPollInterval: v.GetDuration("atlas.command_poll_interval"),
			RequestTimeout:      v.GetDuration("atlas.request_timeout"),
			MaxRetries:          v.GetInt("atlas.max_retries"),
			BackoffBase:         v.GetFloat64("atlas.backoff_base"),
			BackoffCap:          v.GetDuration("atlas.backoff_cap"),
			RateLimitCooldown:   v.GetDuration("atlas.rate_limit_cooldown"),
		},
		Queues: QueueConfig{
			FrameCapacity:     v.GetInt("queues.frame"),
			DetectionCapacity: v.GetInt("queues.detection"),
			TelemetryCapacity: v.GetInt("queues.telemetry"),
		},
		LogLevel:      v.GetString("logging.level"),
		HTTPAddr:      v.GetString("http.listen_addr"),
		MetricsAddr:   v.GetString("http.metrics_addr"),
		PopTimeout:    v.GetDuration("pipeline.pop_timeout"),
		ShutdownGrace: v.GetDuration("pipeline.shutdown_grace"),
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("camera.name", "edge-cam-0")
	v.SetDefault("camera.type", SourceSynthetic)
	v.SetDefault("camera.width", 640)
	v.SetDefault("camera.height", 480)
	v.SetDefault("camera.horizontal_fov", 62.2)
	v.SetDefault("camera.vertical_fov", 48.8)
	v.SetDefault("camera.fps", 30)
	v.SetDefault("camera.device_path", "/dev/video0")
	v.SetDefault("camera.shm_name", "/edge_camera_ring")

	v.SetDefault("detector.type", DetectorMock)
	v.SetDefault("detector.target_class", "person")
	v.SetDefault("detector.confidence_threshold", 0.5)
	v.SetDefault("detector.max_detections_per_frame", 10)

	v.SetDefault("atlas.url", "http://localhost:8000")
	v.SetDefault("atlas.asset_id", "SEC_CAM_EDGE_001")
	v.SetDefault("atlas.asset_name", "Edge Security Camera")
	v.SetDefault("atlas.model_id", "")
	v.SetDefault("atlas.bearer_token", "")
	v.SetDefault("atlas.required", false)
	v.SetDefault("atlas.telemetry_interval", "5s")
	v.SetDefault("atlas.command_poll_interval", "2s")
	v.SetDefault("atlas.request_timeout", "5s")
	v.SetDefault("atlas.max_retries", 3)
	v.SetDefault("atlas.backoff_base", 2.0)
	v.SetDefault("atlas.backoff_cap", "30s")
	v.SetDefault("atlas.rate_limit_cooldown", "30s")

	v.SetDefault("queues.frame", 5)
	v.SetDefault("queues.detection", 10)
	v.SetDefault("queues.telemetry", 50)

	v.SetDefault("logging.level", "info")
	v.SetDefault("http.listen_addr", ":8080")
	v.SetDefault("http.metrics_addr", ":9100")
	v.SetDefault("pipeline.pop_timeout", "150ms")
	v.SetDefault("pipeline.shutdown_grace", "5s")
}

// bindEnv wires the legacy flat environment names the provisioning scripts
// already export.
func bindEnv(v *viper.Viper) {
	_ = v.BindEnv("atlas.url", "ATLAS_URL")
	_ = v.BindEnv("atlas.asset_id", "ASSET_ID")
	_ = v.BindEnv("atlas.asset_name", "ASSET_NAME")
	_ = v.BindEnv("atlas.model_id", "ASSET_MODEL_ID")
	_ = v.BindEnv("atlas.bearer_token", "BEARER_TOKEN")
	_ = v.BindEnv("atlas.telemetry_interval", "TELEMETRY_INTERVAL")
	_ = v.BindEnv("atlas.command_poll_interval", "COMMAND_POLL_INTERVAL")
	_ = v.BindEnv("atlas.request_timeout", "REQUEST_TIMEOUT")
	_ = v.BindEnv("atlas.max_retries", "MAX_RETRIES")
	_ = v.BindEnv("atlas.backoff_base", "BACKOFF_BASE")
	_ = v.BindEnv("logging.level", "LOG_LEVEL")
}

func (c *Config) validate() error {
	cam := c.Camera
	if cam.Width <= 0 || cam.Height <= 0 {
		return fmt.Errorf("camera resolution %dx%d invalid", cam.Width, cam.Height)
	}
	if cam.HorizontalFOV <= 0 || cam.HorizontalFOV >= 180 {
		return fmt.Errorf("horizontal fov %.1f out of range (0, 180)", cam.HorizontalFOV)
	}
	if cam.VerticalFOV <= 0 || cam.VerticalFOV >= 180 {
		return fmt.Errorf("vertical fov %.1f out of range (0, 180)", cam.VerticalFOV)
	}
	if cam.FPS <= 0 {
		return fmt.Errorf("camera fps %d invalid", cam.FPS)
	}
	switch cam.Type {
	case SourceUSB, SourceModule, SourceSynthetic:
	default:
		return fmt.Errorf("unknown camera type %q", cam.Type)
	}

	det := c.Detector
	if det.ConfidenceThreshold < 0 || det.ConfidenceThreshold > 1 {
		return fmt.Errorf("confidence threshold %.2f out of range [0, 1]", det.ConfidenceThreshold)
	}
	if det.MaxPerFrame < 1 {
		return fmt.Errorf("max detections per frame %d invalid", det.MaxPerFrame)
	}
	switch det.Type {
	case DetectorRKNN, DetectorMock:
	default:
		return fmt.Errorf("unknown detector type %q", det.Type)
	}
	if det.Type == DetectorRKNN && det.ModelPath == "" {
		return fmt.Errorf("detector.model_path required for rknn detector")
	}
	if det.Type == DetectorRKNN && det.LabelsPath == "" {
		return fmt.Errorf("detector.labels_path required for rknn detector")
	}

	q := c.Queues
	if q.FrameCapacity < 1 || q.DetectionCapacity < 1 || q.TelemetryCapacity < 1 {
		return fmt.Errorf("queue capacities %d/%d/%d must all be >= 1",
			q.FrameCapacity, q.DetectionCapacity, q.TelemetryCapacity)
	}

	a := c.Atlas
	if a.URL == "" || a.AssetID == "" {
		return fmt.Errorf("atlas.url and atlas.asset_id are required")
	}
	if a.MaxRetries < 0 {
		return fmt.Errorf("atlas.max_retries %d invalid", a.MaxRetries)
	}
	if a.BackoffBase < 1 {
		return fmt.Errorf("atlas.backoff_base %.2f must be >= 1", a.BackoffBase)
	}
	if a.RequestTimeout <= 0 {
		return fmt.Errorf("atlas.request_timeout must be positive")
	}

	if c.PopTimeout <= 0 || c.ShutdownGrace <= 0 {
		return fmt.Errorf("pipeline pop_timeout and shutdown_grace must be positive")
	}
	return nil
}
