package config

import (
	"errors"
	"fmt"
	"os"
	"slices"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	ModeStateless = "stateless"
	ModeStreaming = "streaming"
)

// Config holds the runtime configuration of the capture client.
type Config struct {
	Backend  BackendConfig `yaml:"backend"`
	Camera   CameraConfig  `yaml:"camera"`
	Models   ModelsConfig  `yaml:"models"`
	Server   ServerConfig  `yaml:"server"`
	Sinks    SinksConfig   `yaml:"sinks"`
	UserID   string        `yaml:"user_id"`
	LogLevel string        `yaml:"log_level"`
}

type BackendConfig struct {
	URL            string        `yaml:"url"`
	StreamURL      string        `yaml:"stream_url"`
	Mode           string        `yaml:"mode"` // stateless or streaming
	UploadPath     string        `yaml:"upload_path"`
	PairPath       string        `yaml:"pair_path"`
	FramePath      string        `yaml:"frame_path"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
}

type CameraConfig struct {
	URL            string        `yaml:"url"`   // MJPEG source
	Image          string        `yaml:"image"` // still image source, used when URL is empty
	JPEGQuality    int           `yaml:"jpeg_quality"`
	SampleInterval time.Duration `yaml:"sample_interval"` // zero disables periodic sampling
}

type ModelsConfig struct {
	Detector  string            `yaml:"detector"`
	Model     string            `yaml:"model"`
	Detectors []string          `yaml:"detectors"`
	Models    []string          `yaml:"recognition_models"`
	Presets   map[string]Preset `yaml:"presets"`
}

// Preset is a named detector x model grid used by sweeps.
type Preset struct {
	Detectors []string `yaml:"detectors"`
	Models    []string `yaml:"models"`
}

type ServerConfig struct {
	ListenAddr  string `yaml:"listen_addr"`
	JWTSecret   string `yaml:"jwt_secret"`
	JWTAudience string `yaml:"jwt_audience"`
}

// SinksConfig lists verdict recorders. An empty address disables the sink.
type SinksConfig struct {
	RedisAddr   string        `yaml:"redis_addr"`
	RedisTTL    time.Duration `yaml:"redis_ttl"`
	DatabaseDSN string        `yaml:"database_dsn"`
	MQTTBroker  string        `yaml:"mqtt_broker"`
	MQTTTopic   string        `yaml:"mqtt_topic"`
}

// Default returns the configuration used when nothing is overridden.
func Default() *Config {
	return &Config{
		Backend: BackendConfig{
			URL:            "http://localhost:5000",
			StreamURL:      "ws://localhost:8080/ws",
			Mode:           ModeStateless,
			UploadPath:     "/upload",
			PairPath:       "/match",
			FramePath:      "/realtime_verify",
			RequestTimeout: 30 * time.Second,
		},
		Camera: CameraConfig{
			JPEGQuality: 92,
		},
		Models: ModelsConfig{
			Detector:  "opencv",
			Model:     "VGG-Face",
			Detectors: []string{"opencv", "ssd", "dlib", "mtcnn", "retinaface", "mediapipe", "yolov8", "yunet"},
			Models:    []string{"VGG-Face", "Facenet", "Facenet512", "OpenFace", "DeepFace", "DeepID", "ArcFace", "Dlib", "SFace"},
			Presets:   defaultPresets(),
		},
		Server: ServerConfig{
			ListenAddr: ":8090",
		},
		Sinks: SinksConfig{
			RedisTTL:  10 * time.Minute,
			MQTTTopic: "facecheck/verdicts",
		},
		UserID:   "web-user",
		LogLevel: "info",
	}
}

func defaultPresets() map[string]Preset {
	return map[string]Preset{
		"quick": {
			Detectors: []string{"opencv", "mtcnn", "retinaface"},
			Models:    []string{"VGG-Face", "Facenet", "ArcFace"},
		},
		"full": {
			Detectors: []string{"opencv", "ssd", "dlib", "mtcnn", "retinaface", "mediapipe", "yolov8", "yunet"},
			Models:    []string{"VGG-Face", "Facenet", "Facenet512", "OpenFace", "DeepFace", "DeepID", "ArcFace", "Dlib", "SFace"},
		},
		"performance": {
			Detectors: []string{"opencv", "mtcnn", "retinaface", "mediapipe"},
			Models:    []string{"VGG-Face", "Facenet", "Facenet512", "ArcFace"},
		},
		"speed": {
			Detectors: []string{"opencv", "mediapipe"},
			Models:    []string{"VGG-Face", "OpenFace"},
		},
		"accuracy": {
			Detectors: []string{"mtcnn", "retinaface"},
			Models:    []string{"Facenet512", "ArcFace"},
		},
	}
}

// Load builds the configuration from defaults, an optional YAML file and the
// environment, in that order of precedence.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	setString(&c.Backend.URL, "FACECHECK_BACKEND_URL")
	setString(&c.Backend.StreamURL, "FACECHECK_STREAM_URL")
	setString(&c.Backend.Mode, "FACECHECK_MODE")
	setString(&c.Camera.URL, "FACECHECK_CAMERA_URL")
	setString(&c.Camera.Image, "FACECHECK_CAMERA_IMAGE")
	setString(&c.Models.Detector, "FACECHECK_DETECTOR")
	setString(&c.Models.Model, "FACECHECK_MODEL")
	setString(&c.UserID, "FACECHECK_USER_ID")
	setString(&c.Server.ListenAddr, "FACECHECK_LISTEN_ADDR")
	setString(&c.Server.JWTSecret, "JWT_SECRET")
	setString(&c.Server.JWTAudience, "JWT_AUDIENCE")
	setString(&c.Sinks.RedisAddr, "REDIS_ADDR")
	setString(&c.Sinks.DatabaseDSN, "DATABASE_DSN")
	setString(&c.Sinks.MQTTBroker, "MQTT_BROKER")
	setString(&c.Sinks.MQTTTopic, "MQTT_TOPIC")
	setString(&c.LogLevel, "LOG_LEVEL")

	if v := os.Getenv("FACECHECK_JPEG_QUALITY"); v != "" {
		q, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("FACECHECK_JPEG_QUALITY: %w", err)
		}
		c.Camera.JPEGQuality = q
	}
	if err := setDuration(&c.Camera.SampleInterval, "FACECHECK_INTERVAL"); err != nil {
		return err
	}
	if err := setDuration(&c.Backend.RequestTimeout, "FACECHECK_REQUEST_TIMEOUT"); err != nil {
		return err
	}
	return nil
}

// Validate checks the invariants the rest of the client relies on.
func (c *Config) Validate() error {
	var errs []error

	switch c.Backend.Mode {
	case ModeStateless, ModeStreaming:
	default:
		errs = append(errs, fmt.Errorf("unknown backend mode %q", c.Backend.Mode))
	}
	if c.Backend.URL == "" {
		errs = append(errs, errors.New("backend url is required"))
	}
	if c.Backend.Mode == ModeStreaming && c.Backend.StreamURL == "" {
		errs = append(errs, errors.New("stream url is required in streaming mode"))
	}
	if c.Camera.JPEGQuality < 1 || c.Camera.JPEGQuality > 100 {
		errs = append(errs, fmt.Errorf("jpeg quality %d out of range 1-100", c.Camera.JPEGQuality))
	}
	if c.Camera.SampleInterval < 0 {
		errs = append(errs, errors.New("sample interval must not be negative"))
	}
	if len(c.Models.Detectors) > 0 && !slices.Contains(c.Models.Detectors, c.Models.Detector) {
		errs = append(errs, fmt.Errorf("default detector %q is not in the detector options", c.Models.Detector))
	}
	if len(c.Models.Models) > 0 && !slices.Contains(c.Models.Models, c.Models.Model) {
		errs = append(errs, fmt.Errorf("default model %q is not in the model options", c.Models.Model))
	}

	return errors.Join(errs...)
}

// Streaming reports whether verdicts are delivered over the persistent channel.
func (c *Config) Streaming() bool {
	return c.Backend.Mode == ModeStreaming
}

// Endpoint joins the backend base URL with path.
func (c *BackendConfig) Endpoint(path string) string {
	return strings.TrimRight(c.URL, "/") + "/" + strings.TrimLeft(path, "/")
}

func setString(dst *string, key string) {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		*dst = value
	}
}

func setDuration(dst *time.Duration, key string) error {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = d
	return nil
}
