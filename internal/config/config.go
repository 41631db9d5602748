package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	jsoniter "github.com/json-iterator/go"
	"github.com/pelletier/go-toml/v2"

	"github.com/menta2k/avatar-studio/internal/utils"
	"github.com/menta2k/avatar-studio/pkg/camera"
	"github.com/menta2k/avatar-studio/pkg/compositor"
	"github.com/menta2k/avatar-studio/pkg/features"
	"github.com/menta2k/avatar-studio/pkg/landmarks"
	"github.com/menta2k/avatar-studio/pkg/recording"
	"github.com/menta2k/avatar-studio/pkg/smoothing"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Config holds the application configuration
type Config struct {
	Avatar      AvatarConfig         `json:"avatar" toml:"avatar"`
	Camera      CameraConfig         `json:"camera" toml:"camera"`
	Landmarks   LandmarksConfig      `json:"landmarks" toml:"landmarks"`
	Calibration features.Calibration `json:"calibration" toml:"calibration"`
	Smoothing   smoothing.Smoother   `json:"smoothing" toml:"smoothing"`
	Compositor  compositor.Config    `json:"compositor" toml:"compositor"`
	Tracking    TrackingConfig       `json:"tracking" toml:"tracking"`
	Recording   RecordingConfig      `json:"recording" toml:"recording"`
	Vision      VisionConfig         `json:"vision" toml:"vision"`
	Server      ServerConfig         `json:"server" toml:"server"`
	Log         LogConfig            `json:"log" toml:"log"`
}

// AvatarConfig points at the avatar image (file path or http(s) URL).
type AvatarConfig struct {
	Source  string `json:"source" toml:"source"`
	MinSize int    `json:"min_size" toml:"min_size" validate:"gte=1"`
}

// CameraConfig selects where video frames come from.
type CameraConfig struct {
	Source        string `json:"source" toml:"source" validate:"oneof=device http still"`
	Device        string `json:"device" toml:"device" validate:"required_if=Source device"`
	URL           string `json:"url" toml:"url" validate:"required_if=Source http,omitempty,url"`
	Image         string `json:"image" toml:"image" validate:"required_if=Source still"`
	Width         int    `json:"width" toml:"width" validate:"gte=16,lte=4096"`
	Height        int    `json:"height" toml:"height" validate:"gte=16,lte=4096"`
	FacingMode    string `json:"facing_mode" toml:"facing_mode" validate:"omitempty,oneof=user environment"`
	AllowInsecure bool   `json:"allow_insecure" toml:"allow_insecure"`
}

// LandmarksConfig configures the face mesh provider.
type LandmarksConfig struct {
	Provider    string  `json:"provider" toml:"provider" validate:"oneof=http replay"`
	URL         string  `json:"url" toml:"url" validate:"required_if=Provider http,omitempty,url"`
	Replay      string  `json:"replay" toml:"replay" validate:"required_if=Provider replay"`
	Loop        bool    `json:"loop" toml:"loop"`
	TimeoutMs   int     `json:"timeout_ms" toml:"timeout_ms" validate:"gte=0"`
	MaxFPS      float64 `json:"max_fps" toml:"max_fps" validate:"gte=0"`
	JPEGQuality int     `json:"jpeg_quality" toml:"jpeg_quality" validate:"gte=1,lte=100"`
}

// TrackingConfig holds the controller timings.
type TrackingConfig struct {
	GraceMs     int `json:"grace_ms" toml:"grace_ms" validate:"gte=0"`
	RefreshRate int `json:"refresh_rate" toml:"refresh_rate" validate:"gte=1,lte=240"`
}

// RecordingConfig controls canvas recording.
type RecordingConfig struct {
	OutputDir   string               `json:"output_dir" toml:"output_dir" validate:"required"`
	FFmpeg      string               `json:"ffmpeg" toml:"ffmpeg"`
	FPS         int                  `json:"fps" toml:"fps" validate:"gte=1,lte=60"`
	Bitrate     string               `json:"bitrate" toml:"bitrate"`
	Preferences []string             `json:"preferences" toml:"preferences"`
	Audio       recording.AudioInput `json:"audio" toml:"audio"`
}

// VisionConfig holds the optional feature locator backend.
type VisionConfig struct {
	Backend string `json:"backend" toml:"backend" validate:"oneof=none ollama llamacpp"`
	URL     string `json:"url" toml:"url" validate:"omitempty,url"`
	Model   string `json:"model" toml:"model"`
}

// ServerConfig configures the preview server.
type ServerConfig struct {
	Bind         string   `json:"bind" toml:"bind" validate:"required,hostname_port"`
	AllowOrigins []string `json:"allow_origins" toml:"allow_origins"`
	JPEGQuality  int      `json:"jpeg_quality" toml:"jpeg_quality" validate:"gte=1,lte=100"`
}

// LogConfig configures pkg/log.
type LogConfig struct {
	Level  string `json:"level" toml:"level" validate:"oneof=trace debug info warn warning error"`
	Dir    string `json:"dir" toml:"dir"`
	Caller bool   `json:"caller" toml:"caller"`
}

// Default returns a configuration with default values
func Default() *Config {
	constraints := camera.DefaultConstraints()
	return &Config{
		Avatar: AvatarConfig{
			MinSize: 64,
		},
		Camera: CameraConfig{
			Source:     "device",
			Device:     "/dev/video0",
			Width:      constraints.Width,
			Height:     constraints.Height,
			FacingMode: constraints.FacingMode,
		},
		Landmarks: LandmarksConfig{
			Provider:    "http",
			URL:         "http://127.0.0.1:8765",
			TimeoutMs:   5000,
			MaxFPS:      30,
			JPEGQuality: 80,
		},
		Calibration: features.DefaultCalibration(),
		Smoothing:   smoothing.New(),
		Compositor:  compositor.DefaultConfig(),
		Tracking: TrackingConfig{
			GraceMs:     2000,
			RefreshRate: 60,
		},
		Recording: RecordingConfig{
			OutputDir:   "./recordings",
			FFmpeg:      "ffmpeg",
			FPS:         30,
			Bitrate:     "2500k",
			Preferences: append([]string(nil), recording.DefaultPreferences...),
		},
		Vision: VisionConfig{
			Backend: "none",
			URL:     "http://localhost:11434",
			Model:   "llava",
		},
		Server: ServerConfig{
			Bind:         "127.0.0.1:8080",
			AllowOrigins: []string{"http://localhost:3000"},
			JPEGQuality:  80,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// LoadFromFile reads a JSON or TOML file (by extension) over the defaults, so
// a file only needs the keys it changes.
func LoadFromFile(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := Default()
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".toml":
		err = toml.Unmarshal(data, cfg)
	case ".json", "":
		err = json.Unmarshal(data, cfg)
	default:
		return nil, fmt.Errorf("unsupported config format: %s", filepath.Ext(filename))
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	return cfg, nil
}

// SaveToFile saves configuration as JSON or TOML (by extension).
func (c *Config) SaveToFile(filename string) error {
	dir := filepath.Dir(filename)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	var (
		data []byte
		err  error
	)
	if strings.EqualFold(filepath.Ext(filename), ".toml") {
		data, err = toml.Marshal(c)
	} else {
		data, err = json.MarshalIndent(c, "", "  ")
	}
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(filename, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// Validate checks struct tags first, then the rules that span sections.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if err := c.Smoothing.Validate(); err != nil {
		return err
	}
	if err := c.Compositor.Validate(); err != nil {
		return fmt.Errorf("compositor: %w", err)
	}
	if c.Calibration.EyeGain <= 0 || c.Calibration.MouthGain <= 0 {
		return fmt.Errorf("calibration gains must be positive")
	}
	for field, src := range map[string]string{"avatar.source": c.Avatar.Source, "camera.image": c.Camera.Image} {
		if src != "" && !strings.Contains(src, "://") && !utils.IsImageFile(src) {
			return fmt.Errorf("%s must be a png, jpeg or webp image: %s", field, src)
		}
	}
	if c.Vision.Backend != "none" && (c.Vision.URL == "" || c.Vision.Model == "") {
		return fmt.Errorf("vision.%s needs url and model", c.Vision.Backend)
	}
	if c.Recording.Audio.Enabled && c.Recording.Audio.Driver != "" &&
		c.Recording.Audio.Driver != "pulse" && c.Recording.Audio.Driver != "alsa" {
		return fmt.Errorf("recording.audio.driver must be pulse or alsa")
	}
	return nil
}

// LoadEnvFile loads a .env file into the process environment. A missing
// file is not an error.
func LoadEnvFile(path string) error {
	if path == "" {
		path = ".env"
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("failed to load %s: %w", path, err)
	}
	return nil
}

// ApplyEnv overrides selected settings from AVATAR_* variables.
func (c *Config) ApplyEnv() error {
	strs := map[string]*string{
		"AVATAR_SOURCE":           &c.Avatar.Source,
		"AVATAR_CAMERA_SOURCE":    &c.Camera.Source,
		"AVATAR_CAMERA_DEVICE":    &c.Camera.Device,
		"AVATAR_CAMERA_URL":       &c.Camera.URL,
		"AVATAR_CAMERA_IMAGE":     &c.Camera.Image,
		"AVATAR_LANDMARKS":        &c.Landmarks.Provider,
		"AVATAR_LANDMARKS_URL":    &c.Landmarks.URL,
		"AVATAR_LANDMARKS_REPLAY": &c.Landmarks.Replay,
		"AVATAR_RECORDING_DIR":    &c.Recording.OutputDir,
		"AVATAR_FFMPEG":           &c.Recording.FFmpeg,
		"AVATAR_VISION_BACKEND":   &c.Vision.Backend,
		"AVATAR_VISION_URL":       &c.Vision.URL,
		"AVATAR_VISION_MODEL":     &c.Vision.Model,
		"AVATAR_SERVER_BIND":      &c.Server.Bind,
		"AVATAR_LOG_LEVEL":        &c.Log.Level,
		"AVATAR_LOG_DIR":          &c.Log.Dir,
	}
	for key, dst := range strs {
		if v, ok := os.LookupEnv(key); ok {
			*dst = v
		}
	}

	ints := map[string]*int{
		"AVATAR_CAMERA_WIDTH":  &c.Camera.Width,
		"AVATAR_CAMERA_HEIGHT": &c.Camera.Height,
		"AVATAR_RECORDING_FPS": &c.Recording.FPS,
		"AVATAR_GRACE_MS":      &c.Tracking.GraceMs,
	}
	for key, dst := range ints {
		v, ok := os.LookupEnv(key)
		if !ok {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
		*dst = n
	}

	if v, ok := os.LookupEnv("AVATAR_RECORD_AUDIO"); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("AVATAR_RECORD_AUDIO: %w", err)
		}
		c.Recording.Audio.Enabled = b
	}
	return nil
}

// CameraConstraints returns the requested capture size.
func (c *Config) CameraConstraints() camera.Constraints {
	return camera.Constraints{Width: c.Camera.Width, Height: c.Camera.Height, FacingMode: c.Camera.FacingMode}
}

// LandmarkOptions returns the HTTP provider options.
func (c *Config) LandmarkOptions() landmarks.HTTPOptions {
	return landmarks.HTTPOptions{
		Timeout:     time.Duration(c.Landmarks.TimeoutMs) * time.Millisecond,
		MaxFPS:      c.Landmarks.MaxFPS,
		JPEGQuality: c.Landmarks.JPEGQuality,
	}
}

// Grace is how long tracking survives without a face.
func (c *Config) Grace() time.Duration {
	return time.Duration(c.Tracking.GraceMs) * time.Millisecond
}

// GetConfigPath returns the default configuration file path
func GetConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "./config.toml"
	}
	return filepath.Join(home, ".config", "avatar-studio", "config.toml")
}
