package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Default config should validate: %v", err)
	}
	if cfg.Compositor.Width != 400 || cfg.Camera.Width != 480 {
		t.Errorf("Unexpected default sizes: canvas %d, camera %d", cfg.Compositor.Width, cfg.Camera.Width)
	}
	if cfg.Grace() != 2*time.Second {
		t.Errorf("Expected 2s grace, got %v", cfg.Grace())
	}
}

func TestLoadTOMLKeepsDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	data := `
[camera]
source = "still"
image = "me.png"

[smoothing]
eye_factor = 0.7
mouth_factor = 0.7
rotation_factor = 0.4
max_rotation = 45
`
	if err := os.WriteFile(path, []byte(data), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadFromFile(path)
	if err != nil {
		t.Fatalf("LoadFromFile failed: %v", err)
	}
	if cfg.Camera.Source != "still" || cfg.Camera.Image != "me.png" {
		t.Errorf("Camera section not loaded: %+v", cfg.Camera)
	}
	if cfg.Smoothing.RotationFactor != 0.4 {
		t.Errorf("Expected rotation factor 0.4, got %v", cfg.Smoothing.RotationFactor)
	}
	if cfg.Compositor.Width != 400 || cfg.Landmarks.URL == "" {
		t.Error("Expected unspecified sections to keep their defaults")
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Loaded config should validate: %v", err)
	}
}

func TestSaveAndLoadRoundTrip(t *testing.T) {
	for _, name := range []string{"config.json", "config.toml"} {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "nested", name)
			cfg := Default()
			cfg.Server.Bind = "0.0.0.0:9000"
			cfg.Calibration.YawGain = 350

			if err := cfg.SaveToFile(path); err != nil {
				t.Fatalf("SaveToFile failed: %v", err)
			}
			loaded, err := LoadFromFile(path)
			if err != nil {
				t.Fatalf("LoadFromFile failed: %v", err)
			}
			if loaded.Server.Bind != "0.0.0.0:9000" || loaded.Calibration.YawGain != 350 {
				t.Errorf("Round trip lost values: %+v %+v", loaded.Server, loaded.Calibration)
			}
			if loaded.Calibration.LeftEye != cfg.Calibration.LeftEye {
				t.Errorf("Eye indices changed: %v", loaded.Calibration.LeftEye)
			}
		})
	}
}

func TestLoadRejectsUnknownExtension(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("camera: {}"), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadFromFile(path); err == nil {
		t.Error("Expected error for yaml config")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"unknown camera source", func(c *Config) { c.Camera.Source = "screen" }},
		{"http camera without url", func(c *Config) { c.Camera.Source = "http"; c.Camera.URL = "" }},
		{"still camera without image", func(c *Config) { c.Camera.Source = "still" }},
		{"replay without file", func(c *Config) { c.Landmarks.Provider = "replay" }},
		{"bad log level", func(c *Config) { c.Log.Level = "loud" }},
		{"bad bind", func(c *Config) { c.Server.Bind = "localhost" }},
		{"slow eyes", func(c *Config) { c.Smoothing.EyeFactor = 0.3 }},
		{"tiny canvas", func(c *Config) { c.Compositor.Width = 0 }},
		{"avatar is not an image", func(c *Config) { c.Avatar.Source = "avatar.gif" }},
		{"vision without model", func(c *Config) { c.Vision.Backend = "ollama"; c.Vision.Model = "" }},
		{"unknown audio driver", func(c *Config) {
			c.Recording.Audio.Enabled = true
			c.Recording.Audio.Driver = "jack"
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("Expected validation error")
			}
		})
	}
}

func TestApplyEnv(t *testing.T) {
	t.Setenv("AVATAR_CAMERA_SOURCE", "http")
	t.Setenv("AVATAR_CAMERA_URL", "http://127.0.0.1:9000/snapshot.jpg")
	t.Setenv("AVATAR_GRACE_MS", "500")
	t.Setenv("AVATAR_RECORD_AUDIO", "true")

	cfg := Default()
	if err := cfg.ApplyEnv(); err != nil {
		t.Fatalf("ApplyEnv failed: %v", err)
	}
	if cfg.Camera.Source != "http" || cfg.Camera.URL != "http://127.0.0.1:9000/snapshot.jpg" {
		t.Errorf("Camera env not applied: %+v", cfg.Camera)
	}
	if cfg.Grace() != 500*time.Millisecond {
		t.Errorf("Expected 500ms grace, got %v", cfg.Grace())
	}
	if !cfg.Recording.Audio.Enabled {
		t.Error("Expected audio enabled")
	}

	t.Setenv("AVATAR_CAMERA_WIDTH", "wide")
	if err := Default().ApplyEnv(); err == nil {
		t.Error("Expected error for non-numeric width")
	}
}

func TestLoadEnvFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	if err := os.WriteFile(path, []byte("AVATAR_TEST_ENV_FILE=loaded\n"), 0644); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { os.Unsetenv("AVATAR_TEST_ENV_FILE") })

	if err := LoadEnvFile(path); err != nil {
		t.Fatalf("LoadEnvFile failed: %v", err)
	}
	if os.Getenv("AVATAR_TEST_ENV_FILE") != "loaded" {
		t.Error("Expected variable from .env file")
	}
	if err := LoadEnvFile(filepath.Join(t.TempDir(), "missing.env")); err != nil {
		t.Errorf("Missing .env should be ignored, got %v", err)
	}
}

func TestLandmarkOptions(t *testing.T) {
	opts := Default().LandmarkOptions()
	if opts.Timeout != 5*time.Second || opts.MaxFPS != 30 || opts.JPEGQuality != 80 {
		t.Errorf("Unexpected landmark options %+v", opts)
	}
}
