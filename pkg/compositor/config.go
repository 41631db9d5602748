package compositor

import (
	"errors"
	"fmt"
)

// Config holds the canvas size and the tunable motion and overlay constants.
type Config struct {
	Width  int `json:"width" toml:"width"`
	Height int `json:"height" toml:"height"`

	// Head motion. Shift gains are canvas pixels per rotation unit.
	ShiftXGain float64 `json:"shift_x_gain" toml:"shift_x_gain"`
	ShiftYGain float64 `json:"shift_y_gain" toml:"shift_y_gain"`
	MaxShift   float64 `json:"max_shift" toml:"max_shift"` // fraction of canvas size
	MaxAngle   float64 `json:"max_angle" toml:"max_angle"` // degrees
	ScaleGain  float64 `json:"scale_gain" toml:"scale_gain"`
	ScaleRef   float64 `json:"scale_ref" toml:"scale_ref"`
	MaxScale   float64 `json:"max_scale" toml:"max_scale"`

	// Talking wobble: WobbleDegrees * sin(ms / WobblePeriodMs).
	WobbleDegrees    float64 `json:"wobble_degrees" toml:"wobble_degrees"`
	WobblePeriodMs   float64 `json:"wobble_period_ms" toml:"wobble_period_ms"`
	TalkingThreshold float64 `json:"talking_threshold" toml:"talking_threshold"`

	EyeThreshold   float64 `json:"eye_threshold" toml:"eye_threshold"`
	MouthThreshold float64 `json:"mouth_threshold" toml:"mouth_threshold"`
	MaxEyeAlpha    uint8   `json:"max_eye_alpha" toml:"max_eye_alpha"`
	MouthStretch   float64 `json:"mouth_stretch" toml:"mouth_stretch"`

	BorderWidth     int    `json:"border_width" toml:"border_width"`
	BorderInset     int    `json:"border_inset" toml:"border_inset"`
	PlaceholderText string `json:"placeholder_text" toml:"placeholder_text"`
}

// DefaultConfig returns a 400x400 canvas with the original motion constants.
func DefaultConfig() Config {
	return Config{
		Width:            400,
		Height:           400,
		ShiftXGain:       2,
		ShiftYGain:       1.5,
		MaxShift:         0.15,
		MaxAngle:         30,
		ScaleGain:        0.08,
		ScaleRef:         40,
		MaxScale:         1.15,
		WobbleDegrees:    2,
		WobblePeriodMs:   150,
		TalkingThreshold: 0.2,
		EyeThreshold:     0.5,
		MouthThreshold:   0.15,
		MaxEyeAlpha:      230,
		MouthStretch:     1.2,
		BorderWidth:      3,
		BorderInset:      2,
		PlaceholderText:  "Loading avatar...",
	}
}

// Validate checks that the canvas is drawable and motion stays bounded.
func (c Config) Validate() error {
	if c.Width <= 0 || c.Height <= 0 {
		return fmt.Errorf("canvas size must be positive, got %dx%d", c.Width, c.Height)
	}
	if c.MaxShift < 0 || c.MaxShift > 0.5 {
		return fmt.Errorf("max_shift must be within [0, 0.5], got %g", c.MaxShift)
	}
	if c.MaxAngle < 0 || c.MaxAngle > 90 {
		return fmt.Errorf("max_angle must be within [0, 90], got %g", c.MaxAngle)
	}
	if c.ScaleRef <= 0 {
		return errors.New("scale_ref must be positive")
	}
	if c.MaxScale < 1 {
		return fmt.Errorf("max_scale must be at least 1, got %g", c.MaxScale)
	}
	if c.WobblePeriodMs <= 0 {
		return errors.New("wobble_period_ms must be positive")
	}
	if c.EyeThreshold < 0 || c.EyeThreshold > 1 || c.MouthThreshold < 0 || c.MouthThreshold > 1 {
		return errors.New("eye and mouth thresholds must be within [0, 1]")
	}
	if c.BorderWidth < 0 || c.BorderInset < 0 {
		return errors.New("border width and inset must not be negative")
	}
	return nil
}
