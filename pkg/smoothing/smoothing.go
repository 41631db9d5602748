// Package smoothing eases the tracked pose toward each new measurement.
package smoothing

import (
	"fmt"

	"github.com/menta2k/avatar-studio/pkg/types"
)

// Smooth moves current toward target by factor. It is a plain linear
// interpolation, so it converges monotonically and never overshoots.
func Smooth(current, target, factor float64) float64 {
	if factor <= 0 {
		return current
	}
	if factor >= 1 {
		return target
	}
	return current + (target-current)*factor
}

// Smoother applies per-field exponential smoothing to a pose.
// Eyes and mouth must respond faster than head rotation, otherwise blinks and
// speech lag visibly behind the user.
type Smoother struct {
	EyeFactor      float64 `json:"eye_factor" toml:"eye_factor"`
	MouthFactor    float64 `json:"mouth_factor" toml:"mouth_factor"`
	RotationFactor float64 `json:"rotation_factor" toml:"rotation_factor"`
	MaxRotation    float64 `json:"max_rotation" toml:"max_rotation"`
}

// New creates a Smoother with the default factors
func New() Smoother {
	return Smoother{
		EyeFactor:      0.6,
		MouthFactor:    0.6,
		RotationFactor: 0.5,
		MaxRotation:    60,
	}
}

// Validate checks factor ranges and the eye/mouth-faster-than-rotation rule.
func (s Smoother) Validate() error {
	for name, f := range map[string]float64{
		"eye_factor":      s.EyeFactor,
		"mouth_factor":    s.MouthFactor,
		"rotation_factor": s.RotationFactor,
	} {
		if f <= 0 || f > 1 {
			return fmt.Errorf("smoothing.%s must be in (0, 1], got %.3f", name, f)
		}
	}
	if s.EyeFactor <= s.RotationFactor || s.MouthFactor <= s.RotationFactor {
		return fmt.Errorf("smoothing: eye (%.2f) and mouth (%.2f) factors must exceed rotation factor (%.2f)",
			s.EyeFactor, s.MouthFactor, s.RotationFactor)
	}
	if s.MaxRotation <= 0 {
		return fmt.Errorf("smoothing.max_rotation must be positive")
	}
	return nil
}

// Apply returns the next pose. The result is a new record, clamped to the
// valid ranges; prev is never modified.
func (s Smoother) Apply(prev, target types.PoseState) types.PoseState {
	next := types.PoseState{
		HeadRotationX: Smooth(prev.HeadRotationX, target.HeadRotationX, s.RotationFactor),
		HeadRotationY: Smooth(prev.HeadRotationY, target.HeadRotationY, s.RotationFactor),
		LeftEyeOpen:   Smooth(prev.LeftEyeOpen, target.LeftEyeOpen, s.EyeFactor),
		RightEyeOpen:  Smooth(prev.RightEyeOpen, target.RightEyeOpen, s.EyeFactor),
		MouthOpen:     Smooth(prev.MouthOpen, target.MouthOpen, s.MouthFactor),
	}
	return next.Clamp(s.MaxRotation)
}
