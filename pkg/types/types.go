package types

import "math"

// Landmark is a single face-mesh point normalized to the camera frame.
type Landmark struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

// LandmarkSet is the ordered point list produced by the landmark model for one
// frame (468 points for MediaPipe face mesh, 478 with refined irises).
type LandmarkSet []Landmark

// At returns the landmark at index i and whether it exists.
func (s LandmarkSet) At(i int) (Landmark, bool) {
	if i < 0 || i >= len(s) {
		return Landmark{}, false
	}
	return s[i], true
}

// PoseState is the only state carried from frame to frame.
// Rotations are heuristic "rotation units" (roughly degrees), openness is [0,1].
type PoseState struct {
	HeadRotationX float64 `json:"head_rotation_x"`
	HeadRotationY float64 `json:"head_rotation_y"`
	LeftEyeOpen   float64 `json:"left_eye_open"`
	RightEyeOpen  float64 `json:"right_eye_open"`
	MouthOpen     float64 `json:"mouth_open"`
}

// NeutralPose returns the resting pose: head straight, eyes open, mouth closed.
func NeutralPose() PoseState {
	return PoseState{
		HeadRotationX: 0,
		HeadRotationY: 0,
		LeftEyeOpen:   1,
		RightEyeOpen:  1,
		MouthOpen:     0,
	}
}

// Clamp returns a copy with openness in [0,1] and rotations in
// [-maxRotation, maxRotation]. NaN fields fall back to their neutral value.
func (p PoseState) Clamp(maxRotation float64) PoseState {
	return PoseState{
		HeadRotationX: clampOr(p.HeadRotationX, -maxRotation, maxRotation, 0),
		HeadRotationY: clampOr(p.HeadRotationY, -maxRotation, maxRotation, 0),
		LeftEyeOpen:   clampOr(p.LeftEyeOpen, 0, 1, 1),
		RightEyeOpen:  clampOr(p.RightEyeOpen, 0, 1, 1),
		MouthOpen:     clampOr(p.MouthOpen, 0, 1, 0),
	}
}

// AverageEyeOpen is the mean of both eye openness values.
func (p PoseState) AverageEyeOpen() float64 {
	return (p.LeftEyeOpen + p.RightEyeOpen) / 2
}

func clampOr(v, lo, hi, fallback float64) float64 {
	if math.IsNaN(v) {
		return fallback
	}
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// Status is the tracking controller's lifecycle state.
type Status int

const (
	StatusIdle Status = iota
	StatusInitializing
	StatusTracking
	StatusNoFace
	StatusError
)

func (s Status) String() string {
	switch s {
	case StatusIdle:
		return "idle"
	case StatusInitializing:
		return "initializing"
	case StatusTracking:
		return "tracking"
	case StatusNoFace:
		return "no-face"
	case StatusError:
		return "error"
	default:
		return "unknown"
	}
}

// MarshalText encodes the status by name so JSON payloads stay readable.
func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Expression is a coarse label derived from the pose, shown next to the avatar.
type Expression string

const (
	ExpressionNeutral Expression = "neutral"
	ExpressionTalking Expression = "talking"
	ExpressionBlink   Expression = "blink"
	ExpressionWink    Expression = "wink"
)

// Box represents a normalized bounding box with coordinates in [0,1] range
type Box struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	W float64 `json:"w"`
	H float64 `json:"h"`
}

// Center returns the normalized center of the box.
func (b Box) Center() (float64, float64) {
	return b.X + b.W/2, b.Y + b.H/2
}

// Empty reports whether the box has no area.
func (b Box) Empty() bool {
	return b.W <= 0 || b.H <= 0
}

// FeatureLayout locates the eyes and mouth on the avatar image so overlays
// land on the right spots.
type FeatureLayout struct {
	LeftEye  Box    `json:"left_eye"`
	RightEye Box    `json:"right_eye"`
	Mouth    Box    `json:"mouth"`
	Source   string `json:"source,omitempty"`
}

// DefaultLayout is tuned for a centered, front-facing portrait.
func DefaultLayout() FeatureLayout {
	return FeatureLayout{
		LeftEye:  Box{X: 0.30, Y: 0.36, W: 0.14, H: 0.07},
		RightEye: Box{X: 0.56, Y: 0.36, W: 0.14, H: 0.07},
		Mouth:    Box{X: 0.38, Y: 0.64, W: 0.24, H: 0.10},
		Source:   "default",
	}
}
