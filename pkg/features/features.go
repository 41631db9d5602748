// Package features turns a face-mesh landmark set into the scalar signals that
// drive the avatar: eye openness, mouth openness and head rotation.
//
// Every function here is pure and total. Missing landmarks or degenerate
// geometry yield the neutral value for that signal instead of an error, so a
// single bad frame can never stop the render loop.
package features

import (
	"math"

	"github.com/menta2k/avatar-studio/pkg/types"
)

// Face-mesh landmark indices (MediaPipe face mesh convention).
const (
	NoseTip        = 1
	Forehead       = 10
	UpperInnerLip  = 13
	LowerInnerLip  = 14
	LeftEyeOuter   = 33
	MouthLeft      = 61
	RightEyeOuter  = 263
	MouthRight     = 291
	MeshLandmarks  = 468
	epsilonLength  = 1e-9
	neutralEyeOpen = 1.0
)

// EyeIndices lists six eye contour points:
// [corner, top, top2, corner2, bottom2, bottom].
// Openness uses top=[1], bottom=[5], corners [0] and [3].
type EyeIndices [6]int

var (
	DefaultLeftEye  = EyeIndices{33, 160, 158, 133, 153, 144}
	DefaultRightEye = EyeIndices{263, 387, 385, 362, 380, 373}
)

// MouthIndices names the inner-lip pair and the mouth corners.
type MouthIndices struct {
	Top    int `json:"top" toml:"top"`
	Bottom int `json:"bottom" toml:"bottom"`
	Left   int `json:"left" toml:"left"`
	Right  int `json:"right" toml:"right"`
}

// DefaultMouth uses the inner lips over the outer mouth corners.
var DefaultMouth = MouthIndices{Top: UpperInnerLip, Bottom: LowerInnerLip, Left: MouthLeft, Right: MouthRight}

// Calibration holds the empirical gains. They were tuned against a single
// webcam, so they are configuration rather than constants.
type Calibration struct {
	EyeGain   float64      `json:"eye_gain" toml:"eye_gain"`
	MouthGain float64      `json:"mouth_gain" toml:"mouth_gain"`
	YawGain   float64      `json:"yaw_gain" toml:"yaw_gain"`
	PitchGain float64      `json:"pitch_gain" toml:"pitch_gain"`
	PitchRest float64      `json:"pitch_rest" toml:"pitch_rest"` // forehead.Y - nose.Y when looking straight ahead
	LeftEye   EyeIndices   `json:"left_eye" toml:"left_eye"`
	RightEye  EyeIndices   `json:"right_eye" toml:"right_eye"`
	Mouth     MouthIndices `json:"mouth" toml:"mouth"`
}

// DefaultPitchRest is the forehead-to-nose offset of a level, front-facing
// head in normalized image units. The forehead sits above the nose, so it is
// negative.
const DefaultPitchRest = -0.27

// DefaultCalibration returns the gains the avatar was originally tuned with.
func DefaultCalibration() Calibration {
	return Calibration{
		EyeGain:   4.5,
		MouthGain: 5,
		YawGain:   400,
		PitchGain: 300,
		PitchRest: DefaultPitchRest,
		LeftEye:   DefaultLeftEye,
		RightEye:  DefaultRightEye,
		Mouth:     DefaultMouth,
	}
}

// EyeOpenRatio estimates how open one eye is. The vertical lid distance
// collapses when the eye closes while the corner distance stays put, which
// makes the ratio independent of how far the face is from the camera.
func EyeOpenRatio(lm types.LandmarkSet, eye EyeIndices, gain float64) float64 {
	left, okL := lm.At(eye[0])
	top, okT := lm.At(eye[1])
	right, okR := lm.At(eye[3])
	bottom, okB := lm.At(eye[5])
	if !okL || !okT || !okR || !okB {
		return neutralEyeOpen
	}
	return ratio(top, bottom, left, right, gain, neutralEyeOpen)
}

// MouthOpenRatio estimates mouth openness from the inner lips over mouth width.
func MouthOpenRatio(lm types.LandmarkSet, mouth MouthIndices, gain float64) float64 {
	top, okT := lm.At(mouth.Top)
	bottom, okB := lm.At(mouth.Bottom)
	left, okL := lm.At(mouth.Left)
	right, okR := lm.At(mouth.Right)
	if !okT || !okB || !okL || !okR {
		return 0
	}
	return ratio(top, bottom, left, right, gain, 0)
}

// HeadRotation returns (pitch, yaw) in rotation units. Yaw is the nose tip's
// horizontal offset from the eye midpoint, pitch the change of the
// forehead-to-nose vertical offset from its resting value pitchRest, each
// multiplied by a large gain. These are not calibrated angles.
func HeadRotation(lm types.LandmarkSet, pitchRest, pitchGain, yawGain float64) (pitch, yaw float64) {
	nose, okN := lm.At(NoseTip)
	forehead, okF := lm.At(Forehead)
	leftEye, okL := lm.At(LeftEyeOuter)
	rightEye, okR := lm.At(RightEyeOuter)
	if !okN || !okF || !okL || !okR {
		return 0, 0
	}

	// Coincident eye corners mean the mesh collapsed; there is no face to measure.
	if math.Abs(rightEye.X-leftEye.X) < epsilonLength {
		return 0, 0
	}

	eyeMidX := (leftEye.X + rightEye.X) / 2
	pitch = finiteOr(((forehead.Y-nose.Y)-pitchRest)*pitchGain, 0)
	yaw = finiteOr((nose.X-eyeMidX)*yawGain, 0)
	return pitch, yaw
}

// Derive computes the raw (unsmoothed) pose for one landmark set.
func Derive(lm types.LandmarkSet, cal Calibration) types.PoseState {
	pitch, yaw := HeadRotation(lm, cal.PitchRest, cal.PitchGain, cal.YawGain)
	return types.PoseState{
		HeadRotationX: pitch,
		HeadRotationY: yaw,
		LeftEyeOpen:   EyeOpenRatio(lm, cal.LeftEye, cal.EyeGain),
		RightEyeOpen:  EyeOpenRatio(lm, cal.RightEye, cal.EyeGain),
		MouthOpen:     MouthOpenRatio(lm, cal.Mouth, cal.MouthGain),
	}
}

// ClassifyExpression maps a pose to a coarse label.
// Priority: blink, wink, talking, neutral.
func ClassifyExpression(p types.PoseState) types.Expression {
	if p.AverageEyeOpen() < 0.4 {
		return types.ExpressionBlink
	}
	if p.LeftEyeOpen < 0.5 && p.RightEyeOpen > 0.6 {
		return types.ExpressionWink
	}
	if p.RightEyeOpen < 0.5 && p.LeftEyeOpen > 0.6 {
		return types.ExpressionWink
	}
	if p.MouthOpen > 0.2 {
		return types.ExpressionTalking
	}
	return types.ExpressionNeutral
}

func ratio(top, bottom, left, right types.Landmark, gain, fallback float64) float64 {
	v := distance2D(top, bottom)
	h := distance2D(left, right)
	if !isFinite(v) || !isFinite(h) || h < epsilonLength {
		return fallback
	}
	r := (v / h) * gain
	if !isFinite(r) {
		return fallback
	}
	return clamp01(r)
}

func distance2D(a, b types.Landmark) float64 {
	dx := a.X - b.X
	dy := a.Y - b.Y
	return math.Sqrt(dx*dx + dy*dy)
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func isFinite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

func finiteOr(v, fallback float64) float64 {
	if !isFinite(v) {
		return fallback
	}
	return v
}
