package landmarks

import (
	"math"
	"time"

	"github.com/menta2k/avatar-studio/pkg/features"
	"github.com/menta2k/avatar-studio/pkg/types"
)

// SyntheticFace builds a landmark set that derives to pose p under cal. It
// lets the renderer run without a camera or a model.
func SyntheticFace(p types.PoseState, cal features.Calibration) types.LandmarkSet {
	lm := make(types.LandmarkSet, features.MeshLandmarks)
	for i := range lm {
		lm[i] = types.Landmark{X: 0.5, Y: 0.5}
	}

	const eyeWidth, mouthWidth = 0.08, 0.16
	setEye := func(eye features.EyeIndices, outerX, innerX, open float64) {
		cx := (outerX + innerX) / 2
		v := open * eyeWidth / cal.EyeGain
		lm[eye[0]] = types.Landmark{X: outerX, Y: 0.40}
		lm[eye[3]] = types.Landmark{X: innerX, Y: 0.40}
		lm[eye[1]] = types.Landmark{X: cx, Y: 0.40 - v/2}
		lm[eye[5]] = types.Landmark{X: cx, Y: 0.40 + v/2}
	}
	setEye(cal.LeftEye, 0.36, 0.36+eyeWidth, p.LeftEyeOpen)
	setEye(cal.RightEye, 0.64, 0.64-eyeWidth, p.RightEyeOpen)

	mv := p.MouthOpen * mouthWidth / cal.MouthGain
	lm[cal.Mouth.Left] = types.Landmark{X: 0.5 - mouthWidth/2, Y: 0.66}
	lm[cal.Mouth.Right] = types.Landmark{X: 0.5 + mouthWidth/2, Y: 0.66}
	lm[cal.Mouth.Top] = types.Landmark{X: 0.5, Y: 0.66 - mv/2}
	lm[cal.Mouth.Bottom] = types.Landmark{X: 0.5, Y: 0.66 + mv/2}

	const foreheadY = 0.25
	eyeMidX := (lm[features.LeftEyeOuter].X + lm[features.RightEyeOuter].X) / 2
	lm[features.Forehead] = types.Landmark{X: 0.5, Y: foreheadY}
	lm[features.NoseTip] = types.Landmark{
		X: eyeMidX + p.HeadRotationY/cal.YawGain,
		Y: foreheadY - cal.PitchRest - p.HeadRotationX/cal.PitchGain,
	}
	return lm
}

// DemoPose is a scripted head: a slow side-to-side turn, speech bursts and a
// blink every three seconds.
func DemoPose(t time.Duration) types.PoseState {
	s := t.Seconds()
	p := types.NeutralPose()
	p.HeadRotationY = 20 * math.Sin(s*0.8)
	p.HeadRotationX = 8 * math.Sin(s*0.5)
	if talk := math.Sin(s * 9); math.Mod(s, 4) < 2.5 && talk > 0 {
		p.MouthOpen = 0.7 * talk
	}
	if math.Mod(s, 3) < 0.15 {
		p.LeftEyeOpen, p.RightEyeOpen = 0.05, 0.05
	}
	return p
}

// Demo returns n frames of DemoPose sampled at fps.
func Demo(n, fps int, cal features.Calibration) []types.LandmarkSet {
	if fps <= 0 {
		fps = 30
	}
	frames := make([]types.LandmarkSet, n)
	for i := range frames {
		at := time.Duration(i) * time.Second / time.Duration(fps)
		frames[i] = SyntheticFace(DemoPose(at), cal)
	}
	return frames
}
