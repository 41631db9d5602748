package compositor

import (
	"image/color"
	"math"
	"time"

	"golang.org/x/image/math/f64"

	"github.com/menta2k/avatar-studio/pkg/types"
)

var (
	eyeShadeColor = color.NRGBA{R: 45, G: 28, B: 24}
	mouthColor    = color.NRGBA{R: 70, G: 14, B: 24, A: 230}
	borderColor   = color.NRGBA{R: 0x00, G: 0xff, B: 0x00, A: 0xff}
	placeholderBG = color.NRGBA{R: 0x1a, G: 0x1a, B: 0x2e, A: 0xff}
	placeholderFG = color.NRGBA{R: 0x88, G: 0x88, B: 0x88, A: 0xff}
)

// Ellipse is an overlay shape in canvas pixels, rotated by Angle radians.
type Ellipse struct {
	CX, CY float64
	RX, RY float64
	Angle  float64
	Color  color.NRGBA
}

// Plan is the geometry of one frame, computed without touching pixels.
type Plan struct {
	Placeholder bool

	Angle  float64 // radians, wobble included
	Scale  float64
	ShiftX float64
	ShiftY float64
	// Transform maps avatar pixels to canvas pixels.
	Transform f64.Aff3

	EyeShades []Ellipse
	Mouth     *Ellipse
	Border    bool
}

func planFrame(cfg Config, layout types.FeatureLayout, pose types.PoseState, status types.Status, now time.Time) Plan {
	w, h := float64(cfg.Width), float64(cfg.Height)
	yaw, pitch := pose.HeadRotationY, pose.HeadRotationX

	deg := clamp(yaw, -cfg.MaxAngle, cfg.MaxAngle)
	if pose.MouthOpen > cfg.TalkingThreshold {
		deg += math.Sin(float64(now.UnixMilli())/cfg.WobblePeriodMs) * cfg.WobbleDegrees
	}
	angle := deg * math.Pi / 180

	dx := clamp(yaw*cfg.ShiftXGain, -cfg.MaxShift*w, cfg.MaxShift*w)
	dy := clamp(pitch*cfg.ShiftYGain, -cfg.MaxShift*h, cfg.MaxShift*h)
	scale := math.Min(1+math.Abs(yaw)/cfg.ScaleRef*cfg.ScaleGain, cfg.MaxScale)

	p := Plan{
		Angle:     angle,
		Scale:     scale,
		ShiftX:    dx,
		ShiftY:    dy,
		Transform: affine(angle, scale, dx, dy, w/2, h/2),
		Border:    status == types.StatusTracking,
	}

	if pose.AverageEyeOpen() < cfg.EyeThreshold {
		eyes := []struct {
			box  types.Box
			open float64
		}{
			{layout.LeftEye, pose.LeftEyeOpen},
			{layout.RightEye, pose.RightEyeOpen},
		}
		for _, eye := range eyes {
			closed := 1 - eye.open
			if closed <= 0 || eye.box.Empty() {
				continue
			}
			e := p.featureEllipse(eye.box, w, h, 1, 1)
			e.Color = eyeShadeColor
			e.Color.A = uint8(closed*float64(cfg.MaxEyeAlpha) + 0.5)
			p.EyeShades = append(p.EyeShades, e)
		}
	}

	if open := pose.MouthOpen; open > cfg.MouthThreshold && !layout.Mouth.Empty() {
		e := p.featureEllipse(layout.Mouth, w, h, 0.6+0.4*open, open*cfg.MouthStretch)
		e.Color = mouthColor
		p.Mouth = &e
	}
	return p
}

// featureEllipse places an ellipse over a normalized avatar box, following the
// head transform.
func (p Plan) featureEllipse(box types.Box, w, h, widthFactor, heightFactor float64) Ellipse {
	bx, by := box.Center()
	cx, cy := apply(p.Transform, bx*w, by*h)
	return Ellipse{
		CX:    cx,
		CY:    cy,
		RX:    box.W / 2 * w * p.Scale * widthFactor,
		RY:    box.H / 2 * h * p.Scale * heightFactor,
		Angle: p.Angle,
	}
}

// affine builds the canvas transform translate(c) rotate scale translate(shift-c).
func affine(angle, scale, dx, dy, cx, cy float64) f64.Aff3 {
	sin, cos := math.Sincos(angle)
	a, b := scale*cos, -scale*sin
	d, e := scale*sin, scale*cos
	vx, vy := dx-cx, dy-cy
	return f64.Aff3{
		a, b, a*vx + b*vy + cx,
		d, e, d*vx + e*vy + cy,
	}
}

func apply(m f64.Aff3, x, y float64) (float64, float64) {
	return m[0]*x + m[1]*y + m[2], m[3]*x + m[4]*y + m[5]
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
