package compositor

import (
	"context"
	"errors"
	"image"
	"image/color"
	"io"
	"math"
	"testing"
	"time"

	"github.com/menta2k/avatar-studio/pkg/features"
	"github.com/menta2k/avatar-studio/pkg/log"
	"github.com/menta2k/avatar-studio/pkg/smoothing"
	"github.com/menta2k/avatar-studio/pkg/types"
)

func init() {
	log.SetOutput(io.Discard)
}

var skin = color.RGBA{220, 190, 170, 255}

func createTestAvatar() *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, 400, 400))
	for y := 0; y < 400; y++ {
		for x := 0; x < 400; x++ {
			img.Set(x, y, skin)
		}
	}
	return img
}

func newTestCompositor(t *testing.T, withAvatar bool) *Compositor {
	t.Helper()
	c, err := New(DefaultConfig())
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if withAvatar {
		c.SetAvatar(createTestAvatar())
	}
	return c
}

func near(a, b, eps float64) bool {
	return math.Abs(a-b) <= eps
}

func TestPlanNeutralIsIdentity(t *testing.T) {
	c := newTestCompositor(t, true)
	p := c.Plan(types.NeutralPose(), types.StatusIdle, time.Unix(0, 0))

	if p.Placeholder {
		t.Fatal("Expected avatar plan, got placeholder")
	}
	if p.Angle != 0 || p.Scale != 1 || p.ShiftX != 0 || p.ShiftY != 0 {
		t.Errorf("Expected identity motion, got angle=%f scale=%f shift=(%f,%f)", p.Angle, p.Scale, p.ShiftX, p.ShiftY)
	}
	x, y := apply(p.Transform, 123, 45)
	if !near(x, 123, 1e-9) || !near(y, 45, 1e-9) {
		t.Errorf("Expected identity transform, got (%f,%f)", x, y)
	}
	if len(p.EyeShades) != 0 || p.Mouth != nil || p.Border {
		t.Errorf("Expected no overlays or border, got %+v", p)
	}
}

func TestPlanHeadTurn(t *testing.T) {
	c := newTestCompositor(t, true)
	pose := types.NeutralPose()
	pose.HeadRotationY = 10

	p := c.Plan(pose, types.StatusTracking, time.Unix(0, 0))

	if !near(p.Angle, 10*math.Pi/180, 1e-9) {
		t.Errorf("Expected 10 degree rotation, got %f rad", p.Angle)
	}
	if !near(p.Scale, 1.02, 1e-9) {
		t.Errorf("Expected scale 1.02, got %f", p.Scale)
	}
	if p.ShiftX != 20 {
		t.Errorf("Expected horizontal shift 20, got %f", p.ShiftX)
	}

	// the canvas center moves by R*s*shift
	x, y := apply(p.Transform, 200, 200)
	wantX := 200 + 1.02*20*math.Cos(p.Angle)
	wantY := 200 + 1.02*20*math.Sin(p.Angle)
	if !near(x, wantX, 1e-6) || !near(y, wantY, 1e-6) {
		t.Errorf("Expected center at (%f,%f), got (%f,%f)", wantX, wantY, x, y)
	}
}

func TestPlanMotionIsBounded(t *testing.T) {
	c := newTestCompositor(t, true)
	pose := types.NeutralPose()
	pose.HeadRotationY = 60
	pose.HeadRotationX = -60

	p := c.Plan(pose, types.StatusTracking, time.Unix(0, 0))

	if p.ShiftX != 60 || p.ShiftY != -60 {
		t.Errorf("Expected shifts clamped to 60px, got (%f,%f)", p.ShiftX, p.ShiftY)
	}
	if !near(p.Angle, 30*math.Pi/180, 1e-9) {
		t.Errorf("Expected angle clamped to 30 degrees, got %f", p.Angle*180/math.Pi)
	}
	if p.Scale > DefaultConfig().MaxScale {
		t.Errorf("Expected scale capped, got %f", p.Scale)
	}
}

// faceMesh is a front-facing face with the forehead at y=0.25 and the nose
// tip at noseY.
func faceMesh(noseY float64) types.LandmarkSet {
	lm := make(types.LandmarkSet, features.MeshLandmarks)
	for i := range lm {
		lm[i] = types.Landmark{X: 0.5, Y: 0.5}
	}
	setEye := func(eye features.EyeIndices, cx float64) {
		lm[eye[0]] = types.Landmark{X: cx - 0.04, Y: 0.40}
		lm[eye[3]] = types.Landmark{X: cx + 0.04, Y: 0.40}
		lm[eye[1]] = types.Landmark{X: cx, Y: 0.39}
		lm[eye[5]] = types.Landmark{X: cx, Y: 0.41}
	}
	setEye(features.DefaultLeftEye, 0.40)
	setEye(features.DefaultRightEye, 0.60)
	lm[features.LeftEyeOuter] = types.Landmark{X: 0.36, Y: 0.40}
	lm[features.RightEyeOuter] = types.Landmark{X: 0.64, Y: 0.40}
	lm[features.Forehead] = types.Landmark{X: 0.50, Y: 0.25}
	lm[features.NoseTip] = types.Landmark{X: 0.50, Y: noseY}
	return lm
}

func TestPlanFollowsNodOfRealFace(t *testing.T) {
	c := newTestCompositor(t, true)
	cal := features.DefaultCalibration()
	smoother := smoothing.New()

	shiftFor := func(noseY float64) float64 {
		pose := types.NeutralPose()
		target := features.Derive(faceMesh(noseY), cal)
		for i := 0; i < 30; i++ {
			pose = smoother.Apply(pose, target)
		}
		return c.Plan(pose, types.StatusTracking, time.Unix(0, 0)).ShiftY
	}

	up, level, down := shiftFor(0.45), shiftFor(0.52), shiftFor(0.60)
	if !near(level, 0, 1e-6) {
		t.Errorf("Expected a level head to leave the avatar unshifted, got %f", level)
	}
	if !(up > level && level > down) {
		t.Errorf("Expected vertical shift to follow the nose, got up=%f level=%f down=%f", up, level, down)
	}
	limit := DefaultConfig().MaxShift * 400
	for _, v := range []float64{up, down} {
		if math.Abs(v) >= limit {
			t.Errorf("Expected a normal nod to stay inside the %fpx limit, got %f", limit, v)
		}
	}
}

func TestPlanTalkingWobble(t *testing.T) {
	c := newTestCompositor(t, true)
	pose := types.NeutralPose()
	pose.MouthOpen = 0.5
	now := time.UnixMilli(1000)

	p := c.Plan(pose, types.StatusTracking, now)

	want := math.Sin(1000.0/150) * 2 * math.Pi / 180
	if !near(p.Angle, want, 1e-9) {
		t.Errorf("Expected wobble angle %f, got %f", want, p.Angle)
	}

	pose.MouthOpen = 0.1
	if p := c.Plan(pose, types.StatusTracking, now); p.Angle != 0 {
		t.Errorf("Expected no wobble below the talking threshold, got %f", p.Angle)
	}
}

func TestPlanBlinkShades(t *testing.T) {
	c := newTestCompositor(t, true)
	pose := types.NeutralPose()
	pose.LeftEyeOpen = 0.1
	pose.RightEyeOpen = 0.3

	p := c.Plan(pose, types.StatusTracking, time.Unix(0, 0))

	if len(p.EyeShades) != 2 {
		t.Fatalf("Expected 2 eye shades, got %d", len(p.EyeShades))
	}
	if p.EyeShades[0].Color.A <= p.EyeShades[1].Color.A {
		t.Errorf("Expected the more closed eye to be darker: %d vs %d", p.EyeShades[0].Color.A, p.EyeShades[1].Color.A)
	}
	if want := uint8((1-pose.LeftEyeOpen)*230 + 0.5); p.EyeShades[0].Color.A != want {
		t.Errorf("Expected alpha %d, got %d", want, p.EyeShades[0].Color.A)
	}

	pose.LeftEyeOpen, pose.RightEyeOpen = 0.8, 0.9
	if p := c.Plan(pose, types.StatusTracking, time.Unix(0, 0)); len(p.EyeShades) != 0 {
		t.Errorf("Expected no shades for open eyes, got %d", len(p.EyeShades))
	}
}

func TestLargeMouthOverlay(t *testing.T) {
	c := newTestCompositor(t, true)
	wide := types.NeutralPose()
	wide.MouthOpen = 0.95
	slight := types.NeutralPose()
	slight.MouthOpen = 0.3

	pw := c.Plan(wide, types.StatusTracking, time.Unix(0, 0))
	ps := c.Plan(slight, types.StatusTracking, time.Unix(0, 0))
	if pw.Mouth == nil || ps.Mouth == nil {
		t.Fatal("Expected mouth overlays above the threshold")
	}
	if pw.Mouth.RY <= 2*ps.Mouth.RY {
		t.Errorf("Expected a much taller mouth when wide open: %f vs %f", pw.Mouth.RY, ps.Mouth.RY)
	}

	img := c.Render(wide, types.StatusTracking, time.Unix(0, 0))
	px := img.NRGBAAt(int(pw.Mouth.CX), int(pw.Mouth.CY))
	if px.R > 120 {
		t.Errorf("Expected dark mouth at center, got %v", px)
	}

	closed := types.NeutralPose()
	if p := c.Plan(closed, types.StatusTracking, time.Unix(0, 0)); p.Mouth != nil {
		t.Error("Expected no mouth overlay for a closed mouth")
	}
}

func TestBorderOnlyWhenTracking(t *testing.T) {
	c := newTestCompositor(t, true)
	green := color.NRGBA{0, 255, 0, 255}

	img := c.Render(types.NeutralPose(), types.StatusTracking, time.Unix(0, 0))
	if got := img.NRGBAAt(2, 200); got != green {
		t.Errorf("Expected green border while tracking, got %v", got)
	}

	for _, status := range []types.Status{types.StatusIdle, types.StatusNoFace, types.StatusError} {
		img := c.Render(types.NeutralPose(), status, time.Unix(0, 0))
		if got := img.NRGBAAt(2, 200); got == green {
			t.Errorf("Expected no border for status %s", status)
		}
	}
}

func TestRenderDrawsAvatar(t *testing.T) {
	c := newTestCompositor(t, true)
	img := c.Render(types.NeutralPose(), types.StatusIdle, time.Unix(0, 0))

	got := img.NRGBAAt(200, 100)
	if !near(float64(got.R), float64(skin.R), 2) || !near(float64(got.G), float64(skin.G), 2) {
		t.Errorf("Expected avatar color at (200,100), got %v", got)
	}
}

func TestPlaceholderUntilAvatarLoads(t *testing.T) {
	c := newTestCompositor(t, false)

	if p := c.Plan(types.NeutralPose(), types.StatusTracking, time.Unix(0, 0)); !p.Placeholder {
		t.Error("Expected placeholder plan without avatar")
	}

	img := c.Render(types.NeutralPose(), types.StatusTracking, time.Unix(0, 0))
	if got := img.NRGBAAt(0, 0); got != placeholderBG {
		t.Errorf("Expected placeholder fill, got %v", got)
	}
	if got := img.NRGBAAt(2, 200); got == (color.NRGBA{0, 255, 0, 255}) {
		t.Error("Placeholder must not draw the tracking border")
	}

	text := false
	for y := 185; y < 205 && !text; y++ {
		for x := 0; x < 400; x++ {
			if img.NRGBAAt(x, y) == placeholderFG {
				text = true
				break
			}
		}
	}
	if !text {
		t.Error("Expected loading text near the canvas center")
	}
}

type fakeLoader struct {
	img image.Image
	err error
}

func (l fakeLoader) LoadImageSmart(ctx context.Context, source string) (image.Image, error) {
	return l.img, l.err
}

func TestLoadAvatarAsync(t *testing.T) {
	c := newTestCompositor(t, false)

	if err := <-c.LoadAvatarAsync(context.Background(), fakeLoader{err: errors.New("404")}, "missing.png"); err == nil {
		t.Error("Expected load error")
	}
	if c.HasAvatar() {
		t.Error("Expected no avatar after failed load")
	}

	if err := <-c.LoadAvatarAsync(context.Background(), fakeLoader{img: createTestAvatar()}, "avatar.png"); err != nil {
		t.Fatalf("Expected load to succeed, got %v", err)
	}
	if !c.HasAvatar() {
		t.Error("Expected avatar after load")
	}
}

func TestConfigValidate(t *testing.T) {
	if err := DefaultConfig().Validate(); err != nil {
		t.Errorf("Default config should be valid: %v", err)
	}

	bad := DefaultConfig()
	bad.Width = 0
	if bad.Validate() == nil {
		t.Error("Expected error for zero width")
	}

	bad = DefaultConfig()
	bad.MaxScale = 0.5
	if bad.Validate() == nil {
		t.Error("Expected error for max_scale below 1")
	}
}

func BenchmarkRender(b *testing.B) {
	c, _ := New(DefaultConfig())
	c.SetAvatar(createTestAvatar())
	pose := types.PoseState{HeadRotationY: 12, HeadRotationX: -5, LeftEyeOpen: 0.2, RightEyeOpen: 0.3, MouthOpen: 0.7}
	now := time.Now()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		c.Render(pose, types.StatusTracking, now)
	}
}
