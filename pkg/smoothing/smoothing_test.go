package smoothing

import (
	"math"
	"testing"

	"github.com/menta2k/avatar-studio/pkg/types"
)

func TestSmoothFixedPoint(t *testing.T) {
	for _, x := range []float64{-45, -1, 0, 0.25, 1, 30} {
		for _, f := range []float64{0, 0.1, 0.5, 0.6, 0.99, 1} {
			if got := Smooth(x, x, f); got != x {
				t.Errorf("Smooth(%v, %v, %v) = %v, expected fixed point", x, x, f, got)
			}
		}
	}
}

func TestSmoothConvergesWithoutOvershoot(t *testing.T) {
	const eps = 1e-6

	tests := []struct {
		start, target, factor float64
	}{
		{0, 1, 0.6},
		{1, 0, 0.6},
		{-30, 20, 0.5},
		{10, -10, 0.2},
		{0, 1, 0.05},
	}

	for _, test := range tests {
		d0 := math.Abs(test.target - test.start)
		bound := int(math.Ceil(math.Log(eps/d0)/math.Log(1-test.factor))) + 1

		current := test.start
		prevDist := d0
		iterations := 0
		for math.Abs(current-test.target) > eps {
			current = Smooth(current, test.target, test.factor)
			iterations++

			dist := math.Abs(current - test.target)
			if dist > prevDist {
				t.Fatalf("%+v: distance grew from %v to %v", test, prevDist, dist)
			}
			// never crosses the target
			if (test.target-test.start)*(test.target-current) < 0 {
				t.Fatalf("%+v: overshot target, current=%v", test, current)
			}
			prevDist = dist

			if iterations > bound {
				t.Fatalf("%+v: did not converge within %d iterations", test, bound)
			}
		}
	}
}

func TestSmoothClampsFactor(t *testing.T) {
	if got := Smooth(0, 10, 1.5); got != 10 {
		t.Errorf("Expected factor > 1 to snap to target, got %v", got)
	}
	if got := Smooth(3, 10, -0.5); got != 3 {
		t.Errorf("Expected negative factor to hold current, got %v", got)
	}
}

func TestNew(t *testing.T) {
	s := New()
	if err := s.Validate(); err != nil {
		t.Fatalf("Default smoother should be valid: %v", err)
	}
	if s.EyeFactor <= s.RotationFactor || s.MouthFactor <= s.RotationFactor {
		t.Error("Expected eyes and mouth to respond faster than rotation")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		s       Smoother
		wantErr bool
	}{
		{"defaults", New(), false},
		{"zero factor", Smoother{EyeFactor: 0, MouthFactor: 0.6, RotationFactor: 0.5, MaxRotation: 60}, true},
		{"slow eyes", Smoother{EyeFactor: 0.4, MouthFactor: 0.6, RotationFactor: 0.5, MaxRotation: 60}, true},
		{"slow mouth", Smoother{EyeFactor: 0.7, MouthFactor: 0.5, RotationFactor: 0.5, MaxRotation: 60}, true},
		{"no rotation bound", Smoother{EyeFactor: 0.7, MouthFactor: 0.7, RotationFactor: 0.5}, true},
	}

	for _, test := range tests {
		err := test.s.Validate()
		if (err != nil) != test.wantErr {
			t.Errorf("%s: Validate() error = %v, wantErr %v", test.name, err, test.wantErr)
		}
	}
}

func TestApplyMovesEyesFasterThanRotation(t *testing.T) {
	s := New()
	prev := types.NeutralPose()
	target := types.PoseState{HeadRotationX: 10, HeadRotationY: 10, LeftEyeOpen: 0, RightEyeOpen: 0, MouthOpen: 1}

	next := s.Apply(prev, target)

	eyeProgress := (prev.LeftEyeOpen - next.LeftEyeOpen) / prev.LeftEyeOpen
	rotProgress := next.HeadRotationY / target.HeadRotationY
	if eyeProgress <= rotProgress {
		t.Errorf("Expected eye progress %.2f to exceed rotation progress %.2f", eyeProgress, rotProgress)
	}
	if next.MouthOpen != 0.6 {
		t.Errorf("Expected mouth 0.6 after one step, got %f", next.MouthOpen)
	}
	if prev != types.NeutralPose() {
		t.Error("Apply must not modify the previous pose")
	}
}

func TestApplyClamps(t *testing.T) {
	s := New()
	prev := types.PoseState{HeadRotationY: 59, LeftEyeOpen: 1, RightEyeOpen: 1}
	target := types.PoseState{HeadRotationY: 500, LeftEyeOpen: 3, RightEyeOpen: -2, MouthOpen: 7}

	next := s.Apply(prev, target)
	if next.HeadRotationY > s.MaxRotation {
		t.Errorf("Expected yaw clamped to %v, got %v", s.MaxRotation, next.HeadRotationY)
	}
	if next.LeftEyeOpen > 1 || next.RightEyeOpen < 0 || next.MouthOpen > 1 {
		t.Errorf("Expected openness in [0,1], got %+v", next)
	}
}
