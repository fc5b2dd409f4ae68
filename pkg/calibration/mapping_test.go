package calibration

import (
	"math"
	"testing"
)

func TestPixelToUnitsRoundTrip(t *testing.T) {
	states := []CameraCalibrationState{
		{UnitsPerPixelX: 0.02, UnitsPerPixelY: 0.02},
		{FlipY: true, UnitsPerPixelX: 0.02, UnitsPerPixelY: 0.03},
		{FlipX: true, FlipY: true, UnitsPerPixelX: 0.01, UnitsPerPixelY: 0.01},
		{RotationDegrees: 90, FlipX: true, UnitsPerPixelX: 0.05, UnitsPerPixelY: 0.04},
		{RotationDegrees: 270, UnitsPerPixelX: 0.05, UnitsPerPixelY: 0.05},
		{RotationDegrees: 12.5, FlipY: true, UnitsPerPixelX: 0.05, UnitsPerPixelY: 0.05},
	}
	for _, s := range states {
		x, y := s.PixelToUnits(37, -12)
		u, v := s.UnitsToPixel(x, y)
		if math.Abs(u-37) > 1e-9 || math.Abs(v+12) > 1e-9 {
			t.Errorf("%+v: round trip gave (%v, %v), want (37, -12)", s, u, v)
		}
	}
}

func TestPixelToUnitsRotate90(t *testing.T) {
	s := CameraCalibrationState{RotationDegrees: 90, UnitsPerPixelX: 1, UnitsPerPixelY: 1}
	// A subject that moved +X shows up as pixel (0, -1) on a sensor rotated
	// by 90 degrees.
	x, y := s.PixelToUnits(0, -1)
	if x != 1 || y != 0 {
		t.Fatalf("expected (1, 0), got (%v, %v)", x, y)
	}
}
