package calibrator

import (
	"math"
	"testing"

	"github.com/charlie0129/headcal/pkg/calibration"
	"github.com/charlie0129/headcal/pkg/geometry"
	"github.com/charlie0129/headcal/pkg/sim"
)

// flatScenario has no backlash and no detector noise, so every measurement
// is exact.
func flatScenario() *sim.Scenario {
	s := sim.DefaultScenario()
	s.PixelNoise = 0
	for i := range s.Axes {
		s.Axes[i].Backlash = nil
	}
	s.Tools[0].Offset.Z = 0
	return s
}

func newMachine(t *testing.T, s *sim.Scenario) *sim.Machine {
	t.Helper()
	m, err := sim.New(s)
	if err != nil {
		t.Fatalf("failed to build simulated machine: %v", err)
	}
	return m
}

// calibrateWithTruth gives a camera its real calibration, as if the
// zero-knowledge calibration already ran.
func calibrateWithTruth(c *sim.Camera) {
	st := c.TrueState()
	st.CalibrationEnabled = true
	c.SetCalibrationState(st)
}

func assertNear(t *testing.T, what string, got, want, eps float64) {
	t.Helper()
	if math.Abs(got-want) > eps {
		t.Fatalf("%s = %v, want %v (±%v)", what, got, want, eps)
	}
}

func assertLocationNear(t *testing.T, what string, got, want geometry.Location, eps float64) {
	t.Helper()
	want = want.ConvertToUnits(got.Unit)
	if math.Abs(got.X-want.X) > eps || math.Abs(got.Y-want.Y) > eps {
		t.Fatalf("%s = %v, want %v (±%v)", what, got, want, eps)
	}
}

func fiducialOf(s *sim.Scenario) *calibration.FiducialLocation {
	f := s.Fiducials[0]
	return &calibration.FiducialLocation{
		Location: geometry.NewLocation(geometry.Millimeters, f.X, f.Y, f.Z, 0),
		Diameter: geometry.NewLength(f.Diameter, geometry.Millimeters),
	}
}
