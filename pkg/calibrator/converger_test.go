package calibrator

import (
	"context"
	"errors"
	"testing"

	"github.com/charlie0129/headcal/pkg/calibration"
	"github.com/charlie0129/headcal/pkg/geometry"
	"github.com/charlie0129/headcal/pkg/sim"
)

func newConverger(m *sim.Machine) *FiducialConverger {
	return &FiducialConverger{Motion: m, Detector: m, Options: DefaultConvergeOptions()}
}

func TestConvergeIsIdempotentWhenCentered(t *testing.T) {
	m := newMachine(t, flatScenario())
	cam := m.SimCamera("Top")
	calibrateWithTruth(cam)
	start := cam.Location()
	_, actualBefore := m.HeadPosition()

	got, err := newConverger(m).Converge(context.Background(), ConvergeRequest{
		Camera:          cam,
		Movable:         cam,
		MovableIsCamera: true,
	})
	if err != nil {
		t.Fatalf("Converge returned error: %v", err)
	}
	assertLocationNear(t, "converged location", got, start, 1e-9)
	_, actualAfter := m.HeadPosition()
	assertLocationNear(t, "actual head position", actualAfter, actualBefore, 1e-9)
}

func TestConvergeFromRoughLocation(t *testing.T) {
	s := flatScenario()
	m := newMachine(t, s)
	cam := m.SimCamera("Top")
	calibrateWithTruth(cam)

	fid := fiducialOf(s).Location
	want := fid.Subtract(cam.TrueOffset())

	got, err := newConverger(m).Converge(context.Background(), ConvergeRequest{
		Camera:           cam,
		Movable:          cam,
		MovableIsCamera:  true,
		Start:            &fid,
		ExpectedDiameter: geometry.NewLength(1, geometry.Millimeters),
	})
	if err != nil {
		t.Fatalf("Converge returned error: %v", err)
	}
	assertLocationNear(t, "converged location", got, want, 1e-9)
	assertLocationNear(t, "camera location", cam.Location(), want, 1e-9)
}

func TestConvergeToolOverStationaryCamera(t *testing.T) {
	m := newMachine(t, flatScenario())
	bottom := m.SimCamera("Bottom")
	calibrateWithTruth(bottom)
	hm, _ := m.HeadMountable("N1")
	tool := hm.(*sim.Mountable)

	start := bottom.Location()
	want := start.Subtract(tool.TrueOffset())

	got, err := newConverger(m).Converge(context.Background(), ConvergeRequest{
		Camera:  bottom,
		Movable: tool,
		Start:   &start,
	})
	if err != nil {
		t.Fatalf("Converge returned error: %v", err)
	}
	assertLocationNear(t, "converged tool location", got, want, 1e-9)
}

func TestConvergeEarlyExit(t *testing.T) {
	m := newMachine(t, flatScenario())
	cam := m.SimCamera("Top")
	calibrateWithTruth(cam)

	c := newConverger(m)
	c.Options.Passes = 10
	c.Options.Tolerance = geometry.NewLength(0.001, geometry.Millimeters)
	before := m.Moves()
	if _, err := c.Converge(context.Background(), ConvergeRequest{Camera: cam, Movable: cam, MovableIsCamera: true}); err != nil {
		t.Fatalf("Converge returned error: %v", err)
	}
	if got := m.Moves() - before; got != minConvergePasses {
		t.Fatalf("expected %d passes, got %d", minConvergePasses, got)
	}
}

func TestConvergeAbortsOnDetectionFailure(t *testing.T) {
	m := newMachine(t, flatScenario())
	cam := m.SimCamera("Top")
	calibrateWithTruth(cam)

	m.FailDetectionsAfter(1)
	_, err := newConverger(m).Converge(context.Background(), ConvergeRequest{Camera: cam, Movable: cam, MovableIsCamera: true})
	if !errors.Is(err, calibration.ErrDetection) {
		t.Fatalf("expected a detection failure, got %v", err)
	}
	var ce *calibration.Error
	if !errors.As(err, &ce) || ce.UserHint() == "" {
		t.Fatalf("expected a calibration error with a hint, got %v", err)
	}
}

func TestConvergeRequiresCalibratedCamera(t *testing.T) {
	m := newMachine(t, flatScenario())
	cam := m.SimCamera("Top")

	_, err := newConverger(m).Converge(context.Background(), ConvergeRequest{Camera: cam, Movable: cam, MovableIsCamera: true})
	if !errors.Is(err, calibration.ErrPrecondition) {
		t.Fatalf("expected a precondition failure, got %v", err)
	}
	if m.Moves() != 0 {
		t.Fatalf("expected no motion, got %d moves", m.Moves())
	}
}

func TestLocateAveragesWithoutMoving(t *testing.T) {
	s := flatScenario()
	s.PixelNoise = 0.5
	m := newMachine(t, s)
	cam := m.SimCamera("Top")
	calibrateWithTruth(cam)

	want := cam.Location()
	got, err := newConverger(m).Locate(context.Background(), LocateRequest{Camera: cam, Samples: 50})
	if err != nil {
		t.Fatalf("Locate returned error: %v", err)
	}
	assertLocationNear(t, "located fiducial", got, want, 0.01)
	if m.Moves() != 0 {
		t.Fatalf("Locate moved the machine %d times", m.Moves())
	}
}
