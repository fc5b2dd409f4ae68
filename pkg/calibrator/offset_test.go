package calibrator

import (
	"context"
	"errors"
	"testing"

	"github.com/charlie0129/headcal/pkg/calibration"
	"github.com/charlie0129/headcal/pkg/geometry"
	"github.com/charlie0129/headcal/pkg/sim"
)

func newOffsetResolver(m *sim.Machine) *OffsetResolver {
	return &OffsetResolver{Motion: m, Converger: newConverger(m)}
}

func TestResolveCameraOffset(t *testing.T) {
	s := flatScenario()
	m := newMachine(t, s)
	cam := m.SimCamera("Top")
	calibrateWithTruth(cam)
	cam.SetHeadOffset(geometry.NewLocation(geometry.Millimeters, 1, 1, 0, 0))

	var phases []calibration.Phase
	r := newOffsetResolver(m)
	r.Progress = func(st calibration.State) { phases = append(phases, st.Phase) }

	res, err := r.Resolve(context.Background(), OffsetRequest{
		Camera:          cam,
		Movable:         cam,
		MovableIsCamera: true,
		GroundTruth:     fiducialOf(s),
	})
	if err != nil {
		t.Fatalf("Resolve returned error: %v", err)
	}
	assertLocationNear(t, "offset", res.Offset, cam.TrueOffset(), 1e-9)
	assertLocationNear(t, "stored offset", cam.HeadOffset(), cam.TrueOffset(), 1e-9)
	assertLocationNear(t, "previous offset", res.Previous, geometry.NewLocation(geometry.Millimeters, 1, 1, 0, 0), 0)
	if len(phases) == 0 || phases[0] != calibration.PhaseProbing {
		t.Fatalf("expected a probing progress report, got %v", phases)
	}
}

func TestResolveToolOffset(t *testing.T) {
	m := newMachine(t, flatScenario())
	bottom := m.SimCamera("Bottom")
	calibrateWithTruth(bottom)
	hm, _ := m.HeadMountable("N1")
	tool := hm.(*sim.Mountable)

	res, err := newOffsetResolver(m).Resolve(context.Background(), OffsetRequest{
		Camera:  bottom,
		Movable: tool,
		GroundTruth: &calibration.FiducialLocation{
			Location: bottom.Location(),
			Diameter: geometry.NewLength(0.6, geometry.Millimeters),
		},
	})
	if err != nil {
		t.Fatalf("Resolve returned error: %v", err)
	}
	assertLocationNear(t, "tool offset", res.Offset, tool.TrueOffset(), 1e-9)

	// With the offset applied the tool tip lands on the camera.
	if err := m.MoveTo(context.Background(), tool, bottom.Location(), 1); err != nil {
		t.Fatalf("MoveTo returned error: %v", err)
	}
	_, actual := m.HeadPosition()
	assertLocationNear(t, "tip position", actual.Add(tool.TrueOffset()), bottom.Location(), 1e-9)
}

func TestResolveRestoresOffsetOnFailure(t *testing.T) {
	s := flatScenario()
	m := newMachine(t, s)
	cam := m.SimCamera("Top")
	calibrateWithTruth(cam)
	previous := geometry.NewLocation(geometry.Millimeters, 0.25, -0.1, 0, 0)
	cam.SetHeadOffset(previous)

	m.FailDetectionsAfter(0)
	_, err := newOffsetResolver(m).Resolve(context.Background(), OffsetRequest{
		Camera:          cam,
		Movable:         cam,
		MovableIsCamera: true,
		GroundTruth:     fiducialOf(s),
	})
	if !errors.Is(err, calibration.ErrDetection) {
		t.Fatalf("expected a detection failure, got %v", err)
	}
	if got := cam.HeadOffset(); got != previous {
		t.Fatalf("offset not restored: got %v, want %v", got, previous)
	}
}

func TestResolveRequiresGroundTruth(t *testing.T) {
	m := newMachine(t, flatScenario())
	cam := m.SimCamera("Top")
	calibrateWithTruth(cam)

	_, err := newOffsetResolver(m).Resolve(context.Background(), OffsetRequest{
		Camera:          cam,
		Movable:         cam,
		MovableIsCamera: true,
	})
	if !errors.Is(err, calibration.ErrPrecondition) {
		t.Fatalf("expected a precondition failure, got %v", err)
	}
	if m.Moves() != 0 {
		t.Fatalf("expected no motion before the precondition check, got %d moves", m.Moves())
	}
}
