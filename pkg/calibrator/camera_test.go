package calibrator

import (
	"context"
	"errors"
	"testing"

	"github.com/charlie0129/headcal/pkg/calibration"
	"github.com/charlie0129/headcal/pkg/geometry"
	"github.com/charlie0129/headcal/pkg/sim"
)

func newCameraCalibrator(m *sim.Machine) *CameraCalibrator {
	return &CameraCalibrator{Motion: m, Detector: m, Options: DefaultCameraOptions()}
}

// A tool moved 1mm under an unrotated 0.02mm/px camera shows up 50px along
// each axis.
func TestCameraCalibrationIdentityFromToolProbe(t *testing.T) {
	s := flatScenario()
	s.StationaryCameras[0].FlipX = false
	s.StationaryCameras[0].UnitsPerPixelX = 0.02
	s.StationaryCameras[0].UnitsPerPixelY = 0.02
	m := newMachine(t, s)

	bottom := m.SimCamera("Bottom")
	tool, _ := m.HeadMountable("N1")
	if err := m.MoveTo(context.Background(), tool, bottom.Location(), 1); err != nil {
		t.Fatalf("failed to move tool over the camera: %v", err)
	}
	start := tool.Location()

	res, err := newCameraCalibrator(m).Calibrate(context.Background(), CameraRequest{
		Camera:  bottom,
		Movable: tool,
	})
	if err != nil {
		t.Fatalf("Calibrate returned error: %v", err)
	}

	if res.Orientation != (Orientation{}) {
		t.Fatalf("expected identity orientation, got %v", res.Orientation)
	}
	assertNear(t, "unitsPerPixelX", res.UnitsPerPixelX.Value, 0.02, 1e-9)
	assertNear(t, "unitsPerPixelY", res.UnitsPerPixelY.Value, 0.02, 1e-9)
	assertNear(t, "feature diameter", res.FeatureDiameter.Value, s.Tools[0].TipDiameter, 1e-9)

	st := bottom.CalibrationState()
	if !st.CalibrationEnabled || st.UnitsPerPixelX != res.State.UnitsPerPixelX {
		t.Fatalf("camera state was not committed: %+v", st)
	}
	assertLocationNear(t, "tool location after calibration", tool.Location(), start, 1e-9)
}

func TestCameraCalibrationRecoversOrientation(t *testing.T) {
	orientations := []Orientation{
		{},
		{FlipY: true},
		{FlipX: true},
		{FlipX: true, FlipY: true},
		{RotationDegrees: 90},
		{RotationDegrees: 90, FlipX: true},
		{RotationDegrees: 270},
		{RotationDegrees: 90, FlipY: true},
	}
	for _, o := range orientations {
		for _, movableIsCamera := range []bool{true, false} {
			name := o.String()
			if movableIsCamera {
				name += "/head camera"
			} else {
				name += "/stationary camera"
			}
			t.Run(name, func(t *testing.T) {
				s := flatScenario()
				cs := &s.HeadCameras[0]
				if !movableIsCamera {
					cs = &s.StationaryCameras[0]
				}
				cs.FlipX, cs.FlipY, cs.Rotation = o.FlipX, o.FlipY, o.RotationDegrees
				cs.UnitsPerPixelX, cs.UnitsPerPixelY = 0.02, 0.025
				m := newMachine(t, s)

				cam := m.SimCamera(cs.Name)
				req := CameraRequest{Camera: cam, Movable: cam, MovableIsCamera: true}
				if !movableIsCamera {
					tool, _ := m.HeadMountable("N1")
					if err := m.MoveTo(context.Background(), tool, cam.Location(), 1); err != nil {
						t.Fatalf("failed to move tool over the camera: %v", err)
					}
					req = CameraRequest{Camera: cam, Movable: tool}
				}

				res, err := newCameraCalibrator(m).Calibrate(context.Background(), req)
				checkCameraResult(t, res, err, o)
			})
		}
	}
}

func checkCameraResult(t *testing.T, res *CameraResult, err error, want Orientation) {
	t.Helper()
	if err != nil {
		t.Fatalf("Calibrate returned error: %v", err)
	}
	if res.Orientation != want {
		t.Fatalf("orientation = %v, want %v", res.Orientation, want)
	}
	assertNear(t, "unitsPerPixelX", res.UnitsPerPixelX.Value, 0.02, 1e-9)
	assertNear(t, "unitsPerPixelY", res.UnitsPerPixelY.Value, 0.025, 1e-9)
}

func TestCameraCalibrationRestoresOnDetectionFailure(t *testing.T) {
	m := newMachine(t, flatScenario())
	cam := m.SimCamera("Top")
	before := calibration.CameraCalibrationState{
		FlipY:              true,
		UnitsPerPixelX:     0.5,
		UnitsPerPixelY:     0.5,
		Unit:               geometry.Millimeters,
		CalibrationEnabled: true,
	}
	cam.SetCalibrationState(before)
	start := cam.Location()

	// The origin is found, the X probe is not.
	m.FailDetectionsAfter(1)
	_, err := newCameraCalibrator(m).Calibrate(context.Background(), CameraRequest{
		Camera:          cam,
		Movable:         cam,
		MovableIsCamera: true,
	})
	if !errors.Is(err, calibration.ErrDetection) {
		t.Fatalf("expected a detection failure, got %v", err)
	}
	if !errors.Is(err, ErrSubjectNotFound) {
		t.Fatalf("expected subject not found, got %v", err)
	}
	if got := cam.CalibrationState(); got != before {
		t.Fatalf("camera state not restored: got %+v, want %+v", got, before)
	}
	assertLocationNear(t, "camera location", cam.Location(), start, 1e-9)
}

func TestCameraCalibrationRestoresOnMotionFailure(t *testing.T) {
	m := newMachine(t, flatScenario())
	cam := m.SimCamera("Top")
	before := cam.CalibrationState()
	start := cam.Location()

	m.FailMovesAfter(1)
	_, err := newCameraCalibrator(m).Calibrate(context.Background(), CameraRequest{
		Camera:          cam,
		Movable:         cam,
		MovableIsCamera: true,
	})
	if !errors.Is(err, calibration.ErrMotion) {
		t.Fatalf("expected a motion failure, got %v", err)
	}
	if got := cam.CalibrationState(); got != before {
		t.Fatalf("camera state not restored: got %+v, want %+v", got, before)
	}
	assertLocationNear(t, "camera location", cam.Location(), start, 1e-9)
}

func TestCameraCalibrationCancelled(t *testing.T) {
	m := newMachine(t, flatScenario())
	cam := m.SimCamera("Top")
	before := cam.CalibrationState()
	start := cam.Location()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := newCameraCalibrator(m).Calibrate(ctx, CameraRequest{Camera: cam, Movable: cam, MovableIsCamera: true})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if got := cam.CalibrationState(); got != before {
		t.Fatalf("camera state not restored after cancel")
	}
	assertLocationNear(t, "camera location", cam.Location(), start, 1e-9)
}

// Backlash makes the probe moves come up short, but the result stays close.
func TestCameraCalibrationWithBacklash(t *testing.T) {
	s := sim.DefaultScenario()
	m := newMachine(t, s)
	cam := m.SimCamera("Top")

	res, err := newCameraCalibrator(m).Calibrate(context.Background(), CameraRequest{Camera: cam, Movable: cam, MovableIsCamera: true})
	if err != nil {
		t.Fatalf("Calibrate returned error: %v", err)
	}
	if res.Orientation != (Orientation{RotationDegrees: 90, FlipX: true}) {
		t.Fatalf("orientation = %v", res.Orientation)
	}
	assertNear(t, "unitsPerPixelX", res.UnitsPerPixelX.Value, 0.02, 0.003)
	assertNear(t, "unitsPerPixelY", res.UnitsPerPixelY.Value, 0.02, 0.003)
}
