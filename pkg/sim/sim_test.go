package sim

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/charlie0129/headcal/pkg/calibration"
	"github.com/charlie0129/headcal/pkg/geometry"
)

func TestLoadScenario(t *testing.T) {
	const doc = `
unit: mm
safeZ: 5
pixelNoise: 0.2
headCameras:
  - name: Top
    width: 320
    height: 240
    unitsPerPixelX: 0.03
    unitsPerPixelY: 0.03
    rotation: 270
    offset: {x: 1, y: 2}
fiducials:
  - {x: 10, y: 20, diameter: 1.5}
axes:
  - name: x
    axis: X
    resolution: 0.005
    backlash:
      - {upToSpeed: 1, value: 0.04}
`
	path := filepath.Join(t.TempDir(), "scenario.yaml")
	if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
		t.Fatal(err)
	}

	s, err := LoadScenario(path)
	if err != nil {
		t.Fatalf("LoadScenario returned error: %v", err)
	}
	if s.SafeZ != 5 || s.PixelNoise != 0.2 {
		t.Fatalf("unexpected scenario header: %+v", s)
	}
	if len(s.Fiducials) != 1 || s.Fiducials[0].X != 10 || s.Fiducials[0].Diameter != 1.5 {
		t.Fatalf("unexpected fiducials: %+v", s.Fiducials)
	}

	m, err := New(s)
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}
	cam := m.SimCamera("Top")
	if cam.TrueState().RotationDegrees != 270 {
		t.Fatalf("camera rotation = %v, want 270", cam.TrueState().RotationDegrees)
	}
	if got := m.SimAxis("x").BacklashAt(0.5); got != 0.04 {
		t.Fatalf("BacklashAt(0.5) = %v, want 0.04", got)
	}
}

func TestLoadScenarioMissingFile(t *testing.T) {
	if _, err := LoadScenario(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected an error for a missing file")
	}
}

func TestAxisTravel(t *testing.T) {
	a, err := newAxis(AxisSpec{Name: "x", Axis: "X", Backlash: []BacklashBand{{UpToSpeed: 1, Value: 0.1}}}, geometry.Millimeters)
	if err != nil {
		t.Fatal(err)
	}
	mm := func(v float64) geometry.Length { return geometry.NewLength(v, geometry.Millimeters) }

	tests := []struct {
		name     string
		profile  calibration.AxisBacklashProfile
		from, to float64
		want     float64
	}{
		{"uncompensated positive", calibration.AxisBacklashProfile{Method: calibration.BacklashNone}, 0, 10, 9.95},
		{"uncompensated negative", calibration.AxisBacklashProfile{Method: calibration.BacklashNone}, 20, 10, 10.05},
		{"compensated positive", calibration.AxisBacklashProfile{Method: calibration.BacklashDirectionalCompensation, Offset: mm(0.1)}, 0, 10, 10},
		{"compensated negative", calibration.AxisBacklashProfile{Method: calibration.BacklashDirectionalCompensation, Offset: mm(0.1)}, 20, 10, 10},
		{"one-sided positive", calibration.AxisBacklashProfile{Method: calibration.BacklashOneSidedPositioning, Offset: mm(0.1)}, 0, 10, 9.95},
		{"one-sided negative", calibration.AxisBacklashProfile{Method: calibration.BacklashOneSidedPositioning, Offset: mm(0.1)}, 20, 10, 9.95},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a.SetBacklashProfile(tt.profile)
			got := a.travel(tt.from, tt.to, 1)
			if d := got - tt.want; d > 1e-12 || d < -1e-12 {
				t.Fatalf("travel(%v, %v) = %v, want %v", tt.from, tt.to, got, tt.want)
			}
		})
	}
}

func TestMoveToRejectsStationaryAndBadSpeed(t *testing.T) {
	m, err := New(DefaultScenario())
	if err != nil {
		t.Fatal(err)
	}
	bottom := m.SimCamera("Bottom")
	if err := m.MoveTo(context.Background(), bottom, bottom.Location(), 1); err == nil {
		t.Fatal("expected moving a stationary camera to fail")
	}
	top := m.SimCamera("Top")
	if err := m.MoveTo(context.Background(), top, top.Location(), 0); err == nil {
		t.Fatal("expected a zero speed factor to be rejected")
	}
	if m.Moves() != 0 {
		t.Fatalf("rejected moves were counted: %d", m.Moves())
	}
}

func TestCaptureShowsFiducialAtCenter(t *testing.T) {
	m, err := New(DefaultScenario())
	if err != nil {
		t.Fatal(err)
	}
	top := m.SimCamera("Top")
	img, err := top.CaptureSettled(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	f, err := m.Detect(context.Background(), img, 0, 0)
	if err != nil {
		t.Fatalf("Detect returned error: %v", err)
	}
	if f.X != 320 || f.Y != 240 {
		t.Fatalf("fiducial detected at (%v, %v), want the image center", f.X, f.Y)
	}
	if img.At(320, 240) == img.At(0, 0) {
		t.Fatal("expected the fiducial to be rendered")
	}
}
