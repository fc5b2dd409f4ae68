package sim

import (
	"os"

	pkgerrors "github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/charlie0129/headcal/pkg/geometry"
)

// Scenario describes a simulated machine. All lengths are in Unit.
type Scenario struct {
	Unit  string  `yaml:"unit"`
	SafeZ float64 `yaml:"safeZ"`
	// PixelNoise is the standard deviation of the detector jitter, in pixels.
	PixelNoise float64 `yaml:"pixelNoise"`
	Seed       int64   `yaml:"seed"`
	// Start is the initial head position. When nil the head starts with the
	// head camera centered over the first fiducial.
	Start *Point `yaml:"start,omitempty"`

	HeadCameras       []CameraSpec   `yaml:"headCameras"`
	StationaryCameras []CameraSpec   `yaml:"stationaryCameras"`
	Tools             []ToolSpec     `yaml:"tools"`
	Fiducials         []FiducialSpec `yaml:"fiducials"`
	Axes              []AxisSpec     `yaml:"axes"`
}

type Point struct {
	X float64 `yaml:"x"`
	Y float64 `yaml:"y"`
	Z float64 `yaml:"z"`
}

func (p Point) location(u geometry.LengthUnit) geometry.Location {
	return geometry.NewLocation(u, p.X, p.Y, p.Z, 0)
}

// CameraSpec is the real geometry of a camera. The calibration has to find
// FlipX, FlipY, Rotation and the units per pixel.
type CameraSpec struct {
	Name           string  `yaml:"name"`
	Width          int     `yaml:"width"`
	Height         int     `yaml:"height"`
	UnitsPerPixelX float64 `yaml:"unitsPerPixelX"`
	UnitsPerPixelY float64 `yaml:"unitsPerPixelY"`
	FlipX          bool    `yaml:"flipX"`
	FlipY          bool    `yaml:"flipY"`
	Rotation       float64 `yaml:"rotation"`
	// Offset is the true head offset of a head camera.
	Offset Point `yaml:"offset"`
	// Location is where a stationary camera is.
	Location Point `yaml:"location"`
}

type ToolSpec struct {
	Name string `yaml:"name"`
	// Offset is the true head offset of the tool tip.
	Offset      Point   `yaml:"offset"`
	TipDiameter float64 `yaml:"tipDiameter"`
}

type FiducialSpec struct {
	Point    `yaml:",inline"`
	Diameter float64 `yaml:"diameter"`
}

// AxisSpec is a controller axis. Backlash bands are searched in order; the
// first band whose UpToSpeed is at or above the move speed applies.
type AxisSpec struct {
	Name       string         `yaml:"name"`
	Axis       string         `yaml:"axis"`
	Resolution float64        `yaml:"resolution"`
	Backlash   []BacklashBand `yaml:"backlash"`
}

// BacklashBand is the mechanical free play up to a speed factor. A negative
// value models an axis that overshoots.
type BacklashBand struct {
	UpToSpeed float64 `yaml:"upToSpeed"`
	Value     float64 `yaml:"value"`
}

// DefaultScenario is a small two-axis machine with a rotated, mirrored head
// camera, an upward looking camera and one nozzle.
func DefaultScenario() *Scenario {
	return &Scenario{
		Unit:       string(geometry.Millimeters),
		SafeZ:      0,
		PixelNoise: 0,
		Seed:       1,
		HeadCameras: []CameraSpec{{
			Name:           "Top",
			Width:          640,
			Height:         480,
			UnitsPerPixelX: 0.02,
			UnitsPerPixelY: 0.02,
			Rotation:       90,
			FlipX:          true,
			Offset:         Point{X: 0.3, Y: -0.2},
		}},
		StationaryCameras: []CameraSpec{{
			Name:           "Bottom",
			Width:          640,
			Height:         480,
			UnitsPerPixelX: 0.015,
			UnitsPerPixelY: 0.015,
			FlipX:          true,
			Location:       Point{X: 120, Y: 40, Z: -20},
		}},
		Tools: []ToolSpec{{
			Name:        "N1",
			Offset:      Point{X: -0.8, Y: 0.5, Z: -20},
			TipDiameter: 0.6,
		}},
		Fiducials: []FiducialSpec{{
			Point:    Point{X: 50, Y: 60},
			Diameter: 1,
		}},
		Axes: []AxisSpec{
			{Name: "x", Axis: "X", Resolution: 0.001, Backlash: []BacklashBand{{UpToSpeed: 1, Value: 0.05}}},
			{Name: "y", Axis: "Y", Resolution: 0.001, Backlash: []BacklashBand{
				{UpToSpeed: 0.5, Value: 0.03},
				{UpToSpeed: 1, Value: 0.09},
			}},
		},
	}
}

// LoadScenario reads a YAML scenario file.
func LoadScenario(path string) (*Scenario, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, pkgerrors.Wrapf(err, "failed to read scenario %s", path)
	}
	s := &Scenario{}
	if err := yaml.Unmarshal(b, s); err != nil {
		return nil, pkgerrors.Wrapf(err, "failed to parse scenario %s", path)
	}
	return s, nil
}
