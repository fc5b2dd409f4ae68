package sim

import (
	"context"
	"fmt"
	"image"
	"image/color"
	"math"

	"github.com/charlie0129/headcal/pkg/calibration"
	"github.com/charlie0129/headcal/pkg/geometry"
	"github.com/charlie0129/headcal/pkg/machine"
)

// Camera is a simulated camera. Head cameras see fiducials, stationary
// cameras see tool tips.
type Camera struct {
	*Mountable
	width, height int
	truth         calibration.CameraCalibrationState
	state         calibration.CameraCalibrationState
}

func (c *Camera) CalibrationState() calibration.CameraCalibrationState {
	m := c.machine
	m.mu.Lock()
	defer m.mu.Unlock()
	return c.state
}

func (c *Camera) SetCalibrationState(s calibration.CameraCalibrationState) {
	m := c.machine
	m.mu.Lock()
	defer m.mu.Unlock()
	c.state = s
}

// TrueState is the real orientation and scale of the sensor.
func (c *Camera) TrueState() calibration.CameraCalibrationState { return c.truth }

func (c *Camera) CaptureSettled(ctx context.Context) (image.Image, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m := c.machine
	m.mu.Lock()
	defer m.mu.Unlock()

	pos := c.truePosition()
	f := &Frame{camera: c.name, rect: image.Rect(0, 0, c.width, c.height)}
	upp := c.truth.AverageUnitsPerPixel()

	project := func(at geometry.Location, diameter float64) {
		rel := at.Subtract(pos)
		u, v := c.truth.UnitsToPixel(rel.X, rel.Y)
		x := float64(c.width)/2 + u
		y := float64(c.height)/2 - v
		if x < 0 || y < 0 || x >= float64(c.width) || y >= float64(c.height) {
			return
		}
		f.Features = append(f.Features, geometry.PixelFeature{X: x, Y: y, Diameter: diameter / upp, Score: 1})
	}

	if c.stationary {
		for _, mt := range m.mountables {
			if _, isCamera := m.cameras[mt.name]; isCamera {
				continue
			}
			project(mt.truePosition(), mt.tipDiameter)
		}
	} else {
		for _, fs := range m.fiducials {
			project(fs.location(m.unit), fs.Diameter)
		}
	}
	return f, nil
}

// Frame is a rendered simulated image. Features holds the exact positions
// the detector will jitter.
type Frame struct {
	camera   string
	rect     image.Rectangle
	Features []geometry.PixelFeature
}

func (f *Frame) ColorModel() color.Model { return color.GrayModel }
func (f *Frame) Bounds() image.Rectangle { return f.rect }

func (f *Frame) At(x, y int) color.Color {
	for _, ft := range f.Features {
		if math.Hypot(float64(x)+0.5-ft.X, float64(y)+0.5-ft.Y) <= ft.Diameter/2 {
			return color.Gray{Y: 255}
		}
	}
	return color.Gray{Y: 0}
}

// Detect picks the feature closest to the image center. With a diameter
// hint, features more than 50% off are ignored.
func (m *Machine) Detect(ctx context.Context, img image.Image, diameterHint float64, extraSearchRange float64) (geometry.PixelFeature, error) {
	if err := ctx.Err(); err != nil {
		return geometry.PixelFeature{}, err
	}
	f, ok := img.(*Frame)
	if !ok {
		return geometry.PixelFeature{}, fmt.Errorf("unsupported image type %T", img)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.failDetectsAfter == 0 {
		m.failDetectsAfter = -1
		return geometry.PixelFeature{}, machine.ErrFeatureNotFound
	}
	if m.failDetectsAfter > 0 {
		m.failDetectsAfter--
	}

	b := f.Bounds()
	cx, cy := float64(b.Dx())/2, float64(b.Dy())/2
	radius := math.Min(cx, cy) * (1 + extraSearchRange)

	best := -1
	bestDist := math.Inf(1)
	for i, ft := range f.Features {
		if diameterHint > 0 && math.Abs(ft.Diameter-diameterHint) > diameterHint/2 {
			continue
		}
		d := math.Hypot(ft.X-cx, ft.Y-cy)
		if d <= radius && d < bestDist {
			best, bestDist = i, d
		}
	}
	if best < 0 {
		return geometry.PixelFeature{}, machine.ErrFeatureNotFound
	}

	ft := f.Features[best]
	ft.X = m.noisy(ft.X)
	ft.Y = m.noisy(ft.Y)
	return ft, nil
}
