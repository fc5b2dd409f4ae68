package calibrator

import (
	"github.com/charlie0129/headcal/pkg/calibration"
	"github.com/charlie0129/headcal/pkg/geometry"
	"github.com/charlie0129/headcal/pkg/machine"
)

// pixelToleranceFactor widens one camera pixel so that sub-pixel detector
// jitter stays inside the tolerance.
const pixelToleranceFactor = 1.1

// Tolerance is the threshold used for convergence and consistency checks on
// one axis: the larger of the axis resolution and 1.1 camera pixels.
func Tolerance(resolution geometry.Length, unitsPerPixel geometry.Length) geometry.Length {
	return geometry.MaxLength(resolution.Abs(), unitsPerPixel.Abs().Multiply(pixelToleranceFactor))
}

// AxisTolerance derives the tolerance for axis from the camera's current
// scale along the same axis.
func AxisTolerance(axis machine.Axis, state calibration.CameraCalibrationState) geometry.Length {
	upp := state.UnitsPerPixelX
	if axis.Axis() == geometry.AxisY {
		upp = state.UnitsPerPixelY
	}
	return Tolerance(axis.Resolution(), geometry.NewLength(upp, state.Unit))
}
