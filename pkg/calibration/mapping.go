package calibration

import "math"

// PixelToUnits maps a pixel offset from the image center to a physical
// offset in s.Unit. u grows to the right, v grows up (image Y negated). The
// offset is rotated by RotationDegrees, then mirrored, then scaled.
func (s CameraCalibrationState) PixelToUnits(u, v float64) (x, y float64) {
	x, y = rotate(u, v, s.RotationDegrees)
	if s.FlipX {
		x = -x
	}
	if s.FlipY {
		y = -y
	}
	return x * s.UnitsPerPixelX, y * s.UnitsPerPixelY
}

// UnitsToPixel is the inverse of PixelToUnits.
func (s CameraCalibrationState) UnitsToPixel(x, y float64) (u, v float64) {
	if s.UnitsPerPixelX != 0 {
		x /= s.UnitsPerPixelX
	}
	if s.UnitsPerPixelY != 0 {
		y /= s.UnitsPerPixelY
	}
	if s.FlipX {
		x = -x
	}
	if s.FlipY {
		y = -y
	}
	return rotate(x, y, -s.RotationDegrees)
}

// AverageUnitsPerPixel is the mean of the X and Y scale.
func (s CameraCalibrationState) AverageUnitsPerPixel() float64 {
	return (math.Abs(s.UnitsPerPixelX) + math.Abs(s.UnitsPerPixelY)) / 2
}

func rotate(x, y, degrees float64) (float64, float64) {
	switch math.Mod(math.Mod(degrees, 360)+360, 360) {
	case 0:
		return x, y
	case 90:
		return -y, x
	case 180:
		return -x, -y
	case 270:
		return y, -x
	}
	rad := degrees * math.Pi / 180
	sin, cos := math.Sincos(rad)
	return x*cos - y*sin, x*sin + y*cos
}
