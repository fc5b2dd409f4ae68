package calibrator

import "math"

// Orientation is how a camera's sensor sits relative to the machine axes.
type Orientation struct {
	FlipX           bool
	FlipY           bool
	RotationDegrees float64
}

func (o Orientation) String() string {
	s := "identity"
	switch o.RotationDegrees {
	case 90:
		s = "rotate90"
	case 270:
		s = "rotate270"
	}
	if o.FlipX {
		s += "+flipX"
	}
	if o.FlipY {
		s += "+flipY"
	}
	return s
}

// ClassifyOrientation derives the orientation from the pixel displacement
// of an X probe (dxX, dyX) and a Y probe (dxY, dyY). Pixel Y must already be
// negated so that up is positive, and the deltas must describe the subject
// moving relative to the camera.
//
// When the X probe moves mostly along pixel X the sensor is landscape and
// only flips are needed; otherwise it is portrait and rotated.
func ClassifyOrientation(dxX, dyX, dxY, dyY float64) Orientation {
	if math.Abs(dxX) > math.Abs(dyX) {
		switch {
		case dxX > 0 && dyY > 0:
			return Orientation{}
		case dxX > 0:
			return Orientation{FlipY: true}
		case dyY < 0:
			return Orientation{FlipX: true, FlipY: true}
		default:
			return Orientation{FlipX: true}
		}
	}

	switch {
	case dxY > 0 && dyX < 0:
		return Orientation{RotationDegrees: 90}
	case dxY > 0:
		return Orientation{RotationDegrees: 90, FlipX: true}
	case dyX > 0:
		return Orientation{RotationDegrees: 270}
	default:
		return Orientation{RotationDegrees: 90, FlipY: true}
	}
}
