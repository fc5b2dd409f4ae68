package geometry

import (
	"fmt"
	"math"

	"github.com/golang/geo/r3"
)

// Axis names one coordinate of a Location.
type Axis string

const (
	AxisX        Axis = "X"
	AxisY        Axis = "Y"
	AxisZ        Axis = "Z"
	AxisRotation Axis = "Rotation"
)

func ParseAxis(s string) (Axis, error) {
	switch s {
	case "X", "x":
		return AxisX, nil
	case "Y", "y":
		return AxisY, nil
	case "Z", "z":
		return AxisZ, nil
	case "Rotation", "rotation", "C", "c":
		return AxisRotation, nil
	}
	return "", fmt.Errorf("unknown axis %q", s)
}

// UnitVector returns a Location with 1 on this axis and 0 elsewhere.
func (a Axis) UnitVector(u LengthUnit) Location {
	l := Location{Unit: u}
	switch a {
	case AxisX:
		l.X = 1
	case AxisY:
		l.Y = 1
	case AxisZ:
		l.Z = 1
	case AxisRotation:
		l.Rotation = 1
	}
	return l
}

// Location is an immutable point in machine space. X, Y and Z are expressed
// in Unit, Rotation in degrees.
type Location struct {
	Unit     LengthUnit `json:"unit"`
	X        float64    `json:"x"`
	Y        float64    `json:"y"`
	Z        float64    `json:"z"`
	Rotation float64    `json:"rotation"`
}

func NewLocation(u LengthUnit, x, y, z, rotation float64) Location {
	return Location{Unit: u, X: x, Y: y, Z: z, Rotation: rotation}
}

// ConvertToUnits returns the same point expressed in u. Rotation is unitless.
func (l Location) ConvertToUnits(u LengthUnit) Location {
	f := scale(l.Unit, u)
	return Location{Unit: u, X: l.X * f, Y: l.Y * f, Z: l.Z * f, Rotation: l.Rotation}
}

// Add returns l+o, with o converted into l's unit.
func (l Location) Add(o Location) Location {
	o = o.ConvertToUnits(l.Unit)
	return Location{Unit: l.Unit, X: l.X + o.X, Y: l.Y + o.Y, Z: l.Z + o.Z, Rotation: l.Rotation + o.Rotation}
}

// Subtract returns l-o, with o converted into l's unit.
func (l Location) Subtract(o Location) Location {
	o = o.ConvertToUnits(l.Unit)
	return Location{Unit: l.Unit, X: l.X - o.X, Y: l.Y - o.Y, Z: l.Z - o.Z, Rotation: l.Rotation - o.Rotation}
}

// Multiply scales every coordinate, including rotation, by f.
func (l Location) Multiply(f float64) Location {
	return Location{Unit: l.Unit, X: l.X * f, Y: l.Y * f, Z: l.Z * f, Rotation: l.Rotation * f}
}

// AddLength moves l by length along axis a.
func (l Location) AddLength(a Axis, length Length) Location {
	return l.Add(a.UnitVector(l.Unit).Multiply(length.ConvertToUnits(l.Unit).Value))
}

func (l Location) WithX(x float64) Location        { l.X = x; return l }
func (l Location) WithY(y float64) Location        { l.Y = y; return l }
func (l Location) WithZ(z float64) Location        { l.Z = z; return l }
func (l Location) WithRotation(r float64) Location { l.Rotation = r; return l }

// Vector returns the linear part of l.
func (l Location) Vector() r3.Vector {
	return r3.Vector{X: l.X, Y: l.Y, Z: l.Z}
}

// Dot projects l onto the unit vector u. The rotation component takes part
// so that a rotation axis can be measured the same way.
func (l Location) Dot(u Location) float64 {
	u = u.ConvertToUnits(l.Unit)
	return l.Vector().Dot(u.Vector()) + l.Rotation*u.Rotation
}

// Get returns the coordinate for axis a as a Length (degrees for rotation).
func (l Location) Get(a Axis) Length {
	switch a {
	case AxisX:
		return Length{Value: l.X, Unit: l.Unit}
	case AxisY:
		return Length{Value: l.Y, Unit: l.Unit}
	case AxisZ:
		return Length{Value: l.Z, Unit: l.Unit}
	case AxisRotation:
		return Length{Value: l.Rotation, Unit: l.Unit}
	}
	return Length{Unit: l.Unit}
}

// LinearDistanceTo is the XY distance, ignoring Z and rotation.
func (l Location) LinearDistanceTo(o Location) float64 {
	o = o.ConvertToUnits(l.Unit)
	return math.Hypot(l.X-o.X, l.Y-o.Y)
}

// XYZDistanceTo is the euclidean distance in XYZ.
func (l Location) XYZDistanceTo(o Location) float64 {
	o = o.ConvertToUnits(l.Unit)
	return l.Vector().Sub(o.Vector()).Norm()
}

func (l Location) String() string {
	u := l.Unit
	if u == "" {
		u = Millimeters
	}
	return fmt.Sprintf("(%.4f, %.4f, %.4f, %.3f°) %s", l.X, l.Y, l.Z, l.Rotation, u)
}

// PixelFeature is a feature found by a detector, in image pixel space.
// Score is the detector's confidence.
type PixelFeature struct {
	X        float64 `json:"x"`
	Y        float64 `json:"y"`
	Diameter float64 `json:"diameter"`
	Score    float64 `json:"score"`
}
