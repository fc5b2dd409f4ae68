package geometry

import (
	"fmt"
	"math"
)

// LengthUnit is the unit a Location or Length is expressed in.
type LengthUnit string

const (
	Millimeters LengthUnit = "mm"
	Centimeters LengthUnit = "cm"
	Meters      LengthUnit = "m"
	Inches      LengthUnit = "in"
	Microns     LengthUnit = "um"
)

var millimetersPerUnit = map[LengthUnit]float64{
	Millimeters: 1,
	Centimeters: 10,
	Meters:      1000,
	Inches:      25.4,
	Microns:     0.001,
}

// ParseLengthUnit accepts the short unit names used in config files.
func ParseLengthUnit(s string) (LengthUnit, error) {
	u := LengthUnit(s)
	if s == "" {
		return Millimeters, nil
	}
	if _, ok := millimetersPerUnit[u]; !ok {
		return "", fmt.Errorf("unknown length unit %q", s)
	}
	return u, nil
}

// scale returns the factor converting a value in from into to.
func scale(from, to LengthUnit) float64 {
	if from == "" {
		from = Millimeters
	}
	if to == "" {
		to = Millimeters
	}
	if from == to {
		return 1
	}
	f, ok := millimetersPerUnit[from]
	if !ok {
		panic(fmt.Sprintf("unknown length unit %q", from))
	}
	t, ok := millimetersPerUnit[to]
	if !ok {
		panic(fmt.Sprintf("unknown length unit %q", to))
	}
	return f / t
}

// Length is a scalar distance with a unit.
type Length struct {
	Value float64    `json:"value"`
	Unit  LengthUnit `json:"unit"`
}

func NewLength(v float64, u LengthUnit) Length {
	return Length{Value: v, Unit: u}
}

func (l Length) ConvertToUnits(u LengthUnit) Length {
	return Length{Value: l.Value * scale(l.Unit, u), Unit: u}
}

func (l Length) Abs() Length {
	return Length{Value: math.Abs(l.Value), Unit: l.Unit}
}

func (l Length) Multiply(f float64) Length {
	return Length{Value: l.Value * f, Unit: l.Unit}
}

func (l Length) Add(o Length) Length {
	return Length{Value: l.Value + o.ConvertToUnits(l.Unit).Value, Unit: l.Unit}
}

func (l Length) Subtract(o Length) Length {
	return Length{Value: l.Value - o.ConvertToUnits(l.Unit).Value, Unit: l.Unit}
}

// Compare returns -1, 0 or 1 after converting o into l's unit.
func (l Length) Compare(o Length) int {
	ov := o.ConvertToUnits(l.Unit).Value
	switch {
	case l.Value < ov:
		return -1
	case l.Value > ov:
		return 1
	}
	return 0
}

func (l Length) IsZero() bool { return l.Value == 0 }

// MaxLength returns the larger of a and b, expressed in a's unit.
func MaxLength(a, b Length) Length {
	if a.Compare(b) >= 0 {
		return a
	}
	return b.ConvertToUnits(a.Unit)
}

func (l Length) String() string {
	u := l.Unit
	if u == "" {
		u = Millimeters
	}
	return fmt.Sprintf("%.4f%s", l.Value, u)
}
