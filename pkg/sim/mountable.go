package sim

import (
	"fmt"
	"sort"
	"sync"

	"github.com/charlie0129/headcal/pkg/calibration"
	"github.com/charlie0129/headcal/pkg/geometry"
)

// Mountable is a simulated tool, or the positioning part of a camera.
type Mountable struct {
	machine *Machine
	name    string

	// offset is the configured head offset; trueOffset is the real one.
	offset     geometry.Location
	trueOffset geometry.Location

	stationary bool
	fixed      geometry.Location

	tipDiameter float64
}

func (mt *Mountable) Name() string { return mt.name }

func (mt *Mountable) Location() geometry.Location {
	m := mt.machine
	m.mu.Lock()
	defer m.mu.Unlock()
	if mt.stationary {
		return mt.fixed
	}
	return m.headLocation(m.commanded).Add(mt.offset)
}

func (mt *Mountable) HeadOffset() geometry.Location {
	m := mt.machine
	m.mu.Lock()
	defer m.mu.Unlock()
	return mt.offset
}

func (mt *Mountable) SetHeadOffset(o geometry.Location) {
	m := mt.machine
	m.mu.Lock()
	defer m.mu.Unlock()
	if o.Unit == "" {
		o.Unit = m.unit
	}
	mt.offset = o.ConvertToUnits(m.unit)
}

// TrueOffset is the real head offset the calibration should find.
func (mt *Mountable) TrueOffset() geometry.Location { return mt.trueOffset }

// truePosition is where the mountable physically is. m.mu must be held.
func (mt *Mountable) truePosition() geometry.Location {
	if mt.stationary {
		return mt.fixed
	}
	return mt.machine.headLocation(mt.machine.actual).Add(mt.trueOffset)
}

// Axis is a simulated controller axis with speed-dependent backlash.
type Axis struct {
	name       string
	axis       geometry.Axis
	unit       geometry.LengthUnit
	resolution float64
	bands      []BacklashBand

	mu      sync.Mutex
	profile calibration.AxisBacklashProfile
}

func newAxis(s AxisSpec, unit geometry.LengthUnit) (*Axis, error) {
	a, err := geometry.ParseAxis(s.Axis)
	if err != nil {
		return nil, err
	}
	name := s.Name
	if name == "" {
		name = string(a)
	}
	if s.Resolution < 0 {
		return nil, fmt.Errorf("axis %s has a negative resolution", name)
	}
	bands := append([]BacklashBand(nil), s.Backlash...)
	sort.Slice(bands, func(i, j int) bool { return bands[i].UpToSpeed < bands[j].UpToSpeed })
	return &Axis{
		name:       name,
		axis:       a,
		unit:       unit,
		resolution: s.Resolution,
		bands:      bands,
		profile:    calibration.DefaultBacklashProfile(unit),
	}, nil
}

func (a *Axis) Name() string        { return a.name }
func (a *Axis) Axis() geometry.Axis { return a.axis }

func (a *Axis) Resolution() geometry.Length {
	return geometry.NewLength(a.resolution, a.unit)
}

func (a *Axis) BacklashProfile() calibration.AxisBacklashProfile {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.profile
}

func (a *Axis) SetBacklashProfile(p calibration.AxisBacklashProfile) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.profile = p
}

// BacklashAt returns the mechanical free play for a move at speed.
func (a *Axis) BacklashAt(speed float64) float64 {
	for _, b := range a.bands {
		if speed <= b.UpToSpeed {
			return b.Value
		}
	}
	if len(a.bands) == 0 {
		return 0
	}
	return a.bands[len(a.bands)-1].Value
}

// travel returns where the axis really ends up after a commanded move from
// from to to. The axis lags half the free play behind the travel direction;
// the controller's compensation counteracts it.
func (a *Axis) travel(from, to, speed float64) float64 {
	dir := sign(to - from)
	b := a.BacklashAt(speed)
	p := a.BacklashProfile()
	o := p.Offset.ConvertToUnits(a.unit).Value

	switch p.Method {
	case calibration.BacklashDirectionalCompensation:
		return to + dir*o/2 - dir*b/2
	case calibration.BacklashOneSidedPositioning:
		// Always finishes with a move in the positive direction.
		return to - b/2
	}
	return to - dir*b/2
}
