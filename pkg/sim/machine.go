// Package sim is a simulated pick-and-place machine. It models a head with
// per-axis, speed-dependent backlash and the controller's backlash
// compensation, cameras whose real orientation and scale are hidden from the
// calibration, and a detector with configurable pixel noise.
package sim

import (
	"context"
	"fmt"
	"math/rand"
	"sort"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/charlie0129/headcal/pkg/calibration"
	"github.com/charlie0129/headcal/pkg/geometry"
	"github.com/charlie0129/headcal/pkg/machine"
)

var _ machine.Machine = &Machine{}

var linearAxes = []geometry.Axis{geometry.AxisX, geometry.AxisY, geometry.AxisZ, geometry.AxisRotation}

// Machine implements machine.Machine.
type Machine struct {
	mu   sync.Mutex
	unit geometry.LengthUnit

	safeZ float64
	noise float64
	rng   *rand.Rand

	// commanded is where the head was told to go, actual is where it is.
	commanded map[geometry.Axis]float64
	actual    map[geometry.Axis]float64

	axes       map[geometry.Axis]*Axis
	axesByName map[string]*Axis
	mountables map[string]*Mountable
	cameras    map[string]*Camera
	fiducials  []FiducialSpec

	moves int
	// failMovesAfter and failDetectsAfter count down to an injected failure
	// when non-negative.
	failMovesAfter   int
	failDetectsAfter int
}

// New builds a machine from a scenario.
func New(s *Scenario) (*Machine, error) {
	unit, err := geometry.ParseLengthUnit(s.Unit)
	if err != nil {
		return nil, err
	}
	seed := s.Seed
	if seed == 0 {
		seed = 1
	}
	m := &Machine{
		unit:             unit,
		safeZ:            s.SafeZ,
		noise:            s.PixelNoise,
		rng:              rand.New(rand.NewSource(seed)),
		commanded:        map[geometry.Axis]float64{},
		actual:           map[geometry.Axis]float64{},
		axes:             map[geometry.Axis]*Axis{},
		axesByName:       map[string]*Axis{},
		mountables:       map[string]*Mountable{},
		cameras:          map[string]*Camera{},
		fiducials:        s.Fiducials,
		failMovesAfter:   -1,
		failDetectsAfter: -1,
	}

	for _, as := range s.Axes {
		a, err := newAxis(as, unit)
		if err != nil {
			return nil, err
		}
		if _, dup := m.axes[a.axis]; dup {
			return nil, fmt.Errorf("axis %s is defined twice", a.axis)
		}
		m.axes[a.axis] = a
		m.axesByName[a.name] = a
	}

	for _, cs := range s.HeadCameras {
		if err := m.addCamera(cs, false); err != nil {
			return nil, err
		}
	}
	for _, cs := range s.StationaryCameras {
		if err := m.addCamera(cs, true); err != nil {
			return nil, err
		}
	}
	for _, ts := range s.Tools {
		if _, dup := m.mountables[ts.Name]; dup {
			return nil, fmt.Errorf("head-mountable %s is defined twice", ts.Name)
		}
		m.mountables[ts.Name] = &Mountable{
			machine:     m,
			name:        ts.Name,
			trueOffset:  ts.Offset.location(unit),
			offset:      geometry.Location{Unit: unit},
			tipDiameter: ts.TipDiameter,
		}
	}

	start := geometry.Location{Unit: unit}
	switch {
	case s.Start != nil:
		start = s.Start.location(unit)
	case len(s.Fiducials) > 0 && len(s.HeadCameras) > 0:
		start = s.Fiducials[0].location(unit).Subtract(s.HeadCameras[0].Offset.location(unit))
	}
	m.commanded[geometry.AxisX], m.actual[geometry.AxisX] = start.X, start.X
	m.commanded[geometry.AxisY], m.actual[geometry.AxisY] = start.Y, start.Y
	m.commanded[geometry.AxisZ], m.actual[geometry.AxisZ] = start.Z, start.Z

	return m, nil
}

func (m *Machine) addCamera(cs CameraSpec, stationary bool) error {
	if cs.Width <= 0 || cs.Height <= 0 || cs.UnitsPerPixelX <= 0 || cs.UnitsPerPixelY <= 0 {
		return fmt.Errorf("camera %s needs a positive size and scale", cs.Name)
	}
	if _, dup := m.mountables[cs.Name]; dup {
		return fmt.Errorf("head-mountable %s is defined twice", cs.Name)
	}
	mt := &Mountable{
		machine:    m,
		name:       cs.Name,
		trueOffset: cs.Offset.location(m.unit),
		offset:     geometry.Location{Unit: m.unit},
		stationary: stationary,
		fixed:      cs.Location.location(m.unit),
	}
	c := &Camera{
		Mountable: mt,
		width:     cs.Width,
		height:    cs.Height,
		truth: calibration.CameraCalibrationState{
			FlipX:           cs.FlipX,
			FlipY:           cs.FlipY,
			RotationDegrees: cs.Rotation,
			UnitsPerPixelX:  cs.UnitsPerPixelX,
			UnitsPerPixelY:  cs.UnitsPerPixelY,
			Unit:            m.unit,
		},
		state: calibration.IdentityCameraState(m.unit),
	}
	m.mountables[cs.Name] = mt
	m.cameras[cs.Name] = c
	return nil
}

func (m *Machine) Unit() geometry.LengthUnit { return m.unit }

func (m *Machine) Camera(name string) (machine.Camera, bool) {
	c, ok := m.cameras[name]
	if !ok {
		return nil, false
	}
	return c, true
}

func (m *Machine) HeadMountable(name string) (machine.HeadMountable, bool) {
	if c, ok := m.cameras[name]; ok {
		return c, true
	}
	hm, ok := m.mountables[name]
	if !ok {
		return nil, false
	}
	return hm, true
}

func (m *Machine) ControllerAxis(name string) (machine.Axis, bool) {
	a, ok := m.axesByName[name]
	if !ok {
		return nil, false
	}
	return a, true
}

func (m *Machine) Topology() machine.Topology {
	var t machine.Topology
	for name, c := range m.cameras {
		if c.stationary {
			t.StationaryCameras = append(t.StationaryCameras, name)
		} else {
			t.HeadCameras = append(t.HeadCameras, name)
		}
	}
	for name := range m.mountables {
		if _, isCamera := m.cameras[name]; !isCamera {
			t.Tools = append(t.Tools, name)
		}
	}
	for name := range m.axesByName {
		t.Axes = append(t.Axes, name)
	}
	sort.Strings(t.HeadCameras)
	sort.Strings(t.StationaryCameras)
	sort.Strings(t.Tools)
	sort.Strings(t.Axes)
	return t
}

// SimCamera returns the concrete simulated camera.
func (m *Machine) SimCamera(name string) *Camera { return m.cameras[name] }

// SimAxis returns the concrete simulated axis.
func (m *Machine) SimAxis(name string) *Axis { return m.axesByName[name] }

// Moves returns the number of completed moves.
func (m *Machine) Moves() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.moves
}

// FailMovesAfter makes the move after n more successful moves fail. A
// negative n disables the injection.
func (m *Machine) FailMovesAfter(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failMovesAfter = n
}

// FailDetectionsAfter makes the detection after n more successful ones
// report ErrFeatureNotFound. A negative n disables the injection.
func (m *Machine) FailDetectionsAfter(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failDetectsAfter = n
}

// HeadPosition returns the commanded and actual head positions.
func (m *Machine) HeadPosition() (commanded, actual geometry.Location) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.headLocation(m.commanded), m.headLocation(m.actual)
}

func (m *Machine) headLocation(pos map[geometry.Axis]float64) geometry.Location {
	return geometry.NewLocation(m.unit, pos[geometry.AxisX], pos[geometry.AxisY], pos[geometry.AxisZ], pos[geometry.AxisRotation])
}

func (m *Machine) MoveTo(ctx context.Context, hm machine.HeadMountable, loc geometry.Location, speed float64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	mt, err := m.mountable(hm)
	if err != nil {
		return err
	}
	if speed <= 0 || speed > 1 {
		return fmt.Errorf("speed factor %v out of range (0, 1]", speed)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.failMovesAfter == 0 {
		m.failMovesAfter = -1
		return fmt.Errorf("simulated motion timeout moving %s", hm.Name())
	}
	if m.failMovesAfter > 0 {
		m.failMovesAfter--
	}

	head := loc.ConvertToUnits(m.unit).Subtract(mt.offset)
	m.moveHead(head, speed)
	m.moves++
	return nil
}

func (m *Machine) MoveToSafeZ(ctx context.Context, hm machine.HeadMountable, loc geometry.Location) error {
	cur := hm.Location()
	steps := []geometry.Location{
		cur.WithZ(m.safeZ),
		loc.ConvertToUnits(cur.Unit).WithZ(m.safeZ),
		loc,
	}
	for _, s := range steps {
		if err := m.MoveTo(ctx, hm, s, 1); err != nil {
			return err
		}
	}
	return nil
}

// moveHead must be called with m.mu held.
func (m *Machine) moveHead(head geometry.Location, speed float64) {
	for _, a := range linearAxes {
		target := head.Get(a).Value
		from := m.commanded[a]
		if target == from {
			continue
		}
		if ax, ok := m.axes[a]; ok {
			m.actual[a] = ax.travel(from, target, speed)
		} else {
			m.actual[a] = target
		}
		m.commanded[a] = target
	}
	logrus.WithFields(logrus.Fields{
		"commanded": m.headLocation(m.commanded),
		"actual":    m.headLocation(m.actual),
		"speed":     speed,
	}).Trace("simulated move")
}

func (m *Machine) ToRaw(hm machine.HeadMountable, loc geometry.Location) (map[geometry.Axis]float64, error) {
	mt, err := m.mountable(hm)
	if err != nil {
		return nil, err
	}
	head := loc.ConvertToUnits(m.unit).Subtract(mt.offset)
	raw := map[geometry.Axis]float64{}
	for _, a := range linearAxes {
		raw[a] = head.Get(a).Value
	}
	return raw, nil
}

// mountable resolves hm to a movable simulated head-mountable.
func (m *Machine) mountable(hm machine.HeadMountable) (*Mountable, error) {
	var mt *Mountable
	switch v := hm.(type) {
	case *Mountable:
		mt = v
	case *Camera:
		mt = v.Mountable
	default:
		return nil, fmt.Errorf("%s is not part of this machine", hm.Name())
	}
	if mt.machine != m {
		return nil, fmt.Errorf("%s is not part of this machine", hm.Name())
	}
	if mt.stationary {
		return nil, fmt.Errorf("%s is stationary and cannot be moved", hm.Name())
	}
	return mt, nil
}

// noisy adds gaussian jitter. m.mu must be held.
func (m *Machine) noisy(v float64) float64 {
	if m.noise == 0 {
		return v
	}
	return v + m.rng.NormFloat64()*m.noise
}

func sign(v float64) float64 {
	switch {
	case v > 0:
		return 1
	case v < 0:
		return -1
	}
	return 0
}
