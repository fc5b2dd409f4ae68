package calibrator

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/charlie0129/headcal/pkg/calibration"
	"github.com/charlie0129/headcal/pkg/geometry"
	"github.com/charlie0129/headcal/pkg/machine"
)

var errOvershootAtLowest = errors.New("the axis overshoots even at the lowest tested speed")

// BacklashOptions are the empirically chosen constants of the backlash
// calibration.
type BacklashOptions struct {
	// Passes is the maximum number of measure-and-adjust passes per speed.
	Passes       int
	SpeedFactors []float64
	// Damping scales each measured error before it is added to the offset.
	Damping      float64
	TestDistance geometry.Length
	// SafetyFactor multiplies the largest offset for one-sided positioning.
	SafetyFactor float64
	// Captures is the number of frames averaged per measurement.
	Captures int
}

func DefaultBacklashOptions() BacklashOptions {
	return BacklashOptions{
		Passes:       3,
		SpeedFactors: []float64{0.25, 0.5, 0.75, 1.0},
		Damping:      0.9,
		TestDistance: geometry.NewLength(2, geometry.Millimeters),
		SafetyFactor: 1.1,
		Captures:     3,
	}
}

func (o BacklashOptions) withDefaults() BacklashOptions {
	def := DefaultBacklashOptions()
	if o.Passes <= 0 {
		o.Passes = def.Passes
	}
	if len(o.SpeedFactors) == 0 {
		o.SpeedFactors = def.SpeedFactors
	}
	if o.Damping <= 0 {
		o.Damping = def.Damping
	}
	if o.TestDistance.IsZero() {
		o.TestDistance = def.TestDistance
	}
	if o.SafetyFactor <= 0 {
		o.SafetyFactor = def.SafetyFactor
	}
	if o.Captures <= 0 {
		o.Captures = def.Captures
	}
	speeds := append([]float64(nil), o.SpeedFactors...)
	sort.Float64s(speeds)
	o.SpeedFactors = speeds
	return o
}

// BacklashRequest describes one backlash calibration of one axis.
type BacklashRequest struct {
	Camera          machine.Camera
	Movable         machine.HeadMountable
	MovableIsCamera bool
	Axis            machine.Axis
	Fiducial        *calibration.FiducialLocation
	// Tolerance overrides the tolerance derived from the axis resolution
	// and the camera scale.
	Tolerance geometry.Length
}

// BacklashResult is the full record of a successful run.
type BacklashResult struct {
	Axis        string                          `json:"axis"`
	Tolerance   geometry.Length                 `json:"tolerance"`
	Speeds      []SpeedResult                   `json:"speeds"`
	Consistency Consistency                     `json:"consistency"`
	Profile     calibration.AxisBacklashProfile `json:"profile"`
	Previous    calibration.AxisBacklashProfile `json:"previous"`
	Phase       calibration.Phase               `json:"phase"`
}

// BacklashCalibrator measures an axis' direction-dependent error at several
// speeds and picks a compensation that holds at the speeds the machine
// actually runs.
type BacklashCalibrator struct {
	Motion    machine.MotionController
	Transform machine.CoordinateTransform
	Converger *FiducialConverger
	Options   BacklashOptions
	Progress  ProgressFunc
}

type backlashRun struct {
	*BacklashCalibrator
	req       BacklashRequest
	opts      BacklashOptions
	unit      geometry.LengthUnit
	target    geometry.Location
	direction geometry.Location
	tolerance float64
	started   time.Time
	log       *logrus.Entry
}

// Calibrate overwrites the axis profile with the selected policy. On any
// failure, overshoot included, the axis profile is restored to what it was
// before the call.
func (b *BacklashCalibrator) Calibrate(ctx context.Context, req BacklashRequest) (res *BacklashResult, err error) {
	const op = "calibrating backlash"
	if req.Fiducial == nil {
		return nil, calibration.Precondition(op, "no fiducial ground truth has been established")
	}
	if req.Camera == nil || req.Movable == nil || req.Axis == nil {
		return nil, calibration.Precondition(op, "camera, movable and axis are required")
	}
	if !req.Camera.CalibrationState().CalibrationEnabled {
		return nil, calibration.Precondition(op, "camera %s is not calibrated", req.Camera.Name())
	}

	r := &backlashRun{
		BacklashCalibrator: b,
		req:                req,
		opts:               b.Options.withDefaults(),
		target:             req.Fiducial.Location,
		unit:               req.Fiducial.Location.Unit,
		started:            time.Now(),
	}
	r.direction = req.Axis.Axis().UnitVector(r.unit)
	tol := req.Tolerance
	if tol.IsZero() {
		tol = AxisTolerance(req.Axis, req.Camera.CalibrationState())
	}
	r.tolerance = tol.ConvertToUnits(r.unit).Value
	r.log = logrus.WithFields(logrus.Fields{
		"operation": "backlash-calibration",
		"axis":      req.Axis.Name(),
		"movable":   req.Movable.Name(),
		"tolerance": r.tolerance,
	})

	if err := r.checkAxisDriven(); err != nil {
		return nil, err
	}

	previous := req.Axis.BacklashProfile()
	defer func() {
		if err != nil {
			req.Axis.SetBacklashProfile(previous)
			r.report(calibration.PhaseFailed, 0, 0)
			r.log.WithError(err).Warn("backlash calibration failed, restored previous profile")
		}
	}()

	r.log.WithField("previous", previous).Info("starting backlash calibration")
	r.report(calibration.PhaseProbing, 0, 0)

	if err := moveSafeZ(ctx, b.Motion, req.Movable, r.target, "moving to the fiducial"); err != nil {
		return nil, err
	}

	results := make([]SpeedResult, 0, len(r.opts.SpeedFactors))
	for _, speed := range r.opts.SpeedFactors {
		sr, err := r.probeSpeed(ctx, speed)
		if err != nil {
			return nil, err
		}
		results = append(results, sr)
		if sr.Overshoot {
			r.report(calibration.PhaseOvershootAtSpeed, speed, sr.Passes)
		} else {
			r.report(calibration.PhaseConvergedAtSpeed, speed, sr.Passes)
		}
	}

	r.report(calibration.PhaseAggregating, 0, 0)
	consistency := AnalyzeConsistency(results, geometry.NewLength(r.tolerance, r.unit))
	profile, phase, err := SelectPolicy(results, consistency, geometry.NewLength(r.tolerance, r.unit), r.opts.SafetyFactor)
	if err != nil {
		var ce *calibration.Error
		if errors.As(err, &ce) {
			ce.Axis = req.Axis.Name()
			ce.Speed = results[0].Speed
			ce.Pass = 1
		}
		return nil, err
	}
	if consistency.Count < len(results) {
		r.log.WithFields(logrus.Fields{
			"consistent": consistency.Count,
			"speeds":     len(results),
		}).Warn("backlash is not consistent across speeds, falling back to one-sided positioning")
	}

	req.Axis.SetBacklashProfile(profile)
	r.report(phase, 0, 0)
	r.log.WithFields(logrus.Fields{
		"method":      profile.Method,
		"offset":      profile.Offset,
		"speedFactor": profile.SpeedFactor,
	}).Info("backlash calibrated")

	return &BacklashResult{
		Axis:        req.Axis.Name(),
		Tolerance:   geometry.NewLength(r.tolerance, r.unit),
		Speeds:      results,
		Consistency: consistency,
		Profile:     profile,
		Previous:    previous,
		Phase:       phase,
	}, nil
}

// checkAxisDriven makes sure the test moves actually drive the axis being
// calibrated, before anything moves.
func (r *backlashRun) checkAxisDriven() error {
	if r.Transform == nil {
		return nil
	}
	const op = "checking the axis mapping"
	dist := r.opts.TestDistance.ConvertToUnits(r.unit).Value
	at, err := r.Transform.ToRaw(r.req.Movable, r.target)
	if err != nil {
		return calibration.Precondition(op, "cannot map %s: %v", r.req.Movable.Name(), err)
	}
	away, err := r.Transform.ToRaw(r.req.Movable, r.target.Subtract(r.direction.Multiply(dist)))
	if err != nil {
		return calibration.Precondition(op, "cannot map %s: %v", r.req.Movable.Name(), err)
	}
	a := r.req.Axis.Axis()
	v0, ok0 := at[a]
	v1, ok1 := away[a]
	if !ok0 || !ok1 || v0 == v1 {
		return calibration.Precondition(op, "axis %s is not driven by %s", r.req.Axis.Name(), r.req.Movable.Name())
	}
	return nil
}

func (r *backlashRun) probeSpeed(ctx context.Context, speed float64) (SpeedResult, error) {
	axis := r.req.Axis
	axis.SetBacklashProfile(calibration.AxisBacklashProfile{
		Method:      calibration.BacklashDirectionalCompensation,
		Offset:      geometry.NewLength(0, r.unit),
		SpeedFactor: 1,
	})

	sr := SpeedResult{Speed: speed, Offset: geometry.NewLength(0, r.unit), Error: geometry.NewLength(0, r.unit)}
	offset := 0.0
	dist := r.opts.TestDistance.ConvertToUnits(r.unit).Value
	minus := r.target.Subtract(r.direction.Multiply(dist))
	plus := r.target.Add(r.direction.Multiply(dist))

	for pass := 0; pass < r.opts.Passes; pass++ {
		r.report(calibration.PhaseProbing, speed, pass+1)
		log := r.log.WithFields(logrus.Fields{"speed": speed, "pass": pass})

		effective0, err := r.approach(ctx, minus, speed, pass, "minus")
		if err != nil {
			return sr, err
		}
		effective1, err := r.approach(ctx, plus, speed, pass, "plus")
		if err != nil {
			return sr, err
		}

		e := effective1.Subtract(effective0).Dot(r.direction)
		if r.req.MovableIsCamera {
			e = -e
		}
		offset += e * r.opts.Damping
		axis.SetBacklashProfile(calibration.AxisBacklashProfile{
			Method:      calibration.BacklashDirectionalCompensation,
			Offset:      geometry.NewLength(offset, r.unit),
			SpeedFactor: 1,
		})
		sr.Passes = pass + 1
		sr.Offset = geometry.NewLength(offset, r.unit)
		sr.Error = geometry.NewLength(e, r.unit)
		log.WithFields(logrus.Fields{"error": e, "offset": offset}).Debug("backlash pass")

		if e <= -r.tolerance {
			if pass == 0 {
				sr.Overshoot = true
				log.WithField("error", e).Warn("axis overshoots at this speed")
				break
			}
			// Only a first-pass overshoot aborts the speed.
			sr.LatePassOvershoot = true
			log.WithField("error", e).Warn("overshoot measured after the first pass")
		}
		if math.Abs(e) < r.tolerance {
			break
		}
	}
	return sr, nil
}

// approach moves past the target on one side, comes back onto it at speed
// and measures where the fiducial appears.
func (r *backlashRun) approach(ctx context.Context, from geometry.Location, speed float64, pass int, side string) (geometry.Location, error) {
	op := fmt.Sprintf("approaching the fiducial from the %s side", side)
	if err := move(ctx, r.Motion, r.req.Movable, from, speed, op); err != nil {
		return geometry.Location{}, r.annotate(err, speed, pass)
	}
	if err := move(ctx, r.Motion, r.req.Movable, r.target, speed, op); err != nil {
		return geometry.Location{}, r.annotate(err, speed, pass)
	}
	loc, err := r.Converger.Locate(ctx, LocateRequest{
		Camera:           r.req.Camera,
		ExpectedDiameter: r.req.Fiducial.Diameter,
		Samples:          r.opts.Captures,
	})
	if err != nil {
		return geometry.Location{}, r.annotate(err, speed, pass)
	}
	return loc.ConvertToUnits(r.unit), nil
}

// annotate stamps the axis, speed and pass onto a calibration error.
func (r *backlashRun) annotate(err error, speed float64, pass int) error {
	var ce *calibration.Error
	if errors.As(err, &ce) {
		ce.Axis = r.req.Axis.Name()
		ce.Speed = speed
		ce.Pass = pass + 1
	}
	return err
}

func (r *backlashRun) report(phase calibration.Phase, speed float64, pass int) {
	r.Progress.report(calibration.State{
		Procedure: calibration.ProcedureBacklash,
		Phase:     phase,
		Target:    r.req.Axis.Name(),
		Speed:     speed,
		Pass:      pass,
		StartedAt: r.started,
	})
}
