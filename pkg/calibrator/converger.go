package calibrator

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/stat"

	"github.com/charlie0129/headcal/pkg/calibration"
	"github.com/charlie0129/headcal/pkg/geometry"
	"github.com/charlie0129/headcal/pkg/machine"
)

const (
	DefaultConvergePasses = 4
	// minConvergePasses keeps a single noisy detection from ever becoming
	// the final estimate.
	minConvergePasses = 2
)

// ConvergeOptions tunes the detect-and-recenter loop.
type ConvergeOptions struct {
	Passes           int
	Speed            float64
	ExtraSearchRange float64
	// Tolerance enables an early exit once a correction is smaller than it.
	// The loop still runs at least two passes. Zero disables early exit.
	Tolerance geometry.Length
}

func DefaultConvergeOptions() ConvergeOptions {
	return ConvergeOptions{
		Passes:           DefaultConvergePasses,
		Speed:            1,
		ExtraSearchRange: 0.1,
	}
}

// ConvergeRequest describes one convergence.
type ConvergeRequest struct {
	Camera machine.Camera
	// Movable is moved on every pass: the camera itself when it looks at a
	// fixed fiducial, or a tool carrying the feature over a fixed camera.
	Movable         machine.HeadMountable
	MovableIsCamera bool
	// Start, when set, is the rough location to begin at. It is approached
	// at safe Z.
	Start            *geometry.Location
	ExpectedDiameter geometry.Length
}

// LocateRequest describes a measurement from the current pose.
type LocateRequest struct {
	Camera           machine.Camera
	ExpectedDiameter geometry.Length
	// Samples is the number of captures averaged. Defaults to 1.
	Samples int
}

// FiducialConverger refines a rough location of a visual feature into a
// precise one by repeated detect-and-recenter passes.
type FiducialConverger struct {
	Motion   machine.MotionController
	Detector machine.FeatureDetector
	Options  ConvergeOptions
}

func (c *FiducialConverger) options() ConvergeOptions {
	opts := c.Options
	if opts.Passes <= 0 {
		opts.Passes = DefaultConvergePasses
	}
	if opts.Passes < minConvergePasses {
		opts.Passes = minConvergePasses
	}
	if opts.Speed <= 0 {
		opts.Speed = 1
	}
	return opts
}

// Converge returns the location of the movable at which the feature sits in
// the camera center. Any detection failure aborts the whole convergence.
func (c *FiducialConverger) Converge(ctx context.Context, req ConvergeRequest) (geometry.Location, error) {
	if req.Camera == nil || req.Movable == nil {
		return geometry.Location{}, calibration.Precondition("converging on the fiducial", "camera and movable are required")
	}
	if !req.Camera.CalibrationState().CalibrationEnabled {
		return geometry.Location{}, calibration.Precondition("converging on the fiducial", "camera %s has no units per pixel calibration", req.Camera.Name())
	}
	opts := c.options()

	log := logrus.WithFields(logrus.Fields{
		"operation": "converge",
		"camera":    req.Camera.Name(),
		"movable":   req.Movable.Name(),
	})

	if req.Start != nil {
		if err := moveSafeZ(ctx, c.Motion, req.Movable, *req.Start, "moving to the rough fiducial location"); err != nil {
			return geometry.Location{}, err
		}
	}

	hint := diameterHint(req.Camera.CalibrationState(), req.ExpectedDiameter)
	current := req.Movable.Location()
	for pass := 0; pass < opts.Passes; pass++ {
		op := fmt.Sprintf("converging on the fiducial (pass %d/%d)", pass+1, opts.Passes)
		img, f, err := detect(ctx, req.Camera, c.Detector, hint, opts.ExtraSearchRange, op)
		if err != nil {
			return geometry.Location{}, err
		}
		feature := featureLocation(req.Camera, img, f)

		var next geometry.Location
		if req.MovableIsCamera {
			at := feature.ConvertToUnits(current.Unit)
			next = current.WithX(at.X).WithY(at.Y)
		} else {
			// Shift the tool by the distance between the feature and the
			// camera center.
			delta := req.Camera.Location().Subtract(feature).WithZ(0).WithRotation(0)
			next = current.Add(delta)
		}
		correction := current.LinearDistanceTo(next)

		log.WithFields(logrus.Fields{
			"pass":       pass,
			"feature":    feature,
			"correction": correction,
		}).Debug("converge pass")

		if err := move(ctx, c.Motion, req.Movable, next, opts.Speed, op); err != nil {
			return geometry.Location{}, err
		}
		current = next

		if !opts.Tolerance.IsZero() && pass+1 >= minConvergePasses &&
			correction < opts.Tolerance.ConvertToUnits(current.Unit).Value {
			log.WithField("passes", pass+1).Debug("converged within tolerance")
			break
		}
	}

	log.WithField("location", current).Info("converged on the fiducial")
	return current, nil
}

// Locate measures where the feature is from the current pose, without any
// motion, averaging Samples captures.
func (c *FiducialConverger) Locate(ctx context.Context, req LocateRequest) (geometry.Location, error) {
	if req.Camera == nil {
		return geometry.Location{}, calibration.Precondition("locating the fiducial", "camera is required")
	}
	opts := c.options()
	samples := req.Samples
	if samples < 1 {
		samples = 1
	}

	hint := diameterHint(req.Camera.CalibrationState(), req.ExpectedDiameter)
	xs := make([]float64, 0, samples)
	ys := make([]float64, 0, samples)
	var loc geometry.Location
	for i := 0; i < samples; i++ {
		img, f, err := detect(ctx, req.Camera, c.Detector, hint, opts.ExtraSearchRange, "locating the fiducial")
		if err != nil {
			return geometry.Location{}, err
		}
		loc = featureLocation(req.Camera, img, f)
		xs = append(xs, loc.X)
		ys = append(ys, loc.Y)
	}
	return loc.WithX(stat.Mean(xs, nil)).WithY(stat.Mean(ys, nil)), nil
}
