package calibrator

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/charlie0129/headcal/pkg/calibration"
	"github.com/charlie0129/headcal/pkg/geometry"
	"github.com/charlie0129/headcal/pkg/machine"
)

// ErrSubjectNotFound is the detection failure reported when a probe point
// of the camera calibration does not show the subject.
var ErrSubjectNotFound = fmt.Errorf("subject not found")

// CameraOptions tunes the zero-knowledge camera calibration.
type CameraOptions struct {
	// ProbeDistance is the side of the L the subject is moved along.
	ProbeDistance geometry.Length
	// ExtraSearchRange widens the detector search; nothing is known about
	// the camera yet, so it defaults to a wide search.
	ExtraSearchRange float64
	Speed            float64
}

func DefaultCameraOptions() CameraOptions {
	return CameraOptions{
		ProbeDistance:    geometry.NewLength(1, geometry.Millimeters),
		ExtraSearchRange: 0.5,
		Speed:            1,
	}
}

// CameraRequest describes one camera calibration attempt.
type CameraRequest struct {
	Camera machine.Camera
	// Movable is moved during the probe. It is either the camera itself or
	// a tool the camera looks at.
	Movable         machine.HeadMountable
	MovableIsCamera bool
	// FeatureDiameter is the known physical diameter of the subject, if any.
	FeatureDiameter geometry.Length
}

// CameraResult is what a successful calibration wrote into the camera.
type CameraResult struct {
	Orientation    Orientation
	UnitsPerPixelX geometry.Length
	UnitsPerPixelY geometry.Length
	// FeatureDiameter is the subject diameter computed from the detected
	// pixel diameter, zero when the detector did not report one.
	FeatureDiameter geometry.Length
	State           calibration.CameraCalibrationState
	Previous        calibration.CameraCalibrationState
}

// CameraCalibrator derives a camera's orientation and units per pixel with
// no prior knowledge, from three probe moves forming an L.
type CameraCalibrator struct {
	Motion   machine.MotionController
	Detector machine.FeatureDetector
	Options  CameraOptions
	Progress ProgressFunc
}

type probePoint struct {
	name    string
	loc     geometry.Location
	feature geometry.PixelFeature
}

// Calibrate runs the probe. The movable always ends up back where it
// started. On any failure the camera's previous calibration is restored.
func (c *CameraCalibrator) Calibrate(ctx context.Context, req CameraRequest) (res *CameraResult, err error) {
	if req.Camera == nil || req.Movable == nil {
		return nil, calibration.Precondition("calibrating camera", "camera and movable are required")
	}
	opts := c.Options
	if opts.ProbeDistance.IsZero() {
		opts.ProbeDistance = DefaultCameraOptions().ProbeDistance
	}
	if opts.Speed <= 0 {
		opts.Speed = 1
	}

	cam := req.Camera
	previous := cam.CalibrationState()
	start := req.Movable.Location()

	log := logrus.WithFields(logrus.Fields{
		"operation":       "camera-calibration",
		"camera":          cam.Name(),
		"movable":         req.Movable.Name(),
		"movableIsCamera": req.MovableIsCamera,
	})
	log.WithField("start", start).Info("starting zero-knowledge camera calibration")

	c.Progress.report(calibration.State{
		Procedure: calibration.ProcedureCamera,
		Phase:     calibration.PhaseProbing,
		Target:    cam.Name(),
		StartedAt: time.Now(),
	})

	defer func() {
		// The return move must happen even when ctx was cancelled.
		restoreCtx := context.WithoutCancel(ctx)
		if moveErr := move(restoreCtx, c.Motion, req.Movable, start, opts.Speed, "returning to the start location"); moveErr != nil {
			log.WithError(moveErr).Error("failed to return movable to its start location")
			if err == nil {
				err = moveErr
				res = nil
			}
		}
		if err != nil {
			cam.SetCalibrationState(previous)
			log.WithError(err).Warn("camera calibration failed, restored previous calibration")
		}
	}()

	unit := previous.Unit
	if unit == "" {
		unit = start.Unit
	}
	cam.SetCalibrationState(calibration.IdentityCameraState(unit))

	d := opts.ProbeDistance.ConvertToUnits(start.Unit).Value
	origin := start.Add(geometry.Location{Unit: start.Unit, X: -d / 2, Y: -d / 2})
	points := []*probePoint{
		{name: "origin", loc: origin},
		{name: "X probe", loc: origin.Add(geometry.Location{Unit: start.Unit, X: d})},
		{name: "Y probe", loc: origin.Add(geometry.Location{Unit: start.Unit, Y: d})},
	}

	for _, p := range points {
		if err := move(ctx, c.Motion, req.Movable, p.loc, opts.Speed, "moving to the "+p.name); err != nil {
			return nil, err
		}
		_, f, err := detect(ctx, cam, c.Detector, 0, opts.ExtraSearchRange, "detecting the subject at the "+p.name)
		if err != nil {
			if ce, ok := err.(*calibration.Error); ok && ce.Kind == calibration.KindDetection {
				ce.Err = fmt.Errorf("%w at the %s: %v", ErrSubjectNotFound, p.name, ce.Err)
			}
			return nil, err
		}
		p.feature = f
		log.WithFields(logrus.Fields{"point": p.name, "pixelX": f.X, "pixelY": f.Y}).Debug("detected subject")
	}

	o, x, y := points[0].feature, points[1].feature, points[2].feature
	dxX, dyX := x.X-o.X, -(x.Y - o.Y)
	dxY, dyY := y.X-o.X, -(y.Y - o.Y)
	if req.MovableIsCamera {
		// Moving the camera right makes the subject appear to move left.
		dxX, dyX, dxY, dyY = -dxX, -dyX, -dxY, -dyY
	}

	pxX := math.Max(math.Abs(dxX), math.Abs(dyX))
	pxY := math.Max(math.Abs(dxY), math.Abs(dyY))
	if pxX == 0 || pxY == 0 {
		return nil, calibration.Detection("measuring probe displacement",
			fmt.Errorf("%w: the subject did not move in the image", ErrSubjectNotFound))
	}

	orientation := ClassifyOrientation(dxX, dyX, dxY, dyY)
	state := calibration.CameraCalibrationState{
		FlipX:              orientation.FlipX,
		FlipY:              orientation.FlipY,
		RotationDegrees:    orientation.RotationDegrees,
		UnitsPerPixelX:     d / pxX,
		UnitsPerPixelY:     d / pxY,
		Unit:               start.Unit,
		CalibrationEnabled: true,
	}

	res = &CameraResult{
		Orientation:    orientation,
		UnitsPerPixelX: geometry.NewLength(state.UnitsPerPixelX, start.Unit),
		UnitsPerPixelY: geometry.NewLength(state.UnitsPerPixelY, start.Unit),
		State:          state,
		Previous:       previous,
	}
	if pd := (o.Diameter + x.Diameter + y.Diameter) / 3; pd > 0 {
		res.FeatureDiameter = geometry.NewLength(pd*state.AverageUnitsPerPixel(), start.Unit)
		if !req.FeatureDiameter.IsZero() {
			log.WithFields(logrus.Fields{
				"known":    req.FeatureDiameter,
				"computed": res.FeatureDiameter,
			}).Info("compared subject diameter")
		}
	}

	cam.SetCalibrationState(state)
	log.WithFields(logrus.Fields{
		"orientation":    orientation,
		"unitsPerPixelX": state.UnitsPerPixelX,
		"unitsPerPixelY": state.UnitsPerPixelY,
	}).Info("camera calibrated")

	return res, nil
}
