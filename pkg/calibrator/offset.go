package calibrator

import (
	"context"

	"github.com/sirupsen/logrus"

	"github.com/charlie0129/headcal/pkg/calibration"
	"github.com/charlie0129/headcal/pkg/geometry"
	"github.com/charlie0129/headcal/pkg/machine"
)

// OffsetRequest describes one head offset calibration.
type OffsetRequest struct {
	Camera machine.Camera
	// Movable is the head-mountable whose offset is calibrated. When it is
	// the camera, it converges on the fiducial; otherwise it carries the
	// feature over the stationary Camera.
	Movable         machine.HeadMountable
	MovableIsCamera bool
	// GroundTruth is where the feature really is: the fiducial for a
	// camera, the stationary camera's location for a tool.
	GroundTruth *calibration.FiducialLocation
}

// OffsetResult holds the new and previous head offset.
type OffsetResult struct {
	Offset   geometry.Location
	Previous geometry.Location
	Observed geometry.Location
}

// OffsetResolver derives the rigid offset of a head-mountable from a ground
// truth location.
type OffsetResolver struct {
	Motion    machine.MotionController
	Converger *FiducialConverger
	Progress  ProgressFunc
}

// Resolve zeroes the head offset, observes the feature, and writes
// groundTruth - observed as the new offset. The previous offset is restored
// on any failure.
func (r *OffsetResolver) Resolve(ctx context.Context, req OffsetRequest) (res *OffsetResult, err error) {
	if req.GroundTruth == nil {
		return nil, calibration.Precondition("calibrating head offset", "no fiducial ground truth has been established")
	}
	if req.Camera == nil || req.Movable == nil {
		return nil, calibration.Precondition("calibrating head offset", "camera and movable are required")
	}
	if !req.Camera.CalibrationState().CalibrationEnabled {
		return nil, calibration.Precondition("calibrating head offset", "camera %s is not calibrated", req.Camera.Name())
	}

	hm := req.Movable
	previous := hm.HeadOffset()
	truth := req.GroundTruth.Location

	log := logrus.WithFields(logrus.Fields{
		"operation": "offset-calibration",
		"movable":   hm.Name(),
		"camera":    req.Camera.Name(),
	})
	log.WithField("previousOffset", previous).Info("starting head offset calibration")

	r.Progress.report(calibration.State{
		Procedure: calibration.ProcedureOffset,
		Phase:     calibration.PhaseProbing,
		Target:    hm.Name(),
	})

	defer func() {
		if err != nil {
			hm.SetHeadOffset(previous)
			log.WithError(err).Warn("head offset calibration failed, restored previous offset")
		}
	}()

	hm.SetHeadOffset(geometry.Location{Unit: previous.Unit})

	observed, err := r.Converger.Converge(ctx, ConvergeRequest{
		Camera:           req.Camera,
		Movable:          hm,
		MovableIsCamera:  req.MovableIsCamera,
		Start:            &truth,
		ExpectedDiameter: req.GroundTruth.Diameter,
	})
	if err != nil {
		return nil, err
	}
	if !req.MovableIsCamera {
		observed = hm.Location()
	}

	offset := truth.Subtract(observed).WithRotation(0)
	if previous.Unit != "" {
		offset = offset.ConvertToUnits(previous.Unit)
	}
	hm.SetHeadOffset(offset)

	log.WithFields(logrus.Fields{
		"observed": observed,
		"offset":   offset,
	}).Info("head offset calibrated")

	return &OffsetResult{Offset: offset, Previous: previous, Observed: observed}, nil
}
