package calibrator

import (
	"context"
	"image"

	"github.com/pkg/errors"

	"github.com/charlie0129/headcal/pkg/calibration"
	"github.com/charlie0129/headcal/pkg/geometry"
	"github.com/charlie0129/headcal/pkg/machine"
)

// ProgressFunc receives state updates while a procedure runs. It is called
// on the calibration goroutine and must not block.
type ProgressFunc func(calibration.State)

func (p ProgressFunc) report(st calibration.State) {
	if p != nil {
		p(st)
	}
}

// pixelOffset returns the feature position relative to the image center,
// with Y pointing up.
func pixelOffset(img image.Image, f geometry.PixelFeature) (u, v float64) {
	b := img.Bounds()
	cx := float64(b.Min.X) + float64(b.Dx())/2
	cy := float64(b.Min.Y) + float64(b.Dy())/2
	return f.X - cx, -(f.Y - cy)
}

// featureLocation converts a detected feature into a physical location,
// using the camera's current calibration state and location.
func featureLocation(cam machine.Camera, img image.Image, f geometry.PixelFeature) geometry.Location {
	st := cam.CalibrationState()
	u, v := pixelOffset(img, f)
	dx, dy := st.PixelToUnits(u, v)
	camLoc := cam.Location()
	return camLoc.Add(geometry.Location{Unit: st.Unit, X: dx, Y: dy})
}

// diameterHint converts a physical diameter into the pixel hint a detector
// expects, zero when either is unknown.
func diameterHint(st calibration.CameraCalibrationState, d geometry.Length) float64 {
	upp := st.AverageUnitsPerPixel()
	if d.IsZero() || upp == 0 || !st.CalibrationEnabled {
		return 0
	}
	return d.ConvertToUnits(st.Unit).Value / upp
}

// detect captures a settled frame and runs the detector on it. Capture and
// detection problems are both reported as detection failures.
func detect(ctx context.Context, cam machine.Camera, det machine.FeatureDetector, hint, extra float64, op string) (image.Image, geometry.PixelFeature, error) {
	img, err := cam.CaptureSettled(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return nil, geometry.PixelFeature{}, errors.Wrapf(ctx.Err(), "capture cancelled while %s", op)
		}
		return nil, geometry.PixelFeature{}, calibration.Detection(op, errors.Wrapf(err, "failed to capture from camera %s", cam.Name()))
	}
	f, err := det.Detect(ctx, img, hint, extra)
	if err != nil {
		return nil, geometry.PixelFeature{}, calibration.Detection(op, err)
	}
	return img, f, nil
}

// move wraps motion errors into the calibration taxonomy.
func move(ctx context.Context, mc machine.MotionController, hm machine.HeadMountable, loc geometry.Location, speed float64, op string) error {
	if err := ctx.Err(); err != nil {
		return errors.Wrapf(err, "cancelled before %s", op)
	}
	if err := mc.MoveTo(ctx, hm, loc, speed); err != nil {
		if ctx.Err() != nil {
			return errors.Wrapf(ctx.Err(), "cancelled while %s", op)
		}
		return calibration.Motion(op, errors.Wrapf(err, "failed to move %s to %s", hm.Name(), loc))
	}
	return nil
}

func moveSafeZ(ctx context.Context, mc machine.MotionController, hm machine.HeadMountable, loc geometry.Location, op string) error {
	if err := ctx.Err(); err != nil {
		return errors.Wrapf(err, "cancelled before %s", op)
	}
	if err := mc.MoveToSafeZ(ctx, hm, loc); err != nil {
		if ctx.Err() != nil {
			return errors.Wrapf(ctx.Err(), "cancelled while %s", op)
		}
		return calibration.Motion(op, errors.Wrapf(err, "failed to move %s to %s at safe Z", hm.Name(), loc))
	}
	return nil
}
