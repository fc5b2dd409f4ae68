// Package machine declares the hardware-facing collaborators the calibration
// procedures drive: head-mountables, cameras, axes, motion, detection and
// kinematics. Real drivers and the simulator in pkg/sim implement them.
package machine

import (
	"context"
	"errors"
	"image"

	"github.com/charlie0129/headcal/pkg/calibration"
	"github.com/charlie0129/headcal/pkg/geometry"
)

// ErrFeatureNotFound is returned by a FeatureDetector that found nothing, or
// nothing unambiguous.
var ErrFeatureNotFound = errors.New("feature not found")

// HeadMountable is anything positioned by the motion system.
type HeadMountable interface {
	Name() string
	// Location is where the head-mountable is, as last commanded, with its
	// head offset applied.
	Location() geometry.Location
	HeadOffset() geometry.Location
	SetHeadOffset(geometry.Location)
}

// Camera is a head-mountable (or stationary) camera.
type Camera interface {
	HeadMountable
	// CaptureSettled waits for motion and vibration to decay and grabs a frame.
	CaptureSettled(ctx context.Context) (image.Image, error)
	CalibrationState() calibration.CameraCalibrationState
	SetCalibrationState(calibration.CameraCalibrationState)
}

// Axis is a controller axis that owns a backlash profile.
type Axis interface {
	Name() string
	Axis() geometry.Axis
	// Resolution is the smallest step the axis can position to.
	Resolution() geometry.Length
	BacklashProfile() calibration.AxisBacklashProfile
	SetBacklashProfile(calibration.AxisBacklashProfile)
}

// MotionController blocks until the motion and its settle time completed.
type MotionController interface {
	// MoveTo moves hm to loc. speed is a fraction of the max feed rate.
	MoveTo(ctx context.Context, hm HeadMountable, loc geometry.Location, speed float64) error
	// MoveToSafeZ raises to safe Z, moves over loc, then lowers onto it.
	MoveToSafeZ(ctx context.Context, hm HeadMountable, loc geometry.Location) error
}

// FeatureDetector finds one feature in an image. diameterHint is the
// expected diameter in pixels, zero when unknown. extraSearchRange widens the
// search, as a fraction of the image size.
type FeatureDetector interface {
	Detect(ctx context.Context, img image.Image, diameterHint float64, extraSearchRange float64) (geometry.PixelFeature, error)
}

// CoordinateTransform maps a logical location of hm to per-axis machine
// coordinates.
type CoordinateTransform interface {
	ToRaw(hm HeadMountable, loc geometry.Location) (map[geometry.Axis]float64, error)
}

// Topology names what a machine is built from. Every list is sorted.
type Topology struct {
	HeadCameras       []string `json:"headCameras"`
	StationaryCameras []string `json:"stationaryCameras"`
	Tools             []string `json:"tools"`
	Axes              []string `json:"axes"`
}

// IsStationaryCamera reports whether name is a camera fixed to the machine
// frame rather than carried by the head.
func (t Topology) IsStationaryCamera(name string) bool {
	for _, c := range t.StationaryCameras {
		if c == name {
			return true
		}
	}
	return false
}

// Machine bundles the collaborators a calibration needs.
type Machine interface {
	MotionController
	CoordinateTransform
	FeatureDetector

	Topology() Topology

	Camera(name string) (Camera, bool)
	HeadMountable(name string) (HeadMountable, bool)
	ControllerAxis(name string) (Axis, bool)
}
