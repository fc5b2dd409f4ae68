package calibration

import (
	"time"

	"github.com/charlie0129/headcal/pkg/geometry"
)

// StartCameraRequest starts a zero-knowledge camera calibration. Movable
// defaults to the camera itself for a head camera and to the first tool for
// a stationary one.
type StartCameraRequest struct {
	Camera  string `json:"camera"`
	Movable string `json:"movable,omitempty"`
	// FeatureDiameter is the known subject diameter in the configured unit.
	FeatureDiameter float64 `json:"featureDiameter,omitempty"`
}

// StartFiducialRequest records the fiducial ground truth. With Refine the
// rough Location is refined by converging the head camera on it.
type StartFiducialRequest struct {
	Location *geometry.Location `json:"location,omitempty"`
	Diameter float64            `json:"diameter,omitempty"`
	Camera   string             `json:"camera,omitempty"`
	Refine   bool               `json:"refine,omitempty"`
}

type StartOffsetRequest struct {
	Camera  string `json:"camera,omitempty"`
	Movable string `json:"movable"`
}

// StartBacklashRequest calibrates one axis, or every axis when Axis is
// empty.
type StartBacklashRequest struct {
	Camera  string `json:"camera,omitempty"`
	Movable string `json:"movable,omitempty"`
	Axis    string `json:"axis,omitempty"`
}

// ScheduleResponse is the verification schedule and its next runs.
type ScheduleResponse struct {
	Cron     string      `json:"cron"`
	NextRuns []time.Time `json:"nextRuns,omitempty"`
}
