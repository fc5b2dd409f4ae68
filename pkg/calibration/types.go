package calibration

import (
	"time"

	"github.com/charlie0129/headcal/pkg/geometry"
)

// Procedure names a calibration procedure.
type Procedure string

const (
	ProcedureCamera   Procedure = "Camera"
	ProcedureFiducial Procedure = "Fiducial"
	ProcedureOffset   Procedure = "Offset"
	ProcedureBacklash Procedure = "Backlash"
)

// Phase defines the phases of a calibration run. The backlash procedure
// walks through all of them; the others go Idle -> Probing -> Idle|Failed.
type Phase string

const (
	PhaseIdle                Phase = "Idle"
	PhaseProbing             Phase = "Probing"
	PhaseConvergedAtSpeed    Phase = "ConvergedAtSpeed"
	PhaseOvershootAtSpeed    Phase = "OvershootAtSpeed"
	PhaseAggregating         Phase = "Aggregating"
	PhaseConsistent          Phase = "Consistent"
	PhasePartiallyConsistent Phase = "PartiallyConsistent"
	PhaseFailed              Phase = "Failed"
)

// Action defines user actions on calibration.
type Action string

const (
	ActionStart            Action = "Start"
	ActionCancel           Action = "Cancel"
	ActionCommit           Action = "Commit"
	ActionRollback         Action = "Rollback"
	ActionSchedule         Action = "Schedule"
	ActionScheduleDisable  Action = "ScheduleDisable"
	ActionSchedulePostpone Action = "SchedulePostpone"
	ActionScheduleSkip     Action = "ScheduleSkip"
	ActionScheduleUpcoming Action = "ScheduleUpcoming"
	ActionScheduleMissed   Action = "ScheduleMissed"
)

// CameraCalibrationState is the orientation and scale of a camera. Unit is
// the unit UnitsPerPixelX/Y are expressed in.
type CameraCalibrationState struct {
	FlipX              bool                `json:"flipX"`
	FlipY              bool                `json:"flipY"`
	RotationDegrees    float64             `json:"rotationDegrees"`
	UnitsPerPixelX     float64             `json:"unitsPerPixelX"`
	UnitsPerPixelY     float64             `json:"unitsPerPixelY"`
	Unit               geometry.LengthUnit `json:"unit"`
	CalibrationEnabled bool                `json:"calibrationEnabled"`
}

// IdentityCameraState measures raw sensor pixels: no flips, no rotation, one
// unit per pixel.
func IdentityCameraState(u geometry.LengthUnit) CameraCalibrationState {
	return CameraCalibrationState{
		UnitsPerPixelX: 1,
		UnitsPerPixelY: 1,
		Unit:           u,
	}
}

// BacklashMethod is how an axis compensates backlash.
type BacklashMethod string

const (
	BacklashNone                    BacklashMethod = "None"
	BacklashDirectionalCompensation BacklashMethod = "DirectionalCompensation"
	BacklashOneSidedPositioning     BacklashMethod = "OneSidedPositioning"
)

// AxisBacklashProfile is the backlash compensation of one axis. SpeedFactor
// is the fraction of the max feed rate the profile was found valid for.
type AxisBacklashProfile struct {
	Method      BacklashMethod  `json:"method"`
	Offset      geometry.Length `json:"offset"`
	SpeedFactor float64         `json:"speedFactor"`
}

// DefaultBacklashProfile is what a new axis starts with.
func DefaultBacklashProfile(u geometry.LengthUnit) AxisBacklashProfile {
	return AxisBacklashProfile{
		Method:      BacklashNone,
		Offset:      geometry.NewLength(0, u),
		SpeedFactor: 1,
	}
}

// FiducialLocation is the ground truth location of a reference marker and
// the diameter of the feature a detector should expect there.
type FiducialLocation struct {
	Location geometry.Location `json:"location"`
	Diameter geometry.Length   `json:"diameter"`
}

// State holds the runtime state of the current or last calibration run.
type State struct {
	Procedure Procedure `json:"procedure,omitempty"`
	Phase     Phase     `json:"phase"`
	Target    string    `json:"target,omitempty"` // head-mountable or axis being measured
	Speed     float64   `json:"speed,omitempty"`
	Pass      int       `json:"pass,omitempty"`
	StartedAt time.Time `json:"startedAt"`
	LastError string    `json:"lastError,omitempty"`
	// LastResult is a human readable summary of the last successful run.
	LastResult string `json:"lastResult,omitempty"`
}

// Running reports whether a procedure is in progress.
func (s State) Running() bool {
	switch s.Phase {
	case PhaseIdle, PhaseFailed, PhaseConsistent, PhasePartiallyConsistent:
		return false
	}
	return true
}

// Status is a synthesized view model returned by the daemon API.
type Status struct {
	State
	CanCancel   bool      `json:"canCancel"`
	NextStep    string    `json:"nextStep,omitempty"`
	ScheduledAt time.Time `json:"scheduledAt,omitempty"`
}
