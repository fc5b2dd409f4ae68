// Package workflow decides which calibration step may run next. Steps build
// on each other: nothing can be measured before the head camera knows its
// scale, and offsets and backlash need a fiducial ground truth.
package workflow

// Step is one calibration step, in the order an operator runs them.
type Step string

const (
	StepCameraCalibration Step = "CameraCalibration"
	StepFiducialLocation  Step = "FiducialLocation"
	StepCameraOffset      Step = "CameraOffset"
	StepToolOffset        Step = "ToolOffset"
	StepBacklash          Step = "Backlash"
	// StepDone means every step has been completed.
	StepDone Step = "Done"
)

// Steps lists every step in order.
var Steps = []Step{
	StepCameraCalibration,
	StepFiducialLocation,
	StepCameraOffset,
	StepToolOffset,
	StepBacklash,
}

// Progress is what has been calibrated so far.
type Progress struct {
	CameraCalibrated bool `json:"cameraCalibrated"`
	// StationaryCameraCalibrated is set once any stationary camera knows
	// its scale. Tool offsets are measured over it.
	StationaryCameraCalibrated bool `json:"stationaryCameraCalibrated"`
	FiducialLocated            bool `json:"fiducialLocated"`
	CameraOffsetCalibrated     bool `json:"cameraOffsetCalibrated"`
	ToolOffsetCalibrated       bool `json:"toolOffsetCalibrated"`
	BacklashCalibrated         bool `json:"backlashCalibrated"`
}

// Applicable reports whether step can run given p, and when it cannot, the
// missing prerequisite.
func Applicable(step Step, p Progress) (bool, string) {
	switch step {
	case StepCameraCalibration:
		return true, ""
	case StepFiducialLocation:
		if !p.CameraCalibrated {
			return false, "the head camera is not calibrated"
		}
		return true, ""
	case StepToolOffset:
		if !p.StationaryCameraCalibrated {
			return false, "no stationary camera is calibrated"
		}
		return true, ""
	case StepCameraOffset, StepBacklash:
		if !p.CameraCalibrated {
			return false, "the head camera is not calibrated"
		}
		if !p.FiducialLocated {
			return false, "no fiducial ground truth has been established"
		}
		return true, ""
	}
	return false, "unknown step " + string(step)
}

// Done reports whether step has been completed.
func Done(step Step, p Progress) bool {
	switch step {
	case StepCameraCalibration:
		return p.CameraCalibrated
	case StepFiducialLocation:
		return p.FiducialLocated
	case StepCameraOffset:
		return p.CameraOffsetCalibrated
	case StepToolOffset:
		return p.ToolOffsetCalibrated
	case StepBacklash:
		return p.BacklashCalibrated
	}
	return false
}

// Next returns the first step that is not done yet, or StepDone.
func Next(p Progress) Step {
	for _, s := range Steps {
		if !Done(s, p) {
			return s
		}
	}
	return StepDone
}

// StepStatus is one row of Status.
type StepStatus struct {
	Step       Step   `json:"step"`
	Done       bool   `json:"done"`
	Applicable bool   `json:"applicable"`
	Reason     string `json:"reason,omitempty"`
}

// Status is the whole workflow as shown to an operator.
type Status struct {
	Next     Step         `json:"next"`
	Progress Progress     `json:"progress"`
	Steps    []StepStatus `json:"steps"`
}

func Evaluate(p Progress) Status {
	st := Status{Next: Next(p), Progress: p}
	for _, s := range Steps {
		ok, reason := Applicable(s, p)
		st.Steps = append(st.Steps, StepStatus{Step: s, Done: Done(s, p), Applicable: ok, Reason: reason})
	}
	return st
}
