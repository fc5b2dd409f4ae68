package config

import (
	"github.com/sirupsen/logrus"

	"github.com/charlie0129/headcal/pkg/calibration"
	"github.com/charlie0129/headcal/pkg/geometry"
)

// Config is the persisted machine calibration and daemon settings.
type Config interface {
	Unit() geometry.LengthUnit
	ScenarioPath() string
	AllowNonRootAccess() bool
	Cron() string
	ConvergePasses() int
	Backlash() BacklashSettings

	// CameraState returns the stored calibration of a camera.
	CameraState(name string) (calibration.CameraCalibrationState, bool)
	HeadOffset(name string) (geometry.Location, bool)
	AxisProfile(name string) (calibration.AxisBacklashProfile, bool)
	// Fiducial is nil until a ground truth has been established.
	Fiducial() *calibration.FiducialLocation

	SetScenarioPath(string)
	SetAllowNonRootAccess(bool)
	SetCron(string)
	SetCameraState(name string, s calibration.CameraCalibrationState)
	SetHeadOffset(name string, l geometry.Location)
	SetAxisProfile(name string, p calibration.AxisBacklashProfile)
	DeleteAxisProfile(name string)
	SetFiducial(f *calibration.FiducialLocation)

	LogrusFields() logrus.Fields

	// Load reads the configuration from the source.
	Load() error
	// Save saves the configuration to the source.
	Save() error
}

// BacklashSettings are the tunables of the backlash calibration. Zero
// values mean "use the default".
type BacklashSettings struct {
	Passes       int       `json:"passes,omitempty"`
	SpeedFactors []float64 `json:"speedFactors,omitempty"`
	Damping      float64   `json:"damping,omitempty"`
	// TestDistance is in the configured unit.
	TestDistance float64 `json:"testDistance,omitempty"`
	SafetyFactor float64 `json:"safetyFactor,omitempty"`
	Captures     int     `json:"captures,omitempty"`
}
