package client

import "errors"

var (
	// ErrDaemonNotRunning is returned when the daemon is not running
	ErrDaemonNotRunning = errors.New("daemon not running")

	// ErrPermissionDenied is returned when the user does not have permission to perform the requested action
	ErrPermissionDenied = errors.New("permission denied")

	// ErrNotFound is returned when 404 is returned from the daemon
	ErrNotFound = errors.New("404 not found")

	// ErrCalibrationInProgress is returned when another calibration is running.
	ErrCalibrationInProgress = errors.New("a calibration is already in progress")

	// ErrPreconditionFailed is returned when an earlier calibration step is missing.
	ErrPreconditionFailed = errors.New("an earlier calibration step is missing")
)
