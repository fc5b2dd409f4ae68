// Package calibration defines the types shared by the head calibration
// procedures, the daemon, the client and the CLI. It contains:
//
//   - CameraCalibrationState and AxisBacklashProfile: the persisted results
//     that a procedure snapshots before an attempt and restores on failure
//   - FiducialLocation: the ground truth the offset and backlash procedures
//     measure against
//   - Procedure, Phase and Status: the runtime view of a calibration run
//   - Error: the typed failure taxonomy every procedure reports
//
// These types are shared across packages to keep the JSON contracts between
// daemon and client consistent.
package calibration
