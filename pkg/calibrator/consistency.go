package calibrator

import (
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"github.com/charlie0129/headcal/pkg/calibration"
	"github.com/charlie0129/headcal/pkg/geometry"
)

// SpeedResult is the outcome of probing one speed factor.
type SpeedResult struct {
	Speed  float64         `json:"speed"`
	Offset geometry.Length `json:"offset"`
	// Error is the last signed direction-dependent error measured.
	Error     geometry.Length `json:"error"`
	Passes    int             `json:"passes"`
	Overshoot bool            `json:"overshoot"`
	// LatePassOvershoot is set when a pass after the first measured an
	// error at or below -tolerance. It does not abort the speed.
	LatePassOvershoot bool `json:"latePassOvershoot,omitempty"`
}

// Consistency summarizes how well the offsets agree across speeds.
type Consistency struct {
	// Count is the length of the run of speeds, from the lowest up, that
	// did not overshoot and stayed within tolerance of the first.
	Count int `json:"count"`
	// AvgOffset is the mean offset of that run.
	AvgOffset geometry.Length `json:"avgOffset"`
	// MaxOffset is the largest absolute offset of every measured speed,
	// overshooting ones included.
	MaxOffset geometry.Length `json:"maxOffset"`
}

// AnalyzeConsistency expects results in ascending speed order.
func AnalyzeConsistency(results []SpeedResult, tolerance geometry.Length) Consistency {
	var c Consistency
	if len(results) == 0 {
		return c
	}
	unit := results[0].Offset.Unit
	tol := tolerance.ConvertToUnits(unit).Value
	c.AvgOffset = geometry.NewLength(0, unit)
	c.MaxOffset = geometry.NewLength(0, unit)

	var run []float64
	for _, r := range results {
		if r.Overshoot {
			break
		}
		off := r.Offset.ConvertToUnits(unit).Value
		if len(run) > 0 && math.Abs(off-run[0]) >= tol {
			break
		}
		run = append(run, off)
	}
	c.Count = len(run)
	if c.Count > 0 {
		c.AvgOffset = geometry.NewLength(stat.Mean(run, nil), unit)
	}

	abs := make([]float64, len(results))
	for i, r := range results {
		abs[i] = math.Abs(r.Offset.ConvertToUnits(unit).Value)
	}
	c.MaxOffset = geometry.NewLength(floats.Max(abs), unit)
	return c
}

// SelectPolicy picks the compensation for an axis from the per-speed
// results. When not even the lowest speed was usable it returns an
// overshoot error and no profile.
func SelectPolicy(results []SpeedResult, c Consistency, tolerance geometry.Length, safetyFactor float64) (calibration.AxisBacklashProfile, calibration.Phase, error) {
	switch {
	case len(results) == 0 || c.Count == 0:
		return calibration.AxisBacklashProfile{}, calibration.PhaseFailed, &calibration.Error{
			Kind: calibration.KindOvershoot,
			Op:   "selecting a backlash policy",
			Err:  errOvershootAtLowest,
		}
	case c.Count == len(results):
		if c.AvgOffset.Abs().Compare(tolerance) < 0 {
			return calibration.AxisBacklashProfile{
				Method:      calibration.BacklashNone,
				Offset:      geometry.NewLength(0, c.AvgOffset.Unit),
				SpeedFactor: results[len(results)-1].Speed,
			}, calibration.PhaseConsistent, nil
		}
		return calibration.AxisBacklashProfile{
			Method:      calibration.BacklashDirectionalCompensation,
			Offset:      c.AvgOffset,
			SpeedFactor: results[len(results)-1].Speed,
		}, calibration.PhaseConsistent, nil
	default:
		return calibration.AxisBacklashProfile{
			Method:      calibration.BacklashOneSidedPositioning,
			Offset:      c.MaxOffset.Multiply(safetyFactor),
			SpeedFactor: results[c.Count-1].Speed,
		}, calibration.PhasePartiallyConsistent, nil
	}
}
