package calibrator

import (
	"errors"
	"testing"

	"github.com/charlie0129/headcal/pkg/calibration"
	"github.com/charlie0129/headcal/pkg/geometry"
)

func speeds(offsets ...float64) []SpeedResult {
	factors := []float64{0.25, 0.5, 0.75, 1}
	var out []SpeedResult
	for i, o := range offsets {
		out = append(out, SpeedResult{Speed: factors[i], Offset: geometry.NewLength(o, geometry.Millimeters)})
	}
	return out
}

func overshootAt(rs []SpeedResult, i int) []SpeedResult {
	rs[i].Overshoot = true
	return rs
}

func TestAnalyzeConsistency(t *testing.T) {
	tol := geometry.NewLength(0.02, geometry.Millimeters)
	tests := []struct {
		name      string
		results   []SpeedResult
		wantCount int
		wantAvg   float64
		wantMax   float64
	}{
		{"empty", nil, 0, 0, 0},
		{"all equal", speeds(0.05, 0.05, 0.05, 0.05), 4, 0.05, 0.05},
		{"within tolerance of the first", speeds(0.05, 0.06, 0.065, 0.04), 4, 0.05375, 0.065},
		{"breaks at the first outlier", speeds(0.05, 0.05, 0.15, 0.05), 2, 0.05, 0.15},
		{"overshoot at lowest", overshootAt(speeds(-0.05, 0.05, 0.05, 0.05), 0), 0, 0, 0.05},
		{"overshoot ends the run", overshootAt(speeds(0.05, 0.05, -0.09, 0.05), 2), 2, 0.05, 0.09},
		{"overshoot counts towards the maximum", overshootAt(speeds(0.05, 0.05, -0.2, 0.05), 2), 2, 0.05, 0.2},
		{"negative offsets use magnitude", speeds(-0.03, -0.03), 2, -0.03, 0.03},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := AnalyzeConsistency(tt.results, tol)
			if c.Count != tt.wantCount {
				t.Fatalf("Count = %d, want %d", c.Count, tt.wantCount)
			}
			assertNear(t, "AvgOffset", c.AvgOffset.Value, tt.wantAvg, 1e-12)
			assertNear(t, "MaxOffset", c.MaxOffset.Value, tt.wantMax, 1e-12)
		})
	}
}

func TestSelectPolicy(t *testing.T) {
	tol := geometry.NewLength(0.02, geometry.Millimeters)
	tests := []struct {
		name       string
		results    []SpeedResult
		wantMethod calibration.BacklashMethod
		wantOffset float64
		wantSpeed  float64
		wantPhase  calibration.Phase
	}{
		{"consistent and small", speeds(0.01, 0.01, 0.01, 0.01), calibration.BacklashNone, 0, 1, calibration.PhaseConsistent},
		{"consistent", speeds(0.05, 0.05, 0.05, 0.05), calibration.BacklashDirectionalCompensation, 0.05, 1, calibration.PhaseConsistent},
		{"partially consistent", speeds(0.05, 0.05, 0.15, 0.15), calibration.BacklashOneSidedPositioning, 0.165, 0.5, calibration.PhasePartiallyConsistent},
		{"only lowest usable", speeds(0.05, 0.2), calibration.BacklashOneSidedPositioning, 0.22, 0.25, calibration.PhasePartiallyConsistent},
		{"mid-set overshoot sizes the safety offset", overshootAt(speeds(0.05, 0.05, -0.2, 0.05), 2), calibration.BacklashOneSidedPositioning, 0.22, 0.5, calibration.PhasePartiallyConsistent},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := AnalyzeConsistency(tt.results, tol)
			p, phase, err := SelectPolicy(tt.results, c, tol, 1.1)
			if err != nil {
				t.Fatalf("SelectPolicy returned error: %v", err)
			}
			if p.Method != tt.wantMethod {
				t.Fatalf("method = %v, want %v", p.Method, tt.wantMethod)
			}
			if phase != tt.wantPhase {
				t.Fatalf("phase = %v, want %v", phase, tt.wantPhase)
			}
			assertNear(t, "offset", p.Offset.Value, tt.wantOffset, 1e-12)
			assertNear(t, "speed factor", p.SpeedFactor, tt.wantSpeed, 0)
		})
	}
}

func TestSelectPolicyOvershootAtLowest(t *testing.T) {
	tol := geometry.NewLength(0.02, geometry.Millimeters)
	rs := speeds(-0.05, 0.05)
	rs[0].Overshoot = true
	_, phase, err := SelectPolicy(rs, AnalyzeConsistency(rs, tol), tol, 1.1)
	if !errors.Is(err, calibration.ErrOvershoot) {
		t.Fatalf("expected an overshoot failure, got %v", err)
	}
	if phase != calibration.PhaseFailed {
		t.Fatalf("phase = %v, want %v", phase, calibration.PhaseFailed)
	}
}
