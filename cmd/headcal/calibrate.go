package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/charlie0129/headcal/pkg/calibration"
	"github.com/charlie0129/headcal/pkg/events"
	"github.com/charlie0129/headcal/pkg/geometry"
)

func NewCalibrateCommand() *cobra.Command {
	var wait bool

	cmd := &cobra.Command{
		Use:     "calibrate",
		Aliases: []string{"calibration", "cali"},
		Short:   "Run calibration procedures",
		Long: `Run the calibration procedures, in order:

  camera    scale and orientation of a camera, from nothing
  fiducial  the fiducial location every later step measures against
  offset    head offset of a camera or tool
  backlash  backlash compensation of one or every axis

Each procedure runs in the daemon. Pass --wait to follow it until it finishes.`,
		GroupID: gCalibration,
	}
	cmd.PersistentFlags().BoolVarP(&wait, "wait", "w", false, "follow the procedure until it finishes")

	start := func(cmd *cobra.Command, what string, fn func() (*calibration.Status, error)) error {
		if !wait {
			if _, err := fn(); err != nil {
				return fmt.Errorf("failed to start %s: %w", what, err)
			}
			cmd.Printf("%s started. Follow it with 'headcal calibrate status' or 'headcal events'.\n", what)
			return nil
		}
		return followRun(cmd, what, fn)
	}

	cameraCmd := newCalibrateCameraCommand(start)
	fiducialCmd := newCalibrateFiducialCommand(start)
	offsetCmd := newCalibrateOffsetCommand(start)
	backlashCmd := newCalibrateBacklashCommand(start)

	cancelCmd := &cobra.Command{
		Use:   "cancel",
		Short: "Cancel the running procedure",
		Long:  "Cancel the running procedure. Nothing it measured is stored.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if _, err := apiClient.CancelCalibration(); err != nil {
				return fmt.Errorf("failed to cancel calibration: %w", err)
			}
			cmd.Println("Calibration cancelled.")
			return nil
		},
	}

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show the running or last procedure",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			st, err := apiClient.GetCalibrationStatus()
			if err != nil {
				return fmt.Errorf("failed to fetch calibration status: %w", err)
			}
			printCalibrationStatus(st)
			return nil
		},
	}

	cmd.AddCommand(cameraCmd, fiducialCmd, offsetCmd, backlashCmd, cancelCmd, statusCmd)
	return cmd
}

type startFunc func(cmd *cobra.Command, what string, fn func() (*calibration.Status, error)) error

func newCalibrateCameraCommand(start startFunc) *cobra.Command {
	var req calibration.StartCameraRequest

	cmd := &cobra.Command{
		Use:   "camera [camera]",
		Short: "Calibrate a camera with no prior knowledge of it",
		Long: `Calibrate the scale and orientation of a camera with no prior knowledge of it.

A head camera moves itself over any feature it can see. A stationary camera
watches a tool nozzle move above it. Defaults to the primary head camera.`,
		Example: `  headcal calibrate camera
  headcal calibrate camera Bottom --movable N1 --feature-diameter 1.5`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) > 0 {
				req.Camera = args[0]
			}
			if req.FeatureDiameter < 0 {
				return fmt.Errorf("feature diameter must not be negative")
			}
			return start(cmd, "camera calibration", func() (*calibration.Status, error) {
				return apiClient.StartCameraCalibration(req)
			})
		},
	}

	f := cmd.Flags()
	f.StringVar(&req.Movable, "movable", "", "head-mountable that moves during calibration")
	f.Float64Var(&req.FeatureDiameter, "feature-diameter", 0, "known diameter of the subject, in the configured unit")

	return cmd
}

func newCalibrateFiducialCommand(start startFunc) *cobra.Command {
	var (
		req  calibration.StartFiducialRequest
		unit string
	)

	cmd := &cobra.Command{
		Use:   "fiducial [x y [z]]",
		Short: "Set the fiducial location",
		Long: `Set the fiducial location used as ground truth by the offset and backlash
procedures. With --refine the head camera converges on the fiducial starting
from the given rough location, or from where the camera is now when no
location is given.`,
		Example: `  headcal calibrate fiducial 100 50 --diameter 1
  headcal calibrate fiducial 100 50 -10 --refine
  headcal calibrate fiducial --refine`,
		Args: cobra.MaximumNArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 {
				if !req.Refine {
					return fmt.Errorf("a location is required unless --refine is set")
				}
				return start(cmd, "fiducial location", func() (*calibration.Status, error) {
					return apiClient.SetFiducial(req)
				})
			}
			if len(args) < 2 {
				return fmt.Errorf("both x and y are required")
			}
			u, err := geometry.ParseLengthUnit(unit)
			if err != nil {
				return err
			}
			var coords [3]float64
			for i, a := range args {
				v, err := strconv.ParseFloat(a, 64)
				if err != nil {
					return fmt.Errorf("invalid coordinate %q: %w", a, err)
				}
				coords[i] = v
			}
			loc := geometry.NewLocation(u, coords[0], coords[1], coords[2], 0)
			req.Location = &loc
			return start(cmd, "fiducial location", func() (*calibration.Status, error) {
				return apiClient.SetFiducial(req)
			})
		},
	}

	f := cmd.Flags()
	f.Float64Var(&req.Diameter, "diameter", 0, "fiducial diameter, in the configured unit")
	f.BoolVar(&req.Refine, "refine", false, "refine the location with the head camera")
	f.StringVar(&req.Camera, "camera", "", "head camera used with --refine")
	f.StringVar(&unit, "unit", "mm", "unit of the coordinates (mm, cm, m, in, um)")

	return cmd
}

func newCalibrateOffsetCommand(start startFunc) *cobra.Command {
	var req calibration.StartOffsetRequest

	cmd := &cobra.Command{
		Use:   "offset <movable>",
		Short: "Calibrate the head offset of a camera or tool",
		Long: `Calibrate the head offset of a head camera against the fiducial, or of a
tool against a stationary camera.`,
		Example: `  headcal calibrate offset Top
  headcal calibrate offset N1 --camera Bottom`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req.Movable = args[0]
			return start(cmd, "offset calibration", func() (*calibration.Status, error) {
				return apiClient.StartOffsetCalibration(req)
			})
		},
	}

	cmd.Flags().StringVar(&req.Camera, "camera", "", "camera that observes the movable")

	return cmd
}

func newCalibrateBacklashCommand(start startFunc) *cobra.Command {
	var req calibration.StartBacklashRequest

	cmd := &cobra.Command{
		Use:   "backlash [axis]",
		Short: "Calibrate backlash compensation",
		Long:  "Calibrate backlash compensation for one axis, or for every axis when none is given.",
		Example: `  headcal calibrate backlash
  headcal calibrate backlash x`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) > 0 {
				if _, err := geometry.ParseAxis(args[0]); err != nil {
					return err
				}
				req.Axis = args[0]
			}
			return start(cmd, "backlash calibration", func() (*calibration.Status, error) {
				return apiClient.StartBacklashCalibration(req)
			})
		},
	}

	f := cmd.Flags()
	f.StringVar(&req.Camera, "camera", "", "camera that observes the movable")
	f.StringVar(&req.Movable, "movable", "", "head-mountable that moves during calibration")

	return cmd
}

// followRun subscribes to the event stream before starting the procedure so
// no phase change is missed, then prints events until its result arrives.
func followRun(cmd *cobra.Command, what string, fn func() (*calibration.Status, error)) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	type outcome struct {
		err error
		res *events.CalibrationResultEvent
	}
	ready := make(chan struct{})
	done := make(chan outcome, 2)
	var (
		mu        sync.Mutex
		procedure calibration.Procedure
	)

	go func() {
		first := true
		err := apiClient.FollowEvents(ctx, func(ev events.Event) bool {
			if first {
				first = false
				close(ready)
			}
			switch ev.Name {
			case events.CalibrationPhase:
				p, err := events.DecodeAs[events.CalibrationPhaseEvent](ev)
				if err == nil {
					printPhase(cmd, p)
				}
			case events.CalibrationResult:
				r, err := events.DecodeAs[events.CalibrationResultEvent](ev)
				if err != nil {
					done <- outcome{err: err}
					return false
				}
				mu.Lock()
				want := procedure
				mu.Unlock()
				if want == "" || r.Procedure == string(want) {
					done <- outcome{res: &r}
					return false
				}
			}
			return true
		})
		if first {
			close(ready)
		}
		done <- outcome{err: err}
	}()

	// The stream has nothing to say until something happens, so give the
	// handshake a moment instead of waiting for the first event.
	select {
	case <-ready:
	case <-time.After(500 * time.Millisecond):
	}

	st, err := fn()
	if err != nil {
		return fmt.Errorf("failed to start %s: %w", what, err)
	}
	mu.Lock()
	procedure = st.Procedure
	mu.Unlock()
	cmd.Printf("%s started.\n", what)

	select {
	case <-ctx.Done():
		cmd.Println("\nStopped following. The procedure keeps running; cancel it with 'headcal calibrate cancel'.")
		return nil
	case o := <-done:
		if o.err != nil {
			return o.err
		}
		if o.res == nil {
			return fmt.Errorf("event stream ended before %s finished", what)
		}
		return printResult(cmd, o.res)
	}
}

func printPhase(cmd *cobra.Command, p events.CalibrationPhaseEvent) {
	line := fmt.Sprintf("  %s", color.New(color.Bold).Sprint(p.To))
	if p.Target != "" {
		line += fmt.Sprintf(" [%s]", p.Target)
	}
	if p.Speed > 0 {
		line += fmt.Sprintf(" speed=%.2f", p.Speed)
	}
	if p.Pass > 0 {
		line += fmt.Sprintf(" pass=%d", p.Pass)
	}
	cmd.Println(line)
}

func printResult(cmd *cobra.Command, r *events.CalibrationResultEvent) error {
	if !r.Success {
		cmd.Printf("%s %s failed: %s\n", color.RedString("✘"), r.Procedure, r.Error)
		if r.Hint != "" {
			cmd.Printf("  %s\n", r.Hint)
		}
		return fmt.Errorf("%s calibration failed", strings.ToLower(r.Procedure))
	}
	cmd.Printf("%s %s finished", color.GreenString("✔"), r.Procedure)
	if r.Target != "" {
		cmd.Printf(" [%s]", r.Target)
	}
	cmd.Println()
	if len(r.Result) > 0 {
		cmd.Printf("  %s\n", string(r.Result))
	}
	return nil
}

func printCalibrationStatus(st *calibration.Status) {
	bold := func(format string, a ...interface{}) string { return color.New(color.Bold).Sprintf(format, a...) }
	procedure := string(st.Procedure)
	if procedure == "" {
		procedure = "none"
	}
	fmt.Printf("Procedure: %s\n", bold(procedure))
	phase := bold(string(st.Phase))
	if st.Phase == calibration.PhaseFailed {
		phase = color.New(color.Bold, color.FgRed).Sprint(st.Phase)
	}
	fmt.Printf("Phase: %s\n", phase)
	if st.Target != "" {
		fmt.Printf("Target: %s\n", st.Target)
	}
	if st.Speed > 0 {
		fmt.Printf("Speed: %s\n", bold("%.2f", st.Speed))
	}
	if st.Pass > 0 {
		fmt.Printf("Pass: %d\n", st.Pass)
	}
	if !st.StartedAt.IsZero() {
		fmt.Printf("Started: %s (%s ago)\n", st.StartedAt.Format(time.RFC3339), time.Since(st.StartedAt).Round(time.Second))
	}
	fmt.Printf("Can Cancel: %v\n", st.CanCancel)
	if st.LastResult != "" {
		fmt.Printf("Last Result: %s\n", st.LastResult)
	}
	if st.LastError != "" {
		fmt.Printf("Last Error: %s\n", color.RedString(st.LastError))
	}
	if st.NextStep != "" {
		fmt.Printf("Next Step: %s\n", bold(st.NextStep))
	}
	if !st.ScheduledAt.IsZero() {
		fmt.Printf("Next Verification: %s\n", st.ScheduledAt.Local().Format(time.DateTime))
	}
}
