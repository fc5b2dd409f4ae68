package daemon

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	pkgerrors "github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/charlie0129/headcal/pkg/calibration"
	"github.com/charlie0129/headcal/pkg/calibrator"
	"github.com/charlie0129/headcal/pkg/geometry"
	"github.com/charlie0129/headcal/pkg/machine"
	"github.com/charlie0129/headcal/pkg/workflow"
)

// requestError is a bad request from the API client, as opposed to a
// failure of the machine.
type requestError struct {
	status int
	msg    string
}

func (e *requestError) Error() string { return e.msg }

func badRequest(format string, args ...any) error {
	return &requestError{status: http.StatusBadRequest, msg: fmt.Sprintf(format, args...)}
}

func notFound(format string, args ...any) error {
	return &requestError{status: http.StatusNotFound, msg: fmt.Sprintf(format, args...)}
}

// workflowProgress derives what has been calibrated from the stored config.
func (d *Daemon) workflowProgress() workflow.Progress {
	var p workflow.Progress
	if head, ok := d.primaryCamera(); ok {
		st, ok := d.conf.CameraState(head)
		p.CameraCalibrated = ok && st.CalibrationEnabled
		_, p.CameraOffsetCalibrated = d.conf.HeadOffset(head)
	}
	for _, cam := range d.topology.StationaryCameras {
		if st, ok := d.conf.CameraState(cam); ok && st.CalibrationEnabled {
			p.StationaryCameraCalibrated = true
		}
	}
	p.FiducialLocated = d.conf.Fiducial() != nil
	p.ToolOffsetCalibrated = true
	for _, tool := range d.topology.Tools {
		if _, ok := d.conf.HeadOffset(tool); !ok {
			p.ToolOffsetCalibrated = false
		}
	}
	p.BacklashCalibrated = true
	for _, axis := range d.topology.Axes {
		if _, ok := d.conf.AxisProfile(axis); !ok {
			p.BacklashCalibrated = false
		}
	}
	return p
}

func (d *Daemon) gate(step workflow.Step) error {
	if ok, reason := workflow.Applicable(step, d.workflowProgress()); !ok {
		return calibration.Precondition("starting "+string(step), "%s", reason)
	}
	return nil
}

// primaryCamera is the head camera that defines the fiducial frame.
func (d *Daemon) primaryCamera() (string, bool) {
	if len(d.topology.HeadCameras) == 0 {
		return "", false
	}
	return d.topology.HeadCameras[0], true
}

func (d *Daemon) lookupCamera(name string) (machine.Camera, error) {
	if name == "" {
		head, ok := d.primaryCamera()
		if !ok {
			return nil, badRequest("the machine has no head camera, name a camera explicitly")
		}
		name = head
	}
	cam, ok := d.machine.Camera(name)
	if !ok {
		return nil, notFound("camera %s not found", name)
	}
	return cam, nil
}

func (d *Daemon) lookupMountable(name string) (machine.HeadMountable, error) {
	hm, ok := d.machine.HeadMountable(name)
	if !ok {
		return nil, notFound("head-mountable %s not found", name)
	}
	return hm, nil
}

func requireCalibrated(cam machine.Camera, op string) error {
	if !cam.CalibrationState().CalibrationEnabled {
		return calibration.Precondition(op, "camera %s is not calibrated", cam.Name())
	}
	return nil
}

func (d *Daemon) converger() *calibrator.FiducialConverger {
	opts := calibrator.DefaultConvergeOptions()
	opts.Passes = d.conf.ConvergePasses()
	return &calibrator.FiducialConverger{
		Motion:   d.machine,
		Detector: d.machine,
		Options:  opts,
	}
}

func (d *Daemon) backlashOptions() calibrator.BacklashOptions {
	s := d.conf.Backlash()
	opts := calibrator.BacklashOptions{
		Passes:       s.Passes,
		SpeedFactors: s.SpeedFactors,
		Damping:      s.Damping,
		SafetyFactor: s.SafetyFactor,
		Captures:     s.Captures,
	}
	if s.TestDistance > 0 {
		opts.TestDistance = geometry.NewLength(s.TestDistance, d.conf.Unit())
	}
	return opts
}

func (d *Daemon) save(what string, rollback func()) error {
	if err := d.conf.Save(); err != nil {
		rollback()
		return pkgerrors.Wrapf(err, "failed to save %s", what)
	}
	return nil
}

func (d *Daemon) startCamera(req calibration.StartCameraRequest) error {
	if err := d.gate(workflow.StepCameraCalibration); err != nil {
		return err
	}
	if req.Camera == "" {
		return badRequest("camera is required")
	}
	cam, err := d.lookupCamera(req.Camera)
	if err != nil {
		return err
	}
	stationary := d.topology.IsStationaryCamera(cam.Name())

	movable := req.Movable
	if movable == "" {
		movable = cam.Name()
		if stationary {
			if len(d.topology.Tools) == 0 {
				return badRequest("stationary camera %s needs a tool to look at", cam.Name())
			}
			movable = d.topology.Tools[0]
		}
	}
	hm, err := d.lookupMountable(movable)
	if err != nil {
		return err
	}
	isCamera := hm.Name() == cam.Name()
	switch {
	case stationary && isCamera:
		return badRequest("stationary camera %s cannot move itself", cam.Name())
	case !stationary && !isCamera:
		return badRequest("head camera %s can only be calibrated by moving itself", cam.Name())
	}
	if req.FeatureDiameter < 0 {
		return badRequest("feature diameter must not be negative")
	}

	return d.runner.start(calibration.ProcedureCamera, cam.Name(), func(ctx context.Context, progress calibrator.ProgressFunc) (any, string, error) {
		c := &calibrator.CameraCalibrator{
			Motion:   d.machine,
			Detector: d.machine,
			Options:  calibrator.DefaultCameraOptions(),
			Progress: progress,
		}
		res, err := c.Calibrate(ctx, calibrator.CameraRequest{
			Camera:          cam,
			Movable:         hm,
			MovableIsCamera: isCamera,
			FeatureDiameter: geometry.NewLength(req.FeatureDiameter, d.conf.Unit()),
		})
		if err != nil {
			return nil, "", err
		}

		stored, had := d.conf.CameraState(cam.Name())
		d.conf.SetCameraState(cam.Name(), res.State)
		if err := d.save("camera calibration", func() {
			cam.SetCalibrationState(res.Previous)
			if had {
				d.conf.SetCameraState(cam.Name(), stored)
			} else {
				d.conf.SetCameraState(cam.Name(), res.Previous)
			}
		}); err != nil {
			return nil, "", err
		}

		return res, fmt.Sprintf("camera %s calibrated: %s, %s x %s per pixel",
			cam.Name(), res.Orientation, res.UnitsPerPixelX, res.UnitsPerPixelY), nil
	})
}

func (d *Daemon) startFiducial(req calibration.StartFiducialRequest) error {
	if err := d.gate(workflow.StepFiducialLocation); err != nil {
		return err
	}
	if req.Location == nil && !req.Refine {
		return badRequest("location is required unless refining from the current camera position")
	}
	if req.Diameter < 0 {
		return badRequest("diameter must not be negative")
	}
	var start *geometry.Location
	if req.Location != nil {
		loc := *req.Location
		if loc.Unit == "" {
			loc.Unit = d.conf.Unit()
		}
		if _, err := geometry.ParseLengthUnit(string(loc.Unit)); err != nil {
			return badRequest("%v", err)
		}
		start = &loc
	}
	diameter := geometry.NewLength(req.Diameter, d.conf.Unit())

	var cam machine.Camera
	if req.Refine {
		var err error
		if cam, err = d.lookupCamera(req.Camera); err != nil {
			return err
		}
		if d.topology.IsStationaryCamera(cam.Name()) {
			return badRequest("the fiducial can only be refined with a head camera")
		}
		if err := requireCalibrated(cam, "refining the fiducial"); err != nil {
			return err
		}
	}

	return d.runner.start(calibration.ProcedureFiducial, "fiducial", func(ctx context.Context, progress calibrator.ProgressFunc) (any, string, error) {
		var loc geometry.Location
		if start != nil {
			loc = *start
		}
		if cam != nil {
			progress(calibration.State{Procedure: calibration.ProcedureFiducial, Phase: calibration.PhaseProbing, Target: cam.Name()})
			refined, err := d.converger().Converge(ctx, calibrator.ConvergeRequest{
				Camera:           cam,
				Movable:          cam,
				MovableIsCamera:  true,
				Start:            start,
				ExpectedDiameter: diameter,
			})
			if err != nil {
				return nil, "", err
			}
			loc = refined.WithRotation(0)
		}

		fid := &calibration.FiducialLocation{Location: loc, Diameter: diameter}
		previous := d.conf.Fiducial()
		d.conf.SetFiducial(fid)
		if err := d.save("fiducial", func() { d.conf.SetFiducial(previous) }); err != nil {
			return nil, "", err
		}
		return fid, fmt.Sprintf("fiducial set to %s", loc), nil
	})
}

func (d *Daemon) startOffset(req calibration.StartOffsetRequest) error {
	if req.Movable == "" {
		return badRequest("movable is required")
	}
	hm, err := d.lookupMountable(req.Movable)
	if err != nil {
		return err
	}
	if d.topology.IsStationaryCamera(hm.Name()) {
		return badRequest("stationary camera %s has no head offset", hm.Name())
	}

	var (
		cam         machine.Camera
		isCamera    bool
		groundTruth *calibration.FiducialLocation
		step        = workflow.StepToolOffset
	)
	if c, ok := d.machine.Camera(hm.Name()); ok {
		step = workflow.StepCameraOffset
		cam, isCamera = c, true
		if err := d.gate(step); err != nil {
			return err
		}
		groundTruth = d.conf.Fiducial()
	} else {
		if err := d.gate(step); err != nil {
			return err
		}
		name := req.Camera
		if name == "" {
			if len(d.topology.StationaryCameras) == 0 {
				return badRequest("tool offsets need a stationary camera")
			}
			name = d.topology.StationaryCameras[0]
		}
		if cam, err = d.lookupCamera(name); err != nil {
			return err
		}
		if !d.topology.IsStationaryCamera(cam.Name()) {
			return badRequest("tool %s must be calibrated over a stationary camera", hm.Name())
		}
		groundTruth = &calibration.FiducialLocation{Location: cam.Location()}
	}
	if err := requireCalibrated(cam, "calibrating head offset"); err != nil {
		return err
	}

	return d.runner.start(calibration.ProcedureOffset, hm.Name(), func(ctx context.Context, progress calibrator.ProgressFunc) (any, string, error) {
		r := &calibrator.OffsetResolver{
			Motion:    d.machine,
			Converger: d.converger(),
			Progress:  progress,
		}
		res, err := r.Resolve(ctx, calibrator.OffsetRequest{
			Camera:          cam,
			Movable:         hm,
			MovableIsCamera: isCamera,
			GroundTruth:     groundTruth,
		})
		if err != nil {
			return nil, "", err
		}

		stored, had := d.conf.HeadOffset(hm.Name())
		d.conf.SetHeadOffset(hm.Name(), res.Offset)
		if err := d.save("head offset", func() {
			hm.SetHeadOffset(res.Previous)
			if had {
				d.conf.SetHeadOffset(hm.Name(), stored)
			}
		}); err != nil {
			return nil, "", err
		}
		return res, fmt.Sprintf("head offset of %s set to %s", hm.Name(), res.Offset), nil
	})
}

// backlashPlan resolves a backlash request into its camera, movable, axes
// and ground truth.
type backlashPlan struct {
	camera   machine.Camera
	movable  machine.HeadMountable
	isCamera bool
	axes     []machine.Axis
	fiducial *calibration.FiducialLocation
}

func (d *Daemon) planBacklash(req calibration.StartBacklashRequest) (*backlashPlan, error) {
	if err := d.gate(workflow.StepBacklash); err != nil {
		return nil, err
	}
	p := &backlashPlan{}

	var err error
	if p.camera, err = d.lookupCamera(req.Camera); err != nil {
		return nil, err
	}
	if err := requireCalibrated(p.camera, "calibrating backlash"); err != nil {
		return nil, err
	}

	movable := req.Movable
	if movable == "" {
		movable = p.camera.Name()
	}
	if p.movable, err = d.lookupMountable(movable); err != nil {
		return nil, err
	}
	p.isCamera = p.movable.Name() == p.camera.Name()
	stationary := d.topology.IsStationaryCamera(p.camera.Name())
	switch {
	case p.isCamera && stationary:
		return nil, badRequest("stationary camera %s cannot move itself", p.camera.Name())
	case p.isCamera:
		p.fiducial = d.conf.Fiducial()
	case stationary:
		p.fiducial = &calibration.FiducialLocation{Location: p.camera.Location()}
	default:
		return nil, badRequest("head camera %s can only measure backlash by moving itself", p.camera.Name())
	}

	names := d.topology.Axes
	if req.Axis != "" {
		names = []string{req.Axis}
	}
	for _, name := range names {
		axis, ok := d.machine.ControllerAxis(name)
		if !ok {
			return nil, notFound("axis %s not found", name)
		}
		p.axes = append(p.axes, axis)
	}
	if len(p.axes) == 0 {
		return nil, badRequest("the machine has no axes")
	}
	return p, nil
}

func (d *Daemon) startBacklash(req calibration.StartBacklashRequest) error {
	p, err := d.planBacklash(req)
	if err != nil {
		return err
	}

	names := make([]string, 0, len(p.axes))
	for _, a := range p.axes {
		names = append(names, a.Name())
	}

	return d.runner.start(calibration.ProcedureBacklash, strings.Join(names, ","), func(ctx context.Context, progress calibrator.ProgressFunc) (any, string, error) {
		b := &calibrator.BacklashCalibrator{
			Motion:    d.machine,
			Transform: d.machine,
			Converger: d.converger(),
			Options:   d.backlashOptions(),
			Progress:  progress,
		}

		// Profiles are committed only once every axis is measured, so a
		// failure on any axis leaves the machine and config as they were.
		results := make([]*calibrator.BacklashResult, 0, len(p.axes))
		restore := func() {
			for i, res := range results {
				p.axes[i].SetBacklashProfile(res.Previous)
			}
		}
		for _, axis := range p.axes {
			res, err := b.Calibrate(ctx, calibrator.BacklashRequest{
				Camera:          p.camera,
				Movable:         p.movable,
				MovableIsCamera: p.isCamera,
				Axis:            axis,
				Fiducial:        p.fiducial,
			})
			if err != nil {
				if len(results) > 0 {
					logrus.WithFields(logrus.Fields{
						"axis":     axis.Name(),
						"restored": len(results),
					}).Warn("backlash calibration failed, restoring every axis")
				}
				restore()
				return nil, "", err
			}
			results = append(results, res)
		}

		type storedProfile struct {
			profile calibration.AxisBacklashProfile
			had     bool
		}
		stored := make(map[string]storedProfile, len(p.axes))
		summaries := make([]string, 0, len(p.axes))
		for i, res := range results {
			name := p.axes[i].Name()
			prev, had := d.conf.AxisProfile(name)
			stored[name] = storedProfile{prev, had}
			d.conf.SetAxisProfile(name, res.Profile)
			summaries = append(summaries, fmt.Sprintf("%s: %s %s at speed %.2f (%s)",
				name, res.Profile.Method, res.Profile.Offset, res.Profile.SpeedFactor, res.Phase))
		}
		if err := d.save("backlash profiles", func() {
			restore()
			for name, sp := range stored {
				if sp.had {
					d.conf.SetAxisProfile(name, sp.profile)
				} else {
					d.conf.DeleteAxisProfile(name)
				}
			}
		}); err != nil {
			return nil, "", err
		}
		return results, "backlash calibrated, " + strings.Join(summaries, "; "), nil
	})
}

// verifyBacklash is the scheduled task: recalibrate every axis with the
// head camera over the fiducial.
func (d *Daemon) verifyBacklash() error {
	logrus.Info("starting scheduled backlash verification")
	return d.startBacklash(calibration.StartBacklashRequest{})
}
