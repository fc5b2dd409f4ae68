package daemon

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/charlie0129/headcal/pkg/calibration"
	"github.com/charlie0129/headcal/pkg/config"
	"github.com/charlie0129/headcal/pkg/events"
	"github.com/charlie0129/headcal/pkg/version"
	"github.com/charlie0129/headcal/pkg/workflow"
)

// statusOf maps an error to the HTTP status the API answers with.
func statusOf(err error) int {
	var re *requestError
	switch {
	case errors.As(err, &re):
		return re.status
	case errors.Is(err, ErrCalibrationInProgress):
		return http.StatusConflict
	case errors.Is(err, ErrCalibrationNotRunning):
		return http.StatusBadRequest
	case errors.Is(err, calibration.ErrPrecondition):
		return http.StatusPreconditionFailed
	}
	return http.StatusInternalServerError
}

func abort(c *gin.Context, err error) {
	status := statusOf(err)
	c.IndentedJSON(status, err.Error())
	_ = c.AbortWithError(status, err)
}

func (d *Daemon) getConfig(c *gin.Context) {
	fc, err := config.NewRawFileConfigFromConfig(d.conf)
	if err != nil {
		_ = c.AbortWithError(http.StatusInternalServerError, err)
		return
	}
	c.IndentedJSON(http.StatusOK, fc)
}

func getVersion(c *gin.Context) {
	c.IndentedJSON(http.StatusOK, version.Version)
}

func (d *Daemon) getTopology(c *gin.Context) {
	c.IndentedJSON(http.StatusOK, d.topology)
}

func (d *Daemon) getWorkflow(c *gin.Context) {
	c.IndentedJSON(http.StatusOK, workflow.Evaluate(d.workflowProgress()))
}

func (d *Daemon) calibrationStatus() calibration.Status {
	st, active := d.runner.status()
	next, running := d.scheduler.Status()
	if !running {
		next = time.Time{}
	}
	return calibration.Status{
		State:       st,
		CanCancel:   active,
		NextStep:    string(workflow.Next(d.workflowProgress())),
		ScheduledAt: next,
	}
}

func (d *Daemon) getCalibrationStatus(c *gin.Context) {
	c.IndentedJSON(http.StatusOK, d.calibrationStatus())
}

// bindAndStart decodes a start request and hands it to start.
func bindAndStart[T any](d *Daemon, c *gin.Context, start func(T) error) {
	var req T
	if err := c.BindJSON(&req); err != nil {
		c.IndentedJSON(http.StatusBadRequest, err.Error())
		_ = c.AbortWithError(http.StatusBadRequest, err)
		return
	}
	if err := start(req); err != nil {
		abort(c, err)
		return
	}
	c.IndentedJSON(http.StatusAccepted, d.calibrationStatus())
}

func (d *Daemon) postCameraCalibration(c *gin.Context) {
	bindAndStart(d, c, d.startCamera)
}

func (d *Daemon) postFiducial(c *gin.Context) {
	bindAndStart(d, c, d.startFiducial)
}

func (d *Daemon) postOffsetCalibration(c *gin.Context) {
	bindAndStart(d, c, d.startOffset)
}

func (d *Daemon) postBacklashCalibration(c *gin.Context) {
	bindAndStart(d, c, d.startBacklash)
}

func (d *Daemon) postCancel(c *gin.Context) {
	if err := d.runner.cancelRun(); err != nil {
		abort(c, err)
		return
	}
	c.IndentedJSON(http.StatusOK, "calibration cancelled, restoring previous state")
}

func (d *Daemon) getSchedule(c *gin.Context) {
	c.IndentedJSON(http.StatusOK, calibration.ScheduleResponse{
		Cron:     d.conf.Cron(),
		NextRuns: d.scheduler.NextRuns(3),
	})
}

func (d *Daemon) putSchedule(c *gin.Context) {
	var expr string
	if err := c.BindJSON(&expr); err != nil {
		c.IndentedJSON(http.StatusBadRequest, err.Error())
		_ = c.AbortWithError(http.StatusBadRequest, err)
		return
	}

	nextRuns, err := d.schedule(expr)
	if err != nil {
		abort(c, err)
		return
	}
	c.IndentedJSON(http.StatusOK, calibration.ScheduleResponse{Cron: expr, NextRuns: nextRuns})
}

func (d *Daemon) putSchedulePostpone(c *gin.Context) {
	var s string
	if err := c.BindJSON(&s); err != nil {
		c.IndentedJSON(http.StatusBadRequest, err.Error())
		_ = c.AbortWithError(http.StatusBadRequest, err)
		return
	}
	dur, err := time.ParseDuration(s)
	if err != nil {
		abort(c, badRequest("invalid duration %q: %v", s, err))
		return
	}
	if err := d.scheduler.Postpone(dur); err != nil {
		abort(c, badRequest("%v", err))
		return
	}

	d.hub.Publish(events.CalibrationAction, events.CalibrationActionEvent{
		Action:  string(calibration.ActionSchedulePostpone),
		Message: fmt.Sprintf("Backlash verification postponed for %s", dur),
		Ts:      time.Now().Unix(),
	})
	c.IndentedJSON(http.StatusOK, fmt.Sprintf("postponed by %s", dur))
}

func (d *Daemon) putScheduleSkip(c *gin.Context) {
	if err := d.scheduler.Skip(); err != nil {
		abort(c, badRequest("%v", err))
		return
	}

	d.hub.Publish(events.CalibrationAction, events.CalibrationActionEvent{
		Action:  string(calibration.ActionScheduleSkip),
		Message: "Next backlash verification skipped",
		Ts:      time.Now().Unix(),
	})
	c.IndentedJSON(http.StatusOK, "skipped the next verification")
}

// schedule sets the cron expression of the backlash verification and returns
// the next run times. An empty expression disables it.
func (d *Daemon) schedule(cronExpr string) ([]time.Time, error) {
	if cronExpr == "" {
		if d.conf.Cron() == "" {
			return nil, nil
		}

		d.conf.SetCron("")
		if err := d.conf.Save(); err != nil {
			logrus.WithError(err).Error("failed to save config")
			return nil, fmt.Errorf("failed to save config: %w", err)
		}
		d.scheduler.Disable()
		d.hub.Publish(events.CalibrationAction, events.CalibrationActionEvent{
			Action:  string(calibration.ActionScheduleDisable),
			Message: "Backlash verification schedule disabled",
			Ts:      time.Now().Unix(),
		})
		return nil, nil
	}

	sched, err := ParseCron(cronExpr)
	if err != nil {
		return nil, badRequest("invalid cron expression: %v", err)
	}

	prev := d.conf.Cron()
	d.conf.SetCron(cronExpr)
	if err := d.conf.Save(); err != nil {
		d.conf.SetCron(prev)
		logrus.WithError(err).Error("failed to save config")
		return nil, fmt.Errorf("failed to save config: %w", err)
	}

	if err := d.scheduler.Schedule(cronExpr); err != nil {
		return nil, err
	}

	nextRuns := []time.Time{}
	now := time.Now()
	for i := 0; i < 3; i++ {
		next := sched.Next(now)
		nextRuns = append(nextRuns, next)
		now = next
	}

	d.hub.Publish(events.CalibrationAction, events.CalibrationActionEvent{
		Action:  string(calibration.ActionSchedule),
		Message: fmt.Sprintf("Backlash verification scheduled at %s", nextRuns[0].Format("Jan _2 15:04")),
		Ts:      time.Now().Unix(),
	})

	return nextRuns, nil
}
