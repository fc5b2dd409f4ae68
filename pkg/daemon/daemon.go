package daemon

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	pkgerrors "github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/charlie0129/headcal/pkg/calibration"
	"github.com/charlie0129/headcal/pkg/config"
	"github.com/charlie0129/headcal/pkg/events"
	"github.com/charlie0129/headcal/pkg/machine"
	"github.com/charlie0129/headcal/pkg/sim"
)

const (
	queueBacklog    = 4
	shutdownTimeout = 10 * time.Second
)

// Daemon serves the calibration API for one machine.
type Daemon struct {
	conf      config.Config
	machine   machine.Machine
	topology  machine.Topology
	queue     *machine.TaskQueue
	hub       *events.EventHub
	runner    *runner
	scheduler *Scheduler
}

func New(conf config.Config, m machine.Machine) *Daemon {
	d := &Daemon{
		conf:     conf,
		machine:  m,
		topology: m.Topology(),
		queue:    machine.NewTaskQueue(queueBacklog),
		hub:      events.NewEventHub(),
	}
	d.runner = newRunner(d.queue, d.hub)
	d.scheduler = NewScheduler(d.verifyBacklash, d.onScheduleUpcoming, d.onScheduleError)
	return d
}

// Start applies the stored calibration to the machine and starts the task
// queue and the verification scheduler.
func (d *Daemon) Start() error {
	d.queue.Start()
	if err := d.applyConfig(context.Background()); err != nil {
		return err
	}
	if expr := d.conf.Cron(); expr != "" {
		if err := d.scheduler.Schedule(expr); err != nil {
			logrus.WithError(err).WithField("cron", expr).Error("invalid verification schedule in config, ignoring")
		}
	}
	d.scheduler.Start()
	return nil
}

// Stop cancels a running calibration, waits for it to roll back, then stops
// the queue and the scheduler.
func (d *Daemon) Stop() {
	if err := d.runner.cancelRun(); err == nil {
		logrus.Info("cancelling running calibration")
		select {
		case <-d.runner.wait():
		case <-time.After(shutdownTimeout):
			logrus.Warn("calibration did not finish rolling back in time")
		}
	}
	d.scheduler.Stop()
	d.queue.Stop()
}

// Reload re-reads the config and applies it.
func (d *Daemon) Reload() error {
	if err := d.conf.Load(); err != nil {
		return pkgerrors.Wrapf(err, "failed to reload config")
	}
	if err := d.applyConfig(context.Background()); err != nil {
		return err
	}
	if expr := d.conf.Cron(); expr != "" {
		return d.scheduler.Schedule(expr)
	}
	d.scheduler.Disable()
	return nil
}

// applyConfig pushes stored camera states, head offsets and axis profiles
// into the machine. It goes through the task queue so it never races a
// running calibration.
func (d *Daemon) applyConfig(ctx context.Context) error {
	return d.queue.Submit(ctx, "apply-config", func(context.Context) error {
		applied := 0
		cameras := append(append([]string{}, d.topology.HeadCameras...), d.topology.StationaryCameras...)
		for _, name := range cameras {
			cam, ok := d.machine.Camera(name)
			if !ok {
				continue
			}
			if st, ok := d.conf.CameraState(name); ok {
				cam.SetCalibrationState(st)
				applied++
			}
		}
		for _, name := range append(cameras, d.topology.Tools...) {
			hm, ok := d.machine.HeadMountable(name)
			if !ok {
				continue
			}
			if off, ok := d.conf.HeadOffset(name); ok {
				hm.SetHeadOffset(off)
				applied++
			}
		}
		for _, name := range d.topology.Axes {
			axis, ok := d.machine.ControllerAxis(name)
			if !ok {
				continue
			}
			if p, ok := d.conf.AxisProfile(name); ok {
				axis.SetBacklashProfile(p)
				applied++
			}
		}
		logrus.WithField("entries", applied).Debug("applied stored calibration to the machine")
		return nil
	})
}

func (d *Daemon) onScheduleUpcoming(runAt time.Time) {
	d.hub.Publish(events.ScheduleUpcoming, events.ScheduleUpcomingEvent{
		RunAt: runAt.Unix(),
		Ts:    time.Now().Unix(),
	})
	d.hub.Publish(events.CalibrationAction, events.CalibrationActionEvent{
		Action:  string(calibration.ActionScheduleUpcoming),
		Message: fmt.Sprintf("Backlash verification will move the machine at %s", runAt.Format("Jan _2 15:04")),
		Ts:      time.Now().Unix(),
	})
}

func (d *Daemon) onScheduleError(err error) {
	msg := "Scheduled backlash verification did not run: " + err.Error()
	if errors.Is(err, ErrCalibrationInProgress) {
		msg = "Scheduled backlash verification skipped, another calibration is running"
	}
	d.hub.Publish(events.CalibrationAction, events.CalibrationActionEvent{
		Action:  string(calibration.ActionScheduleMissed),
		Message: msg,
		Ts:      time.Now().Unix(),
	})
}

func (d *Daemon) setupRoutes() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(ginLogger(logrus.StandardLogger(), "/events", "/events/ws"))

	router.GET("/config", d.getConfig)
	router.GET("/version", getVersion)
	router.GET("/topology", d.getTopology)
	router.GET("/workflow", d.getWorkflow)

	cal := router.Group("/calibration")
	cal.POST("/camera", d.postCameraCalibration)
	cal.POST("/fiducial", d.postFiducial)
	cal.POST("/offset", d.postOffsetCalibration)
	cal.POST("/backlash", d.postBacklashCalibration)
	cal.POST("/cancel", d.postCancel)
	cal.GET("/status", d.getCalibrationStatus)

	router.GET("/schedule", d.getSchedule)
	router.PUT("/schedule", d.putSchedule)
	router.PUT("/schedule/postpone", d.putSchedulePostpone)
	router.PUT("/schedule/skip", d.putScheduleSkip)

	router.GET("/events", d.streamEvents)
	router.GET("/events/ws", d.websocketEvents)

	return router
}

// Run loads the config and the machine, then serves the API on a unix
// socket until SIGINT or SIGTERM.
func Run(configPath string, unixSocketPath string, allowNonRoot bool) error {
	conf, err := config.NewFile(configPath)
	if err != nil {
		return pkgerrors.Wrapf(err, "failed to parse config during startup")
	}
	logrus.WithFields(conf.LogrusFields()).Infof("config loaded")

	scenario := sim.DefaultScenario()
	if p := conf.ScenarioPath(); p != "" {
		scenario, err = sim.LoadScenario(p)
		if err != nil {
			return err
		}
	}
	m, err := sim.New(scenario)
	if err != nil {
		return pkgerrors.Wrapf(err, "failed to build machine")
	}
	logrus.WithField("topology", fmt.Sprintf("%+v", m.Topology())).Info("machine ready")

	d := New(conf, m)
	if err := d.Start(); err != nil {
		return err
	}

	// Receive SIGHUP to reload config
	go func() {
		sigc := make(chan os.Signal, 1)
		signal.Notify(sigc, syscall.SIGHUP)
		for range sigc {
			if err := d.Reload(); err != nil {
				logrus.Errorf("failed to reload config: %v", err)
				continue
			}
			logrus.Infof("config reloaded")
		}
	}()

	srv := &http.Server{
		Handler:           d.setupRoutes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	// A stale socket from a crashed daemon would make Listen fail.
	if err := os.Remove(unixSocketPath); err != nil && !os.IsNotExist(err) {
		return pkgerrors.Wrapf(err, "failed to remove stale socket %s", unixSocketPath)
	}
	l, err := net.Listen("unix", unixSocketPath)
	if err != nil {
		return pkgerrors.Wrapf(err, "failed to listen on %s", unixSocketPath)
	}

	if conf.AllowNonRootAccess() || allowNonRoot {
		logrus.Infof("non-root access is allowed, changing permissions of %s to 0777", unixSocketPath)
		if err := os.Chmod(unixSocketPath, 0777); err != nil {
			return err
		}
	}

	go func() {
		logrus.Infof("http server listening on %s", l.Addr().String())
		if err := srv.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logrus.Fatal(err)
		}
	}()

	// Handle common process-killing signals, so we can gracefully shut down:
	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigc
	logrus.Infof("caught signal \"%s\": shutting down.", sig)

	logrus.Info("shutting down http server")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	if err := srv.Shutdown(ctx); err != nil {
		logrus.Errorf("failed to shutdown http server: %v", err)
	}
	cancel()

	d.Stop()

	logrus.Info("exiting")
	return nil
}
