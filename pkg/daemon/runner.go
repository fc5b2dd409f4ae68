package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/charlie0129/headcal/pkg/calibration"
	"github.com/charlie0129/headcal/pkg/calibrator"
	"github.com/charlie0129/headcal/pkg/events"
	"github.com/charlie0129/headcal/pkg/machine"
)

var ErrCalibrationInProgress = &calibrationError{"calibration already in progress"}
var ErrCalibrationNotRunning = &calibrationError{"calibration not running"}

type calibrationError struct{ msg string }

func (e *calibrationError) Error() string { return e.msg }

// job is one calibration procedure. It runs on the machine task queue and
// returns what to report on success.
type job func(ctx context.Context, progress calibrator.ProgressFunc) (result any, summary string, err error)

// runner owns the state of the current or last calibration run. At most one
// run is active; the task queue serializes its machine access with anything
// else.
type runner struct {
	queue *machine.TaskQueue
	hub   *events.EventHub

	mu     sync.Mutex
	state  calibration.State
	active bool
	cancel context.CancelFunc
	done   chan struct{}
}

func newRunner(queue *machine.TaskQueue, hub *events.EventHub) *runner {
	done := make(chan struct{})
	close(done)
	return &runner{
		queue: queue,
		hub:   hub,
		state: calibration.State{Phase: calibration.PhaseIdle},
		done:  done,
	}
}

// start launches fn in the background and returns once it is queued.
func (r *runner) start(proc calibration.Procedure, target string, fn job) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.active {
		return ErrCalibrationInProgress
	}

	ctx, cancel := context.WithCancel(context.Background())
	r.active = true
	r.cancel = cancel
	r.done = make(chan struct{})
	r.state = calibration.State{
		Procedure: proc,
		Phase:     calibration.PhaseIdle,
		Target:    target,
		StartedAt: time.Now(),
	}

	r.hub.Publish(events.CalibrationAction, events.CalibrationActionEvent{
		Action:  string(calibration.ActionStart),
		Message: fmt.Sprintf("Start %s calibration of %s", proc, target),
		Ts:      time.Now().Unix(),
	})

	go r.run(ctx, proc, target, fn, r.done)
	return nil
}

func (r *runner) run(ctx context.Context, proc calibration.Procedure, target string, fn job, done chan struct{}) {
	defer close(done)

	var (
		result  any
		summary string
	)
	err := r.queue.Submit(ctx, fmt.Sprintf("%s:%s", proc, target), func(ctx context.Context) error {
		var err error
		result, summary, err = fn(ctx, r.progress)
		return err
	})
	r.finish(proc, target, result, summary, err)
}

// progress merges a phase report from a procedure into the run state and
// publishes it when something changed.
func (r *runner) progress(st calibration.State) {
	r.mu.Lock()
	defer r.mu.Unlock()

	prev := r.state
	r.state.Phase = st.Phase
	r.state.Speed = st.Speed
	r.state.Pass = st.Pass
	if st.Target != "" {
		r.state.Target = st.Target
	}
	if prev.Phase == r.state.Phase && prev.Speed == r.state.Speed && prev.Pass == r.state.Pass && prev.Target == r.state.Target {
		return
	}

	r.hub.Publish(events.CalibrationPhase, events.CalibrationPhaseEvent{
		Procedure: string(r.state.Procedure),
		Target:    r.state.Target,
		From:      string(prev.Phase),
		To:        string(r.state.Phase),
		Speed:     r.state.Speed,
		Pass:      r.state.Pass,
		Ts:        time.Now().Unix(),
	})
	logrus.WithField("event", events.CalibrationPhase).Debug("new event")
}

func (r *runner) finish(proc calibration.Procedure, target string, result any, summary string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.active = false
	if r.cancel != nil {
		r.cancel()
		r.cancel = nil
	}

	log := logrus.WithFields(logrus.Fields{
		"procedure": proc,
		"target":    target,
		"duration":  time.Since(r.state.StartedAt).Round(time.Millisecond),
	})

	ev := events.CalibrationResultEvent{
		Procedure: string(proc),
		Target:    target,
		Success:   err == nil,
		Ts:        time.Now().Unix(),
	}

	switch {
	case err == nil:
		if r.state.Running() {
			r.state.Phase = calibration.PhaseIdle
		}
		r.state.LastError = ""
		r.state.LastResult = summary
		if b, merr := json.Marshal(result); merr == nil {
			ev.Result = b
		}
		log.Info(summary)
	case errors.Is(err, context.Canceled):
		r.state.Phase = calibration.PhaseIdle
		r.state.LastError = "calibration cancelled"
		ev.Error = r.state.LastError
		log.Info("calibration cancelled")
	default:
		r.state.Phase = calibration.PhaseFailed
		r.state.LastError = err.Error()
		ev.Error = err.Error()
		var ce *calibration.Error
		if errors.As(err, &ce) {
			ev.Hint = ce.UserHint()
		}
		log.WithError(err).Error("calibration failed")
	}
	r.state.Speed = 0
	r.state.Pass = 0

	r.hub.Publish(events.CalibrationResult, ev)
}

func (r *runner) cancelRun() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.active {
		return ErrCalibrationNotRunning
	}
	r.cancel()

	r.hub.Publish(events.CalibrationAction, events.CalibrationActionEvent{
		Action:  string(calibration.ActionCancel),
		Message: fmt.Sprintf("Calibration canceled at phase %s, restoring previous state", r.state.Phase),
		Ts:      time.Now().Unix(),
	})
	return nil
}

// wait returns a channel closed when the current run, if any, finished.
func (r *runner) wait() <-chan struct{} {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.done
}

func (r *runner) status() (calibration.State, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state, r.active
}
