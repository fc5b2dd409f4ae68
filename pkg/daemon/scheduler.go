package daemon

import (
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
)

// defaultLead is how long before a verification operators are warned that
// the machine will move.
const defaultLead = 5 * time.Minute

var cronParser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// ParseCron validates a cron expression the way the scheduler reads it.
func ParseCron(expr string) (cron.Schedule, error) {
	return cronParser.Parse(expr)
}

// ScheduledTask starts a verification. It must not block on motion: the run
// itself goes through the calibration runner, which reports its result.
type ScheduledTask func() error

// Scheduler starts the backlash verification on a cron schedule. Each due
// time is tried once: if the task refuses to start, because a calibration is
// already running or the workflow is not that far yet, the run is dropped
// and OnError is told why.
type Scheduler struct {
	Task       ScheduledTask
	OnUpcoming func(runAt time.Time)
	OnError    func(err error)
	Lead       time.Duration

	mu       sync.Mutex
	running  bool
	schedule cron.Schedule
	nextRun  time.Time
	// postponedTo overrides nextRun for one run.
	postponedTo time.Time
	// warned is set once OnUpcoming fired for the current due time.
	warned bool

	wake   chan struct{}
	stopCh chan struct{}
}

func NewScheduler(task ScheduledTask, onUpcoming func(time.Time), onError func(error)) *Scheduler {
	if task == nil {
		panic("task function cannot be nil")
	}
	return &Scheduler{
		Task:       task,
		OnUpcoming: onUpcoming,
		OnError:    onError,
		Lead:       defaultLead,
		wake:       make(chan struct{}, 1),
		stopCh:     make(chan struct{}),
	}
}

func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	s.running = true
	go s.loop()
}

func (s *Scheduler) Stop() {
	select {
	case <-s.stopCh:
	default:
		close(s.stopCh)
	}
}

// Schedule replaces the schedule. The next run is computed from now.
func (s *Scheduler) Schedule(cronExpr string) error {
	sh, err := ParseCron(cronExpr)
	if err != nil {
		return err
	}
	s.update(func() {
		s.schedule = sh
		s.nextRun = sh.Next(time.Now())
	})
	return nil
}

// Disable clears the schedule. The scheduler keeps running and can be given
// a new schedule later.
func (s *Scheduler) Disable() {
	s.update(func() {
		s.schedule = nil
		s.nextRun = time.Time{}
	})
}

// Postpone moves the next run by d. It may not reach the run after it.
func (s *Scheduler) Postpone(d time.Duration) error {
	if d <= 0 {
		return fmt.Errorf("postpone duration must be positive")
	}
	s.mu.Lock()
	if s.schedule == nil {
		s.mu.Unlock()
		return fmt.Errorf("no active schedule to postpone")
	}
	to := s.dueLocked().Add(d)
	if !to.Before(s.schedule.Next(s.nextRun)) {
		s.mu.Unlock()
		return fmt.Errorf("postponing by %s would overlap the following run", d)
	}
	s.mu.Unlock()

	s.update(func() { s.postponedTo = to })
	return nil
}

// Skip drops the next run.
func (s *Scheduler) Skip() error {
	s.mu.Lock()
	active := s.schedule != nil
	s.mu.Unlock()
	if !active {
		return fmt.Errorf("no active schedule to skip")
	}
	s.update(func() { s.nextRun = s.schedule.Next(s.nextRun) })
	return nil
}

// Status returns the next due time, zero without a schedule.
func (s *Scheduler) Status() (nextRun time.Time, running bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dueLocked(), s.running
}

// NextRuns returns up to n upcoming runs, starting with the next one.
func (s *Scheduler) NextRuns(n int) []time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.schedule == nil || n <= 0 {
		return nil
	}
	runs := []time.Time{s.dueLocked()}
	for next := s.nextRun; len(runs) < n; {
		next = s.schedule.Next(next)
		runs = append(runs, next)
	}
	return runs
}

// update changes the schedule under the lock, forgets any postponement or
// warning tied to the old due time and wakes the loop.
func (s *Scheduler) update(fn func()) {
	s.mu.Lock()
	s.postponedTo = time.Time{}
	s.warned = false
	fn()
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Scheduler) dueLocked() time.Time {
	if s.schedule == nil {
		return time.Time{}
	}
	if !s.postponedTo.IsZero() {
		return s.postponedTo
	}
	return s.nextRun
}

func (s *Scheduler) loop() {
	logrus.Debug("verification scheduler started")
	defer func() {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
		logrus.Debug("verification scheduler stopped")
	}()

	for {
		s.mu.Lock()
		due, warn := s.dueLocked(), !s.warned
		s.mu.Unlock()

		var at time.Time
		switch {
		case due.IsZero():
		case warn:
			at = due.Add(-s.Lead)
		default:
			at = due
		}

		var (
			t     *time.Timer
			timer <-chan time.Time
		)
		if !at.IsZero() {
			t = time.NewTimer(max(time.Until(at), 0))
			timer = t.C
		}

		fired := false
		select {
		case <-s.stopCh:
		case <-s.wake:
		case <-timer:
			fired = true
		}
		if t != nil {
			t.Stop()
		}
		select {
		case <-s.stopCh:
			return
		default:
		}
		if !fired {
			continue
		}

		if warn {
			s.mu.Lock()
			s.warned = true
			s.mu.Unlock()
			logrus.WithField("runAt", due.Format(time.DateTime)).Info("backlash verification coming up")
			if s.OnUpcoming != nil {
				s.OnUpcoming(due)
			}
			continue
		}
		s.fire(due)
	}
}

// fire advances the schedule past due and starts the task once.
func (s *Scheduler) fire(due time.Time) {
	s.mu.Lock()
	if s.schedule != nil {
		s.nextRun = s.schedule.Next(maxTime(due, time.Now()))
	}
	s.postponedTo = time.Time{}
	s.warned = false
	s.mu.Unlock()

	log := logrus.WithField("scheduledAt", due.Format(time.DateTime))
	if err := s.Task(); err != nil {
		log.WithError(err).Warn("scheduled backlash verification skipped")
		if s.OnError != nil {
			s.OnError(fmt.Errorf("verification scheduled at %s skipped: %w", due.Format(time.DateTime), err))
		}
		return
	}
	log.Info("scheduled backlash verification started")
}

func maxTime(a, b time.Time) time.Time {
	if a.After(b) {
		return a
	}
	return b
}
