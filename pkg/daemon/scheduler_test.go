package daemon

import (
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func TestParseCron(t *testing.T) {
	schedule, err := ParseCron("@every 10m")
	if err != nil {
		t.Fatalf("failed to parse cron expression: %v", err)
	}

	now := time.Now()
	next1 := schedule.Next(now)
	next2 := schedule.Next(next1)
	if !next2.After(next1) {
		t.Fatalf("expected next2 to be after next1, got next1=%v next2=%v", next1, next2)
	}

	if _, err := ParseCron("every tuesday"); err == nil {
		t.Fatal("expected an error for an invalid expression")
	}
}

func TestSchedulerScheduleStatus(t *testing.T) {
	s := NewScheduler(func() error { return nil }, nil, nil)

	if err := s.Schedule("@every 1m"); err != nil {
		t.Fatalf("Schedule returned error: %v", err)
	}

	next, running := s.Status()
	if running {
		t.Fatalf("scheduler should not be running")
	}
	if next.IsZero() {
		t.Fatalf("next run should be set after scheduling")
	}

	runs := s.NextRuns(3)
	if len(runs) != 3 || !runs[0].Equal(next) {
		t.Fatalf("NextRuns(3) = %v, want 3 runs starting at %v", runs, next)
	}
	if !runs[2].After(runs[1]) || !runs[1].After(runs[0]) {
		t.Fatalf("NextRuns should be increasing: %v", runs)
	}
}

func TestSchedulerSkip(t *testing.T) {
	s := NewScheduler(func() error { return nil }, nil, nil)
	if err := s.Skip(); err == nil {
		t.Fatal("expected an error skipping without a schedule")
	}
	if err := s.Schedule("@every 10m"); err != nil {
		t.Fatalf("Schedule returned error: %v", err)
	}

	orig, _ := s.Status()
	if orig.IsZero() {
		t.Fatalf("expected next run after scheduling")
	}

	s.Start()
	defer s.Stop()

	if err := s.Skip(); err != nil {
		t.Fatalf("Skip returned error: %v", err)
	}
	skipped, _ := s.Status()
	if !skipped.After(orig) {
		t.Fatalf("expected skip to move schedule forward, got %v <= %v", skipped, orig)
	}
}

func TestSchedulerDisable(t *testing.T) {
	s := NewScheduler(func() error { return nil }, nil, nil)
	if err := s.Schedule("@every 10m"); err != nil {
		t.Fatalf("Schedule returned error: %v", err)
	}
	s.Start()
	defer s.Stop()

	s.Disable()
	next, _ := s.Status()
	if !next.IsZero() || s.NextRuns(3) != nil {
		t.Fatalf("expected no next run after Disable, got %v", next)
	}
	if err := s.Postpone(time.Minute); err == nil {
		t.Fatal("expected an error postponing a disabled schedule")
	}

	if err := s.Schedule("@every 10m"); err != nil {
		t.Fatalf("Schedule after Disable returned error: %v", err)
	}
	deadline := time.Now().Add(time.Second)
	for {
		if next, _ := s.Status(); !next.IsZero() {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("schedule was not re-enabled")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestSchedulerPostpone(t *testing.T) {
	s := NewScheduler(func() error { return nil }, nil, nil)
	if err := s.Schedule("@every 10m"); err != nil {
		t.Fatalf("Schedule returned error: %v", err)
	}
	orig, _ := s.Status()

	cases := []struct {
		name    string
		d       time.Duration
		want    time.Time
		wantErr bool
	}{
		{"zero", 0, orig, true},
		{"negative", -time.Minute, orig, true},
		{"within the period", 2 * time.Minute, orig.Add(2 * time.Minute), false},
		{"adds up", 5 * time.Minute, orig.Add(7 * time.Minute), false},
		{"reaches the following run", 3 * time.Minute, orig.Add(7 * time.Minute), true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := s.Postpone(tc.d)
			if (err != nil) != tc.wantErr {
				t.Fatalf("Postpone(%s) error = %v, wantErr %v", tc.d, err, tc.wantErr)
			}
			if next, _ := s.Status(); !next.Equal(tc.want) {
				t.Fatalf("next run = %v, want %v", next, tc.want)
			}
		})
	}

	runs := s.NextRuns(2)
	if len(runs) != 2 || !runs[1].Equal(orig.Add(10*time.Minute)) {
		t.Fatalf("postponing should leave the following run alone, got %v", runs)
	}
}

func TestSchedulerRunCycle(t *testing.T) {
	notifyCh := make(chan time.Time, 1)
	taskCh := make(chan struct{}, 1)
	errCh := make(chan error, 1)

	task := func() error {
		taskCh <- struct{}{}
		return nil
	}

	s := NewScheduler(task, func(at time.Time) { notifyCh <- at }, func(err error) { errCh <- err })
	if err := s.Schedule("@every 1h"); err != nil {
		t.Fatalf("Schedule returned error: %v", err)
	}

	forcedNext := time.Now().Add(50 * time.Millisecond)
	s.mu.Lock()
	s.nextRun = forcedNext
	s.mu.Unlock()

	s.Start()
	defer s.Stop()

	select {
	case at := <-notifyCh:
		if !at.Equal(forcedNext) {
			t.Fatalf("upcoming notification for %v, want %v", at, forcedNext)
		}
	case <-time.After(time.Second):
		t.Fatalf("did not receive before-run notification in time")
	}

	select {
	case <-taskCh:
	case <-time.After(2 * time.Second):
		t.Fatalf("task did not execute in time")
	}

	select {
	case err := <-errCh:
		t.Fatalf("unexpected error callback: %v", err)
	default:
	}
}

func TestSchedulerTaskRefused(t *testing.T) {
	errCh := make(chan error, 2)
	errBusy := errors.New("machine busy")
	var calls int32

	task := func() error {
		atomic.AddInt32(&calls, 1)
		return errBusy
	}

	s := NewScheduler(task, nil, func(err error) { errCh <- err })
	if err := s.Schedule("@every 1h"); err != nil {
		t.Fatalf("Schedule returned error: %v", err)
	}

	due := time.Now().Add(50 * time.Millisecond)
	s.mu.Lock()
	s.nextRun = due
	s.mu.Unlock()

	s.Start()
	defer s.Stop()

	select {
	case err := <-errCh:
		if !errors.Is(err, errBusy) {
			t.Fatalf("error callback got %v, want it to wrap %v", err, errBusy)
		}
	case <-time.After(time.Second):
		t.Fatalf("expected error callback from refused task")
	}

	// The run is dropped, not retried.
	time.Sleep(200 * time.Millisecond)
	if n := atomic.LoadInt32(&calls); n != 1 {
		t.Fatalf("task called %d times, want 1", n)
	}
	if next, _ := s.Status(); !next.After(due.Add(30 * time.Minute)) {
		t.Fatalf("next run %v should move to the following period after %v", next, due)
	}
}
