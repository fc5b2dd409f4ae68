package machine

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestTaskQueueSerializes(t *testing.T) {
	q := NewTaskQueue(8)
	q.Start()
	defer q.Stop()

	var active, maxActive int32
	var wg sync.WaitGroup
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := q.Submit(context.Background(), "probe", func(context.Context) error {
				n := atomic.AddInt32(&active, 1)
				for {
					m := atomic.LoadInt32(&maxActive)
					if n <= m || atomic.CompareAndSwapInt32(&maxActive, m, n) {
						break
					}
				}
				time.Sleep(5 * time.Millisecond)
				atomic.AddInt32(&active, -1)
				return nil
			})
			if err != nil {
				t.Errorf("Submit returned error: %v", err)
			}
		}()
	}
	wg.Wait()

	if maxActive != 1 {
		t.Fatalf("expected at most one task at a time, got %d", maxActive)
	}
}

func TestTaskQueueReturnsTaskError(t *testing.T) {
	q := NewTaskQueue(1)
	q.Start()
	defer q.Stop()

	want := errors.New("motion timeout")
	err := q.Submit(context.Background(), "move", func(context.Context) error { return want })
	if !errors.Is(err, want) {
		t.Fatalf("expected %v, got %v", want, err)
	}
}

func TestTaskQueueSkipsCancelledTask(t *testing.T) {
	q := NewTaskQueue(1)
	q.Start()
	defer q.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	ran := false
	err := q.Submit(ctx, "never", func(context.Context) error { ran = true; return nil })
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if ran {
		t.Fatalf("cancelled task must not run")
	}
}

func TestTaskQueueWaitsForRollback(t *testing.T) {
	q := NewTaskQueue(1)
	q.Start()
	defer q.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	started := make(chan struct{})
	rolledBack := false

	go func() {
		<-started
		cancel()
	}()

	err := q.Submit(ctx, "calibrate", func(ctx context.Context) error {
		close(started)
		<-ctx.Done()
		time.Sleep(5 * time.Millisecond)
		rolledBack = true
		return ctx.Err()
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if !rolledBack {
		t.Fatalf("Submit returned before the task finished its rollback")
	}
}

func TestTaskQueueRecoversPanic(t *testing.T) {
	q := NewTaskQueue(1)
	q.Start()
	defer q.Stop()

	err := q.Submit(context.Background(), "boom", func(context.Context) error { panic("bad driver") })
	if err == nil {
		t.Fatalf("expected an error from a panicking task")
	}

	if err := q.Submit(context.Background(), "after", func(context.Context) error { return nil }); err != nil {
		t.Fatalf("queue should keep running after a panic, got %v", err)
	}
}
