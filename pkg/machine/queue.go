package machine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// ErrQueueStopped is returned by Submit after Stop.
var ErrQueueStopped = errors.New("machine task queue stopped")

// TaskFunc is a unit of machine work.
type TaskFunc func(ctx context.Context) error

type queuedTask struct {
	name string
	ctx  context.Context
	fn   TaskFunc
	done chan error
}

// TaskQueue runs machine tasks one at a time, in submission order. It is the
// only thing that serializes access to the machine: procedures do not lock.
type TaskQueue struct {
	tasks  chan *queuedTask
	stopCh chan struct{}

	mu      sync.Mutex
	running bool
	current string
}

func NewTaskQueue(backlog int) *TaskQueue {
	if backlog < 1 {
		backlog = 1
	}
	return &TaskQueue{
		tasks:  make(chan *queuedTask, backlog),
		stopCh: make(chan struct{}),
	}
}

func (q *TaskQueue) Start() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.running {
		return
	}
	q.running = true
	go q.run()
}

func (q *TaskQueue) Stop() {
	select {
	case <-q.stopCh: // already closed
	default:
		close(q.stopCh)
	}
}

// Current returns the name of the running task, or "" when idle.
func (q *TaskQueue) Current() string {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.current
}

// Submit queues fn and blocks until it finished. A task whose context is
// cancelled before it starts is not run. Once started, Submit waits for fn to
// return even if ctx is cancelled, so the task can roll back first.
func (q *TaskQueue) Submit(ctx context.Context, name string, fn TaskFunc) error {
	if fn == nil {
		panic("task function cannot be nil")
	}

	t := &queuedTask{name: name, ctx: ctx, fn: fn, done: make(chan error, 1)}

	select {
	case <-q.stopCh:
		return ErrQueueStopped
	case <-ctx.Done():
		return ctx.Err()
	case q.tasks <- t:
	}

	return <-t.done
}

func (q *TaskQueue) run() {
	defer func() {
		q.mu.Lock()
		q.running = false
		q.mu.Unlock()
		logrus.Debug("machine task queue stopped")
	}()

	logrus.Debug("machine task queue started")

	for {
		select {
		case <-q.stopCh:
			q.drain()
			return
		case t := <-q.tasks:
			q.execute(t)
		}
	}
}

func (q *TaskQueue) execute(t *queuedTask) {
	if err := t.ctx.Err(); err != nil {
		t.done <- err
		return
	}

	q.mu.Lock()
	q.current = t.name
	q.mu.Unlock()

	log := logrus.WithField("task", t.name)
	log.Debug("running machine task")
	start := time.Now()

	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("task %s panicked: %v", t.name, r)
			}
		}()
		return t.fn(t.ctx)
	}()

	q.mu.Lock()
	q.current = ""
	q.mu.Unlock()

	log.WithField("duration", time.Since(start).Round(time.Millisecond)).WithError(err).Debug("machine task finished")
	t.done <- err
}

func (q *TaskQueue) drain() {
	for {
		select {
		case t := <-q.tasks:
			t.done <- ErrQueueStopped
		default:
			return
		}
	}
}
