package ble

import (
	"sync"
	"sync/atomic"
	"time"
)

// pendingTasks counts tasks queued or running on any serialExecutor in the
// process. It exists only so tests can synchronize on "all scan callbacks
// processed" without sleeping; it is not part of the protocol.
var pendingTasks atomic.Int64

// WaitForIdle blocks until no serialized BLE work is queued or running, or
// the timeout elapses. Test synchronization only.
func WaitForIdle(timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for pendingTasks.Load() != 0 {
		if time.Now().After(deadline) {
			return false
		}
		time.Sleep(time.Millisecond)
	}
	return true
}

// serialExecutor runs tasks one at a time in FIFO arrival order on a single
// goroutine. Every platform scan callback is redispatched through it before
// touching shared state, so advertisement processing is serialized even when
// the platform invokes callbacks concurrently.
type serialExecutor struct {
	mu     sync.Mutex
	tasks  chan func()
	closed bool
}

func newSerialExecutor() *serialExecutor {
	e := &serialExecutor{
		tasks: make(chan func(), 128),
	}
	go func() {
		for task := range e.tasks {
			task()
			pendingTasks.Add(-1)
		}
	}()
	return e
}

// Execute queues a task. Returns false if the executor is shut down or the
// queue is full (the advertisement is simply dropped; the next scan cycle
// retries).
func (e *serialExecutor) Execute(task func()) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return false
	}
	pendingTasks.Add(1)
	select {
	case e.tasks <- task:
		return true
	default:
		pendingTasks.Add(-1)
		return false
	}
}

// Shutdown stops accepting tasks; already-queued tasks still run.
func (e *serialExecutor) Shutdown() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	e.closed = true
	close(e.tasks)
}

// cancelableAlarm is a recurring alarm: it fires task every interval and
// reschedules itself after each firing until cancelled. Cancel is idempotent.
type cancelableAlarm struct {
	mu        sync.Mutex
	timer     *time.Timer
	cancelled bool
}

func newRecurringAlarm(interval time.Duration, task func()) *cancelableAlarm {
	a := &cancelableAlarm{}
	var fire func()
	fire = func() {
		a.mu.Lock()
		if a.cancelled {
			a.mu.Unlock()
			return
		}
		a.mu.Unlock()

		task()

		a.mu.Lock()
		if !a.cancelled {
			a.timer = time.AfterFunc(interval, fire)
		}
		a.mu.Unlock()
	}
	a.timer = time.AfterFunc(interval, fire)
	return a
}

// Cancel stops future firings. A firing already in progress completes.
func (a *cancelableAlarm) Cancel() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.cancelled {
		return
	}
	a.cancelled = true
	if a.timer != nil {
		a.timer.Stop()
	}
}
