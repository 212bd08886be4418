// Package loop implements the single-goroutine event loop that hosts one
// execution context: a macrotask queue, a microtask queue drained after
// every macrotask, and timers. Every registration point (Post, Submit,
// QueueMicrotask, SetTimeout, future continuation attachment) captures the
// frame current at registration and installs it for the duration of the
// callback, per the async-context capture contract.
package loop

import (
	"sync"
	"time"

	"github.com/zot/context-engine/internal/asyncctx"
	"github.com/zot/context-engine/internal/event"
)

// Task kinds reported to the trace sink.
const (
	KindTask         = "task"
	KindMicrotask    = "microtask"
	KindTimer        = "timer"
	KindContinuation = "continuation"
)

// TraceSink receives one record per executed unit of work. Implementations
// must be safe for calls from the loop goroutine.
type TraceSink interface {
	TaskExecuted(kind, label string, start time.Time, duration time.Duration, err error)
}

// TimerID identifies an armed timer for ClearTimeout.
type TimerID int64

type result struct {
	value interface{}
	err   error
}

// task is one unit of work plus the scope captured at registration.
type task struct {
	kind   string
	label  string
	scope  *asyncctx.Scope
	fn     func() (interface{}, error)
	result chan result // nil for fire-and-forget tasks
}

// Loop owns one Holder and processes tasks on a single goroutine, so there
// is exactly one logical current frame per loop.
type Loop struct {
	holder *asyncctx.Holder
	events *event.Emitter
	tasks  chan *task
	wake   chan struct{}
	done   chan struct{}
	sink   TraceSink

	micro   []*task
	microMu sync.Mutex

	timers      map[TimerID]*time.Timer
	nextTimerID TimerID
	timersMu    sync.Mutex

	pending  int
	idleCond *sync.Cond
	idleMu   sync.Mutex

	closed    bool
	closeMu   sync.Mutex
	closeOnce sync.Once
}

// New creates a loop with a fresh Holder and starts its goroutine.
func New() *Loop {
	l := &Loop{
		holder: asyncctx.NewHolder(),
		events: event.NewEmitter(),
		tasks:  make(chan *task, 100),
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
		timers: make(map[TimerID]*time.Timer),
	}
	l.idleCond = sync.NewCond(&l.idleMu)
	go l.run()
	return l
}

// Holder returns the loop's current-frame holder.
func (l *Loop) Holder() *asyncctx.Holder {
	return l.holder
}

// Events returns the loop's emitter. The loop itself emits
// "unhandledRejection" and "rejectionHandled" on it.
func (l *Loop) Events() *event.Emitter {
	return l.events
}

// SetTraceSink installs a sink recording executed units. Pass nil to
// disable. Must be set before work is scheduled.
func (l *Loop) SetTraceSink(sink TraceSink) {
	l.sink = sink
}

// Submit runs fn as a macrotask and blocks until it completes, returning
// its result. The frame current at the call is captured and installed for
// fn's execution.
func (l *Loop) Submit(label string, fn func() (interface{}, error)) (interface{}, error) {
	t := &task{
		kind:   KindTask,
		label:  label,
		scope:  asyncctx.NewScope(l.holder, label),
		fn:     fn,
		result: make(chan result, 1),
	}
	l.incPending()
	if !l.enqueue(t) {
		return nil, ErrLoopClosed
	}
	res := <-t.result
	return res.value, res.err
}

// Post schedules fn as a fire-and-forget macrotask, capturing the current
// frame at the call.
func (l *Loop) Post(label string, fn func()) {
	l.incPending()
	l.enqueue(&task{
		kind:  KindTask,
		label: label,
		scope: asyncctx.NewScope(l.holder, label),
		fn:    func() (interface{}, error) { fn(); return nil, nil },
	})
}

// QueueMicrotask schedules fn on the microtask queue, capturing the current
// frame at the call. Microtasks run after the current macrotask completes
// and before the next one starts.
func (l *Loop) QueueMicrotask(fn func()) {
	l.queueMicro(&task{
		kind:  KindMicrotask,
		scope: asyncctx.NewScope(l.holder, KindMicrotask),
		fn:    func() (interface{}, error) { fn(); return nil, nil },
	})
}

// queueMicro enqueues an already-built microtask and wakes the loop in case
// it is idle.
func (l *Loop) queueMicro(t *task) {
	l.incPending()
	l.microMu.Lock()
	l.micro = append(l.micro, t)
	l.microMu.Unlock()
	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// SetTimeout arms a timer that runs fn as a macrotask after d, capturing
// the frame current now, not when the timer fires.
func (l *Loop) SetTimeout(d time.Duration, label string, fn func()) TimerID {
	scope := asyncctx.NewScope(l.holder, label)
	l.timersMu.Lock()
	l.nextTimerID++
	id := l.nextTimerID
	l.timersMu.Unlock()

	l.incPending()
	timer := time.AfterFunc(d, func() {
		l.timersMu.Lock()
		delete(l.timers, id)
		l.timersMu.Unlock()
		l.enqueue(&task{
			kind:  KindTimer,
			label: label,
			scope: scope,
			fn:    func() (interface{}, error) { fn(); return nil, nil },
		})
	})

	l.timersMu.Lock()
	l.timers[id] = timer
	l.timersMu.Unlock()
	return id
}

// ClearTimeout cancels an armed timer. A timer that already fired or was
// already cleared is a no-op; its captured frame is simply dropped.
func (l *Loop) ClearTimeout(id TimerID) {
	l.timersMu.Lock()
	timer, ok := l.timers[id]
	if ok {
		delete(l.timers, id)
	}
	l.timersMu.Unlock()
	if ok && timer.Stop() {
		l.decPending()
	}
}

// WaitIdle blocks until no tasks, microtasks, or armed timers remain.
func (l *Loop) WaitIdle() {
	l.idleMu.Lock()
	for l.pending > 0 {
		l.idleCond.Wait()
	}
	l.idleMu.Unlock()
}

// Shutdown stops the loop goroutine and cancels armed timers. Pending
// Submit calls fail with ErrLoopClosed.
func (l *Loop) Shutdown() {
	l.closeOnce.Do(func() {
		l.closeMu.Lock()
		l.closed = true
		l.closeMu.Unlock()
		close(l.done)
		// Fail tasks still sitting in the buffer; the loop goroutine may
		// already have exited.
	drain:
		for {
			select {
			case t := <-l.tasks:
				if t.result != nil {
					t.result <- result{err: ErrLoopClosed}
				}
			default:
				break drain
			}
		}
		l.timersMu.Lock()
		for id, timer := range l.timers {
			timer.Stop()
			delete(l.timers, id)
		}
		l.timersMu.Unlock()
		// Unblock any WaitIdle callers.
		l.idleMu.Lock()
		l.pending = 0
		l.idleCond.Broadcast()
		l.idleMu.Unlock()
	})
}

// enqueue hands a task to the loop goroutine. Returns false if the loop is
// shut down; the task's result channel, if any, is failed. The closed flag
// is checked under closeMu so a send never races Shutdown's buffer drain:
// a task enqueued before Shutdown sets the flag is visible to the drain,
// and one enqueued after fails here.
func (l *Loop) enqueue(t *task) bool {
	l.closeMu.Lock()
	if l.closed {
		l.closeMu.Unlock()
		if t.result != nil {
			t.result <- result{err: ErrLoopClosed}
		}
		l.decPending()
		return false
	}
	l.tasks <- t
	l.closeMu.Unlock()
	return true
}

func (l *Loop) incPending() {
	l.idleMu.Lock()
	l.pending++
	l.idleMu.Unlock()
}

func (l *Loop) decPending() {
	l.idleMu.Lock()
	if l.pending > 0 {
		l.pending--
	}
	if l.pending == 0 {
		l.idleCond.Broadcast()
	}
	l.idleMu.Unlock()
}

// run is the loop goroutine: macrotasks in arrival order, with the
// microtask queue drained to empty after each one.
func (l *Loop) run() {
	for {
		select {
		case <-l.done:
			return
		case t := <-l.tasks:
			l.runTask(t)
			l.drainMicrotasks()
		case <-l.wake:
			l.drainMicrotasks()
		}
	}
}

// runTask executes one unit under its captured scope and reports it to the
// trace sink.
func (l *Loop) runTask(t *task) {
	start := time.Now()
	value, err := t.scope.Run(t.fn)
	if l.sink != nil {
		l.sink.TaskExecuted(t.kind, t.label, start, time.Since(start), err)
	}
	if t.result != nil {
		t.result <- result{value: value, err: err}
	}
	l.decPending()
}

// drainMicrotasks runs queued microtasks until the queue is empty.
// Microtasks enqueued during the drain run in the same drain.
func (l *Loop) drainMicrotasks() {
	for {
		l.microMu.Lock()
		if len(l.micro) == 0 {
			l.microMu.Unlock()
			return
		}
		t := l.micro[0]
		l.micro = l.micro[1:]
		l.microMu.Unlock()
		l.runTask(t)
	}
}
