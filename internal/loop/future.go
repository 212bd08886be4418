package loop

import (
	"sync"

	"github.com/zot/context-engine/internal/asyncctx"
)

// Event names emitted on the loop's emitter for rejection signaling.
const (
	EventUnhandledRejection = "unhandledRejection"
	EventRejectionHandled   = "rejectionHandled"
)

type futureState int

const (
	statePending futureState = iota
	stateFulfilled
	stateRejected
)

// continuation is one Then attachment: handlers plus the frame captured at
// attachment time (never at future creation).
type continuation struct {
	scope   *asyncctx.Scope
	onValue func(interface{}) (interface{}, error)
	onError func(error) (interface{}, error)
	child   *Future
}

// Future is the loop's promise-like deferred value. Continuations run as
// microtasks under the frame captured when they were attached. Settling is
// idempotent: the first resolve or reject wins.
type Future struct {
	loop  *Loop
	label string

	mu            sync.Mutex
	state         futureState
	value         interface{}
	err           error
	conts         []continuation
	handled       bool
	unhandledSent bool
}

// NewFuture creates a pending future plus its resolve and reject functions.
func (l *Loop) NewFuture(label string) (*Future, func(interface{}), func(error)) {
	f := &Future{loop: l, label: label}
	return f, f.resolve, f.reject
}

// Settled reports whether the future has been resolved or rejected.
func (f *Future) Settled() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state != statePending
}

// Then attaches continuation handlers and returns the derived future, which
// settles with the selected handler's result. A nil handler passes the
// corresponding outcome through to the derived future unchanged. The frame
// current at this call is captured and installed for the handler's
// execution.
func (f *Future) Then(onValue func(interface{}) (interface{}, error), onError func(error) (interface{}, error)) *Future {
	c := continuation{
		scope:   asyncctx.NewScope(f.loop.holder, f.label),
		onValue: onValue,
		onError: onError,
		child:   &Future{loop: f.loop, label: f.label},
	}

	f.mu.Lock()
	f.handled = true
	if f.state == statePending {
		f.conts = append(f.conts, c)
		f.mu.Unlock()
		return c.child
	}
	lateHandled := f.state == stateRejected && f.unhandledSent
	f.mu.Unlock()

	if lateHandled {
		// Rejection was already reported unhandled; signal that a handler
		// arrived, under the frame current at attachment.
		scope := asyncctx.NewScope(f.loop.holder, f.label)
		f.loop.queueMicro(&task{
			kind:  KindMicrotask,
			label: f.label,
			scope: scope,
			fn: func() (interface{}, error) {
				f.loop.events.Emit(EventRejectionHandled, f.err, f)
				return nil, nil
			},
		})
	}
	f.deliver(c)
	return c.child
}

// Catch is Then with only an error handler.
func (f *Future) Catch(onError func(error) (interface{}, error)) *Future {
	return f.Then(nil, onError)
}

func (f *Future) resolve(value interface{}) {
	f.settle(stateFulfilled, value, nil)
}

func (f *Future) reject(err error) {
	f.settle(stateRejected, nil, err)
}

func (f *Future) settle(state futureState, value interface{}, err error) {
	f.mu.Lock()
	if f.state != statePending {
		f.mu.Unlock()
		return
	}
	f.state = state
	f.value = value
	f.err = err
	conts := f.conts
	f.conts = nil
	f.mu.Unlock()

	for _, c := range conts {
		f.deliver(c)
	}

	if state == stateRejected {
		// The frame current at rejection time is what the unhandled event
		// must see, so capture now and check after the delivery microtasks.
		scope := asyncctx.NewScope(f.loop.holder, f.label)
		f.loop.queueMicro(&task{
			kind:  KindMicrotask,
			label: f.label,
			scope: scope,
			fn: func() (interface{}, error) {
				f.mu.Lock()
				report := !f.handled && !f.unhandledSent
				if report {
					f.unhandledSent = true
				}
				f.mu.Unlock()
				if report {
					f.loop.events.Emit(EventUnhandledRejection, err, f)
				}
				return nil, nil
			},
		})
	}
}

// deliver schedules one continuation as a microtask under its attachment
// scope and settles the derived future with the handler's outcome.
func (f *Future) deliver(c continuation) {
	f.loop.queueMicro(&task{
		kind:  KindContinuation,
		label: f.label,
		scope: c.scope,
		fn: func() (interface{}, error) {
			f.mu.Lock()
			state, value, err := f.state, f.value, f.err
			f.mu.Unlock()

			if state == stateFulfilled {
				if c.onValue == nil {
					c.child.resolve(value)
					return nil, nil
				}
				v, herr := c.onValue(value)
				if herr != nil {
					c.child.reject(herr)
				} else {
					c.child.resolve(v)
				}
				return nil, herr
			}

			if c.onError == nil {
				c.child.reject(err)
				return nil, nil
			}
			v, herr := c.onError(err)
			if herr != nil {
				c.child.reject(herr)
			} else {
				c.child.resolve(v)
			}
			return nil, herr
		},
	})
}
