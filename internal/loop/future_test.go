package loop

import (
	"errors"
	"testing"

	"github.com/zot/context-engine/internal/asyncctx"
)

func TestFutureContinuationCapturesAtAttachment(t *testing.T) {
	l := New()
	defer l.Shutdown()
	s := asyncctx.NewStorage("fut")

	f, resolve, _ := l.NewFuture("f")
	seen := make(chan interface{}, 1)

	// Attach under frame "attach".
	l.Submit("attach", func() (interface{}, error) {
		return s.Run(l.Holder(), "attach", func() (interface{}, error) {
			f.Then(func(v interface{}) (interface{}, error) {
				got, _ := s.Get(l.Holder())
				seen <- got
				return nil, nil
			}, nil)
			return nil, nil
		})
	})

	// Resolve under a different frame.
	l.Submit("settle", func() (interface{}, error) {
		return s.Run(l.Holder(), "settle", func() (interface{}, error) {
			resolve("value")
			return nil, nil
		})
	})
	l.WaitIdle()

	if v := <-seen; v != "attach" {
		t.Fatalf("continuation saw frame %v, want attach", v)
	}
}

func TestFutureChaining(t *testing.T) {
	l := New()
	defer l.Shutdown()

	f, resolve, _ := l.NewFuture("chain")
	got := make(chan interface{}, 1)

	f.Then(func(v interface{}) (interface{}, error) {
		return v.(int) + 1, nil
	}, nil).Then(func(v interface{}) (interface{}, error) {
		got <- v
		return nil, nil
	}, nil)

	resolve(1)
	l.WaitIdle()

	if v := <-got; v != 2 {
		t.Fatalf("chained value = %v, want 2", v)
	}
}

func TestFutureSettleIdempotent(t *testing.T) {
	l := New()
	defer l.Shutdown()

	f, resolve, reject := l.NewFuture("once")
	got := make(chan interface{}, 1)
	f.Then(func(v interface{}) (interface{}, error) {
		got <- v
		return nil, nil
	}, func(err error) (interface{}, error) {
		t.Error("rejection handler ran after resolve")
		return nil, nil
	})

	resolve("first")
	reject(errors.New("late"))
	resolve("second")
	l.WaitIdle()

	if v := <-got; v != "first" {
		t.Fatalf("settled value = %v, want first", v)
	}
}

func TestThenAfterSettle(t *testing.T) {
	l := New()
	defer l.Shutdown()

	f, resolve, _ := l.NewFuture("late")
	resolve(10)
	l.WaitIdle()

	got := make(chan interface{}, 1)
	f.Then(func(v interface{}) (interface{}, error) {
		got <- v
		return nil, nil
	}, nil)
	l.WaitIdle()

	if v := <-got; v != 10 {
		t.Fatalf("late continuation value = %v, want 10", v)
	}
}

func TestUnhandledRejectionCapturesRejectFrame(t *testing.T) {
	l := New()
	defer l.Shutdown()
	s := asyncctx.NewStorage("rej")

	seen := make(chan interface{}, 1)
	l.Events().On(EventUnhandledRejection, func(args ...interface{}) {
		v, _ := s.Get(l.Holder())
		seen <- v
	})

	_, _, reject := l.NewFuture("u")
	l.Submit("reject", func() (interface{}, error) {
		return s.Run(l.Holder(), "reject-frame", func() (interface{}, error) {
			reject(errors.New("nobody listens"))
			return nil, nil
		})
	})
	l.WaitIdle()

	if v := <-seen; v != "reject-frame" {
		t.Fatalf("unhandled event saw frame %v, want reject-frame", v)
	}
}

func TestRejectionHandledAfterLateAttach(t *testing.T) {
	l := New()
	defer l.Shutdown()

	unhandled := make(chan struct{}, 1)
	handledEv := make(chan struct{}, 1)
	l.Events().On(EventUnhandledRejection, func(args ...interface{}) { unhandled <- struct{}{} })
	l.Events().On(EventRejectionHandled, func(args ...interface{}) { handledEv <- struct{}{} })

	f, _, reject := l.NewFuture("late-handler")
	reject(errors.New("boom"))
	l.WaitIdle()
	<-unhandled

	caught := make(chan error, 1)
	f.Catch(func(err error) (interface{}, error) {
		caught <- err
		return nil, nil
	})
	l.WaitIdle()

	<-handledEv
	if err := <-caught; err == nil || err.Error() != "boom" {
		t.Fatalf("late handler got %v, want boom", err)
	}
}

func TestHandledRejectionEmitsNoEvent(t *testing.T) {
	l := New()
	defer l.Shutdown()

	events := 0
	l.Events().On(EventUnhandledRejection, func(args ...interface{}) { events++ })

	f, _, reject := l.NewFuture("handled")
	done := make(chan struct{})
	f.Catch(func(err error) (interface{}, error) {
		close(done)
		return nil, nil
	})
	reject(errors.New("caught"))
	l.WaitIdle()
	<-done

	l.Submit("check", func() (interface{}, error) {
		if events != 0 {
			t.Errorf("unhandledRejection fired %d times for a handled rejection", events)
		}
		return nil, nil
	})
}
