package loop

import (
	"errors"
	"testing"
	"time"

	"github.com/zot/context-engine/internal/asyncctx"
)

func TestSubmitRunsOnLoop(t *testing.T) {
	l := New()
	defer l.Shutdown()

	v, err := l.Submit("test", func() (interface{}, error) {
		return 42, nil
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if v != 42 {
		t.Fatalf("submit result = %v, want 42", v)
	}
}

func TestPostCapturesFrameAtRegistration(t *testing.T) {
	l := New()
	defer l.Shutdown()
	s := asyncctx.NewStorage("req")

	seen := make(chan interface{}, 1)
	l.Submit("outer", func() (interface{}, error) {
		return s.Run(l.Holder(), "r1", func() (interface{}, error) {
			l.Post("inner", func() {
				v, _ := s.Get(l.Holder())
				seen <- v
			})
			return nil, nil
		})
	})
	l.WaitIdle()

	if v := <-seen; v != "r1" {
		t.Fatalf("posted task saw %v, want r1", v)
	}
}

func TestMicrotasksDrainAfterMacrotask(t *testing.T) {
	l := New()
	defer l.Shutdown()

	var order []string
	done := make(chan struct{})
	l.Post("a", func() {
		l.QueueMicrotask(func() {
			order = append(order, "micro1")
			l.QueueMicrotask(func() { order = append(order, "micro2") })
		})
		order = append(order, "task-a")
	})
	l.Post("b", func() {
		order = append(order, "task-b")
		close(done)
	})
	<-done
	l.WaitIdle()

	want := []string{"task-a", "micro1", "micro2", "task-b"}
	if len(order) != len(want) {
		t.Fatalf("order = %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("order = %v, want %v", order, want)
		}
	}
}

func TestTimerCapturesFrameAtRegistration(t *testing.T) {
	l := New()
	defer l.Shutdown()
	s := asyncctx.NewStorage("timer")

	seen := make(chan interface{}, 1)
	l.Submit("arm", func() (interface{}, error) {
		return s.Run(l.Holder(), "armed", func() (interface{}, error) {
			l.SetTimeout(time.Millisecond, "t", func() {
				v, _ := s.Get(l.Holder())
				seen <- v
			})
			return nil, nil
		})
	})
	l.WaitIdle()

	if v := <-seen; v != "armed" {
		t.Fatalf("timer callback saw %v, want armed", v)
	}
}

func TestClearTimeout(t *testing.T) {
	l := New()
	defer l.Shutdown()

	fired := false
	id := l.SetTimeout(50*time.Millisecond, "t", func() { fired = true })
	l.ClearTimeout(id)
	l.WaitIdle() // must not block on the cleared timer

	time.Sleep(80 * time.Millisecond)
	if fired {
		t.Fatal("cleared timer fired")
	}
}

func TestWaitIdleWaitsForTimers(t *testing.T) {
	l := New()
	defer l.Shutdown()

	fired := make(chan struct{})
	l.SetTimeout(10*time.Millisecond, "t", func() { close(fired) })
	l.WaitIdle()

	select {
	case <-fired:
	default:
		t.Fatal("WaitIdle returned before the timer fired")
	}
}

func TestSubmitAfterShutdown(t *testing.T) {
	// The buffered task channel leaves room for a send even after the loop
	// goroutine exits, so run many rounds and watchdog each Submit: it must
	// return ErrLoopClosed, never park on a result that will not come.
	for i := 0; i < 50; i++ {
		l := New()
		l.Shutdown()

		done := make(chan error, 1)
		go func() {
			_, err := l.Submit("x", func() (interface{}, error) { return nil, nil })
			done <- err
		}()

		select {
		case err := <-done:
			if !errors.Is(err, ErrLoopClosed) {
				t.Fatalf("iteration %d: submit after shutdown: %v, want ErrLoopClosed", i, err)
			}
		case <-time.After(time.Second):
			t.Fatalf("iteration %d: submit after shutdown hung", i)
		}
	}
}

func TestPostAfterShutdownDoesNotBlockWaitIdle(t *testing.T) {
	l := New()
	l.Shutdown()
	l.Post("x", func() {})

	done := make(chan struct{})
	go func() {
		l.WaitIdle()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("WaitIdle hung after post-shutdown Post")
	}
}

func TestShutdownFailsQueuedTasks(t *testing.T) {
	l := New()

	// Hold the loop goroutine so a second task stays queued in the buffer
	// when Shutdown runs.
	gate := make(chan struct{})
	l.Post("blocker", func() { <-gate })
	time.Sleep(10 * time.Millisecond)

	done := make(chan error, 1)
	go func() {
		_, err := l.Submit("queued", func() (interface{}, error) { return nil, nil })
		done <- err
	}()
	time.Sleep(10 * time.Millisecond)

	l.Shutdown()
	close(gate)

	select {
	case err := <-done:
		if err != nil && !errors.Is(err, ErrLoopClosed) {
			t.Fatalf("queued submit: %v, want nil or ErrLoopClosed", err)
		}
	case <-time.After(time.Second):
		t.Fatal("queued submit hung across shutdown")
	}
}

type recordingSink struct {
	kinds chan string
}

func (r *recordingSink) TaskExecuted(kind, label string, start time.Time, d time.Duration, err error) {
	r.kinds <- kind
}

func TestTraceSinkSeesEveryUnit(t *testing.T) {
	l := New()
	defer l.Shutdown()
	sink := &recordingSink{kinds: make(chan string, 10)}
	l.SetTraceSink(sink)

	l.Submit("a", func() (interface{}, error) {
		l.QueueMicrotask(func() {})
		return nil, nil
	})
	l.WaitIdle()

	if k := <-sink.kinds; k != KindTask {
		t.Fatalf("first kind = %s, want %s", k, KindTask)
	}
	if k := <-sink.kinds; k != KindMicrotask {
		t.Fatalf("second kind = %s, want %s", k, KindMicrotask)
	}
}
