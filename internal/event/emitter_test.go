package event

import "testing"

func TestEmitOrder(t *testing.T) {
	e := NewEmitter()
	var order []int
	e.On("x", func(args ...interface{}) { order = append(order, 1) })
	e.On("x", func(args ...interface{}) { order = append(order, 2) })

	n := e.Emit("x")
	if n != 2 {
		t.Fatalf("Emit returned %d, want 2", n)
	}
	if len(order) != 2 || order[0] != 1 || order[1] != 2 {
		t.Fatalf("dispatch order = %v, want [1 2]", order)
	}
}

func TestEmitArgs(t *testing.T) {
	e := NewEmitter()
	var got []interface{}
	e.On("x", func(args ...interface{}) { got = args })
	e.Emit("x", "a", 2)
	if len(got) != 2 || got[0] != "a" || got[1] != 2 {
		t.Fatalf("args = %v, want [a 2]", got)
	}
}

func TestOff(t *testing.T) {
	e := NewEmitter()
	calls := 0
	id := e.On("x", func(args ...interface{}) { calls++ })
	e.Emit("x")
	e.Off("x", id)
	e.Emit("x")
	if calls != 1 {
		t.Fatalf("calls = %d, want 1", calls)
	}
}

func TestOnce(t *testing.T) {
	e := NewEmitter()
	calls := 0
	e.Once("x", func(args ...interface{}) { calls++ })
	e.Emit("x")
	e.Emit("x")
	if calls != 1 {
		t.Fatalf("calls = %d, want 1", calls)
	}
	if e.ListenerCount("x") != 0 {
		t.Fatalf("once listener still registered")
	}
}

func TestRegisterDuringDispatch(t *testing.T) {
	e := NewEmitter()
	calls := 0
	e.On("x", func(args ...interface{}) {
		e.On("x", func(args ...interface{}) { calls++ })
	})
	e.Emit("x")
	if calls != 0 {
		t.Fatal("listener added during dispatch ran in same dispatch")
	}
	e.Emit("x")
	if calls != 1 {
		t.Fatalf("calls = %d, want 1", calls)
	}
}
