package asyncctx

import (
	"errors"
	"testing"
)

func TestFrameImmutability(t *testing.T) {
	h := NewHolder()
	s := NewStorage("a")

	f1 := h.Current()
	f2 := newFrame(f1, s.key, 1)
	if _, ok := f1.get(s.key); ok {
		t.Fatal("parent frame gained an entry from child creation")
	}
	if v, ok := f2.get(s.key); !ok || v != 1 {
		t.Fatalf("child frame entry = %v, %v; want 1, true", v, ok)
	}

	// Further children never change earlier frames.
	s2 := NewStorage("b")
	f3 := newFrame(f2, s2.key, 2)
	if v, ok := f2.get(s.key); !ok || v != 1 {
		t.Fatalf("f2 entry changed after f3 creation: %v, %v", v, ok)
	}
	if _, ok := f2.get(s2.key); ok {
		t.Fatal("f2 gained f3's entry")
	}
	if f3.Size() != 2 {
		t.Fatalf("f3 size = %d, want 2", f3.Size())
	}
}

func TestNestedRunRestores(t *testing.T) {
	h := NewHolder()
	s := NewStorage("nest")
	before := h.Current()

	_, err := s.Run(h, 123, func() (interface{}, error) {
		inner, err := s.Run(h, 456, func() (interface{}, error) {
			v, _ := s.Get(h)
			return v, nil
		})
		if err != nil {
			return nil, err
		}
		if inner != 456 {
			t.Errorf("inner view = %v, want 456", inner)
		}
		if v, _ := s.Get(h); v != 123 {
			t.Errorf("outer view after inner run = %v, want 123", v)
		}
		return nil, nil
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	if h.Current() != before {
		t.Fatal("current frame not restored after outermost run")
	}
	if _, ok := s.Get(h); ok {
		t.Fatal("store visible outside any run")
	}
}

func TestRunRestoresOnError(t *testing.T) {
	h := NewHolder()
	s := NewStorage("err")
	before := h.Current()
	boom := errors.New("boom")

	_, err := s.Run(h, 1, func() (interface{}, error) {
		return nil, boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("error not propagated: %v", err)
	}
	if h.Current() != before {
		t.Fatal("frame not restored after error")
	}
}

func TestRunRestoresOnPanic(t *testing.T) {
	h := NewHolder()
	s := NewStorage("panic")
	before := h.Current()

	func() {
		defer func() {
			if recover() == nil {
				t.Fatal("panic did not propagate")
			}
		}()
		s.Run(h, 1, func() (interface{}, error) {
			panic("boom")
		})
	}()

	if h.Current() != before {
		t.Fatal("frame not restored after panic")
	}
}

func TestHandleIsolation(t *testing.T) {
	h := NewHolder()
	h1 := NewStorage("one")
	h2 := NewStorage("two")

	h1.Run(h, 1, func() (interface{}, error) {
		if _, ok := h2.Get(h); ok {
			t.Error("h2 observed h1's value")
		}
		if v, ok := h1.Get(h); !ok || v != 1 {
			t.Errorf("h1.Get = %v, %v; want 1, true", v, ok)
		}
		return nil, nil
	})
}

func TestExitClearsSlot(t *testing.T) {
	h := NewHolder()
	s := NewStorage("exit")

	s.Run(h, 123, func() (interface{}, error) {
		s.Exit(h, func() (interface{}, error) {
			if v, ok := s.Get(h); ok {
				t.Errorf("Get inside Exit = %v, want absent", v)
			}
			return nil, nil
		})
		if v, ok := s.Get(h); !ok || v != 123 {
			t.Errorf("Get after Exit = %v, %v; want 123, true", v, ok)
		}
		return nil, nil
	})
}

func TestExitIndistinguishableFromUnset(t *testing.T) {
	h := NewHolder()
	s := NewStorage("tomb")

	s.Run(h, "set", func() (interface{}, error) {
		return s.Exit(h, func() (interface{}, error) {
			v1, ok1 := s.Get(h)
			fresh := NewStorage("fresh")
			v2, ok2 := fresh.Get(h)
			if ok1 != ok2 || v1 != v2 {
				t.Errorf("cleared slot (%v, %v) differs from never-set slot (%v, %v)", v1, ok1, v2, ok2)
			}
			return nil, nil
		})
	})
}

func TestNilValueDistinctFromAbsent(t *testing.T) {
	h := NewHolder()
	s := NewStorage("nil")

	s.Run(h, nil, func() (interface{}, error) {
		if v, ok := s.Get(h); !ok || v != nil {
			t.Errorf("Get = %v, %v; want nil, true", v, ok)
		}
		return nil, nil
	})
}

func TestEmptyStructPointerValue(t *testing.T) {
	h := NewHolder()
	s := NewStorage("zero")

	// Zero-size allocations can share an address process-wide, so a stored
	// *struct{} must not collide with the tombstone Exit uses.
	value := new(struct{})
	s.Run(h, value, func() (interface{}, error) {
		v, ok := s.Get(h)
		if !ok {
			t.Fatal("stored *struct{} reported absent")
		}
		if v != interface{}(value) {
			t.Errorf("Get = %v, want the stored pointer", v)
		}
		return nil, nil
	})
}

func TestHoldersAreIndependent(t *testing.T) {
	ha := NewHolder()
	hb := NewHolder()
	s := NewStorage("ind")

	s.Run(ha, "a", func() (interface{}, error) {
		if _, ok := s.Get(hb); ok {
			t.Error("value leaked across holders")
		}
		return nil, nil
	})
}
