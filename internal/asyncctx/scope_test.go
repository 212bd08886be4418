package asyncctx

import (
	"errors"
	"testing"
)

func TestScopeCapturesAtConstruction(t *testing.T) {
	h := NewHolder()
	s := NewStorage("cap")

	var scope *Scope
	s.Run(h, "f1", func() (interface{}, error) {
		scope = NewScope(h, "test")
		return nil, nil
	})

	// A different frame is current now; the scope must still see f1.
	s.Run(h, "f2", func() (interface{}, error) {
		v, err := scope.Run(func() (interface{}, error) {
			v, _ := s.Get(h)
			return v, nil
		})
		if err != nil {
			t.Fatalf("scope run: %v", err)
		}
		if v != "f1" {
			t.Errorf("scope saw %v, want f1", v)
		}
		// Caller's frame restored after re-entry.
		if v, _ := s.Get(h); v != "f2" {
			t.Errorf("caller frame after scope run = %v, want f2", v)
		}
		return nil, nil
	})
}

func TestScopeRunRestoresOnError(t *testing.T) {
	h := NewHolder()
	scope := NewScope(h, "err")
	before := h.Current()
	boom := errors.New("boom")

	_, err := scope.Run(func() (interface{}, error) {
		return nil, boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("error not propagated: %v", err)
	}
	if h.Current() != before {
		t.Fatal("frame not restored after scope error")
	}
}

func TestBoundCallableReusable(t *testing.T) {
	h := NewHolder()
	s := NewStorage("bind")

	var bound func(args ...interface{}) (interface{}, error)
	s.Run(h, 7, func() (interface{}, error) {
		scope := NewScope(h, "bound")
		bound = scope.Bind(func(args ...interface{}) (interface{}, error) {
			v, _ := s.Get(h)
			return v, nil
		})
		return nil, nil
	})

	for i := 0; i < 3; i++ {
		v, err := bound()
		if err != nil {
			t.Fatalf("bound call %d: %v", i, err)
		}
		if v != 7 {
			t.Errorf("bound call %d saw %v, want 7", i, v)
		}
	}

	// Also reusable while another frame is current.
	s.Run(h, 99, func() (interface{}, error) {
		if v, _ := bound(); v != 7 {
			t.Errorf("bound call under other frame saw %v, want 7", v)
		}
		if v, _ := s.Get(h); v != 99 {
			t.Errorf("caller frame disturbed: %v, want 99", v)
		}
		return nil, nil
	})
}

func TestBindArgsForwarded(t *testing.T) {
	h := NewHolder()
	scope := NewScope(h, "args")
	bound := scope.Bind(func(args ...interface{}) (interface{}, error) {
		sum := 0
		for _, a := range args {
			sum += a.(int)
		}
		return sum, nil
	})
	v, err := bound(1, 2, 3)
	if err != nil {
		t.Fatalf("bound: %v", err)
	}
	if v != 6 {
		t.Errorf("bound(1,2,3) = %v, want 6", v)
	}
}

func TestStaticBindCapturesCurrent(t *testing.T) {
	h := NewHolder()
	s := NewStorage("static")

	var bound func(args ...interface{}) (interface{}, error)
	s.Run(h, "now", func() (interface{}, error) {
		bound = Bind(h, "static", func(args ...interface{}) (interface{}, error) {
			v, _ := s.Get(h)
			return v, nil
		})
		return nil, nil
	})

	if v, _ := bound(); v != "now" {
		t.Errorf("static bind saw %v, want now", v)
	}
}
