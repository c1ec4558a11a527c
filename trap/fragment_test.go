package trap

import (
	"bytes"
	"testing"
)

func TestFragmentsFind(t *testing.T) {
	fs := NewFragments()
	a := &Fragment{Name: "a", Start: 0x1000, Code: make([]byte, 0x100)}
	b := &Fragment{Name: "b", Start: 0x3000, Code: make([]byte, 0x10)}
	for _, f := range []*Fragment{b, a} {
		if err := fs.Register(f); err != nil {
			t.Fatal(err)
		}
	}

	tests := []struct {
		pc   uintptr
		want *Fragment
	}{
		{0x0fff, nil},
		{0x1000, a},
		{0x10ff, a},
		{0x1100, nil},
		{0x3008, b},
		{0x3010, nil},
	}
	for _, tt := range tests {
		if got := fs.Find(tt.pc); got != tt.want {
			t.Errorf("Find(%#x) = %v, want %v", tt.pc, got, tt.want)
		}
	}

	if err := fs.Register(&Fragment{Name: "c", Start: 0x10f0, Code: make([]byte, 0x20)}); err == nil {
		t.Error("overlapping fragment accepted")
	}
	if err := fs.Register(&Fragment{Name: "d", Start: 0x5000}); err == nil {
		t.Error("empty fragment accepted")
	}

	if !fs.Unregister(0x1000) || fs.Find(0x1000) != nil || fs.Len() != 1 {
		t.Error("Unregister did not remove the fragment")
	}
	if fs.Unregister(0x1000) {
		t.Error("Unregister removed a fragment twice")
	}
}

func TestFragmentWindows(t *testing.T) {
	f := &Fragment{Start: 0x100, Code: []byte{1, 2, 3, 4, 5}}
	if got := f.Before(0x102, 7); !bytes.Equal(got, []byte{1, 2}) {
		t.Errorf("Before clipped = %v", got)
	}
	if got := f.Before(0x104, 2); !bytes.Equal(got, []byte{3, 4}) {
		t.Errorf("Before = %v", got)
	}
	if got := f.At(0x103, 7); !bytes.Equal(got, []byte{4, 5}) {
		t.Errorf("At clipped = %v", got)
	}
	if f.At(0x105, 1) != nil || f.Before(0x200, 1) != nil {
		t.Error("window outside the fragment")
	}
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	st := NewState()
	h := r.Register(st)
	if h == 0 || st.Handle() != h {
		t.Fatalf("handle = %d", h)
	}
	if r.Register(st) != h {
		t.Error("re-registering changed the handle")
	}
	if r.Lookup(h) != st || r.Len() != 1 {
		t.Error("Lookup failed")
	}
	h2 := r.Register(NewState())
	if h2 == h {
		t.Error("handles not unique")
	}
	r.Unregister(h)
	if r.Lookup(h) != nil || st.Handle() != 0 || r.Len() != 1 {
		t.Error("Unregister left the context registered")
	}
}
