// SPDX-License-Identifier: Unlicense OR MIT

package phys

import (
	"testing"

	"github.com/cockroachdb/errors"
)

func newTestAllocator(t *testing.T, frames int) *Allocator {
	t.Helper()
	a, err := NewAllocator(frames)
	if err != nil {
		t.Fatalf("NewAllocator(%d): %v", frames, err)
	}
	t.Cleanup(func() {
		if err := a.Close(); err != nil {
			t.Errorf("Close: %v", err)
		}
	})
	return a
}

func TestAllocateUntilExhausted(t *testing.T) {
	for _, frames := range []int{1, 63, 64, 65, 130} {
		a := newTestAllocator(t, frames)
		seen := make(map[Address]bool)
		var pages []*Page
		for i := 0; i < frames; i++ {
			p, err := a.Allocate(true)
			if err != nil {
				t.Fatalf("%d frames: allocation %d failed: %v", frames, i, err)
			}
			if seen[p.Address()] {
				t.Fatalf("%d frames: frame %s handed out twice", frames, p.Address())
			}
			seen[p.Address()] = true
			pages = append(pages, p)
		}
		if _, err := a.Allocate(false); !errors.Is(err, ErrNoMemory) {
			t.Fatalf("%d frames: expected ErrNoMemory, got %v", frames, err)
		}
		for _, p := range pages {
			p.DecRef()
		}
		if s := a.Stats(); s.Free != frames || s.Used != 0 {
			t.Errorf("%d frames: stats after release = %+v", frames, s)
		}
	}
}

func TestPageRefCount(t *testing.T) {
	a := newTestAllocator(t, 2)
	p, err := a.Allocate(true)
	if err != nil {
		t.Fatal(err)
	}
	p.IncRef()
	if got := p.RefCount(); got != 2 {
		t.Fatalf("refcount = %d, want 2", got)
	}
	p.DecRef()
	if s := a.Stats(); s.Used != 1 {
		t.Fatalf("frame freed while referenced: %+v", s)
	}
	p.DecRef()
	if s := a.Stats(); s.Used != 0 || s.Free != 2 {
		t.Fatalf("frame not freed at zero: %+v", s)
	}
}

func TestRefCountUnderflowPanics(t *testing.T) {
	a := newTestAllocator(t, 1)
	p, err := a.Allocate(false)
	if err != nil {
		t.Fatal(err)
	}
	p.DecRef()
	defer func() {
		r := recover()
		if r == nil {
			t.Fatal("expected panic on underflow")
		}
		if err, ok := r.(error); !ok || !errors.IsAssertionFailure(err) {
			t.Fatalf("expected assertion failure, got %v", r)
		}
	}()
	p.DecRef()
}

func TestZeroFill(t *testing.T) {
	a := newTestAllocator(t, 1)
	p, err := a.Allocate(true)
	if err != nil {
		t.Fatal(err)
	}
	b := p.Bytes()
	for i := range b {
		b[i] = 0xaa
	}
	p.DecRef()
	p, err = a.Allocate(true)
	if err != nil {
		t.Fatal(err)
	}
	defer p.DecRef()
	for i, c := range p.Bytes() {
		if c != 0 {
			t.Fatalf("byte %d = %#x after zero fill", i, c)
		}
	}
}

func TestReserve(t *testing.T) {
	a := newTestAllocator(t, 70)
	if err := a.Reserve(Base+PageSize*60, Base+PageSize*70); err != nil {
		t.Fatal(err)
	}
	if s := a.Stats(); s.Free != 60 || s.Reserved != 10 {
		t.Fatalf("stats after reserve = %+v", s)
	}
	var pages []*Page
	for {
		p, err := a.Allocate(false)
		if err != nil {
			break
		}
		if p.Address() >= Base+PageSize*60 {
			t.Fatalf("reserved frame %s handed out", p.Address())
		}
		pages = append(pages, p)
	}
	if len(pages) != 60 {
		t.Fatalf("allocated %d frames, want 60", len(pages))
	}
	for _, p := range pages {
		p.DecRef()
	}
	if err := a.Reserve(Base+1, Base+PageSize); err == nil {
		t.Error("unaligned reserve accepted")
	}
}

func TestCloseWithFramesInUse(t *testing.T) {
	a, err := NewAllocator(4)
	if err != nil {
		t.Fatal(err)
	}
	p, err := a.Allocate(false)
	if err != nil {
		t.Fatal(err)
	}
	if err := a.Close(); err == nil {
		t.Fatal("Close succeeded with a frame in use")
	}
	p.DecRef()
	if err := a.Close(); err != nil {
		t.Fatal(err)
	}
}
