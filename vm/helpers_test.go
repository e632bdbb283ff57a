// SPDX-License-Identifier: Unlicense OR MIT

package vm_test

import (
	"io"
	"sync"
	"testing"

	"eliasnaur.com/memobj/mmu"
	"eliasnaur.com/memobj/phys"
	"eliasnaur.com/memobj/vm"
)

// testInode is an in-memory file.
type testInode struct {
	id uint64

	mu       sync.Mutex
	data     []byte
	reads    int
	readErr  error
	writeErr error
	// beforeWrite, if set, runs at the start of every WriteAt.
	beforeWrite func()

	shared *vm.SharedInodeVMObject
}

func newTestInode(id uint64, data []byte) *testInode {
	return &testInode{id: id, data: data}
}

func (f *testInode) ID() uint64 {
	return f.id
}

func (f *testInode) Size() int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return int64(len(f.data))
}

func (f *testInode) ReadAt(p []byte, off int64) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reads++
	if f.readErr != nil {
		return 0, f.readErr
	}
	if off >= int64(len(f.data)) {
		return 0, io.EOF
	}
	n := copy(p, f.data[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

func (f *testInode) WriteAt(p []byte, off int64) (int, error) {
	if f.beforeWrite != nil {
		f.beforeWrite()
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.writeErr != nil {
		return 0, f.writeErr
	}
	if end := int(off) + len(p); end > len(f.data) {
		f.data = append(f.data, make([]byte, end-len(f.data))...)
	}
	return copy(f.data[off:], p), nil
}

func (f *testInode) SharedVMObject() *vm.SharedInodeVMObject {
	return f.shared
}

func (f *testInode) SetSharedVMObject(obj *vm.SharedInodeVMObject) {
	f.shared = obj
}

func (f *testInode) contents() []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]byte(nil), f.data...)
}

func (f *testInode) readCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.reads
}

type delivered struct {
	space uint64
	sig   vm.Signal
	va    mmu.VirtualAddress
}

// testSignaler records the signals it is asked to deliver.
type testSignaler struct {
	mu      sync.Mutex
	signals []delivered
}

func (s *testSignaler) Signal(as *vm.AddressSpace, sig vm.Signal, va mmu.VirtualAddress) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.signals = append(s.signals, delivered{space: as.ID(), sig: sig, va: va})
}

func (s *testSignaler) last() (delivered, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.signals) == 0 {
		return delivered{}, false
	}
	return s.signals[len(s.signals)-1], true
}

// newTestManager returns a memory manager over frames pages of
// memory. At cleanup, it fails the test if objects or frames leaked.
func newTestManager(t *testing.T, frames, limit int, sig vm.Signaler) *vm.MemoryManager {
	t.Helper()
	a, err := phys.NewAllocator(frames)
	if err != nil {
		t.Fatal(err)
	}
	mm := vm.NewMemoryManager(a, vm.NewRegistry(limit), vm.Config{Signaler: sig})
	t.Cleanup(func() {
		if err := mm.Registry().Close(); err != nil {
			t.Errorf("registry: %v", err)
		}
		if err := a.Close(); err != nil {
			t.Errorf("allocator: %v", err)
		}
	})
	return mm
}

// newSpace returns an address space with its own page table, torn
// down at cleanup.
func newSpace(t *testing.T, mm *vm.MemoryManager) *vm.AddressSpace {
	t.Helper()
	pt := newPageTable(t, mm)
	as := mm.NewAddressSpace(pt)
	t.Cleanup(as.Destroy)
	return as
}

func newPageTable(t *testing.T, mm *vm.MemoryManager) *mmu.PageTable {
	t.Helper()
	pt, err := mmu.NewPageTable(mm.Frames())
	if err != nil {
		t.Fatal(err)
	}
	// Cleanups run last in first out, so the address space using pt is
	// destroyed first.
	t.Cleanup(pt.Destroy)
	return pt
}

func fork(t *testing.T, mm *vm.MemoryManager, as *vm.AddressSpace) *vm.AddressSpace {
	t.Helper()
	pt := newPageTable(t, mm)
	child, err := as.Fork(pt)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(child.Destroy)
	return child
}

func pattern(n int, seed byte) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = seed + byte(i%251)
	}
	return b
}

func readAt(t *testing.T, as *vm.AddressSpace, va mmu.VirtualAddress, n int) []byte {
	t.Helper()
	buf := make([]byte, n)
	if err := as.CopyIn(va, buf); err != nil {
		t.Fatalf("CopyIn(%s, %d): %v", va, n, err)
	}
	return buf
}

func writeAt(t *testing.T, as *vm.AddressSpace, va mmu.VirtualAddress, data []byte) {
	t.Helper()
	if err := as.CopyOut(va, data); err != nil {
		t.Fatalf("CopyOut(%s, %d): %v", va, len(data), err)
	}
}

func verify(t *testing.T, mm *vm.MemoryManager, spaces ...*vm.AddressSpace) {
	t.Helper()
	if err := mm.Verify(spaces...); err != nil {
		t.Fatalf("Verify: %v", err)
	}
}

func writable(as *vm.AddressSpace, va mmu.VirtualAddress) bool {
	_, flags, ok := as.PageTable().Translate(va)
	return ok && flags.Writable()
}
