// SPDX-License-Identifier: Unlicense OR MIT

// Package phys manages physical memory frames. Frames live in an
// anonymous host mapping that stands in for RAM, and every allocated
// frame is represented by exactly one refcounted Page handle.
package phys

import (
	"fmt"
	"math/bits"
	"sync"

	"github.com/cockroachdb/errors"
	"golang.org/x/sys/unix"
)

const (
	PageSize  = 1 << 12
	pageShift = 12
)

// Base is the physical address of the first frame. Address 0 is
// never handed out.
const Base Address = 0x100000

// ErrNoMemory is returned when no free frame is left.
var ErrNoMemory = errors.New("alloc: out of memory")

// Address is a physical memory address.
type Address uintptr

func (a Address) String() string {
	return fmt.Sprintf("%#x", uintptr(a))
}

// Aligned reports whether a is at a frame boundary.
func (a Address) Aligned() bool {
	return a&(PageSize-1) == 0
}

// Allocator is a simple allocator for physical memory, tracking free
// frames with a bitmap.
type Allocator struct {
	mu sync.Mutex
	// mem is the identity map of physical memory.
	mem    []byte
	start  Address
	frames int
	// The index into bits of the last allocated block.
	word int
	// bits represent each frame with one bit. 1 means free, 0 means
	// allocated or reserved.
	bits     []uint64
	used     int
	reserved int
	closed   bool
}

// Stats is a snapshot of the allocator's frame accounting.
type Stats struct {
	Total    int
	Free     int
	Used     int
	Reserved int
}

// NewAllocator maps frames pages of host memory and returns an
// allocator with every frame free.
func NewAllocator(frames int) (*Allocator, error) {
	if frames <= 0 {
		return nil, errors.Newf("alloc: invalid frame count %d", frames)
	}
	mem, err := unix.Mmap(-1, 0, frames*PageSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANON)
	if err != nil {
		return nil, errors.Wrap(err, "alloc: mapping physical memory")
	}
	a := &Allocator{
		mem:    mem,
		start:  Base,
		frames: frames,
		bits:   make([]uint64, (frames+63)/64),
	}
	a.setFree(true, 0, frames)
	return a, nil
}

// Allocate takes one frame from the pool. The returned page has a
// reference count of one. If zero is set, the frame is cleared.
// Allocate never waits for memory to become available.
func (a *Allocator) Allocate(zero bool) (*Page, error) {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil, errors.Wrap(ErrNoMemory, "alloc: allocator closed")
	}
	idx, ok := a.nextFreeFrame()
	if !ok {
		a.mu.Unlock()
		return nil, ErrNoMemory
	}
	a.mark(idx)
	a.used++
	a.mu.Unlock()

	p := &Page{addr: a.start + Address(idx)<<pageShift, alloc: a}
	p.refs.Store(1)
	if zero {
		clear(p.Bytes())
	}
	return p, nil
}

// Reserve marks the frames in [start, end) unusable. Frames already
// handed out are unaffected until they are freed, at which point they
// return to the pool.
func (a *Allocator) Reserve(start, end Address) error {
	if !start.Aligned() || !end.Aligned() {
		return errors.Newf("alloc: unaligned reserve range [%s, %s)", start, end)
	}
	if start > end || start < a.start || end > a.start+Address(a.frames)<<pageShift {
		return errors.Newf("alloc: reserve range [%s, %s) out of bounds", start, end)
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	before := a.countFree()
	a.setFree(false, a.index(start), a.index(end))
	a.reserved += before - a.countFree()
	return nil
}

// Bytes returns the contents of the frame at addr.
func (a *Allocator) Bytes(addr Address) []byte {
	if !addr.Aligned() {
		fatalf("alloc: unaligned frame address %s", addr)
	}
	idx := a.index(addr)
	if idx < 0 || idx >= a.frames {
		fatalf("alloc: frame address %s outside physical memory", addr)
	}
	off := idx << pageShift
	return a.mem[off : off+PageSize : off+PageSize]
}

func (a *Allocator) Stats() Stats {
	a.mu.Lock()
	defer a.mu.Unlock()
	return Stats{
		Total:    a.frames,
		Free:     a.countFree(),
		Used:     a.used,
		Reserved: a.reserved,
	}
}

// Close unmaps physical memory. It fails, leaving memory mapped, if
// any frame is still in use.
func (a *Allocator) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return nil
	}
	if a.used != 0 {
		return errors.Newf("alloc: %d frames still in use", a.used)
	}
	a.closed = true
	if err := unix.Munmap(a.mem); err != nil {
		return errors.Wrap(err, "alloc: unmapping physical memory")
	}
	a.mem = nil
	return nil
}

// free returns the frame at addr to the pool.
func (a *Allocator) free(addr Address) {
	idx := a.index(addr)
	a.mu.Lock()
	defer a.mu.Unlock()
	if idx < 0 || idx >= a.frames {
		fatalf("alloc: freeing frame %s outside physical memory", addr)
	}
	mask := uint64(1) << (64 - idx%64 - 1)
	if a.bits[idx/64]&mask != 0 {
		fatalf("alloc: double free of frame %s", addr)
	}
	a.bits[idx/64] |= mask
	a.used--
}

func (a *Allocator) index(addr Address) int {
	return int((addr - a.start) >> pageShift)
}

// setFree marks the frames [startBit, endBit) free or allocated.
func (a *Allocator) setFree(free bool, startBit, endBit int) {
	if startBit > endBit {
		fatalf("setFree: start > end")
	}
	if startBit == endBit {
		return
	}
	startWord := startBit / 64
	endWord := endBit / 64
	// Set the bits of the first and last word(s).
	startPattern := uint64(1)<<(64-startBit%64) - 1
	endPattern := ^(uint64(1)<<(64-endBit%64) - 1)
	if startWord == endWord {
		startPattern &= endPattern
		endPattern = startPattern
	}
	var pattern uint64
	if free {
		pattern = ^uint64(0)
		a.bits[startWord] |= startPattern
		if endWord < len(a.bits) {
			a.bits[endWord] |= endPattern
		}
	} else {
		pattern = 0
		a.bits[startWord] &^= startPattern
		if endWord < len(a.bits) {
			a.bits[endWord] &^= endPattern
		}
	}
	// Mark the middle bits.
	for i := startWord + 1; i < endWord; i++ {
		a.bits[i] = pattern
	}
}

func (a *Allocator) mark(idx int) {
	mask := uint64(1) << (64 - idx%64 - 1)
	a.bits[idx/64] &^= mask
}

func (a *Allocator) nextFreeFrame() (int, bool) {
	for i := 0; i < len(a.bits); i++ {
		idx := (i + a.word) % len(a.bits)
		w := a.bits[idx]
		b := bits.LeadingZeros64(w)
		if b == 64 {
			continue
		}
		a.word = idx
		return idx*64 + b, true
	}
	return 0, false
}

func (a *Allocator) countFree() int {
	n := 0
	for _, w := range a.bits {
		n += bits.OnesCount64(w)
	}
	return n
}

func fatalf(format string, args ...interface{}) {
	panic(errors.AssertionFailedf(format, args...))
}
