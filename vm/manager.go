// SPDX-License-Identifier: Unlicense OR MIT

package vm

import (
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"

	"eliasnaur.com/memobj/mmu"
	"eliasnaur.com/memobj/phys"
	"github.com/cockroachdb/errors"
)

// Config holds the optional collaborators of a MemoryManager.
type Config struct {
	// Logger receives diagnostics. Nil discards them.
	Logger *slog.Logger
	// Signaler receives the signals raised by unresolved faults. Nil
	// drops them.
	Signaler Signaler
}

// MemoryManager owns the frame allocator and the object registry, and
// dispatches page faults to Regions.
type MemoryManager struct {
	log      *slog.Logger
	frames   *phys.Allocator
	registry *Registry
	signal   Signaler

	// sharedMu serializes the inode back-references of shared objects.
	sharedMu sync.Mutex

	nextSpaceID atomic.Uint64
	faults      atomic.Uint64
	cowFaults   atomic.Uint64
	pageIns     atomic.Uint64
}

// Stats is a snapshot of the memory manager counters.
type Stats struct {
	Objects   int
	Frames    phys.Stats
	Faults    uint64
	COWFaults uint64
	PageIns   uint64
}

func NewMemoryManager(frames *phys.Allocator, registry *Registry, cfg Config) *MemoryManager {
	log := cfg.Logger
	if log == nil {
		log = slog.New(discardHandler)
	}
	return &MemoryManager{
		log:      log,
		frames:   frames,
		registry: registry,
		signal:   cfg.Signaler,
	}
}

func (mm *MemoryManager) Registry() *Registry {
	return mm.registry
}

func (mm *MemoryManager) Frames() *phys.Allocator {
	return mm.frames
}

// NewAddressSpace returns an empty address space translating through
// pt.
func (mm *MemoryManager) NewAddressSpace(pt PageMapper) *AddressSpace {
	return &AddressSpace{
		mm: mm,
		id: mm.nextSpaceID.Add(1),
		pt: pt,
	}
}

// AllocateUserPage returns a page with a reference count of one,
// zeroed if zero is set.
func (mm *MemoryManager) AllocateUserPage(zero bool) (*phys.Page, error) {
	p, err := mm.frames.Allocate(zero)
	if err != nil {
		mm.log.Warn("user page allocation failed", "err", err)
		return nil, err
	}
	return p, nil
}

// HandleFault resolves a fault of the given access at va in as. An
// unresolved fault raises SIGSEGV for access violations and SIGBUS
// for I/O errors, and the error is returned either way.
func (mm *MemoryManager) HandleFault(as *AddressSpace, va mmu.VirtualAddress, access Access) error {
	mm.faults.Add(1)
	err := mm.handleFault(as, va, access)
	if err == nil {
		return nil
	}
	mm.log.Debug("page fault unresolved", "space", as.id, "va", va, "access", access, "err", err)
	if sig, ok := signalFor(err); ok && mm.signal != nil {
		mm.signal.Signal(as, sig, va)
	}
	return err
}

func (mm *MemoryManager) handleFault(as *AddressSpace, va mmu.VirtualAddress, access Access) error {
	as.mu.RLock()
	defer as.mu.RUnlock()
	r := as.regionForLocked(va)
	if r == nil {
		return errors.Wrapf(ErrAccessViolation, "vm: %s at unmapped address %s", access, va)
	}
	return r.handleFault(va, access)
}

func (mm *MemoryManager) Stats() Stats {
	return Stats{
		Objects:   mm.registry.Len(),
		Frames:    mm.frames.Stats(),
		Faults:    mm.faults.Load(),
		COWFaults: mm.cowFaults.Load(),
		PageIns:   mm.pageIns.Load(),
	}
}

// Verify checks the consistency of every live object and of the
// translations of spaces:
//
//   - a mapped address translates to the page in the Region's slot;
//   - a writable translation maps a page with a reference count of
//     one that, for inode objects, is dirty;
//   - every object has as many slots as its size needs.
func (mm *MemoryManager) Verify(spaces ...*AddressSpace) error {
	var err error
	mm.registry.ForEach(func(obj VMObject) {
		o := obj.core()
		o.mu.Lock()
		defer o.mu.Unlock()
		if len(o.pages) != pageCount(o.size) {
			err = errors.CombineErrors(err, errors.Newf("vm: object %d has %d slots for size %d", o.id, len(o.pages), o.size))
		}
	})
	for _, as := range spaces {
		err = errors.CombineErrors(err, as.verify())
	}
	return err
}

func (as *AddressSpace) verify() error {
	as.mu.RLock()
	defer as.mu.RUnlock()
	var err error
	for _, r := range as.regions {
		o := r.object.core()
		d := r.object.dirtyTracker()
		o.mu.Lock()
		first, last := r.indexRange()
		for i := first; i < last; i++ {
			va := r.vaddrFor(i)
			pa, flags, ok := as.pt.Translate(va)
			if !ok {
				continue
			}
			p := o.pages[i]
			switch {
			case p == nil:
				err = errors.CombineErrors(err, errors.Newf("vm: %s mapped to %s but slot %d of object %d is empty", va, pa, i, o.id))
			case p.Address() != pa:
				err = errors.CombineErrors(err, errors.Newf("vm: %s mapped to %s but slot %d of object %d holds %s", va, pa, i, o.id, p.Address()))
			case flags.Writable() && p.RefCount() != 1:
				err = errors.CombineErrors(err, errors.Newf("vm: %s writable but page %s has %d references", va, pa, p.RefCount()))
			case flags.Writable() && d != nil && !d.dirty.Test(uint(i)):
				err = errors.CombineErrors(err, errors.Newf("vm: %s writable but page %d of object %d is clean", va, i, o.id))
			}
		}
		o.mu.Unlock()
	}
	return err
}

// Dump writes a listing of the live objects and the Regions of
// spaces to w.
func (mm *MemoryManager) Dump(w io.Writer, spaces ...*AddressSpace) {
	st := mm.Stats()
	fmt.Fprintf(w, "frames: %d total, %d used, %d free, %d reserved\n", st.Frames.Total, st.Frames.Used, st.Frames.Free, st.Frames.Reserved)
	fmt.Fprintf(w, "faults: %d, copy-on-write: %d, page-ins: %d\n", st.Faults, st.COWFaults, st.PageIns)
	for _, info := range mm.registry.Snapshot() {
		fmt.Fprintf(w, "object %d: %s size %#x resident %d dirty %d regions %d\n", info.ID, info.Kind, info.Size, info.Resident, info.Dirty, info.Regions)
	}
	for _, as := range spaces {
		fmt.Fprintf(w, "address space %d:\n", as.id)
		for _, r := range as.Regions() {
			fmt.Fprintf(w, "  %s object %d resident %#x shared %#x dirty %#x\n", r, r.object.ID(), r.AmountResident(), r.AmountShared(), r.AmountDirty())
		}
	}
}
