// SPDX-License-Identifier: Unlicense OR MIT

package vm

import (
	"sync"

	"eliasnaur.com/memobj/mmu"
	"eliasnaur.com/memobj/phys"
	"github.com/cockroachdb/errors"
	"golang.org/x/exp/slices"
)

// PageMapper is the hardware side of an address space.
type PageMapper interface {
	InstallMapping(va mmu.VirtualAddress, pa phys.Address, flags mmu.Flags) error
	RemoveMapping(va mmu.VirtualAddress) error
	Translate(va mmu.VirtualAddress) (phys.Address, mmu.Flags, bool)
}

// userBase is the lowest address handed out. The lowest addresses
// stay unmapped.
const userBase mmu.VirtualAddress = 0x100000

// maxFaultRetries bounds how often a user copy faults on one page
// before giving up.
const maxFaultRetries = 16

// AddressSpace is the set of Regions of one process.
//
// Faults hold mu for reading; Allocate, Unmap and Fork hold it for
// writing, so a Fork observes no concurrent fault in the parent.
type AddressSpace struct {
	mm *MemoryManager
	id uint64
	pt PageMapper

	mu sync.RWMutex
	// regions is the list of Regions, sorted by address.
	regions []*Region
	// next is the address to start searching for a free range.
	next      mmu.VirtualAddress
	destroyed bool
}

// MapRequest describes a new Region.
type MapRequest struct {
	// Object backs the Region, which takes its own reference.
	Object VMObject
	// Offset is the page aligned byte offset into Object.
	Offset int
	// Size is the length of the Region, rounded up to whole pages.
	// Zero maps the rest of Object.
	Size int
	// Addr is the preferred address, or the exact address if Fixed.
	Addr  mmu.VirtualAddress
	Fixed bool
	Prot  Prot
	// Shared selects MAP_SHARED semantics: fork shares Object instead
	// of cloning it.
	Shared bool
	Name   string
}

func (as *AddressSpace) ID() uint64 {
	return as.id
}

func (as *AddressSpace) PageTable() PageMapper {
	return as.pt
}

// Allocate creates a Region as described by req.
func (as *AddressSpace) Allocate(req MapRequest) (*Region, error) {
	obj := req.Object
	if obj == nil {
		return nil, errors.Wrap(ErrInvalidRange, "vm: no object to map")
	}
	if req.Offset < 0 || req.Offset%PageSize != 0 || req.Offset > obj.Size() {
		return nil, errors.Wrapf(ErrInvalidRange, "vm: offset %#x into object of size %#x", req.Offset, obj.Size())
	}
	size := req.Size
	if size == 0 {
		size = obj.Size() - req.Offset
	}
	size = int(mmu.VirtualAddress(size).AlignUp())
	if size <= 0 || req.Offset/PageSize+size/PageSize > obj.PageCount() {
		return nil, errors.Wrapf(ErrInvalidRange, "vm: %#x bytes at offset %#x exceed object of size %#x", size, req.Offset, obj.Size())
	}
	as.mu.Lock()
	defer as.mu.Unlock()
	if as.destroyed {
		return nil, errors.Wrap(ErrInvalidRange, "vm: address space destroyed")
	}
	base, err := as.findRangeLocked(req.Addr, size, req.Fixed)
	if err != nil {
		return nil, err
	}
	obj.Ref()
	r := &Region{
		space:  as,
		object: obj,
		offset: req.Offset / PageSize,
		base:   base,
		size:   size,
		prot:   req.Prot,
		shared: req.Shared,
		name:   req.Name,
	}
	as.insertLocked(r)
	as.mm.log.Debug("region allocated", "space", as.id, "region", r.String(), "object", obj.ID())
	return r, nil
}

// MapAnonymous maps size bytes of fresh zero-filled memory.
func (as *AddressSpace) MapAnonymous(size int, prot Prot, shared bool, name string) (*Region, error) {
	obj, err := TryCreateAnonymous(as.mm, size)
	if err != nil {
		return nil, err
	}
	defer obj.Release()
	return as.Allocate(MapRequest{Object: obj, Prot: prot, Shared: shared, Name: name})
}

// MapInode maps size bytes of inode starting at offset. Shared
// mappings alias the inode's shared object; private mappings get a
// fresh copy-on-write object.
func (as *AddressSpace) MapInode(inode Inode, offset, size int, prot Prot, shared bool, name string) (*Region, error) {
	var obj VMObject
	var err error
	if shared {
		obj, err = TryCreateSharedInode(as.mm, inode)
	} else {
		obj, err = TryCreatePrivateInode(as.mm, inode)
	}
	if err != nil {
		return nil, err
	}
	defer obj.Release()
	return as.Allocate(MapRequest{Object: obj, Offset: offset, Size: size, Prot: prot, Shared: shared, Name: name})
}

// Unmap removes r from the address space.
func (as *AddressSpace) Unmap(r *Region) error {
	as.mu.Lock()
	defer as.mu.Unlock()
	i := slices.Index(as.regions, r)
	if i == -1 {
		return errors.Wrapf(ErrInvalidRange, "vm: region %s not in address space %d", r, as.id)
	}
	as.regions = slices.Delete(as.regions, i, i+1)
	r.unmapLocked()
	as.mm.log.Debug("region unmapped", "space", as.id, "region", r.String())
	return nil
}

// RegionFor returns the Region containing va, or nil.
func (as *AddressSpace) RegionFor(va mmu.VirtualAddress) *Region {
	as.mu.RLock()
	defer as.mu.RUnlock()
	return as.regionForLocked(va)
}

// Regions returns the Regions in address order.
func (as *AddressSpace) Regions() []*Region {
	as.mu.RLock()
	defer as.mu.RUnlock()
	return slices.Clone(as.regions)
}

// Fork returns a copy of the address space using pt for its
// translations. Shared Regions share their objects with the copy;
// private Regions get copy-on-write clones. The parent is locked
// against faults for the duration. If any clone fails, everything
// created so far is torn down and the error returned.
func (as *AddressSpace) Fork(pt PageMapper) (*AddressSpace, error) {
	as.mu.Lock()
	defer as.mu.Unlock()
	if as.destroyed {
		return nil, errors.Wrap(ErrInvalidRange, "vm: forking destroyed address space")
	}
	child := as.mm.NewAddressSpace(pt)
	for _, r := range as.regions {
		var obj VMObject
		if r.shared {
			r.object.Ref()
			obj = r.object
		} else {
			clone, err := r.object.TryClone()
			if err != nil {
				child.Destroy()
				as.mm.log.Warn("fork failed", "space", as.id, "region", r.String(), "err", err)
				return nil, errors.Wrapf(err, "vm: forking region %s", r)
			}
			obj = clone
		}
		cr := &Region{
			space:  child,
			object: obj,
			offset: r.offset,
			base:   r.base,
			size:   r.size,
			prot:   r.prot,
			shared: r.shared,
			name:   r.name,
		}
		child.insertLocked(cr)
	}
	child.next = as.next
	as.mm.log.Debug("address space forked", "parent", as.id, "child", child.id, "regions", len(child.regions))
	return child, nil
}

// Destroy unmaps every Region. The page table itself belongs to the
// caller.
func (as *AddressSpace) Destroy() {
	as.mu.Lock()
	defer as.mu.Unlock()
	for _, r := range as.regions {
		r.unmapLocked()
	}
	as.regions = nil
	as.destroyed = true
}

// CopyIn reads len(dst) bytes at va, faulting pages in as needed.
func (as *AddressSpace) CopyIn(va mmu.VirtualAddress, dst []byte) error {
	return as.copy(va, len(dst), AccessRead, func(mem []byte) int {
		n := copy(dst, mem)
		dst = dst[n:]
		return n
	})
}

// CopyOut writes src at va, faulting pages in and breaking
// copy-on-write as needed.
func (as *AddressSpace) CopyOut(va mmu.VirtualAddress, src []byte) error {
	return as.copy(va, len(src), AccessWrite, func(mem []byte) int {
		n := copy(mem, src)
		src = src[n:]
		return n
	})
}

// copy walks n bytes at va page by page, calling fn with the frame
// memory of each page once its translation permits access.
//
// fn runs with the mu of the object backing the page held, so the
// access cannot interleave with writeback, page release or a
// copy-on-write replacing the slot.
func (as *AddressSpace) copy(va mmu.VirtualAddress, n int, access Access, fn func(mem []byte) int) error {
	faults := 0
	for n > 0 {
		as.mu.RLock()
		if r := as.regionForLocked(va); r != nil {
			o := r.object.core()
			o.mu.Lock()
			if mem, ok := as.accessibleLocked(r, va, access); ok {
				if len(mem) > n {
					mem = mem[:n]
				}
				done := fn(mem)
				o.mu.Unlock()
				as.mu.RUnlock()
				va += mmu.VirtualAddress(done)
				n -= done
				faults = 0
				continue
			}
			o.mu.Unlock()
		}
		as.mu.RUnlock()
		if faults == maxFaultRetries {
			return errors.AssertionFailedf("vm: fault at %s did not resolve after %d attempts", va, faults)
		}
		faults++
		if err := as.mm.HandleFault(as, va, access); err != nil {
			return err
		}
	}
	return nil
}

// accessibleLocked returns the frame memory from va to the end of its
// page if the translation of va permits access and maps the page in
// the slot of r's object. The object's mu must be held.
func (as *AddressSpace) accessibleLocked(r *Region, va mmu.VirtualAddress, access Access) ([]byte, bool) {
	pa, flags, ok := as.pt.Translate(va)
	if !ok || (access == AccessWrite && !flags.Writable()) {
		return nil, false
	}
	p := r.object.core().pages[r.PageIndex(va)]
	if p == nil || p.Address() != pa {
		return nil, false
	}
	return as.mm.frames.Bytes(pa)[va.PageOffset():], true
}

func (as *AddressSpace) removeMapping(va mmu.VirtualAddress) {
	if err := as.pt.RemoveMapping(va); err != nil {
		fatalf("vm: removing translation of %s: %v", va, err)
	}
}

// findRangeLocked reserves size bytes, preferring addr as the start.
func (as *AddressSpace) findRangeLocked(addr mmu.VirtualAddress, size int, fixed bool) (mmu.VirtualAddress, error) {
	if fixed {
		if !addr.Aligned() {
			return 0, errors.Wrapf(ErrInvalidRange, "vm: fixed address %s not aligned", addr)
		}
		if !as.isFreeLocked(addr, addr+mmu.VirtualAddress(size)) {
			return 0, errors.Wrapf(ErrOverlap, "vm: fixed range at %s", addr)
		}
		return addr, nil
	}
	if addr == 0 {
		addr = as.next
		if addr == 0 {
			addr = userBase
		}
	}
	start := addr.Align()
	end := start + mmu.VirtualAddress(size)
	if as.isFreeLocked(start, end) {
		if end > as.next {
			as.next = end
		}
		return start, nil
	}
	// Forward search for a starting address where the range fits.
	for idx := as.closestRegionLocked(start); idx < len(as.regions); idx++ {
		start := as.regions[idx].End()
		end := start + mmu.VirtualAddress(size)
		if as.isFreeLocked(start, end) {
			as.next = end
			return start, nil
		}
	}
	// Retry from the bottom.
	for idx := 0; idx < len(as.regions); idx++ {
		start := as.regions[idx].End()
		end := start + mmu.VirtualAddress(size)
		if as.isFreeLocked(start, end) {
			return start, nil
		}
	}
	if as.isFreeLocked(userBase, userBase+mmu.VirtualAddress(size)) {
		return userBase, nil
	}
	return 0, errors.Wrapf(ErrNoMemory, "vm: no free range of %#x bytes", size)
}

// isFreeLocked reports whether [start, end) is inside user space and
// overlaps no Region.
func (as *AddressSpace) isFreeLocked(start, end mmu.VirtualAddress) bool {
	if start < userBase || end > mmu.MaxUserAddress || start >= end {
		return false
	}
	i := as.closestRegionLocked(start)
	return i == len(as.regions) || as.regions[i].base >= end
}

func (as *AddressSpace) regionForLocked(va mmu.VirtualAddress) *Region {
	i := as.closestRegionLocked(va)
	if i < len(as.regions) && as.regions[i].Contains(va) {
		return as.regions[i]
	}
	return nil
}

// closestRegionLocked finds the lowest index i where
// as.regions[i].End() > addr.
func (as *AddressSpace) closestRegionLocked(addr mmu.VirtualAddress) int {
	i, _ := slices.BinarySearchFunc(as.regions, addr, func(r *Region, addr mmu.VirtualAddress) int {
		if r.End() <= addr {
			return -1
		}
		return 1
	})
	return i
}

// insertLocked adds r to the sorted Region list and to its object.
func (as *AddressSpace) insertLocked(r *Region) {
	i := as.closestRegionLocked(r.base)
	as.regions = slices.Insert(as.regions, i, r)
	r.object.core().addRegion(r)
}
