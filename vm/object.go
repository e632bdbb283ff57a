// SPDX-License-Identifier: Unlicense OR MIT

// Package vm implements memory objects: the content backing ranges
// of virtual memory, how that content is shared and copied across
// address spaces, and the page fault handling that materializes it.
//
// Lock order: AddressSpace.mu, MemoryManager.sharedMu, vmobject.mu,
// vmobject.regionsMu, page table, frame allocator. The registry lock
// is a leaf.
package vm

import (
	"sync"
	"sync/atomic"

	"eliasnaur.com/memobj/phys"
	"github.com/cockroachdb/errors"
	"golang.org/x/exp/slices"
)

const PageSize = phys.PageSize

// Kind identifies the concrete type of a VMObject.
type Kind int

const (
	KindAnonymous Kind = iota
	KindSharedInode
	KindPrivateInode
)

func (k Kind) String() string {
	switch k {
	case KindAnonymous:
		return "AnonymousVMObject"
	case KindSharedInode:
		return "SharedInodeVMObject"
	case KindPrivateInode:
		return "PrivateInodeVMObject"
	default:
		return "VMObject"
	}
}

// VMObject is the content backing some byte range, independent of
// any address space. It is implemented by *AnonymousVMObject,
// *SharedInodeVMObject and *PrivateInodeVMObject.
//
// Objects are reference counted. The creator holds the first
// reference; every Region mapping the object holds one more.
type VMObject interface {
	ID() uint64
	Kind() Kind
	// Size returns the byte length.
	Size() int
	// PageCount returns the number of page slots, Size rounded up to
	// whole pages.
	PageCount() int
	// PhysicalPage returns the page in slot i, or nil if the slot is
	// not present.
	PhysicalPage(i int) *phys.Page
	ResidentPages() int
	// Regions returns the Regions currently mapping the object.
	Regions() []*Region
	// TryClone returns the object a forked private mapping uses. On
	// failure the receiver is unchanged.
	TryClone() (VMObject, error)
	Ref()
	Release()

	core() *vmobject
	// populate returns a new page with the initial contents of slot
	// i.
	populate(i int) (*phys.Page, error)
	// dirtyTracker returns the dirty state of inode objects, nil for
	// others.
	dirtyTracker() *inodeObject
}

// vmobject is the state common to every VMObject.
type vmobject struct {
	id   uint64
	mm   *MemoryManager
	self VMObject
	refs atomic.Int32
	size int

	// mu guards pages and the dirty bitmap of inode objects. Holding
	// mu makes the caller the single writer of every slot.
	mu    sync.Mutex
	pages []*phys.Page

	// regionsMu guards regions. Regions are not owners.
	regionsMu sync.Mutex
	regions   []*Region

	// Registry links, guarded by Registry.mu.
	prev, next *vmobject
	registered bool
}

func pageCount(size int) int {
	return (size + PageSize - 1) / PageSize
}

func (o *vmobject) setup(mm *MemoryManager, self VMObject, size int) error {
	if size < 0 {
		return errors.Wrapf(ErrInvalidRange, "vm: object size %d", size)
	}
	o.mm = mm
	o.self = self
	o.size = size
	o.pages = make([]*phys.Page, pageCount(size))
	o.refs.Store(1)
	return mm.registry.register(o)
}

func (o *vmobject) ID() uint64 {
	return o.id
}

func (o *vmobject) Size() int {
	return o.size
}

func (o *vmobject) PageCount() int {
	return len(o.pages)
}

func (o *vmobject) PhysicalPage(i int) *phys.Page {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.checkIndex(i)
	return o.pages[i]
}

func (o *vmobject) ResidentPages() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	n := 0
	for _, p := range o.pages {
		if p != nil {
			n++
		}
	}
	return n
}

func (o *vmobject) Regions() []*Region {
	o.regionsMu.Lock()
	defer o.regionsMu.Unlock()
	return slices.Clone(o.regions)
}

func (o *vmobject) Ref() {
	if o.refs.Add(1) <= 1 {
		fatalf("vm: reference taken on dead object %d", o.id)
	}
}

func (o *vmobject) Release() {
	if o.unref() {
		o.destroy()
	}
}

func (o *vmobject) core() *vmobject {
	return o
}

func (o *vmobject) dirtyTracker() *inodeObject {
	return nil
}

// tryRef takes a reference unless the object is already dead.
func (o *vmobject) tryRef() bool {
	for {
		n := o.refs.Load()
		if n <= 0 {
			return false
		}
		if o.refs.CompareAndSwap(n, n+1) {
			return true
		}
	}
}

// unref drops a reference and reports whether it was the last.
func (o *vmobject) unref() bool {
	n := o.refs.Add(-1)
	if n < 0 {
		fatalf("vm: object %d released too many times", o.id)
	}
	return n == 0
}

// destroy frees the pages of a dead object and deregisters it.
func (o *vmobject) destroy() {
	o.regionsMu.Lock()
	if len(o.regions) != 0 {
		fatalf("vm: object %d destroyed while mapped by %d regions", o.id, len(o.regions))
	}
	o.regionsMu.Unlock()
	o.mu.Lock()
	for i, p := range o.pages {
		if p != nil {
			p.DecRef()
			o.pages[i] = nil
		}
	}
	o.mu.Unlock()
	o.mm.registry.deregister(o)
	o.mm.log.Debug("vmobject destroyed", "id", o.id, "kind", o.self.Kind())
}

func (o *vmobject) checkIndex(i int) {
	if i < 0 || i >= len(o.pages) {
		fatalf("vm: page index %d out of range for object %d with %d pages", i, o.id, len(o.pages))
	}
}

func (o *vmobject) addRegion(r *Region) {
	o.regionsMu.Lock()
	defer o.regionsMu.Unlock()
	o.regions = append(o.regions, r)
}

func (o *vmobject) removeRegion(r *Region) {
	o.regionsMu.Lock()
	defer o.regionsMu.Unlock()
	i := slices.Index(o.regions, r)
	if i == -1 {
		fatalf("vm: region %s not registered with object %d", r, o.id)
	}
	o.regions = slices.Delete(o.regions, i, i+1)
}

// sharePagesLocked makes dst reference every present page of o and
// downgrades the mappings of o, so that the next write through
// either object copies.
//
// Preconditions: o.mu locked. dst is new and unshared.
func (o *vmobject) sharePagesLocked(dst *vmobject) {
	for i, p := range o.pages {
		if p != nil {
			p.IncRef()
			dst.pages[i] = p
		}
	}
	o.remapAllLocked()
}

// remapPageLocked refreshes the existing translations of slot i in
// every Region except skip.
//
// Preconditions: o.mu locked.
func (o *vmobject) remapPageLocked(i int, skip *Region) {
	o.regionsMu.Lock()
	defer o.regionsMu.Unlock()
	for _, r := range o.regions {
		if r == skip || !r.containsIndex(i) {
			continue
		}
		r.refreshLocked(i)
	}
}

// remapAllLocked refreshes every existing translation of o.
//
// Preconditions: o.mu locked.
func (o *vmobject) remapAllLocked() {
	o.regionsMu.Lock()
	defer o.regionsMu.Unlock()
	for _, r := range o.regions {
		first, last := r.indexRange()
		for i := first; i < last; i++ {
			if o.pages[i] != nil {
				r.refreshLocked(i)
			}
		}
	}
}

// unmapPageLocked removes the translations of slot i from every
// Region.
//
// Preconditions: o.mu locked.
func (o *vmobject) unmapPageLocked(i int) {
	o.regionsMu.Lock()
	defer o.regionsMu.Unlock()
	for _, r := range o.regions {
		if r.containsIndex(i) {
			r.space.removeMapping(r.vaddrFor(i))
		}
	}
}

func (o *vmobject) info() ObjectInfo {
	info := ObjectInfo{
		ID:       o.id,
		Kind:     o.self.Kind(),
		Size:     o.size,
		Resident: o.ResidentPages(),
	}
	o.regionsMu.Lock()
	info.Regions = len(o.regions)
	o.regionsMu.Unlock()
	if d := o.self.dirtyTracker(); d != nil {
		info.Dirty = d.AmountDirty() / PageSize
	}
	return info
}
