// SPDX-License-Identifier: Unlicense OR MIT

package vm

import (
	"fmt"

	"eliasnaur.com/memobj/mmu"
	"github.com/cockroachdb/errors"
)

// Prot is the set of accesses a Region permits.
type Prot uint8

const (
	ProtRead Prot = 1 << iota
	ProtWrite
	ProtExec

	ProtNone Prot = 0
)

func (p Prot) String() string {
	b := []byte("---")
	if p&ProtRead != 0 {
		b[0] = 'r'
	}
	if p&ProtWrite != 0 {
		b[1] = 'w'
	}
	if p&ProtExec != 0 {
		b[2] = 'x'
	}
	return string(b)
}

// Access is the kind of access that faulted.
type Access int

const (
	AccessRead Access = iota
	AccessWrite
	AccessExecute
)

func (a Access) String() string {
	switch a {
	case AccessRead:
		return "read"
	case AccessWrite:
		return "write"
	case AccessExecute:
		return "execute"
	default:
		return fmt.Sprintf("access %d", int(a))
	}
}

// Region maps a page aligned range of one address space onto a
// VMObject, starting at a page offset into the object.
type Region struct {
	space  *AddressSpace
	object VMObject
	// offset is the first object page mapped.
	offset int
	base   mmu.VirtualAddress
	size   int
	// prot is written with both space.mu and the object's mu held.
	prot   Prot
	shared bool
	name   string
}

func (r *Region) Space() *AddressSpace {
	return r.space
}

func (r *Region) Object() VMObject {
	return r.object
}

func (r *Region) Base() mmu.VirtualAddress {
	return r.base
}

func (r *Region) End() mmu.VirtualAddress {
	return r.base + mmu.VirtualAddress(r.size)
}

func (r *Region) Size() int {
	return r.size
}

// Offset returns the byte offset into the object where the Region
// starts.
func (r *Region) Offset() int {
	return r.offset * PageSize
}

func (r *Region) Prot() Prot {
	r.space.mu.RLock()
	defer r.space.mu.RUnlock()
	return r.prot
}

// Shared reports whether writes through the Region are visible to
// other mappings of the object (MAP_SHARED).
func (r *Region) Shared() bool {
	return r.shared
}

func (r *Region) Name() string {
	return r.name
}

func (r *Region) String() string {
	kind := "private"
	if r.shared {
		kind = "shared"
	}
	return fmt.Sprintf("%q [%s-%s) %s %s", r.name, r.base, r.End(), r.prot, kind)
}

func (r *Region) Contains(va mmu.VirtualAddress) bool {
	return r.base <= va && va < r.End()
}

// PageIndex returns the object page slot backing va.
func (r *Region) PageIndex(va mmu.VirtualAddress) int {
	return r.offset + int(va-r.base)/PageSize
}

func (r *Region) vaddrFor(i int) mmu.VirtualAddress {
	return r.base + mmu.VirtualAddress(i-r.offset)*PageSize
}

// indexRange returns the object slots [first, last) mapped by r.
func (r *Region) indexRange() (int, int) {
	return r.offset, r.offset + r.size/PageSize
}

func (r *Region) containsIndex(i int) bool {
	first, last := r.indexRange()
	return first <= i && i < last
}

// AmountResident returns the bytes of the Region backed by present
// pages.
func (r *Region) AmountResident() int {
	return r.countPages(func(i int) bool { return true })
}

// AmountShared returns the bytes of the Region backed by pages that
// some other object also references.
func (r *Region) AmountShared() int {
	o := r.object.core()
	return r.countPages(func(i int) bool { return o.pages[i].RefCount() > 1 })
}

// AmountDirty returns the bytes of the Region backed by pages not yet
// written back to their inode. It is zero for anonymous memory.
func (r *Region) AmountDirty() int {
	d := r.object.dirtyTracker()
	if d == nil {
		return 0
	}
	return r.countPages(func(i int) bool { return d.dirty.Test(uint(i)) })
}

func (r *Region) countPages(pred func(i int) bool) int {
	o := r.object.core()
	o.mu.Lock()
	defer o.mu.Unlock()
	n := 0
	first, last := r.indexRange()
	for i := first; i < last; i++ {
		if o.pages[i] != nil && pred(i) {
			n++
		}
	}
	return n * PageSize
}

// Remap installs translations for every present page of the Region.
func (r *Region) Remap() error {
	o := r.object.core()
	r.space.mu.RLock()
	defer r.space.mu.RUnlock()
	o.mu.Lock()
	defer o.mu.Unlock()
	first, last := r.indexRange()
	for i := first; i < last; i++ {
		if o.pages[i] == nil {
			continue
		}
		if err := r.installLocked(i); err != nil {
			return err
		}
	}
	return nil
}

// Protect changes the Region's permissions and updates existing
// translations. Write permission is granted lazily, by the next
// write fault.
func (r *Region) Protect(prot Prot) {
	r.space.mu.Lock()
	defer r.space.mu.Unlock()
	o := r.object.core()
	o.mu.Lock()
	defer o.mu.Unlock()
	r.prot = prot
	first, last := r.indexRange()
	for i := first; i < last; i++ {
		if o.pages[i] != nil {
			r.refreshLocked(i)
		}
	}
}

// handleFault resolves a fault at va.
//
// Preconditions: r.space.mu locked for reading.
func (r *Region) handleFault(va mmu.VirtualAddress, access Access) error {
	if err := r.checkAccess(va, access); err != nil {
		return err
	}
	va = va.Align()
	i := r.PageIndex(va)
	o := r.object.core()
	for {
		o.mu.Lock()
		if o.pages[i] != nil {
			break
		}
		o.mu.Unlock()
		if err := r.faultIn(i); err != nil {
			return err
		}
	}
	defer o.mu.Unlock()
	if access == AccessWrite {
		return r.handleWriteLocked(va, i)
	}
	// NotPresent -> Present, or a read through another mapping of a
	// present page.
	return r.installLocked(i)
}

func (r *Region) checkAccess(va mmu.VirtualAddress, access Access) error {
	var need Prot
	switch access {
	case AccessRead:
		need = ProtRead
	case AccessWrite:
		need = ProtWrite
	case AccessExecute:
		need = ProtExec
	}
	if r.prot&need == 0 {
		return errors.Wrapf(ErrAccessViolation, "vm: %s at %s not permitted by region %s", access, va, r)
	}
	return nil
}

// faultIn fills slot i. The page is produced without the slot lock
// held, then installed only if the slot is still empty; a fault that
// loses the race discards its page and uses the winner's.
func (r *Region) faultIn(i int) error {
	o := r.object.core()
	page, err := r.object.populate(i)
	if err != nil {
		if errors.Is(err, ErrNoMemory) {
			o.mm.log.Warn("no memory for page fault", "object", o.id, "page", i)
		}
		return errors.Wrapf(err, "vm: faulting in page %d of region %s", i, r)
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.pages[i] != nil {
		page.DecRef()
		return nil
	}
	o.pages[i] = page
	o.mm.log.Debug("page fault: filled slot", "object", o.id, "page", i, "frame", page.Address())
	return nil
}

// handleWriteLocked makes slot i exclusively owned and writable,
// copying the page if another object references it.
//
// Preconditions: o.mu locked, slot i present.
func (r *Region) handleWriteLocked(va mmu.VirtualAddress, i int) error {
	o := r.object.core()
	page := o.pages[i]
	d := r.object.dirtyTracker()
	wasDirty := d != nil && d.dirty.Test(uint(i))
	undo := func() {
		if d != nil && !wasDirty {
			d.dirty.Clear(uint(i))
		}
	}
	if d != nil {
		d.dirty.Set(uint(i))
	}
	if page.RefCount() == 1 {
		// Present-Exclusive: the sole owner takes the page as is.
		if err := r.installLocked(i); err != nil {
			undo()
			return err
		}
		return nil
	}
	// Present-Shared: copy on write.
	copied, err := o.mm.AllocateUserPage(false)
	if err != nil {
		undo()
		o.mm.log.Warn("no memory for copy-on-write", "object", o.id, "page", i, "va", va)
		return errors.Wrapf(err, "vm: copy-on-write at %s", va)
	}
	copied.CopyFrom(page)
	o.pages[i] = copied
	if err := r.installLocked(i); err != nil {
		o.pages[i] = page
		copied.DecRef()
		undo()
		return err
	}
	// Other Regions of this object must stop translating to the old
	// frame before it can be freed.
	o.remapPageLocked(i, r)
	page.DecRef()
	o.mm.cowFaults.Add(1)
	o.mm.log.Debug("page fault: copied on write", "object", o.id, "page", i, "from", page.Address(), "to", copied.Address())
	return nil
}

// flagsLocked returns the translation flags for slot i. Writes are
// only let through to a page the object owns exclusively and, for
// inode objects, that is already dirty.
//
// Preconditions: o.mu locked, slot i present.
func (r *Region) flagsLocked(i int) mmu.Flags {
	o := r.object.core()
	flags := mmu.FlagUser
	if r.prot&ProtExec == 0 {
		flags |= mmu.FlagNX
	}
	if r.prot&ProtWrite == 0 || o.pages[i].RefCount() != 1 {
		return flags
	}
	if d := r.object.dirtyTracker(); d != nil && !d.dirty.Test(uint(i)) {
		return flags
	}
	return flags | mmu.FlagWritable
}

// installLocked maps slot i.
//
// Preconditions: o.mu locked, slot i present.
func (r *Region) installLocked(i int) error {
	va := r.vaddrFor(i)
	if r.prot == ProtNone {
		r.space.removeMapping(va)
		return nil
	}
	page := r.object.core().pages[i]
	if err := r.space.pt.InstallMapping(va, page.Address(), r.flagsLocked(i)); err != nil {
		return errors.Wrapf(err, "vm: mapping %s in region %s", va, r)
	}
	return nil
}

// refreshLocked updates the translation of slot i if one exists.
// Replacing an existing entry needs no table pages and cannot fail.
//
// Preconditions: o.mu locked, slot i present.
func (r *Region) refreshLocked(i int) {
	va := r.vaddrFor(i)
	if _, _, ok := r.space.pt.Translate(va); !ok {
		return
	}
	if err := r.installLocked(i); err != nil {
		fatalf("vm: refreshing translation of %s: %v", va, err)
	}
}

// unmapLocked removes the Region's translations and detaches it from
// its object, dropping the Region's reference.
//
// Preconditions: r.space.mu locked.
func (r *Region) unmapLocked() {
	o := r.object.core()
	o.mu.Lock()
	o.removeRegion(r)
	first, last := r.indexRange()
	for i := first; i < last; i++ {
		if o.pages[i] != nil {
			r.space.removeMapping(r.vaddrFor(i))
		}
	}
	o.mu.Unlock()
	r.object.Release()
}
