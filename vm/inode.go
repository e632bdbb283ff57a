// SPDX-License-Identifier: Unlicense OR MIT

package vm

import (
	"io"
	"math"

	"eliasnaur.com/memobj/phys"
	"github.com/bits-and-blooms/bitset"
	"github.com/cockroachdb/errors"
)

// Inode is the file a memory object pages from. ReadAt and WriteAt
// follow io.ReaderAt and io.WriterAt.
type Inode interface {
	ID() uint64
	Size() int64
	ReadAt(p []byte, off int64) (int, error)
	WriteAt(p []byte, off int64) (int, error)
	// SharedVMObject returns the inode's back-reference to the object
	// shared by all its MAP_SHARED mappings, or nil.
	//
	// The reference is weak: it does not keep the object alive.
	// Accesses are serialized by the MemoryManager.
	SharedVMObject() *SharedInodeVMObject
	SetSharedVMObject(obj *SharedInodeVMObject)
}

// inodeObject is the state shared by the inode backed objects.
type inodeObject struct {
	vmobject
	inode Inode
	// dirty has one bit per page slot, set for pages written since they
	// were last flushed to the inode. Guarded by mu.
	dirty *bitset.BitSet
}

func (o *inodeObject) setupInode(mm *MemoryManager, self VMObject, inode Inode) error {
	size := inode.Size()
	if size < 0 || size > math.MaxInt32*PageSize {
		return errors.Wrapf(ErrInvalidRange, "vm: inode %d size %d", inode.ID(), size)
	}
	o.inode = inode
	o.dirty = bitset.New(uint(pageCount(int(size))))
	return o.setup(mm, self, int(size))
}

// setupLike prepares o as an object of the same size and inode as
// src.
func (o *inodeObject) setupLike(mm *MemoryManager, self VMObject, src *inodeObject) error {
	o.inode = src.inode
	o.dirty = bitset.New(uint(len(src.pages)))
	return o.setup(mm, self, src.size)
}

func (o *inodeObject) Inode() Inode {
	return o.inode
}

func (o *inodeObject) IsDirty(i int) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.checkIndex(i)
	return o.dirty.Test(uint(i))
}

// SetDirty sets or clears the dirty bit of page i. Marking a page
// that is not present dirty is ignored.
func (o *inodeObject) SetDirty(i int, dirty bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.checkIndex(i)
	if dirty && o.pages[i] == nil {
		return
	}
	o.dirty.SetTo(uint(i), dirty)
	if !dirty && o.pages[i] != nil {
		// Catch the next write.
		o.remapPageLocked(i, nil)
	}
}

// AmountDirty returns the number of bytes in dirty pages.
func (o *inodeObject) AmountDirty() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return int(o.dirty.Count()) * PageSize
}

// AmountClean returns the number of bytes in resident pages that
// match the inode.
func (o *inodeObject) AmountClean() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	n := 0
	for i, p := range o.pages {
		if p != nil && !o.dirty.Test(uint(i)) {
			n++
		}
	}
	return n * PageSize
}

// ReleaseAllCleanPages drops every resident page that is clean and
// referenced by this object alone, removing its translations. The
// pages are read from the inode again on the next fault. It returns
// the number of pages released.
func (o *inodeObject) ReleaseAllCleanPages() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	n := 0
	for i, p := range o.pages {
		if p == nil || o.dirty.Test(uint(i)) || p.RefCount() != 1 {
			continue
		}
		o.unmapPageLocked(i)
		o.pages[i] = nil
		p.DecRef()
		n++
	}
	if n > 0 {
		o.mm.log.Debug("released clean pages", "id", o.id, "inode", o.inode.ID(), "pages", n)
	}
	return n
}

func (o *inodeObject) dirtyTracker() *inodeObject {
	return o
}

// populate reads page i from the inode. The part of the page past
// the end of the file reads as zeros.
func (o *inodeObject) populate(i int) (*phys.Page, error) {
	page, err := o.mm.AllocateUserPage(false)
	if err != nil {
		return nil, err
	}
	buf := page.Bytes()
	n, err := o.inode.ReadAt(buf, int64(i)*PageSize)
	if err != nil && !errors.Is(err, io.EOF) {
		page.DecRef()
		err = errors.Wrapf(err, "vm: paging in page %d of inode %d", i, o.inode.ID())
		return nil, errors.Mark(err, ErrIO)
	}
	clear(buf[n:])
	o.mm.pageIns.Add(1)
	return page, nil
}

// sharePagesWithLocked is sharePagesLocked for inode objects; the
// clone inherits the dirty bits, which mark content the inode does
// not hold.
//
// Preconditions: o.mu locked. dst is new and unshared.
func (o *inodeObject) sharePagesWithLocked(dst *inodeObject) {
	o.sharePagesLocked(&dst.vmobject)
	dst.dirty = o.dirty.Clone()
}
