// SPDX-License-Identifier: Unlicense OR MIT

package vm

import (
	"github.com/cockroachdb/errors"
)

// SharedInodeVMObject caches the contents of one inode for all of
// its MAP_SHARED mappings. At most one is alive per inode.
type SharedInodeVMObject struct {
	inodeObject
	// gone is closed once the object is written back and destroyed.
	gone chan struct{}
}

// TryCreateSharedInode returns the inode's shared object, creating it
// if no live one exists. The caller owns one reference to the result.
//
// If the inode's object lost its last reference and is still writing
// back, TryCreateSharedInode waits for the writeback so that the new
// object pages in the written data.
func TryCreateSharedInode(mm *MemoryManager, inode Inode) (*SharedInodeVMObject, error) {
	for {
		mm.sharedMu.Lock()
		o := inode.SharedVMObject()
		if o == nil {
			obj, err := createSharedInodeLocked(mm, inode)
			mm.sharedMu.Unlock()
			return obj, err
		}
		if o.tryRef() {
			mm.sharedMu.Unlock()
			return o, nil
		}
		gone := o.gone
		mm.sharedMu.Unlock()
		<-gone
	}
}

func createSharedInodeLocked(mm *MemoryManager, inode Inode) (*SharedInodeVMObject, error) {
	o := &SharedInodeVMObject{gone: make(chan struct{})}
	if err := o.setupInode(mm, o, inode); err != nil {
		return nil, err
	}
	inode.SetSharedVMObject(o)
	mm.log.Debug("shared inode vmobject created", "id", o.id, "inode", inode.ID(), "size", o.size)
	return o, nil
}

func (o *SharedInodeVMObject) Kind() Kind {
	return KindSharedInode
}

// TryClone returns the object itself: shared mappings stay shared
// across fork.
func (o *SharedInodeVMObject) TryClone() (VMObject, error) {
	o.Ref()
	return o, nil
}

// Release drops a reference. The last one writes dirty pages back
// and clears the inode's back-reference. The writeback runs without
// sharedMu held.
func (o *SharedInodeVMObject) Release() {
	if !o.unref() {
		return
	}
	mm := o.mm
	if err := o.Sync(); err != nil {
		mm.log.Warn("writeback on release failed", "id", o.id, "inode", o.inode.ID(), "err", err)
	}
	mm.sharedMu.Lock()
	if o.inode.SharedVMObject() == o {
		o.inode.SetSharedVMObject(nil)
	}
	mm.sharedMu.Unlock()
	o.destroy()
	close(o.gone)
}

// Sync writes every dirty page to the inode and marks it clean. The
// page's translations are made read-only so that the next write marks
// it dirty again. Bytes past the end of the inode are not written.
func (o *SharedInodeVMObject) Sync() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	size := o.inode.Size()
	n := 0
	for i, ok := o.dirty.NextSet(0); ok; i, ok = o.dirty.NextSet(i + 1) {
		idx := int(i)
		p := o.pages[idx]
		off := int64(idx) * PageSize
		if p == nil || off >= size {
			o.dirty.Clear(i)
			continue
		}
		length := int64(PageSize)
		if off+length > size {
			length = size - off
		}
		if _, err := o.inode.WriteAt(p.Bytes()[:length], off); err != nil {
			err = errors.Wrapf(err, "vm: writing back page %d of inode %d", idx, o.inode.ID())
			return errors.Mark(err, ErrIO)
		}
		o.dirty.Clear(i)
		o.remapPageLocked(idx, nil)
		n++
	}
	if n > 0 {
		o.mm.log.Debug("wrote back dirty pages", "id", o.id, "inode", o.inode.ID(), "pages", n)
	}
	return nil
}
