// SPDX-License-Identifier: Unlicense OR MIT

package vm

// PrivateInodeVMObject is a MAP_PRIVATE view of an inode. Pages are
// read from the inode on first fault; writes are never written back.
type PrivateInodeVMObject struct {
	inodeObject
}

// TryCreatePrivateInode returns a new object over inode. Unlike
// TryCreateSharedInode, every call creates an independent object.
func TryCreatePrivateInode(mm *MemoryManager, inode Inode) (*PrivateInodeVMObject, error) {
	o := new(PrivateInodeVMObject)
	if err := o.setupInode(mm, o, inode); err != nil {
		return nil, err
	}
	mm.log.Debug("private inode vmobject created", "id", o.id, "inode", inode.ID(), "size", o.size)
	return o, nil
}

func (o *PrivateInodeVMObject) Kind() Kind {
	return KindPrivateInode
}

// TryClone returns an object sharing every present page with o.
// Neither side owns the pages; the first write through either one
// copies.
func (o *PrivateInodeVMObject) TryClone() (VMObject, error) {
	// The clone mirrors o, even if the inode changed size since.
	clone := new(PrivateInodeVMObject)
	if err := clone.setupLike(o.mm, clone, &o.inodeObject); err != nil {
		return nil, err
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	o.sharePagesWithLocked(&clone.inodeObject)
	return clone, nil
}
