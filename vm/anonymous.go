// SPDX-License-Identifier: Unlicense OR MIT

package vm

import "eliasnaur.com/memobj/phys"

// AnonymousVMObject is zero-filled memory. Its pages are allocated
// lazily on first fault.
type AnonymousVMObject struct {
	vmobject
}

// TryCreateAnonymous returns an object of size bytes with no pages
// present.
func TryCreateAnonymous(mm *MemoryManager, size int) (*AnonymousVMObject, error) {
	o := new(AnonymousVMObject)
	if err := o.setup(mm, o, size); err != nil {
		return nil, err
	}
	mm.log.Debug("anonymous vmobject created", "id", o.id, "size", size)
	return o, nil
}

func (o *AnonymousVMObject) Kind() Kind {
	return KindAnonymous
}

// TryClone returns a copy-on-write clone: both objects reference the
// same pages until one of them is written.
func (o *AnonymousVMObject) TryClone() (VMObject, error) {
	clone := new(AnonymousVMObject)
	if err := clone.setup(o.mm, clone, o.size); err != nil {
		return nil, err
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	o.sharePagesLocked(&clone.vmobject)
	return clone, nil
}

func (o *AnonymousVMObject) populate(i int) (*phys.Page, error) {
	return o.mm.AllocateUserPage(true)
}
