// SPDX-License-Identifier: Unlicense OR MIT

package main

import (
	"bytes"

	"eliasnaur.com/memobj/mmu"
	"eliasnaur.com/memobj/phys"
	"eliasnaur.com/memobj/vm"
	"github.com/cockroachdb/errors"
)

// sharedMapping maps inode shared into two address spaces, writes
// through one and reads through the other.
func sharedMapping(m *machine, inode vm.Inode) error {
	as1, err := m.newSpace()
	if err != nil {
		return err
	}
	as2, err := m.newSpace()
	if err != nil {
		return err
	}
	r1, err := as1.MapInode(inode, 0, 0, vm.ProtRead|vm.ProtWrite, true, "file")
	if err != nil {
		return err
	}
	r2, err := as2.MapInode(inode, 0, 0, vm.ProtRead|vm.ProtWrite, true, "file")
	if err != nil {
		return err
	}
	if r1.Object() != r2.Object() {
		return errors.New("shared mappings use distinct objects")
	}
	msg := []byte("written through the first space")
	if err := as1.CopyOut(r1.Base(), msg); err != nil {
		return err
	}
	got := make([]byte, len(msg))
	if err := as2.CopyIn(r2.Base(), got); err != nil {
		return err
	}
	if !bytes.Equal(got, msg) {
		return errors.Newf("second space reads %q", got)
	}
	obj := r1.Object().(*vm.SharedInodeVMObject)
	dirty := obj.AmountDirty()
	if err := obj.Sync(); err != nil {
		return err
	}
	m.log.Info("shared mapping coherent", "object", obj.ID(), "inode", inode.ID(), "synced_bytes", dirty)
	return nil
}

// forkCopyOnWrite forks a space with three private pages and writes
// one page in the child.
func forkCopyOnWrite(m *machine) error {
	parent, err := m.newSpace()
	if err != nil {
		return err
	}
	r, err := parent.MapAnonymous(3*vm.PageSize, vm.ProtRead|vm.ProtWrite, false, "heap")
	if err != nil {
		return err
	}
	for i := 0; i < 3; i++ {
		if err := parent.CopyOut(r.Base()+mmu.VirtualAddress(i*vm.PageSize), []byte{byte('a' + i)}); err != nil {
			return err
		}
	}
	child, err := m.fork(parent)
	if err != nil {
		return err
	}
	cr := child.RegionFor(r.Base())
	for i := 0; i < 3; i++ {
		if n := r.Object().PhysicalPage(i).RefCount(); n != 2 {
			return errors.Newf("page %d has %d references after fork", i, n)
		}
	}
	if err := child.CopyOut(r.Base()+vm.PageSize, []byte{'B'}); err != nil {
		return err
	}
	pp, cp := r.Object().PhysicalPage(1), cr.Object().PhysicalPage(1)
	if pp == cp || pp.RefCount() != 1 || cp.RefCount() != 1 {
		return errors.New("child write did not copy the page")
	}
	for _, i := range []int{0, 2} {
		if n := r.Object().PhysicalPage(i).RefCount(); n != 2 {
			return errors.Newf("untouched page %d has %d references", i, n)
		}
	}
	got := make([]byte, 1)
	if err := parent.CopyIn(r.Base()+vm.PageSize, got); err != nil {
		return err
	}
	if got[0] != 'b' {
		return errors.Newf("parent sees child write %q", got)
	}
	m.log.Info("fork copied on write", "parent_frame", pp.Address().String(), "child_frame", cp.Address().String())
	return nil
}

// outOfMemory forks a space, exhausts physical memory and writes the
// shared page in the child.
func outOfMemory(m *machine) error {
	parent, err := m.newSpace()
	if err != nil {
		return err
	}
	r, err := parent.MapAnonymous(vm.PageSize, vm.ProtRead|vm.ProtWrite, false, "heap")
	if err != nil {
		return err
	}
	if err := parent.CopyOut(r.Base(), []byte("original")); err != nil {
		return err
	}
	child, err := m.fork(parent)
	if err != nil {
		return err
	}
	if err := child.CopyIn(r.Base(), make([]byte, 1)); err != nil {
		return err
	}
	cr := child.RegionFor(r.Base())
	before := cr.Object().PhysicalPage(0)
	objects := m.mm.Registry().Len()

	var hog []*phys.Page
	defer func() {
		for _, p := range hog {
			p.DecRef()
		}
	}()
	for {
		p, err := m.frames.Allocate(false)
		if err != nil {
			break
		}
		hog = append(hog, p)
	}
	err = child.CopyOut(r.Base(), []byte("changed"))
	if !errors.Is(err, vm.ErrNoMemory) {
		return errors.Newf("write without memory returned %v", err)
	}
	if cr.Object().PhysicalPage(0) != before || before.RefCount() != 2 {
		return errors.New("failed write changed the page slot")
	}
	if n := m.mm.Registry().Len(); n != objects {
		return errors.Newf("%d objects after failed write, want %d", n, objects)
	}
	m.log.Info("write fault out of memory", "err", err, "held_frames", len(hog))
	return nil
}
