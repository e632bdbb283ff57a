// SPDX-License-Identifier: Unlicense OR MIT

// Package mmu implements a software model of a 4-level x86-64 page
// table. Table pages are ordinary physical frames, interpreted in
// place.
package mmu

import (
	"fmt"
	"sync"
	"unsafe"

	"eliasnaur.com/memobj/phys"
	"github.com/cockroachdb/errors"
)

const (
	// Page sizes
	pageSize    = phys.PageSize
	pageSize2MB = 1 << 21
	pageSize1GB = 1 << 30

	pageSizeRoot = 1 << 39

	pageTableSize = 512
)

// The maximum physical address addressable by the processor.
const maxPhysAddress phys.Address = 1 << 52

// MaxUserAddress is the end of the lower, user-accessible half of
// the address space.
const MaxUserAddress VirtualAddress = 1 << 47

var (
	ErrUnaligned    = errors.New("mmu: unaligned address")
	ErrNonCanonical = errors.New("mmu: address outside user space")
)

type VirtualAddress uintptr

// Flags are the permission bits of a page table entry.
type Flags uint64

const (
	FlagPresent  Flags = 1 << 0
	FlagWritable Flags = 1 << 1
	FlagUser     Flags = 1 << 2
	FlagNoCache  Flags = 1 << 4
	FlagNX       Flags = 1 << 63
	allFlags           = FlagPresent | FlagWritable | FlagUser | FlagNoCache | FlagNX
)

// pageTable is the hardware representation of one level of a page
// table.
type pageTable [pageTableSize]pageTableEntry

// pageTableEntry is the hardware representation of a page table
// entry.
type pageTableEntry uint64

// PageTable is the translation structure of one address space.
type PageTable struct {
	mu     sync.Mutex
	frames *phys.Allocator
	root   *phys.Page
	// tables holds every table page, including root.
	tables []*phys.Page
	count  int
}

// NewPageTable allocates an empty page table from frames.
func NewPageTable(frames *phys.Allocator) (*PageTable, error) {
	root, err := frames.Allocate(true)
	if err != nil {
		return nil, errors.Wrap(err, "mmu: allocating root table")
	}
	return &PageTable{
		frames: frames,
		root:   root,
		tables: []*phys.Page{root},
	}, nil
}

// InstallMapping maps the page at va to the frame at pa, replacing any
// existing translation.
func (pt *PageTable) InstallMapping(va VirtualAddress, pa phys.Address, flags Flags) error {
	if !va.Aligned() || !pa.Aligned() {
		return errors.Wrapf(ErrUnaligned, "mapping %s to %s", va, pa)
	}
	if va >= MaxUserAddress {
		return errors.Wrapf(ErrNonCanonical, "mapping %s", va)
	}
	pt.mu.Lock()
	defer pt.mu.Unlock()
	e, err := pt.walk(va, true)
	if err != nil {
		return err
	}
	if !e.present() {
		pt.count++
	}
	e.mmap(pa, flags)
	return nil
}

// RemoveMapping clears the translation for va, if any.
func (pt *PageTable) RemoveMapping(va VirtualAddress) error {
	if !va.Aligned() {
		return errors.Wrapf(ErrUnaligned, "unmapping %s", va)
	}
	pt.mu.Lock()
	defer pt.mu.Unlock()
	e, _ := pt.walk(va, false)
	if e != nil && e.present() {
		*e = 0
		pt.count--
	}
	return nil
}

// Translate returns the frame and flags va is mapped to.
func (pt *PageTable) Translate(va VirtualAddress) (phys.Address, Flags, bool) {
	pt.mu.Lock()
	defer pt.mu.Unlock()
	e, _ := pt.walk(va.Align(), false)
	if e == nil || !e.present() {
		return 0, 0, false
	}
	return e.address(), e.flags(), true
}

// Len returns the number of present translations.
func (pt *PageTable) Len() int {
	pt.mu.Lock()
	defer pt.mu.Unlock()
	return pt.count
}

// Destroy frees every table page. The page table must not be used
// afterwards.
func (pt *PageTable) Destroy() {
	pt.mu.Lock()
	defer pt.mu.Unlock()
	for _, p := range pt.tables {
		p.DecRef()
	}
	pt.tables = nil
	pt.root = nil
	pt.count = 0
}

// walk returns the last level entry for va, creating intermediate
// tables if create is set. Without create, walk returns nil for a
// missing table.
func (pt *PageTable) walk(va VirtualAddress, create bool) (*pageTableEntry, error) {
	if pt.root == nil {
		fatal("mmu: use of destroyed page table")
	}
	pml4 := pt.table(pt.root.Address())
	// Look up PML4 entry.
	pml4e := (va / pageSizeRoot) % pageTableSize
	pdpt, err := pt.lookupOrCreatePageTable(pml4, int(pml4e), create)
	if pdpt == nil {
		return nil, err
	}
	pdpte := (va / pageSize1GB) % pageTableSize
	pd, err := pt.lookupOrCreatePageTable(pdpt, int(pdpte), create)
	if pd == nil {
		return nil, err
	}
	pde := (va / pageSize2MB) % pageTableSize
	t, err := pt.lookupOrCreatePageTable(pd, int(pde), create)
	if t == nil {
		return nil, err
	}
	e := (va / pageSize) % pageTableSize
	return &t[e], nil
}

func (pt *PageTable) lookupOrCreatePageTable(p *pageTable, index int, create bool) (*pageTable, error) {
	entry := &p[index]
	if entry.present() {
		return pt.table(entry.address()), nil
	}
	if !create {
		return nil, nil
	}
	page, err := pt.frames.Allocate(true)
	if err != nil {
		return nil, errors.Wrap(err, "mmu: allocating page table")
	}
	pt.tables = append(pt.tables, page)
	entry.setPageTable(page.Address())
	return pt.table(page.Address()), nil
}

// table interprets the frame at addr as a page table.
func (pt *PageTable) table(addr phys.Address) *pageTable {
	return (*pageTable)(unsafe.Pointer(&pt.frames.Bytes(addr)[0]))
}

// setPageTable points the entry to a page table.
func (e *pageTableEntry) setPageTable(addr phys.Address) {
	*e = pageTableEntry(addr) | pageTableEntry(FlagPresent|FlagWritable|FlagUser)
}

func (e *pageTableEntry) present() bool {
	return Flags(*e)&FlagPresent != 0
}

func (e *pageTableEntry) address() phys.Address {
	addr := phys.Address(*e) & (maxPhysAddress - 1)
	// The address is page-aligned.
	return addr &^ (phys.Address(pageSize) - 1)
}

func (e *pageTableEntry) flags() Flags {
	return Flags(*e) & allFlags
}

func (e *pageTableEntry) mmap(addr phys.Address, flags Flags) {
	flags |= FlagPresent
	*e = pageTableEntry(addr) | pageTableEntry(flags&allFlags)
}

// Align the address downwards to the page size.
func (a VirtualAddress) Align() VirtualAddress {
	return a &^ VirtualAddress(pageSize-1)
}

// Align the address upwards to the page size.
func (a VirtualAddress) AlignUp() VirtualAddress {
	return (a + pageSize - 1) & ^VirtualAddress(pageSize-1)
}

func (a VirtualAddress) Aligned() bool {
	return a&(pageSize-1) == 0
}

// PageOffset returns the offset of a within its page.
func (a VirtualAddress) PageOffset() int {
	return int(a & (pageSize - 1))
}

func (a VirtualAddress) String() string {
	return fmt.Sprintf("%#x", uintptr(a))
}

func (f Flags) Writable() bool {
	return f&FlagWritable != 0
}

func (f Flags) String() string {
	b := []byte("---")
	if f&FlagPresent != 0 {
		b[0] = 'p'
	}
	if f&FlagWritable != 0 {
		b[1] = 'w'
	}
	if f&FlagNX == 0 {
		b[2] = 'x'
	}
	return string(b)
}

func fatal(msg string) {
	panic(errors.AssertionFailedf("%s", msg))
}
