// SPDX-License-Identifier: Unlicense OR MIT

package mmu

import (
	"fmt"
	"io"
	"sort"

	"eliasnaur.com/memobj/phys"
	"github.com/cockroachdb/errors"
)

// Mapping is one present translation.
type Mapping struct {
	VA    VirtualAddress
	PA    phys.Address
	Flags Flags
}

// Mappings returns every present translation, ordered by virtual
// address.
func (pt *PageTable) Mappings() []Mapping {
	var entries []Mapping
	pt.Walk(func(m Mapping) {
		entries = append(entries, m)
	})
	return entries
}

// Walk calls fn for every present translation in virtual address
// order.
func (pt *PageTable) Walk(fn func(m Mapping)) {
	pt.mu.Lock()
	entries := pt.dump()
	pt.mu.Unlock()
	for _, e := range entries {
		fn(e)
	}
}

func (pt *PageTable) dump() []Mapping {
	var entries []Mapping
	pml4 := pt.table(pt.root.Address())
	for i, pml4e := range pml4 {
		if !pml4e.present() {
			continue
		}
		vaddr := VirtualAddress(i) * pageSizeRoot
		pdpt := pt.table(pml4e.address())
		for i, pdpte := range pdpt {
			if !pdpte.present() {
				continue
			}
			vaddr := vaddr + VirtualAddress(i)*pageSize1GB
			pd := pt.table(pdpte.address())
			for i, pde := range pd {
				if !pde.present() {
					continue
				}
				vaddr := vaddr + VirtualAddress(i)*pageSize2MB
				t := pt.table(pde.address())
				for i, e := range t {
					if !e.present() {
						continue
					}
					entries = append(entries, Mapping{
						VA:    vaddr + VirtualAddress(i)*pageSize,
						PA:    e.address(),
						Flags: e.flags(),
					})
				}
			}
		}
	}
	return entries
}

// Verify reports an error if a frame is mapped writable at more than
// one virtual address.
func (pt *PageTable) Verify() error {
	entries := pt.Mappings()
	sort.Slice(entries, func(i, j int) bool {
		e1, e2 := entries[i], entries[j]
		if e1.PA != e2.PA {
			return e1.PA < e2.PA
		}
		return e1.VA < e2.VA
	})
	for i := 0; i < len(entries)-1; i++ {
		e1, e2 := entries[i], entries[i+1]
		if e1.PA != e2.PA {
			continue
		}
		if e1.Flags.Writable() || e2.Flags.Writable() {
			return errors.Newf("mmu: frame %s mapped writable at both %s and %s", e1.PA, e1.VA, e2.VA)
		}
	}
	return nil
}

// Dump writes every translation to w.
func (pt *PageTable) Dump(w io.Writer) {
	pt.Walk(func(m Mapping) {
		fmt.Fprintf(w, "mapping vaddr: %#x paddr: %#x flags: %s\n", uintptr(m.VA), uintptr(m.PA), m.Flags)
	})
}
