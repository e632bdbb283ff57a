// SPDX-License-Identifier: Unlicense OR MIT

package phys

import "sync/atomic"

// Page is a handle to one allocated frame. Any number of owners
// share a Page by taking references; the frame returns to its
// allocator when the last reference is dropped.
type Page struct {
	addr  Address
	alloc *Allocator
	refs  atomic.Int32
}

func (p *Page) Address() Address {
	return p.addr
}

// Bytes returns the frame contents.
func (p *Page) Bytes() []byte {
	return p.alloc.Bytes(p.addr)
}

// RefCount returns the current number of references. The value is
// only stable while the caller excludes other owners.
func (p *Page) RefCount() int {
	return int(p.refs.Load())
}

// IncRef adds a reference. The caller must already hold one.
func (p *Page) IncRef() {
	if p.refs.Add(1) <= 1 {
		fatalf("page: reference taken on freed frame %s", p.addr)
	}
}

// DecRef drops a reference, freeing the frame at zero.
func (p *Page) DecRef() {
	switch n := p.refs.Add(-1); {
	case n == 0:
		p.alloc.free(p.addr)
	case n < 0:
		fatalf("page: refcount underflow on frame %s", p.addr)
	}
}

// CopyFrom overwrites the frame with the contents of src.
func (p *Page) CopyFrom(src *Page) {
	copy(p.Bytes(), src.Bytes())
}
