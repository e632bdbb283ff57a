// SPDX-License-Identifier: Unlicense OR MIT

package vm

import (
	"sync"

	"github.com/cockroachdb/errors"
)

// Registry tracks every live VMObject. Objects are linked into an
// intrusive list, so registering and deregistering never allocate
// while the lock is held.
type Registry struct {
	mu     sync.Mutex
	head   *vmobject
	tail   *vmobject
	count  int
	limit  int
	nextID uint64
	closed bool
}

// ObjectInfo describes one registered object.
type ObjectInfo struct {
	ID       uint64
	Kind     Kind
	Size     int
	Resident int
	Dirty    int
	Regions  int
}

// NewRegistry returns an empty registry. A positive limit bounds the
// number of live objects; creating one more fails with ErrNoMemory.
func NewRegistry(limit int) *Registry {
	return &Registry{limit: limit}
}

func (r *Registry) register(o *vmobject) error {
	r.mu.Lock()
	closed, full := r.closed, r.limit > 0 && r.count >= r.limit
	if !closed && !full {
		r.linkLocked(o)
	}
	r.mu.Unlock()
	switch {
	case closed:
		return errors.Wrap(ErrNoMemory, "vm: registry closed")
	case full:
		return errors.Wrapf(ErrNoMemory, "vm: object limit %d reached", r.limit)
	}
	return nil
}

func (r *Registry) linkLocked(o *vmobject) {
	if o.registered {
		fatalf("vm: object %d registered twice", o.id)
	}
	r.nextID++
	o.id = r.nextID
	o.prev = r.tail
	o.next = nil
	if r.tail != nil {
		r.tail.next = o
	} else {
		r.head = o
	}
	r.tail = o
	o.registered = true
	r.count++
}

func (r *Registry) deregister(o *vmobject) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !o.registered {
		fatalf("vm: deregistering unknown object %d", o.id)
	}
	if o.prev != nil {
		o.prev.next = o.next
	} else {
		r.head = o.next
	}
	if o.next != nil {
		o.next.prev = o.prev
	} else {
		r.tail = o.prev
	}
	o.prev, o.next = nil, nil
	o.registered = false
	r.count--
}

// Len returns the number of live objects.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.count
}

// ForEach calls fn for every live object in creation order. Each
// object is referenced for the duration of its call, and fn runs
// without the registry lock held.
func (r *Registry) ForEach(fn func(obj VMObject)) {
	for _, obj := range r.take() {
		fn(obj.self)
		obj.self.Release()
	}
}

// take references every live object. The result slice is allocated
// before the lock is taken; if too small, take retries.
func (r *Registry) take() []*vmobject {
	for {
		n := r.Len()
		objs := make([]*vmobject, 0, n+8)
		r.mu.Lock()
		if r.count > cap(objs) {
			r.mu.Unlock()
			continue
		}
		for o := r.head; o != nil; o = o.next {
			// Objects on their way out are skipped.
			if o.tryRef() {
				objs = append(objs, o)
			}
		}
		r.mu.Unlock()
		return objs
	}
}

// Snapshot describes every live object.
func (r *Registry) Snapshot() []ObjectInfo {
	var infos []ObjectInfo
	r.ForEach(func(obj VMObject) {
		infos = append(infos, obj.core().info())
	})
	return infos
}

// Close shuts the registry. It reports the objects still alive,
// which are leaks.
func (r *Registry) Close() error {
	r.mu.Lock()
	r.closed = true
	n := r.count
	r.mu.Unlock()
	if n == 0 {
		return nil
	}
	// No object registers once closed, so n bounds the live count.
	ids := make([]uint64, 0, n)
	r.mu.Lock()
	for o := r.head; o != nil; o = o.next {
		ids = append(ids, o.id)
	}
	r.mu.Unlock()
	if len(ids) == 0 {
		return nil
	}
	return errors.Newf("vm: %d objects leaked: %v", len(ids), ids)
}
