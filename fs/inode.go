// SPDX-License-Identifier: Unlicense OR MIT

// Package fs implements the files memory objects page from.
package fs

import (
	"io"
	"sync"
	"sync/atomic"

	"eliasnaur.com/memobj/vm"
	"github.com/cockroachdb/errors"
)

var ErrClosed = errors.New("fs: file closed")

// Base implements the identity and shared object slot of vm.Inode.
type Base struct {
	id     uint64
	shared atomic.Pointer[vm.SharedInodeVMObject]
}

func (b *Base) ID() uint64 {
	return b.id
}

func (b *Base) SharedVMObject() *vm.SharedInodeVMObject {
	return b.shared.Load()
}

func (b *Base) SetSharedVMObject(obj *vm.SharedInodeVMObject) {
	b.shared.Store(obj)
}

// MemInode is a file held in memory.
type MemInode struct {
	Base

	mu   sync.RWMutex
	data []byte
}

var _ vm.Inode = (*MemInode)(nil)

// NewMemInode returns a file with the given contents. The file takes
// ownership of data.
func NewMemInode(id uint64, data []byte) *MemInode {
	return &MemInode{Base: Base{id: id}, data: data}
}

func (f *MemInode) Size() int64 {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return int64(len(f.data))
}

func (f *MemInode) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, errors.Newf("fs: negative offset %d", off)
	}
	f.mu.RLock()
	defer f.mu.RUnlock()
	if off >= int64(len(f.data)) {
		return 0, io.EOF
	}
	n := copy(p, f.data[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

// WriteAt writes p at off, growing the file if needed.
func (f *MemInode) WriteAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, errors.Newf("fs: negative offset %d", off)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if end := off + int64(len(p)); end > int64(len(f.data)) {
		f.data = append(f.data, make([]byte, end-int64(len(f.data)))...)
	}
	return copy(f.data[off:], p), nil
}

// Truncate changes the size of the file.
func (f *MemInode) Truncate(size int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if size < int64(len(f.data)) {
		f.data = f.data[:size]
		return
	}
	f.data = append(f.data, make([]byte, size-int64(len(f.data)))...)
}

// Contents returns a copy of the file.
func (f *MemInode) Contents() []byte {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return append([]byte(nil), f.data...)
}
