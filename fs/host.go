// SPDX-License-Identifier: Unlicense OR MIT

package fs

import (
	"io"
	"sync"

	"eliasnaur.com/memobj/vm"
	"github.com/cockroachdb/errors"
	"golang.org/x/exp/maps"
	"golang.org/x/sys/unix"
)

// HostFS opens host files as inodes. Opening the same host file twice
// returns the same inode, so that shared mappings of it share one
// memory object.
type HostFS struct {
	mu     sync.Mutex
	files  map[fileID]*HostInode
	nextID uint64
	closed bool
}

type fileID struct {
	dev, ino uint64
}

// HostInode is a host file accessed with positional reads and writes.
type HostInode struct {
	Base
	path string

	mu       sync.RWMutex
	fd       int
	writable bool
}

var _ vm.Inode = (*HostInode)(nil)

func NewHostFS() *HostFS {
	return &HostFS{files: make(map[fileID]*HostInode)}
}

// Open opens the file at path for reading and, if writable is set,
// writing. A writable Open of a file already open read-only reopens
// the shared inode for writing.
func (h *HostFS) Open(path string, writable bool) (*HostInode, error) {
	flags := unix.O_RDONLY
	if writable {
		flags = unix.O_RDWR
	}
	fd, err := unix.Open(path, flags|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, errors.Wrapf(err, "fs: opening %s", path)
	}
	var st unix.Stat_t
	if err := unix.Fstat(fd, &st); err != nil {
		unix.Close(fd)
		return nil, errors.Wrapf(err, "fs: stat %s", path)
	}
	key := fileID{dev: uint64(st.Dev), ino: uint64(st.Ino)}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		unix.Close(fd)
		return nil, ErrClosed
	}
	if f, ok := h.files[key]; ok {
		if writable && f.upgrade(fd) {
			return f, nil
		}
		unix.Close(fd)
		return f, nil
	}
	h.nextID++
	f := &HostInode{
		Base:     Base{id: h.nextID},
		path:     path,
		fd:       fd,
		writable: writable,
	}
	h.files[key] = f
	return f, nil
}

// Close closes every open file.
func (h *HostFS) Close() error {
	h.mu.Lock()
	files := maps.Values(h.files)
	h.files = nil
	h.closed = true
	h.mu.Unlock()
	var err error
	for _, f := range files {
		err = errors.CombineErrors(err, f.close())
	}
	return err
}

// upgrade replaces a read-only descriptor with the writable fd and
// reports whether it took ownership of fd.
func (f *HostInode) upgrade(fd int) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.writable || f.fd == -1 {
		return false
	}
	unix.Close(f.fd)
	f.fd = fd
	f.writable = true
	return true
}

func (f *HostInode) Path() string {
	return f.path
}

func (f *HostInode) Size() int64 {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.fd == -1 {
		return 0
	}
	var st unix.Stat_t
	if err := unix.Fstat(f.fd, &st); err != nil {
		return 0
	}
	return st.Size
}

func (f *HostInode) ReadAt(p []byte, off int64) (int, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.fd == -1 {
		return 0, ErrClosed
	}
	n := 0
	for n < len(p) {
		m, err := unix.Pread(f.fd, p[n:], off+int64(n))
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return n, errors.Wrapf(err, "fs: reading %s", f.path)
		}
		if m == 0 {
			return n, io.EOF
		}
		n += m
	}
	return n, nil
}

func (f *HostInode) WriteAt(p []byte, off int64) (int, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.fd == -1 {
		return 0, ErrClosed
	}
	n := 0
	for n < len(p) {
		m, err := unix.Pwrite(f.fd, p[n:], off+int64(n))
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return n, errors.Wrapf(err, "fs: writing %s", f.path)
		}
		n += m
	}
	return n, nil
}

// Sync flushes the file to stable storage.
func (f *HostInode) Sync() error {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.fd == -1 {
		return ErrClosed
	}
	return errors.Wrapf(unix.Fsync(f.fd), "fs: syncing %s", f.path)
}

func (f *HostInode) close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fd == -1 {
		return nil
	}
	err := unix.Close(f.fd)
	f.fd = -1
	return errors.Wrapf(err, "fs: closing %s", f.path)
}
