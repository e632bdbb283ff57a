// SPDX-License-Identifier: Unlicense OR MIT

package fs

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"sync"

	"eliasnaur.com/memobj/vm"
	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/pebble"
)

// Store keeps file contents in a pebble database, one key per page
// and one for the size:
//
//	inode/<id>/page/<n>  page n, PageSize bytes
//	inode/<id>/size      8 byte big endian size
//
// Absent pages read as zeros.
type Store struct {
	db *pebble.DB

	mu     sync.Mutex
	inodes map[uint64]*StoreInode
}

// StoreInode is a file in a Store.
type StoreInode struct {
	Base
	store *Store

	mu   sync.RWMutex
	size int64
}

var _ vm.Inode = (*StoreInode)(nil)

// OpenStore opens the database in dir. A nil opts uses the defaults;
// set opts.FS to keep the database in memory.
func OpenStore(dir string, opts *pebble.Options) (*Store, error) {
	db, err := pebble.Open(dir, opts)
	if err != nil {
		return nil, errors.Wrapf(err, "fs: opening store %s", dir)
	}
	return &Store{db: db, inodes: make(map[uint64]*StoreInode)}, nil
}

func (s *Store) Close() error {
	s.mu.Lock()
	s.inodes = nil
	s.mu.Unlock()
	return errors.Wrap(s.db.Close(), "fs: closing store")
}

// Open returns the file with the given id, creating an empty one if
// none exists.
func (s *Store) Open(id uint64) (*StoreInode, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inodes == nil {
		return nil, ErrClosed
	}
	if f, ok := s.inodes[id]; ok {
		return f, nil
	}
	size, err := s.loadSize(id)
	if err != nil {
		return nil, err
	}
	f := &StoreInode{Base: Base{id: id}, store: s, size: size}
	s.inodes[id] = f
	return f, nil
}

// Inodes lists the ids of the stored files in ascending order.
func (s *Store) Inodes() ([]uint64, error) {
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte("inode/"),
		UpperBound: []byte("inode/~"),
	})
	if err != nil {
		return nil, errors.Wrap(err, "fs: listing store")
	}
	defer iter.Close()
	var ids []uint64
	for iter.First(); iter.Valid(); iter.Next() {
		key := iter.Key()
		if !bytes.HasSuffix(key, []byte("/size")) {
			continue
		}
		var id uint64
		if _, err := fmt.Sscanf(string(key), "inode/%d/size", &id); err != nil {
			return nil, errors.Wrapf(err, "fs: malformed key %q", key)
		}
		ids = append(ids, id)
	}
	return ids, errors.Wrap(iter.Error(), "fs: listing store")
}

func (s *Store) loadSize(id uint64) (int64, error) {
	val, closer, err := s.db.Get(sizeKey(id))
	if errors.Is(err, pebble.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, errors.Wrapf(err, "fs: reading size of inode %d", id)
	}
	defer closer.Close()
	if len(val) != 8 {
		return 0, errors.Newf("fs: inode %d: size record of %d bytes", id, len(val))
	}
	return int64(binary.BigEndian.Uint64(val)), nil
}

func (f *StoreInode) Size() int64 {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.size
}

func (f *StoreInode) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, errors.Newf("fs: negative offset %d", off)
	}
	f.mu.RLock()
	defer f.mu.RUnlock()
	if off >= f.size {
		return 0, io.EOF
	}
	want := len(p)
	if rem := f.size - off; int64(want) > rem {
		want = int(rem)
	}
	n := 0
	for n < want {
		pos := off + int64(n)
		page, inPage := pos/vm.PageSize, int(pos%vm.PageSize)
		m := vm.PageSize - inPage
		if m > want-n {
			m = want - n
		}
		if err := f.readPage(page, inPage, p[n:n+m]); err != nil {
			return n, err
		}
		n += m
	}
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

// readPage reads len(dst) bytes at offset off into the given page.
func (f *StoreInode) readPage(page int64, off int, dst []byte) error {
	val, closer, err := f.store.db.Get(pageKey(f.id, page))
	if errors.Is(err, pebble.ErrNotFound) {
		clear(dst)
		return nil
	}
	if err != nil {
		return errors.Wrapf(err, "fs: reading page %d of inode %d", page, f.id)
	}
	defer closer.Close()
	n := 0
	if off < len(val) {
		n = copy(dst, val[off:])
	}
	clear(dst[n:])
	return nil
}

// WriteAt writes p at off, growing the file if needed. The pages and
// the size are committed together.
func (f *StoreInode) WriteAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, errors.Newf("fs: negative offset %d", off)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	b := f.store.db.NewBatch()
	defer b.Close()
	buf := make([]byte, vm.PageSize)
	for n := 0; n < len(p); {
		pos := off + int64(n)
		page, inPage := pos/vm.PageSize, int(pos%vm.PageSize)
		m := vm.PageSize - inPage
		if m > len(p)-n {
			m = len(p) - n
		}
		if m < vm.PageSize {
			if err := f.readPage(page, 0, buf); err != nil {
				return 0, err
			}
		}
		copy(buf[inPage:], p[n:n+m])
		if err := b.Set(pageKey(f.id, page), buf, nil); err != nil {
			return 0, errors.Wrapf(err, "fs: writing page %d of inode %d", page, f.id)
		}
		n += m
	}
	size := f.size
	if end := off + int64(len(p)); end > size {
		size = end
		if err := b.Set(sizeKey(f.id), encodeSize(size), nil); err != nil {
			return 0, errors.Wrapf(err, "fs: writing size of inode %d", f.id)
		}
	}
	if err := b.Commit(pebble.Sync); err != nil {
		return 0, errors.Wrapf(err, "fs: committing inode %d", f.id)
	}
	f.size = size
	return len(p), nil
}

// Truncate changes the size of the file, dropping the pages past the
// new end.
func (f *StoreInode) Truncate(size int64) error {
	if size < 0 {
		return errors.Newf("fs: negative size %d", size)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	b := f.store.db.NewBatch()
	defer b.Close()
	first := (size + vm.PageSize - 1) / vm.PageSize
	if err := b.DeleteRange(pageKey(f.id, first), pageKey(f.id, 1<<62), nil); err != nil {
		return errors.Wrapf(err, "fs: truncating inode %d", f.id)
	}
	if tail := int(size % vm.PageSize); tail != 0 {
		buf := make([]byte, vm.PageSize)
		if err := f.readPage(first-1, 0, buf); err != nil {
			return err
		}
		clear(buf[tail:])
		if err := b.Set(pageKey(f.id, first-1), buf, nil); err != nil {
			return errors.Wrapf(err, "fs: truncating inode %d", f.id)
		}
	}
	if err := b.Set(sizeKey(f.id), encodeSize(size), nil); err != nil {
		return errors.Wrapf(err, "fs: writing size of inode %d", f.id)
	}
	if err := b.Commit(pebble.Sync); err != nil {
		return errors.Wrapf(err, "fs: committing inode %d", f.id)
	}
	f.size = size
	return nil
}

func pageKey(id uint64, page int64) []byte {
	return []byte(fmt.Sprintf("inode/%020d/page/%020d", id, page))
}

func sizeKey(id uint64) []byte {
	return []byte(fmt.Sprintf("inode/%020d/size", id))
}

func encodeSize(size int64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(size))
	return buf
}
