// SPDX-License-Identifier: Unlicense OR MIT

package fs

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"testing"

	"eliasnaur.com/memobj/mmu"
	"eliasnaur.com/memobj/phys"
	"eliasnaur.com/memobj/vm"
	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"
)

func pattern(n int, seed byte) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = seed + byte(i%239)
	}
	return b
}

func newSpace(t *testing.T) (*vm.MemoryManager, *vm.AddressSpace) {
	t.Helper()
	a, err := phys.NewAllocator(32)
	if err != nil {
		t.Fatal(err)
	}
	mm := vm.NewMemoryManager(a, vm.NewRegistry(0), vm.Config{})
	pt, err := mmu.NewPageTable(a)
	if err != nil {
		t.Fatal(err)
	}
	as := mm.NewAddressSpace(pt)
	t.Cleanup(func() {
		as.Destroy()
		pt.Destroy()
		if err := mm.Registry().Close(); err != nil {
			t.Error(err)
		}
		if err := a.Close(); err != nil {
			t.Error(err)
		}
	})
	return mm, as
}

func TestMemInode(t *testing.T) {
	f := NewMemInode(1, []byte("abc"))
	buf := make([]byte, 5)
	n, err := f.ReadAt(buf, 1)
	if n != 2 || err != io.EOF || string(buf[:n]) != "bc" {
		t.Errorf("ReadAt = %d, %v, %q", n, err, buf[:n])
	}
	if _, err := f.WriteAt([]byte("xyz"), 5); err != nil {
		t.Fatal(err)
	}
	if got := f.Contents(); !bytes.Equal(got, []byte("abc\x00\x00xyz")) {
		t.Errorf("contents %q", got)
	}
	f.Truncate(2)
	if f.Size() != 2 {
		t.Errorf("size %d after truncate", f.Size())
	}
	if _, err := f.ReadAt(buf, 2); err != io.EOF {
		t.Errorf("read at end: %v", err)
	}
}

func TestMemInodeSharedMapping(t *testing.T) {
	_, as := newSpace(t)
	f := NewMemInode(1, pattern(vm.PageSize, 0))
	r1, err := as.MapInode(f, 0, 0, vm.ProtRead|vm.ProtWrite, true, "a")
	if err != nil {
		t.Fatal(err)
	}
	r2, err := as.MapInode(f, 0, 0, vm.ProtRead, true, "b")
	if err != nil {
		t.Fatal(err)
	}
	if r1.Object() != r2.Object() || f.SharedVMObject() == nil {
		t.Fatal("shared mappings do not share the inode's object")
	}
	if err := as.CopyOut(r1.Base(), []byte("mapped")); err != nil {
		t.Fatal(err)
	}
	got := make([]byte, 6)
	if err := as.CopyIn(r2.Base(), got); err != nil {
		t.Fatal(err)
	}
	if string(got) != "mapped" {
		t.Errorf("second mapping reads %q", got)
	}
	as.Unmap(r1)
	as.Unmap(r2)
	if f.SharedVMObject() != nil {
		t.Error("back-reference survived the last unmap")
	}
	if got := f.Contents()[:6]; string(got) != "mapped" {
		t.Errorf("file holds %q after unmap", got)
	}
}

func TestHostFS(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data")
	if err := os.WriteFile(path, pattern(vm.PageSize+100, 3), 0o600); err != nil {
		t.Fatal(err)
	}
	hfs := NewHostFS()
	defer func() {
		if err := hfs.Close(); err != nil {
			t.Error(err)
		}
	}()
	f, err := hfs.Open(path, true)
	if err != nil {
		t.Fatal(err)
	}
	again, err := hfs.Open(path, true)
	if err != nil {
		t.Fatal(err)
	}
	if f != again {
		t.Error("opening a file twice gave distinct inodes")
	}
	if f.Size() != vm.PageSize+100 {
		t.Errorf("size %d", f.Size())
	}
	buf := make([]byte, 200)
	n, err := f.ReadAt(buf, vm.PageSize)
	if n != 100 || err != io.EOF {
		t.Errorf("ReadAt near end = %d, %v", n, err)
	}

	_, as := newSpace(t)
	r, err := as.MapInode(f, 0, 0, vm.ProtRead|vm.ProtWrite, true, path)
	if err != nil {
		t.Fatal(err)
	}
	if err := as.CopyOut(r.Base()+vm.PageSize, []byte("host")); err != nil {
		t.Fatal(err)
	}
	if err := r.Object().(*vm.SharedInodeVMObject).Sync(); err != nil {
		t.Fatal(err)
	}
	if err := f.Sync(); err != nil {
		t.Fatal(err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if len(data) != vm.PageSize+100 {
		t.Errorf("writeback changed the file size to %d", len(data))
	}
	if got := string(data[vm.PageSize : vm.PageSize+4]); got != "host" {
		t.Errorf("file holds %q after sync", got)
	}
}

func TestHostFSReopenWritable(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data")
	if err := os.WriteFile(path, pattern(100, 0), 0o600); err != nil {
		t.Fatal(err)
	}
	hfs := NewHostFS()
	defer hfs.Close()
	ro, err := hfs.Open(path, false)
	if err != nil {
		t.Fatal(err)
	}
	rw, err := hfs.Open(path, true)
	if err != nil {
		t.Fatal(err)
	}
	if ro != rw {
		t.Fatal("writable open gave a distinct inode")
	}
	if _, err := rw.WriteAt([]byte("rw"), 10); err != nil {
		t.Fatalf("write after writable open: %v", err)
	}
	// A later read-only open keeps the writable descriptor.
	if _, err := hfs.Open(path, false); err != nil {
		t.Fatal(err)
	}
	if _, err := ro.WriteAt([]byte("ro"), 20); err != nil {
		t.Fatalf("write after read-only reopen: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if string(data[10:12]) != "rw" || string(data[20:22]) != "ro" {
		t.Errorf("file holds %q", data[10:22])
	}
}

func TestHostFSInodeIDs(t *testing.T) {
	dir := t.TempDir()
	hfs := NewHostFS()
	defer hfs.Close()
	ids := make(map[uint64]string)
	for _, name := range []string{"a", "b", "c"} {
		path := filepath.Join(dir, name)
		if err := os.WriteFile(path, nil, 0o600); err != nil {
			t.Fatal(err)
		}
		f, err := hfs.Open(path, false)
		if err != nil {
			t.Fatal(err)
		}
		if prev, ok := ids[f.ID()]; ok {
			t.Errorf("%s and %s share inode id %d", prev, name, f.ID())
		}
		ids[f.ID()] = name
		again, err := hfs.Open(path, true)
		if err != nil {
			t.Fatal(err)
		}
		if again.ID() != f.ID() {
			t.Errorf("%s changed id from %d to %d", name, f.ID(), again.ID())
		}
	}
}

func TestHostFSMissingFile(t *testing.T) {
	hfs := NewHostFS()
	defer hfs.Close()
	if _, err := hfs.Open(filepath.Join(t.TempDir(), "missing"), false); err == nil {
		t.Fatal("opened a missing file")
	}
}

func openMemStore(t *testing.T, mem vfs.FS) *Store {
	t.Helper()
	s, err := OpenStore("db", &pebble.Options{FS: mem})
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func TestStore(t *testing.T) {
	mem := vfs.NewMem()
	s := openMemStore(t, mem)
	f, err := s.Open(7)
	if err != nil {
		t.Fatal(err)
	}
	if f.Size() != 0 {
		t.Fatalf("new file has size %d", f.Size())
	}
	data := pattern(vm.PageSize+300, 1)
	if _, err := f.WriteAt(data, 100); err != nil {
		t.Fatal(err)
	}
	if got := f.Size(); got != int64(len(data))+100 {
		t.Fatalf("size %d", got)
	}
	buf := make([]byte, len(data)+100)
	n, err := f.ReadAt(buf, 0)
	if err != nil || n != len(buf) {
		t.Fatalf("ReadAt = %d, %v", n, err)
	}
	if !bytes.Equal(buf[:100], make([]byte, 100)) || !bytes.Equal(buf[100:], data) {
		t.Error("read back wrong contents")
	}
	if again, _ := s.Open(7); again != f {
		t.Error("open returned a second inode for one id")
	}
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}

	s = openMemStore(t, mem)
	defer s.Close()
	f, err = s.Open(7)
	if err != nil {
		t.Fatal(err)
	}
	if got := f.Size(); got != int64(len(data))+100 {
		t.Fatalf("size %d after reopen", got)
	}
	got := make([]byte, 10)
	if _, err := f.ReadAt(got, vm.PageSize); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, data[vm.PageSize-100:vm.PageSize-90]) {
		t.Error("contents lost across reopen")
	}
	ids, err := s.Inodes()
	if err != nil {
		t.Fatal(err)
	}
	if len(ids) != 1 || ids[0] != 7 {
		t.Errorf("Inodes = %v", ids)
	}
}

func TestStoreTruncate(t *testing.T) {
	s := openMemStore(t, vfs.NewMem())
	defer s.Close()
	f, err := s.Open(1)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.WriteAt(pattern(3*vm.PageSize, 5), 0); err != nil {
		t.Fatal(err)
	}
	if err := f.Truncate(vm.PageSize + 10); err != nil {
		t.Fatal(err)
	}
	if err := f.Truncate(3 * vm.PageSize); err != nil {
		t.Fatal(err)
	}
	buf := make([]byte, 3*vm.PageSize)
	if _, err := f.ReadAt(buf, 0); err != nil {
		t.Fatal(err)
	}
	want := append(pattern(3*vm.PageSize, 5)[:vm.PageSize+10], make([]byte, 2*vm.PageSize-10)...)
	if !bytes.Equal(buf, want) {
		t.Error("truncated bytes reappeared")
	}
}

func TestStorePrivateMapping(t *testing.T) {
	s := openMemStore(t, vfs.NewMem())
	defer s.Close()
	f, err := s.Open(1)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.WriteAt([]byte("persisted"), 0); err != nil {
		t.Fatal(err)
	}
	_, as := newSpace(t)
	r, err := as.MapInode(f, 0, 0, vm.ProtRead|vm.ProtWrite, false, "store")
	if err != nil {
		t.Fatal(err)
	}
	got := make([]byte, 9)
	if err := as.CopyIn(r.Base(), got); err != nil {
		t.Fatal(err)
	}
	if string(got) != "persisted" {
		t.Errorf("mapping reads %q", got)
	}
	if err := as.CopyOut(r.Base(), []byte("scratched")); err != nil {
		t.Fatal(err)
	}
	if err := as.Unmap(r); err != nil {
		t.Fatal(err)
	}
	if _, err := f.ReadAt(got, 0); err != nil && !errors.Is(err, io.EOF) {
		t.Fatal(err)
	}
	if string(got) != "persisted" {
		t.Errorf("private write reached the store: %q", got)
	}
}
