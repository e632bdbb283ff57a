// SPDX-License-Identifier: Unlicense OR MIT

// Command vmdemo exercises the memory object subsystem on a simulated
// machine: shared file mappings, fork with copy-on-write and running
// out of memory in the middle of a write fault.
package main

import (
	"flag"
	"log/slog"
	"os"

	"eliasnaur.com/memobj/fs"
	"eliasnaur.com/memobj/mmu"
	"eliasnaur.com/memobj/phys"
	"eliasnaur.com/memobj/vm"
	"github.com/cockroachdb/errors"
)

var configPath = flag.String("config", "", "JSON machine description")

func main() {
	flag.Parse()
	cfg, err := loadConfig(*configPath)
	if err != nil {
		slog.Error("configuration", "err", err)
		os.Exit(2)
	}
	level, _ := parseLevel(cfg.LogLevel)
	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	if err := run(log, cfg); err != nil {
		log.Error("demo failed", "err", err)
		os.Exit(1)
	}
}

// machine is the simulated hardware and kernel state.
type machine struct {
	log    *slog.Logger
	frames *phys.Allocator
	mm     *vm.MemoryManager
	spaces []*vm.AddressSpace
	tables []*mmu.PageTable
}

func run(log *slog.Logger, cfg config) (err error) {
	frames, err := phys.NewAllocator(cfg.Frames)
	if err != nil {
		return err
	}
	if cfg.ReservedFrames > 0 {
		end := phys.Base + phys.Address(cfg.ReservedFrames*phys.PageSize)
		if err := frames.Reserve(phys.Base, end); err != nil {
			return errors.CombineErrors(err, frames.Close())
		}
	}
	m := &machine{
		log:    log,
		frames: frames,
		mm: vm.NewMemoryManager(frames, vm.NewRegistry(cfg.MaxObjects), vm.Config{
			Logger:   log.With("component", "vm"),
			Signaler: signaler{log},
		}),
	}
	inode, closeInode, err := openInode(cfg)
	if err != nil {
		return errors.CombineErrors(err, frames.Close())
	}
	defer func() {
		m.shutdown()
		err = errors.CombineErrors(err, closeInode())
		err = errors.CombineErrors(err, m.mm.Registry().Close())
		err = errors.CombineErrors(err, frames.Close())
	}()
	scenarios := []struct {
		name string
		run  func(*machine) error
	}{
		{"shared mapping", func(m *machine) error { return sharedMapping(m, inode) }},
		{"fork", forkCopyOnWrite},
		{"out of memory", outOfMemory},
	}
	for _, s := range scenarios {
		log.Info("scenario start", "name", s.name)
		if err := s.run(m); err != nil {
			return errors.Wrapf(err, "scenario %q", s.name)
		}
		if err := m.mm.Verify(m.spaces...); err != nil {
			return errors.Wrapf(err, "scenario %q left inconsistent state", s.name)
		}
		m.shutdown()
		st := m.mm.Stats()
		log.Info("scenario done", "name", s.name, "objects", st.Objects, "frames_used", st.Frames.Used,
			"faults", st.Faults, "cow_faults", st.COWFaults, "page_ins", st.PageIns)
	}
	return nil
}

// openInode returns the file the shared mapping scenario maps.
func openInode(cfg config) (vm.Inode, func() error, error) {
	seed := []byte("hello from the page cache")
	switch {
	case cfg.File != "":
		hfs := fs.NewHostFS()
		f, err := hfs.Open(cfg.File, true)
		if err != nil {
			return nil, nil, err
		}
		return f, hfs.Close, nil
	case cfg.StoreDir != "":
		s, err := fs.OpenStore(cfg.StoreDir, nil)
		if err != nil {
			return nil, nil, err
		}
		f, err := s.Open(1)
		if err != nil {
			s.Close()
			return nil, nil, err
		}
		if f.Size() == 0 {
			if _, err := f.WriteAt(seed, 0); err != nil {
				s.Close()
				return nil, nil, err
			}
		}
		return f, s.Close, nil
	default:
		return fs.NewMemInode(1, seed), func() error { return nil }, nil
	}
}

func (m *machine) newSpace() (*vm.AddressSpace, error) {
	pt, err := m.newPageTable()
	if err != nil {
		return nil, err
	}
	as := m.mm.NewAddressSpace(pt)
	m.spaces = append(m.spaces, as)
	return as, nil
}

func (m *machine) newPageTable() (*mmu.PageTable, error) {
	pt, err := mmu.NewPageTable(m.frames)
	if err != nil {
		return nil, err
	}
	m.tables = append(m.tables, pt)
	return pt, nil
}

func (m *machine) fork(as *vm.AddressSpace) (*vm.AddressSpace, error) {
	pt, err := m.newPageTable()
	if err != nil {
		return nil, err
	}
	child, err := as.Fork(pt)
	if err != nil {
		return nil, err
	}
	m.spaces = append(m.spaces, child)
	return child, nil
}

// shutdown destroys every address space and page table.
func (m *machine) shutdown() {
	for _, as := range m.spaces {
		as.Destroy()
	}
	for _, pt := range m.tables {
		pt.Destroy()
	}
	m.spaces, m.tables = nil, nil
}

type signaler struct {
	log *slog.Logger
}

func (s signaler) Signal(as *vm.AddressSpace, sig vm.Signal, va mmu.VirtualAddress) {
	s.log.Warn("signal", "space", as.ID(), "signal", sig.String(), "va", va.String())
}
