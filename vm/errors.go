// SPDX-License-Identifier: Unlicense OR MIT

package vm

import (
	"fmt"

	"eliasnaur.com/memobj/mmu"
	"eliasnaur.com/memobj/phys"
	"github.com/cockroachdb/errors"
)

var (
	// ErrNoMemory reports exhaustion of physical frames, page table
	// pages or the object quota.
	ErrNoMemory = phys.ErrNoMemory
	// ErrAccessViolation reports a fault that no Region resolves.
	ErrAccessViolation = errors.New("vm: access violation")
	// ErrIO reports an inode read or write failure.
	ErrIO = errors.New("vm: i/o error")
	// ErrInvalidRange reports a malformed or out of bounds range.
	ErrInvalidRange = errors.New("vm: invalid range")
	// ErrOverlap reports a fixed mapping over an existing Region.
	ErrOverlap = errors.New("vm: range overlaps existing region")
)

// Signal is the signal delivered to a thread whose fault could not
// be resolved.
type Signal int

const (
	SIGBUS  Signal = 7
	SIGSEGV Signal = 11
)

func (s Signal) String() string {
	switch s {
	case SIGBUS:
		return "SIGBUS"
	case SIGSEGV:
		return "SIGSEGV"
	default:
		return fmt.Sprintf("signal %d", int(s))
	}
}

// Signaler delivers signals on behalf of the memory manager.
type Signaler interface {
	Signal(as *AddressSpace, sig Signal, va mmu.VirtualAddress)
}

// signalFor maps a fault error to the signal it raises, if any.
// Allocation failures raise none; the caller decides how the
// process dies.
func signalFor(err error) (Signal, bool) {
	switch {
	case errors.Is(err, ErrAccessViolation):
		return SIGSEGV, true
	case errors.Is(err, ErrIO):
		return SIGBUS, true
	default:
		return 0, false
	}
}

func fatalf(format string, args ...interface{}) {
	panic(errors.AssertionFailedf(format, args...))
}
