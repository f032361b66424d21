// Package walker descends the four AMD64 page-table levels (PML4,
// PDPT, page directory, page table) through a physical-map window,
// allocating interior tables on demand (spec §4.2). It never performs
// the recursive-self-mapping trick the teacher uses; every frame is
// reached directly through a mem.Window, per spec.md's explicit
// physical-map-window component.
package walker

import (
	"mmukern/errs"
	"mmukern/mem"
	"mmukern/pte"
)

// indices extracts the four 9-bit page-table indices from bits
// [47:39], [38:30], [29:21], [20:12] of a canonical virtual address,
// matching the teacher's pgbits/mkpg bit layout (biscuit/src/mem/dmap.go).
func indices(v uintptr) [4]uint64 {
	return [4]uint64{
		uint64(v>>39) & 0x1ff,
		uint64(v>>30) & 0x1ff,
		uint64(v>>21) & 0x1ff,
		uint64(v>>12) & 0x1ff,
	}
}

// Policy controls how an on-demand interior table is installed.
type Policy struct {
	// Kernel is true when the walk is within a kernel (not user)
	// context; it controls whether interior entries carry the User bit.
	Kernel bool
}

// Walk descends top, the physical frame of a context's top-level
// table, to the 4 KiB leaf entry addressable by v. If alloc is false,
// it stops and returns ok=false the first time an interior level is
// absent. If alloc is true, missing interior levels are allocated
// zeroed and installed with Present|Writable[|User] (spec §4.2).
//
// Walk never descends through a large-page directory entry; callers
// that may legitimately encounter one (only Query, per spec §4.2) must
// check for it themselves via PeekDirectory before calling Walk.
func Walk(win mem.Window, alloc mem.FrameAllocator, top mem.Frame, v uintptr, a bool, pol Policy) (*uint64, bool, errs.Errno) {
	idx := indices(v)
	frame := top

	for level := 0; level < 3; level++ {
		table := win.Map(frame)
		slot := &table[idx[level]]
		val := pte.Load(slot)

		if !pte.IsPresent(val) {
			if !a {
				return nil, false, errs.OK
			}
			next, ok := alloc.AllocZeroed()
			if !ok {
				return nil, false, errs.NoMemory
			}
			flags := uint64(pte.Present | pte.Writable)
			if !pol.Kernel {
				flags |= pte.User
			}
			pte.Store(slot, uint64(next.Addr())|flags)
			frame = next
			continue
		}

		if level == 2 && pte.IsLarge(val) {
			errs.Fatal("walker: large page encountered at directory level")
		}

		frame = mem.FrameOf(pte.Frame(val))
	}

	table := win.Map(frame)
	return &table[idx[3]], true, errs.OK
}

// PeekDirectory walks non-allocating down to the page-directory level
// (the third of four levels) and returns that level's entry for v
// without dereferencing through it, so Query can detect a 2 MiB large
// page before Walk would reject it as a programming error.
func PeekDirectory(win mem.Window, top mem.Frame, v uintptr) (entry uint64, present bool) {
	idx := indices(v)
	frame := top

	for level := 0; level < 2; level++ {
		table := win.Map(frame)
		val := pte.Load(&table[idx[level]])
		if !pte.IsPresent(val) {
			return 0, false
		}
		frame = mem.FrameOf(pte.Frame(val))
	}

	table := win.Map(frame)
	val := pte.Load(&table[idx[2]])
	if !pte.IsPresent(val) {
		return 0, false
	}
	return val, true
}
