package mmu

import (
	"mmukern/errs"
	"mmukern/mem"
	"mmukern/pte"
	"mmukern/walker"
)

// UnmapResult reports what a present leaf held before it was cleared.
type UnmapResult struct {
	Frame   mem.Frame
	Dirty   bool
	Present bool
}

// QueryResult reports the translation and permissions query found.
type QueryResult struct {
	Phys    uintptr
	Access  pte.Access
	Cache   pte.Cacheability
	Present bool
}

func (ctx *Context) policy() walker.Policy { return walker.Policy{Kernel: ctx.kernel} }

// Map installs a new leaf translation for v (spec §4.4). Callers must
// hold ctx's lock. Mapping over an already-present leaf is a
// programming error — callers must Unmap first (spec §3 invariant 6).
func (ctx *Context) Map(v uintptr, phys mem.Frame, access pte.Access, cache pte.Cacheability) errs.Errno {
	slot, ok, errno := walker.Walk(ctx.sys.Window, ctx.sys.Alloc, ctx.top, v, true, ctx.policy())
	if errno != errs.OK {
		return errno
	}
	if !ok {
		return errs.NoMemory
	}
	if pte.IsPresent(pte.Load(slot)) {
		errs.Fatal("mmu: map called on an already-present leaf")
	}

	val := uint64(phys.Addr()) | pte.Present | pte.EncodeCacheability(cache) |
		pte.EncodeAccess(access, ctx.kernel, ctx.sys.NXSupported)
	pte.Store(slot, val)
	return errs.OK
}

// Unmap clears any leaf translation for v and returns what it held
// (spec §4.4). Callers must hold ctx's lock.
func (ctx *Context) Unmap(sd LocalInvalidator, v uintptr) (UnmapResult, errs.Errno) {
	slot, ok, errno := walker.Walk(ctx.sys.Window, ctx.sys.Alloc, ctx.top, v, false, ctx.policy())
	if errno != errs.OK {
		return UnmapResult{}, errno
	}
	if !ok {
		return UnmapResult{}, errs.OK
	}

	prior := pte.ClearAndRead(slot)
	if !pte.IsPresent(prior) {
		return UnmapResult{}, errs.OK
	}

	res := UnmapResult{
		Frame:   mem.FrameOf(pte.Frame(prior)),
		Dirty:   prior&pte.Dirty != 0,
		Present: true,
	}
	if prior&pte.Accessed != 0 {
		ctx.enqueueInvalidate(v)
		sd.InvalidateIfCurrent(ctx, v)
	}
	return res, errs.OK
}

// Remap walks [v, v+size) in page-size steps and, at each present
// leaf, rewrites Writable/NX while preserving everything ProtectMask
// covers (spec §3 invariant 5, §4.4). Absent 2 MiB-aligned ranges are
// skipped entirely rather than allocated. Callers must hold ctx's
// lock.
func (ctx *Context) Remap(sd LocalInvalidator, v uintptr, size uintptr, access pte.Access) errs.Errno {
	const twoMiB = 1 << 21
	for off := uintptr(0); off < size; off += mem.PGSIZE {
		addr := v + off
		if addr%twoMiB == 0 {
			pde, present := walker.PeekDirectory(ctx.sys.Window, ctx.top, addr)
			if !present {
				off += twoMiB - mem.PGSIZE
				continue
			}
			if pte.IsLarge(pde) {
				errs.Fatal("mmu: remap encountered a large page at directory level")
			}
		}

		slot, ok, errno := walker.Walk(ctx.sys.Window, ctx.sys.Alloc, ctx.top, addr, false, ctx.policy())
		if errno != errs.OK {
			return errno
		}
		if !ok {
			continue
		}

		for {
			old := pte.Load(slot)
			if !pte.IsPresent(old) {
				break
			}
			next := (old & pte.ProtectMask) | pte.EncodeAccess(access, ctx.kernel, ctx.sys.NXSupported)
			if pte.CAS(slot, old, next) {
				if old&pte.Accessed != 0 {
					ctx.enqueueInvalidate(addr)
					sd.InvalidateIfCurrent(ctx, addr)
				}
				break
			}
		}
	}
	return errs.OK
}

// Query returns the current translation and permissions for v without
// modifying anything (spec §4.4). It may be called without holding
// ctx's lock; a concurrently-installed or removed mapping simply races
// with the caller's view, as for any read of live page tables.
func (ctx *Context) Query(v uintptr) QueryResult {
	pde, present := walker.PeekDirectory(ctx.sys.Window, ctx.top, v)
	if !present {
		return QueryResult{}
	}
	if pte.IsLarge(pde) {
		const twoMiB = 1 << 21
		base := uintptr(pte.Frame(pde)) &^ (twoMiB - 1)
		return QueryResult{
			Phys:    base + v%twoMiB,
			Access:  pte.DecodeAccess(pde),
			Cache:   decodeLargeCacheability(pde),
			Present: true,
		}
	}

	slot, ok, errno := walker.Walk(ctx.sys.Window, ctx.sys.Alloc, ctx.top, v, false, ctx.policy())
	if errno != errs.OK || !ok {
		return QueryResult{}
	}
	val := pte.Load(slot)
	if !pte.IsPresent(val) {
		return QueryResult{}
	}
	return QueryResult{
		Phys:    uintptr(pte.Frame(val)),
		Access:  pte.DecodeAccess(val),
		Cache:   pte.DecodeCacheability(val),
		Present: true,
	}
}

// decodeLargeCacheability mirrors pte.DecodeCacheability for a 2 MiB
// PDE, whose PCD/PWT bits sit in the same low positions as a 4 KiB
// leaf (only the PAT bit moves, and this module never sets it).
func decodeLargeCacheability(pde uint64) pte.Cacheability {
	return pte.DecodeCacheability(pde)
}
