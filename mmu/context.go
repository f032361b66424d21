// Package mmu implements context lifecycle, the map/unmap/remap/query
// contracts, and the pending-invalidation queue that feeds the tlb
// shootdown coordinator (spec §4.2-§4.5). It is the machine-independent
// core: every architecture-specific bit pattern is pushed down into
// pte, and every collaborator (frame allocator, physical-map window,
// per-CPU controller) arrives through an interface (spec §6).
package mmu

import (
	"sync"
	"sync/atomic"

	"mmukern/cpu"
	"mmukern/errs"
	"mmukern/mem"
	"mmukern/pte"
)

// System holds the collaborators and process-wide singletons every
// Context shares: the physical allocator, the physical-map window,
// whether NX is available on this machine, and the kernel context
// itself (spec §9: "two singletons — the kernel context and the
// next-context-ID counter").
type System struct {
	Window      mem.Window
	Alloc       mem.FrameAllocator
	NXSupported bool
	Arch        TranslationRegister

	// CPUs identifies which CPU is currently executing, the owner
	// token Context.Lock compares against to decide whether a caller
	// is genuinely re-entering its own hold or a different CPU racing
	// in (spec §5: the lock excludes software mutators, and reentrancy
	// is a property of one caller re-acquiring its own hold, not of
	// depth alone).
	CPUs cpu.Controller

	Kernel *Context

	nextID uint64
}

// TranslationRegister is the one architecture-specific operation
// context_load performs: installing a top-level frame in the hardware
// translation register (CR3 on AMD64). Kept as an interface so the
// machine-independent core never references a register by name.
type TranslationRegister interface {
	LoadTop(mem.Frame)
}

// LocalInvalidator lets a present+Accessed mutation take an immediate
// local INVLPG on the calling CPU when that CPU currently has ctx
// loaded, keeping this CPU's own view consistent for any subsequent
// read under the same lock (spec §4.5) without waiting for Unlock's
// flush. Implemented by the tlb package, which alone knows the
// current CPU and which contexts are loaded where.
type LocalInvalidator interface {
	InvalidateIfCurrent(ctx *Context, v uintptr)
}

// Context is an MMU context: the owning physical frame of its
// top-level table, its pending-invalidation queue, and a reentrant
// lock (spec §3). Grounded on Vm_t (biscuit/src/vm/as.go), narrowed
// from a full process address space (which also carries VMAs, COW,
// and file-backed regions — out of scope here) down to the MMU-only
// state the spec names.
type Context struct {
	sys    *System
	id     uint64
	kernel bool
	top    mem.Frame

	mu    sync.Mutex
	owner int64 // CPU id holding mu, meaningful only while depth > 0
	depth int32
	queue invalQueue
}

// noOwner is never a valid cpu.Controller.Current() result (CPU ids
// are non-negative), so it can never be mistaken for a real owner.
const noOwner = -1

// halfBoundary is the PML4 index at which the lower (user) half ends
// and the upper (kernel-shared) half begins: indices [0,256) are user
// space, [256,512) are the shared kernel half (spec §3 invariant 2).
const halfBoundary = 256

// Init allocates ctx's top-level table and copies the kernel context's
// upper-half slots into it with the hardware Accessed bit masked off
// (spec §3 invariant 2, §4.3). Passing a nil sys.Kernel means ctx is
// itself becoming the kernel context: its upper half starts zeroed.
// amd64.KernelInit builds the kernel mappings in a top-level frame of
// its own, which it returns; Init does not take that frame over.
func Init(sys *System, kernel bool) (*Context, errs.Errno) {
	top, ok := sys.Alloc.AllocZeroed()
	if !ok {
		return nil, errs.NoMemory
	}
	ctx := &Context{
		sys:    sys,
		id:     atomic.AddUint64(&sys.nextID, 1),
		kernel: kernel,
		top:    top,
	}
	if sys.Kernel != nil {
		table := sys.Window.Map(top)
		kTable := sys.Window.Map(sys.Kernel.top)
		for i := halfBoundary; i < 512; i++ {
			table[i] = pte.Load(&kTable[i]) &^ pte.Accessed
		}
	}
	return ctx, errs.OK
}

// Destroy walks ctx's lower half recursively, freeing every leaf
// page-table frame, then every directory, PDPT, and finally the
// top-level frame itself. The upper half is shared with the kernel
// context and is never touched (spec §4.3).
func (ctx *Context) Destroy() {
	if ctx.kernel {
		errs.Fatal("mmu: destroy called on the kernel context")
	}
	top := ctx.sys.Window.Map(ctx.top)
	for i := 0; i < halfBoundary; i++ {
		e := pte.Load(&top[i])
		if pte.IsPresent(e) {
			ctx.destroyPDPT(mem.FrameOf(pte.Frame(e)))
		}
	}
	ctx.sys.Alloc.Free(ctx.top)
}

func (ctx *Context) destroyPDPT(f mem.Frame) {
	table := ctx.sys.Window.Map(f)
	for i := range table {
		e := pte.Load(&table[i])
		if !pte.IsPresent(e) {
			continue
		}
		if pte.IsLarge(e) {
			errs.Fatal("mmu: unexpected large page in user half during destroy")
		}
		ctx.destroyPDir(mem.FrameOf(pte.Frame(e)))
	}
	ctx.sys.Alloc.Free(f)
}

func (ctx *Context) destroyPDir(f mem.Frame) {
	table := ctx.sys.Window.Map(f)
	for i := range table {
		e := pte.Load(&table[i])
		if !pte.IsPresent(e) {
			continue
		}
		if pte.IsLarge(e) {
			errs.Fatal("mmu: unexpected large page in user half during destroy")
		}
		ctx.destroyTable(mem.FrameOf(pte.Frame(e)))
	}
	ctx.sys.Alloc.Free(f)
}

func (ctx *Context) destroyTable(f mem.Frame) {
	ctx.sys.Alloc.Free(f)
}

// Top returns the physical frame of ctx's top-level table, the
// identity loaded into the hardware translation register.
func (ctx *Context) Top() mem.Frame { return ctx.top }

// ID returns ctx's process-wide unique identity (spec §9's
// next-context-ID counter), also used as the opaque token passed to
// cpu.Controller.UsesContext.
func (ctx *Context) ID() uint64 { return ctx.id }

// Kernel reports whether ctx is the shared kernel context.
func (ctx *Context) Kernel() bool { return ctx.kernel }

// Lock acquires ctx's reentrant context lock (spec §5: "reentrant so
// that higher-level VM code can hold it across a sequence of
// map/unmap/remap operations"). Reentrancy is keyed on which CPU is
// calling (ctx.sys.CPUs.Current()), not on depth alone: a bare counter
// would let a second CPU genuinely racing into Lock concurrently with
// the first (the exact SMP scenario spec §5 describes) read a
// non-zero depth and wrongly skip ctx.mu.Lock, defeating the context
// lock's whole mutual-exclusion contract. Only the CPU already
// recorded as owner, with depth already held, may skip the mutex;
// every other caller blocks on it like a first acquisition.
func (ctx *Context) Lock() {
	me := int64(ctx.sys.CPUs.Current())
	if atomic.LoadInt64(&ctx.owner) == me && atomic.LoadInt32(&ctx.depth) > 0 {
		atomic.AddInt32(&ctx.depth, 1)
		return
	}
	ctx.mu.Lock()
	atomic.StoreInt64(&ctx.owner, me)
	atomic.StoreInt32(&ctx.depth, 1)
}

// Unlock releases one level of ctx's lock. Exactly when the outermost
// hold is released, any addresses enqueued for invalidation since the
// last flush are shot down exactly once (spec §3 invariant 7, §4.5,
// §5).
func (ctx *Context) Unlock(sd Shootdowner) {
	d := atomic.AddInt32(&ctx.depth, -1)
	if d < 0 {
		errs.Fatal("mmu: unbalanced Unlock")
	}
	if d == 0 {
		atomic.StoreInt64(&ctx.owner, noOwner)
		ctx.flush(sd)
		ctx.mu.Unlock()
	}
}

// Shootdowner is implemented by the tlb package; mmu depends on it
// only through this interface to keep the two packages decoupled
// (tlb already depends on mmu's exported Context surface).
type Shootdowner interface {
	Shootdown(ctx *Context, addrs []uintptr, saturated bool)
}

func (ctx *Context) flush(sd Shootdowner) {
	switch ctx.queue.state() {
	case stateEmpty:
		return
	case stateNonEmpty:
		addrs := ctx.queue.drain()
		sd.Shootdown(ctx, addrs, false)
	case stateSaturated:
		ctx.queue.drain()
		sd.Shootdown(ctx, nil, true)
	}
}

// enqueueInvalidate records v for shootdown on the next outermost
// Unlock. Callers must hold ctx's lock.
func (ctx *Context) enqueueInvalidate(v uintptr) {
	ctx.queue.push(v)
}

// Load installs ctx's top-level frame in the hardware translation
// register. Ordering w.r.t. prior modifications on this CPU is free:
// spec §5's ordering guarantee 2 relies on the normal program order of
// a top-level-register write.
func (ctx *Context) Load() {
	ctx.sys.Arch.LoadTop(ctx.top)
}

// Unload is a deliberate no-op, kept as a hook for future PCID/ASID
// work (spec §4.3).
func (ctx *Context) Unload() {}
