// Package mem implements the physical-frame allocator and physical-map
// window that the MMU core treats as external collaborators (spec §6).
// A real kernel backs these with a bootloader memory map and a
// permanently-installed linear alias of RAM; this package's Pool and
// Window are that contract, shaped after the teacher's Physmem_t.
package mem

import (
	"sync"
	"sync/atomic"
)

// PGSHIFT is the base-2 exponent of the page size.
const PGSHIFT = 12

// PGSIZE is the size of a physical frame / virtual page in bytes.
const PGSIZE = 1 << PGSHIFT

// Frame identifies a physical page frame by its page number (not byte
// address): Frame(0) is physical address 0, Frame(1) is PGSIZE, etc.
type Frame uint64

// Addr returns the physical byte address of the frame.
func (f Frame) Addr() uintptr { return uintptr(f) << PGSHIFT }

// FrameOf truncates a physical byte address down to its containing frame.
func FrameOf(addr uintptr) Frame { return Frame(addr >> PGSHIFT) }

// PageTable is the in-memory shape of any page-table level: 512
// 64-bit entries addressed through a Window.
type PageTable [512]uint64

// FrameAllocator is the physical-page allocator external interface
// (spec §6): it supplies zeroed 4 KiB frames once the kernel is far
// enough along to maintain reference counts and free lists.
type FrameAllocator interface {
	// AllocZeroed returns a freshly zeroed frame, or ok=false if none
	// remain.
	AllocZeroed() (frame Frame, ok bool)
	// Free returns frame to the allocator.
	Free(frame Frame)
}

// EarlyAllocator is the infallible, pre-page-allocator-phase cousin of
// FrameAllocator (spec §6's alloc_zeroed_4k_early): used only during
// the single-threaded portion of boot, before the per-CPU and
// reference-counted allocation paths are in use.
type EarlyAllocator interface {
	AllocZeroedEarly() Frame
}

// Window is the physical-map window external interface (spec §6):
// every physical frame of an allocated page table is reachable through
// it with no additional allocation, so walkers never need to map
// page-table frames explicitly.
type Window interface {
	// Map returns a pointer to the 512 64-bit slots backing frame.
	Map(frame Frame) *PageTable
}

// physPage tracks per-frame bookkeeping: a reference count. A page
// table frame is exclusively owned by one parent entry (spec §3
// invariant 1), but pages backing shared kernel structures may have
// higher counts.
type physPage struct {
	refcnt int32
	nexti  uint32
}

type percpuFree struct {
	sync.Mutex
	freei   uint32
	freelen int32
}

// Pool is the default FrameAllocator + EarlyAllocator + Window
// implementation: a flat array of frames with a global free list plus
// a small per-logical-CPU free list to avoid contending the global
// lock on every page-table allocation during a walk (grounded on
// Physmem_t's percpu/pcpuphys_t fast path; SPEC_FULL.md supplemented
// feature 2).
type Pool struct {
	mu      sync.Mutex
	pages   []physPage
	startn  uint32
	base    uintptr // physical address of pages[0]
	freei   uint32
	freelen int32
	percpu  []percpuFree

	window Window
}

const noFrame = ^uint32(0)

// NewPool carves a Pool out of the contiguous physical range
// [base, base+PGSIZE*count), backed by window for zeroing newly
// allocated frames. ncpu bounds the per-CPU free-list array.
func NewPool(base uintptr, count int, ncpu int, window Window) *Pool {
	if base%PGSIZE != 0 {
		errsFatal("pool base not page aligned")
	}
	p := &Pool{
		pages:  make([]physPage, count),
		startn: uint32(base >> PGSHIFT),
		base:   base,
		freei:  noFrame,
		percpu: make([]percpuFree, ncpu),
		window: window,
	}
	for i := range p.percpu {
		p.percpu[i].freei = noFrame
	}
	for i := count - 1; i >= 0; i-- {
		p.pages[i].nexti = p.freei
		p.freei = uint32(i)
		p.freelen++
	}
	return p
}

func (p *Pool) frameAt(idx uint32) Frame {
	return Frame((p.base >> PGSHIFT) + uintptr(idx))
}

func (p *Pool) idxOf(f Frame) uint32 {
	return uint32(f) - p.startn
}

// cpuHint is swapped out in tests; production code should set it to
// whatever identifies "this logical CPU" in the surrounding kernel.
var cpuHint = func() int { return 0 }

// SetCPUHint installs the function used to pick a per-CPU free list.
func SetCPUHint(fn func() int) { cpuHint = fn }

func (p *Pool) percpuOf() *percpuFree {
	if len(p.percpu) == 0 {
		return nil
	}
	me := cpuHint()
	if me < 0 || me >= len(p.percpu) {
		return nil
	}
	return &p.percpu[me]
}

func (p *Pool) popFrom(lock sync.Locker, head *uint32, cnt *int32) (Frame, bool) {
	lock.Lock()
	defer lock.Unlock()
	idx := *head
	if idx == noFrame {
		return 0, false
	}
	*head = p.pages[idx].nexti
	if cnt != nil {
		*cnt--
	}
	return p.frameAt(idx), true
}

func (p *Pool) pushTo(lock sync.Locker, head *uint32, cnt *int32, f Frame) {
	lock.Lock()
	defer lock.Unlock()
	idx := p.idxOf(f)
	p.pages[idx].nexti = *head
	*head = idx
	if cnt != nil {
		*cnt++
	}
}

// AllocZeroed implements FrameAllocator.
func (p *Pool) AllocZeroed() (Frame, bool) {
	if pc := p.percpuOf(); pc != nil {
		if f, ok := p.popFrom(pc, &pc.freei, &pc.freelen); ok {
			p.zero(f)
			atomic.AddInt32(&p.pages[p.idxOf(f)].refcnt, 1)
			return f, true
		}
	}
	f, ok := p.popFrom(&p.mu, &p.freei, &p.freelen)
	if !ok {
		return 0, false
	}
	p.zero(f)
	atomic.AddInt32(&p.pages[p.idxOf(f)].refcnt, 1)
	return f, true
}

// AllocZeroedEarly implements EarlyAllocator. It is only safe to call
// before any other CPU is running (spec §6): it skips the per-CPU
// fast path and the reference-count bump entirely since the caller is
// assembling the kernel context before contexts are tracked at all.
func (p *Pool) AllocZeroedEarly() Frame {
	f, ok := p.popFrom(&p.mu, &p.freei, &p.freelen)
	if !ok {
		errsFatal("early allocator exhausted")
	}
	p.zero(f)
	return f
}

func (p *Pool) zero(f Frame) {
	pt := p.window.Map(f)
	for i := range pt {
		pt[i] = 0
	}
}

// Free implements FrameAllocator.
func (p *Pool) Free(f Frame) {
	idx := p.idxOf(f)
	c := atomic.AddInt32(&p.pages[idx].refcnt, -1)
	if c < 0 {
		errsFatal("negative refcount")
	}
	if c > 0 {
		return
	}
	if pc := p.percpuOf(); pc != nil {
		p.pushTo(pc, &pc.freei, &pc.freelen, f)
		return
	}
	p.pushTo(&p.mu, &p.freei, &p.freelen, f)
}

// Map implements Window by delegating to the underlying window: Pool
// itself never holds frame contents, only accounting.
func (p *Pool) Map(f Frame) *PageTable { return p.window.Map(f) }

// Stats reports free/in-use frame counts (supplemented feature,
// SPEC_FULL.md item 1; grounded on Physmem_t.Pgcount). It takes no
// locks on the per-CPU lists beyond a snapshot read and is intended
// for diagnostics only.
func (p *Pool) Stats() (free, total int) {
	p.mu.Lock()
	free = int(p.freelen)
	p.mu.Unlock()
	for i := range p.percpu {
		pc := &p.percpu[i]
		pc.Lock()
		free += int(pc.freelen)
		pc.Unlock()
	}
	return free, len(p.pages)
}

// errsFatal panics with msg, the same panic value errs.Fatal uses, but
// without errs.Fatal's call-chain report: mem does not import errs.
func errsFatal(msg string) { panic(msg) }
