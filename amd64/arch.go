// Package amd64 implements the AMD64 kernel-bootstrap and per-CPU
// finalization back-end: mapping the kernel image and physical-map
// window (spec §4.6), and programming NX/PAT once per CPU (spec
// §4.7). It is the one package allowed to know about CR3, CR4, EFER,
// and the PAT MSR; mmu and tlb only ever see it through the
// TranslationRegister and tlb.FlushOps interfaces.
//
// Grounded on mem/dmap.go's Dmap_init (biscuit/src/mem/dmap.go):
// CPUID feature probing via runtime.Cpuid/runtime.Rcr4, global-page
// verification, and a 1 GiB-then-2-MiB large-page fallback when
// mapping the direct map. This module generalizes that bootstrap
// routine from a single fixed-size direct map into the spec's
// segment-aware kernel-image mapper plus physical-map-window mapper.
package amd64

import (
	"mmukern/amd64/asmstub"
	"mmukern/mem"
	"mmukern/mmu"
	"mmukern/pte"
	"mmukern/util"
)

// Segment describes one kernel-image region arch_mmu_init must map
// (spec §4.6 step 2): text RX, data RW, init RWX.
type Segment struct {
	Name   string
	VAddr  uintptr
	PAddr  uintptr
	Size   uintptr
	Access pte.Access
}

// BootConfig is the plain configuration struct KernelInit consumes —
// this module's ambient "configuration" layer, matching the teacher's
// convention of plain structs (Cpu_t, Bootinfo_t) over a config
// library (SPEC_FULL.md ambient-stack section).
type BootConfig struct {
	Segments    []Segment
	WindowBase  uintptr // kernel-virtual base of the physical-map window
	HighestPhys uintptr // highest physical address from the boot memory map
}

const (
	pageSize = mem.PGSIZE
	twoMiB   = 1 << 21
	oneGiB   = 1 << 30
	eightGiB = 8 * oneGiB
)

// KernelInit performs arch_mmu_init (spec §4.6): allocates the kernel
// top-level table, maps each image segment with 2 MiB pages where
// alignment allows and 4 KiB otherwise, determines the physical-map
// window's span from cfg.HighestPhys, and maps that span with 2 MiB
// large pages.
func KernelInit(early mem.EarlyAllocator, win mem.Window, cfg BootConfig, nxSupported bool) mem.Frame {
	top := early.AllocZeroedEarly()

	for _, seg := range cfg.Segments {
		mapSegment(early, win, top, seg, nxSupported)
	}

	span := util.Roundup(util.Max(cfg.HighestPhys, uintptr(eightGiB)), uintptr(oneGiB))
	flags := uint64(pte.Present | pte.Writable | pte.Global | pte.Large)
	if nxSupported {
		flags |= pte.NX
	}
	for off := uintptr(0); off < span; off += twoMiB {
		slot := largeWindowSlot(early, win, top, cfg.WindowBase+off)
		pte.Store(slot, uint64(off)|flags)
	}

	return top
}

func mapSegment(early mem.EarlyAllocator, win mem.Window, top mem.Frame, seg Segment, nxSupported bool) {
	leafFlags := pte.EncodeAccess(seg.Access, true /* kernel */, nxSupported)

	if seg.VAddr%twoMiB == 0 && seg.PAddr%twoMiB == 0 && seg.Size%twoMiB == 0 {
		for off := uintptr(0); off < seg.Size; off += twoMiB {
			slot := largeWindowSlot(early, win, top, seg.VAddr+off)
			pte.Store(slot, uint64(seg.PAddr+off)|pte.Present|pte.Large|leafFlags)
		}
		return
	}

	for off := uintptr(0); off < seg.Size; off += pageSize {
		slot := leafSlot(early, win, top, seg.VAddr+off)
		pte.Store(slot, uint64(seg.PAddr+off)|pte.Present|leafFlags)
	}
}

// leafSlot descends to a 4 KiB leaf entry, allocating interior tables
// with the early allocator (no normal allocator exists yet during
// KernelInit).
func leafSlot(early mem.EarlyAllocator, win mem.Window, top mem.Frame, v uintptr) *uint64 {
	idx := [4]uint64{
		uint64(v>>39) & 0x1ff,
		uint64(v>>30) & 0x1ff,
		uint64(v>>21) & 0x1ff,
		uint64(v>>12) & 0x1ff,
	}
	frame := top
	for level := 0; level < 3; level++ {
		table := win.Map(frame)
		slot := &table[idx[level]]
		val := pte.Load(slot)
		if !pte.IsPresent(val) {
			next := early.AllocZeroedEarly()
			pte.Store(slot, uint64(next.Addr())|pte.Present|pte.Writable|pte.Global)
			frame = next
			continue
		}
		frame = mem.FrameOf(pte.Frame(val))
	}
	table := win.Map(frame)
	return &table[idx[3]]
}

// largeWindowSlot descends to the page-directory level only, for
// installing a 2 MiB large page.
func largeWindowSlot(early mem.EarlyAllocator, win mem.Window, top mem.Frame, v uintptr) *uint64 {
	idx := [3]uint64{
		uint64(v>>39) & 0x1ff,
		uint64(v>>30) & 0x1ff,
		uint64(v>>21) & 0x1ff,
	}
	frame := top
	for level := 0; level < 2; level++ {
		table := win.Map(frame)
		slot := &table[idx[level]]
		val := pte.Load(slot)
		if !pte.IsPresent(val) {
			next := early.AllocZeroedEarly()
			pte.Store(slot, uint64(next.Addr())|pte.Present|pte.Writable|pte.Global)
			frame = next
			continue
		}
		frame = mem.FrameOf(pte.Frame(val))
	}
	table := win.Map(frame)
	return &table[idx[2]]
}

// NXSupported reports whether the running CPU advertises the NX
// feature bit (CPUID.80000001H:EDX.NX).
func NXSupported() bool {
	_, _, _, edx := asmstub.Cpuid(0x80000001, 0)
	return edx&asmstub.FeatureNX != 0
}

// PerCPUInit performs arch_mmu_init_percpu (spec §4.7): enables NX if
// supported, invalidates caches, programs the PAT MSR, and loads the
// kernel context.
func PerCPUInit(kernel *mmu.Context) {
	if NXSupported() {
		efer := asmstub.Rdmsr(asmstub.MSREFER)
		asmstub.Wrmsr(asmstub.MSREFER, efer|asmstub.EFERNXE)
	}
	asmstub.WbinvdAll()
	asmstub.Wrmsr(asmstub.MSRPAT, pte.PATMSRValue())
	kernel.Load()
}

// CR3Writer implements mmu.TranslationRegister by writing CR3
// directly.
type CR3Writer struct{}

// LoadTop implements mmu.TranslationRegister.
func (CR3Writer) LoadTop(f mem.Frame) {
	asmstub.WriteCR3(f.Addr())
}

// FlushOps implements tlb.FlushOps.
type FlushOps struct{}

// InvalidateAddr implements tlb.FlushOps.
func (FlushOps) InvalidateAddr(v uintptr) { asmstub.Invlpg(v) }

// FlushKernelGlobal implements tlb.FlushOps by toggling the
// Global-pages enable bit in CR4: the only reliable way to evict
// Global translations from the local TLB (spec §4.5).
func (FlushOps) FlushKernelGlobal() {
	cr4 := asmstub.Rcr4()
	asmstub.Wcr4(cr4 &^ asmstub.CR4PGE)
	asmstub.Wcr4(cr4 | asmstub.CR4PGE)
}

// ReloadTranslationRegister implements tlb.FlushOps by reloading CR3,
// sufficient to flush a user context's non-global entries.
func (FlushOps) ReloadTranslationRegister() {
	asmstub.ReloadCR3()
}
