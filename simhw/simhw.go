// Package simhw is test-only scaffolding that stands in for hardware
// the MMU core otherwise requires: a physical-map window backed by one
// in-memory page table per frame, a fake multi-CPU controller that
// records shootdown traffic, and fake flush operations. It has no
// Accessed/Dirty injector; tests simulate hardware by setting those
// bits on a leaf entry directly. None of it is reachable from non-test
// code.
//
// Grounded on gopher-os-gopher-os's kernel/mem/vmm/pte_test.go style
// (plain table-driven testing, no mocking library) and the teacher's
// own absence of any test-double framework across the retrieved slice.
package simhw

import (
	"sync"

	"mmukern/mem"
)

// Window is an in-process mem.Window backed by a map of frame to
// table, good enough to exercise the walker/mmu packages without real
// physical memory.
type Window struct {
	mu     sync.Mutex
	tables map[mem.Frame]*mem.PageTable
}

// NewWindow returns an empty simulated window.
func NewWindow() *Window {
	return &Window{tables: map[mem.Frame]*mem.PageTable{}}
}

// Map implements mem.Window.
func (w *Window) Map(f mem.Frame) *mem.PageTable {
	w.mu.Lock()
	defer w.mu.Unlock()
	pt, ok := w.tables[f]
	if !ok {
		pt = &mem.PageTable{}
		w.tables[f] = pt
	}
	return pt
}

// Controller is a fake cpu.Controller recording every call it
// receives, for assertions on which CPUs a shootdown reached.
type Controller struct {
	mu      sync.Mutex
	current int
	running []int
	loaded  map[int]uint64 // cpuID -> context token currently loaded

	SingleCalls    []int
	BroadcastCalls int
}

// NewController returns a Controller simulating n CPUs, with CPU 0 as
// the caller's own.
func NewController(n int) *Controller {
	c := &Controller{loaded: map[int]uint64{}}
	for i := 0; i < n; i++ {
		c.running = append(c.running, i)
	}
	return c
}

// SetCurrent designates which simulated CPU subsequent calls run as.
func (c *Controller) SetCurrent(id int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.current = id
}

// SetLoaded records that cpuID currently has the context identified by
// token loaded (token is mmu.Context.ID()).
func (c *Controller) SetLoaded(cpuID int, token uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.loaded[cpuID] = token
}

// Current implements cpu.Controller.
func (c *Controller) Current() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// Running implements cpu.Controller.
func (c *Controller) Running() []int {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]int, len(c.running))
	copy(out, c.running)
	return out
}

// UsesContext implements cpu.Controller.
func (c *Controller) UsesContext(cpuID int, token uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.loaded[cpuID] == token
}

// CallSingle implements cpu.Controller: runs fn synchronously and
// records the target.
func (c *Controller) CallSingle(cpuID int, fn func()) {
	c.mu.Lock()
	c.SingleCalls = append(c.SingleCalls, cpuID)
	c.mu.Unlock()
	fn()
}

// Broadcast implements cpu.Controller: runs fn synchronously for every
// CPU except Current(), recording how many times it happened.
func (c *Controller) Broadcast(fn func(cpuID int)) {
	me := c.Current()
	for _, id := range c.Running() {
		if id == me {
			continue
		}
		c.mu.Lock()
		c.BroadcastCalls++
		c.mu.Unlock()
		fn(id)
	}
}

// FlushOps is a fake tlb.FlushOps recording every invalidation it
// receives instead of touching real hardware.
type FlushOps struct {
	mu            sync.Mutex
	Addrs         []uintptr
	GlobalFlushes int
	CR3Reloads    int
}

// InvalidateAddr implements tlb.FlushOps.
func (f *FlushOps) InvalidateAddr(v uintptr) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Addrs = append(f.Addrs, v)
}

// FlushKernelGlobal implements tlb.FlushOps.
func (f *FlushOps) FlushKernelGlobal() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.GlobalFlushes++
}

// ReloadTranslationRegister implements tlb.FlushOps.
func (f *FlushOps) ReloadTranslationRegister() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.CR3Reloads++
}
