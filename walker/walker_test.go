package walker

import (
	"testing"

	"mmukern/mem"
)

func newPool(t *testing.T, count int) (*mem.Pool, mem.Window) {
	t.Helper()
	pages := map[mem.Frame]*mem.PageTable{}
	win := fakeWindowFunc(func(f mem.Frame) *mem.PageTable {
		pt, ok := pages[f]
		if !ok {
			pt = &mem.PageTable{}
			pages[f] = pt
		}
		return pt
	})
	return mem.NewPool(0, count, 0, win), win
}

type fakeWindowFunc func(mem.Frame) *mem.PageTable

func (f fakeWindowFunc) Map(frame mem.Frame) *mem.PageTable { return f(frame) }

func TestWalkAllocatesInteriorTables(t *testing.T) {
	pool, win := newPool(t, 16)
	top, _ := pool.AllocZeroed()

	v := uintptr(0x1000)
	slot, ok, errno := Walk(win, pool, top, v, true, Policy{})
	if errno != 0 || !ok {
		t.Fatalf("expected walk to succeed, got ok=%v errno=%v", ok, errno)
	}
	if slot == nil {
		t.Fatalf("expected non-nil leaf slot")
	}
}

func TestWalkNonAllocatingMissReturnsNotOK(t *testing.T) {
	pool, win := newPool(t, 16)
	top, _ := pool.AllocZeroed()

	_, ok, errno := Walk(win, pool, top, 0x1000, false, Policy{})
	if ok {
		t.Fatalf("expected miss on empty table")
	}
	if errno != 0 {
		t.Fatalf("expected OK errno for a plain miss, got %v", errno)
	}
}

func TestWalkRevisitsSameLeafAfterAlloc(t *testing.T) {
	pool, win := newPool(t, 16)
	top, _ := pool.AllocZeroed()
	v := uintptr(0x200000)

	slot1, ok, _ := Walk(win, pool, top, v, true, Policy{})
	if !ok {
		t.Fatalf("expected first alloc-walk to succeed")
	}
	*slot1 = 0xabc000 | 1

	slot2, ok, _ := Walk(win, pool, top, v, false, Policy{})
	if !ok {
		t.Fatalf("expected second non-allocating walk to find the same leaf")
	}
	if *slot2 != 0xabc000|1 {
		t.Fatalf("expected the second walk to observe the first's write, got %#x", *slot2)
	}
}

func TestWalkOutOfMemoryPropagates(t *testing.T) {
	pool, win := newPool(t, 1) // only enough for the top-level table
	top, _ := pool.AllocZeroed()

	_, ok, errno := Walk(win, pool, top, 0x1000, true, Policy{})
	if ok {
		t.Fatalf("expected allocation to fail")
	}
	if errno == 0 {
		t.Fatalf("expected a NoMemory errno")
	}
}

func TestPeekDirectoryFindsLargePage(t *testing.T) {
	pool, win := newPool(t, 16)
	top, _ := pool.AllocZeroed()
	v := uintptr(0x40000000) // 1 GiB-aligned

	// Force the directory entry itself to look like a 2 MiB large page,
	// the way arch_mmu_init installs the physical-map window, without
	// going through Walk (which never installs large pages itself).
	idx := indices(v)
	pdptFrame, _ := pool.AllocZeroed()
	win.Map(top)[idx[0]] = uint64(pdptFrame.Addr()) | 1
	pdirFrame, _ := pool.AllocZeroed()
	win.Map(pdptFrame)[idx[1]] = uint64(pdirFrame.Addr()) | 1
	const large = 1 << 7
	win.Map(pdirFrame)[idx[2]] = 0x80000000 | 1 | large

	entry, present := PeekDirectory(win, top, v)
	if !present {
		t.Fatalf("expected directory entry to be present")
	}
	if entry&large == 0 {
		t.Fatalf("expected PeekDirectory to surface the large-page bit")
	}
}

func TestWalkFatalsOnLargePageAtDirectoryLevel(t *testing.T) {
	pool, win := newPool(t, 16)
	top, _ := pool.AllocZeroed()
	v := uintptr(0x40000000)

	idx := indices(v)
	pdptFrame, _ := pool.AllocZeroed()
	win.Map(top)[idx[0]] = uint64(pdptFrame.Addr()) | 1
	pdirFrame, _ := pool.AllocZeroed()
	win.Map(pdptFrame)[idx[1]] = uint64(pdirFrame.Addr()) | 1
	const large = 1 << 7
	win.Map(pdirFrame)[idx[2]] = 0x80000000 | 1 | large

	defer func() {
		if recover() == nil {
			t.Fatalf("expected Walk to panic on a large page at directory level")
		}
	}()
	Walk(win, pool, top, v, false, Policy{})
}
