package mem

import "unsafe"

// DirectWindow implements Window as a linear alias of physical memory
// starting at a fixed kernel virtual base, exactly the teacher's
// Vdirect/Dmap scheme (biscuit/src/mem/dmap.go): any physical address
// of an allocated frame is reachable by adding it to Base with no
// per-call mapping.
//
// DmapLen bounds how much of the alias is actually backed by large-page
// mappings (spec §4.6 maps physical RAM rounded up to at least 8 GiB);
// Map panics if asked for a frame outside that range, mirroring the
// teacher's "direct map not large enough" check in Physmem_t.Dmap.
type DirectWindow struct {
	Base    uintptr
	DmapLen uintptr
}

// Map implements Window.
func (w DirectWindow) Map(f Frame) *PageTable {
	addr := f.Addr()
	if addr >= w.DmapLen {
		panic("physical-map window: address outside direct map")
	}
	return (*PageTable)(unsafe.Pointer(w.Base + addr))
}

// Bytes returns a byte slice over l bytes of physical memory starting
// at p, for callers that need sub-page-table access (e.g. zeroing a
// buffer that isn't a page-table frame). Grounded on Dmaplen.
func (w DirectWindow) Bytes(p uintptr, l int) []byte {
	if p+uintptr(l) > w.DmapLen {
		panic("physical-map window: range outside direct map")
	}
	ptr := unsafe.Pointer(w.Base + p)
	return unsafe.Slice((*byte)(ptr), l)
}
