package pte

// MemType is a raw PAT memory-type encoding, the value written into
// one of the eight PAT MSR slots (spec §4.7).
type MemType uint8

const (
	MemWriteBack     MemType = 0x06
	MemWriteThrough  MemType = 0x04
	MemUncachedMinus MemType = 0x07
	MemWriteCombine  MemType = 0x01
	MemUncached      MemType = 0x00
)

// PATTable is the 8-entry encoding programmed into the PAT MSR by
// arch_mmu_init_percpu (spec §4.7). Indices 4-6 duplicate 0-2; index 7
// is uncached, not a copy of index 3's write-combine. The PAT bit
// position differs between 4 KiB and 2 MiB entries, so every entry this
// module composes keeps PAT = 0 and selects cacheability with PCD/PWT
// alone (see EncodeCacheability): only indices 0-3 are ever selected,
// for either entry shape.
var PATTable = [8]MemType{
	0: MemWriteBack,
	1: MemWriteThrough,
	2: MemUncachedMinus,
	3: MemWriteCombine,
	4: MemWriteBack,
	5: MemWriteThrough,
	6: MemUncachedMinus,
	7: MemUncached,
}

// PATMSRValue packs PATTable into the 64-bit value written to the PAT
// MSR (IA32_PAT), one byte per entry.
func PATMSRValue() uint64 {
	var v uint64
	for i, t := range PATTable {
		v |= uint64(t) << (8 * i)
	}
	return v
}
