package pte

import "fmt"

// Describe renders a PTE's flag bits as a short human-readable string,
// grounded on mazboot's dumpFetchMapping debug helper: a supplemental
// diagnostic, never on any map/unmap/remap code path.
func Describe(v uint64) string {
	if !IsPresent(v) {
		return "not present"
	}
	flags := ""
	add := func(set bool, c string) {
		if set {
			flags += c
		} else {
			flags += "-"
		}
	}
	add(v&Writable != 0, "W")
	add(v&User != 0, "U")
	add(v&Accessed != 0, "A")
	add(v&Dirty != 0, "D")
	add(v&Global != 0, "G")
	add(v&NX != 0, "N")
	return fmt.Sprintf("frame=%#x [%s] cache=%s", Frame(v), flags, DecodeCacheability(v))
}
