package pte

import "testing"

func TestStoreThenClearAndRead(t *testing.T) {
	var e uint64
	Store(&e, 0x1000|Present|Writable)

	prior := ClearAndRead(&e)
	if prior&Present == 0 {
		t.Fatalf("expected prior entry to be present")
	}
	if e != 0 {
		t.Fatalf("expected entry cleared to 0, got %#x", e)
	}
}

func TestClearAndReadPreservesHardwareBits(t *testing.T) {
	var e uint64
	Store(&e, 0x1000|Present|Writable)
	// simulate hardware setting Accessed/Dirty concurrently
	e |= Accessed | Dirty

	prior := ClearAndRead(&e)
	if prior&Accessed == 0 || prior&Dirty == 0 {
		t.Fatalf("expected Accessed and Dirty preserved in prior value, got %#x", prior)
	}
}

func TestCASSucceedsOnMatch(t *testing.T) {
	var e uint64
	Store(&e, 0x2000|Present|Writable)

	old := Load(&e)
	new := (old & ProtectMask) | NX
	if !CAS(&e, old, new) {
		t.Fatalf("expected CAS to succeed")
	}
	if e&Writable != 0 {
		t.Fatalf("expected Writable cleared by remap")
	}
	if Frame(e) != 0x2000 {
		t.Fatalf("expected frame preserved, got %#x", Frame(e))
	}
}

func TestCASFailsOnStaleExpected(t *testing.T) {
	var e uint64
	Store(&e, 0x3000|Present)
	e |= Accessed // hardware raced in between

	stale := uint64(0x3000 | Present)
	if CAS(&e, stale, stale|Writable) {
		t.Fatalf("expected CAS against stale value to fail")
	}
}

func TestProtectMaskPreservesExpectedBits(t *testing.T) {
	old := uint64(0x4000) | Present | Writable | User | Accessed | Dirty | Global | PAT4K
	new := (old & ProtectMask) | NX

	for name, bit := range map[string]uint64{
		"present":  Present,
		"user":     User,
		"accessed": Accessed,
		"dirty":    Dirty,
		"global":   Global,
		"pat":      PAT4K,
	} {
		if new&bit != old&bit {
			t.Errorf("expected %s preserved through remap", name)
		}
	}
	if new&Writable != 0 {
		t.Errorf("expected Writable cleared")
	}
	if new&NX == 0 {
		t.Errorf("expected NX set")
	}
	if Frame(new) != 0x4000 {
		t.Errorf("expected frame preserved, got %#x", Frame(new))
	}
}

func TestEncodeDecodeAccessRoundTrip(t *testing.T) {
	cases := []Access{Read, Read | Write, Read | Execute, Read | Write | Execute}
	for _, a := range cases {
		v := EncodeAccess(a, false /* kernel */, true /* nxSupported */)
		got := DecodeAccess(v)
		if got != a {
			t.Errorf("EncodeAccess/DecodeAccess(%v) round-tripped to %v", a, got)
		}
	}
}

func TestEncodeAccessKernelSetsGlobalNotUser(t *testing.T) {
	v := EncodeAccess(Read|Write, true, true)
	if v&Global == 0 {
		t.Errorf("expected Global set for kernel mapping")
	}
	if v&User != 0 {
		t.Errorf("expected User clear for kernel mapping")
	}
}

func TestEncodeAccessNXRequiresSupport(t *testing.T) {
	v := EncodeAccess(Read|Write, false, false)
	if v&NX != 0 {
		t.Errorf("expected NX withheld when unsupported even though Execute was denied")
	}
}

func TestEncodeDecodeCacheabilityRoundTrip(t *testing.T) {
	for _, c := range []Cacheability{Normal, Uncached, Device, WriteCombine} {
		v := EncodeCacheability(c)
		if got := DecodeCacheability(v); got != c {
			t.Errorf("Cacheability %v round-tripped to %v", c, got)
		}
	}
}

func TestPATTableUpperHalfLayout(t *testing.T) {
	for i := 0; i < 3; i++ {
		if PATTable[i] != PATTable[i+4] {
			t.Errorf("expected PAT index %d to duplicate index %d", i+4, i)
		}
	}
	if PATTable[7] != MemUncached {
		t.Errorf("expected PAT index 7 to be uncached, got %#x", PATTable[7])
	}
}

func TestIsLarge(t *testing.T) {
	if IsLarge(Present | Writable) {
		t.Errorf("expected non-large PDE to report false")
	}
	if !IsLarge(Present | Writable | Large) {
		t.Errorf("expected large PDE to report true")
	}
}
