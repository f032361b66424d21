// Package asmstub declares the privileged-instruction shims the AMD64
// back-end needs: CPUID feature probing, control- and model-specific-
// register access, and TLB invalidation. Every function here is a
// bodyless Go declaration backed, on real hardware, by a handful of
// assembly instructions — exactly gopher-os's cpu_amd64.go
// (ID/ReadCR2/FlushTLBEntry/SwitchPDT declared with no body and backed
// by a separate assembly file) and the teacher's own
// runtime.Cpuid/runtime.Rcr4 shim shape. This is the one place in the
// module where hardware itself, not a pack dependency, is the
// provider, so only declarations live here; the assembly bodies are
// intentionally left to the real build.
package asmstub

// CPUFeature bits returned by Cpuid's EDX/ECX words, named for the
// ones arch_mmu_init_percpu cares about.
const (
	FeatureNX  = 1 << 20 // CPUID.80000001H:EDX.NX
	FeaturePGE = 1 << 13 // CPUID.01H:EDX.PGE
	FeaturePAT = 1 << 16 // CPUID.01H:EDX.PAT
)

// MSR addresses this module programs.
const (
	MSREFER = 0xC0000080
	MSRPAT  = 0x00000277
)

// EFER (Extended Feature Enable Register) bits.
const EFERNXE = 1 << 11

// CR4 bits.
const CR4PGE = 1 << 7

// Cpuid executes CPUID with eax=leaf, ecx=subleaf and returns the four
// result registers.
func Cpuid(leaf, subleaf uint32) (eax, ebx, ecx, edx uint32)

// Rcr4 reads CR4.
func Rcr4() uint64

// Wcr4 writes CR4.
func Wcr4(v uint64)

// Rdmsr reads the model-specific register at addr.
func Rdmsr(addr uint32) uint64

// Wrmsr writes value to the model-specific register at addr.
func Wrmsr(addr uint32, value uint64)

// Invlpg invalidates the single TLB entry translating the page
// containing v.
func Invlpg(v uintptr)

// ReloadCR3 reloads CR3 from its current value, flushing every
// non-global TLB entry.
func ReloadCR3()

// WriteCR3 installs phys (a page-aligned physical address) into CR3.
func WriteCR3(phys uintptr)

// WbinvdAll writes back and invalidates all caches (used once at boot
// to evict stale boot-loader PAT-dependent mappings).
func WbinvdAll()
