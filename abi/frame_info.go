package abi

import "fmt"

// ---------------------------------------------------------------------------
// Architectures
// ---------------------------------------------------------------------------

// Arch enumerates the supported target architectures.
type Arch uint8

const (
	Arm Arch = iota
	Arm64
	Riscv64
	X86
	X86_64
)

// String returns the conventional architecture name.
func (a Arch) String() string {
	switch a {
	case Arm:
		return "arm"
	case Arm64:
		return "arm64"
	case Riscv64:
		return "riscv64"
	case X86:
		return "x86"
	case X86_64:
		return "x86_64"
	default:
		return fmt.Sprintf("arch-%d", uint8(a))
	}
}

// ParseArch maps a name to an Arch.
func ParseArch(name string) (Arch, error) {
	switch name {
	case "arm":
		return Arm, nil
	case "arm64":
		return Arm64, nil
	case "riscv64":
		return Riscv64, nil
	case "x86":
		return X86, nil
	case "x86_64", "amd64":
		return X86_64, nil
	default:
		return 0, fmt.Errorf("abi: unknown architecture %q", name)
	}
}

// ---------------------------------------------------------------------------
// QuickFrameInfo: per-architecture constants for the quick ABI
// ---------------------------------------------------------------------------

// QuickFrameInfo describes one architecture's quick calling convention as a
// struct of constants. The visiting algorithm is written once and takes one
// of these; the five variants below are the only instances.
//
// A saved argument frame is modeled as a byte buffer laid out as:
//
//	[FPR arg registers][GPR arg registers][method slot][outgoing vreg slots]
//
// Outgoing slots are 4-byte vreg units on every architecture; 64-bit values
// occupy two. These offsets are a hard compatibility surface with the
// assembly stubs: changing them silently corrupts calls.
type QuickFrameInfo struct {
	Arch     Arch
	GprCount uint32 // argument GPRs (receiver/args; the method pointer rides separately)
	FprCount uint32 // argument FPR slots
	GprSize  uint32 // bytes per saved GPR slot
	FprSize  uint32 // bytes per saved FPR slot
	WordSize uint32 // native word, 4 or 8

	// SoftFloat routes float/double arguments through GPRs.
	SoftFloat bool
	// DoubleRegAlignedFloatBackFilled models single-width FPR files where
	// doubles take even-aligned pairs and later floats back-fill the
	// skipped slot (AAPCS VFP).
	DoubleRegAlignedFloatBackFilled bool
	// AlignPairRegister forces 64-bit integers into even-numbered register
	// pairs, skipping one GPR when misaligned. The first argument GPR has
	// register number FirstGprRegNum.
	AlignPairRegister bool
	FirstGprRegNum    uint32
	// SplitPairAcrossRegisterAndStack permits a 64-bit integer's low half
	// in the last GPR with the high half on the stack.
	SplitPairAcrossRegisterAndStack bool
}

// StackSlotSize is the outgoing vreg slot size, identical on all variants.
const StackSlotSize = 4

// Exactly one QuickFrameInfo exists per architecture.
var (
	// ArmFrameInfo: args in r1-r3 (r0 carries the method), s0-s15 with
	// double pairs even-aligned and float back-fill.
	ArmFrameInfo = QuickFrameInfo{
		Arch: Arm, GprCount: 3, FprCount: 16,
		GprSize: 4, FprSize: 4, WordSize: 4,
		DoubleRegAlignedFloatBackFilled: true,
		AlignPairRegister:               true,
		FirstGprRegNum:                  1,
	}

	// Arm64FrameInfo: args in x1-x7 and d0-d7.
	Arm64FrameInfo = QuickFrameInfo{
		Arch: Arm64, GprCount: 7, FprCount: 8,
		GprSize: 8, FprSize: 8, WordSize: 8,
	}

	// Riscv64FrameInfo: args in a1-a7 and fa0-fa7.
	Riscv64FrameInfo = QuickFrameInfo{
		Arch: Riscv64, GprCount: 7, FprCount: 8,
		GprSize: 8, FprSize: 8, WordSize: 8,
	}

	// X86FrameInfo: args in ecx, edx, ebx and xmm0-xmm3; a long may split
	// its low half into the last GPR.
	X86FrameInfo = QuickFrameInfo{
		Arch: X86, GprCount: 3, FprCount: 4,
		GprSize: 4, FprSize: 8, WordSize: 4,
		SplitPairAcrossRegisterAndStack: true,
		FirstGprRegNum:                  1,
	}

	// X86_64FrameInfo: args in rsi, rdx, rcx, r8, r9 (rdi carries the
	// method) and xmm0-xmm7.
	X86_64FrameInfo = QuickFrameInfo{
		Arch: X86_64, GprCount: 5, FprCount: 8,
		GprSize: 8, FprSize: 8, WordSize: 8,
	}
)

// FrameInfoFor selects the variant for an architecture.
func FrameInfoFor(arch Arch) QuickFrameInfo {
	switch arch {
	case Arm:
		return ArmFrameInfo
	case Arm64:
		return Arm64FrameInfo
	case Riscv64:
		return Riscv64FrameInfo
	case X86:
		return X86FrameInfo
	case X86_64:
		return X86_64FrameInfo
	default:
		panic(fmt.Sprintf("abi: no frame info for %v", arch))
	}
}

// Is64Bit reports whether GPRs are 8 bytes wide.
func (fi QuickFrameInfo) Is64Bit() bool { return fi.GprSize == 8 }

// FprAreaOffset is the byte offset of the FPR save area.
func (fi QuickFrameInfo) FprAreaOffset() uint32 { return 0 }

// GprAreaOffset is the byte offset of the GPR save area.
func (fi QuickFrameInfo) GprAreaOffset() uint32 {
	return fi.FprCount * fi.FprSize
}

// MethodSlotOffset is the byte offset of the saved method pointer.
func (fi QuickFrameInfo) MethodSlotOffset() uint32 {
	return fi.GprAreaOffset() + fi.GprCount*fi.GprSize
}

// StackArgsOffset is the byte offset of the outgoing vreg slot area.
func (fi QuickFrameInfo) StackArgsOffset() uint32 {
	return fi.MethodSlotOffset() + fi.WordSize
}

// GprOffset returns the byte offset of argument GPR i.
func (fi QuickFrameInfo) GprOffset(i uint32) uint32 {
	if i >= fi.GprCount {
		panic(fmt.Sprintf("abi: gpr index %d out of range on %v", i, fi.Arch))
	}
	return fi.GprAreaOffset() + i*fi.GprSize
}

// FprOffset returns the byte offset of FPR slot i.
func (fi QuickFrameInfo) FprOffset(i uint32) uint32 {
	if i >= fi.FprCount {
		panic(fmt.Sprintf("abi: fpr index %d out of range on %v", i, fi.Arch))
	}
	return fi.FprAreaOffset() + i*fi.FprSize
}

// StackSlotOffset returns the byte offset of outgoing vreg slot i.
func (fi QuickFrameInfo) StackSlotOffset(i uint32) uint32 {
	return fi.StackArgsOffset() + i*StackSlotSize
}

// FrameSize returns the buffer size needed to visit a call with the given
// shorty: the register areas plus the mirrored outgoing vreg slots.
func (fi QuickFrameInfo) FrameSize(shorty Shorty, isStatic bool) uint32 {
	slots := uint32(0)
	if !isStatic {
		slots++
	}
	for i := 1; i < len(shorty); i++ {
		if KindOf(shorty[i]).IsWide() {
			slots += 2
		} else {
			slots++
		}
	}
	return fi.StackArgsOffset() + slots*StackSlotSize
}
