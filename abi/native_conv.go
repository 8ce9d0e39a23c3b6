package abi

import "fmt"

// ---------------------------------------------------------------------------
// NativeCallConv: per-architecture constants for the foreign convention
// ---------------------------------------------------------------------------

// NativeCallConv describes the target's native (foreign-function) calling
// convention, the out-going side of the generic native bridge. Like
// QuickFrameInfo, it is a pure constant table; the placement state machine
// is written once.
type NativeCallConv struct {
	Arch     Arch
	GprCount uint32
	FprCount uint32
	WordSize uint32 // 4 or 8
	// StackAlign is the required alignment of the out-going stack area at
	// the call instruction.
	StackAlign uint32
	// WideStackAligned forces 64-bit stack arguments onto 8-byte
	// boundaries, inserting padding slots.
	WideStackAligned bool
	// WideGprPairAligned forces 64-bit register pairs to start on an
	// even-numbered GPR.
	WideGprPairAligned bool
	// FloatsInGprsWhenExhausted routes FP arguments through remaining
	// integer registers once the FPR file is spent.
	FloatsInGprsWhenExhausted bool
	// FprSinglesWithPairs counts FprCount in single-precision slots: a
	// double claims an even-aligned slot pair and later singles back-fill
	// the holes the alignment leaves behind.
	FprSinglesWithPairs bool
	// AllArgsOnStack passes every argument on the stack (cdecl).
	AllArgsOnStack bool
}

// Native conventions, one per architecture.
var (
	// ArmNativeConv: AAPCS hard-float. r0-r3 and s0-s15, where d0-d7
	// overlay the singles pairwise; 8-byte stack alignment for wide
	// values and at the call.
	ArmNativeConv = NativeCallConv{
		Arch: Arm, GprCount: 4, FprCount: 16, WordSize: 4,
		StackAlign: 8, WideStackAligned: true, WideGprPairAligned: true,
		FprSinglesWithPairs: true,
	}

	// Arm64NativeConv: AAPCS64. x0-x7, d0-d7.
	Arm64NativeConv = NativeCallConv{
		Arch: Arm64, GprCount: 8, FprCount: 8, WordSize: 8, StackAlign: 16,
	}

	// Riscv64NativeConv: LP64D. a0-a7, fa0-fa7; floats overflow into
	// integer registers before the stack.
	Riscv64NativeConv = NativeCallConv{
		Arch: Riscv64, GprCount: 8, FprCount: 8, WordSize: 8,
		StackAlign: 16, FloatsInGprsWhenExhausted: true,
	}

	// X86NativeConv: cdecl, everything on the stack.
	X86NativeConv = NativeCallConv{
		Arch: X86, WordSize: 4, StackAlign: 16, AllArgsOnStack: true,
	}

	// X86_64NativeConv: System V AMD64. rdi, rsi, rdx, rcx, r8, r9 and
	// xmm0-xmm7.
	X86_64NativeConv = NativeCallConv{
		Arch: X86_64, GprCount: 6, FprCount: 8, WordSize: 8, StackAlign: 16,
	}
)

// NativeConvFor selects the convention for an architecture.
func NativeConvFor(arch Arch) NativeCallConv {
	switch arch {
	case Arm:
		return ArmNativeConv
	case Arm64:
		return Arm64NativeConv
	case Riscv64:
		return Riscv64NativeConv
	case X86:
		return X86NativeConv
	case X86_64:
		return X86_64NativeConv
	default:
		panic(fmt.Sprintf("abi: no native convention for %v", arch))
	}
}

// ---------------------------------------------------------------------------
// nativeCursor: the out-going placement state machine
// ---------------------------------------------------------------------------

// NativeLoc is where one native argument lands.
type NativeLoc struct {
	InGpr    bool
	InFpr    bool
	Index    uint32 // register index when InGpr/InFpr
	StackOff uint32 // byte offset into the out-going stack area otherwise
	Wide     bool
}

// nativeCursor tracks GPR/FPR/stack consumption on the native side. It is
// used twice per call: once to size the frame, once to place values.
type nativeCursor struct {
	conv      NativeCallConv
	gpr       uint32
	fpr       uint32
	fprDouble uint32 // next even-aligned single-slot pair
	stackOff  uint32
}

// place claims a location for one value of the given kind. Pointer-sized
// values (references, env) use kind KindReference on 64-bit words.
func (c *nativeCursor) place(kind ParamKind) NativeLoc {
	wide := kind.IsWide() || (kind == KindReference && c.conv.WordSize == 8)
	if c.conv.AllArgsOnStack {
		return c.placeStack(wide)
	}
	if kind.IsFP() {
		if c.conv.FprSinglesWithPairs {
			return c.placeFPPaired(kind)
		}
		if c.fpr < c.conv.FprCount {
			loc := NativeLoc{InFpr: true, Index: c.fpr, Wide: wide}
			c.fpr++
			return loc
		}
		if c.conv.FloatsInGprsWhenExhausted && c.gpr < c.conv.GprCount {
			loc := NativeLoc{InGpr: true, Index: c.gpr, Wide: wide}
			c.gpr++
			return loc
		}
		return c.placeStack(wide)
	}
	// Integer and pointer path.
	if wide && c.conv.WordSize == 4 {
		// Needs a register pair.
		if c.conv.WideGprPairAligned && c.gpr%2 != 0 {
			c.gpr++
		}
		if c.gpr+1 < c.conv.GprCount {
			loc := NativeLoc{InGpr: true, Index: c.gpr, Wide: true}
			c.gpr += 2
			return loc
		}
		// Never split on the native side: burn remaining registers.
		c.gpr = c.conv.GprCount
		return c.placeStack(true)
	}
	if c.gpr < c.conv.GprCount {
		loc := NativeLoc{InGpr: true, Index: c.gpr, Wide: wide}
		c.gpr++
		return loc
	}
	return c.placeStack(wide)
}

// placeFPPaired places FP values on a single-slot FPR file where doubles
// occupy even-aligned slot pairs. Singles back-fill alignment holes. Once
// one FP value lands on the stack the FPR file is closed for the rest of
// the call; a later value must not bypass an earlier one.
func (c *nativeCursor) placeFPPaired(kind ParamKind) NativeLoc {
	if kind == KindDouble {
		c.fprDouble = max32(c.fprDouble, roundUp2(c.fpr))
		if c.fprDouble+1 < c.conv.FprCount {
			loc := NativeLoc{InFpr: true, Index: c.fprDouble, Wide: true}
			c.fprDouble += 2
			return loc
		}
		c.fpr = c.conv.FprCount
		c.fprDouble = c.conv.FprCount
		return c.placeStack(true)
	}
	if c.fpr%2 == 0 {
		c.fpr = max32(c.fprDouble, c.fpr)
	}
	if c.fpr < c.conv.FprCount {
		loc := NativeLoc{InFpr: true, Index: c.fpr}
		c.fpr++
		return loc
	}
	c.fprDouble = c.conv.FprCount
	return c.placeStack(false)
}

func (c *nativeCursor) placeStack(wide bool) NativeLoc {
	size := uint32(4)
	if wide || c.conv.WordSize == 8 {
		size = 8
	}
	if size == 8 && c.conv.WideStackAligned {
		c.stackOff = alignUp(c.stackOff, 8)
	} else if c.conv.WordSize == 8 {
		c.stackOff = alignUp(c.stackOff, 8)
	}
	loc := NativeLoc{StackOff: c.stackOff, Wide: wide}
	c.stackOff += size
	return loc
}

// stackBytes returns the aligned out-going stack size consumed so far.
func (c *nativeCursor) stackBytes() uint32 {
	return alignUp(c.stackOff, c.conv.StackAlign)
}

func alignUp(v, align uint32) uint32 {
	if align == 0 {
		return v
	}
	return (v + align - 1) &^ (align - 1)
}
