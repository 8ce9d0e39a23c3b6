package abi

import (
	"encoding/binary"
	"testing"
)

func TestFrameSizeStable(t *testing.T) {
	for _, arch := range []Arch{Arm, Arm64, Riscv64, X86, X86_64} {
		b := NewJniFrameBuilder(NativeConvFor(arch), "ILJD", true, false)
		a, c := b.FrameSize(), b.FrameSize()
		if a != c {
			t.Errorf("%v: frame size changed between calls: %d vs %d", arch, a, c)
		}
		if conv := NativeConvFor(arch); a%conv.StackAlign != 0 {
			t.Errorf("%v: frame size %d not aligned to %d", arch, a, conv.StackAlign)
		}
	}
}

func TestOrdinaryCallCarriesSentinel(t *testing.T) {
	b := NewJniFrameBuilder(Arm64NativeConv, "VI", false, false)
	f := b.Build(0x1000, 0x2000, 0x3000, []uint64{7})
	if f.HiddenArg != HiddenArgSentinel {
		t.Errorf("hidden arg = %#x, want sentinel", f.HiddenArg)
	}
	// env then receiver then the int, in the first three GPRs.
	if f.Gpr[0] != 0x2000 {
		t.Errorf("gpr0 = %#x, want env", f.Gpr[0])
	}
	if f.Gpr[2] != 7 {
		t.Errorf("gpr2 = %#x, want the int", f.Gpr[2])
	}
}

func TestCriticalCallTagsMethod(t *testing.T) {
	b := NewJniFrameBuilder(Arm64NativeConv, "IJ", true, true)
	f := b.Build(0x4000, 0x2000, 0, []uint64{9})
	if f.HiddenArg != 0x4000|CriticalMethodTag {
		t.Errorf("hidden arg = %#x, want tagged method", f.HiddenArg)
	}
	if len(f.RefSpill) != 0 {
		t.Errorf("critical call pinned %d refs", len(f.RefSpill))
	}
	// No env, no class: the long is the first native argument.
	if f.Gpr[0] != 9 {
		t.Errorf("gpr0 = %#x, want the long", f.Gpr[0])
	}
}

func TestCriticalWithReceiverPanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Errorf("instance critical native did not panic")
		}
	}()
	NewJniFrameBuilder(Arm64NativeConv, "V", false, true)
}

func TestCriticalWithReferencePanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Errorf("critical native with a reference did not panic")
		}
	}()
	NewJniFrameBuilder(Arm64NativeConv, "VL", true, true)
}

func TestReferencesPassAsSpillSlotAddresses(t *testing.T) {
	b := NewJniFrameBuilder(Arm64NativeConv, "VLL", false, false)
	f := b.Build(0x1000, 0x2000, 0x3000, []uint64{0xaaaa, 0})

	// Receiver spills to slot 0, the first ref arg to slot 1; the null
	// ref passes as plain 0 and still consumes a slot.
	wantRecv := uint64(spillAreaOffset)
	if f.Gpr[1] != wantRecv {
		t.Errorf("receiver arg = %#x, want spill slot address %#x", f.Gpr[1], wantRecv)
	}
	wantArg := uint64(spillAreaOffset + spillSlotSize)
	if f.Gpr[2] != wantArg {
		t.Errorf("ref arg = %#x, want spill slot address %#x", f.Gpr[2], wantArg)
	}
	if f.Gpr[3] != 0 {
		t.Errorf("null ref arg = %#x, want 0", f.Gpr[3])
	}
	if len(f.RefSpill) != 3 || f.RefSpill[0] != 0x3000 || f.RefSpill[1] != 0xaaaa || f.RefSpill[2] != 0 {
		t.Errorf("ref spill = %#x", f.RefSpill)
	}
}

func TestX86EverythingOnStack(t *testing.T) {
	b := NewJniFrameBuilder(X86NativeConv, "VIJ", true, false)
	f := b.Build(0x1000, 0x2000, 0x3000, []uint64{5, 0x1_0000_0002})

	// cdecl layout: env, class, int, then the 8-byte long.
	if got := binary.LittleEndian.Uint32(f.Stack[0:]); got != 0x2000 {
		t.Errorf("stack[0] = %#x, want env", got)
	}
	if got := binary.LittleEndian.Uint32(f.Stack[8:]); got != 5 {
		t.Errorf("stack[8] = %#x, want the int", got)
	}
	if got := binary.LittleEndian.Uint64(f.Stack[12:]); got != 0x1_0000_0002 {
		t.Errorf("stack[12] = %#x, want the long", got)
	}
}

func TestArmWidePairAlignment(t *testing.T) {
	b := NewJniFrameBuilder(ArmNativeConv, "VIJ", true, false)
	f := b.Build(0x1000, 0x2000, 0x3000, []uint64{5, 0x1_0000_0002})

	// env r0, class address r1, int r2; the long needs an even pair but
	// only r3 remains, so it goes to the 8-byte aligned stack.
	if f.Gpr[2] != 5 {
		t.Errorf("gpr2 = %#x, want the int", f.Gpr[2])
	}
	if got := binary.LittleEndian.Uint64(f.Stack[0:]); got != 0x1_0000_0002 {
		t.Errorf("stack long = %#x", got)
	}
}

func TestArmWideGprPairSplitsAcrossWords(t *testing.T) {
	b := NewJniFrameBuilder(ArmNativeConv, "VJ", true, false)
	f := b.Build(0x1000, 0x2000, 0x3000, []uint64{0x1_0000_0002})

	// env r0, class r1, long pair r2-r3 as two 32-bit halves.
	if f.Gpr[2] != 2 || f.Gpr[3] != 1 {
		t.Errorf("long pair = %#x, %#x, want low 2 high 1", f.Gpr[2], f.Gpr[3])
	}
}

func TestArmDoublesClaimEvenFprPairs(t *testing.T) {
	b := NewJniFrameBuilder(ArmNativeConv, "VFDF", true, false)
	f := b.Build(0x1000, 0x2000, 0x3000, []uint64{11, 0x4008_0000_0000_0000, 13})
	// First float in s0, the double pair-aligned into s2-s3, the second
	// float back-filling the s1 hole.
	if f.Fpr[0] != 11 {
		t.Errorf("s0 = %#x, want the first float", f.Fpr[0])
	}
	if f.Fpr[2] != 0x4008_0000_0000_0000 {
		t.Errorf("s2 = %#x, want the double", f.Fpr[2])
	}
	if f.Fpr[1] != 13 {
		t.Errorf("s1 = %#x, want the back-filled float", f.Fpr[1])
	}
}

func TestArmOnlyEightDoublesFitInFprs(t *testing.T) {
	args := make([]uint64, 9)
	for i := range args {
		args[i] = 0x100 + uint64(i)
	}
	b := NewJniFrameBuilder(ArmNativeConv, "VDDDDDDDDD", true, false)
	f := b.Build(0x1000, 0x2000, 0x3000, args)
	for i := 0; i < 8; i++ {
		if f.Fpr[2*i] != args[i] {
			t.Errorf("d%d = %#x, want %#x", i, f.Fpr[2*i], args[i])
		}
	}
	// The ninth double overflows to the stack.
	if got := binary.LittleEndian.Uint64(f.Stack[0:]); got != args[8] {
		t.Errorf("stack double = %#x, want %#x", got, args[8])
	}
}

func TestRiscv64FloatsOverflowToGprs(t *testing.T) {
	b := NewJniFrameBuilder(Riscv64NativeConv, "VFFFFFFFFF", true, false)
	f := b.Build(0x1000, 0x2000, 0x3000, []uint64{1, 2, 3, 4, 5, 6, 7, 8, 9})

	// Eight floats fill fa0-fa7; the ninth takes the next integer
	// register after env and class.
	for i := 0; i < 8; i++ {
		if f.Fpr[i] != uint64(i+1) {
			t.Errorf("fpr%d = %d", i, f.Fpr[i])
		}
	}
	if f.Gpr[2] != 9 {
		t.Errorf("gpr2 = %d, want the overflow float", f.Gpr[2])
	}
}

func TestBuildArgCountPanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Errorf("wrong arg count did not panic")
		}
	}()
	NewJniFrameBuilder(Arm64NativeConv, "VII", true, false).Build(1, 2, 3, []uint64{1})
}

func TestNativeStackTopRecorded(t *testing.T) {
	b := NewJniFrameBuilder(X86_64NativeConv, "VI", true, false)
	f := b.Build(1, 2, 3, []uint64{4})
	if f.NativeStackTop != f.Size {
		t.Errorf("stack top %d, frame size %d", f.NativeStackTop, f.Size)
	}
	if f.Size != b.FrameSize() {
		t.Errorf("built size %d disagrees with FrameSize %d", f.Size, b.FrameSize())
	}
}
