package abi

import (
	"encoding/binary"
	"fmt"
)

// ---------------------------------------------------------------------------
// QuickArgumentVisitor
// ---------------------------------------------------------------------------

// QuickArgumentVisitor walks a saved argument frame in calling-convention
// order: the receiver first for instance methods, then parameters left to
// right. One algorithm serves all architectures; QuickFrameInfo supplies
// the constants. The visiting order and the offsets handed out are a
// bit-exact contract with generated code and assembly stubs.
type QuickArgumentVisitor struct {
	fi       QuickFrameInfo
	frame    []byte
	shorty   Shorty
	isStatic bool

	gprIndex       uint32 // next unclaimed argument GPR
	fprIndex       uint32 // next unclaimed FPR slot
	fprDoubleIndex uint32 // next even-aligned FPR pair (back-fill mode)
	stackIndex     uint32 // next outgoing vreg slot; advances for every argument

	// Current-parameter state, valid during the callback.
	paramIndex  int // -1 for the receiver
	kind        ParamKind
	inRegister  bool
	offset      uint32
	split       bool
	splitHigh   uint32 // stack offset of the high half when split
}

// NewQuickArgumentVisitor prepares a visitor over frame. The frame must be
// at least fi.FrameSize(shorty, isStatic) bytes.
func NewQuickArgumentVisitor(fi QuickFrameInfo, shorty Shorty, isStatic bool, frame []byte) *QuickArgumentVisitor {
	if err := shorty.Validate(); err != nil {
		panic(err)
	}
	if uint32(len(frame)) < fi.FrameSize(shorty, isStatic) {
		panic(fmt.Sprintf("abi: frame too small for shorty %q on %v: %d < %d",
			shorty, fi.Arch, len(frame), fi.FrameSize(shorty, isStatic)))
	}
	return &QuickArgumentVisitor{fi: fi, frame: frame, shorty: shorty, isStatic: isStatic}
}

// FrameInfo returns the architecture constants in use.
func (v *QuickArgumentVisitor) FrameInfo() QuickFrameInfo { return v.fi }

// ParamIndex returns the current parameter's index; -1 is the receiver.
func (v *QuickArgumentVisitor) ParamIndex() int { return v.paramIndex }

// IsParamAReference reports whether the current parameter is a reference.
func (v *QuickArgumentVisitor) IsParamAReference() bool { return v.kind == KindReference }

// IsParamALongOrDouble reports whether the current parameter is 64 bits wide.
func (v *QuickArgumentVisitor) IsParamALongOrDouble() bool { return v.kind.IsWide() }

// ParamKind returns the current parameter's kind.
func (v *QuickArgumentVisitor) ParamKind() ParamKind { return v.kind }

// InRegister reports whether the current parameter lives in a register
// slot (true also for the low half of a split pair).
func (v *QuickArgumentVisitor) InRegister() bool { return v.inRegister }

// GetParamAddress returns the byte offset of the current parameter's
// storage within the frame. For a split long this is the low half; callers
// must use ReadSplitLongParam instead of a single read.
func (v *QuickArgumentVisitor) GetParamAddress() uint32 { return v.offset }

// IsSplitLongOrDouble reports whether the current parameter straddles the
// last GPR and the stack.
func (v *QuickArgumentVisitor) IsSplitLongOrDouble() bool { return v.split }

// ReadParam32 reads the current parameter as 32 bits.
func (v *QuickArgumentVisitor) ReadParam32() uint32 {
	return binary.LittleEndian.Uint32(v.frame[v.offset:])
}

// ReadParam64 reads the current parameter as 64 bits. Must not be used on
// a split pair.
func (v *QuickArgumentVisitor) ReadParam64() uint64 {
	if v.split {
		panic("abi: ReadParam64 on a split long; use ReadSplitLongParam")
	}
	return binary.LittleEndian.Uint64(v.frame[v.offset:])
}

// ReadSplitLongParam assembles a long whose low half sits in the last GPR
// and whose high half sits on the stack.
func (v *QuickArgumentVisitor) ReadSplitLongParam() uint64 {
	if !v.split {
		panic("abi: ReadSplitLongParam on a non-split parameter")
	}
	lo := uint64(binary.LittleEndian.Uint32(v.frame[v.offset:]))
	hi := uint64(binary.LittleEndian.Uint32(v.frame[v.splitHigh:]))
	return lo | hi<<32
}

// VisitArguments invokes fn once per argument in calling-convention order.
func (v *QuickArgumentVisitor) VisitArguments(fn func(*QuickArgumentVisitor)) {
	if !v.isStatic {
		// Implicit receiver: one GPR with reference type. Every variant
		// has at least one argument GPR.
		v.paramIndex = -1
		v.kind = KindReference
		v.split = false
		v.inRegister = true
		v.offset = v.fi.GprOffset(0)
		v.gprIndex = 1
		fn(v)
		v.stackIndex++
	}
	params := v.shorty.Params()
	for i := 0; i < len(params); i++ {
		v.paramIndex = i
		v.kind = KindOf(params[i])
		v.split = false
		switch v.kind {
		case KindReference, KindInt:
			v.visitWord()
		case KindFloat:
			if v.fi.SoftFloat {
				v.visitWord()
			} else {
				v.visitFloat()
			}
		case KindLong:
			v.visitLong()
		case KindDouble:
			if v.fi.SoftFloat {
				v.visitLong()
			} else {
				v.visitDouble()
			}
		default:
			panic(fmt.Sprintf("abi: unexpected kind %d in shorty %q", v.kind, v.shorty))
		}
		fn(v)
		v.advanceStack()
	}
}

// visitWord places a 32-bit (or reference-width) value: next GPR if one
// remains, else the outgoing stack slot. The stack index advances either
// way; the outgoing area mirrors every argument.
func (v *QuickArgumentVisitor) visitWord() {
	if v.gprIndex < v.fi.GprCount {
		v.inRegister = true
		v.offset = v.fi.GprOffset(v.gprIndex)
		v.gprIndex++
	} else {
		v.inRegister = false
		v.offset = v.fi.StackSlotOffset(v.stackIndex)
	}
}

// visitFloat places a float in the FPR file, back-filling skipped single
// slots when the architecture aligns doubles to register pairs.
func (v *QuickArgumentVisitor) visitFloat() {
	if v.fi.DoubleRegAlignedFloatBackFilled && v.fprIndex%2 == 0 {
		// No pending back-fill hole; skip past any double pairs taken.
		v.fprIndex = max32(v.fprDoubleIndex, v.fprIndex)
	}
	if v.fprIndex < v.fi.FprCount {
		v.inRegister = true
		v.offset = v.fi.FprOffset(v.fprIndex)
		v.fprIndex++
	} else {
		v.inRegister = false
		v.offset = v.fi.StackSlotOffset(v.stackIndex)
	}
}

// visitLong places a 64-bit integer. On 64-bit architectures it takes one
// GPR; on 32-bit ones it takes an (optionally even-aligned) register pair,
// a register/stack split when permitted, or two stack slots.
func (v *QuickArgumentVisitor) visitLong() {
	if v.fi.Is64Bit() {
		v.visitWord()
		return
	}
	if v.fi.AlignPairRegister && (v.fi.FirstGprRegNum+v.gprIndex)%2 != 0 && v.gprIndex < v.fi.GprCount {
		v.gprIndex++ // skip to an even-numbered register
	}
	switch {
	case v.gprIndex+1 < v.fi.GprCount:
		v.inRegister = true
		v.offset = v.fi.GprOffset(v.gprIndex)
		v.gprIndex += 2
	case v.fi.SplitPairAcrossRegisterAndStack && v.gprIndex == v.fi.GprCount-1:
		// Low half in the last GPR, high half in the second mirrored
		// stack slot of this argument.
		v.inRegister = true
		v.split = true
		v.offset = v.fi.GprOffset(v.gprIndex)
		v.splitHigh = v.fi.StackSlotOffset(v.stackIndex + 1)
		v.gprIndex++
	default:
		v.inRegister = false
		v.offset = v.fi.StackSlotOffset(v.stackIndex)
		v.gprIndex = v.fi.GprCount
	}
}

// visitDouble places a double. Back-fill mode consumes an even-aligned
// pair of single-width FPR slots; otherwise one double-width slot.
func (v *QuickArgumentVisitor) visitDouble() {
	if v.fi.DoubleRegAlignedFloatBackFilled {
		v.fprDoubleIndex = max32(v.fprDoubleIndex, roundUp2(v.fprIndex))
		if v.fprDoubleIndex+1 < v.fi.FprCount {
			v.inRegister = true
			v.offset = v.fi.FprOffset(v.fprDoubleIndex)
			v.fprDoubleIndex += 2
		} else {
			v.inRegister = false
			v.offset = v.fi.StackSlotOffset(v.stackIndex)
		}
		return
	}
	if v.fprIndex < v.fi.FprCount {
		v.inRegister = true
		v.offset = v.fi.FprOffset(v.fprIndex)
		v.fprIndex++
	} else {
		v.inRegister = false
		v.offset = v.fi.StackSlotOffset(v.stackIndex)
	}
}

func (v *QuickArgumentVisitor) advanceStack() {
	if v.kind.IsWide() {
		v.stackIndex += 2
	} else {
		v.stackIndex++
	}
}

func max32(a, b uint32) uint32 {
	if a > b {
		return a
	}
	return b
}

func roundUp2(v uint32) uint32 { return (v + 1) &^ 1 }
