package abi

import (
	"encoding/binary"
	"fmt"
)

// ---------------------------------------------------------------------------
// Generic native-call frame builder
// ---------------------------------------------------------------------------

// The generic bridge translates a quick-convention call into a native call
// without a per-method compiled stub. It reserves a frame area laid out as:
//
//	[0, 8)                 hidden argument slot
//	[8, 16)                recorded native stack top, for the calling stub
//	[16, 16+spills*8)      reference spill area (GC-visible)
//	[spill end, frame end) out-going native stack arguments (aligned)
//
// Reference arguments are never passed raw: each is spilled to its slot and
// the slot's frame-relative address is what the native code receives, so a
// moving collector can still find and fix the reference mid-call.

// HiddenArgSentinel fills the hidden-argument slot for ordinary native
// methods; only critical natives carry a real (tagged) method pointer.
const HiddenArgSentinel = ^uint64(0)

// CriticalMethodTag is OR-ed onto the method pointer in the hidden slot.
const CriticalMethodTag uint64 = 1

const (
	hiddenArgOffset = 0
	stackTopOffset  = 8
	spillAreaOffset = 16
	spillSlotSize   = 8
)

// NativeFrame is the materialized out-going call state.
type NativeFrame struct {
	Gpr   []uint64 // one slot per native argument GPR
	Fpr   []uint64 // one slot per native argument FPR (raw bits)
	Stack []byte   // out-going native stack area

	// RefSpill holds the managed references pinned for the call, in slot
	// order. The values passed for reference arguments are the
	// frame-relative addresses of these slots.
	RefSpill []uint64

	HiddenArg      uint64
	NativeStackTop uint32 // frame-relative address recorded for the stub
	Size           uint32
}

// JniFrameBuilder sizes and fills a generic native-call frame for one
// method signature on one architecture. Sizing is a pure function of the
// signature; Build may be called repeatedly.
type JniFrameBuilder struct {
	conv     NativeCallConv
	shorty   Shorty
	isStatic bool
	critical bool
}

// NewJniFrameBuilder creates a builder. Critical methods must be static
// and reference-free; violations are broken invariants and panic.
func NewJniFrameBuilder(conv NativeCallConv, shorty Shorty, isStatic, critical bool) *JniFrameBuilder {
	if err := shorty.Validate(); err != nil {
		panic(err)
	}
	if critical {
		if !isStatic {
			panic(fmt.Sprintf("abi: critical native with receiver, shorty %q", shorty))
		}
		if shorty.NumRefParams() > 0 {
			panic(fmt.Sprintf("abi: critical native with reference arguments, shorty %q", shorty))
		}
	}
	return &JniFrameBuilder{conv: conv, shorty: shorty, isStatic: isStatic, critical: critical}
}

// refSpillCount counts GC-visible slots: the receiver or declaring class,
// plus every reference parameter. Critical calls pin nothing.
func (b *JniFrameBuilder) refSpillCount() uint32 {
	if b.critical {
		return 0
	}
	return 1 + uint32(b.shorty.NumRefParams())
}

// walk drives the native cursor over the full native argument sequence:
// env and receiver/class first unless critical, then the parameters.
// fn receives (paramIndex, kind, loc) with paramIndex -2 for env and -1
// for the receiver/class.
func (b *JniFrameBuilder) walk(fn func(param int, kind ParamKind, loc NativeLoc)) uint32 {
	cur := nativeCursor{conv: b.conv}
	if !b.critical {
		fn(-2, KindReference, cur.place(KindReference)) // JNIEnv*
		fn(-1, KindReference, cur.place(KindReference)) // receiver or class
	}
	params := b.shorty.Params()
	for i := 0; i < len(params); i++ {
		kind := KindOf(params[i])
		fn(i, kind, cur.place(kind))
	}
	return cur.stackBytes()
}

// FrameSize computes the total reserved frame size. Two successive calls
// always agree; the result depends only on the signature and convention.
func (b *JniFrameBuilder) FrameSize() uint32 {
	stackBytes := b.walk(func(int, ParamKind, NativeLoc) {})
	size := spillAreaOffset + b.refSpillCount()*spillSlotSize + stackBytes
	return alignUp(size, b.conv.StackAlign)
}

// Build places one call. method is the target method pointer; env the
// environment handle; recvOrClass the receiver (instance) or declaring
// class (static), ignored for critical calls. args carries one raw-bits
// entry per parameter: float bits in the low word, longs/doubles full
// width, references as managed addresses.
func (b *JniFrameBuilder) Build(method, env, recvOrClass uint64, args []uint64) *NativeFrame {
	if len(args) != b.shorty.NumParams() {
		panic(fmt.Sprintf("abi: %d args for shorty %q", len(args), b.shorty))
	}

	stackBytes := b.walk(func(int, ParamKind, NativeLoc) {})
	f := &NativeFrame{
		Gpr:      make([]uint64, b.conv.GprCount),
		Fpr:      make([]uint64, b.conv.FprCount),
		Stack:    make([]byte, stackBytes),
		RefSpill: make([]uint64, 0, b.refSpillCount()),
		Size:     b.FrameSize(),
	}
	f.NativeStackTop = f.Size
	if b.critical {
		f.HiddenArg = method | CriticalMethodTag
	} else {
		f.HiddenArg = HiddenArgSentinel
	}

	b.walk(func(param int, kind ParamKind, loc NativeLoc) {
		var bits uint64
		switch {
		case param == -2:
			bits = env
		case param == -1:
			bits = b.spillRef(f, recvOrClass)
		case kind == KindReference:
			bits = b.spillRef(f, args[param])
		default:
			bits = args[param]
		}
		b.store(f, loc, bits)
	})
	return f
}

// spillRef pins a managed reference and returns the frame-relative address
// of its spill slot. Null references pass as null, not as a slot address.
func (b *JniFrameBuilder) spillRef(f *NativeFrame, ref uint64) uint64 {
	if ref == 0 {
		f.RefSpill = append(f.RefSpill, 0)
		return 0
	}
	slot := uint32(len(f.RefSpill))
	f.RefSpill = append(f.RefSpill, ref)
	return uint64(spillAreaOffset + slot*spillSlotSize)
}

func (b *JniFrameBuilder) store(f *NativeFrame, loc NativeLoc, bits uint64) {
	switch {
	case loc.InGpr:
		if loc.Wide && b.conv.WordSize == 4 {
			f.Gpr[loc.Index] = bits & 0xffffffff
			f.Gpr[loc.Index+1] = bits >> 32
		} else {
			f.Gpr[loc.Index] = bits
		}
	case loc.InFpr:
		f.Fpr[loc.Index] = bits
	default:
		if loc.Wide || b.conv.WordSize == 8 {
			binary.LittleEndian.PutUint64(f.Stack[loc.StackOff:], bits)
		} else {
			binary.LittleEndian.PutUint32(f.Stack[loc.StackOff:], uint32(bits))
		}
	}
}
