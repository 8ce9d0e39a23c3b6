package dex

import "fmt"

// ---------------------------------------------------------------------------
// Instruction contract
// ---------------------------------------------------------------------------

// The driver treats the instruction stream as a fixed, versioned binary
// contract: an opcode byte selects an operand format, and the format fixes
// the instruction width and operand field layout. Only the opcodes the
// driver actually inspects are enumerated here; everything else is opaque
// payload skipped by width.

// Opcode is the low byte of an instruction's first code unit.
type Opcode uint8

const (
	OpNop             Opcode = 0x00
	OpMove            Opcode = 0x01
	OpReturnVoid      Opcode = 0x0e
	OpReturn          Opcode = 0x0f
	OpReturnWide      Opcode = 0x10
	OpReturnObject    Opcode = 0x11
	OpConst4          Opcode = 0x12
	OpConst16         Opcode = 0x13
	OpConst           Opcode = 0x14
	OpConstWide16     Opcode = 0x16
	OpConstString     Opcode = 0x1a
	OpConstStringJumbo Opcode = 0x1b
	OpConstClass      Opcode = 0x1c
	OpCheckCast       Opcode = 0x1f
	OpInstanceOf      Opcode = 0x20
	OpNewInstance     Opcode = 0x22
	OpThrow           Opcode = 0x27
	OpSget            Opcode = 0x60
	OpSput            Opcode = 0x67
	OpInvokeVirtual   Opcode = 0x6e
	OpInvokeSuper     Opcode = 0x6f
	OpInvokeDirect    Opcode = 0x70
	OpInvokeStatic    Opcode = 0x71
	OpInvokeInterface Opcode = 0x72
)

// Format describes an instruction's width and operand layout.
type Format uint8

const (
	Format10x Format = iota // op
	Format11n               // op vA, #+B
	Format11x               // op vAA
	Format21c               // op vAA, thing@BBBB
	Format21s               // op vAA, #+BBBB
	Format22c               // op vA, vB, thing@CCCC
	Format31i               // op vAA, #+BBBBBBBB
	Format31c               // op vAA, thing@BBBBBBBB
	Format35c               // op {vC..vG}, thing@BBBB
)

type opcodeInfo struct {
	name   string
	format Format
	units  int // width in 16-bit code units
}

var opcodeTable = map[Opcode]opcodeInfo{
	OpNop:              {"nop", Format10x, 1},
	OpMove:             {"move", Format11x, 1},
	OpReturnVoid:       {"return-void", Format10x, 1},
	OpReturn:           {"return", Format11x, 1},
	OpReturnWide:       {"return-wide", Format11x, 1},
	OpReturnObject:     {"return-object", Format11x, 1},
	OpConst4:           {"const/4", Format11n, 1},
	OpConst16:          {"const/16", Format21s, 2},
	OpConst:            {"const", Format31i, 3},
	OpConstWide16:      {"const-wide/16", Format21s, 2},
	OpConstString:      {"const-string", Format21c, 2},
	OpConstStringJumbo: {"const-string/jumbo", Format31c, 3},
	OpConstClass:       {"const-class", Format21c, 2},
	OpCheckCast:        {"check-cast", Format21c, 2},
	OpInstanceOf:       {"instance-of", Format22c, 2},
	OpNewInstance:      {"new-instance", Format21c, 2},
	OpThrow:            {"throw", Format11x, 1},
	OpSget:             {"sget", Format21c, 2},
	OpSput:             {"sput", Format21c, 2},
	OpInvokeVirtual:    {"invoke-virtual", Format35c, 3},
	OpInvokeSuper:      {"invoke-super", Format35c, 3},
	OpInvokeDirect:     {"invoke-direct", Format35c, 3},
	OpInvokeStatic:     {"invoke-static", Format35c, 3},
	OpInvokeInterface:  {"invoke-interface", Format35c, 3},
}

// OpcodeName returns the mnemonic, or a hex form for unknown opcodes.
func OpcodeName(op Opcode) string {
	if info, ok := opcodeTable[op]; ok {
		return info.name
	}
	return fmt.Sprintf("op-%02x", uint8(op))
}

// ---------------------------------------------------------------------------
// Instruction cursor
// ---------------------------------------------------------------------------

// Instruction is a cursor over a method's code units.
type Instruction struct {
	insns []uint16
	pc    int
}

// NewInstruction positions a cursor at the start of a code stream.
func NewInstruction(insns []uint16) Instruction {
	return Instruction{insns: insns}
}

// HasNext reports whether the cursor is within the stream.
func (it Instruction) HasNext() bool { return it.pc < len(it.insns) }

// PC returns the cursor's code-unit offset.
func (it Instruction) PC() int { return it.pc }

// Opcode returns the current instruction's opcode.
func (it Instruction) Opcode() Opcode {
	return Opcode(it.insns[it.pc] & 0xff)
}

// Units returns the current instruction's width in code units. Unknown
// opcodes are a broken input contract and panic.
func (it Instruction) Units() int {
	info, ok := opcodeTable[it.Opcode()]
	if !ok {
		panic(fmt.Sprintf("dex: unknown opcode 0x%02x at pc %d", uint8(it.Opcode()), it.pc))
	}
	return info.units
}

// Next advances past the current instruction.
func (it Instruction) Next() Instruction {
	it.pc += it.Units()
	return it
}

// VRegA returns operand A for the current format.
func (it Instruction) VRegA() uint32 {
	first := it.insns[it.pc]
	info := opcodeTable[it.Opcode()]
	switch info.format {
	case Format11n, Format22c:
		return uint32(first>>8) & 0x0f
	case Format11x, Format21c, Format21s, Format31i, Format31c:
		return uint32(first >> 8)
	case Format35c:
		return uint32(first>>12) & 0x0f // argument count
	default:
		return 0
	}
}

// VRegB returns operand B for the current format: the index operand for
// 21c/31c/35c forms, the literal for 11n/21s/31i.
func (it Instruction) VRegB() uint32 {
	first := it.insns[it.pc]
	info := opcodeTable[it.Opcode()]
	switch info.format {
	case Format11n:
		return uint32(int32(first) >> 12)
	case Format21c, Format21s, Format35c:
		return uint32(it.insns[it.pc+1])
	case Format22c:
		return uint32(first>>12) & 0x0f
	case Format31i, Format31c:
		return uint32(it.insns[it.pc+1]) | uint32(it.insns[it.pc+2])<<16
	default:
		return 0
	}
}

// VRegC returns operand C for 22c/35c forms.
func (it Instruction) VRegC() uint32 {
	info := opcodeTable[it.Opcode()]
	switch info.format {
	case Format22c:
		return uint32(it.insns[it.pc+1])
	case Format35c:
		return uint32(it.insns[it.pc+2]) & 0x0f
	default:
		return 0
	}
}

// StringIdx returns the string pool index referenced by a const-string or
// const-string/jumbo, and true; or false for any other opcode.
func (it Instruction) StringIdx() (uint32, bool) {
	switch it.Opcode() {
	case OpConstString, OpConstStringJumbo:
		return it.VRegB(), true
	}
	return 0, false
}
