// Package dex models the bytecode container format consumed by the AOT
// driver: string/type/proto/method id pools, class definitions, and the
// instruction stream contract. The driver never parses container bytes
// itself; it works against this in-memory model.
package dex

import (
	"fmt"

	"github.com/cespare/xxhash"
)

// ---------------------------------------------------------------------------
// Id pools
// ---------------------------------------------------------------------------

// TypeId is an index into a file's string pool naming a type descriptor
// ("Ljava/lang/Object;", "I", "[J", ...).
type TypeId struct {
	DescriptorIdx uint32
}

// ProtoId describes a method signature: the shorty plus full type indices.
type ProtoId struct {
	Shorty        string   // return char first, then one char per parameter
	ReturnTypeIdx uint32   // index into Types
	ParamTypeIdxs []uint32 // indices into Types
}

// FieldId identifies a field by declaring class, type, and name.
type FieldId struct {
	ClassIdx uint32 // index into Types
	TypeIdx  uint32 // index into Types
	NameIdx  uint32 // index into Strings
}

// MethodId identifies a method by declaring class, proto, and name.
type MethodId struct {
	ClassIdx uint32 // index into Types
	ProtoIdx uint32 // index into Protos
	NameIdx  uint32 // index into Strings
}

// ---------------------------------------------------------------------------
// Class definitions
// ---------------------------------------------------------------------------

// Access flags, matching the container format's numeric encoding.
const (
	AccPublic      uint32 = 0x0001
	AccPrivate     uint32 = 0x0002
	AccProtected   uint32 = 0x0004
	AccStatic      uint32 = 0x0008
	AccFinal       uint32 = 0x0010
	AccInterface   uint32 = 0x0200
	AccAbstract    uint32 = 0x0400
	AccNative      uint32 = 0x0100
	AccConstructor uint32 = 0x10000
)

// NoIndex marks an absent type/class index (e.g. no superclass).
const NoIndex = ^uint32(0)

// EncodedValue is a static field's compile-time initial value.
type EncodedValue struct {
	Kind EncodedValueKind
	Int  int64
	Fp   float64
	Str  string
}

// EncodedValueKind tags EncodedValue.
type EncodedValueKind uint8

const (
	EncodedNull EncodedValueKind = iota
	EncodedInt
	EncodedFloat
	EncodedString
)

// EncodedMethod is a method definition inside a class def.
type EncodedMethod struct {
	MethodIdx   uint32
	AccessFlags uint32
	Code        *CodeItem // nil for abstract and native methods

	// Annotation bits consumed by the compile phase.
	NeverCompile   bool
	CriticalNative bool
	FastNative     bool
}

// IsNative reports whether the method is declared native.
func (m *EncodedMethod) IsNative() bool { return m.AccessFlags&AccNative != 0 }

// IsAbstract reports whether the method has no implementation.
func (m *EncodedMethod) IsAbstract() bool { return m.AccessFlags&AccAbstract != 0 }

// IsStatic reports whether the method is static.
func (m *EncodedMethod) IsStatic() bool { return m.AccessFlags&AccStatic != 0 }

// TryItem covers a code range with a list of catch handler type indices.
type TryItem struct {
	StartAddr uint32
	InsnCount uint32
	// CatchTypeIdxs lists the exception types handled; NoIndex means
	// catch-all and resolves to nothing.
	CatchTypeIdxs []uint32
}

// CodeItem is a method body: register counts and the 16-bit code units.
type CodeItem struct {
	RegistersSize uint16
	InsSize       uint16
	OutsSize      uint16
	Insns         []uint16
	Tries         []TryItem
}

// ClassDef is one class definition.
type ClassDef struct {
	ClassIdx      uint32 // index into Types
	AccessFlags   uint32
	SuperclassIdx uint32 // NoIndex for the root class
	InterfaceIdxs []uint32
	StaticValues  []EncodedValue // one per static field, in field order
	StaticFields  []uint32       // indices into Fields

	DirectMethods  []EncodedMethod
	VirtualMethods []EncodedMethod
}

// IsInterface reports whether the class is an interface.
func (def *ClassDef) IsInterface() bool { return def.AccessFlags&AccInterface != 0 }

// HasDefaultMethods reports whether the class is an interface declaring at
// least one virtual method with a body.
func (def *ClassDef) HasDefaultMethods() bool {
	if !def.IsInterface() {
		return false
	}
	for i := range def.VirtualMethods {
		if def.VirtualMethods[i].Code != nil {
			return true
		}
	}
	return false
}

// ---------------------------------------------------------------------------
// DexFile
// ---------------------------------------------------------------------------

// DexFile is one logical bytecode container. Instances are immutable after
// construction and safe for concurrent reads.
type DexFile struct {
	Location string
	Checksum uint64

	Strings   []string
	Types     []TypeId
	Protos    []ProtoId
	Fields    []FieldId
	Methods   []MethodId
	ClassDefs []ClassDef

	// classDefByTypeIdx accelerates FindClassDef. Built once.
	classDefByTypeIdx map[uint32]uint32
}

// StringAt returns the string at idx. Panics on out-of-range: indices come
// from the container and a bad one is a broken input contract.
func (d *DexFile) StringAt(idx uint32) string {
	if int(idx) >= len(d.Strings) {
		panic(fmt.Sprintf("dex: string index %d out of range in %s", idx, d.Location))
	}
	return d.Strings[idx]
}

// TypeDescriptor returns the descriptor string for a type index.
func (d *DexFile) TypeDescriptor(typeIdx uint32) string {
	if int(typeIdx) >= len(d.Types) {
		panic(fmt.Sprintf("dex: type index %d out of range in %s", typeIdx, d.Location))
	}
	return d.StringAt(d.Types[typeIdx].DescriptorIdx)
}

// MethodShorty returns the shorty for a method index.
func (d *DexFile) MethodShorty(methodIdx uint32) string {
	if int(methodIdx) >= len(d.Methods) {
		panic(fmt.Sprintf("dex: method index %d out of range in %s", methodIdx, d.Location))
	}
	return d.Protos[d.Methods[methodIdx].ProtoIdx].Shorty
}

// MethodName returns the name of a method index.
func (d *DexFile) MethodName(methodIdx uint32) string {
	return d.StringAt(d.Methods[methodIdx].NameIdx)
}

// FindClassDef returns the class def index declaring typeIdx, or NoIndex.
func (d *DexFile) FindClassDef(typeIdx uint32) uint32 {
	if idx, ok := d.classDefByTypeIdx[typeIdx]; ok {
		return idx
	}
	return NoIndex
}

// NumClassDefs returns the number of class definitions.
func (d *DexFile) NumClassDefs() int { return len(d.ClassDefs) }

// NumTypeIds returns the number of type ids (the boot-image resolve phase
// walks every referenced type, not just defined classes).
func (d *DexFile) NumTypeIds() int { return len(d.Types) }

// seal finalizes internal indices and computes the content checksum.
func (d *DexFile) seal() {
	d.classDefByTypeIdx = make(map[uint32]uint32, len(d.ClassDefs))
	for i := range d.ClassDefs {
		d.classDefByTypeIdx[d.ClassDefs[i].ClassIdx] = uint32(i)
	}
	h := xxhash.New()
	for _, s := range d.Strings {
		_, _ = h.Write([]byte(s))
		_, _ = h.Write([]byte{0})
	}
	for i := range d.ClassDefs {
		def := &d.ClassDefs[i]
		var buf [12]byte
		buf[0] = byte(def.ClassIdx)
		buf[1] = byte(def.ClassIdx >> 8)
		buf[2] = byte(def.AccessFlags)
		buf[3] = byte(len(def.DirectMethods))
		buf[4] = byte(len(def.VirtualMethods))
		_, _ = h.Write(buf[:])
	}
	d.Checksum = h.Sum64()
}

// ---------------------------------------------------------------------------
// References
// ---------------------------------------------------------------------------

// ClassRef identifies a class structurally: same (file, class def) pair
// means same class.
type ClassRef struct {
	Dex         *DexFile
	ClassDefIdx uint32
}

// String formats the reference for logs.
func (r ClassRef) String() string {
	if r.Dex == nil {
		return "<nil class ref>"
	}
	if int(r.ClassDefIdx) < len(r.Dex.ClassDefs) {
		return r.Dex.TypeDescriptor(r.Dex.ClassDefs[r.ClassDefIdx].ClassIdx)
	}
	return fmt.Sprintf("%s#%d", r.Dex.Location, r.ClassDefIdx)
}

// MethodRef identifies a method structurally.
type MethodRef struct {
	Dex       *DexFile
	MethodIdx uint32
}

// String formats the reference for logs.
func (r MethodRef) String() string {
	if r.Dex == nil {
		return "<nil method ref>"
	}
	m := r.Dex.Methods[r.MethodIdx]
	return r.Dex.TypeDescriptor(m.ClassIdx) + "." + r.Dex.StringAt(m.NameIdx)
}
