// Package baseline provides reference collaborator implementations: a
// structural verifier and a template code backend. They exist so the
// pipeline runs end to end without a real optimizing backend; production
// builds plug their own collaborators into the driver.
package baseline

import (
	"crypto/sha256"
	"encoding/binary"

	"github.com/chazu/forge/aot"
	"github.com/chazu/forge/dex"
	"github.com/chazu/forge/rt"
)

// ---------------------------------------------------------------------------
// Verifier
// ---------------------------------------------------------------------------

// Verifier performs structural checks only: method bodies exist where
// required and instruction streams decode end to end. Anything subtler is
// deferred to runtime as a soft failure.
type Verifier struct{}

// NewVerifier creates the structural verifier.
func NewVerifier() *Verifier { return &Verifier{} }

// VerifyClass checks every declared method of c.
func (v *Verifier) VerifyClass(c *rt.Class, deps *aot.VerifierDeps) aot.FailureKind {
	if !c.HasDef() {
		return aot.NoFailure
	}
	def := c.Def()
	kind := aot.NoFailure
	check := func(m *dex.EncodedMethod) {
		if m.IsAbstract() || m.IsNative() {
			if m.Code != nil {
				kind = aot.HardFailure
			}
			return
		}
		if m.Code == nil {
			kind = aot.HardFailure
			return
		}
		if !decodes(m.Code.Insns) {
			kind = aot.HardFailure
		}
	}
	for i := range def.DirectMethods {
		check(&def.DirectMethods[i])
	}
	for i := range def.VirtualMethods {
		check(&def.VirtualMethods[i])
	}
	return kind
}

// decodes walks the stream by instruction width, rejecting truncation and
// unknown opcodes.
func decodes(insns []uint16) (ok bool) {
	defer func() {
		if recover() != nil {
			ok = false
		}
	}()
	for it := dex.NewInstruction(insns); it.HasNext(); it = it.Next() {
		if it.PC()+it.Units() > len(insns) {
			return false
		}
	}
	return true
}

// ---------------------------------------------------------------------------
// Backend
// ---------------------------------------------------------------------------

// Backend emits deterministic template artifacts: a fixed prologue tag
// followed by a digest of the method's instruction stream. Identical
// bodies therefore produce identical artifacts, which exercises the
// method table's dedup path exactly like a real backend's identical
// getters do.
type Backend struct{}

// NewBackend creates the template backend.
func NewBackend() *Backend { return &Backend{} }

const (
	tagManaged = 0x4d // 'M'
	tagNative  = 0x4e // 'N'
)

// Compile emits a template artifact for a bytecode method.
func (b *Backend) Compile(_ dex.MethodRef, m *dex.EncodedMethod, shorty string) *aot.CompiledMethod {
	if m.Code == nil {
		return nil
	}
	h := sha256.New()
	raw := make([]byte, 2*len(m.Code.Insns))
	for i, u := range m.Code.Insns {
		binary.LittleEndian.PutUint16(raw[2*i:], u)
	}
	h.Write(raw)
	h.Write([]byte(shorty))

	code := append([]byte{tagManaged}, h.Sum(nil)[:16]...)
	return &aot.CompiledMethod{
		Code:           code,
		FrameSizeBytes: frameSize(uint32(m.Code.RegistersSize)),
		CoreSpillMask:  0x4ff0,
		FpSpillMask:    0,
	}
}

// JniCompile emits a template stub keyed by signature shape, matching the
// real property that native stubs depend only on the shorty and flags.
func (b *Backend) JniCompile(_ dex.MethodRef, m *dex.EncodedMethod, shorty string) *aot.CompiledMethod {
	h := sha256.New()
	h.Write([]byte(shorty))
	if m.CriticalNative {
		h.Write([]byte{1})
	}
	if m.FastNative {
		h.Write([]byte{2})
	}
	code := append([]byte{tagNative}, h.Sum(nil)[:16]...)
	return &aot.CompiledMethod{
		Code:           code,
		FrameSizeBytes: frameSize(4),
		CoreSpillMask:  0x4ff0,
		FpSpillMask:    0,
	}
}

// frameSize mirrors the usual frame layout rule: registers plus return
// address, rounded to a 16-byte boundary.
func frameSize(vregs uint32) uint32 {
	size := vregs*4 + 8
	return (size + 15) &^ 15
}

// StubCache indexes previously built native stubs by signature shape, the
// reuse check the compile phase consults before invoking JniCompile.
type StubCache struct {
	stubs map[stubKey]*aot.CompiledMethod
}

type stubKey struct {
	shorty   string
	critical bool
}

// NewStubCache creates an empty cache.
func NewStubCache() *StubCache {
	return &StubCache{stubs: make(map[stubKey]*aot.CompiledMethod)}
}

// Put registers a stub.
func (c *StubCache) Put(shorty string, critical bool, m *aot.CompiledMethod) {
	c.stubs[stubKey{shorty, critical}] = m
}

// FindNativeStub returns a matching stub, or nil.
func (c *StubCache) FindNativeStub(shorty string, critical bool) *aot.CompiledMethod {
	return c.stubs[stubKey{shorty, critical}]
}
