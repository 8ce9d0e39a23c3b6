package aot

import (
	"github.com/chazu/forge/dex"
	"github.com/chazu/forge/rt"
)

// ---------------------------------------------------------------------------
// Collaborator contracts
// ---------------------------------------------------------------------------

// The verifier and the backend code generator are external collaborators:
// the driver sequences them and records their verdicts but treats their
// internals as black boxes.

// FailureKind is a verifier verdict for one class.
type FailureKind uint8

const (
	// NoFailure: the class verified cleanly.
	NoFailure FailureKind = iota
	// SoftFailure: the class is usable but some checks are deferred to
	// runtime.
	SoftFailure
	// HardFailure: the class is structurally broken.
	HardFailure
	// AccessChecksFailure: verified except for access checks, which must
	// run at runtime.
	AccessChecksFailure
	// TypeChecksFailure: type checks deferred to runtime; no status is
	// recorded for the class.
	TypeChecksFailure
)

// String returns the verdict name.
func (k FailureKind) String() string {
	switch k {
	case NoFailure:
		return "no-failure"
	case SoftFailure:
		return "soft-failure"
	case HardFailure:
		return "hard-failure"
	case AccessChecksFailure:
		return "access-checks-failure"
	case TypeChecksFailure:
		return "type-checks-failure"
	default:
		return "unknown-failure"
	}
}

// Verifier produces a verdict per class, recording its dependencies into
// deps when non-nil.
type Verifier interface {
	VerifyClass(c *rt.Class, deps *VerifierDeps) FailureKind
}

// Backend generates machine code for one method. A nil artifact means the
// backend declined (the method falls back to the interpreter or, for
// natives, to the generic trampoline); that is not an error.
type Backend interface {
	Compile(ref dex.MethodRef, m *dex.EncodedMethod, shorty string) *CompiledMethod
	JniCompile(ref dex.MethodRef, m *dex.EncodedMethod, shorty string) *CompiledMethod
}

// NativeStubCache looks up reusable native stubs from a previously built
// boot image, keyed by signature shape. A hit avoids recompiling an
// identical stub.
type NativeStubCache interface {
	FindNativeStub(shorty string, critical bool) *CompiledMethod
}
