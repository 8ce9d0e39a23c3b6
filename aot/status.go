// Package aot is the ahead-of-time compilation driver: the phase pipeline
// (resolve, verify, initialize, compile), the class-status and compiled-
// method tables the phases commit into, and the parallel work scheduler
// they fan out on.
package aot

import "fmt"

// ---------------------------------------------------------------------------
// ClassStatus
// ---------------------------------------------------------------------------

// ClassStatus is a class's compilation progress marker. The numeric
// encoding is persisted in compiled output and must not be reordered.
// A class's status only ever increases; the state table enforces it.
type ClassStatus uint8

const (
	StatusNotReady        ClassStatus = 0
	StatusErrorUnresolved ClassStatus = 1
	StatusErrorResolved   ClassStatus = 2
	StatusResolved        ClassStatus = 3
	// StatusRetryVerificationAtRuntime defers the class's remaining
	// verification to runtime; the class stays usable.
	StatusRetryVerificationAtRuntime ClassStatus = 4
	StatusVerifiedNeedsAccessChecks  ClassStatus = 5
	StatusVerified                   ClassStatus = 6
	StatusSuperclassValidated        ClassStatus = 7
	StatusInitialized                ClassStatus = 8
	StatusVisiblyInitialized         ClassStatus = 9
)

// IsError reports whether the status marks the class erroneous.
func (s ClassStatus) IsError() bool {
	return s == StatusErrorUnresolved || s == StatusErrorResolved
}

// AtLeastResolved reports whether the class resolved successfully.
func (s ClassStatus) AtLeastResolved() bool {
	return s >= StatusResolved && !s.IsError()
}

// AtLeastVerified reports whether the class passed verification (possibly
// with deferred access checks).
func (s ClassStatus) AtLeastVerified() bool {
	return s >= StatusVerifiedNeedsAccessChecks
}

// String returns the status name.
func (s ClassStatus) String() string {
	switch s {
	case StatusNotReady:
		return "not-ready"
	case StatusErrorUnresolved:
		return "error-unresolved"
	case StatusErrorResolved:
		return "error-resolved"
	case StatusResolved:
		return "resolved"
	case StatusRetryVerificationAtRuntime:
		return "retry-verification-at-runtime"
	case StatusVerifiedNeedsAccessChecks:
		return "verified-needs-access-checks"
	case StatusVerified:
		return "verified"
	case StatusSuperclassValidated:
		return "superclass-validated"
	case StatusInitialized:
		return "initialized"
	case StatusVisiblyInitialized:
		return "visibly-initialized"
	default:
		return fmt.Sprintf("status-%d", uint8(s))
	}
}
