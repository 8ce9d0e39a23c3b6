package aot

import (
	"sync"

	"github.com/tliron/commonlog"
)

// ---------------------------------------------------------------------------
// Stats: pipeline diagnostics counters
// ---------------------------------------------------------------------------

// Stats aggregates per-phase outcome counters. All mutation is
// lock-protected. The counters are diagnostics, not control flow, with
// one exception: the verify phase checks the verifier failure counts
// against its abort thresholds.
type Stats struct {
	mu sync.Mutex

	TypesResolved   uint64
	TypesUnresolved uint64

	ClassesVerified        uint64
	SoftVerifierFailures   uint64
	HardVerifierFailures   uint64
	AccessChecksFailures   uint64
	TypeChecksDeferred     uint64
	VerifyFastPathReplayed uint64

	ClassesInitialized uint64
	ClinitRollbacks    uint64
	EncodedStaticsOverCap uint64

	MethodsCompiled  uint64
	MethodsSkipped   uint64
	JniStubsReused   uint64
	JniStubsCompiled uint64
	NativeFallbacks  uint64

	ConstStringsResolved uint64
}

// NewStats creates zeroed counters.
func NewStats() *Stats {
	return &Stats{}
}

// Add applies fn under the lock. Work units use it for multi-field
// updates; single bumps go through the named helpers.
func (s *Stats) Add(fn func(*Stats)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(s)
}

// Snapshot returns a copy of the counters.
func (s *Stats) Snapshot() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Stats{
		TypesResolved:          s.TypesResolved,
		TypesUnresolved:        s.TypesUnresolved,
		ClassesVerified:        s.ClassesVerified,
		SoftVerifierFailures:   s.SoftVerifierFailures,
		HardVerifierFailures:   s.HardVerifierFailures,
		AccessChecksFailures:   s.AccessChecksFailures,
		TypeChecksDeferred:     s.TypeChecksDeferred,
		VerifyFastPathReplayed: s.VerifyFastPathReplayed,
		ClassesInitialized:     s.ClassesInitialized,
		ClinitRollbacks:        s.ClinitRollbacks,
		EncodedStaticsOverCap:  s.EncodedStaticsOverCap,
		MethodsCompiled:        s.MethodsCompiled,
		MethodsSkipped:         s.MethodsSkipped,
		JniStubsReused:         s.JniStubsReused,
		JniStubsCompiled:       s.JniStubsCompiled,
		NativeFallbacks:        s.NativeFallbacks,
		ConstStringsResolved:   s.ConstStringsResolved,
	}
}

// LogSummary writes the counters to the given logger at info level.
func (s *Stats) LogSummary(log commonlog.Logger) {
	c := s.Snapshot()
	log.Infof("types: %d resolved, %d unresolved", c.TypesResolved, c.TypesUnresolved)
	log.Infof("verify: %d verified, %d soft failures, %d hard failures, %d access-check, %d type-check deferred, %d replayed",
		c.ClassesVerified, c.SoftVerifierFailures, c.HardVerifierFailures,
		c.AccessChecksFailures, c.TypeChecksDeferred, c.VerifyFastPathReplayed)
	log.Infof("init: %d initialized, %d rollbacks, %d over static cap",
		c.ClassesInitialized, c.ClinitRollbacks, c.EncodedStaticsOverCap)
	log.Infof("compile: %d compiled, %d skipped, %d jni compiled, %d jni reused, %d native fallbacks",
		c.MethodsCompiled, c.MethodsSkipped, c.JniStubsCompiled, c.JniStubsReused, c.NativeFallbacks)
	if c.ConstStringsResolved > 0 {
		log.Infof("const-strings: %d eagerly resolved", c.ConstStringsResolved)
	}
}
