package aot

import (
	"context"

	"github.com/pkg/errors"

	"github.com/chazu/forge/dex"
)

// ---------------------------------------------------------------------------
// Phase 4: Verify
// ---------------------------------------------------------------------------

// verifyPhase establishes a verification status for every class being
// compiled. When a valid prior dependency record exists it is replayed
// directly; otherwise each class goes through the verifier. Exceeding a
// configured failure threshold is a fatal build error.
func (d *Driver) verifyPhase(ctx context.Context) error {
	if d.priorDeps != nil && !d.priorDeps.OutputOnly && d.priorDeps.ValidFor(d.dexFiles) {
		if err := d.replayVerifierDeps(ctx); err != nil {
			return err
		}
	} else {
		if err := d.verifyAllClasses(ctx); err != nil {
			return err
		}
	}
	return d.checkVerifierThresholds()
}

// replayVerifierDeps applies a prior run's verdicts without re-running
// verification.
func (d *Driver) replayVerifierDeps(ctx context.Context) error {
	d.log.Info("replaying verifier dependency record")
	for _, dx := range d.dexFiles {
		for defIdx := range dx.ClassDefs {
			if err := ctx.Err(); err != nil {
				return errors.WithStack(err)
			}
			ref := dex.ClassRef{Dex: dx, ClassDefIdx: uint32(defIdx)}
			kind, ok := d.priorDeps.Verdict(ref)
			if !ok {
				continue
			}
			d.applyVerdict(ref, kind)
			d.recordedDeps.RecordVerdict(ref, kind)
			d.stats.Add(func(s *Stats) { s.VerifyFastPathReplayed++ })
		}
	}
	return nil
}

// verifyAllClasses runs full verification, parallel unless determinism is
// forced.
func (d *Driver) verifyAllClasses(ctx context.Context) error {
	pool := d.pool
	if d.opts.ForceDeterminism {
		pool = d.serialPool
	}
	for _, dx := range d.dexFiles {
		dx := dx
		err := pool.ForAll(ctx, dx.NumClassDefs(), func(_ context.Context, i int) {
			d.verifyClassDef(dx, uint32(i))
		})
		if err != nil {
			return err
		}
	}
	return nil
}

func (d *Driver) verifyClassDef(dx *dex.DexFile, defIdx uint32) {
	ref := dex.ClassRef{Dex: dx, ClassDefIdx: defIdx}
	def := &dx.ClassDefs[defIdx]
	desc := dx.TypeDescriptor(def.ClassIdx)

	// A skipped or partial resolve phase leaves classes at not-ready;
	// resolve lazily rather than assume the earlier phase ran.
	status := d.classStates.Get(ref)
	if status.IsError() {
		return
	}
	c := d.linker.LookupClass(desc)
	if c == nil {
		var err error
		if c, err = d.linker.ResolveDescriptor(desc); err != nil {
			d.recordResolutionFailure(ref, desc)
			return
		}
		d.classStates.SetStatusAtLeast(ref, StatusResolved)
	}

	kind := d.verifier.VerifyClass(c, d.recordedDeps)
	d.applyVerdict(ref, kind)
	d.recordedDeps.RecordVerdict(ref, kind)
}

// applyVerdict maps a verifier verdict onto a class status.
func (d *Driver) applyVerdict(ref dex.ClassRef, kind FailureKind) {
	switch kind {
	case NoFailure:
		d.classStates.SetStatusAtLeast(ref, StatusVerified)
		d.stats.Add(func(s *Stats) { s.ClassesVerified++ })
	case AccessChecksFailure:
		d.classStates.SetStatusAtLeast(ref, StatusVerifiedNeedsAccessChecks)
		d.stats.Add(func(s *Stats) { s.AccessChecksFailures++ })
	case TypeChecksFailure:
		// Deferred wholesale to runtime; no status is recorded.
		d.stats.Add(func(s *Stats) { s.TypeChecksDeferred++ })
	case SoftFailure:
		d.classStates.SetStatusAtLeast(ref, StatusRetryVerificationAtRuntime)
		d.stats.Add(func(s *Stats) { s.SoftVerifierFailures++ })
	case HardFailure:
		d.classStates.SetStatusError(ref, StatusErrorResolved)
		d.stats.Add(func(s *Stats) { s.HardVerifierFailures++ })
		d.log.Errorf("verification of %s failed hard", ref)
	}
}

// checkVerifierThresholds enforces the abort policy at end of phase. A
// build shipping with undiagnosed broken classes is worse than no build.
func (d *Driver) checkVerifierThresholds() error {
	c := d.stats.Snapshot()
	if d.opts.AbortOnHardVerifierFailure && c.HardVerifierFailures > d.opts.HardVerifierFailureThreshold {
		return errors.Errorf("aot: %d hard verifier failure(s) exceed threshold %d",
			c.HardVerifierFailures, d.opts.HardVerifierFailureThreshold)
	}
	if c.SoftVerifierFailures > d.opts.SoftVerifierFailureThreshold {
		return errors.Errorf("aot: %d soft verifier failure(s) exceed threshold %d",
			c.SoftVerifierFailures, d.opts.SoftVerifierFailureThreshold)
	}
	return nil
}
