package aot

import (
	"context"
	"time"

	"github.com/chazu/forge/dex"
	"github.com/chazu/forge/profile"
)

// ---------------------------------------------------------------------------
// Phase 6: Compile
// ---------------------------------------------------------------------------

// compilePhase invokes the backend for every eligible method. It runs on
// the parallel pool even under forced determinism: compilation does not
// allocate in the managed heap, so worker interleaving cannot change the
// artifacts, only the order they land in the table, and the table
// iterates in deterministic order regardless.
func (d *Driver) compilePhase(ctx context.Context) error {
	for _, dx := range d.dexFiles {
		dx := dx
		profIdx := d.profileIndexOf(dx)
		err := d.pool.ForAll(ctx, dx.NumClassDefs(), func(_ context.Context, i int) {
			d.compileClassDef(dx, uint32(i), profIdx)
		})
		if err != nil {
			return err
		}
	}
	return nil
}

func (d *Driver) compileClassDef(dx *dex.DexFile, defIdx uint32, profIdx profile.Index) {
	ref := dex.ClassRef{Dex: dx, ClassDefIdx: defIdx}
	if !d.classStates.Get(ref).AtLeastVerified() {
		// Rejected by verification (or deferred wholesale); its methods
		// stay on the interpreter.
		def := &dx.ClassDefs[defIdx]
		forEachMethod(def, func(*dex.EncodedMethod) {
			d.stats.Add(func(s *Stats) { s.MethodsSkipped++ })
		})
		return
	}
	def := &dx.ClassDefs[defIdx]
	forEachMethod(def, func(m *dex.EncodedMethod) {
		d.compileMethod(dx, m, profIdx)
	})
}

func (d *Driver) compileMethod(dx *dex.DexFile, m *dex.EncodedMethod, profIdx profile.Index) {
	ref := dex.MethodRef{Dex: dx, MethodIdx: m.MethodIdx}
	shorty := dx.MethodShorty(m.MethodIdx)

	switch {
	case m.IsAbstract():
		return // nothing to compile, not even a skip worth counting
	case m.NeverCompile:
		d.stats.Add(func(s *Stats) { s.MethodsSkipped++ })
		return
	case m.IsNative():
		d.compileNative(ref, m, shorty)
		return
	case m.Code == nil:
		d.stats.Add(func(s *Stats) { s.MethodsSkipped++ })
		return
	}

	if !d.shouldCompileMethod(m, profIdx) {
		d.stats.Add(func(s *Stats) { s.MethodsSkipped++ })
		return
	}

	start := time.Now()
	artifact := d.backend.Compile(ref, m, shorty)
	d.warnIfSlow(ref, time.Since(start))
	if artifact == nil {
		d.stats.Add(func(s *Stats) { s.MethodsSkipped++ })
		return
	}
	d.insertArtifact(ref, artifact)
	d.stats.Add(func(s *Stats) { s.MethodsCompiled++ })
}

// compileNative handles native methods: reuse a boot-image stub when one
// matches, otherwise ask the backend's JNI compiler, otherwise fall back
// to the generic trampoline (no artifact at all).
func (d *Driver) compileNative(ref dex.MethodRef, m *dex.EncodedMethod, shorty string) {
	if d.stubs != nil {
		if stub := d.stubs.FindNativeStub(shorty, m.CriticalNative); stub != nil {
			d.insertArtifact(ref, stub)
			d.stats.Add(func(s *Stats) { s.JniStubsReused++ })
			return
		}
	}
	start := time.Now()
	artifact := d.backend.JniCompile(ref, m, shorty)
	d.warnIfSlow(ref, time.Since(start))
	if artifact == nil {
		d.stats.Add(func(s *Stats) { s.NativeFallbacks++ })
		return
	}
	d.insertArtifact(ref, artifact)
	d.stats.Add(func(s *Stats) { s.JniStubsCompiled++ })
}

// shouldCompileMethod applies the compiler-filter and profile policy.
func (d *Driver) shouldCompileMethod(m *dex.EncodedMethod, profIdx profile.Index) bool {
	if !d.opts.Filter.IsProfileGuided() {
		return true
	}
	if d.prof == nil || profIdx == profile.InvalidIndex {
		return false
	}
	switch d.opts.Filter {
	case FilterSpeedProfile:
		return d.prof.IsHotMethod(profIdx, m.MethodIdx)
	case FilterSpaceProfile:
		return d.prof.IsMethodInProfile(profIdx, m.MethodIdx)
	default:
		return true
	}
}

// insertArtifact commits an artifact; a duplicate insert means two workers
// raced on the same method, which the table's insert-once contract turns
// into a no-op here.
func (d *Driver) insertArtifact(ref dex.MethodRef, artifact *CompiledMethod) {
	if err := d.methods.Insert(ref, artifact); err != nil {
		d.log.Debugf("duplicate artifact for %s dropped", ref)
	}
}

// warnIfSlow logs methods whose compilation exceeded the configured
// budget. Slow compiles are diagnosed, never aborted.
func (d *Driver) warnIfSlow(ref dex.MethodRef, took time.Duration) {
	if d.opts.LongCompileWarn > 0 && took > d.opts.LongCompileWarn {
		d.log.Warningf("compiling %s took %v (budget %v)", ref, took, d.opts.LongCompileWarn)
	}
}
