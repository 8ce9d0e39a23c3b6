package aot

import (
	"context"

	"github.com/pkg/errors"

	"github.com/chazu/forge/dex"
	"github.com/chazu/forge/rt"
)

// ---------------------------------------------------------------------------
// Phase 5: InitializeClasses
// ---------------------------------------------------------------------------

// initializeClasses eagerly runs <clinit> for image classes that verified
// cleanly, superclasses and default-method interfaces first. Every attempt runs inside a
// transaction: a throwing initializer rolls back all of its heap effects
// and the class keeps its pre-attempt status. Transactions are not
// thread-safe, so this phase is always single-threaded.
func (d *Driver) initializeClasses(ctx context.Context) error {
	for _, dx := range d.dexFiles {
		dx := dx
		err := d.serialPool.ForAll(ctx, dx.NumClassDefs(), func(_ context.Context, i int) {
			d.initializeClassDef(dx, uint32(i))
		})
		if err != nil {
			return err
		}
	}

	// Initialized classes become visibly initialized at the phase
	// barrier; with a single writer there is no publication race left.
	d.classStates.VisitPrimary(d.dexFiles, func(ref dex.ClassRef, status ClassStatus) {
		if status == StatusInitialized {
			d.classStates.SetStatusAtLeast(ref, StatusVisiblyInitialized)
		}
	})
	return nil
}

func (d *Driver) initializeClassDef(dx *dex.DexFile, defIdx uint32) {
	ref := dex.ClassRef{Dex: dx, ClassDefIdx: defIdx}
	status := d.classStates.Get(ref)
	if status != StatusVerified && status != StatusSuperclassValidated {
		return // needs-access-checks and below are not eligible for eager init
	}
	desc := dx.TypeDescriptor(dx.ClassDefs[defIdx].ClassIdx)
	if d.imageClasses != nil && !d.imageClasses[desc] {
		return
	}
	c := d.linker.LookupClass(desc)
	if c == nil {
		return
	}
	if c.NumEncodedStatics() > d.opts.MaxEncodedStatics {
		// Overflow protection against pathological classes; they
		// initialize at runtime instead.
		d.stats.Add(func(s *Stats) { s.EncodedStaticsOverCap++ })
		d.log.Infof("skipping eager init of %s: %d encoded statics over cap %d",
			desc, c.NumEncodedStatics(), d.opts.MaxEncodedStatics)
		return
	}
	d.ensureInitialized(c)
}

// ensureInitialized initializes c's ancestry then c itself, reporting
// whether c ended up initialized.
func (d *Driver) ensureInitialized(c *rt.Class) bool {
	if !c.HasDef() {
		return true // arrays and primitives have no initializer
	}
	ref := c.Ref()
	status := d.classStates.Get(ref)
	if status >= StatusInitialized {
		return true
	}
	if status != StatusVerified && status != StatusSuperclassValidated {
		return false
	}

	// Superclass chain and default-method interfaces first.
	if c.Superclass != nil && c.Superclass.HasDef() {
		if !d.ensureInitialized(c.Superclass) {
			return false
		}
	}
	// Only interfaces with default methods gate the implementer; a
	// statics-only interface initializes on its own first use.
	for _, iface := range c.Interfaces {
		if iface.HasDef() && iface.Def().HasDefaultMethods() {
			if !d.ensureInitialized(iface) {
				return false
			}
		}
	}
	d.classStates.SetStatusAtLeast(ref, StatusSuperclassValidated)

	tx := rt.NewTransaction()
	if err := d.linker.InitializeClass(c, tx); err != nil {
		// The attempt's heap effects are undone wholesale; the class
		// simply stays below initialized and retries at runtime.
		tx.Rollback()
		d.stats.Add(func(s *Stats) { s.ClinitRollbacks++ })
		d.log.Infof("eager init of %s rolled back: %v", c.Descriptor, errors.Cause(err))
		return false
	}
	tx.Commit()
	d.classStates.SetStatusAtLeast(ref, StatusInitialized)
	d.stats.Add(func(s *Stats) { s.ClassesInitialized++ })
	return true
}
