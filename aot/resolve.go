package aot

import (
	"context"
	"sort"

	"github.com/pkg/errors"
	"github.com/samber/lo"

	"github.com/chazu/forge/dex"
)

// ---------------------------------------------------------------------------
// Phase 1: LoadImageClasses
// ---------------------------------------------------------------------------

// loadImageClasses seeds the image-class set from configuration and closes
// it over superclasses, interfaces, array components, and catch-block
// exception types. The closure is a fixed-point loop: resolving one
// exception type can pull in interfaces that introduce further exception
// types, so one pass is not enough.
func (d *Driver) loadImageClasses(ctx context.Context) error {
	d.imageClasses = make(map[string]bool, len(d.opts.ImageClasses))
	for _, desc := range d.opts.ImageClasses {
		if _, err := d.linker.ResolveDescriptor(desc); err != nil {
			return errors.Wrapf(err, "aot: image class %s", desc)
		}
		d.imageClasses[desc] = true
	}

	for {
		if err := ctx.Err(); err != nil {
			return errors.WithStack(err)
		}
		added := false
		for _, desc := range sortedKeys(d.imageClasses) {
			c := d.linker.LookupClass(desc)
			if c == nil {
				continue
			}
			for s := c.Superclass; s != nil; s = s.Superclass {
				added = d.addImageClass(s.Descriptor) || added
			}
			for _, iface := range c.Interfaces {
				added = d.addImageClass(iface.Descriptor) || added
			}
			if c.Component != nil {
				added = d.addImageClass(c.Component.Descriptor) || added
			}
			if c.HasDef() {
				a, err := d.addCatchTypes(c.Dex, c.Def())
				if err != nil {
					return err
				}
				added = a || added
			}
		}
		if !added {
			return nil
		}
	}
}

// addCatchTypes resolves and adds every exception type reachable from the
// class's catch handlers.
func (d *Driver) addCatchTypes(dx *dex.DexFile, def *dex.ClassDef) (bool, error) {
	added := false
	forEachMethod(def, func(m *dex.EncodedMethod) {
		if m.Code == nil {
			return
		}
		for _, try := range m.Code.Tries {
			for _, typeIdx := range try.CatchTypeIdxs {
				if typeIdx == dex.NoIndex {
					continue
				}
				desc := dx.TypeDescriptor(typeIdx)
				// Resolution failure here is an expected per-item
				// failure; the type simply stays out of the image.
				if _, err := d.linker.ResolveDescriptor(desc); err != nil {
					d.log.Debugf("catch type %s unresolvable: %v", desc, err)
					continue
				}
				added = d.addImageClass(desc) || added
			}
		}
	})
	return added, nil
}

func (d *Driver) addImageClass(desc string) bool {
	if d.imageClasses[desc] {
		return false
	}
	d.imageClasses[desc] = true
	return true
}

// ---------------------------------------------------------------------------
// Phase 2: Resolve
// ---------------------------------------------------------------------------

// resolvePhase resolves every class being compiled: every referenced type
// id in image mode, every class def otherwise. Runs single-threaded when
// determinism is forced, because resolution allocates. Failures are
// recorded as statuses and never abort the phase.
func (d *Driver) resolvePhase(ctx context.Context) error {
	pool := d.resolvePool()
	for _, dx := range d.dexFiles {
		dx := dx
		n := dx.NumClassDefs()
		if d.opts.Image {
			n = dx.NumTypeIds()
		}
		err := pool.ForAll(ctx, n, func(_ context.Context, i int) {
			if d.opts.Image {
				d.resolveTypeIdx(dx, uint32(i))
			} else {
				d.resolveClassDef(dx, uint32(i))
			}
		})
		if err != nil {
			return err
		}
	}
	return nil
}

func (d *Driver) resolveTypeIdx(dx *dex.DexFile, typeIdx uint32) {
	_, err := d.linker.ResolveType(dx, typeIdx)
	defIdx := dx.FindClassDef(typeIdx)
	if err != nil {
		// Swallow and record: unresolved classes surface through their
		// status, or not at all for foreign type ids.
		d.stats.Add(func(s *Stats) { s.TypesUnresolved++ })
		if defIdx != dex.NoIndex {
			d.recordResolutionFailure(dex.ClassRef{Dex: dx, ClassDefIdx: defIdx}, dx.TypeDescriptor(typeIdx))
		}
		return
	}
	d.stats.Add(func(s *Stats) { s.TypesResolved++ })
	if defIdx != dex.NoIndex {
		d.classStates.SetStatusAtLeast(dex.ClassRef{Dex: dx, ClassDefIdx: defIdx}, StatusResolved)
	}
}

func (d *Driver) resolveClassDef(dx *dex.DexFile, defIdx uint32) {
	def := &dx.ClassDefs[defIdx]
	ref := dex.ClassRef{Dex: dx, ClassDefIdx: defIdx}
	desc := dx.TypeDescriptor(def.ClassIdx)
	if _, err := d.linker.ResolveDescriptor(desc); err != nil {
		d.stats.Add(func(s *Stats) { s.TypesUnresolved++ })
		d.recordResolutionFailure(ref, desc)
		return
	}
	d.stats.Add(func(s *Stats) { s.TypesResolved++ })
	d.classStates.SetStatusAtLeast(ref, StatusResolved)
}

// recordResolutionFailure marks a class erroneous: ErrorResolved when the
// class itself loaded but a dependency did not, ErrorUnresolved otherwise.
func (d *Driver) recordResolutionFailure(ref dex.ClassRef, desc string) {
	status := StatusErrorUnresolved
	if d.linker.LookupClass(desc) != nil {
		status = StatusErrorResolved
	}
	d.classStates.SetStatusError(ref, status)
	d.log.Debugf("failed to resolve %s: status %s", desc, status)
}

// ---------------------------------------------------------------------------
// Phase 3: ResolveConstStrings
// ---------------------------------------------------------------------------

// resolveConstStrings eagerly resolves every string referenced by a
// string-load instruction so the intern table fills in a reproducible
// order. Always single-threaded; interleaving would scramble the order
// this pass exists to pin down.
func (d *Driver) resolveConstStrings(ctx context.Context) error {
	for _, dx := range d.dexFiles {
		profIdx := d.profileIndexOf(dx)
		for defIdx := range dx.ClassDefs {
			if err := ctx.Err(); err != nil {
				return errors.WithStack(err)
			}
			def := &dx.ClassDefs[defIdx]
			forEachMethod(def, func(m *dex.EncodedMethod) {
				if m.Code == nil {
					return
				}
				if d.opts.ResolveStartupConstStringsOnly &&
					!(d.prof != nil && d.prof.IsStartupMethod(profIdx, m.MethodIdx)) {
					return
				}
				d.scanConstStrings(dx, m.Code)
			})
		}
	}
	return nil
}

func (d *Driver) scanConstStrings(dx *dex.DexFile, code *dex.CodeItem) {
	for it := dex.NewInstruction(code.Insns); it.HasNext(); it = it.Next() {
		if idx, ok := it.StringIdx(); ok {
			d.linker.ResolveString(dx, idx)
			d.stats.Add(func(s *Stats) { s.ConstStringsResolved++ })
		}
	}
}

// sortedKeys returns map keys in sorted order; the image closure iterates
// deterministically so repeated builds converge identically.
func sortedKeys(m map[string]bool) []string {
	keys := lo.Keys(m)
	sort.Strings(keys)
	return keys
}

// forEachMethod visits direct then virtual methods of a class def.
func forEachMethod(def *dex.ClassDef, fn func(*dex.EncodedMethod)) {
	for i := range def.DirectMethods {
		fn(&def.DirectMethods[i])
	}
	for i := range def.VirtualMethods {
		fn(&def.VirtualMethods[i])
	}
}
