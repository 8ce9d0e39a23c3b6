package rt

import (
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"

	"github.com/chazu/forge/dex"
)

// ---------------------------------------------------------------------------
// ClassLinker: type/string/method resolution over a set of dex files
// ---------------------------------------------------------------------------

// ErrClassNotFound is returned when no dex file defines a descriptor.
var ErrClassNotFound = errors.New("rt: class not found")

// ClinitFunc runs a class's static initializer through a transaction. A
// returned error means the initializer threw; the caller rolls back.
type ClinitFunc func(c *Class, tx *Transaction) error

// ClassLinker resolves types, strings, and methods over the union of the
// files being compiled and the classpath. Resolution allocates class
// handles, which is why order-sensitive phases run single-threaded.
type ClassLinker struct {
	mu      sync.Mutex
	files   []*dex.DexFile
	classes map[string]*Class
	interns *InternTable

	allocCounter uint64

	// Clinit, when set, is invoked by InitializeClass after the default
	// encoded-value assignment. Tests use it to simulate throwing
	// initializers.
	Clinit ClinitFunc
}

// NewClassLinker creates a linker over the given dex files. Primitive
// classes are pre-registered.
func NewClassLinker(files []*dex.DexFile, interns *InternTable) *ClassLinker {
	l := &ClassLinker{
		files:   files,
		classes: make(map[string]*Class),
		interns: interns,
	}
	for _, d := range "VZBSCIJFD" {
		desc := string(d)
		l.classes[desc] = &Class{Descriptor: desc, ClassDefIdx: dex.NoIndex, Primitive: true}
	}
	return l
}

// Interns returns the linker's intern table.
func (l *ClassLinker) Interns() *InternTable { return l.interns }

// AllocCount returns the number of class/object allocations performed.
// Deterministic builds require this sequence to be reproducible.
func (l *ClassLinker) AllocCount() uint64 { return atomic.LoadUint64(&l.allocCounter) }

// LookupClass returns an already-resolved class, or nil.
func (l *ClassLinker) LookupClass(descriptor string) *Class {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.classes[descriptor]
}

// ResolveType resolves the type at typeIdx of d into a class handle,
// resolving superclasses and interfaces transitively. Failures are
// returned, never panicked: the driver records them as statuses.
func (l *ClassLinker) ResolveType(d *dex.DexFile, typeIdx uint32) (*Class, error) {
	return l.ResolveDescriptor(d.TypeDescriptor(typeIdx))
}

// ResolveDescriptor resolves a descriptor string.
func (l *ClassLinker) ResolveDescriptor(descriptor string) (*Class, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.resolveLocked(descriptor, make(map[string]bool))
}

func (l *ClassLinker) resolveLocked(descriptor string, seen map[string]bool) (*Class, error) {
	if c, ok := l.classes[descriptor]; ok {
		return c, nil
	}
	if seen[descriptor] {
		return nil, errors.Errorf("rt: cyclic class hierarchy at %s", descriptor)
	}
	seen[descriptor] = true

	// Array classes resolve through their component type.
	if descriptor[0] == '[' {
		component, err := l.resolveLocked(descriptor[1:], seen)
		if err != nil {
			return nil, errors.Wrapf(err, "resolving component of %s", descriptor)
		}
		c := &Class{
			Descriptor:  descriptor,
			ClassDefIdx: dex.NoIndex,
			Component:   component,
			Superclass:  l.classes["Ljava/lang/Object;"],
		}
		l.registerLocked(c)
		return c, nil
	}

	d, defIdx := l.findDefLocked(descriptor)
	if d == nil {
		return nil, errors.Wrap(ErrClassNotFound, descriptor)
	}
	def := &d.ClassDefs[defIdx]

	c := &Class{
		Descriptor:  descriptor,
		Dex:         d,
		ClassDefIdx: defIdx,
		Statics:     make([]Value, len(def.StaticFields)),
	}
	// Register before walking supers so self-referential signatures
	// terminate; a failed super resolution unregisters below.
	l.registerLocked(c)

	if def.SuperclassIdx != dex.NoIndex {
		super, err := l.resolveLocked(d.TypeDescriptor(def.SuperclassIdx), seen)
		if err != nil {
			delete(l.classes, descriptor)
			return nil, errors.Wrapf(err, "resolving superclass of %s", descriptor)
		}
		c.Superclass = super
	}
	for _, ifaceIdx := range def.InterfaceIdxs {
		iface, err := l.resolveLocked(d.TypeDescriptor(ifaceIdx), seen)
		if err != nil {
			delete(l.classes, descriptor)
			return nil, errors.Wrapf(err, "resolving interface of %s", descriptor)
		}
		c.Interfaces = append(c.Interfaces, iface)
	}
	return c, nil
}

func (l *ClassLinker) registerLocked(c *Class) {
	atomic.AddUint64(&l.allocCounter, 1)
	l.classes[c.Descriptor] = c
}

func (l *ClassLinker) findDefLocked(descriptor string) (*dex.DexFile, uint32) {
	for _, d := range l.files {
		for i := range d.ClassDefs {
			if d.TypeDescriptor(d.ClassDefs[i].ClassIdx) == descriptor {
				return d, uint32(i)
			}
		}
	}
	return nil, dex.NoIndex
}

// ResolveString interns the string at idx of d and returns the canonical
// copy. Intern order is a determinism-sensitive side effect.
func (l *ClassLinker) ResolveString(d *dex.DexFile, idx uint32) string {
	return l.interns.Intern(d.StringAt(idx))
}

// ResolveMethod resolves a method reference to its declaring class.
func (l *ClassLinker) ResolveMethod(ref dex.MethodRef) (*Class, *dex.EncodedMethod, error) {
	m := ref.Dex.Methods[ref.MethodIdx]
	c, err := l.ResolveDescriptor(ref.Dex.TypeDescriptor(m.ClassIdx))
	if err != nil {
		return nil, nil, err
	}
	if !c.HasDef() {
		return nil, nil, errors.Errorf("rt: %s has no definition for %s", c.Descriptor, ref)
	}
	def := c.Def()
	for i := range def.DirectMethods {
		if def.DirectMethods[i].MethodIdx == ref.MethodIdx {
			return c, &def.DirectMethods[i], nil
		}
	}
	for i := range def.VirtualMethods {
		if def.VirtualMethods[i].MethodIdx == ref.MethodIdx {
			return c, &def.VirtualMethods[i], nil
		}
	}
	return nil, nil, errors.Errorf("rt: method %s not declared by %s", ref, c.Descriptor)
}

// AllocObject allocates an opaque heap handle of class c.
func (l *ClassLinker) AllocObject(c *Class) *Object {
	return &Object{Class: c, AllocIndex: atomic.AddUint64(&l.allocCounter, 1)}
}

// InitializeClass runs c's static initialization under tx: first the
// encoded initial values, then the Clinit hook if set. On error the caller
// owns the rollback.
func (l *ClassLinker) InitializeClass(c *Class, tx *Transaction) error {
	if !c.HasDef() {
		return nil
	}
	def := c.Def()
	for i, ev := range def.StaticValues {
		var v Value
		switch ev.Kind {
		case dex.EncodedNull:
			v = NullValue
		case dex.EncodedInt:
			v = IntValue(ev.Int)
		case dex.EncodedFloat:
			v = FloatValue(ev.Fp)
		case dex.EncodedString:
			v = StringValue(l.interns.Intern(ev.Str))
		}
		tx.WriteStatic(c, i, v)
	}
	if l.Clinit != nil {
		if err := l.Clinit(c, tx); err != nil {
			return errors.Wrapf(err, "<clinit> of %s", c.Descriptor)
		}
	}
	return nil
}
