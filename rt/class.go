package rt

import "github.com/chazu/forge/dex"

// ---------------------------------------------------------------------------
// Class: resolved class handle
// ---------------------------------------------------------------------------

// Class is a resolved class handle. Compilation status is NOT stored here;
// the driver's class state table is the single source of truth for it.
type Class struct {
	Descriptor string
	Dex        *dex.DexFile
	ClassDefIdx uint32 // dex.NoIndex for array and primitive classes

	Superclass *Class
	Interfaces []*Class

	// Component is non-nil for array classes.
	Component *Class

	// Statics holds one slot per static field, in declaration order.
	Statics []Value

	// Primitive marks the built-in primitive types ("I", "J", ...).
	Primitive bool
}

// Ref returns the class's structural reference. Only valid for classes
// defined in a dex file.
func (c *Class) Ref() dex.ClassRef {
	return dex.ClassRef{Dex: c.Dex, ClassDefIdx: c.ClassDefIdx}
}

// HasDef reports whether the class has a dex class definition (arrays and
// primitives do not).
func (c *Class) HasDef() bool {
	return c.Dex != nil && c.ClassDefIdx != dex.NoIndex
}

// Def returns the class definition. Caller must check HasDef.
func (c *Class) Def() *dex.ClassDef {
	return &c.Dex.ClassDefs[c.ClassDefIdx]
}

// IsArray reports whether the class is an array class.
func (c *Class) IsArray() bool { return c.Component != nil }

// IsInterface reports whether the class is an interface.
func (c *Class) IsInterface() bool {
	return c.HasDef() && c.Def().AccessFlags&dex.AccInterface != 0
}

// NumEncodedStatics returns the number of statics with encoded initial
// values. The initializer refuses pathological classes above a cap.
func (c *Class) NumEncodedStatics() int {
	if !c.HasDef() {
		return 0
	}
	return len(c.Def().StaticValues)
}
