// Package abi implements the quick calling-convention bridge: the
// architecture-parameterized argument visitor that walks a saved register
// frame by method shorty, and the generic native-call frame builder that
// translates to the foreign calling convention.
//
// Marshalling failures in this package are invariant violations (a shorty
// disagreeing with its call site), so they panic; nothing here returns an
// error.
package abi

import "fmt"

// ---------------------------------------------------------------------------
// Shorty
// ---------------------------------------------------------------------------

// Shorty encodes a method signature compactly: the return type character
// first, then one character per parameter. Characters: V void, Z boolean,
// B byte, S short, C char, I int, J long, F float, D double, L reference.
type Shorty string

// ParamKind classifies one shorty slot for marshalling purposes.
type ParamKind uint8

const (
	KindReference ParamKind = iota
	KindInt                 // Z, B, S, C, I
	KindLong
	KindFloat
	KindDouble
	KindVoid
)

// KindOf maps a shorty character to its kind. Unknown characters are a
// broken contract.
func KindOf(c byte) ParamKind {
	switch c {
	case 'L':
		return KindReference
	case 'Z', 'B', 'S', 'C', 'I':
		return KindInt
	case 'J':
		return KindLong
	case 'F':
		return KindFloat
	case 'D':
		return KindDouble
	case 'V':
		return KindVoid
	default:
		panic(fmt.Sprintf("abi: invalid shorty character %q", c))
	}
}

// IsWide reports whether the kind occupies 64 bits.
func (k ParamKind) IsWide() bool { return k == KindLong || k == KindDouble }

// IsFP reports whether the kind is floating point.
func (k ParamKind) IsFP() bool { return k == KindFloat || k == KindDouble }

// Validate checks the shorty's well-formedness.
func (s Shorty) Validate() error {
	if len(s) == 0 {
		return fmt.Errorf("abi: empty shorty")
	}
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case 'V':
			if i != 0 {
				return fmt.Errorf("abi: void parameter in shorty %q", s)
			}
		case 'Z', 'B', 'S', 'C', 'I', 'J', 'F', 'D', 'L':
		default:
			return fmt.Errorf("abi: invalid character %q in shorty %q", s[i], s)
		}
	}
	return nil
}

// ReturnKind returns the kind of the return slot.
func (s Shorty) ReturnKind() ParamKind { return KindOf(s[0]) }

// Params returns the parameter characters (everything after the return).
func (s Shorty) Params() string { return string(s[1:]) }

// NumParams returns the number of formal parameters.
func (s Shorty) NumParams() int { return len(s) - 1 }

// NumRefParams counts reference parameters.
func (s Shorty) NumRefParams() int {
	n := 0
	for i := 1; i < len(s); i++ {
		if s[i] == 'L' {
			n++
		}
	}
	return n
}
