package aot

import (
	"fmt"
	"sort"
	"sync"

	"github.com/fxamacker/cbor/v2"

	"github.com/chazu/forge/dex"
)

// ---------------------------------------------------------------------------
// VerifierDeps: recorded verification verdicts
// ---------------------------------------------------------------------------

// VerifierDeps records per-class verification verdicts keyed by dex
// identity. A prior run's record, when valid for the current dex set and
// not output-only, lets the verify phase replay statuses without
// re-verifying.
type VerifierDeps struct {
	mu sync.Mutex

	// OutputOnly marks a record produced for output inspection only;
	// replaying it is not allowed.
	OutputOnly bool

	entries map[string]*depsFileEntry // keyed by dex location
}

type depsFileEntry struct {
	Location string           `cbor:"1,keyasint"`
	Checksum uint64           `cbor:"2,keyasint"`
	Verdicts map[uint32]uint8 `cbor:"3,keyasint"` // class def idx -> FailureKind
}

type depsWire struct {
	OutputOnly bool             `cbor:"1,keyasint"`
	Files      []*depsFileEntry `cbor:"2,keyasint"`
}

// NewVerifierDeps creates an empty record for the given dex set.
func NewVerifierDeps(files []*dex.DexFile) *VerifierDeps {
	d := &VerifierDeps{entries: make(map[string]*depsFileEntry, len(files))}
	for _, f := range files {
		d.entries[f.Location] = &depsFileEntry{
			Location: f.Location,
			Checksum: f.Checksum,
			Verdicts: make(map[uint32]uint8),
		}
	}
	return d
}

// RecordVerdict stores the verdict for a class. Unknown dex files are
// ignored; only the being-compiled set is recorded.
func (d *VerifierDeps) RecordVerdict(ref dex.ClassRef, kind FailureKind) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if e, ok := d.entries[ref.Dex.Location]; ok {
		e.Verdicts[ref.ClassDefIdx] = uint8(kind)
	}
}

// Verdict returns the recorded verdict for a class, if any.
func (d *VerifierDeps) Verdict(ref dex.ClassRef) (FailureKind, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	e, ok := d.entries[ref.Dex.Location]
	if !ok {
		return NoFailure, false
	}
	v, ok := e.Verdicts[ref.ClassDefIdx]
	return FailureKind(v), ok
}

// ValidFor reports whether the record covers exactly the given dex files
// with matching checksums. A stale record must not be replayed.
func (d *VerifierDeps) ValidFor(files []*dex.DexFile) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.entries) != len(files) {
		return false
	}
	for _, f := range files {
		e, ok := d.entries[f.Location]
		if !ok || e.Checksum != f.Checksum {
			return false
		}
	}
	return true
}

// Marshal serializes the record to canonical CBOR.
func (d *VerifierDeps) Marshal() ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		return nil, fmt.Errorf("aot: CBOR enc mode: %w", err)
	}
	wire := depsWire{OutputOnly: d.OutputOnly}
	for _, e := range d.entries {
		wire.Files = append(wire.Files, e)
	}
	sort.Slice(wire.Files, func(i, j int) bool {
		return wire.Files[i].Location < wire.Files[j].Location
	})
	return em.Marshal(&wire)
}

// UnmarshalVerifierDeps deserializes a record.
func UnmarshalVerifierDeps(data []byte) (*VerifierDeps, error) {
	var wire depsWire
	if err := cbor.Unmarshal(data, &wire); err != nil {
		return nil, fmt.Errorf("aot: unmarshal verifier deps: %w", err)
	}
	d := &VerifierDeps{OutputOnly: wire.OutputOnly, entries: make(map[string]*depsFileEntry, len(wire.Files))}
	for _, e := range wire.Files {
		if e.Verdicts == nil {
			e.Verdicts = make(map[uint32]uint8)
		}
		d.entries[e.Location] = e
	}
	return d, nil
}
