package dex

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// ---------------------------------------------------------------------------
// Snapshot serialization
// ---------------------------------------------------------------------------

// A snapshot is the CBOR form of a DexFile's id pools and class defs. It is
// what the build tooling hands the driver; raw container parsing happens
// upstream.

var cborEncMode cbor.EncMode

func init() {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("dex: failed to create CBOR enc mode: %v", err))
	}
	cborEncMode = em
}

// MarshalSnapshot serializes the file to canonical CBOR. The checksum is
// not stored; sealing recomputes it on load.
func (d *DexFile) MarshalSnapshot() ([]byte, error) {
	return cborEncMode.Marshal(d)
}

// UnmarshalSnapshot deserializes a snapshot and seals the resulting file.
func UnmarshalSnapshot(data []byte) (*DexFile, error) {
	d := &DexFile{}
	if err := cbor.Unmarshal(data, d); err != nil {
		return nil, fmt.Errorf("dex: snapshot decode: %w", err)
	}
	if d.Location == "" {
		return nil, fmt.Errorf("dex: snapshot has no location")
	}
	d.seal()
	return d, nil
}
