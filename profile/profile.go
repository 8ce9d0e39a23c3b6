// Package profile holds profile-guided compilation data: which methods of
// which dex files are hot, used at startup, or merely present in the
// profile. The driver consumes it read-only to gate per-method work.
package profile

import (
	"fmt"
	"os"
	"sort"

	"github.com/fxamacker/cbor/v2"

	"github.com/chazu/forge/dex"
)

// Index identifies a dex file's slot inside a profile.
type Index uint8

// InvalidIndex marks a dex file absent from the profile.
const InvalidIndex Index = 0xff

// MaxDexFiles bounds the number of dex files one profile can cover.
const MaxDexFiles = 0xfe

// Method flag bits.
const (
	flagHot         uint8 = 1 << 0
	flagStartup     uint8 = 1 << 1
	flagPostStartup uint8 = 1 << 2
)

// dexEntry is one dex file's profile slice.
type dexEntry struct {
	Location string           `cbor:"1,keyasint"`
	Checksum uint64           `cbor:"2,keyasint"`
	Methods  map[uint32]uint8 `cbor:"3,keyasint"` // method idx -> flag bits
	Classes  map[uint32]bool  `cbor:"4,keyasint"` // type idx -> present
}

// Info is a loaded profile. Immutable after Load; the mutating methods are
// for the profiling side and for tests.
type Info struct {
	entries []*dexEntry
}

// NewInfo creates an empty profile.
func NewInfo() *Info {
	return &Info{}
}

// AddDexFile registers a dex file slot, or returns the existing one.
func (p *Info) AddDexFile(d *dex.DexFile) (Index, error) {
	if idx := p.FindDexFile(d); idx != InvalidIndex {
		return idx, nil
	}
	if len(p.entries) >= MaxDexFiles {
		return InvalidIndex, fmt.Errorf("profile: too many dex files (max %d)", MaxDexFiles)
	}
	p.entries = append(p.entries, &dexEntry{
		Location: d.Location,
		Checksum: d.Checksum,
		Methods:  make(map[uint32]uint8),
		Classes:  make(map[uint32]bool),
	})
	return Index(len(p.entries) - 1), nil
}

// FindDexFile returns the profile index for a dex file, or InvalidIndex.
// Location and checksum must both match; a stale profile is no profile.
func (p *Info) FindDexFile(d *dex.DexFile) Index {
	for i, e := range p.entries {
		if e.Location == d.Location && e.Checksum == d.Checksum {
			return Index(i)
		}
	}
	return InvalidIndex
}

// MarkHot flags a method hot (hot methods are implicitly in the profile).
func (p *Info) MarkHot(idx Index, methodIdx uint32) {
	p.entries[idx].Methods[methodIdx] |= flagHot
}

// MarkStartup flags a method as exercised during startup.
func (p *Info) MarkStartup(idx Index, methodIdx uint32) {
	p.entries[idx].Methods[methodIdx] |= flagStartup
}

// MarkPostStartup flags a method as exercised after startup.
func (p *Info) MarkPostStartup(idx Index, methodIdx uint32) {
	p.entries[idx].Methods[methodIdx] |= flagPostStartup
}

// MarkClass records a type as profile-resolved.
func (p *Info) MarkClass(idx Index, typeIdx uint32) {
	p.entries[idx].Classes[typeIdx] = true
}

// IsHotMethod reports whether the method is flagged hot.
func (p *Info) IsHotMethod(idx Index, methodIdx uint32) bool {
	return idx != InvalidIndex && p.entries[idx].Methods[methodIdx]&flagHot != 0
}

// IsStartupMethod reports whether the method is flagged startup.
func (p *Info) IsStartupMethod(idx Index, methodIdx uint32) bool {
	return idx != InvalidIndex && p.entries[idx].Methods[methodIdx]&flagStartup != 0
}

// IsMethodInProfile reports whether the method carries any flag.
func (p *Info) IsMethodInProfile(idx Index, methodIdx uint32) bool {
	return idx != InvalidIndex && p.entries[idx].Methods[methodIdx] != 0
}

// ContainsClass reports whether the type is profile-resolved.
func (p *Info) ContainsClass(idx Index, typeIdx uint32) bool {
	return idx != InvalidIndex && p.entries[idx].Classes[typeIdx]
}

// NumDexFiles returns the number of dex slots.
func (p *Info) NumDexFiles() int { return len(p.entries) }

// HotMethodCount counts hot methods across all dex files.
func (p *Info) HotMethodCount() int {
	n := 0
	for _, e := range p.entries {
		for _, flags := range e.Methods {
			if flags&flagHot != 0 {
				n++
			}
		}
	}
	return n
}

// SortedHotMethods returns the hot method indices of one dex slot in
// ascending order, for deterministic iteration.
func (p *Info) SortedHotMethods(idx Index) []uint32 {
	if idx == InvalidIndex {
		return nil
	}
	out := make([]uint32, 0, len(p.entries[idx].Methods))
	for m, flags := range p.entries[idx].Methods {
		if flags&flagHot != 0 {
			out = append(out, m)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// ---------------------------------------------------------------------------
// Serialization
// ---------------------------------------------------------------------------

// cborEncMode uses canonical options so profile bytes are deterministic.
var cborEncMode cbor.EncMode

func init() {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("profile: failed to create CBOR enc mode: %v", err))
	}
	cborEncMode = em
}

// Marshal serializes the profile to canonical CBOR.
func (p *Info) Marshal() ([]byte, error) {
	return cborEncMode.Marshal(p.entries)
}

// Unmarshal deserializes a profile.
func Unmarshal(data []byte) (*Info, error) {
	var entries []*dexEntry
	if err := cbor.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("profile: unmarshal: %w", err)
	}
	for _, e := range entries {
		if e.Methods == nil {
			e.Methods = make(map[uint32]uint8)
		}
		if e.Classes == nil {
			e.Classes = make(map[uint32]bool)
		}
	}
	return &Info{entries: entries}, nil
}

// LoadFile reads a profile from disk.
func LoadFile(path string) (*Info, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("profile: cannot read %s: %w", path, err)
	}
	return Unmarshal(data)
}

// SaveFile writes the profile to disk.
func (p *Info) SaveFile(path string) error {
	data, err := p.Marshal()
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}
