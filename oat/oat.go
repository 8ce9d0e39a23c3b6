// Package oat writes and reads the compiled-output container: per-dex
// class statuses in class-def order plus deduplicated code artifacts.
// The layout is deterministic (two runs over identical inputs produce
// identical bytes) and the encoding is a hard compatibility surface with
// whatever loads it.
package oat

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/chazu/forge/aot"
	"github.com/chazu/forge/dex"
)

// Magic and version open every container.
var Magic = [4]byte{'f', 'o', 'a', 't'}

// Version is bumped on any layout change.
const Version uint32 = 3

// File is a decoded container.
type File struct {
	DexEntries []DexEntry
	// Blobs holds distinct code artifacts in first-reference order.
	Blobs []Blob
}

// DexEntry is one dex file's section.
type DexEntry struct {
	Location string
	Checksum uint64
	// Statuses is indexed by class def, encoded as aot.ClassStatus.
	Statuses []uint8
	// Methods maps method index to blob index, in ascending method order.
	Methods []MethodEntry
}

// MethodEntry binds a method to its code blob.
type MethodEntry struct {
	MethodIdx uint32
	BlobIdx   uint32
}

// Blob is one distinct compiled artifact.
type Blob struct {
	FrameSizeBytes uint32
	CoreSpillMask  uint32
	FpSpillMask    uint32
	Code           []byte
}

// ---------------------------------------------------------------------------
// Writing
// ---------------------------------------------------------------------------

// Write serializes the driver's committed results for the given dex files.
func Write(w io.Writer, files []*dex.DexFile, states *aot.ClassStateTable, methods *aot.MethodTable) error {
	f := build(files, states, methods)
	return f.encode(w)
}

// build assembles the container image in memory.
func build(files []*dex.DexFile, states *aot.ClassStateTable, methods *aot.MethodTable) *File {
	f := &File{}
	blobIdx := make(map[*aot.CompiledMethod]uint32)

	// Method visitation is already deterministic (location, then index);
	// blob numbering inherits that order.
	perDex := make(map[*dex.DexFile][]MethodEntry)
	methods.Visit(func(ref dex.MethodRef, m *aot.CompiledMethod) {
		idx, ok := blobIdx[m]
		if !ok {
			idx = uint32(len(f.Blobs))
			blobIdx[m] = idx
			f.Blobs = append(f.Blobs, Blob{
				FrameSizeBytes: m.FrameSizeBytes,
				CoreSpillMask:  m.CoreSpillMask,
				FpSpillMask:    m.FpSpillMask,
				Code:           m.Code,
			})
		}
		perDex[ref.Dex] = append(perDex[ref.Dex], MethodEntry{MethodIdx: ref.MethodIdx, BlobIdx: idx})
	})

	for _, d := range files {
		entry := DexEntry{
			Location: d.Location,
			Checksum: d.Checksum,
			Statuses: make([]uint8, d.NumClassDefs()),
			Methods:  perDex[d],
		}
		for i := 0; i < d.NumClassDefs(); i++ {
			ref := dex.ClassRef{Dex: d, ClassDefIdx: uint32(i)}
			entry.Statuses[i] = uint8(states.Get(ref))
		}
		f.DexEntries = append(f.DexEntries, entry)
	}
	return f
}

func (f *File) encode(w io.Writer) error {
	var buf bytes.Buffer
	buf.Write(Magic[:])
	writeU32(&buf, Version)

	writeU32(&buf, uint32(len(f.DexEntries)))
	for _, e := range f.DexEntries {
		writeStr(&buf, e.Location)
		writeU64(&buf, e.Checksum)
		writeU32(&buf, uint32(len(e.Statuses)))
		buf.Write(e.Statuses)
		writeU32(&buf, uint32(len(e.Methods)))
		for _, m := range e.Methods {
			writeU32(&buf, m.MethodIdx)
			writeU32(&buf, m.BlobIdx)
		}
	}

	writeU32(&buf, uint32(len(f.Blobs)))
	for _, b := range f.Blobs {
		writeU32(&buf, b.FrameSizeBytes)
		writeU32(&buf, b.CoreSpillMask)
		writeU32(&buf, b.FpSpillMask)
		writeU32(&buf, uint32(len(b.Code)))
		buf.Write(b.Code)
	}

	_, err := w.Write(buf.Bytes())
	return err
}

// ---------------------------------------------------------------------------
// Reading
// ---------------------------------------------------------------------------

// Read decodes a container.
func Read(r io.Reader) (*File, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("oat: read: %w", err)
	}
	d := &decoder{data: data}

	var magic [4]byte
	copy(magic[:], d.bytes(4))
	if magic != Magic {
		return nil, fmt.Errorf("oat: bad magic %q", magic)
	}
	if v := d.u32(); v != Version {
		return nil, fmt.Errorf("oat: version %d, want %d", v, Version)
	}

	f := &File{}
	for range d.u32() {
		e := DexEntry{Location: d.str(), Checksum: d.u64()}
		e.Statuses = append([]uint8(nil), d.bytes(int(d.u32()))...)
		for range d.u32() {
			e.Methods = append(e.Methods, MethodEntry{MethodIdx: d.u32(), BlobIdx: d.u32()})
		}
		f.DexEntries = append(f.DexEntries, e)
	}
	for range d.u32() {
		b := Blob{FrameSizeBytes: d.u32(), CoreSpillMask: d.u32(), FpSpillMask: d.u32()}
		b.Code = append([]byte(nil), d.bytes(int(d.u32()))...)
		f.Blobs = append(f.Blobs, b)
	}
	if d.err != nil {
		return nil, d.err
	}
	return f, nil
}

// FindDex returns the entry for a location, or nil.
func (f *File) FindDex(location string) *DexEntry {
	for i := range f.DexEntries {
		if f.DexEntries[i].Location == location {
			return &f.DexEntries[i]
		}
	}
	return nil
}

// FindMethod returns the blob for a method index, or nil.
func (e *DexEntry) FindMethod(methodIdx uint32, f *File) *Blob {
	for _, m := range e.Methods {
		if m.MethodIdx == methodIdx {
			return &f.Blobs[m.BlobIdx]
		}
	}
	return nil
}

// ---------------------------------------------------------------------------
// Encoding primitives
// ---------------------------------------------------------------------------

func writeU32(buf *bytes.Buffer, v uint32) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	buf.Write(b[:])
}

func writeU64(buf *bytes.Buffer, v uint64) {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	buf.Write(b[:])
}

func writeStr(buf *bytes.Buffer, s string) {
	writeU32(buf, uint32(len(s)))
	buf.WriteString(s)
}

type decoder struct {
	data []byte
	off  int
	err  error
}

func (d *decoder) bytes(n int) []byte {
	if d.err != nil || d.off+n > len(d.data) {
		if d.err == nil {
			d.err = fmt.Errorf("oat: truncated at offset %d", d.off)
		}
		return make([]byte, n)
	}
	out := d.data[d.off : d.off+n]
	d.off += n
	return out
}

func (d *decoder) u32() uint32 { return binary.LittleEndian.Uint32(d.bytes(4)) }
func (d *decoder) u64() uint64 { return binary.LittleEndian.Uint64(d.bytes(8)) }
func (d *decoder) str() string { return string(d.bytes(int(d.u32()))) }
