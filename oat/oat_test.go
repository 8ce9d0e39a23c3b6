package oat

import (
	"bytes"
	"testing"

	"github.com/chazu/forge/aot"
	"github.com/chazu/forge/dex"
)

func sampleInputs() (*dex.DexFile, *aot.ClassStateTable, *aot.MethodTable) {
	b := dex.NewBuilder("app.dex")
	proto := b.Proto("V", "V")
	a := b.Method("LA;", "run", proto)
	c := b.Method("LB;", "run", proto)
	e := b.Method("LB;", "other", proto)
	body := &dex.CodeItem{RegistersSize: 1, Insns: []uint16{uint16(dex.OpReturnVoid)}}
	b.Class("LA;", "", dex.AccPublic).
		DirectMethod(dex.EncodedMethod{MethodIdx: a, AccessFlags: dex.AccStatic, Code: body}).
		Done()
	b.Class("LB;", "", dex.AccPublic).
		DirectMethod(dex.EncodedMethod{MethodIdx: c, AccessFlags: dex.AccStatic, Code: body}).
		DirectMethod(dex.EncodedMethod{MethodIdx: e, AccessFlags: dex.AccStatic, Code: body}).
		Done()
	d := b.Build()

	states := aot.NewClassStateTable([]*dex.DexFile{d}, nil)
	states.SetStatusAtLeast(dex.ClassRef{Dex: d, ClassDefIdx: 0}, aot.StatusVerified)
	states.SetStatusAtLeast(dex.ClassRef{Dex: d, ClassDefIdx: 1}, aot.StatusVisiblyInitialized)

	methods := aot.NewMethodTable(true)
	shared := []byte{1, 2, 3}
	methods.Insert(dex.MethodRef{Dex: d, MethodIdx: a}, &aot.CompiledMethod{Code: shared, FrameSizeBytes: 32})
	methods.Insert(dex.MethodRef{Dex: d, MethodIdx: c}, &aot.CompiledMethod{Code: shared, FrameSizeBytes: 32})
	methods.Insert(dex.MethodRef{Dex: d, MethodIdx: e}, &aot.CompiledMethod{Code: []byte{9}, FrameSizeBytes: 16})
	return d, states, methods
}

func TestWriteReadRoundTrip(t *testing.T) {
	d, states, methods := sampleInputs()
	var buf bytes.Buffer
	if err := Write(&buf, []*dex.DexFile{d}, states, methods); err != nil {
		t.Fatalf("write: %v", err)
	}
	f, err := Read(&buf)
	if err != nil {
		t.Fatalf("read: %v", err)
	}

	entry := f.FindDex("app.dex")
	if entry == nil {
		t.Fatalf("dex entry lost")
	}
	if entry.Checksum != d.Checksum {
		t.Errorf("checksum = %x, want %x", entry.Checksum, d.Checksum)
	}
	if len(entry.Statuses) != 2 ||
		entry.Statuses[0] != uint8(aot.StatusVerified) ||
		entry.Statuses[1] != uint8(aot.StatusVisiblyInitialized) {
		t.Errorf("statuses = %v", entry.Statuses)
	}

	// Identical artifacts share one blob.
	if len(f.Blobs) != 2 {
		t.Errorf("blob count = %d, want 2", len(f.Blobs))
	}
	blob := entry.FindMethod(0, f)
	if blob == nil || blob.FrameSizeBytes != 32 || !bytes.Equal(blob.Code, []byte{1, 2, 3}) {
		t.Errorf("method 0 blob = %+v", blob)
	}
	if entry.FindMethod(99, f) != nil {
		t.Errorf("bogus method found")
	}
	if len(entry.Methods) != 3 {
		t.Errorf("method entries = %d", len(entry.Methods))
	}
	// Dedup shares the blob index.
	if entry.Methods[0].BlobIdx != entry.Methods[1].BlobIdx {
		t.Errorf("shared artifact split into blobs %d and %d",
			entry.Methods[0].BlobIdx, entry.Methods[1].BlobIdx)
	}
}

func TestWriteDeterministic(t *testing.T) {
	emit := func() []byte {
		d, states, methods := sampleInputs()
		var buf bytes.Buffer
		if err := Write(&buf, []*dex.DexFile{d}, states, methods); err != nil {
			t.Fatalf("write: %v", err)
		}
		return buf.Bytes()
	}
	if !bytes.Equal(emit(), emit()) {
		t.Errorf("identical inputs produced different containers")
	}
}

func TestReadRejectsBadMagic(t *testing.T) {
	if _, err := Read(bytes.NewReader([]byte("nope0000"))); err == nil {
		t.Errorf("bad magic accepted")
	}
}

func TestReadRejectsTruncation(t *testing.T) {
	d, states, methods := sampleInputs()
	var buf bytes.Buffer
	if err := Write(&buf, []*dex.DexFile{d}, states, methods); err != nil {
		t.Fatal(err)
	}
	data := buf.Bytes()
	if _, err := Read(bytes.NewReader(data[:len(data)-3])); err == nil {
		t.Errorf("truncated container accepted")
	}
}

func TestReadRejectsWrongVersion(t *testing.T) {
	d, states, methods := sampleInputs()
	var buf bytes.Buffer
	if err := Write(&buf, []*dex.DexFile{d}, states, methods); err != nil {
		t.Fatal(err)
	}
	data := buf.Bytes()
	data[4]++ // bump the version field
	if _, err := Read(bytes.NewReader(data)); err == nil {
		t.Errorf("wrong version accepted")
	}
}
