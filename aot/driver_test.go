package aot

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/chazu/forge/dex"
	"github.com/chazu/forge/profile"
	"github.com/chazu/forge/rt"
)

// ---------------------------------------------------------------------------
// Fake collaborators
// ---------------------------------------------------------------------------

// fakeVerifier returns a configured verdict per descriptor, NoFailure
// otherwise, and counts its invocations.
type fakeVerifier struct {
	mu       sync.Mutex
	verdicts map[string]FailureKind
	calls    int
}

func (v *fakeVerifier) VerifyClass(c *rt.Class, _ *VerifierDeps) FailureKind {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.calls++
	return v.verdicts[c.Descriptor]
}

func (v *fakeVerifier) callCount() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.calls
}

// fakeBackend emits one-byte-tagged artifacts derived from the method
// body, so identical bodies dedup and distinct ones do not.
type fakeBackend struct {
	declineNative bool
}

func (b *fakeBackend) Compile(_ dex.MethodRef, m *dex.EncodedMethod, shorty string) *CompiledMethod {
	if m.Code == nil {
		return nil
	}
	code := []byte{'M', byte(len(shorty))}
	for _, u := range m.Code.Insns {
		code = append(code, byte(u), byte(u>>8))
	}
	return &CompiledMethod{Code: code, FrameSizeBytes: 32, CoreSpillMask: 0x4ff0}
}

func (b *fakeBackend) JniCompile(_ dex.MethodRef, m *dex.EncodedMethod, shorty string) *CompiledMethod {
	if b.declineNative {
		return nil
	}
	code := []byte{'N', byte(len(shorty))}
	if m.CriticalNative {
		code = append(code, 1)
	}
	return &CompiledMethod{Code: code, FrameSizeBytes: 16}
}

// ---------------------------------------------------------------------------
// Test inputs
// ---------------------------------------------------------------------------

const retVoid = uint16(dex.OpReturnVoid)

// appDex builds a small application: Object, an App class with three
// bytecode methods (one loading a string constant), a native method, and
// a class whose superclass does not exist.
func appDex() *dex.DexFile {
	b := dex.NewBuilder("app.dex")
	protoV := b.Proto("V", "V")
	protoIV := b.Proto("VI", "V", "I")

	b.Class("Ljava/lang/Object;", "", dex.AccPublic).Done()

	greetIdx := b.String("hello")
	main := b.Method("LApp;", "main", protoV)
	util := b.Method("LApp;", "util", protoIV)
	cold := b.Method("LApp;", "cold", protoV)
	body := func(insns ...uint16) *dex.CodeItem {
		return &dex.CodeItem{RegistersSize: 2, Insns: insns}
	}
	b.Class("LApp;", "Ljava/lang/Object;", dex.AccPublic).
		StaticField("flag", "I", dex.EncodedValue{Kind: dex.EncodedInt, Int: 3}).
		DirectMethod(dex.EncodedMethod{
			MethodIdx:   main,
			AccessFlags: dex.AccPublic | dex.AccStatic,
			Code:        body(uint16(dex.OpConstString), uint16(greetIdx), retVoid),
		}).
		DirectMethod(dex.EncodedMethod{
			MethodIdx:   util,
			AccessFlags: dex.AccPublic | dex.AccStatic,
			Code:        body(retVoid),
		}).
		VirtualMethod(dex.EncodedMethod{
			MethodIdx:   cold,
			AccessFlags: dex.AccPublic,
			Code:        body(retVoid),
		}).
		Done()

	native := b.Method("LNat;", "sum", protoIV)
	b.Class("LNat;", "Ljava/lang/Object;", dex.AccPublic).
		DirectMethod(dex.EncodedMethod{
			MethodIdx:   native,
			AccessFlags: dex.AccPublic | dex.AccStatic | dex.AccNative,
		}).
		Done()

	b.Class("LBroken;", "LMissing;", dex.AccPublic).Done()
	return b.Build()
}

func classRefOf(d *dex.DexFile, descriptor string) dex.ClassRef {
	for i := range d.ClassDefs {
		if d.TypeDescriptor(d.ClassDefs[i].ClassIdx) == descriptor {
			return dex.ClassRef{Dex: d, ClassDefIdx: uint32(i)}
		}
	}
	panic("no class " + descriptor)
}

func methodRefOf(d *dex.DexFile, name string) dex.MethodRef {
	for i := range d.Methods {
		if d.MethodName(uint32(i)) == name {
			return dex.MethodRef{Dex: d, MethodIdx: uint32(i)}
		}
	}
	panic("no method " + name)
}

func testConfig(d *dex.DexFile, opts *Options) DriverConfig {
	if opts == nil {
		opts = DefaultOptions()
		opts.Threads = 4
	}
	return DriverConfig{
		Options:  opts,
		DexFiles: []*dex.DexFile{d},
		Linker:   rt.NewClassLinker([]*dex.DexFile{d}, rt.NewInternTable()),
		Verifier: &fakeVerifier{},
		Backend:  &fakeBackend{},
	}
}

func mustRun(t *testing.T, cfg DriverConfig) *Driver {
	t.Helper()
	d, err := NewDriver(cfg)
	if err != nil {
		t.Fatalf("new driver: %v", err)
	}
	if err := d.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}
	return d
}

// ---------------------------------------------------------------------------
// Pipeline tests
// ---------------------------------------------------------------------------

func TestRunCompilesVerifiedClasses(t *testing.T) {
	dx := appDex()
	drv := mustRun(t, testConfig(dx, nil))

	for _, desc := range []string{"Ljava/lang/Object;", "LApp;", "LNat;"} {
		if got := drv.ClassStates().Get(classRefOf(dx, desc)); got != StatusVerified {
			t.Errorf("%s = %v, want verified", desc, got)
		}
	}
	for _, name := range []string{"main", "util", "cold", "sum"} {
		if _, ok := drv.Methods().Get(methodRefOf(dx, name)); !ok {
			t.Errorf("method %s not compiled", name)
		}
	}
	c := drv.Stats().Snapshot()
	if c.MethodsCompiled != 3 || c.JniStubsCompiled != 1 {
		t.Errorf("compiled %d methods, %d stubs", c.MethodsCompiled, c.JniStubsCompiled)
	}
}

func TestRunRecordsResolutionFailure(t *testing.T) {
	dx := appDex()
	drv := mustRun(t, testConfig(dx, nil))

	if got := drv.ClassStates().Get(classRefOf(dx, "LBroken;")); got != StatusErrorUnresolved {
		t.Errorf("LBroken; = %v, want error-unresolved", got)
	}
	if c := drv.Stats().Snapshot(); c.TypesUnresolved == 0 {
		t.Errorf("no unresolved types counted")
	}
}

func TestHardFailureAbortsBuild(t *testing.T) {
	dx := appDex()
	cfg := testConfig(dx, nil)
	cfg.Verifier = &fakeVerifier{verdicts: map[string]FailureKind{"LApp;": HardFailure}}

	drv, err := NewDriver(cfg)
	if err != nil {
		t.Fatal(err)
	}
	if err := drv.Run(context.Background()); err == nil {
		t.Fatalf("hard failure did not abort")
	}
	if got := drv.ClassStates().Get(classRefOf(dx, "LApp;")); got != StatusErrorResolved {
		t.Errorf("LApp; = %v, want error-resolved", got)
	}
}

func TestHardFailureToleratedAboveThreshold(t *testing.T) {
	dx := appDex()
	opts := DefaultOptions()
	opts.Threads = 2
	opts.AbortOnHardVerifierFailure = false
	cfg := testConfig(dx, opts)
	cfg.Verifier = &fakeVerifier{verdicts: map[string]FailureKind{"LApp;": HardFailure}}

	drv := mustRun(t, cfg)
	if _, ok := drv.Methods().Get(methodRefOf(dx, "main")); ok {
		t.Errorf("method of a hard-failed class was compiled")
	}
	// The healthy native class still compiles.
	if _, ok := drv.Methods().Get(methodRefOf(dx, "sum")); !ok {
		t.Errorf("unrelated class dragged down")
	}
}

func TestSoftFailureDefersClass(t *testing.T) {
	dx := appDex()
	cfg := testConfig(dx, nil)
	cfg.Verifier = &fakeVerifier{verdicts: map[string]FailureKind{"LApp;": SoftFailure}}

	drv := mustRun(t, cfg)
	if got := drv.ClassStates().Get(classRefOf(dx, "LApp;")); got != StatusRetryVerificationAtRuntime {
		t.Errorf("LApp; = %v", got)
	}
	if _, ok := drv.Methods().Get(methodRefOf(dx, "main")); ok {
		t.Errorf("soft-failed class was compiled")
	}
}

func TestAccessChecksFailureStillCompiles(t *testing.T) {
	dx := appDex()
	cfg := testConfig(dx, nil)
	cfg.Verifier = &fakeVerifier{verdicts: map[string]FailureKind{"LApp;": AccessChecksFailure}}

	drv := mustRun(t, cfg)
	if got := drv.ClassStates().Get(classRefOf(dx, "LApp;")); got != StatusVerifiedNeedsAccessChecks {
		t.Errorf("LApp; = %v", got)
	}
	if _, ok := drv.Methods().Get(methodRefOf(dx, "main")); !ok {
		t.Errorf("needs-access-checks class was not compiled")
	}
}

func TestTypeChecksFailureLeavesStatus(t *testing.T) {
	dx := appDex()
	cfg := testConfig(dx, nil)
	cfg.Verifier = &fakeVerifier{verdicts: map[string]FailureKind{"LApp;": TypeChecksFailure}}

	drv := mustRun(t, cfg)
	if got := drv.ClassStates().Get(classRefOf(dx, "LApp;")); got != StatusResolved {
		t.Errorf("LApp; = %v, want resolved untouched", got)
	}
	if c := drv.Stats().Snapshot(); c.TypeChecksDeferred != 1 {
		t.Errorf("deferred = %d", c.TypeChecksDeferred)
	}
}

func TestSoftFailureThresholdFatal(t *testing.T) {
	dx := appDex()
	opts := DefaultOptions()
	opts.Threads = 1
	opts.SoftVerifierFailureThreshold = 0
	cfg := testConfig(dx, opts)
	cfg.Verifier = &fakeVerifier{verdicts: map[string]FailureKind{"LApp;": SoftFailure}}

	drv, err := NewDriver(cfg)
	if err != nil {
		t.Fatal(err)
	}
	if err := drv.Run(context.Background()); err == nil {
		t.Fatalf("soft threshold breach did not abort")
	}
}

func TestAssumeVerifiedSkipsVerifierAndBackend(t *testing.T) {
	dx := appDex()
	opts := DefaultOptions()
	opts.Threads = 2
	opts.Filter = FilterAssumeVerified
	cfg := testConfig(dx, opts)
	v := &fakeVerifier{}
	cfg.Verifier = v

	drv := mustRun(t, cfg)
	if v.callCount() != 0 {
		t.Errorf("verifier ran %d times under assume-verified", v.callCount())
	}
	if got := drv.ClassStates().Get(classRefOf(dx, "LApp;")); got != StatusVerified {
		t.Errorf("LApp; = %v, want stamped verified", got)
	}
	// Erroneous classes must not be stamped.
	if got := drv.ClassStates().Get(classRefOf(dx, "LBroken;")); got != StatusErrorUnresolved {
		t.Errorf("LBroken; = %v", got)
	}
	if drv.Methods().Size() != 0 {
		t.Errorf("%d methods compiled under assume-verified", drv.Methods().Size())
	}
}

func TestVerifyFilterCompilesNothing(t *testing.T) {
	dx := appDex()
	opts := DefaultOptions()
	opts.Threads = 2
	opts.Filter = FilterVerify
	drv := mustRun(t, testConfig(dx, opts))

	if got := drv.ClassStates().Get(classRefOf(dx, "LApp;")); got != StatusVerified {
		t.Errorf("LApp; = %v", got)
	}
	if drv.Methods().Size() != 0 {
		t.Errorf("%d methods compiled under verify filter", drv.Methods().Size())
	}
}

func TestSpeedProfileCompilesOnlyHotMethods(t *testing.T) {
	dx := appDex()
	prof := profile.NewInfo()
	idx, err := prof.AddDexFile(dx)
	if err != nil {
		t.Fatal(err)
	}
	prof.MarkHot(idx, methodRefOf(dx, "main").MethodIdx)

	opts := DefaultOptions()
	opts.Threads = 2
	opts.Filter = FilterSpeedProfile
	cfg := testConfig(dx, opts)
	cfg.Profile = prof

	drv := mustRun(t, cfg)
	if _, ok := drv.Methods().Get(methodRefOf(dx, "main")); !ok {
		t.Errorf("hot method not compiled")
	}
	for _, name := range []string{"util", "cold"} {
		if _, ok := drv.Methods().Get(methodRefOf(dx, name)); ok {
			t.Errorf("cold method %s compiled under speed-profile", name)
		}
	}
	// Native stubs bypass profile gating.
	if _, ok := drv.Methods().Get(methodRefOf(dx, "sum")); !ok {
		t.Errorf("native stub gated by profile")
	}
}

func TestProfileFilterWithoutProfileCompilesNothing(t *testing.T) {
	dx := appDex()
	opts := DefaultOptions()
	opts.Threads = 2
	opts.Filter = FilterSpeedProfile
	drv := mustRun(t, testConfig(dx, opts))

	for _, name := range []string{"main", "util", "cold"} {
		if _, ok := drv.Methods().Get(methodRefOf(dx, name)); ok {
			t.Errorf("%s compiled without a profile", name)
		}
	}
}

func TestNativeStubCacheReused(t *testing.T) {
	dx := appDex()
	cached := &CompiledMethod{Code: []byte{'C'}, FrameSizeBytes: 16}
	cfg := testConfig(dx, nil)
	cfg.StubCache = stubCacheFunc(func(shorty string, critical bool) *CompiledMethod {
		if shorty == "VI" && !critical {
			return cached
		}
		return nil
	})

	drv := mustRun(t, cfg)
	got, ok := drv.Methods().Get(methodRefOf(dx, "sum"))
	if !ok || got != cached {
		t.Errorf("cached stub not reused")
	}
	if c := drv.Stats().Snapshot(); c.JniStubsReused != 1 || c.JniStubsCompiled != 0 {
		t.Errorf("reused=%d compiled=%d", c.JniStubsReused, c.JniStubsCompiled)
	}
}

type stubCacheFunc func(shorty string, critical bool) *CompiledMethod

func (f stubCacheFunc) FindNativeStub(shorty string, critical bool) *CompiledMethod {
	return f(shorty, critical)
}

func TestNativeFallbackWhenBackendDeclines(t *testing.T) {
	dx := appDex()
	cfg := testConfig(dx, nil)
	cfg.Backend = &fakeBackend{declineNative: true}

	drv := mustRun(t, cfg)
	if _, ok := drv.Methods().Get(methodRefOf(dx, "sum")); ok {
		t.Errorf("declined native got an artifact")
	}
	if c := drv.Stats().Snapshot(); c.NativeFallbacks != 1 {
		t.Errorf("fallbacks = %d", c.NativeFallbacks)
	}
}

func TestVerifierDepsReplay(t *testing.T) {
	dx := appDex()
	first := mustRun(t, testConfig(dx, nil))

	data, err := first.RecordedDeps().Marshal()
	if err != nil {
		t.Fatal(err)
	}
	prior, err := UnmarshalVerifierDeps(data)
	if err != nil {
		t.Fatal(err)
	}

	cfg := testConfig(dx, nil)
	v := &fakeVerifier{}
	cfg.Verifier = v
	cfg.PriorDeps = prior
	second := mustRun(t, cfg)

	if v.callCount() != 0 {
		t.Errorf("verifier ran %d times during replay", v.callCount())
	}
	if got := second.ClassStates().Get(classRefOf(dx, "LApp;")); got != StatusVerified {
		t.Errorf("replayed LApp; = %v", got)
	}
	if c := second.Stats().Snapshot(); c.VerifyFastPathReplayed == 0 {
		t.Errorf("no replays counted")
	}
}

func TestOutputOnlyDepsNotReplayed(t *testing.T) {
	dx := appDex()
	first := mustRun(t, testConfig(dx, nil))
	data, _ := first.RecordedDeps().Marshal()
	prior, _ := UnmarshalVerifierDeps(data)
	prior.OutputOnly = true

	cfg := testConfig(dx, nil)
	v := &fakeVerifier{}
	cfg.Verifier = v
	cfg.PriorDeps = prior
	mustRun(t, cfg)
	if v.callCount() == 0 {
		t.Errorf("output-only record was replayed")
	}
}

func TestNewDriverValidation(t *testing.T) {
	dx := appDex()
	cases := []func(*DriverConfig){
		func(c *DriverConfig) { c.DexFiles = nil },
		func(c *DriverConfig) { c.Linker = nil },
		func(c *DriverConfig) { c.Verifier = nil },
		func(c *DriverConfig) { c.Backend = nil },
		func(c *DriverConfig) { c.Options = &Options{Threads: 0} },
	}
	for i, mutate := range cases {
		cfg := testConfig(dx, nil)
		mutate(&cfg)
		if _, err := NewDriver(cfg); err == nil {
			t.Errorf("case %d: invalid config accepted", i)
		}
	}
}

func TestRunCancellation(t *testing.T) {
	dx := appDex()
	drv, err := NewDriver(testConfig(dx, nil))
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := drv.Run(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
}

// ---------------------------------------------------------------------------
// Image mode
// ---------------------------------------------------------------------------

func imageOptions() *Options {
	o := DefaultOptions()
	o.Threads = 1
	o.ForceDeterminism = true
	o.Image = true
	o.ImageClasses = []string{"LApp;", "LNat;"}
	return o
}

func TestImageClosureAndInitialization(t *testing.T) {
	dx := appDex()
	cfg := testConfig(dx, imageOptions())
	drv := mustRun(t, cfg)

	// The closure pulls the superclass in.
	if !drv.ImageClasses()["Ljava/lang/Object;"] {
		t.Errorf("closure missed the superclass")
	}
	// Image classes were eagerly initialized and published.
	if got := drv.ClassStates().Get(classRefOf(dx, "LApp;")); got != StatusVisiblyInitialized {
		t.Errorf("LApp; = %v, want visibly-initialized", got)
	}
	app := cfg.Linker.LookupClass("LApp;")
	if app == nil || !app.Statics[0].Equal(rt.IntValue(3)) {
		t.Errorf("encoded static not applied: %+v", app.Statics)
	}
	// The deterministic const-string pass interned the literal.
	if !cfg.Linker.Interns().Contains("hello") {
		t.Errorf("const-string not eagerly interned")
	}
}

func TestDefaultMethodInterfaceInitializesBeforeImplementer(t *testing.T) {
	b := dex.NewBuilder("iface.dex")
	protoV := b.Proto("V", "V")
	b.Class("Ljava/lang/Object;", "", dex.AccPublic).Done()
	b.Class("LConstants;", "Ljava/lang/Object;", dex.AccPublic|dex.AccInterface|dex.AccAbstract).
		StaticField("MAX", "I", dex.EncodedValue{Kind: dex.EncodedInt, Int: 9}).
		Done()
	b.Class("LImpl;", "Ljava/lang/Object;", dex.AccPublic).
		Interface("LDefaulted;").
		Interface("LConstants;").
		Done()
	run := b.Method("LDefaulted;", "run", protoV)
	b.Class("LDefaulted;", "Ljava/lang/Object;", dex.AccPublic|dex.AccInterface|dex.AccAbstract).
		VirtualMethod(dex.EncodedMethod{
			MethodIdx:   run,
			AccessFlags: dex.AccPublic,
			Code:        &dex.CodeItem{RegistersSize: 1, Insns: []uint16{retVoid}},
		}).
		Done()
	dx := b.Build()

	opts := imageOptions()
	opts.ImageClasses = []string{"LImpl;"}
	cfg := testConfig(dx, opts)
	var order []string
	cfg.Linker.Clinit = func(c *rt.Class, tx *rt.Transaction) error {
		order = append(order, c.Descriptor)
		return nil
	}
	drv := mustRun(t, cfg)

	pos := func(desc string) int {
		for i, d := range order {
			if d == desc {
				return i
			}
		}
		t.Fatalf("%s never initialized (order %v)", desc, order)
		return -1
	}
	// LDefaulted; carries a default method, so it initializes with its
	// implementer and ahead of it, even though its class def comes last
	// in the file.
	if pos("LDefaulted;") > pos("LImpl;") {
		t.Errorf("clinit order %v: implementer ran before its default-method interface", order)
	}
	if got := drv.ClassStates().Get(classRefOf(dx, "LDefaulted;")); got != StatusVisiblyInitialized {
		t.Errorf("LDefaulted; = %v, want visibly-initialized", got)
	}
}

func TestThrowingClinitRollsBack(t *testing.T) {
	dx := appDex()
	cfg := testConfig(dx, imageOptions())
	boom := errors.New("clinit threw")
	cfg.Linker.Clinit = func(c *rt.Class, tx *rt.Transaction) error {
		if c.Descriptor == "LApp;" {
			tx.WriteStatic(c, 0, rt.IntValue(99))
			return boom
		}
		return nil
	}
	drv := mustRun(t, cfg)

	if got := drv.ClassStates().Get(classRefOf(dx, "LApp;")); got != StatusSuperclassValidated {
		t.Errorf("LApp; = %v, want stuck at superclass-validated", got)
	}
	app := cfg.Linker.LookupClass("LApp;")
	if !app.Statics[0].Equal(rt.NullValue) {
		t.Errorf("static survived rollback: %v", app.Statics[0])
	}
	if c := drv.Stats().Snapshot(); c.ClinitRollbacks != 1 {
		t.Errorf("rollbacks = %d", c.ClinitRollbacks)
	}
	// The failed class still verified, so its methods still compile.
	if _, ok := drv.Methods().Get(methodRefOf(dx, "main")); !ok {
		t.Errorf("rolled-back class lost compilation")
	}
}

func TestEncodedStaticsCapSkipsEagerInit(t *testing.T) {
	dx := appDex()
	opts := imageOptions()
	opts.MaxEncodedStatics = 0
	drv := mustRun(t, testConfig(dx, opts))

	if got := drv.ClassStates().Get(classRefOf(dx, "LApp;")); got != StatusVerified {
		t.Errorf("LApp; = %v, want left at verified", got)
	}
	if c := drv.Stats().Snapshot(); c.EncodedStaticsOverCap != 1 {
		t.Errorf("over-cap count = %d", c.EncodedStaticsOverCap)
	}
}

// ---------------------------------------------------------------------------
// Determinism
// ---------------------------------------------------------------------------

func TestDeterministicDoubleRun(t *testing.T) {
	dx := appDex()
	run := func() ([]ClassStatus, []string) {
		cfg := testConfig(dx, imageOptions())
		drv := mustRun(t, cfg)
		var statuses []ClassStatus
		drv.ClassStates().VisitPrimary([]*dex.DexFile{dx}, func(_ dex.ClassRef, s ClassStatus) {
			statuses = append(statuses, s)
		})
		return statuses, cfg.Linker.Interns().Order()
	}

	s1, i1 := run()
	s2, i2 := run()
	if len(s1) != len(s2) {
		t.Fatalf("status counts differ: %d vs %d", len(s1), len(s2))
	}
	for i := range s1 {
		if s1[i] != s2[i] {
			t.Errorf("class %d: %v vs %v", i, s1[i], s2[i])
		}
	}
	if len(i1) != len(i2) {
		t.Fatalf("intern counts differ: %d vs %d", len(i1), len(i2))
	}
	for i := range i1 {
		if i1[i] != i2[i] {
			t.Errorf("intern %d: %q vs %q", i, i1[i], i2[i])
		}
	}
}

func TestCompiledArtifactsStableAcrossThreadCounts(t *testing.T) {
	dx := appDex()
	collect := func(threads int) map[string][32]byte {
		opts := DefaultOptions()
		opts.Threads = threads
		drv := mustRun(t, testConfig(dx, opts))
		out := make(map[string][32]byte)
		drv.Methods().Visit(func(ref dex.MethodRef, m *CompiledMethod) {
			out[ref.String()] = m.ContentHash()
		})
		return out
	}
	one := collect(1)
	eight := collect(8)
	if len(one) != len(eight) {
		t.Fatalf("method counts differ: %d vs %d", len(one), len(eight))
	}
	for k, h := range one {
		if eight[k] != h {
			t.Errorf("%s: artifact differs across thread counts", k)
		}
	}
}
