package aot

import (
	"context"

	"github.com/pkg/errors"
	"github.com/tliron/commonlog"

	"github.com/chazu/forge/dex"
	"github.com/chazu/forge/profile"
	"github.com/chazu/forge/rt"
)

// ---------------------------------------------------------------------------
// Driver: the pipeline orchestrator
// ---------------------------------------------------------------------------

// DriverConfig wires a driver's collaborators. Everything is injected;
// the driver never reaches for process-wide state.
type DriverConfig struct {
	Options   *Options
	DexFiles  []*dex.DexFile // the set being compiled
	Classpath []*dex.DexFile // resolvable but not compiled
	Linker    *rt.ClassLinker
	Verifier  Verifier
	Backend   Backend
	Profile   *profile.Info    // optional
	StubCache NativeStubCache  // optional
	PriorDeps *VerifierDeps    // optional, enables the verify fast path
}

// Driver sequences the compilation phases over a set of dex files. Phases
// run strictly in order; only work within a phase is concurrent, and all
// cross-worker state goes through the class-state and method tables.
type Driver struct {
	opts *Options
	log  commonlog.Logger

	dexFiles  []*dex.DexFile
	classpath []*dex.DexFile

	linker   *rt.ClassLinker
	verifier Verifier
	backend  Backend
	prof     *profile.Info
	stubs    NativeStubCache

	classStates *ClassStateTable
	methods     *MethodTable
	stats       *Stats

	pool       *Pool // Options.Threads workers
	serialPool *Pool // always one worker

	// imageClasses is the closed set of descriptors going into the boot
	// image; populated by LoadImageClasses.
	imageClasses map[string]bool

	priorDeps    *VerifierDeps
	recordedDeps *VerifierDeps
}

// NewDriver validates cfg and builds a driver.
func NewDriver(cfg DriverConfig) (*Driver, error) {
	if cfg.Options == nil {
		cfg.Options = DefaultOptions()
	}
	if err := cfg.Options.Validate(); err != nil {
		return nil, err
	}
	if len(cfg.DexFiles) == 0 {
		return nil, errors.New("aot: nothing to compile")
	}
	if cfg.Linker == nil {
		return nil, errors.New("aot: driver needs a class linker")
	}
	if cfg.Verifier == nil {
		return nil, errors.New("aot: driver needs a verifier")
	}
	if cfg.Backend == nil {
		return nil, errors.New("aot: driver needs a backend")
	}

	d := &Driver{
		opts:         cfg.Options,
		log:          commonlog.GetLogger("aot.driver"),
		dexFiles:     cfg.DexFiles,
		classpath:    cfg.Classpath,
		linker:       cfg.Linker,
		verifier:     cfg.Verifier,
		backend:      cfg.Backend,
		prof:         cfg.Profile,
		stubs:        cfg.StubCache,
		classStates:  NewClassStateTable(cfg.DexFiles, cfg.Classpath),
		methods:      NewMethodTable(cfg.Options.DedupCode),
		stats:        NewStats(),
		pool:         NewPool(cfg.Options.Threads),
		serialPool:   NewPool(1),
		priorDeps:    cfg.PriorDeps,
		recordedDeps: NewVerifierDeps(cfg.DexFiles),
	}
	return d, nil
}

// ClassStates exposes the class-status table.
func (d *Driver) ClassStates() *ClassStateTable { return d.classStates }

// Methods exposes the compiled-method table.
func (d *Driver) Methods() *MethodTable { return d.methods }

// Stats exposes the diagnostics counters.
func (d *Driver) Stats() *Stats { return d.stats }

// RecordedDeps returns the verification record produced by this run.
func (d *Driver) RecordedDeps() *VerifierDeps { return d.recordedDeps }

// ImageClasses returns the closed image-class descriptor set, nil unless
// image mode ran.
func (d *Driver) ImageClasses() map[string]bool { return d.imageClasses }

// resolvePool picks the scheduler for an allocation-order-sensitive
// phase: deterministic builds must not let worker interleaving decide
// allocation order.
func (d *Driver) resolvePool() *Pool {
	if d.opts.ForceDeterminism {
		return d.serialPool
	}
	return d.pool
}

// Run executes the pipeline. A returned error is a fatal build failure:
// exceeded verifier thresholds, a broken configuration, or cancellation.
// Per-class failures never surface here; they end up as statuses.
func (d *Driver) Run(ctx context.Context) error {
	d.log.Infof("compiling %d dex file(s), filter %s, %d thread(s), determinism=%v",
		len(d.dexFiles), d.opts.Filter, d.opts.Threads, d.opts.ForceDeterminism)

	if d.opts.Image {
		if err := d.loadImageClasses(ctx); err != nil {
			return err
		}
	}
	if err := d.resolvePhase(ctx); err != nil {
		return err
	}
	if d.opts.Image && d.opts.ForceDeterminism {
		if err := d.resolveConstStrings(ctx); err != nil {
			return err
		}
	}
	if d.opts.Filter.IsVerificationEnabled() {
		if err := d.verifyPhase(ctx); err != nil {
			return err
		}
	} else {
		d.assumeVerified()
	}
	if d.opts.Image {
		if err := d.initializeClasses(ctx); err != nil {
			return err
		}
	}
	if d.opts.Filter.IsAnyCompilationEnabled() {
		if err := d.compilePhase(ctx); err != nil {
			return err
		}
	}

	d.stats.LogSummary(d.log)
	return nil
}

// assumeVerified stamps every resolved class as verified without running
// the verifier, per the assume-verified filter.
func (d *Driver) assumeVerified() {
	d.classStates.VisitPrimary(d.dexFiles, func(ref dex.ClassRef, status ClassStatus) {
		if status.AtLeastResolved() {
			d.classStates.SetStatusAtLeast(ref, StatusVerified)
		}
	})
}

// profileIndexOf returns the dex file's profile slot, or InvalidIndex
// when no profile is attached.
func (d *Driver) profileIndexOf(dx *dex.DexFile) profile.Index {
	if d.prof == nil {
		return profile.InvalidIndex
	}
	return d.prof.FindDexFile(dx)
}
