package aot

import (
	"fmt"
	"os"
	"runtime"
	"time"

	"github.com/BurntSushi/toml"
)

// ---------------------------------------------------------------------------
// CompilerFilter
// ---------------------------------------------------------------------------

// CompilerFilter selects how much work the pipeline performs per method.
type CompilerFilter uint8

const (
	// FilterAssumeVerified trusts all classes as verified; nothing is
	// verified or compiled.
	FilterAssumeVerified CompilerFilter = iota
	// FilterVerify verifies but compiles nothing.
	FilterVerify
	// FilterSpaceProfile compiles profile methods, optimizing for size.
	FilterSpaceProfile
	// FilterSpace compiles everything, optimizing for size.
	FilterSpace
	// FilterSpeedProfile compiles hot profile methods.
	FilterSpeedProfile
	// FilterSpeed compiles everything.
	FilterSpeed
)

// ParseCompilerFilter maps a filter name to its value.
func ParseCompilerFilter(name string) (CompilerFilter, error) {
	switch name {
	case "assume-verified":
		return FilterAssumeVerified, nil
	case "verify":
		return FilterVerify, nil
	case "space-profile":
		return FilterSpaceProfile, nil
	case "space":
		return FilterSpace, nil
	case "speed-profile":
		return FilterSpeedProfile, nil
	case "speed":
		return FilterSpeed, nil
	default:
		return 0, fmt.Errorf("aot: unknown compiler filter %q", name)
	}
}

// String returns the filter name.
func (f CompilerFilter) String() string {
	switch f {
	case FilterAssumeVerified:
		return "assume-verified"
	case FilterVerify:
		return "verify"
	case FilterSpaceProfile:
		return "space-profile"
	case FilterSpace:
		return "space"
	case FilterSpeedProfile:
		return "speed-profile"
	case FilterSpeed:
		return "speed"
	default:
		return fmt.Sprintf("filter-%d", uint8(f))
	}
}

// IsVerificationEnabled reports whether the filter runs the verifier.
func (f CompilerFilter) IsVerificationEnabled() bool { return f != FilterAssumeVerified }

// IsAnyCompilationEnabled reports whether the filter compiles methods.
func (f CompilerFilter) IsAnyCompilationEnabled() bool { return f >= FilterSpaceProfile }

// IsProfileGuided reports whether compilation is gated on profile data.
func (f CompilerFilter) IsProfileGuided() bool {
	return f == FilterSpaceProfile || f == FilterSpeedProfile
}

// ---------------------------------------------------------------------------
// Options
// ---------------------------------------------------------------------------

// Options configures one pipeline run.
type Options struct {
	Filter  CompilerFilter
	Threads int
	// ForceDeterminism runs allocation-order-sensitive phases single
	// threaded so repeated builds produce identical output.
	ForceDeterminism bool
	// DedupCode shares storage between identical compiled artifacts.
	DedupCode bool

	// Image enables boot-image mode: image-class closure, eager class
	// initialization, and type-id-wide resolution.
	Image        bool
	ImageClasses []string

	// ResolveStartupConstStringsOnly restricts the const-string pass to
	// methods the profile marks as startup.
	ResolveStartupConstStringsOnly bool

	// AbortOnHardVerifierFailure makes any hard failure fatal; otherwise
	// only the thresholds below are.
	AbortOnHardVerifierFailure  bool
	HardVerifierFailureThreshold uint64
	SoftVerifierFailureThreshold uint64

	// MaxEncodedStatics caps how many encoded static fields a class may
	// declare before eager initialization refuses it.
	MaxEncodedStatics int

	// LongCompileWarn logs a warning for any single method compilation
	// exceeding this duration. Zero disables the check.
	LongCompileWarn time.Duration
}

// DefaultOptions returns the defaults for an application build.
func DefaultOptions() *Options {
	return &Options{
		Filter:                       FilterSpeed,
		Threads:                      runtime.NumCPU(),
		DedupCode:                    true,
		AbortOnHardVerifierFailure:   true,
		HardVerifierFailureThreshold: 0,
		SoftVerifierFailureThreshold: ^uint64(0),
		MaxEncodedStatics:            1024,
		LongCompileWarn:              10 * time.Second,
	}
}

// optionsFile is the TOML shape of an options file.
type optionsFile struct {
	Compiler struct {
		Filter              string `toml:"filter"`
		Threads             int    `toml:"threads"`
		ForceDeterminism    bool   `toml:"force-determinism"`
		DedupCode           *bool  `toml:"dedup-code"`
		MaxEncodedStatics   int    `toml:"max-encoded-statics"`
		LongCompileWarnSecs int    `toml:"long-compile-warn-secs"`
	} `toml:"compiler"`
	Verifier struct {
		AbortOnHardFailure *bool  `toml:"abort-on-hard-failure"`
		HardThreshold      *int64 `toml:"hard-failure-threshold"`
		SoftThreshold      *int64 `toml:"soft-failure-threshold"`
	} `toml:"verifier"`
	Image struct {
		Enabled                 bool     `toml:"enabled"`
		Classes                 []string `toml:"classes"`
		StartupConstStringsOnly bool     `toml:"startup-const-strings-only"`
	} `toml:"image"`
}

// LoadOptions reads a TOML options file over the defaults.
func LoadOptions(path string) (*Options, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("aot: cannot read %s: %w", path, err)
	}
	var f optionsFile
	if err := toml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("aot: parse error in %s: %w", path, err)
	}

	o := DefaultOptions()
	if f.Compiler.Filter != "" {
		if o.Filter, err = ParseCompilerFilter(f.Compiler.Filter); err != nil {
			return nil, err
		}
	}
	if f.Compiler.Threads > 0 {
		o.Threads = f.Compiler.Threads
	}
	o.ForceDeterminism = f.Compiler.ForceDeterminism
	if f.Compiler.DedupCode != nil {
		o.DedupCode = *f.Compiler.DedupCode
	}
	if f.Compiler.MaxEncodedStatics > 0 {
		o.MaxEncodedStatics = f.Compiler.MaxEncodedStatics
	}
	if f.Compiler.LongCompileWarnSecs > 0 {
		o.LongCompileWarn = time.Duration(f.Compiler.LongCompileWarnSecs) * time.Second
	}
	if f.Verifier.AbortOnHardFailure != nil {
		o.AbortOnHardVerifierFailure = *f.Verifier.AbortOnHardFailure
	}
	if f.Verifier.HardThreshold != nil {
		o.HardVerifierFailureThreshold = uint64(*f.Verifier.HardThreshold)
	}
	if f.Verifier.SoftThreshold != nil {
		o.SoftVerifierFailureThreshold = uint64(*f.Verifier.SoftThreshold)
	}
	o.Image = f.Image.Enabled
	o.ImageClasses = f.Image.Classes
	o.ResolveStartupConstStringsOnly = f.Image.StartupConstStringsOnly
	return o, nil
}

// Validate checks internal consistency.
func (o *Options) Validate() error {
	if o.Threads < 1 {
		return fmt.Errorf("aot: thread count %d < 1", o.Threads)
	}
	if o.Image && len(o.ImageClasses) == 0 {
		return fmt.Errorf("aot: image mode requires image classes")
	}
	return nil
}
