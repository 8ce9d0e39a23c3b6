package aot

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestParseCompilerFilter(t *testing.T) {
	for _, name := range []string{"assume-verified", "verify", "space-profile", "space", "speed-profile", "speed"} {
		f, err := ParseCompilerFilter(name)
		if err != nil {
			t.Fatalf("parse %q: %v", name, err)
		}
		if f.String() != name {
			t.Errorf("round trip %q -> %q", name, f.String())
		}
	}
	if _, err := ParseCompilerFilter("everything"); err == nil {
		t.Errorf("bogus filter parsed")
	}
}

func TestFilterPredicates(t *testing.T) {
	if FilterAssumeVerified.IsVerificationEnabled() {
		t.Errorf("assume-verified verifies")
	}
	if !FilterVerify.IsVerificationEnabled() || FilterVerify.IsAnyCompilationEnabled() {
		t.Errorf("verify predicates wrong")
	}
	if !FilterSpeed.IsAnyCompilationEnabled() || FilterSpeed.IsProfileGuided() {
		t.Errorf("speed predicates wrong")
	}
	for _, f := range []CompilerFilter{FilterSpaceProfile, FilterSpeedProfile} {
		if !f.IsProfileGuided() || !f.IsAnyCompilationEnabled() {
			t.Errorf("%v predicates wrong", f)
		}
	}
}

func TestLoadOptions(t *testing.T) {
	path := filepath.Join(t.TempDir(), "build.toml")
	content := `
[compiler]
filter = "speed-profile"
threads = 3
force-determinism = true
dedup-code = false
max-encoded-statics = 64
long-compile-warn-secs = 2

[verifier]
abort-on-hard-failure = false
soft-failure-threshold = 10

[image]
enabled = true
classes = ["Ljava/lang/Object;"]
startup-const-strings-only = true
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	o, err := LoadOptions(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if o.Filter != FilterSpeedProfile || o.Threads != 3 || !o.ForceDeterminism {
		t.Errorf("compiler section: %+v", o)
	}
	if o.DedupCode {
		t.Errorf("dedup-code = false not applied")
	}
	if o.MaxEncodedStatics != 64 || o.LongCompileWarn != 2*time.Second {
		t.Errorf("limits: %+v", o)
	}
	if o.AbortOnHardVerifierFailure || o.SoftVerifierFailureThreshold != 10 {
		t.Errorf("verifier section: %+v", o)
	}
	if !o.Image || len(o.ImageClasses) != 1 || !o.ResolveStartupConstStringsOnly {
		t.Errorf("image section: %+v", o)
	}
	if err := o.Validate(); err != nil {
		t.Errorf("validate: %v", err)
	}
}

func TestLoadOptionsDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "empty.toml")
	if err := os.WriteFile(path, nil, 0o644); err != nil {
		t.Fatal(err)
	}
	o, err := LoadOptions(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	d := DefaultOptions()
	if o.Filter != d.Filter || o.DedupCode != d.DedupCode || o.MaxEncodedStatics != d.MaxEncodedStatics {
		t.Errorf("empty file drifted from defaults: %+v vs %+v", o, d)
	}
}

func TestValidate(t *testing.T) {
	o := DefaultOptions()
	o.Threads = 0
	if o.Validate() == nil {
		t.Errorf("zero threads validated")
	}
	o = DefaultOptions()
	o.Image = true
	if o.Validate() == nil {
		t.Errorf("image mode without classes validated")
	}
}
