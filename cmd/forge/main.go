// Forge CLI - drives an AOT compilation over a set of dex containers.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/tliron/commonlog"
	_ "github.com/tliron/commonlog/simple"

	"github.com/chazu/forge/aot"
	"github.com/chazu/forge/baseline"
	"github.com/chazu/forge/dex"
	"github.com/chazu/forge/oat"
	"github.com/chazu/forge/profile"
	"github.com/chazu/forge/rt"
)

func main() {
	configPath := flag.String("config", "", "TOML options file")
	profilePath := flag.String("profile", "", "Profile data file")
	depsPath := flag.String("deps", "", "Verifier dependency record from a prior run")
	output := flag.String("o", "out.foat", "Output container path")
	depsOut := flag.String("deps-out", "", "Write this run's verifier dependency record")
	verbosity := flag.Int("verbose", 0, "Log verbosity")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: forge [options] dexfile...\n\n")
		fmt.Fprintf(os.Stderr, "Runs the AOT pipeline over the given dex containers.\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  forge -config build.toml app.dex          # Compile with options file\n")
		fmt.Fprintf(os.Stderr, "  forge -profile app.prof app.dex           # Profile-guided build\n")
		fmt.Fprintf(os.Stderr, "  forge -deps prior.deps -o app.foat app.dex  # Replay prior verification\n")
	}
	flag.Parse()

	commonlog.Configure(*verbosity, nil)
	log := commonlog.GetLogger("forge")

	if flag.NArg() == 0 {
		flag.Usage()
		os.Exit(2)
	}

	opts := aot.DefaultOptions()
	if *configPath != "" {
		var err error
		if opts, err = aot.LoadOptions(*configPath); err != nil {
			fail(log, err)
		}
	}

	dexFiles, err := loadDexFiles(flag.Args())
	if err != nil {
		fail(log, err)
	}

	cfg := aot.DriverConfig{
		Options:  opts,
		DexFiles: dexFiles,
		Linker:   rt.NewClassLinker(dexFiles, rt.NewInternTable()),
		Verifier: baseline.NewVerifier(),
		Backend:  baseline.NewBackend(),
	}
	if *profilePath != "" {
		if cfg.Profile, err = profile.LoadFile(*profilePath); err != nil {
			fail(log, err)
		}
	}
	if *depsPath != "" {
		data, err := os.ReadFile(*depsPath)
		if err != nil {
			fail(log, err)
		}
		if cfg.PriorDeps, err = aot.UnmarshalVerifierDeps(data); err != nil {
			fail(log, err)
		}
	}

	driver, err := aot.NewDriver(cfg)
	if err != nil {
		fail(log, err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Fatal pipeline failures (verifier thresholds, cancellation) exit
	// nonzero with no partial output: a build with undiagnosed missing
	// classes must not ship.
	if err := driver.Run(ctx); err != nil {
		fail(log, err)
	}

	out, err := os.Create(*output)
	if err != nil {
		fail(log, err)
	}
	defer out.Close()
	if err := oat.Write(out, dexFiles, driver.ClassStates(), driver.Methods()); err != nil {
		fail(log, err)
	}
	log.Infof("wrote %s: %d compiled method(s)", *output, driver.Methods().Size())

	if *depsOut != "" {
		data, err := driver.RecordedDeps().Marshal()
		if err != nil {
			fail(log, err)
		}
		if err := os.WriteFile(*depsOut, data, 0o644); err != nil {
			fail(log, err)
		}
	}
}

// loadDexFiles reads serialized dex models from disk. The on-disk form is
// the CBOR snapshot produced by forge-dex tooling; real container parsing
// lives outside this tool.
func loadDexFiles(paths []string) ([]*dex.DexFile, error) {
	files := make([]*dex.DexFile, 0, len(paths))
	for _, p := range paths {
		data, err := os.ReadFile(p)
		if err != nil {
			return nil, fmt.Errorf("cannot read %s: %w", p, err)
		}
		d, err := dex.UnmarshalSnapshot(data)
		if err != nil {
			return nil, fmt.Errorf("decoding %s: %w", p, err)
		}
		files = append(files, d)
	}
	return files, nil
}

func fail(log commonlog.Logger, err error) {
	log.Criticalf("%v", err)
	os.Exit(1)
}
