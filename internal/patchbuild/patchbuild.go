// Package patchbuild wires the differential-object pipeline together:
// read O/P/R, bundle, rewrite, correlate, diff, select the inclusion
// closure, rebuild the unwind tables, synthesize the output object, and
// write it out atomically. This is the orchestration layer cmd/upatch-build
// drives; it carries no ELF knowledge of its own.
package patchbuild

import (
	"debug/elf"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/upatch/upatch-build/internal/bundle"
	"github.com/upatch/upatch-build/internal/correlate"
	"github.com/upatch/upatch-build/internal/differ"
	"github.com/upatch/upatch-build/internal/ehframe"
	"github.com/upatch/upatch-build/internal/elfobj"
	"github.com/upatch/upatch-build/internal/include"
	"github.com/upatch/upatch-build/internal/rewrite"
	"github.com/upatch/upatch-build/internal/runindex"
	"github.com/upatch/upatch-build/internal/synth"
)

// Config describes one patch-build invocation (spec 1, "Inputs/Outputs").
type Config struct {
	Source             string // O: the pre-patch compiled object
	Patched            string // P: the post-patch compiled object
	Running            string // R: the running binary/shared object on the target host
	Output             string // destination path for the synthesized patch object
	ExtraDataWhitelist []string
}

// Run executes the full pipeline for a single object pair. It returns nil
// (after logging that there is nothing to patch) when P's diff against O
// produces no CHANGED function and no NEW global (spec 8, scenario 1).
func Run(cfg Config, logger *slog.Logger) error {
	log := logger.With("object", filepath.Base(cfg.Source))

	o, err := elfobj.Read(cfg.Source)
	if err != nil {
		return fmt.Errorf("reading source object: %w", err)
	}
	p, err := elfobj.Read(cfg.Patched)
	if err != nil {
		return fmt.Errorf("reading patched object: %w", err)
	}
	if err := elfobj.CompareHeaders(o, p); err != nil {
		return fmt.Errorf("source and patched objects are incompatible: %w", err)
	}

	rf, err := os.Open(cfg.Running)
	if err != nil {
		return fmt.Errorf("opening running binary: %w", err)
	}
	defer rf.Close()

	runFile, err := elf.NewFile(rf)
	if err != nil {
		return fmt.Errorf("parsing running binary: %w", err)
	}
	defer runFile.Close()

	runIdx, err := runindex.Build(runFile)
	if err != nil {
		return fmt.Errorf("indexing running binary: %w", err)
	}

	bundle.Run(o)
	bundle.Run(p)

	if err := rewrite.Run(o); err != nil {
		return fmt.Errorf("rewriting source relocations: %w", err)
	}
	if err := rewrite.Run(p); err != nil {
		return fmt.Errorf("rewriting patched relocations: %w", err)
	}

	if err := correlate.Run(o, p, runIdx); err != nil {
		return fmt.Errorf("correlating objects: %w", err)
	}

	differ.Run(o, p)

	res, err := include.Run(p, cfg.ExtraDataWhitelist)
	if err != nil {
		if errors.Is(err, include.ErrRefused) {
			return fmt.Errorf("patch refused: %w", err)
		}
		return fmt.Errorf("computing inclusion closure: %w", err)
	}

	if !res.HasChanges() {
		log.Info("no changed functions; nothing to patch")
		fmt.Println("no changed functions")
		return nil
	}

	if err := ehframe.Run(p); err != nil {
		return fmt.Errorf("rebuilding unwind tables: %w", err)
	}

	u, err := synth.Build(p, runIdx)
	if err != nil {
		return fmt.Errorf("synthesizing output object: %w", err)
	}

	if err := writeAtomic(u, cfg.Output); err != nil {
		return fmt.Errorf("writing output object: %w", err)
	}

	log.Info("patch build succeeded",
		"output", cfg.Output,
		"changed_functions", res.ChangedFuncs,
		"new_globals", res.NewGlobals,
		"included_sections", res.IncludedSections)

	return nil
}

// writeAtomic serializes u to a temp file beside dst and renames it into
// place, so a crash or a failed write never leaves a truncated patch object
// where a caller might pick it up (spec 5, "Build atomicity").
func writeAtomic(u *elfobj.Graph, dst string) error {
	tmp := dst + ".tmp"

	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}

	if err := elfobj.Write(u, f); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}

	return os.Rename(tmp, dst)
}
