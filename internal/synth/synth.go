// Package synth is the output synthesizer (spec 4.I): it migrates the
// inclusion engine's selected sub-DAG of P into a fresh ELF graph,
// resolves externals against the running binary, emits the
// patch-metadata sections the runtime loader consumes, and lays out
// everything ready for internal/elfobj.Write.
package synth

import (
	"debug/elf"
	"fmt"

	"github.com/upatch/upatch-build/internal/elfobj"
	"github.com/upatch/upatch-build/internal/runindex"
)

// Build migrates p's included sub-graph into a freshly created graph and
// returns it ready to be passed to elfobj.Write. p must already have been
// through correlation, diffing, inclusion (internal/include), and the
// debug/EH rebuild (internal/ehframe).
func Build(p *elfobj.Graph, run *runindex.Index) (*elfobj.Graph, error) {
	u := &elfobj.Graph{Header: p.Header, Arch: p.Arch}
	u.Header.Type = elf.ET_REL // spec 8 header-preservation invariant

	secMap := migrateSections(p, u)
	symMap := migrateSymbols(p, u, secMap)
	if err := remapRelocSymbols(u, symMap); err != nil {
		return nil, fmt.Errorf("migrating relocations: %w", err)
	}

	// Reorder/strip/reindex (spec 4.I steps 5-7) must run before external
	// resolution (step 8): buildMetadata bakes each extern's final symtab
	// index into .upatch.externs, and finalizeSymbols is what assigns that
	// final index.
	localCount := finalizeSymbols(u)

	if err := buildMetadata(u, run); err != nil {
		return nil, fmt.Errorf("building patch metadata: %w", err)
	}

	if err := finalizeLayout(u, localCount); err != nil {
		return nil, fmt.Errorf("finalizing output layout: %w", err)
	}

	return u, nil
}
