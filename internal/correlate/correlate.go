// Package correlate pairs sections and symbols of an original object O
// with their twins in a patched object P (spec 4.E), and resolves O's
// STT_FILE blocks against a running binary's index for later static-local
// disambiguation.
package correlate

import (
	"errors"
	"fmt"
	"strings"

	"github.com/upatch/upatch-build/internal/elfobj"
	"github.com/upatch/upatch-build/internal/runindex"
)

// ErrDuplicateFileMatch is returned when an O file block's local symbol set
// matches more than one STT_FILE block in the running binary (spec 4.E,
// spec 8 scenario 3).
var ErrDuplicateFileMatch = errors.New("duplicate matches")

// Run correlates o against p in place and resolves o's STT_FILE blocks
// against run.
func Run(o, p *elfobj.Graph, run *runindex.Index) error {
	pairSections(o, p)
	if err := pairSymbols(o, p); err != nil {
		return err
	}
	correlateStaticLocals(o, p)
	return resolveFileBlocks(o, run)
}

// pairSections implements phase 1 (spec 4.E): sections are paired by name
// equality; unpaired P sections become NEW.
func pairSections(o, p *elfobj.Graph) {
	pByName := make(map[string]*elfobj.Section, len(p.Sections))
	for _, s := range p.Sections {
		pByName[s.Name] = s
	}

	matchedP := make(map[elfobj.SectionID]bool, len(p.Sections))
	for _, os := range o.Sections {
		ps, ok := pByName[os.Name]
		if !ok {
			continue
		}
		os.Correlate = ps.Index
		ps.Correlate = os.Index
		matchedP[ps.Index] = true
	}

	for _, ps := range p.Sections {
		if !matchedP[ps.Index] {
			ps.Status = elfobj.StatusNew
		}
	}
}

// pairSymbols implements phase 2 (spec 4.E): within each paired section,
// symbols are paired first by name, then by (type, binding).
func pairSymbols(o, p *elfobj.Graph) error {
	for _, os := range o.Sections {
		if os.Correlate == elfobj.NoSection {
			continue
		}
		ps := p.Section(os.Correlate)

		oSyms := symbolsIn(o, os.Index)
		pSyms := symbolsIn(p, ps.Index)
		matched := make(map[elfobj.SymID]bool, len(pSyms))

		// Pass 1: name equality.
		pByName := make(map[string]*elfobj.Symbol, len(pSyms))
		for _, s := range pSyms {
			if s.Name != "" {
				pByName[s.Name] = s
			}
		}
		for _, osym := range oSyms {
			if osym.Name == "" {
				continue
			}
			if psym, ok := pByName[osym.Name]; ok && !matched[psym.Index] {
				osym.Correlate = psym.Index
				psym.Correlate = osym.Index
				matched[psym.Index] = true
			}
		}

		// Pass 2: (type, binding) for anything still unpaired.
		for _, osym := range oSyms {
			if osym.Correlate != elfobj.NoSym {
				continue
			}
			for _, psym := range pSyms {
				if matched[psym.Index] {
					continue
				}
				if osym.Type == psym.Type && osym.Bind == psym.Bind {
					osym.Correlate = psym.Index
					psym.Correlate = osym.Index
					matched[psym.Index] = true
					break
				}
			}
		}
	}

	for _, ps := range p.Syms {
		if ps.Section != elfobj.NoSection && ps.Correlate == elfobj.NoSym {
			ps.Status = elfobj.StatusNew
		}
	}
	return nil
}

func symbolsIn(g *elfobj.Graph, sec elfobj.SectionID) []*elfobj.Symbol {
	var out []*elfobj.Symbol
	for _, s := range g.Syms {
		if s.Section == sec {
			out = append(out, s)
		}
	}
	return out
}

// correlateStaticLocals handles compiler-mangled static-local suffixes
// (e.g. ".123"): remaining unpaired LOCAL OBJECT/FUNC symbols are matched
// across O/P on the portion of their name before the first '.', provided
// their owning sections are themselves correlated.
func correlateStaticLocals(o, p *elfobj.Graph) {
	for _, os := range o.Sections {
		if os.Correlate == elfobj.NoSection {
			continue
		}
		ps := p.Section(os.Correlate)

		var oCands, pCands []*elfobj.Symbol
		for _, s := range symbolsIn(o, os.Index) {
			if s.Correlate == elfobj.NoSym && s.Bind == elfobj.BindLocal &&
				(s.Type == elfobj.TypeObject || s.Type == elfobj.TypeFunc) {
				oCands = append(oCands, s)
			}
		}
		for _, s := range symbolsIn(p, ps.Index) {
			if s.Correlate == elfobj.NoSym && s.Bind == elfobj.BindLocal &&
				(s.Type == elfobj.TypeObject || s.Type == elfobj.TypeFunc) {
				pCands = append(pCands, s)
			}
		}

		for _, osym := range oCands {
			oBase := baseName(osym.Name)
			for _, psym := range pCands {
				if psym.Correlate != elfobj.NoSym {
					continue
				}
				if osym.Type == psym.Type && oBase == baseName(psym.Name) {
					osym.Correlate = psym.Index
					psym.Correlate = osym.Index
					break
				}
			}
		}
	}
}

func baseName(name string) string {
	if i := strings.IndexByte(name, '.'); i >= 0 {
		return name[:i]
	}
	return name
}

// fileBlock is an O-side STT_FILE grouping, mirroring runindex.FileBlock
// but built from an elfobj.Graph's symbol arena, which preserves the raw
// symbol table's order.
type fileBlock struct {
	fileSym *elfobj.Symbol // nil for the anonymous leading block
	locals  []*elfobj.Symbol
}

func (b *fileBlock) signature() map[[2]string]struct{} {
	out := make(map[[2]string]struct{}, len(b.locals))
	for _, s := range b.locals {
		if s.Bind != elfobj.BindLocal {
			continue
		}
		if s.Type != elfobj.TypeFunc && s.Type != elfobj.TypeObject {
			continue
		}
		out[[2]string{s.Name, symTypeName(s.Type)}] = struct{}{}
	}
	return out
}

func symTypeName(t elfobj.SymType) string {
	switch t {
	case elfobj.TypeFunc:
		return "STT_FUNC"
	case elfobj.TypeObject:
		return "STT_OBJECT"
	default:
		return "STT_NOTYPE"
	}
}

func buildFileBlocks(g *elfobj.Graph) []*fileBlock {
	var blocks []*fileBlock
	cur := &fileBlock{}
	blocks = append(blocks, cur)

	for _, s := range g.Syms {
		if s.Index == 0 {
			continue // NULL symbol
		}
		if s.Type == elfobj.TypeFile {
			cur = &fileBlock{fileSym: s}
			blocks = append(blocks, cur)
			continue
		}
		cur.locals = append(cur.locals, s)
	}
	return blocks
}

// resolveFileBlocks implements the STT_FILE matching half of spec 4.E:
// each STT_FILE block in o is matched against the unique STT_FILE block in
// run whose LOCAL FUNC/OBJECT symbol set matches exactly; every local
// symbol in the o block is stamped with the winning block.
func resolveFileBlocks(o *elfobj.Graph, run *runindex.Index) error {
	for _, block := range buildFileBlocks(o) {
		if block.fileSym == nil {
			continue
		}
		sig := block.signature()
		if len(sig) == 0 {
			continue
		}

		var winner *runindex.FileBlock
		matches := 0
		for _, rb := range run.Blocks {
			if signaturesEqual(sig, rb.LocalNamesAndTypes()) {
				winner = rb
				matches++
			}
		}
		if matches > 1 {
			return fmt.Errorf("%w: STT_FILE block %q matches %d blocks in running binary", ErrDuplicateFileMatch, block.fileSym.Name, matches)
		}
		if matches == 0 {
			continue
		}
		for _, s := range block.locals {
			if s.Bind == elfobj.BindLocal {
				s.LookupRunningFileSym = winner
			}
		}
	}
	return nil
}

func signaturesEqual(a map[[2]string]struct{}, b map[[2]string]struct{}) bool {
	if len(a) != len(b) {
		return false
	}
	for k := range a {
		if _, ok := b[k]; !ok {
			return false
		}
	}
	return true
}
