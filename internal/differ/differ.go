// Package differ classifies every correlated section and symbol pair as
// SAME, CHANGED, or NEW (spec 4.F).
package differ

import (
	"bytes"
	"strings"

	"github.com/upatch/upatch-build/internal/elfobj"
)

// Run classifies every section and symbol pair correlated between o and p,
// writing Status on both sides of each pair.
func Run(o, p *elfobj.Graph) {
	for _, os := range o.Sections {
		if os.Correlate == elfobj.NoSection {
			continue
		}
		ps := p.Section(os.Correlate)
		status := classifySection(o, p, os, ps)
		os.Status = status
		ps.Status = status
	}

	for _, osym := range o.Syms {
		if osym.Correlate == elfobj.NoSym {
			continue
		}
		psym := p.Sym(osym.Correlate)
		status := classifySymbol(o, osym, psym)
		osym.Status = status
		psym.Status = status
	}

	markDiscarded(o)
	markDiscarded(p)
}

func classifySection(o, p *elfobj.Graph, os, ps *elfobj.Section) elfobj.Status {
	oRelocs := relaEntries(o, os)
	pRelocs := relaEntries(p, ps)

	if os.Size != ps.Size || os.Flags != ps.Flags || len(oRelocs) != len(pRelocs) {
		return elfobj.StatusChanged
	}

	switch os.Kind {
	case elfobj.KindProgbits:
		if bytesEqualMasked(os.Data, ps.Data, oRelocs, pRelocs) {
			return elfobj.StatusSame
		}
		return elfobj.StatusChanged
	case elfobj.KindNobits:
		return elfobj.StatusSame
	case elfobj.KindRela:
		if relasEqual(o, p, os.Relocs, ps.Relocs) {
			return elfobj.StatusSame
		}
		return elfobj.StatusChanged
	default:
		if bytes.Equal(os.Data, ps.Data) {
			return elfobj.StatusSame
		}
		return elfobj.StatusChanged
	}
}

// relaEntries returns the relocation entries belonging to s (i.e. its
// companion rela-section's entries, if any).
func relaEntries(g *elfobj.Graph, s *elfobj.Section) []elfobj.Reloc {
	if s.RelaSection == elfobj.NoSection {
		return nil
	}
	return g.Section(s.RelaSection).Relocs
}

// bytesEqualMasked compares a and b, zeroing the byte ranges covered by
// each side's own relocations before comparing: those bytes hold
// addend/placeholder fields that legitimately differ between independently
// compiled objects even when the underlying code is identical (spec 4.F,
// "a pure relocation-target difference...counts as SAME").
func bytesEqualMasked(a, b []byte, relocsA, relocsB []elfobj.Reloc) bool {
	if len(a) != len(b) {
		return false
	}
	if len(a) == 0 {
		return true
	}

	ac := append([]byte(nil), a...)
	bc := append([]byte(nil), b...)
	maskRelocs(ac, relocsA)
	maskRelocs(bc, relocsB)
	return bytes.Equal(ac, bc)
}

func maskRelocs(buf []byte, relocs []elfobj.Reloc) {
	const maxFieldWidth = 8
	for _, r := range relocs {
		start := int(r.Offset)
		if start < 0 || start >= len(buf) {
			continue
		}
		end := start + maxFieldWidth
		if end > len(buf) {
			end = len(buf)
		}
		for i := start; i < end; i++ {
			buf[i] = 0
		}
	}
}

// relasEqual compares two rela-sections entry-by-entry on (offset, type,
// addend, referent-correlated-twin) (spec 4.F).
func relasEqual(o, p *elfobj.Graph, oRelocs, pRelocs []elfobj.Reloc) bool {
	if len(oRelocs) != len(pRelocs) {
		return false
	}
	for i, or := range oRelocs {
		pr := pRelocs[i]
		if or.Offset != pr.Offset || or.Type != pr.Type || or.Addend != pr.Addend {
			return false
		}
		osym := o.Sym(or.Symbol)
		if osym == nil || osym.Correlate != pr.Symbol {
			return false
		}
	}
	return true
}

func classifySymbol(o *elfobj.Graph, osym, psym *elfobj.Symbol) elfobj.Status {
	if osym.Type != psym.Type || osym.Bind != psym.Bind || osym.Size != psym.Size {
		return elfobj.StatusChanged
	}
	if osym.Section != elfobj.NoSection && o.Section(osym.Section).Status == elfobj.StatusChanged {
		return elfobj.StatusChanged
	}
	return elfobj.StatusSame
}

// markDiscarded marks .discard*/.rela.discard* sections ignored
// unconditionally (spec 4.F), regardless of correlation outcome.
func markDiscarded(g *elfobj.Graph) {
	for _, s := range g.Sections {
		if strings.HasPrefix(s.Name, ".discard") || strings.HasPrefix(s.Name, ".rela.discard") {
			s.Ignored = true
		}
	}
}
