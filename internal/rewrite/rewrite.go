// Package rewrite implements the section-symbol rewriter (spec 4.D):
// relocations that reference a raw STT_SECTION symbol are rewritten to
// reference the actual bundled FUNC/OBJECT symbol at the relocation's
// target offset, so later phases never need to reason about section-based
// relocations again.
package rewrite

import (
	"fmt"
	"strings"

	"github.com/upatch/upatch-build/internal/elfobj"
)

// Run rewrites every section-based relocation in g in place.
func Run(g *elfobj.Graph) error {
	for _, sec := range g.Sections {
		if sec.Kind != elfobj.KindRela {
			continue
		}
		owner := g.Section(sec.RelocTarget)
		for i := range sec.Relocs {
			r := &sec.Relocs[i]
			sym := g.Sym(r.Symbol)
			if sym == nil || sym.Type != elfobj.TypeSection {
				continue
			}
			if err := rewriteOne(g, owner, r); err != nil {
				return err
			}
		}
	}
	return nil
}

func rewriteOne(g *elfobj.Graph, instOwner *elfobj.Section, r *elfobj.Reloc) error {
	sym := g.Sym(r.Symbol)
	referenced := g.Section(sym.Section)
	if referenced == nil {
		return fmt.Errorf("relocation in %s references section symbol with no owning section", instOwner.Name)
	}

	pcRel := g.Arch.IsPCRelative(r.Type)
	offset := r.Addend
	if pcRel {
		size := int64(g.Arch.RelocSize(r.Type))
		if size < 0 {
			return fmt.Errorf("relocation in %s at offset %#x has unknown size for type %s", instOwner.Name, r.Offset, g.Arch.RelocTypeName(r.Type))
		}
		correction, err := g.Arch.InstructionCorrection(instOwner.Data, r.Offset, r.Type)
		if err != nil {
			return fmt.Errorf("relocation in %s at offset %#x: %w", instOwner.Name, r.Offset, err)
		}
		offset = r.Addend + size - correction
	}

	// If component C already found a dedicated bundled symbol owning the
	// whole referenced section, use it directly rather than searching.
	if owner := g.Sym(referenced.SectionSymbol); owner != nil && owner.Index != sym.Index {
		if offset != 0 {
			return fmt.Errorf("section %s has bundled owner %s but relocation target offset %d is nonzero", referenced.Name, owner.Name, offset)
		}
		r.Symbol = owner.Index
		r.Addend = 0
		return nil
	}

	t := findCoveringSymbol(g, referenced.Index, offset)
	if t == nil {
		if fallbackAllowed(referenced.Name) {
			return nil
		}
		return fmt.Errorf("no symbol in section %s covers relocation target offset %#x", referenced.Name, offset)
	}

	if !pcRel && isTextSection(instOwner.Name) && isDataSection(referenced.Name) && uint64(offset) == referenced.Size {
		return fmt.Errorf("relocation in %s targets end of data section %s with an absolute relocation", instOwner.Name, referenced.Name)
	}

	r.Symbol = t.Index
	r.Addend -= int64(t.Value)
	return nil
}

// findCoveringSymbol returns the FUNC/OBJECT symbol in section secID whose
// [Value, Value+Size) range contains offset, preferring the smallest range
// when more than one covers it.
func findCoveringSymbol(g *elfobj.Graph, secID elfobj.SectionID, offset int64) *elfobj.Symbol {
	if offset < 0 {
		return nil
	}
	off := uint64(offset)

	var best *elfobj.Symbol
	for _, sym := range g.Syms {
		if sym.Section != secID {
			continue
		}
		if sym.Type != elfobj.TypeFunc && sym.Type != elfobj.TypeObject {
			continue
		}
		size := sym.Size
		if size == 0 {
			if sym.Value != off {
				continue
			}
		} else if off < sym.Value || off >= sym.Value+size {
			continue
		}
		if best == nil || size < best.Size {
			best = sym
		}
	}
	return best
}

func fallbackAllowed(name string) bool {
	switch {
	case name == ".rodata", strings.HasPrefix(name, ".rodata."):
		return true
	case name == ".data", strings.HasPrefix(name, ".data."):
		return true
	default:
		return false
	}
}

func isTextSection(name string) bool { return strings.HasPrefix(name, ".text") }
func isDataSection(name string) bool { return strings.HasPrefix(name, ".data") }
