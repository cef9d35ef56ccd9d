// Package bundle implements the bundler and child-detector (spec 4.C):
// attaching a -ffunction-sections/-fdata-sections symbol to its dedicated
// section, and linking .cold/.part child functions to their parent.
package bundle

import (
	"strings"

	"github.com/upatch/upatch-build/internal/elfobj"
)

// funcPrefixes and objPrefixes are table T from spec 4.C, most specific
// first so ".text.unlikely." is tried before the catch-all ".text.".
var funcPrefixes = []string{".text.unlikely.", ".text.hot.", ".text."}
var objPrefixes = []string{".data.rel.ro.", ".data.rel.", ".data.", ".rodata.", ".bss."}

// ehSectionPrefixes names exception-handling sections whose section symbol
// is always treated as bundled (spec 4.C).
var ehSectionPrefixes = []string{".eh_frame", ".gcc_except_table", ".ARM.extab"}

// Run marks every bundled symbol in g by setting its owning section's
// SectionSymbol, and links .cold/.part children to their parent function.
func Run(g *elfobj.Graph) {
	bundleSymbols(g)
	bundleEHSections(g)
	linkChildren(g)
}

func bundleSymbols(g *elfobj.Graph) {
	for _, sym := range g.Syms {
		if sym.Section == elfobj.NoSection {
			continue
		}
		sec := g.Section(sym.Section)

		if isBundled(sym, sec) {
			sec.SectionSymbol = sym.Index
		}
	}
}

// isBundled reports whether sym is bundled in sec per spec 4.C: sec's name
// equals one of the kind-appropriate prefixes followed exactly by
// sym.Name.
func isBundled(sym *elfobj.Symbol, sec *elfobj.Section) bool {
	switch sym.Type {
	case elfobj.TypeFunc:
		if prefixedBy(sec.Name, funcPrefixes, sym.Name) {
			return true
		}
		// Special case: a FUNC symbol whose name contains ".cold" living
		// in a .text.unlikely. section whose suffix equals the symbol
		// name is also bundled. The condition is the same as the general
		// rule above for the ".text.unlikely." prefix, so this branch
		// accepts no section name the general rule rejects; it states
		// the special case explicitly.
		if strings.Contains(sym.Name, ".cold") && strings.HasPrefix(sec.Name, ".text.unlikely.") {
			suffix := strings.TrimPrefix(sec.Name, ".text.unlikely.")
			if suffix == sym.Name {
				return true
			}
		}
		return false
	case elfobj.TypeObject:
		return prefixedBy(sec.Name, objPrefixes, sym.Name)
	default:
		return false
	}
}

func prefixedBy(sectionName string, prefixes []string, symName string) bool {
	for _, p := range prefixes {
		if sectionName == p+symName {
			return true
		}
	}
	return false
}

// bundleEHSections treats the section symbol of any exception-handling
// section as bundled regardless of the prefix table (spec 4.C).
func bundleEHSections(g *elfobj.Graph) {
	for _, sec := range g.Sections {
		if !isEHSection(sec.Name) {
			continue
		}
		if sec.SectionSymbol != elfobj.NoSym {
			continue
		}
		// Find an existing STT_SECTION symbol for this section and mark
		// it bundled; the reader already wired Section.SectionSymbol for
		// the first STT_SECTION symbol it found, so this is a no-op
		// unless that symbol was never populated (e.g. stripped input).
		for _, sym := range g.Syms {
			if sym.Type == elfobj.TypeSection && sym.Section == sec.Index {
				sec.SectionSymbol = sym.Index
				break
			}
		}
	}
}

func isEHSection(name string) bool {
	for _, p := range ehSectionPrefixes {
		if strings.HasPrefix(name, p) {
			return true
		}
	}
	return false
}
