package synth

import "github.com/upatch/upatch-build/internal/elfobj"

// finalizeSymbols strips unreferenced SAME symbols (spec 4.I step 6; spec 8
// "Minimality" invariant) and reorders what remains into
// LOCAL(section,file,other)/undefined-GLOBAL-WEAK/defined-GLOBAL-WEAK order
// (spec 4.I step 5 — undefined symbols sort first within the non-LOCAL run
// that ELF requires to follow all LOCAL symbols), then rewrites every rela
// section's Reloc.Symbol to match. It returns the symtab's sh_info value:
// the index of the first non-LOCAL symbol.
func finalizeSymbols(u *elfobj.Graph) int {
	referenced := referencedSymbols(u)

	var sections, files, otherLocal, undefGlobal, defGlobal []*elfobj.Symbol
	for _, sym := range u.Syms[1:] {
		if !keepSymbol(sym, referenced) {
			continue
		}
		switch {
		case sym.Bind != elfobj.BindLocal && sym.Section == elfobj.NoSection:
			undefGlobal = append(undefGlobal, sym)
		case sym.Bind != elfobj.BindLocal:
			defGlobal = append(defGlobal, sym)
		case sym.Type == elfobj.TypeSection:
			sections = append(sections, sym)
		case sym.Type == elfobj.TypeFile:
			files = append(files, sym)
		default:
			otherLocal = append(otherLocal, sym)
		}
	}

	localCount := 1 + len(sections) + len(files) + len(otherLocal)

	final := make([]*elfobj.Symbol, 0, localCount+len(undefGlobal)+len(defGlobal))
	final = append(final, u.Syms[0])
	final = append(final, sections...)
	final = append(final, files...)
	final = append(final, otherLocal...)
	// Undefined globals sort ahead of defined ones within the non-LOCAL
	// run (spec 4.I step 5); ELF only requires LOCAL to precede non-LOCAL,
	// which the bucketing above already guarantees.
	final = append(final, undefGlobal...)
	final = append(final, defGlobal...)

	oldToNew := make(map[elfobj.SymID]elfobj.SymID, len(final))
	for i, sym := range final {
		oldToNew[sym.Index] = elfobj.SymID(i)
	}

	for _, sym := range final {
		sym.Index = oldToNew[sym.Index]
	}
	u.Syms = final

	for _, sec := range u.Sections {
		if sec.Kind != elfobj.KindRela {
			continue
		}
		for i := range sec.Relocs {
			sec.Relocs[i].Symbol = oldToNew[sec.Relocs[i].Symbol]
		}
	}

	return localCount
}

// keepSymbol implements the minimality invariant: the NULL symbol is
// handled by the caller; every other symbol survives unless it is both
// unreferenced by any relocation and SAME (CHANGED/NEW symbols and
// STT_FILE symbols are always kept per spec 4.G seeds / spec 8).
func keepSymbol(sym *elfobj.Symbol, referenced map[elfobj.SymID]bool) bool {
	if sym.Type == elfobj.TypeFile {
		return true
	}
	if sym.Status != elfobj.StatusSame {
		return true
	}
	return referenced[sym.Index]
}

func referencedSymbols(u *elfobj.Graph) map[elfobj.SymID]bool {
	out := make(map[elfobj.SymID]bool)
	for _, sec := range u.Sections {
		if sec.Kind != elfobj.KindRela {
			continue
		}
		for _, r := range sec.Relocs {
			out[r.Symbol] = true
		}
	}
	return out
}
