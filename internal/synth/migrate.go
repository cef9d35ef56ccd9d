package synth

import (
	"fmt"

	"github.com/upatch/upatch-build/internal/elfobj"
)

// rebuiltByName names the sections synth regenerates from scratch rather
// than carrying over P's copy: their content is the full symbol/name set
// of P, not U's pruned set (spec 4.I steps 1/4/9).
var rebuiltByName = map[string]bool{
	".shstrtab": true,
	".strtab":   true,
	".symtab":   true,
}

// migrateSections moves every included, non-rebuilt section of p into a
// fresh u, preserving relative order, and wires RelaSection/RelocTarget
// back-pointers once both halves of a pair have been migrated (spec 4.I:
// "move included sections...into a fresh ELF graph").
func migrateSections(p *elfobj.Graph, u *elfobj.Graph) map[elfobj.SectionID]elfobj.SectionID {
	secMap := make(map[elfobj.SectionID]elfobj.SectionID)

	for _, sec := range p.Sections {
		if !sec.Included || rebuiltByName[sec.Name] {
			continue
		}
		ns := &elfobj.Section{
			Name:          sec.Name,
			RawIndex:      -1,
			Kind:          sec.Kind,
			Type:          sec.Type,
			Flags:         sec.Flags,
			Size:          sec.Size,
			Entsize:       sec.Entsize,
			Addralign:     sec.Addralign,
			Data:          append([]byte(nil), sec.Data...),
			RelaSection:   elfobj.NoSection,
			RelocTarget:   elfobj.NoSection,
			SectionSymbol: elfobj.NoSym,
			Relocs:        append([]elfobj.Reloc(nil), sec.Relocs...),
		}
		secMap[sec.Index] = u.AddSection(ns)
	}

	for _, sec := range p.Sections {
		newID, ok := secMap[sec.Index]
		if !ok {
			continue
		}
		ns := u.Section(newID)
		if sec.RelaSection != elfobj.NoSection {
			if rid, ok := secMap[sec.RelaSection]; ok {
				ns.RelaSection = rid
			}
		}
		if sec.RelocTarget != elfobj.NoSection {
			if tid, ok := secMap[sec.RelocTarget]; ok {
				ns.RelocTarget = tid
			}
		}
	}
	return secMap
}

// migrateSymbols moves every included symbol of p into u, remapping its
// owning section via secMap. The NULL symbol is created fresh at index 0.
func migrateSymbols(p *elfobj.Graph, u *elfobj.Graph, secMap map[elfobj.SectionID]elfobj.SectionID) map[elfobj.SymID]elfobj.SymID {
	symMap := make(map[elfobj.SymID]elfobj.SymID)

	u.AddSym(&elfobj.Symbol{Name: "", Section: elfobj.NoSection, Correlate: elfobj.NoSym, Parent: elfobj.NoSym})
	symMap[0] = 0

	for _, sym := range p.Syms {
		if sym.Index == 0 || !sym.Included {
			continue
		}
		newSec := elfobj.NoSection
		if sym.Section != elfobj.NoSection {
			if id, ok := secMap[sym.Section]; ok {
				newSec = id
			}
		}
		ns := &elfobj.Symbol{
			Name:                 sym.Name,
			Value:                sym.Value,
			Size:                 sym.Size,
			Bind:                 sym.Bind,
			Type:                 sym.Type,
			Other:                sym.Other,
			Section:              newSec,
			Status:               sym.Status,
			Placeholder:          sym.Placeholder,
			Correlate:            elfobj.NoSym,
			Parent:               elfobj.NoSym,
			LookupRunningFileSym: sym.LookupRunningFileSym,
		}
		symMap[sym.Index] = u.AddSym(ns)
	}

	return symMap
}

// remapRelocSymbols rewrites every rela section's Reloc.Symbol from a P
// SymID to its U counterpart via symMap. Every referent of an included
// rela-section must itself have been included by the closure rule (spec 3
// invariant), so a missing entry is a build-time bug, not a user error.
func remapRelocSymbols(u *elfobj.Graph, symMap map[elfobj.SymID]elfobj.SymID) error {
	for _, sec := range u.Sections {
		if sec.Kind != elfobj.KindRela {
			continue
		}
		for i := range sec.Relocs {
			r := &sec.Relocs[i]
			newSym, ok := symMap[r.Symbol]
			if !ok {
				return fmt.Errorf("relocation in %s references symbol %d that was not migrated into the output", sec.Name, r.Symbol)
			}
			r.Symbol = newSym
			r.Section = sec.Index
		}
	}
	return nil
}
