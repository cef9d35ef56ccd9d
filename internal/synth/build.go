package synth

import (
	"debug/elf"
	"fmt"

	"github.com/upatch/upatch-build/internal/elfobj"
)

// finalizeLayout builds the fresh .symtab/.strtab/.shstrtab content (spec
// 4.I steps 4/9), assigns every section's final sh_name, and fixes up
// sh_link/sh_info for symtab and every rela section (step 7) now that
// section/symbol order is final.
func finalizeLayout(u *elfobj.Graph, localCount int) error {
	order := elfobj.ByteOrder(u.Header)

	strtab := newStringPool()
	for _, sym := range u.Syms {
		sym.NameOffset = strtab.Add(sym.Name)
	}

	symtabSec := &elfobj.Section{Name: ".symtab", RawIndex: -1, Kind: elfobj.KindSymtab, Type: elf.SHT_SYMTAB, Entsize: 24, Addralign: 8}
	strtabSec := &elfobj.Section{Name: ".strtab", RawIndex: -1, Kind: elfobj.KindStrtab, Type: elf.SHT_STRTAB, Addralign: 1}
	shstrtabSec := &elfobj.Section{Name: ".shstrtab", RawIndex: -1, Kind: elfobj.KindStrtab, Type: elf.SHT_STRTAB, Addralign: 1}

	symtabID := u.AddSection(symtabSec)
	strtabID := u.AddSection(strtabSec)
	u.AddSection(shstrtabSec)

	shstrtab := newStringPool()
	for _, sec := range u.Sections {
		sec.NameOffset = shstrtab.Add(sec.Name)
	}

	strtabSec.Data = strtab.Bytes()
	strtabSec.Size = uint64(len(strtabSec.Data))
	shstrtabSec.Data = shstrtab.Bytes()
	shstrtabSec.Size = uint64(len(shstrtabSec.Data))

	secToFileIndex := make(map[elfobj.SectionID]uint16, len(u.Sections))
	for _, sec := range u.Sections {
		secToFileIndex[sec.Index] = uint16(sec.Index) + 1
	}

	symtabData, err := encodeSymtab(order, u.Syms, secToFileIndex)
	if err != nil {
		return fmt.Errorf("encoding .symtab: %w", err)
	}
	symtabSec.Data = symtabData
	symtabSec.Size = uint64(len(symtabData))
	symtabSec.Link = uint32(strtabID) + 1
	symtabSec.Info = uint32(localCount)

	symToFileIndex := make(map[elfobj.SymID]uint32, len(u.Syms))
	for _, sym := range u.Syms {
		symToFileIndex[sym.Index] = uint32(sym.Index)
	}

	for _, sec := range u.Sections {
		if sec.Kind != elfobj.KindRela {
			continue
		}
		data, err := encodeRelocs(order, sec.Relocs, symToFileIndex)
		if err != nil {
			return fmt.Errorf("encoding %s: %w", sec.Name, err)
		}
		sec.Data = data
		sec.Size = uint64(len(data))
		sec.Link = uint32(symtabID) + 1
		if sec.RelocTarget != elfobj.NoSection {
			sec.Info = uint32(sec.RelocTarget) + 1
		}
	}

	return nil
}
