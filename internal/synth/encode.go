package synth

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/lunixbochs/struc"
	"github.com/upatch/upatch-build/internal/elfobj"
)

// sym64 and rela64 are the on-disk ELF64 symbol-table and relocation
// record layouts, packed with struc the same way internal/elfobj's writer
// packs the file/section headers (grounded in efipe.Image.WriteTo's use of
// struc for fixed binary records).
type sym64 struct {
	Name  uint32
	Info  uint8
	Other uint8
	Shndx uint16
	Value uint64
	Size  uint64
}

type rela64 struct {
	Offset uint64
	Info   uint64
	Addend int64
}

func symInfo(bind elfobj.SymBind, typ elfobj.SymType) uint8 {
	return uint8(elfBind(bind))<<4 | uint8(elfType(typ))
}

func elfBind(b elfobj.SymBind) uint8 {
	switch b {
	case elfobj.BindGlobal:
		return 1
	case elfobj.BindWeak:
		return 2
	default:
		return 0
	}
}

func elfType(t elfobj.SymType) uint8 {
	switch t {
	case elfobj.TypeObject:
		return 1
	case elfobj.TypeFunc:
		return 2
	case elfobj.TypeSection:
		return 3
	case elfobj.TypeFile:
		return 4
	default:
		return 0
	}
}

func shndxOf(sym *elfobj.Symbol, secToFileIndex map[elfobj.SectionID]uint16) uint16 {
	if sym.Section == elfobj.NoSection {
		return 0 // SHN_UNDEF
	}
	return secToFileIndex[sym.Section]
}

// encodeSymtab serializes syms (already in their final emitted order) into
// a .symtab byte payload.
func encodeSymtab(order binary.ByteOrder, syms []*elfobj.Symbol, secToFileIndex map[elfobj.SectionID]uint16) ([]byte, error) {
	var buf bytes.Buffer
	for _, sym := range syms {
		rec := sym64{
			Name:  sym.NameOffset,
			Info:  symInfo(sym.Bind, sym.Type),
			Other: sym.Other,
			Shndx: shndxOf(sym, secToFileIndex),
			Value: sym.Value,
			Size:  sym.Size,
		}
		if err := struc.PackWithOptions(&buf, &rec, &struc.Options{Order: order}); err != nil {
			return nil, fmt.Errorf("encoding symbol %s: %w", sym.Name, err)
		}
	}
	return buf.Bytes(), nil
}

// encodeRelocs serializes relocs into a .rela byte payload. symToFileIndex
// maps final graph SymIDs to their emitted symbol-table index.
func encodeRelocs(order binary.ByteOrder, relocs []elfobj.Reloc, symToFileIndex map[elfobj.SymID]uint32) ([]byte, error) {
	var buf bytes.Buffer
	for _, r := range relocs {
		idx, ok := symToFileIndex[r.Symbol]
		if !ok {
			return nil, fmt.Errorf("relocation at offset %#x references symbol %d with no final index", r.Offset, r.Symbol)
		}
		rec := rela64{
			Offset: r.Offset,
			Info:   uint64(idx)<<32 | uint64(r.Type),
			Addend: r.Addend,
		}
		if err := struc.PackWithOptions(&buf, &rec, &struc.Options{Order: order}); err != nil {
			return nil, fmt.Errorf("encoding relocation at offset %#x: %w", r.Offset, err)
		}
	}
	return buf.Bytes(), nil
}
