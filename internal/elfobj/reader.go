package elfobj

import (
	"debug/elf"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/upatch/upatch-build/internal/elfobj/arch"
)

var (
	// ErrHasProgramHeaders is returned when an input intended to be a
	// relocatable object carries program headers (spec 4.A: "Must reject
	// files with a non-zero program-header count").
	ErrHasProgramHeaders = errors.New("input has program headers; only relocatable objects are accepted")
)

// Read parses path as a relocatable ELF object and returns its graph.
func Read(path string) (*Graph, error) {
	raw, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", path, err)
	}
	defer raw.Close()

	f, err := elf.NewFile(raw)
	if err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	defer f.Close()

	ehdr, err := readRawEhdr(raw)
	if err != nil {
		return nil, fmt.Errorf("reading ELF header of %s: %w", path, err)
	}

	return fromFile(f, ehdr)
}

// fromFile builds a Graph from an already-opened debug/elf.File plus the
// raw identification header (needed for the fields -- e_flags, e_phoff,
// e_ehsize, e_phentsize, e_shentsize -- that debug/elf.FileHeader doesn't
// expose but spec 4.A requires comparing between O and P). This is the
// parsing front end: once it returns, nothing downstream touches
// debug/elf types again.
func fromFile(f *elf.File, ehdr rawEhdr) (*Graph, error) {
	// Only the program-header invariant is enforced here; e_type is not
	// checked (CompareHeaders only requires O and P to agree on it). The
	// running binary R is not read through this function (see
	// internal/runindex).
	hdr := headerFromRaw(f, ehdr)
	if len(f.Progs) != 0 {
		return nil, fmt.Errorf("%w (found %d)", ErrHasProgramHeaders, len(f.Progs))
	}

	capa, err := arch.For(f.Machine)
	if err != nil {
		return nil, err
	}

	g := &Graph{Header: hdr, Arch: capa}

	// rawToID maps raw ELF section numbers to graph SectionIDs.
	rawToID := make(map[int]SectionID, len(f.Sections))

	for i, s := range f.Sections {
		if s.Type == elf.SHT_NULL {
			continue
		}

		data, err := sectionBytes(s)
		if err != nil {
			return nil, fmt.Errorf("reading section %s: %w", s.Name, err)
		}

		sec := &Section{
			Name:        s.Name,
			RawIndex:    i,
			Kind:        classifyKind(s.Type),
			Type:        s.Type,
			Flags:       s.Flags,
			Size:        s.Size,
			Entsize:     s.Entsize,
			Link:        s.Link,
			Info:        s.Info,
			Addralign:   s.Addralign,
			Data:        data,
			RelaSection: NoSection,
			RelocTarget: NoSection,
			SectionSymbol: NoSym,
			Correlate:     NoSection,
		}

		id := g.AddSection(sec)
		rawToID[i] = id
	}

	// Second pass: wire rela-section <-> base-section back-pointers (spec 3
	// invariant: "Every rela-section has exactly one base section").
	for _, sec := range g.Sections {
		if sec.Kind != KindRela {
			continue
		}
		rawTarget := int(f.Sections[sec.RawIndex].Info)
		targetID, ok := rawToID[rawTarget]
		if !ok {
			return nil, fmt.Errorf("relocation section %s references missing target section %d", sec.Name, rawTarget)
		}
		sec.RelocTarget = targetID
		target := g.Sections[targetID]
		target.RelaSection = sec.Index
	}

	// Build the symbol table (combining static only; dynamic symbols are
	// not meaningful for relocatable objects per spec 4.A scope).
	syms, err := f.Symbols()
	if err != nil && !errors.Is(err, elf.ErrNoSymbols) {
		return nil, fmt.Errorf("reading symbol table: %w", err)
	}

	// Always synthesize the NULL symbol at index 0, matching ELF
	// convention; debug/elf's Symbols() omits it.
	g.AddSym(&Symbol{Name: "", Section: NoSection, Correlate: NoSym, Parent: NoSym})
	for i, s := range syms {
		sec := NoSection
		if s.Section != elf.SHN_UNDEF && s.Section < elf.SHN_LORESERVE {
			if id, ok := rawToID[int(s.Section)]; ok {
				sec = id
			}
		}
		g.AddSym(&Symbol{
			Name:      s.Name,
			RawIndex:  i + 1,
			Value:     s.Value,
			Size:      s.Size,
			Bind:      toSymBind(elf.ST_BIND(s.Info)),
			Type:      toSymType(elf.ST_TYPE(s.Info)),
			Other:     s.Other,
			Section:   sec,
			Correlate: NoSym,
			Parent:    NoSym,
		})
	}

	// Populate relocations for every rela-section.
	for _, sec := range g.Sections {
		if sec.Kind != KindRela {
			continue
		}
		relocs, err := readRelocs(f, sec)
		if err != nil {
			return nil, fmt.Errorf("reading relocations in %s: %w", sec.Name, err)
		}
		sec.Relocs = relocs
	}

	// Wire section <-> section-symbol back-pointers for any STT_SECTION
	// symbol found directly in the symbol table (not yet "bundled" in the
	// spec 4.C sense -- that's the bundler's job -- but every section
	// symbol does belong to exactly one section).
	for _, sym := range g.Syms {
		if sym.Type == TypeSection && sym.Section != NoSection {
			target := g.Section(sym.Section)
			if target.SectionSymbol == NoSym {
				target.SectionSymbol = sym.Index
			}
		}
	}

	return g, nil
}

// rawEhdr holds the ELF64 header fields debug/elf.FileHeader doesn't
// surface.
type rawEhdr struct {
	Ident     [elf.EI_NIDENT]byte
	Flags     uint32
	Phoff     uint64
	Ehsize    uint16
	Phentsize uint16
	Shentsize uint16
}

const elf64EhdrSize = 64

func readRawEhdr(r io.ReaderAt) (rawEhdr, error) {
	var buf [elf64EhdrSize]byte
	if _, err := r.ReadAt(buf[:], 0); err != nil {
		return rawEhdr{}, err
	}

	order := binary.ByteOrder(binary.LittleEndian)
	if buf[elf.EI_DATA] == byte(elf.ELFDATA2MSB) {
		order = binary.BigEndian
	}

	var ehdr rawEhdr
	copy(ehdr.Ident[:], buf[:elf.EI_NIDENT])
	ehdr.Flags = order.Uint32(buf[48:52])
	ehdr.Phoff = order.Uint64(buf[32:40])
	ehdr.Ehsize = order.Uint16(buf[52:54])
	ehdr.Phentsize = order.Uint16(buf[54:56])
	ehdr.Shentsize = order.Uint16(buf[58:60])
	return ehdr, nil
}

func headerFromRaw(f *elf.File, ehdr rawEhdr) Header {
	return Header{
		Ident:     ehdr.Ident,
		Type:      f.Type,
		Machine:   f.Machine,
		Version:   uint32(f.Version),
		Entry:     f.Entry,
		Flags:     ehdr.Flags,
		Phoff:     ehdr.Phoff,
		Ehsize:    ehdr.Ehsize,
		Phentsize: ehdr.Phentsize,
		Shentsize: ehdr.Shentsize,
	}
}

func toSymBind(b elf.SymBind) SymBind {
	switch b {
	case elf.STB_GLOBAL:
		return BindGlobal
	case elf.STB_WEAK:
		return BindWeak
	default:
		return BindLocal
	}
}

func toSymType(t elf.SymType) SymType {
	switch t {
	case elf.STT_OBJECT:
		return TypeObject
	case elf.STT_FUNC:
		return TypeFunc
	case elf.STT_SECTION:
		return TypeSection
	case elf.STT_FILE:
		return TypeFile
	default:
		return TypeNotype
	}
}

func sectionBytes(s *elf.Section) ([]byte, error) {
	if s.Type == elf.SHT_NOBITS {
		return nil, nil
	}
	data, err := io.ReadAll(s.Open())
	if err != nil {
		return nil, err
	}
	return data, nil
}

func readRelocs(f *elf.File, sec *Section) ([]Reloc, error) {
	raw := f.Sections[sec.RawIndex]
	r := raw.Open()

	isRela := sec.Type == elf.SHT_RELA
	entsize := sec.Entsize
	if entsize == 0 {
		return nil, nil
	}
	count := int(sec.Size / entsize)

	out := make([]Reloc, 0, count)
	for i := 0; i < count; i++ {
		var off, info uint64
		var addend int64

		if isRela {
			var buf [24]byte
			if _, err := io.ReadFull(r, buf[:]); err != nil {
				return nil, fmt.Errorf("entry %d: %w", i, err)
			}
			off = f.ByteOrder.Uint64(buf[0:8])
			info = f.ByteOrder.Uint64(buf[8:16])
			addend = int64(f.ByteOrder.Uint64(buf[16:24]))
		} else {
			var buf [16]byte
			if _, err := io.ReadFull(r, buf[:]); err != nil {
				return nil, fmt.Errorf("entry %d: %w", i, err)
			}
			off = f.ByteOrder.Uint64(buf[0:8])
			info = f.ByteOrder.Uint64(buf[8:16])
		}

		symRaw := uint32(info >> 32)
		relType := uint32(info)

		out = append(out, Reloc{
			Section: sec.Index,
			Offset:  off,
			Addend:  addend,
			Symbol:  SymID(symRaw), // raw symtab index equals the graph SymID: NULL is symbol 0, Symbols()[i] is i+1
			Type:    relType,
		})
	}

	return out, nil
}
