package elfobj

import (
	"debug/elf"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/lunixbochs/struc"
	"github.com/upatch/upatch-build/internal/align"
	"github.com/upatch/upatch-build/internal/ioutil2"
)

// ehdr64 mirrors the ELF64 file header, packed with struc the same way the
// teacher packs pe.FileHeader/pe.OptionalHeader64 in internal/efipe/pe.go.
type ehdr64 struct {
	Ident     [elf.EI_NIDENT]byte
	Type      uint16
	Machine   uint16
	Version   uint32
	Entry     uint64
	Phoff     uint64
	Shoff     uint64
	Flags     uint32
	Ehsize    uint16
	Phentsize uint16
	Phnum     uint16
	Shentsize uint16
	Shnum     uint16
	Shstrndx  uint16
}

// shdr64 mirrors the ELF64 section header.
type shdr64 struct {
	Name      uint32
	Type      uint32
	Flags     uint64
	Addr      uint64
	Off       uint64
	Size      uint64
	Link      uint32
	Info      uint32
	Addralign uint64
	Entsize   uint64
}

const (
	ehdr64Size = 64
	shdr64Size = 64
)

// Write serializes g to w as a relocatable ELF64 object. By the time Write
// is called, g must already be in final form: section/symbol IDs
// contiguous from 0, every Section.NameOffset/Link/Info pointing at final
// file indices and .shstrtab offsets, and .symtab/.strtab/.rela* sections
// carrying their final encoded bytes in Section.Data (internal/synth's
// job; Write itself is purely mechanical, in three passes after computing
// offsets: the ELF header, the section bodies, then the section header
// table).
func Write(g *Graph, w io.Writer) error {
	order := byteOrderOf(g.Header)

	shstrndx, err := findSection(g, ".shstrtab")
	if err != nil {
		return err
	}

	n := len(g.Sections)
	offsets := make([]uint64, n)

	cursor := uint64(ehdr64Size)
	for i, sec := range g.Sections {
		if sec.Kind == KindNobits {
			offsets[i] = cursor
			continue
		}
		cursor = align.Address(cursor, max64(sec.Addralign, 1))
		offsets[i] = cursor
		cursor += uint64(len(sec.Data))
	}
	shoff := align.Address(cursor, 8)

	ehdr := ehdr64{
		Ident:     g.Header.Ident,
		Type:      uint16(elf.ET_REL),
		Machine:   uint16(g.Header.Machine),
		Version:   g.Header.Version,
		Entry:     0,
		Phoff:     0,
		Shoff:     shoff,
		Flags:     g.Header.Flags,
		Ehsize:    ehdr64Size,
		Phentsize: 0,
		Phnum:     0,
		Shentsize: shdr64Size,
		Shnum:     uint16(n + 1), // +1 for the synthesized NULL section
		Shstrndx:  uint16(shstrndx + 1),
	}

	cw := &ioutil2.CountingWriter{Writer: w}

	if err := struc.PackWithOptions(cw, &ehdr, &struc.Options{Order: order}); err != nil {
		return fmt.Errorf("writing ELF header: %w", err)
	}

	for i, sec := range g.Sections {
		bytesUntilSection := int(offsets[i]) - cw.BytesWritten()
		if bytesUntilSection < 0 {
			return fmt.Errorf("section %s offset %#x is before current write cursor %#x", sec.Name, offsets[i], cw.BytesWritten())
		}
		if bytesUntilSection > 0 {
			if err := ioutil2.WriteZeros(cw, bytesUntilSection); err != nil {
				return fmt.Errorf("padding before section %s: %w", sec.Name, err)
			}
		}
		if sec.Kind == KindNobits || len(sec.Data) == 0 {
			continue
		}
		if _, err := cw.Write(sec.Data); err != nil {
			return fmt.Errorf("writing section %s: %w", sec.Name, err)
		}
	}

	if pad := int(shoff) - cw.BytesWritten(); pad > 0 {
		if err := ioutil2.WriteZeros(cw, pad); err != nil {
			return fmt.Errorf("padding before section header table: %w", err)
		}
	}

	var null shdr64
	if err := struc.PackWithOptions(cw, &null, &struc.Options{Order: order}); err != nil {
		return fmt.Errorf("writing null section header: %w", err)
	}

	for i, sec := range g.Sections {
		shdr := shdr64{
			Name:      sec.NameOffset,
			Type:      uint32(sec.Type),
			Flags:     uint64(sec.Flags),
			Addr:      0,
			Off:       offsets[i],
			Size:      sec.Size,
			Link:      sec.Link,
			Info:      sec.Info,
			Addralign: sec.Addralign,
			Entsize:   sec.Entsize,
		}
		if err := struc.PackWithOptions(cw, &shdr, &struc.Options{Order: order}); err != nil {
			return fmt.Errorf("writing section header %s: %w", sec.Name, err)
		}
	}

	return nil
}

func findSection(g *Graph, name string) (SectionID, error) {
	for _, sec := range g.Sections {
		if sec.Name == name {
			return sec.Index, nil
		}
	}
	return NoSection, fmt.Errorf("output graph has no %s section", name)
}

// ByteOrder returns the byte order implied by h's ELF class/data fields,
// used both by Write and by internal/synth when encoding symbol/relocation
// tables ahead of time.
func ByteOrder(h Header) binary.ByteOrder {
	return byteOrderOf(h)
}

func byteOrderOf(h Header) binary.ByteOrder {
	if h.Data() == elf.ELFDATA2MSB {
		return binary.BigEndian
	}
	return binary.LittleEndian
}

func max64(a, b uint64) uint64 {
	if a > b {
		return a
	}
	return b
}
