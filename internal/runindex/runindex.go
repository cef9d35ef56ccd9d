// Package runindex builds the flat, STT_FILE-partitioned index of a running
// ELF binary's symbol table (spec 4.B). It is read once, read-only, and
// consulted later by the correlator (internal/correlate) and the output
// synthesizer (internal/synth) to resolve externals against the running
// process's addresses.
package runindex

import (
	"debug/elf"
	"fmt"
)

// Symbol is one retained entry from the running ELF's symbol table: a
// FUNC/OBJECT/SECTION symbol with LOCAL or GLOBAL binding (spec 4.B).
type Symbol struct {
	Name    string
	Value   uint64
	Size    uint64
	Bind    elf.SymBind
	Type    elf.SymType
	Section elf.SectionIndex
}

// FileBlock is the run of local/global symbols following one STT_FILE
// symbol in the running binary, up to (not including) the next STT_FILE
// symbol (spec 4.B, "Static-local disambiguation").
type FileBlock struct {
	// File is the STT_FILE symbol name (often a source file basename).
	File string
	// Symbols are the FUNC/OBJECT/SECTION symbols belonging to this block.
	Symbols []Symbol
}

// Index is the ordered sequence of FileBlocks extracted from a running
// binary. Symbols appearing before the first STT_FILE symbol are collected
// into an anonymous leading block (File == "").
type Index struct {
	Blocks []*FileBlock
}

// Build reads f's static symbol table (falling back to the dynamic table if
// there is no static one) and partitions it into FileBlocks.
func Build(f *elf.File) (*Index, error) {
	syms, err := f.Symbols()
	if err != nil {
		syms, err = f.DynamicSymbols()
		if err != nil {
			return nil, fmt.Errorf("running binary has no usable symbol table: %w", err)
		}
	}

	idx := &Index{}
	cur := &FileBlock{}
	idx.Blocks = append(idx.Blocks, cur)

	for _, s := range syms {
		typ := elf.ST_TYPE(s.Info)
		bind := elf.ST_BIND(s.Info)

		if typ == elf.STT_FILE {
			cur = &FileBlock{File: s.Name}
			idx.Blocks = append(idx.Blocks, cur)
			continue
		}

		if typ != elf.STT_FUNC && typ != elf.STT_OBJECT && typ != elf.STT_SECTION {
			continue
		}
		if bind != elf.STB_LOCAL && bind != elf.STB_GLOBAL {
			continue
		}

		cur.Symbols = append(cur.Symbols, Symbol{
			Name:    s.Name,
			Value:   s.Value,
			Size:    s.Size,
			Bind:    bind,
			Type:    typ,
			Section: s.Section,
		})
	}

	return idx, nil
}

// LocalNamesAndTypes returns a signature of this block's LOCAL FUNC/OBJECT
// symbol (name, type) pairs, used by the correlator to set-match a
// candidate STT_FILE block in R against an STT_FILE block in O (spec 4.E).
func (b *FileBlock) LocalNamesAndTypes() map[[2]string]struct{} {
	out := make(map[[2]string]struct{}, len(b.Symbols))
	for _, s := range b.Symbols {
		if s.Bind != elf.STB_LOCAL {
			continue
		}
		if s.Type != elf.STT_FUNC && s.Type != elf.STT_OBJECT {
			continue
		}
		out[[2]string{s.Name, s.Type.String()}] = struct{}{}
	}
	return out
}

// FindGlobal returns the first GLOBAL symbol named name across the whole
// index (its type is not checked), used to resolve GLOBAL externals during output
// synthesis (spec 4.I step 8).
func (idx *Index) FindGlobal(name string) (Symbol, bool) {
	for _, b := range idx.Blocks {
		for _, s := range b.Symbols {
			if s.Name == name && s.Bind == elf.STB_GLOBAL {
				return s, true
			}
		}
	}
	return Symbol{}, false
}

// FindInBlock returns the symbol named name within block b, used to resolve
// LOCAL externals once their owning block has been disambiguated.
func (b *FileBlock) FindInBlock(name string) (Symbol, bool) {
	for _, s := range b.Symbols {
		if s.Name == name {
			return s, true
		}
	}
	return Symbol{}, false
}
