// Package ehframe implements the debug-info and exception-handling
// rebuild pass (spec 4.H): .debug_* sections are kept wholesale with dead
// relocations pruned, and .eh_frame is rebuilt to drop FDEs whose covered
// function did not make it into the patch.
package ehframe

import (
	"encoding/binary"
	"fmt"
	"strings"

	"github.com/upatch/upatch-build/internal/elfobj"
)

// Run applies both halves of the debug/EH rebuild to p. Component D (the
// section-symbol rewriter) and component G (inclusion) must already have
// run, since this pass relies on relocations already pointing at FUNC
// symbols and on Symbol.Included being final.
func Run(p *elfobj.Graph) error {
	includeDebugSections(p)
	pruneDeadDebugRelocs(p)
	return rebuildEHFrames(p)
}

// includeDebugSections forces every .debug_* section, together with its
// rela companion, into the output wholesale (spec 4.H).
func includeDebugSections(p *elfobj.Graph) {
	for _, sec := range p.Sections {
		if strings.HasPrefix(sec.Name, ".debug_") {
			sec.Included = true
			if sec.RelaSection != elfobj.NoSection {
				p.Section(sec.RelaSection).Included = true
			}
		}
	}
}

// pruneDeadDebugRelocs drops relocation entries in a .debug_* section's
// rela companion whose referent symbol was not included (spec 4.H).
func pruneDeadDebugRelocs(p *elfobj.Graph) {
	for _, sec := range p.Sections {
		if !strings.HasPrefix(sec.Name, ".debug_") {
			continue
		}
		if sec.RelaSection == elfobj.NoSection {
			continue
		}
		rs := p.Section(sec.RelaSection)
		kept := rs.Relocs[:0]
		for _, r := range rs.Relocs {
			sym := p.Sym(r.Symbol)
			if sym != nil && sym.Included {
				kept = append(kept, r)
			}
		}
		rs.Relocs = kept
		rs.Size = uint64(len(kept)) * rs.Entsize
	}
}

// record is one CIE or FDE entry in a parsed .eh_frame section.
type record struct {
	start, end    int // byte range in the original section, end exclusive
	isCIE         bool
	ciePointerOff int // offset of the cie_pointer field, valid for FDEs only
	cieStart      int // start offset of the CIE this FDE refers to, valid for FDEs only
}

// rebuildEHFrames walks every included .eh_frame section, drops FDEs whose
// covered function is not included, and recomputes CIE pointers and
// relocation offsets for what remains (spec 4.H).
func rebuildEHFrames(p *elfobj.Graph) error {
	for _, sec := range p.Sections {
		if !sec.Included || sec.Name != ".eh_frame" && !strings.HasPrefix(sec.Name, ".eh_frame.") {
			continue
		}

		records, err := parseEHFrame(sec.Data)
		if err != nil {
			return fmt.Errorf("parsing %s: %w", sec.Name, err)
		}

		var relocs []elfobj.Reloc
		if sec.RelaSection != elfobj.NoSection {
			relocs = p.Section(sec.RelaSection).Relocs
		}

		keepFDE := make([]bool, len(records))
		cieReferenced := make(map[int]bool)
		for i, rec := range records {
			if rec.isCIE {
				continue
			}
			sym := fdeCoveredSymbol(p, relocs, rec)
			if sym != nil && sym.Included {
				keepFDE[i] = true
				cieReferenced[rec.cieStart] = true
			}
		}

		newData, offsetMap := compactRecords(sec.Data, records, keepFDE, cieReferenced)

		if sec.RelaSection != elfobj.NoSection {
			rs := p.Section(sec.RelaSection)
			var newRelocs []elfobj.Reloc
			for _, r := range relocs {
				newOff, ok := offsetMap(int(r.Offset))
				if !ok {
					continue
				}
				r.Offset = uint64(newOff)
				newRelocs = append(newRelocs, r)
			}
			rs.Relocs = newRelocs
			rs.Size = uint64(len(newRelocs)) * rs.Entsize
		}

		sec.Data = newData
		sec.Size = uint64(len(newData))
	}
	return nil
}

// fdeCoveredSymbol finds the relocation landing on rec's pc_begin field and
// returns its referent symbol; after the section-symbol rewriter (4.D) has
// run, that referent is the covered FUNC symbol directly.
func fdeCoveredSymbol(p *elfobj.Graph, relocs []elfobj.Reloc, rec record) *elfobj.Symbol {
	pcBeginStart := rec.ciePointerOff + 4
	pcBeginEnd := pcBeginStart + 8
	for _, r := range relocs {
		off := int(r.Offset)
		if off >= pcBeginStart && off < pcBeginEnd {
			return p.Sym(r.Symbol)
		}
	}
	return nil
}

// parseEHFrame splits raw .eh_frame bytes into length-prefixed CIE/FDE
// records, stopping at a zero-length terminator.
func parseEHFrame(data []byte) ([]record, error) {
	var records []record
	cieStartByPointer := make(map[int]int) // ciePointerOff -> cieStart, filled while scanning

	i := 0
	for i < len(data) {
		if i+4 > len(data) {
			break
		}
		length := binary.LittleEndian.Uint32(data[i : i+4])
		if length == 0 {
			break // terminator entry
		}

		lenFieldSize := 4
		bodyLen := int(length)
		if length == 0xffffffff {
			if i+12 > len(data) {
				return nil, fmt.Errorf("truncated extended-length field at offset %d", i)
			}
			bodyLen = int(binary.LittleEndian.Uint64(data[i+4 : i+12]))
			lenFieldSize = 12
		}

		recStart := i
		idOff := i + lenFieldSize
		if idOff+4 > len(data) {
			return nil, fmt.Errorf("truncated record at offset %d", recStart)
		}
		id := binary.LittleEndian.Uint32(data[idOff : idOff+4])
		recEnd := idOff + bodyLen
		if recEnd > len(data) {
			return nil, fmt.Errorf("record at offset %d overruns section (end %d, size %d)", recStart, recEnd, len(data))
		}

		if id == 0 {
			records = append(records, record{start: recStart, end: recEnd, isCIE: true})
		} else {
			// The CIE pointer is the distance back from this field to the
			// CIE's start.
			cieStart := idOff - int(id)
			records = append(records, record{start: recStart, end: recEnd, isCIE: false, ciePointerOff: idOff, cieStart: cieStart})
			cieStartByPointer[idOff] = cieStart
		}

		i = recEnd
	}
	return records, nil
}

// compactRecords builds the rebuilt .eh_frame byte stream: all CIEs still
// referenced by a surviving FDE, plus every surviving FDE, each with its
// cie_pointer field rewritten for the new layout. It returns a function
// mapping an original byte offset within a surviving record to its new
// offset.
func compactRecords(data []byte, records []record, keepFDE []bool, cieReferenced map[int]bool) ([]byte, func(int) (int, bool)) {
	var out []byte
	oldToNewRecordStart := make(map[int]int)

	keep := func(i int) bool {
		if records[i].isCIE {
			return cieReferenced[records[i].start]
		}
		return keepFDE[i]
	}

	for i, rec := range records {
		if !keep(i) {
			continue
		}
		newStart := len(out)
		oldToNewRecordStart[rec.start] = newStart
		out = append(out, data[rec.start:rec.end]...)
	}

	// Patch cie_pointer fields now that every surviving CIE has a final
	// position.
	for i, rec := range records {
		if rec.isCIE || !keepFDE[i] {
			continue
		}
		newRecStart, ok := oldToNewRecordStart[rec.start]
		if !ok {
			continue
		}
		newCIEStart, ok := oldToNewRecordStart[rec.cieStart]
		if !ok {
			continue
		}
		newPointerOff := newRecStart + (rec.ciePointerOff - rec.start)
		newPointer := uint32(newPointerOff - newCIEStart)
		binary.LittleEndian.PutUint32(out[newPointerOff:newPointerOff+4], newPointer)
	}

	// Append the zero-length terminator.
	out = append(out, 0, 0, 0, 0)

	offsetMap := func(oldOff int) (int, bool) {
		for _, rec := range records {
			if oldOff < rec.start || oldOff >= rec.end {
				continue
			}
			if !keep(recordIndex(records, rec)) {
				return 0, false
			}
			newStart, ok := oldToNewRecordStart[rec.start]
			if !ok {
				return 0, false
			}
			return newStart + (oldOff - rec.start), true
		}
		return 0, false
	}

	return out, offsetMap
}

func recordIndex(records []record, target record) int {
	for i, r := range records {
		if r.start == target.start {
			return i
		}
	}
	return -1
}
