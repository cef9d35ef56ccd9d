package synth

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"fmt"
	"strings"

	"github.com/Masterminds/semver/v3"
	"github.com/google/uuid"
	"github.com/lunixbochs/struc"
	"github.com/upatch/upatch-build/internal/elfobj"
	"github.com/upatch/upatch-build/internal/runindex"
)

// formatVersion is the .upatch.info layout version stamped into every
// build, checked by the runtime loader against the version it was built
// against (spec 4.I "[ADDED] Patch metadata format version").
const formatVersion = "1.0.0"

// sectionTypeLoos is the base of the OS-specific section type range
// (SHT_LOOS); upatch-build's own metadata sections use this type so
// generic ELF tooling treats them as opaque PROGBITS-like data it doesn't
// understand, without colliding with a real OS-reserved type.
const sectionTypeLoos = 0x60000000

// funcsEntry is one .upatch.funcs record (spec 4.I step 2): the new
// function's address is carried as a relocation (NewAddr is filled in by a
// companion .rela.upatch.funcs entry, addend 0) since the runtime address
// of a migrated function isn't known until the patch is mapped; OldAddr is
// a concrete value already resolved against R at build time.
type funcsEntry struct {
	NewAddr uint64
	OldAddr uint64
	Size    uint64
	Flags   uint32
	_       uint32
}

// externsEntry is one .upatch.externs record: an unresolved reference in U
// resolved against R's symbol table (spec 4.I step 8).
type externsEntry struct {
	SymIndex uint32
	Flags    uint32
	Addr     uint64
}

// infoHeader is the single .upatch.info record.
type infoHeader struct {
	Magic          [8]byte
	VersionMajor   uint16
	VersionMinor   uint16
	VersionPatch   uint16
	_              uint16
	BuildID        [16]byte
	NumFuncs       uint32
	NumExterns     uint32
	ArchName       [16]byte
}

var infoMagic = [8]byte{'U', 'P', 'A', 'T', 'C', 'H', 0, 0}

// externFlagUnresolved marks an extern record the build could not resolve;
// Build always errors out before emitting such a record (spec 6,
// "unresolvable external"), so this is reserved for future loader use, not
// currently set.
const externFlagUnresolved uint32 = 1 << 0

// buildMetadata computes the changed-function records and resolves every
// remaining undefined external symbol in u against run, then appends the
// .upatch.funcs/.upatch.externs/.upatch.info/.upatch.arch sections (plus
// the .rela.upatch.funcs relocation section feeding .upatch.funcs) to u.
func buildMetadata(u *elfobj.Graph, run *runindex.Index) error {
	order := elfobj.ByteOrder(u.Header)

	funcRecs, funcSyms, err := resolveChangedFuncs(u, run)
	if err != nil {
		return err
	}
	externRecs, err := resolveExternals(u, run)
	if err != nil {
		return err
	}

	if err := addFuncsSection(u, order, funcRecs, funcSyms); err != nil {
		return err
	}
	if err := addExternsSection(u, order, externRecs); err != nil {
		return err
	}
	if err := addArchSection(u, order); err != nil {
		return err
	}
	if err := addInfoSection(u, order, len(funcRecs), len(externRecs)); err != nil {
		return err
	}
	return nil
}

// resolveChangedFuncs finds the original (R) address of every included
// CHANGED FUNC symbol in u, using lookup_running_file_sym for LOCAL
// symbols and a global name scan otherwise (spec 4.I step 2).
func resolveChangedFuncs(u *elfobj.Graph, run *runindex.Index) ([]funcsEntry, []elfobj.SymID, error) {
	var recs []funcsEntry
	var syms []elfobj.SymID

	for _, sym := range u.Syms {
		if sym.Type != elfobj.TypeFunc || sym.Status != elfobj.StatusChanged {
			continue
		}
		addr, ok := resolveAddress(sym, run)
		if !ok {
			return nil, nil, fmt.Errorf("could not resolve original address of changed function %q in running binary", sym.Name)
		}
		recs = append(recs, funcsEntry{OldAddr: addr, Size: sym.Size})
		syms = append(syms, sym.Index)
	}
	return recs, syms, nil
}

// resolveExternals resolves every remaining undefined symbol in u (other
// than the NULL symbol) against run (spec 4.I step 8).
func resolveExternals(u *elfobj.Graph, run *runindex.Index) ([]externsEntry, error) {
	var recs []externsEntry
	for _, sym := range u.Syms {
		if sym.Index == 0 || sym.Section != elfobj.NoSection {
			continue
		}
		if sym.Type == elfobj.TypeFile {
			continue
		}
		addr, ok := resolveAddress(sym, run)
		if !ok {
			return nil, fmt.Errorf("unresolvable external symbol %q against running binary", sym.Name)
		}
		recs = append(recs, externsEntry{SymIndex: uint32(sym.Index), Addr: addr})
	}
	return recs, nil
}

// resolveAddress disambiguates sym per spec 4.E/4.I: LOCAL symbols resolve
// within their matched STT_FILE block; GLOBAL/WEAK symbols resolve by a
// global name scan.
func resolveAddress(sym *elfobj.Symbol, run *runindex.Index) (uint64, bool) {
	if sym.Bind == elfobj.BindLocal {
		if sym.LookupRunningFileSym == nil {
			return 0, false
		}
		s, ok := sym.LookupRunningFileSym.FindInBlock(sym.Name)
		if !ok {
			return 0, false
		}
		return s.Value, true
	}
	s, ok := run.FindGlobal(sym.Name)
	if !ok {
		return 0, false
	}
	return s.Value, true
}

func addFuncsSection(u *elfobj.Graph, order binary.ByteOrder, recs []funcsEntry, syms []elfobj.SymID) error {
	if len(recs) == 0 {
		return nil
	}

	const entsize = 32
	data := make([]byte, 0, len(recs)*entsize)
	var buf bytes.Buffer
	for _, r := range recs {
		buf.Reset()
		if err := struc.PackWithOptions(&buf, &r, &struc.Options{Order: order}); err != nil {
			return fmt.Errorf("encoding .upatch.funcs entry: %w", err)
		}
		data = append(data, buf.Bytes()...)
	}

	sec := &elfobj.Section{
		Name:          ".upatch.funcs",
		RawIndex:      -1,
		Kind:          elfobj.KindProgbits,
		Type:          elf.SectionType(sectionTypeLoos),
		Size:          uint64(len(data)),
		Entsize:       entsize,
		Addralign:     8,
		Data:          data,
		RelaSection:   elfobj.NoSection,
		RelocTarget:   elfobj.NoSection,
		SectionSymbol: elfobj.NoSym,
	}
	secID := u.AddSection(sec)

	absType := u.Arch.AbsoluteRelocType()
	var relocs []elfobj.Reloc
	for i, symID := range syms {
		relocs = append(relocs, elfobj.Reloc{
			Offset: uint64(i * entsize), // NewAddr is the first field
			Symbol: symID,
			Type:   absType,
			Addend: 0,
		})
	}
	relaSec := &elfobj.Section{
		Name:        ".rela.upatch.funcs",
		RawIndex:    -1,
		Kind:        elfobj.KindRela,
		Type:        elf.SHT_RELA,
		Entsize:     24,
		Addralign:   8,
		RelocTarget: secID,
		RelaSection: elfobj.NoSection,
		Relocs:      relocs,
	}
	relaID := u.AddSection(relaSec)
	sec.RelaSection = relaID
	return nil
}

func addExternsSection(u *elfobj.Graph, order binary.ByteOrder, recs []externsEntry) error {
	if len(recs) == 0 {
		return nil
	}

	var buf bytes.Buffer
	for _, r := range recs {
		if err := struc.PackWithOptions(&buf, &r, &struc.Options{Order: order}); err != nil {
			return fmt.Errorf("encoding .upatch.externs entry: %w", err)
		}
	}

	u.AddSection(&elfobj.Section{
		Name:          ".upatch.externs",
		RawIndex:      -1,
		Kind:          elfobj.KindProgbits,
		Type:          elf.SectionType(sectionTypeLoos),
		Size:          uint64(buf.Len()),
		Entsize:       16,
		Addralign:     8,
		Data:          buf.Bytes(),
		RelaSection:   elfobj.NoSection,
		RelocTarget:   elfobj.NoSection,
		SectionSymbol: elfobj.NoSym,
	})
	return nil
}

func addArchSection(u *elfobj.Graph, order binary.ByteOrder) error {
	name := strings.ToUpper(u.Arch.Name())
	var archName [16]byte
	copy(archName[:], name)

	var flags uint16
	if u.Arch.AllowsLocalEntryOffset(0) {
		flags |= 1
	}

	type archDescriptor struct {
		Machine uint16
		Flags   uint16
		Name    [16]byte
	}
	desc := archDescriptor{Machine: uint16(u.Arch.Machine()), Flags: flags, Name: archName}

	var buf bytes.Buffer
	if err := struc.PackWithOptions(&buf, &desc, &struc.Options{Order: order}); err != nil {
		return fmt.Errorf("encoding .upatch.arch: %w", err)
	}

	u.AddSection(&elfobj.Section{
		Name:          ".upatch.arch",
		RawIndex:      -1,
		Kind:          elfobj.KindProgbits,
		Type:          elf.SectionType(sectionTypeLoos),
		Size:          uint64(buf.Len()),
		Addralign:     4,
		Data:          buf.Bytes(),
		RelaSection:   elfobj.NoSection,
		RelocTarget:   elfobj.NoSection,
		SectionSymbol: elfobj.NoSym,
	})
	return nil
}

func addInfoSection(u *elfobj.Graph, order binary.ByteOrder, numFuncs, numExterns int) error {
	v, err := semver.NewVersion(formatVersion)
	if err != nil {
		return fmt.Errorf("parsing internal format version %q: %w", formatVersion, err)
	}

	id, err := uuid.NewRandom()
	if err != nil {
		return fmt.Errorf("generating build id: %w", err)
	}

	var archName [16]byte
	copy(archName[:], strings.ToUpper(u.Arch.Name()))

	hdr := infoHeader{
		Magic:        infoMagic,
		VersionMajor: uint16(v.Major()),
		VersionMinor: uint16(v.Minor()),
		VersionPatch: uint16(v.Patch()),
		NumFuncs:     uint32(numFuncs),
		NumExterns:   uint32(numExterns),
		ArchName:     archName,
	}
	idBytes, err := id.MarshalBinary()
	if err != nil {
		return fmt.Errorf("marshaling build id: %w", err)
	}
	copy(hdr.BuildID[:], idBytes)

	var buf bytes.Buffer
	if err := struc.PackWithOptions(&buf, &hdr, &struc.Options{Order: order}); err != nil {
		return fmt.Errorf("encoding .upatch.info: %w", err)
	}

	u.AddSection(&elfobj.Section{
		Name:          ".upatch.info",
		RawIndex:      -1,
		Kind:          elfobj.KindProgbits,
		Type:          elf.SectionType(sectionTypeLoos),
		Size:          uint64(buf.Len()),
		Addralign:     8,
		Data:          buf.Bytes(),
		RelaSection:   elfobj.NoSection,
		RelocTarget:   elfobj.NoSection,
		SectionSymbol: elfobj.NoSym,
	})
	return nil
}
