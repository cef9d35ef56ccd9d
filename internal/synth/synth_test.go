package synth

import (
	"debug/elf"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	elfarch "github.com/upatch/upatch-build/internal/elfobj/arch"

	"github.com/upatch/upatch-build/internal/elfobj"
	"github.com/upatch/upatch-build/internal/runindex"
)

func testHeader() elfobj.Header {
	var h elfobj.Header
	h.Ident[elf.EI_CLASS] = byte(elf.ELFCLASS64)
	h.Ident[elf.EI_DATA] = byte(elf.ELFDATA2LSB)
	h.Machine = elf.EM_X86_64
	h.Version = 1
	return h
}

func mustArch(t *testing.T) elfarch.Capability {
	t.Helper()
	c, err := elfarch.For(elf.EM_X86_64)
	require.NoError(t, err)
	return c
}

// buildIncludedGraph models a P graph after internal/include has selected
// its closure: one CHANGED global function, one SAME local helper pulled in
// as a placeholder, and one unresolved external call.
func buildIncludedGraph(t *testing.T) *elfobj.Graph {
	t.Helper()
	p := &elfobj.Graph{Header: testHeader(), Arch: mustArch(t)}

	p.AddSym(&elfobj.Symbol{Name: "", Section: elfobj.NoSection})

	text := p.AddSection(&elfobj.Section{
		Name: ".text", Kind: elfobj.KindProgbits, Data: []byte{0x90, 0x90},
		Size: 2, Included: true, RelaSection: 1, RelocTarget: elfobj.NoSection,
	})
	rela := p.AddSection(&elfobj.Section{
		Name: ".rela.text", Kind: elfobj.KindRela, RelocTarget: text, RelaSection: elfobj.NoSection,
		Included: true,
	})

	doWork := p.AddSym(&elfobj.Symbol{
		Name: "do_work", Type: elfobj.TypeFunc, Bind: elfobj.BindGlobal,
		Section: text, Status: elfobj.StatusChanged, Size: 2, Included: true,
	})
	external := p.AddSym(&elfobj.Symbol{
		Name: "helper_extern", Type: elfobj.TypeFunc, Bind: elfobj.BindGlobal,
		Section: elfobj.NoSection, Status: elfobj.StatusSame, Included: true,
	})

	p.Section(rela).Relocs = []elfobj.Reloc{
		{Section: rela, Offset: 0, Symbol: external, Type: 4, Addend: -4},
	}
	_ = doWork

	return p
}

func testRunIndex() *runindex.Index {
	return &runindex.Index{
		Blocks: []*runindex.FileBlock{
			{
				File: "",
				Symbols: []runindex.Symbol{
					{Name: "do_work", Value: 0x1000, Size: 2, Bind: elf.STB_GLOBAL, Type: elf.STT_FUNC},
					{Name: "helper_extern", Value: 0x2000, Size: 1, Bind: elf.STB_GLOBAL, Type: elf.STT_FUNC},
				},
			},
		},
	}
}

func TestBuildEndToEnd(t *testing.T) {
	p := buildIncludedGraph(t)
	run := testRunIndex()

	u, err := Build(p, run)
	require.NoError(t, err)

	assert.Equal(t, elf.ET_REL, u.Header.Type)

	var gotText, gotFuncs, gotExterns, gotInfo, gotArch, gotSymtab bool
	for _, sec := range u.Sections {
		switch sec.Name {
		case ".text":
			gotText = true
		case ".upatch.funcs":
			gotFuncs = true
		case ".upatch.externs":
			gotExterns = true
		case ".upatch.info":
			gotInfo = true
		case ".upatch.arch":
			gotArch = true
		case ".symtab":
			gotSymtab = true
		}
	}
	assert.True(t, gotText, ".text must be migrated")
	assert.True(t, gotFuncs, "a CHANGED function must produce .upatch.funcs")
	assert.True(t, gotExterns, "an unresolved external must produce .upatch.externs")
	assert.True(t, gotInfo)
	assert.True(t, gotArch)
	assert.True(t, gotSymtab)

	doWork := findSym(u, "do_work")
	require.NotNil(t, doWork)
	assert.Equal(t, elfobj.StatusChanged, doWork.Status)
}

func TestBuildFailsOnUnresolvableExternal(t *testing.T) {
	p := buildIncludedGraph(t)
	run := &runindex.Index{Blocks: []*runindex.FileBlock{{File: "", Symbols: []runindex.Symbol{
		{Name: "do_work", Value: 0x1000, Size: 2, Bind: elf.STB_GLOBAL, Type: elf.STT_FUNC},
	}}}}

	_, err := Build(p, run)
	assert.Error(t, err, "an external the running binary doesn't define must fail the build")
}

// TestBuildExternsSymIndexSurvivesReordering guards against externals
// resolving to a stale symtab index: buildIncludedGraph has no LOCAL
// symbols, so it never exercises the index shift a LOCAL symbol sorting
// ahead of the externals would cause once finalizeSymbols reorders/reindexes
// the table.
func TestBuildExternsSymIndexSurvivesReordering(t *testing.T) {
	p := buildIncludedGraph(t)
	var text elfobj.SectionID
	for _, sec := range p.Sections {
		if sec.Name == ".text" {
			text = sec.Index
		}
	}
	// A LOCAL symbol with a defined section: kept unconditionally (CHANGED)
	// and sorted ahead of the global bucket, so it shifts every later
	// symbol's final index -- exactly the shift buildMetadata must observe.
	p.AddSym(&elfobj.Symbol{
		Name: "static_var", Type: elfobj.TypeObject, Bind: elfobj.BindLocal,
		Section: text, Status: elfobj.StatusChanged, Included: true,
	})

	u, err := Build(p, testRunIndex())
	require.NoError(t, err)

	external := findSym(u, "helper_extern")
	require.NotNil(t, external)

	var externs *elfobj.Section
	for _, sec := range u.Sections {
		if sec.Name == ".upatch.externs" {
			externs = sec
		}
	}
	require.NotNil(t, externs)

	gotSymIndex := binary.LittleEndian.Uint32(externs.Data[0:4])
	assert.Equal(t, uint32(external.Index), gotSymIndex, "the extern record must carry the symbol's final, post-reorder symtab index")
}

func findSym(g *elfobj.Graph, name string) *elfobj.Symbol {
	for _, s := range g.Syms {
		if s.Name == name {
			return s
		}
	}
	return nil
}

func TestMigrateSectionsSkipsUnincluded(t *testing.T) {
	p := &elfobj.Graph{}
	p.AddSection(&elfobj.Section{Name: ".text", Included: true, RelaSection: elfobj.NoSection, RelocTarget: elfobj.NoSection})
	p.AddSection(&elfobj.Section{Name: ".data.hot", Included: false, RelaSection: elfobj.NoSection, RelocTarget: elfobj.NoSection})

	u := &elfobj.Graph{}
	secMap := migrateSections(p, u)

	assert.Len(t, u.Sections, 1)
	assert.Equal(t, ".text", u.Sections[0].Name)
	_, ok := secMap[1]
	assert.False(t, ok, "an unincluded section must not be migrated")
}

func TestMigrateSymbolsUnmappedSectionBecomesUndefined(t *testing.T) {
	p := &elfobj.Graph{}
	p.AddSym(&elfobj.Symbol{Name: ""})
	p.AddSection(&elfobj.Section{Name: ".discard", Included: false})
	p.AddSym(&elfobj.Symbol{Name: "orphan", Section: 0, Included: true})

	u := &elfobj.Graph{}
	secMap := map[elfobj.SectionID]elfobj.SectionID{} // section 0 deliberately not migrated

	symMap := migrateSymbols(p, u, secMap)

	orphan := findSym(u, "orphan")
	require.NotNil(t, orphan)
	assert.Equal(t, elfobj.NoSection, orphan.Section, "a symbol whose section wasn't migrated must become undefined, not silently point at section 0")
	assert.Contains(t, symMap, elfobj.SymID(1))
}

func TestFinalizeSymbolsStripsUnreferencedSame(t *testing.T) {
	u := &elfobj.Graph{}
	u.AddSym(&elfobj.Symbol{Name: ""})
	u.AddSym(&elfobj.Symbol{Name: "changed_fn", Bind: elfobj.BindGlobal, Status: elfobj.StatusChanged})
	u.AddSym(&elfobj.Symbol{Name: "unreferenced_same", Bind: elfobj.BindLocal, Status: elfobj.StatusSame})

	finalizeSymbols(u)

	assert.Nil(t, findSym(u, "unreferenced_same"), "an unreferenced SAME symbol must be stripped")
	assert.NotNil(t, findSym(u, "changed_fn"))
}

func TestFinalizeSymbolsKeepsReferencedSame(t *testing.T) {
	u := &elfobj.Graph{}
	u.AddSym(&elfobj.Symbol{Name: ""})
	placeholderID := u.AddSym(&elfobj.Symbol{Name: "placeholder_fn", Bind: elfobj.BindLocal, Status: elfobj.StatusSame})

	rela := u.AddSection(&elfobj.Section{Name: ".rela.text", Kind: elfobj.KindRela})
	u.Section(rela).Relocs = []elfobj.Reloc{{Symbol: placeholderID}}

	finalizeSymbols(u)

	assert.NotNil(t, findSym(u, "placeholder_fn"), "a referenced SAME symbol must survive")
}

func TestFinalizeSymbolsOrdering(t *testing.T) {
	u := &elfobj.Graph{}
	u.AddSym(&elfobj.Symbol{Name: ""})
	u.AddSym(&elfobj.Symbol{Name: "g", Bind: elfobj.BindGlobal, Status: elfobj.StatusChanged})
	u.AddSym(&elfobj.Symbol{Name: "l_other", Bind: elfobj.BindLocal, Type: elfobj.TypeFunc, Status: elfobj.StatusChanged})
	u.AddSym(&elfobj.Symbol{Name: "l_file", Bind: elfobj.BindLocal, Type: elfobj.TypeFile, Status: elfobj.StatusSame})
	u.AddSym(&elfobj.Symbol{Name: "l_sect", Bind: elfobj.BindLocal, Type: elfobj.TypeSection, Status: elfobj.StatusChanged})

	localCount := finalizeSymbols(u)

	var names []string
	for _, s := range u.Syms {
		names = append(names, s.Name)
	}
	assert.Equal(t, []string{"", "l_sect", "l_file", "l_other", "g"}, names)
	assert.Equal(t, 4, localCount, "sh_info must be the index of the first non-LOCAL symbol")
}

func TestFinalizeSymbolsUndefinedGlobalsSortBeforeDefined(t *testing.T) {
	u := &elfobj.Graph{}
	u.AddSym(&elfobj.Symbol{Name: ""})
	text := u.AddSection(&elfobj.Section{Name: ".text"})
	u.AddSym(&elfobj.Symbol{Name: "defined_fn", Bind: elfobj.BindGlobal, Section: text, Status: elfobj.StatusChanged})
	undefGlobal := u.AddSym(&elfobj.Symbol{Name: "extern_fn", Bind: elfobj.BindGlobal, Section: elfobj.NoSection, Status: elfobj.StatusSame})

	referencing := u.AddSection(&elfobj.Section{Name: ".text.caller"})
	rela := u.AddSection(&elfobj.Section{Name: ".rela.text.caller", Kind: elfobj.KindRela, RelocTarget: referencing})
	u.Section(rela).Relocs = []elfobj.Reloc{{Section: rela, Symbol: undefGlobal}}

	finalizeSymbols(u)

	var names []string
	for _, s := range u.Syms {
		names = append(names, s.Name)
	}
	assert.Equal(t, []string{"", "extern_fn", "defined_fn"}, names, "undefined globals must sort before defined globals within the non-LOCAL run")
}
