package rewrite

import (
	"debug/elf"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/upatch/upatch-build/internal/elfobj"
	"github.com/upatch/upatch-build/internal/elfobj/arch"
)

func mustArch(t *testing.T) arch.Capability {
	t.Helper()
	c, err := arch.For(elf.EM_X86_64)
	require.NoError(t, err)
	return c
}

func TestRunRewritesToCoveringSymbol(t *testing.T) {
	g := &elfobj.Graph{Arch: mustArch(t)}

	text := g.AddSection(&elfobj.Section{Name: ".text", Kind: elfobj.KindProgbits, Data: make([]byte, 16), RelocTarget: elfobj.NoSection})
	data := g.AddSection(&elfobj.Section{Name: ".data", Kind: elfobj.KindProgbits, Size: 32, RelocTarget: elfobj.NoSection})
	rela := g.AddSection(&elfobj.Section{Name: ".rela.text", Kind: elfobj.KindRela, RelocTarget: text})

	secSym := g.AddSym(&elfobj.Symbol{Name: "", Type: elfobj.TypeSection, Section: data})
	obj := g.AddSym(&elfobj.Symbol{Name: "counter", Type: elfobj.TypeObject, Section: data, Value: 16, Size: 8})

	g.Section(rela).Relocs = []elfobj.Reloc{
		{Section: rela, Offset: 0, Symbol: secSym, Type: uint32(elf.R_X86_64_64), Addend: 20},
	}

	require.NoError(t, Run(g))

	r := g.Section(rela).Relocs[0]
	assert.Equal(t, obj, r.Symbol)
	assert.Equal(t, int64(4), r.Addend, "addend must be rebased relative to the covering symbol's value")
}

func TestRunUsesBundledSectionOwner(t *testing.T) {
	g := &elfobj.Graph{Arch: mustArch(t)}

	text := g.AddSection(&elfobj.Section{Name: ".text.do_work", Kind: elfobj.KindProgbits, Data: []byte{0x90, 0x90, 0x90, 0x90}, RelocTarget: elfobj.NoSection})
	rela := g.AddSection(&elfobj.Section{Name: ".rela.text.do_work", Kind: elfobj.KindRela, RelocTarget: text})

	fn := g.AddSym(&elfobj.Symbol{Name: "do_work", Type: elfobj.TypeFunc, Section: text})
	g.Section(text).SectionSymbol = fn
	secSym := g.AddSym(&elfobj.Symbol{Name: "", Type: elfobj.TypeSection, Section: text})

	g.Section(rela).Relocs = []elfobj.Reloc{
		{Section: rela, Offset: 0, Symbol: secSym, Type: uint32(elf.R_X86_64_PC32), Addend: -4},
	}

	require.NoError(t, Run(g))

	assert.Equal(t, fn, g.Section(rela).Relocs[0].Symbol)
	assert.Equal(t, int64(0), g.Section(rela).Relocs[0].Addend)
}

func TestRunFallsBackForUncoveredRodata(t *testing.T) {
	g := &elfobj.Graph{Arch: mustArch(t)}

	text := g.AddSection(&elfobj.Section{Name: ".text", Kind: elfobj.KindProgbits, Data: make([]byte, 8), RelocTarget: elfobj.NoSection})
	rodata := g.AddSection(&elfobj.Section{Name: ".rodata", Kind: elfobj.KindProgbits, Size: 8, RelocTarget: elfobj.NoSection})
	rela := g.AddSection(&elfobj.Section{Name: ".rela.text", Kind: elfobj.KindRela, RelocTarget: text})

	secSym := g.AddSym(&elfobj.Symbol{Name: "", Type: elfobj.TypeSection, Section: rodata})

	g.Section(rela).Relocs = []elfobj.Reloc{
		{Section: rela, Offset: 0, Symbol: secSym, Type: uint32(elf.R_X86_64_64), Addend: 3},
	}

	require.NoError(t, Run(g), "an uncovered offset in .rodata must fall back rather than error")
	assert.Equal(t, secSym, g.Section(rela).Relocs[0].Symbol, "relocation is left untouched on the allowed fallback path")
}
