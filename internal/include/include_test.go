package include

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/upatch/upatch-build/internal/elfobj"
)

// buildGraph assembles a minimal correlated P graph: a changed function in
// .text referencing a same, otherwise-unreferenced local helper, an
// unreferenced rodata string, and a new global in .data.
func buildGraph() *elfobj.Graph {
	g := &elfobj.Graph{}

	g.AddSym(&elfobj.Symbol{Name: ""})

	text := g.AddSection(&elfobj.Section{Name: ".text", RelaSection: elfobj.NoSection, RelocTarget: elfobj.NoSection})
	rodata := g.AddSection(&elfobj.Section{Name: ".rodata", RelaSection: elfobj.NoSection, RelocTarget: elfobj.NoSection})
	data := g.AddSection(&elfobj.Section{Name: ".data", Status: elfobj.StatusNew, RelaSection: elfobj.NoSection, RelocTarget: elfobj.NoSection})
	relaText := g.AddSection(&elfobj.Section{Name: ".rela.text", Kind: elfobj.KindRela, RelocTarget: text, RelaSection: elfobj.NoSection})
	g.Section(text).RelaSection = relaText

	changedFunc := g.AddSym(&elfobj.Symbol{Name: "do_work", Type: elfobj.TypeFunc, Bind: elfobj.BindGlobal, Section: text, Status: elfobj.StatusChanged})
	helper := g.AddSym(&elfobj.Symbol{Name: "helper", Type: elfobj.TypeFunc, Bind: elfobj.BindLocal, Section: text, Status: elfobj.StatusSame})
	g.AddSym(&elfobj.Symbol{Name: "msg", Type: elfobj.TypeObject, Bind: elfobj.BindLocal, Section: rodata, Status: elfobj.StatusSame})
	g.AddSym(&elfobj.Symbol{Name: "new_counter", Type: elfobj.TypeObject, Bind: elfobj.BindGlobal, Section: data, Status: elfobj.StatusNew})

	g.Section(relaText).Relocs = []elfobj.Reloc{
		{Section: relaText, Symbol: helper},
	}
	_ = changedFunc

	return g
}

func TestRunIncludesChangedFuncAndItsReferent(t *testing.T) {
	g := buildGraph()

	res, err := Run(g, nil)
	require.NoError(t, err)

	assert.Equal(t, 1, res.ChangedFuncs)
	assert.Equal(t, 1, res.NewGlobals)
	assert.True(t, res.HasChanges())

	doWork := findSym(g, "do_work")
	helper := findSym(g, "helper")
	require.NotNil(t, doWork)
	require.NotNil(t, helper)
	assert.True(t, doWork.Included)
	assert.True(t, helper.Included, "helper must be included: it's referenced by a relocation in an included section")
	assert.True(t, helper.Placeholder, "a SAME local func pulled in only for a reference becomes a placeholder")
}

func TestHasChangesFalseWhenNothingChanged(t *testing.T) {
	g := &elfobj.Graph{}
	g.AddSym(&elfobj.Symbol{Name: ""})
	res, err := Run(g, nil)
	require.NoError(t, err)
	assert.False(t, res.HasChanges())
}

func TestRunRefusesChangedDataSection(t *testing.T) {
	g := &elfobj.Graph{}
	g.AddSym(&elfobj.Symbol{Name: ""})
	data := g.AddSection(&elfobj.Section{Name: ".data", Status: elfobj.StatusChanged})
	g.AddSym(&elfobj.Symbol{Name: "cfg", Type: elfobj.TypeObject, Bind: elfobj.BindGlobal, Section: data, Status: elfobj.StatusChanged})

	_, err := Run(g, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrRefused)
}

func TestRunHonorsExtraWhitelist(t *testing.T) {
	g := &elfobj.Graph{}
	g.AddSym(&elfobj.Symbol{Name: ""})
	text := g.AddSection(&elfobj.Section{Name: ".text", RelaSection: elfobj.NoSection, RelocTarget: elfobj.NoSection})
	data := g.AddSection(&elfobj.Section{Name: ".data.vetted", Status: elfobj.StatusSame, RelaSection: elfobj.NoSection, RelocTarget: elfobj.NoSection})
	relaText := g.AddSection(&elfobj.Section{Name: ".rela.text", Kind: elfobj.KindRela, RelocTarget: text, RelaSection: elfobj.NoSection})
	g.Section(text).RelaSection = relaText

	changed := g.AddSym(&elfobj.Symbol{Name: "do_work", Type: elfobj.TypeFunc, Bind: elfobj.BindGlobal, Section: text, Status: elfobj.StatusChanged})
	ref := g.AddSym(&elfobj.Symbol{Name: "cfg", Type: elfobj.TypeObject, Bind: elfobj.BindLocal, Section: data, Status: elfobj.StatusSame})
	g.Section(relaText).Relocs = []elfobj.Reloc{{Section: relaText, Symbol: ref}}
	_ = changed

	_, err := Run(g, nil)
	require.Error(t, err, "without the whitelist entry, pulling in .data.vetted must be refused")

	res, err := Run(freshSameGraph(g), []string{".data.vetted"})
	require.NoError(t, err)
	assert.True(t, res.HasChanges())
}

func findSym(g *elfobj.Graph, name string) *elfobj.Symbol {
	for _, s := range g.Syms {
		if s.Name == name {
			return s
		}
	}
	return nil
}

// freshSameGraph rebuilds an identical graph, since Run mutates the one it's
// given and the two Run calls in TestRunHonorsExtraWhitelist must not
// interfere with each other.
func freshSameGraph(_ *elfobj.Graph) *elfobj.Graph {
	g := &elfobj.Graph{}
	g.AddSym(&elfobj.Symbol{Name: ""})
	text := g.AddSection(&elfobj.Section{Name: ".text", RelaSection: elfobj.NoSection, RelocTarget: elfobj.NoSection})
	data := g.AddSection(&elfobj.Section{Name: ".data.vetted", Status: elfobj.StatusSame, RelaSection: elfobj.NoSection, RelocTarget: elfobj.NoSection})
	relaText := g.AddSection(&elfobj.Section{Name: ".rela.text", Kind: elfobj.KindRela, RelocTarget: text, RelaSection: elfobj.NoSection})
	g.Section(text).RelaSection = relaText

	g.AddSym(&elfobj.Symbol{Name: "do_work", Type: elfobj.TypeFunc, Bind: elfobj.BindGlobal, Section: text, Status: elfobj.StatusChanged})
	ref := g.AddSym(&elfobj.Symbol{Name: "cfg", Type: elfobj.TypeObject, Bind: elfobj.BindLocal, Section: data, Status: elfobj.StatusSame})
	g.Section(relaText).Relocs = []elfobj.Reloc{{Section: relaText, Symbol: ref}}
	return g
}
