package runindex

import (
	"debug/elf"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLocalNamesAndTypesFiltersToLocalFuncsAndObjects(t *testing.T) {
	b := &FileBlock{Symbols: []Symbol{
		{Name: "static_helper", Bind: elf.STB_LOCAL, Type: elf.STT_FUNC},
		{Name: "counter", Bind: elf.STB_LOCAL, Type: elf.STT_OBJECT},
		{Name: "exported_fn", Bind: elf.STB_GLOBAL, Type: elf.STT_FUNC},
		{Name: "", Bind: elf.STB_LOCAL, Type: elf.STT_SECTION},
	}}

	got := b.LocalNamesAndTypes()

	assert.Len(t, got, 2)
	_, ok := got[[2]string{"static_helper", elf.STT_FUNC.String()}]
	assert.True(t, ok)
	_, ok = got[[2]string{"counter", elf.STT_OBJECT.String()}]
	assert.True(t, ok)
}

func TestFindGlobalSearchesAcrossBlocks(t *testing.T) {
	idx := &Index{Blocks: []*FileBlock{
		{File: "a.c", Symbols: []Symbol{{Name: "local_one", Bind: elf.STB_LOCAL}}},
		{File: "b.c", Symbols: []Symbol{{Name: "do_work", Bind: elf.STB_GLOBAL, Value: 0x1000}}},
	}}

	got, ok := idx.FindGlobal("do_work")
	assert.True(t, ok)
	assert.Equal(t, uint64(0x1000), got.Value)

	_, ok = idx.FindGlobal("local_one")
	assert.False(t, ok, "a LOCAL-bound symbol must not satisfy a GLOBAL lookup")
}

func TestFindInBlockIsScopedToTheBlock(t *testing.T) {
	b := &FileBlock{File: "a.c", Symbols: []Symbol{{Name: "static_helper", Value: 0x40}}}

	got, ok := b.FindInBlock("static_helper")
	assert.True(t, ok)
	assert.Equal(t, uint64(0x40), got.Value)

	_, ok = b.FindInBlock("missing")
	assert.False(t, ok)
}
