package elfobj

import (
	"debug/elf"
	"testing"

	"github.com/stretchr/testify/assert"
)

func validHeader() Header {
	var h Header
	h.Ident[elf.EI_MAG0] = '\x7f'
	h.Ident[elf.EI_MAG1] = 'E'
	h.Ident[elf.EI_MAG2] = 'L'
	h.Ident[elf.EI_MAG3] = 'F'
	h.Ident[elf.EI_CLASS] = byte(elf.ELFCLASS64)
	h.Ident[elf.EI_DATA] = byte(elf.ELFDATA2LSB)
	h.Ident[elf.EI_VERSION] = byte(elf.EV_CURRENT)
	h.Type = elf.ET_REL
	h.Machine = elf.EM_X86_64
	h.Version = 1
	return h
}

func TestCompareHeadersAcceptsIdenticalHeaders(t *testing.T) {
	h := validHeader()
	assert.NoError(t, CompareHeaders(&Graph{Header: h}, &Graph{Header: h}))
}

func TestCompareHeadersRejectsMachineMismatch(t *testing.T) {
	oh, ph := validHeader(), validHeader()
	ph.Machine = elf.EM_AARCH64

	err := CompareHeaders(&Graph{Header: oh}, &Graph{Header: ph})
	assert.ErrorContains(t, err, "e_machine mismatch")
}

func TestCompareHeadersRejectsIdentMismatch(t *testing.T) {
	oh, ph := validHeader(), validHeader()
	ph.Ident[elf.EI_DATA] = byte(elf.ELFDATA2MSB)

	err := CompareHeaders(&Graph{Header: oh}, &Graph{Header: ph})
	assert.ErrorContains(t, err, "e_ident mismatch")
}

func TestCompareHeadersRejectsEntryMismatch(t *testing.T) {
	oh, ph := validHeader(), validHeader()
	oh.Entry = 0x1000

	err := CompareHeaders(&Graph{Header: oh}, &Graph{Header: ph})
	assert.ErrorContains(t, err, "e_entry mismatch")
}
