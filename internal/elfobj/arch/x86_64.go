package arch

import (
	"debug/elf"
	"fmt"

	"golang.org/x/arch/x86/x86asm"
)

type x86_64Capability struct{}

func (x86_64Capability) Machine() elf.Machine { return elf.EM_X86_64 }
func (x86_64Capability) Name() string         { return "x86-64" }

func (x86_64Capability) IsPCRelative(relType uint32) bool {
	switch elf.R_X86_64(relType) {
	case elf.R_X86_64_PC8, elf.R_X86_64_PC16, elf.R_X86_64_PC32, elf.R_X86_64_PC64,
		elf.R_X86_64_PLT32, elf.R_X86_64_GOTPCREL, elf.R_X86_64_REX_GOTPCRELX,
		elf.R_X86_64_GOTPCRELX:
		return true
	default:
		return false
	}
}

func (x86_64Capability) RelocSize(relType uint32) int {
	switch elf.R_X86_64(relType) {
	case elf.R_X86_64_8, elf.R_X86_64_PC8:
		return 1
	case elf.R_X86_64_16, elf.R_X86_64_PC16:
		return 2
	case elf.R_X86_64_32, elf.R_X86_64_32S, elf.R_X86_64_PC32, elf.R_X86_64_PLT32,
		elf.R_X86_64_GOTPCREL, elf.R_X86_64_REX_GOTPCRELX, elf.R_X86_64_GOTPCRELX:
		return 4
	case elf.R_X86_64_64, elf.R_X86_64_PC64:
		return 8
	default:
		return -1
	}
}

// InstructionCorrection disassembles the containing section from its start
// to find the instruction covering relOffset, and returns the number of
// trailing instruction bytes after the relocated field (e.g. an immediate
// operand following a rip-relative addressing mode). Compilers fold this
// many bytes into the relocation's addend, so it must be added back to
// recover the true byte offset targeted by the relocation within the
// referenced section (spec 4.D).
func (c x86_64Capability) InstructionCorrection(data []byte, relOffset uint64, relType uint32) (int64, error) {
	if !c.IsPCRelative(relType) {
		return 0, nil
	}

	fieldEnd := relOffset + uint64(c.RelocSize(relType))

	pc := uint64(0)
	rest := data
	for len(rest) > 0 {
		inst, err := x86asm.Decode(rest, 64)
		size := inst.Len
		if err != nil || size == 0 {
			size = 1
		}
		if pc+uint64(size) > relOffset {
			// The relocated field starts within this instruction.
			instEnd := pc + uint64(size)
			if instEnd < fieldEnd {
				// Malformed: field runs past the instruction we found it
				// in. Treat as no correction rather than going negative.
				return 0, nil
			}
			return int64(instEnd - fieldEnd), nil
		}
		rest = rest[size:]
		pc += uint64(size)
	}

	return 0, fmt.Errorf("could not locate instruction covering offset %#x", relOffset)
}

func (x86_64Capability) AllowsLocalEntryOffset(uint8) bool { return false }

func (x86_64Capability) RelocTypeName(relType uint32) string {
	return elf.R_X86_64(relType).String()
}

func (x86_64Capability) AbsoluteRelocType() uint32 { return uint32(elf.R_X86_64_64) }
