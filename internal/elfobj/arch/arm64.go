package arch

import "debug/elf"

type arm64Capability struct{}

func (arm64Capability) Machine() elf.Machine { return elf.EM_AARCH64 }
func (arm64Capability) Name() string         { return "arm64" }

func (arm64Capability) IsPCRelative(relType uint32) bool {
	switch elf.R_AARCH64(relType) {
	case elf.R_AARCH64_CALL26, elf.R_AARCH64_JUMP26,
		elf.R_AARCH64_ADR_PREL_LO21, elf.R_AARCH64_ADR_PREL_PG_HI21,
		elf.R_AARCH64_CONDBR19, elf.R_AARCH64_PREL64, elf.R_AARCH64_PREL32,
		elf.R_AARCH64_PREL16:
		return true
	default:
		return false
	}
}

func (arm64Capability) RelocSize(relType uint32) int {
	switch elf.R_AARCH64(relType) {
	case elf.R_AARCH64_PREL16:
		return 2
	case elf.R_AARCH64_PREL32, elf.R_AARCH64_CALL26, elf.R_AARCH64_JUMP26,
		elf.R_AARCH64_ADR_PREL_LO21, elf.R_AARCH64_ADR_PREL_PG_HI21,
		elf.R_AARCH64_CONDBR19, elf.R_AARCH64_ABS32:
		return 4
	case elf.R_AARCH64_PREL64, elf.R_AARCH64_ABS64:
		return 8
	default:
		return -1
	}
}

// InstructionCorrection is always zero on arm64: every relocatable field is
// embedded directly in a fixed-width 4-byte instruction word, so there are
// no trailing operand bytes for the compiler to fold into the addend the
// way a variable-length x86 instruction can have.
func (arm64Capability) InstructionCorrection([]byte, uint64, uint32) (int64, error) {
	return 0, nil
}

func (arm64Capability) AllowsLocalEntryOffset(uint8) bool { return false }

func (arm64Capability) RelocTypeName(relType uint32) string {
	return elf.R_AARCH64(relType).String()
}

func (arm64Capability) AbsoluteRelocType() uint32 { return uint32(elf.R_AARCH64_ABS64) }
