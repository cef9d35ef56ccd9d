// Package arch selects an architecture-specific relocation capability
// object at graph-construction time, rather than switching on machine type
// throughout the pipeline (see the "Relocation-type dispatch" design note).
package arch

import (
	"debug/elf"
	"fmt"
)

// Capability is the per-architecture relocation behavior needed by the
// section-symbol rewriter (internal/rewrite) and the output synthesizer
// (internal/synth). It plays the role aclements-go-obj's relocClass
// interface plays for relocation string/size formatting, generalized to
// also cover PC-relative target-offset computation.
type Capability interface {
	// Machine is the debug/elf machine constant this capability serves.
	Machine() elf.Machine

	// Name is a short human-readable architecture name, used in
	// diagnostics.
	Name() string

	// IsPCRelative reports whether relType computes a PC-relative value
	// (so the relocation's target offset must add the relocated field's
	// own width, per spec 4.D).
	IsPCRelative(relType uint32) bool

	// RelocSize returns the width, in bytes, of the field a relocation of
	// this type writes into, or -1 if unknown.
	RelocSize(relType uint32) int

	// InstructionCorrection returns the number of bytes, if any, by which
	// a PC-relative relocation's addend was adjusted to account for
	// instruction bytes following the relocated field (e.g. an extra
	// immediate operand). data is the byte payload of the section
	// containing the relocation; relOffset is the section-relative byte
	// offset of the relocated field.
	InstructionCorrection(data []byte, relOffset uint64, relType uint32) (int64, error)

	// AllowsLocalEntryOffset reports whether a bundled symbol may
	// legitimately have a non-zero st_value given its st_other bits (the
	// PPC64 ABIv2 local-entry-point exception named in spec 9; always
	// false for architectures that don't have this exception).
	AllowsLocalEntryOffset(stOther uint8) bool

	// RelocTypeName renders relType for diagnostics.
	RelocTypeName(relType uint32) string

	// AbsoluteRelocType returns the architecture's absolute 64-bit
	// relocation type, used by the output synthesizer to let the runtime
	// loader patch in a migrated function's final load address (spec
	// 4.I, .upatch.funcs).
	AbsoluteRelocType() uint32
}

// For returns the relocation capability object for machine, or an error if
// the architecture isn't supported.
func For(machine elf.Machine) (Capability, error) {
	switch machine {
	case elf.EM_X86_64:
		return x86_64Capability{}, nil
	case elf.EM_AARCH64:
		return arm64Capability{}, nil
	default:
		return nil, fmt.Errorf("unsupported target architecture %s", machine)
	}
}
