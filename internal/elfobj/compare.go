package elfobj

import "fmt"

// CompareHeaders compares the whole-file ELF identification fields of O and
// P (spec 4.A): e_ident, e_type, e_machine, e_version, e_entry, e_phoff,
// e_flags, e_ehsize, e_phentsize, e_shentsize. A mismatch on any field
// aborts the build.
func CompareHeaders(o, p *Graph) error {
	oh, ph := o.Header, p.Header
	switch {
	case oh.Ident != ph.Ident:
		return fmt.Errorf("e_ident mismatch between original and patched object")
	case oh.Type != ph.Type:
		return fmt.Errorf("e_type mismatch: original %s, patched %s", oh.Type, ph.Type)
	case oh.Machine != ph.Machine:
		return fmt.Errorf("e_machine mismatch: original %s, patched %s", oh.Machine, ph.Machine)
	case oh.Version != ph.Version:
		return fmt.Errorf("e_version mismatch: original %d, patched %d", oh.Version, ph.Version)
	case oh.Entry != ph.Entry:
		return fmt.Errorf("e_entry mismatch: original %#x, patched %#x", oh.Entry, ph.Entry)
	case oh.Phoff != ph.Phoff:
		return fmt.Errorf("e_phoff mismatch: original %#x, patched %#x", oh.Phoff, ph.Phoff)
	case oh.Flags != ph.Flags:
		return fmt.Errorf("e_flags mismatch: original %#x, patched %#x", oh.Flags, ph.Flags)
	case oh.Ehsize != ph.Ehsize:
		return fmt.Errorf("e_ehsize mismatch: original %d, patched %d", oh.Ehsize, ph.Ehsize)
	case oh.Phentsize != ph.Phentsize:
		return fmt.Errorf("e_phentsize mismatch: original %d, patched %d", oh.Phentsize, ph.Phentsize)
	case oh.Shentsize != ph.Shentsize:
		return fmt.Errorf("e_shentsize mismatch: original %d, patched %d", oh.Shentsize, ph.Shentsize)
	}
	return nil
}
