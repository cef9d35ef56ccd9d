// Package include computes the inclusion closure over a correlated P graph
// (spec 4.G): the minimal set of sections and symbols that must survive
// into the patch, plus the refusal checks that decide whether the patch is
// legal at all.
package include

import (
	"debug/elf"
	"errors"
	"fmt"
	"strings"

	"github.com/upatch/upatch-build/internal/elfobj"
)

// ErrRefused wraps the aggregated list of patchability refusals collected
// during validation (spec 7, "Patchability refusals").
var ErrRefused = errors.New("patch refused")

const (
	placeholderMarker uint8 = 0x80 // st_other bit telling the loader to resolve from R (spec 4.G)
)

// whitelistedDataSections are the only .data/.bss-prefixed sections an
// included, non-NEW section is allowed to be (spec 4.G).
var whitelistedDataSections = []string{".data.unlikely", ".data.once"}

// Result reports the outcome of the closure and its validation.
type Result struct {
	IncludedSections int
	IncludedSymbols  int
	NewGlobals       int
	ChangedFuncs     int
}

// Run seeds and closes the inclusion set over p, then validates it.
// Correlation against o (for SAME/CHANGED status) must already have run.
// extraWhitelist names additional .data/.bss section prefixes an operator
// has vetted as patchable, beyond the two built-in whitelisted sections
// (spec 4.G; ambient config, see internal/buildcfg).
func Run(p *elfobj.Graph, extraWhitelist []string) (Result, error) {
	seed(p)
	closeOver(p)
	markPlaceholders(p)
	return validate(p, extraWhitelist)
}

// seed marks the initial inclusion seeds (spec 4.G).
func seed(p *elfobj.Graph) {
	for _, sym := range p.Syms {
		switch {
		case sym.Type == elfobj.TypeFunc && sym.Status == elfobj.StatusChanged:
			sym.Included = true
		case sym.Type == elfobj.TypeSection && sym.Status == elfobj.StatusChanged && isEHSection(sectionName(p, sym)):
			sym.Included = true
		case sym.Status == elfobj.StatusNew && sym.Bind == elfobj.BindGlobal && sym.Section != elfobj.NoSection:
			sym.Included = true
		case sym.Type == elfobj.TypeFile:
			sym.Included = true
		}
	}
	// The NULL symbol is always included.
	if null := p.NullSym(); null != nil {
		null.Included = true
	}

	for _, sec := range p.Sections {
		switch sec.Name {
		case ".shstrtab", ".strtab", ".symtab", ".rodata":
			sec.Included = true
		default:
			if isStringLiteralSection(sec.Name) {
				sec.Included = true
			}
		}
	}
}

func sectionName(g *elfobj.Graph, sym *elfobj.Symbol) string {
	if sym.Section == elfobj.NoSection {
		return ""
	}
	return g.Section(sym.Section).Name
}

func isEHSection(name string) bool {
	switch {
	case strings.HasPrefix(name, ".eh_frame"):
		return true
	case strings.HasPrefix(name, ".gcc_except_table"):
		return true
	case strings.HasPrefix(name, ".ARM.extab"):
		return true
	default:
		return false
	}
}

func isStringLiteralSection(name string) bool {
	return strings.HasPrefix(name, ".rodata.str")
}

// closeOver implements the closure rule: including a symbol includes its
// section (if status != SAME, or if it's a SECTION symbol); including a
// section includes its rela-section (if any) and every symbol referenced
// therefrom. Runs to a fixed point since inclusion can cascade.
func closeOver(p *elfobj.Graph) {
	for {
		changed := false

		for _, sym := range p.Syms {
			if !sym.Included || sym.Section == elfobj.NoSection {
				continue
			}
			sec := p.Section(sym.Section)
			if sec.Included {
				continue
			}
			if sym.Status != elfobj.StatusSame || sym.Type == elfobj.TypeSection {
				sec.Included = true
				changed = true
			}
		}

		for _, sec := range p.Sections {
			if !sec.Included {
				continue
			}
			if sec.RelaSection != elfobj.NoSection {
				rs := p.Section(sec.RelaSection)
				if !rs.Included {
					rs.Included = true
					changed = true
				}
				for _, r := range rs.Relocs {
					sym := p.Sym(r.Symbol)
					if sym != nil && !sym.Included {
						sym.Included = true
						changed = true
					}
				}
			}
		}

		if !changed {
			break
		}
	}
}

// markPlaceholders turns a SAME LOCAL FUNC included only to satisfy a
// reference into a placeholder: its section's payload is dropped and
// st_other gains the marker bit telling the runtime to resolve it from R
// (spec 4.G).
func markPlaceholders(p *elfobj.Graph) {
	for _, sym := range p.Syms {
		if !sym.Included || sym.Status != elfobj.StatusSame {
			continue
		}
		if sym.Type != elfobj.TypeFunc || sym.Bind != elfobj.BindLocal {
			continue
		}
		sym.Placeholder = true
		sym.Other |= placeholderMarker
		if sym.Section != elfobj.NoSection {
			sec := p.Section(sym.Section)
			sec.Included = true
			sec.Data = nil
			sec.Kind = elfobj.KindNobits
			sec.Type = elf.SHT_NOBITS
		}
	}
}

// validate runs the post-closure refusal checks (spec 4.G).
func validate(p *elfobj.Graph, extraWhitelist []string) (Result, error) {
	var refusals []string

	for _, sec := range p.Sections {
		if sec.Status == elfobj.StatusChanged && !sec.Included {
			refusals = append(refusals, fmt.Sprintf("CHANGED section %s was not selected for inclusion", sec.Name))
		}
		if (sec.Status == elfobj.StatusChanged || sec.Status == elfobj.StatusNew) && sec.Kind == elfobj.KindGroup {
			refusals = append(refusals, fmt.Sprintf("section %s carries SHT_GROUP semantics and is %s", sec.Name, sec.Status))
		}
		if sec.Included && sec.Status != elfobj.StatusNew && isUnwhitelistedDataSection(sec.Name, extraWhitelist) {
			refusals = append(refusals, fmt.Sprintf("data section %s selected for inclusion", sec.Name))
		}
	}

	if len(refusals) > 0 {
		return Result{}, fmt.Errorf("%w: %s", ErrRefused, strings.Join(refusals, "; "))
	}

	var res Result
	for _, sec := range p.Sections {
		if sec.Included {
			res.IncludedSections++
		}
	}
	for _, sym := range p.Syms {
		if sym.Included {
			res.IncludedSymbols++
			if sym.Status == elfobj.StatusNew && sym.Bind == elfobj.BindGlobal {
				res.NewGlobals++
			}
			if sym.Status == elfobj.StatusChanged && sym.Type == elfobj.TypeFunc {
				res.ChangedFuncs++
			}
		}
	}
	return res, nil
}

// HasChanges reports whether res describes a patch worth emitting (spec
// 4.I: "If no CHANGED function and no NEW global exists, emit nothing").
func (res Result) HasChanges() bool {
	return res.ChangedFuncs > 0 || res.NewGlobals > 0
}

func isUnwhitelistedDataSection(name string, extraWhitelist []string) bool {
	if !strings.HasPrefix(name, ".data") && !strings.HasPrefix(name, ".bss") {
		return false
	}
	for _, w := range whitelistedDataSections {
		if name == w {
			return false
		}
	}
	for _, w := range extraWhitelist {
		if name == w || strings.HasPrefix(name, w) {
			return false
		}
	}
	return true
}
