package bundle

import (
	"strings"

	"github.com/upatch/upatch-build/internal/elfobj"
)

// childMarkers are the two suffixes a compiler-generated subfunction name
// can contain. The original tool's source called strstr(name, ".cold")
// twice in a row, which only ever matches the ".cold" marker; ".part" is
// covered here explicitly rather than carried over as a bug (spec 9).
var childMarkers = []string{".cold", ".part"}

// linkChildren finds every FUNC symbol whose name contains a child marker,
// splits the name at that marker, and links it to the prefix symbol (spec
// 4.C).
func linkChildren(g *elfobj.Graph) {
	byName := make(map[string]elfobj.SymID, len(g.Syms))
	for _, sym := range g.Syms {
		if sym.Type == elfobj.TypeFunc && sym.Name != "" {
			byName[sym.Name] = sym.Index
		}
	}

	for _, sym := range g.Syms {
		if sym.Type != elfobj.TypeFunc {
			continue
		}
		prefix, ok := splitChildName(sym.Name)
		if !ok {
			continue
		}
		parentID, ok := byName[prefix]
		if !ok || parentID == sym.Index {
			continue
		}
		sym.Parent = parentID
		parent := g.Sym(parentID)
		parent.Children = append(parent.Children, sym.Index)
	}
}

// splitChildName reports the function-name prefix before the first child
// marker found in name, e.g. "foo.cold" -> "foo", "foo.cold.1" -> "foo".
func splitChildName(name string) (string, bool) {
	best := -1
	for _, marker := range childMarkers {
		if i := strings.Index(name, marker); i >= 0 && (best == -1 || i < best) {
			best = i
		}
	}
	if best <= 0 {
		return "", false
	}
	return name[:best], true
}
