package policy

import (
	"sort"
	"strings"

	"github.com/haasonsaas/orion/internal/tools/catalog"
)

// GroupPrefix marks an allowed-tools entry that names a whole catalog
// category, e.g. "group:file_system".
const GroupPrefix = "group:"

// IsGroup reports whether name is a group reference.
func IsGroup(name string) bool {
	return strings.HasPrefix(name, GroupPrefix)
}

// Groups returns every group the catalog defines, keyed by "group:<category>".
func Groups(cat *catalog.Catalog) map[string][]string {
	out := make(map[string][]string)
	for _, t := range cat.List() {
		key := GroupPrefix + string(t.Category)
		out[key] = append(out[key], t.Name)
	}
	for _, tools := range out {
		sort.Strings(tools)
	}
	return out
}

// ExpandGroups replaces group references with the tools they name. Order is
// kept, duplicates are removed and unknown groups are dropped.
func ExpandGroups(cat *catalog.Catalog, names []string) []string {
	if len(names) == 0 {
		return names
	}
	groups := Groups(cat)
	seen := make(map[string]bool, len(names))
	out := make([]string, 0, len(names))
	add := func(name string) {
		if !seen[name] {
			seen[name] = true
			out = append(out, name)
		}
	}
	for _, name := range names {
		if !IsGroup(name) {
			add(name)
			continue
		}
		for _, tool := range groups[strings.ToLower(name)] {
			add(tool)
		}
	}
	return out
}
