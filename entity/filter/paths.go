package filter

import "strings"

// ParsePaths turns a delimiter-separated list of dotted attribute paths into
// a nested attribute-selection tree. It declares which nested sub-attributes
// a caller wants returned; it plays no part in filtering.
//
//	"meta.created,name" -> {meta: {attributes: {created: {}}}, name: {}}
func ParsePaths(raw string) map[string]any {
	tree := make(map[string]any)
	for _, path := range splitPaths(raw) {
		insertPath(tree, strings.Split(path, "."))
	}
	return tree
}

// splitPaths uses the shared delimiter set minus the dot, which separates
// path segments rather than paths.
func splitPaths(raw string) []string {
	return strings.FieldsFunc(raw, func(r rune) bool {
		return r != '.' && strings.ContainsRune(valueDelimiters, r)
	})
}

func insertPath(tree map[string]any, segments []string) {
	if len(segments) == 0 || segments[0] == "" {
		return
	}
	node, _ := tree[segments[0]].(map[string]any)
	if node == nil {
		node = make(map[string]any)
		tree[segments[0]] = node
	}
	if len(segments) == 1 {
		return
	}
	attrs, _ := node["attributes"].(map[string]any)
	if attrs == nil {
		attrs = make(map[string]any)
		node["attributes"] = attrs
	}
	insertPath(attrs, segments[1:])
}
