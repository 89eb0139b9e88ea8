package value

import "strings"

// Lookup resolves a dot-separated path against a variable map. List elements
// are addressed by decimal index ("items.0.name"). The second return is
// false as soon as any segment fails to resolve; callers treat that as an
// undefined field rather than an error.
func Lookup(root map[string]Value, path string) (Value, bool) {
	if path == "" {
		return Value{}, false
	}
	segments := strings.Split(path, ".")
	current, ok := root[segments[0]]
	if !ok {
		return Value{}, false
	}
	for _, seg := range segments[1:] {
		current, ok = current.Get(seg)
		if !ok {
			return Value{}, false
		}
	}
	return current, true
}
