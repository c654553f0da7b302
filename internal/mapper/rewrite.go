package mapper

import (
	"strings"
)

// SplitCollectionPath locates the collection identifier in a request path of
// the form …/collections/{ident}… and returns the surrounding pieces. ok is
// false when the path carries no collection identifier.
func SplitCollectionPath(path string) (prefix, ident, suffix string, ok bool) {
	const marker = "/collections/"
	i := strings.Index(path, marker)
	if i < 0 {
		return "", "", "", false
	}
	rest := path[i+len(marker):]
	if rest == "" {
		return "", "", "", false
	}
	j := strings.IndexByte(rest, '/')
	if j < 0 {
		return path[:i+len(marker)], rest, "", true
	}
	return path[:i+len(marker)], rest[:j], rest[j:], true
}

// IsCollectionCreate reports whether the request is a collection create:
// POST with a path ending in /collections.
func IsCollectionCreate(method, path string) bool {
	return method == "POST" && strings.HasSuffix(strings.TrimRight(path, "/"), "/collections")
}

// Rewrite is the outcome of resolving a request path for one backend.
type Rewrite struct {
	// Path is the path to send to the backend; equals the input when no
	// rewrite applied.
	Path string

	// CollectionKey is the logical collection identity used for WAL rows and
	// consistency-window pins: the mapping name when resolved, otherwise the
	// raw path identifier.
	CollectionKey string

	// Rewritten is true when the identifier was replaced with the chosen
	// backend's UUID.
	Rewritten bool
}

// RewriteForBackend applies the rewrite contract for the chosen backend:
// known names resolve to that backend's UUID; a peer backend's UUID resolves
// through the reverse lookup; anything unresolved passes through unchanged.
func (m *Mapper) RewriteForBackend(path, backendName string) Rewrite {
	prefix, ident, suffix, ok := SplitCollectionPath(path)
	if !ok {
		return Rewrite{Path: path}
	}

	mp, found := m.GetByName(ident)
	if !found {
		// Not a known name; it may be one backend's UUID.
		mp, found = m.GetByUUID(ident)
	}
	if !found {
		return Rewrite{Path: path, CollectionKey: ident}
	}

	uuid := UUIDFor(mp, backendName)
	if uuid == "" {
		// The chosen backend has not materialized this collection yet.
		return Rewrite{Path: path, CollectionKey: mp.Name}
	}
	if uuid == ident {
		return Rewrite{Path: path, CollectionKey: mp.Name, Rewritten: true}
	}
	return Rewrite{Path: prefix + uuid + suffix, CollectionKey: mp.Name, Rewritten: true}
}
