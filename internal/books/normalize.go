package books

import "strings"

// normalizeLabel derives a caller label from method and path, collapsing
// numeric path segments so per-record calls aggregate under one label:
// GET /items/12345 -> "GET /items/:id".
func normalizeLabel(method, path string) string {
	// Strip any query string before splitting.
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}

	segments := strings.Split(path, "/")
	for i, seg := range segments {
		if isNumeric(seg) {
			segments[i] = ":id"
		}
	}

	return method + " " + strings.Join(segments, "/")
}

// isNumeric reports whether s is a non-empty run of ASCII digits.
func isNumeric(s string) bool {
	if s == "" {
		return false
	}

	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}

	return true
}
