// Package handle defines identifier normalization and the wire types
// returned by the Handle.Net REST API.
package handle

import (
	"fmt"
	"strings"
)

// Normalize returns the canonical form of an identifier. Handles are
// case-insensitive; the canonical form is upper-case. All comparison,
// storage, and deduplication must go through Normalize first.
func Normalize(id string) string {
	return strings.ToUpper(strings.TrimSpace(id))
}

// Equal reports whether two identifiers name the same handle.
func Equal(a, b string) bool {
	return Normalize(a) == Normalize(b)
}

// Split separates an identifier into its prefix and suffix parts.
func Split(id string) (prefix, suffix string, err error) {
	id = strings.TrimSpace(id)
	i := strings.Index(id, "/")
	if i <= 0 || i == len(id)-1 {
		return "", "", fmt.Errorf("malformed handle %q: want <prefix>/<suffix>", id)
	}
	return id[:i], id[i+1:], nil
}

// Join builds an identifier from a prefix and suffix.
func Join(prefix, suffix string) string {
	return prefix + "/" + suffix
}
