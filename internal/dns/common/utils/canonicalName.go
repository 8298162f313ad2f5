package utils

import "strings"

// CanonicalDNSName returns a DNS name in canonical form:
// - Lowercased
// - Trimmed of surrounding whitespace
// - No trailing dot, so names compare equal regardless of origin.
func CanonicalDNSName(name string) string {
	name = strings.TrimSpace(name)
	name = strings.ToLower(name)
	for strings.HasSuffix(name, ".") {
		name = strings.TrimSuffix(name, ".")
	}
	return name
}

// ParentDomain strips the leftmost label from a canonical name, returning
// the remainder and true, or "" and false when no dot remains. This is the
// single step of the blocklist hierarchy walk.
func ParentDomain(name string) (string, bool) {
	i := strings.IndexByte(name, '.')
	if i < 0 || i+1 >= len(name) {
		return "", false
	}
	return name[i+1:], true
}
