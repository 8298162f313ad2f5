package utils

import "golang.org/x/net/publicsuffix"

// IsPublicSuffix reports whether the canonical name is itself an effective
// public suffix (e.g. "com", "co.uk"). The blocklist merge refuses such
// entries so a hostile source cannot blackhole an entire registry zone.
func IsPublicSuffix(name string) bool {
	if name == "" {
		return true
	}
	suffix, _ := publicsuffix.PublicSuffix(name)
	return name == suffix
}
