package blocklist

import (
	"bufio"
	"io"
	"strings"

	"github.com/dnsfence/dnsfence/internal/dns/common/utils"
	"github.com/dnsfence/dnsfence/internal/dns/domain"
)

// categorySeparator splits a category header comment into the category
// name and its free-text description.
const categorySeparator = "—" // em-dash

// AddSource parses one source's text into the builder and returns how many
// entries it contributed.
//
// Line formats, matching the published list convention:
//   - "# Vendor — description" sets the current category to the text before
//     the first em-dash; applies to all following entries until the next
//     such header. Comment lines without an em-dash leave it unchanged.
//   - "domain.com" or "0.0.0.0 domain.com": the token after the last
//     whitespace is the domain.
//
// Entries equal to "localhost", empty after canonicalization, longer than
// 253 bytes, or naming a bare public suffix are rejected.
func (b *Builder) AddSource(r io.Reader, defaultCategory string) (int, error) {
	scanner := bufio.NewScanner(r)
	category := defaultCategory
	count := 0

	for scanner.Scan() {
		line := strings.TrimPrefix(scanner.Text(), "\uFEFF")
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			continue
		}

		if strings.HasPrefix(trimmed, "#") {
			if next, ok := categoryFromHeader(trimmed); ok {
				category = next
			}
			continue
		}

		name := domainFromLine(trimmed)
		if !acceptDomain(name) {
			continue
		}
		b.add(name, category)
		count++
	}
	if err := scanner.Err(); err != nil {
		return count, err
	}
	if count > 0 {
		b.sources++
	}
	return count, nil
}

// categoryFromHeader extracts the category from a "# Name — text" comment.
// Multiple em-dashes keep the first occurrence as the separator.
func categoryFromHeader(comment string) (string, bool) {
	body := strings.TrimSpace(strings.TrimLeft(comment, "#"))
	before, _, found := strings.Cut(body, categorySeparator)
	if !found {
		return "", false
	}
	category := strings.TrimSpace(before)
	if category == "" {
		return "", false
	}
	return category, true
}

// domainFromLine returns the canonical domain from a bare or hosts-file
// formatted line: the token after the last whitespace.
func domainFromLine(line string) string {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return ""
	}
	return utils.CanonicalDNSName(fields[len(fields)-1])
}

// acceptDomain applies the merge-time entry filters.
func acceptDomain(name string) bool {
	if name == "" || name == "localhost" {
		return false
	}
	if len(name) > domain.MaxDomainLength {
		return false
	}
	if utils.IsPublicSuffix(name) {
		return false
	}
	return true
}
