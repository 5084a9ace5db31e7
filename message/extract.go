package message

import (
	"regexp"
	"strings"
)

// Permissive pattern matching local@domain substrings, tolerating the noise
// seen in hand-typed and machine-joined header lists: extra commas,
// semicolons, slashes, display names with unbalanced quotes. Deliberately
// looser than the strict parser in the smtp package.
var addressRegexp = regexp.MustCompile(`([^ ,<@]+@[^> ,;]+)`)

// ExtractAddresses scans s, typically the raw value of a To/Cc/Bcc header,
// for email addresses. Malformed tokens are skipped, duplicates (case
// insensitive) are dropped, and order of first occurrence is kept. Addresses
// with non-ASCII characters are included; callers validate separately with
// IsASCIIAddress, so an invalid recipient can be recorded rather than
// silently lost.
func ExtractAddresses(s string) []string {
	var l []string
	seen := map[string]bool{}
	for _, m := range addressRegexp.FindAllString(s, -1) {
		m = strings.Trim(m, `"'`)
		k := strings.ToLower(m)
		if !seen[k] {
			seen[k] = true
			l = append(l, m)
		}
	}
	return l
}

// FirstAddress returns the first address in s, or false if none is present.
func FirstAddress(s string) (string, bool) {
	m := addressRegexp.FindString(s)
	if m == "" {
		return "", false
	}
	return strings.Trim(m, `"'`), true
}

// IsASCIIAddress returns whether addr consists of plain ASCII only, i.e. can
// be used as an SMTP mailbox without SMTPUTF8.
func IsASCIIAddress(addr string) bool {
	for _, c := range addr {
		if c > 0x7f {
			return false
		}
	}
	return true
}
