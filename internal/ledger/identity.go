package ledger

import (
	"regexp"
	"strings"
)

var identityPattern = regexp.MustCompile(`^[A-Za-z0-9_.:@-]{1,128}$`)

// ValidIdentity reports whether id can be used as a participant key.
func ValidIdentity(id string) bool {
	return identityPattern.MatchString(id)
}

// NormalizeEmail returns the canonical form used for uniqueness and lookup.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
