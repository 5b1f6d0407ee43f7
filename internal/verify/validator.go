package verify

import (
	"regexp"
	"strings"
)

var emailPattern = regexp.MustCompile(`^[a-zA-Z0-9._%+-]+@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,}$`)

// IsWellFormed reports whether email has the shape local@domain with a
// restricted local-part alphabet and a domain ending in an alphabetic label
// of at least two letters.
func IsWellFormed(email string) bool {
	return emailPattern.MatchString(email)
}

// Domain returns the lower-cased domain part of email, or "" if there is none.
func Domain(email string) string {
	at := strings.LastIndex(email, "@")
	if at < 0 || at == len(email)-1 {
		return ""
	}
	return strings.ToLower(email[at+1:])
}
