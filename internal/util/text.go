package util

import (
	"regexp"
	"strings"
)

var reSpaces = regexp.MustCompile(`\s+`)

// NormalizeKey prepares a natural-key value for exact matching: trims and
// collapses inner whitespace. Case is preserved because the CRM filters are
// case-sensitive.
func NormalizeKey(input string) string {
	s := strings.ReplaceAll(input, "\u00A0", " ")
	s = reSpaces.ReplaceAllString(s, " ")
	return strings.TrimSpace(s)
}

func FirstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

func StringPtr(v string) *string { return &v }
