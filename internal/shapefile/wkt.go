package shapefile

import (
	"regexp"
	"strings"
)

var wktKeywords = []string{
	"MULTIPOLYGON",
	"POLYGON",
	"MULTILINESTRING",
	"LINESTRING",
	"MULTIPOINT",
	"POINT",
}

// A bare number at the very end means the writer was cut off mid-ring.
var truncatedTail = regexp.MustCompile(`\s[0-9]+\s*$`)

// ValidWKT reports whether s looks like a complete geometry: known type
// keyword, balanced non-empty parentheses, and no truncated tail.
func ValidWKT(s string) bool {
	s = strings.TrimSpace(s)
	if len(s) < 10 {
		return false
	}
	open := strings.Count(s, "(")
	if open == 0 || open != strings.Count(s, ")") {
		return false
	}
	upper := strings.ToUpper(s)
	known := false
	for _, kw := range wktKeywords {
		if strings.HasPrefix(upper, kw) {
			known = true
			break
		}
	}
	if !known {
		return false
	}
	return !truncatedTail.MatchString(s)
}
