package util

import (
	"math"
	"strconv"
	"strings"
)

// NormalizeIdentity canonicalizes a teacher email for lookups and keys.
func NormalizeIdentity(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// ParseFloatParam parses a coordinate given as a query value or a JSON
// string. Surrounding whitespace is ignored and non-finite values are
// rejected.
func ParseFloatParam(s string) (float64, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, false
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}
