package utils

import (
	"strings"
	"unicode"
)

// NormalizePlate uppercases the plate and drops everything that is not a letter or digit.
func NormalizePlate(plate string) string {
	var b strings.Builder
	b.Grow(len(plate))
	for _, r := range strings.ToUpper(strings.TrimSpace(plate)) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// SplitPlates parses a comma separated plate list, skipping blanks.
func SplitPlates(list string) []string {
	var plates []string
	for _, p := range strings.Split(list, ",") {
		if p = strings.TrimSpace(p); p != "" {
			plates = append(plates, p)
		}
	}
	return plates
}

// EscapeLike escapes LIKE wildcards so the fragment matches literally with ESCAPE '\'.
func EscapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}
