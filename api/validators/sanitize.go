package validators

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// CleanIdentifier trims s, drops control characters and cuts it to at most
// maxRunes runes. Used for backend ids and codes taken from paths or bodies
// before they reach a log line or a backend call.
func CleanIdentifier(s string, maxRunes int) string {
	s = strings.Map(func(r rune) rune {
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, strings.TrimSpace(s))
	if maxRunes <= 0 || utf8.RuneCountInString(s) <= maxRunes {
		return s
	}
	return string([]rune(s)[:maxRunes])
}
