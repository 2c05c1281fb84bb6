package title_generation

import (
	"strings"
	"unicode/utf8"
)

const (
	maxSeedRunes  = 300
	maxTitleRunes = 200
)

var quotePairs = [][2]string{
	{`"`, `"`},
	{`'`, `'`},
	{"`", "`"},
	{"“", "”"},
	{"‘", "’"},
}

// Sanitize cleans a raw model completion into a title. The result may be empty.
func Sanitize(raw string) string {
	s := strings.TrimSpace(raw)

	for _, q := range quotePairs {
		if len(s) >= len(q[0])+len(q[1]) && strings.HasPrefix(s, q[0]) && strings.HasSuffix(s, q[1]) {
			s = s[len(q[0]) : len(s)-len(q[1])]
			break
		}
	}

	s = strings.Join(strings.Fields(s), " ")
	s = strings.TrimRight(s, ".?!")
	s = truncateRunes(s, maxTitleRunes)

	return strings.TrimSpace(s)
}

// normalizeSeed trims and caps seed text.
func normalizeSeed(seed string) string {
	return strings.TrimSpace(truncateRunes(strings.TrimSpace(seed), maxSeedRunes))
}

func truncateRunes(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n])
}
