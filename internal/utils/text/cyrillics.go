package text

import (
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

var stripMarks = runes.Remove(runes.Predicate(func(r rune) bool {
	return unicode.In(r, unicode.Mn, unicode.Lm)
}))

// HasCyrillics checks if the given string contains any Cyrillic characters
func HasCyrillics(content string) bool {
	for _, r := range content {
		if r >= 0x0400 && r <= 0x04FF {
			return true
		}
	}
	return false
}

// NormalizeText lowercases, replaces punctuation, symbols and emoji by spaces, compacts
// whitespace and strips diacritics.
func NormalizeText(content string) string {
	lowered := strings.ToLower(content)
	var b strings.Builder
	b.Grow(len(lowered))
	for _, r := range lowered {
		switch {
		case unicode.IsSpace(r), unicode.IsPunct(r), unicode.IsSymbol(r), unicode.Is(unicode.Cs, r):
			b.WriteRune(' ')
		default:
			b.WriteRune(r)
		}
	}
	compact := strings.Join(strings.Fields(b.String()), " ")

	stripped, _, err := transform.String(transform.Chain(norm.NFD, stripMarks), compact)
	if err != nil {
		return compact
	}
	return stripped
}

// LookalikeWords returns words of the normalized text that read as Russian but contain
// non-Cyrillic lookalike letters.
func LookalikeWords(normalized string) []string {
	var res []string
	for _, word := range strings.Fields(normalized) {
		if !isRussianWord(word) {
			continue
		}
		for _, r := range word {
			if !isCyrillicLower(r) && !allowedNonCyrillic(r) {
				res = append(res, word)
				break
			}
		}
	}
	return res
}

func isRussianWord(word string) bool {
	rs := []rune(word)
	if len(rs) < 3 {
		return false
	}
	cyr := 0
	for _, r := range rs {
		if isCyrillicLower(r) {
			cyr++
		}
	}
	return cyr >= len(rs)/2
}

func isCyrillicLower(r rune) bool {
	return r >= 'а' && r <= 'я'
}

func allowedNonCyrillic(r rune) bool {
	return r == 'i' || (r >= '0' && r <= '9')
}
