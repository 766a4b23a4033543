package signals

import (
	"bufio"
	"io"
	"strings"

	"github.com/iamwavecut/doorman/internal/utils/text"
)

const (
	emojiMinLength = 20
	emojiMinCount  = 10

	// LookalikeMinWords is the number of disguised words a message must exceed.
	LookalikeMinWords = 2
)

// Filters holds the cheap content heuristics.
type Filters struct {
	stopWords []string
}

func NewFilters(stopWords []string) *Filters {
	cleaned := make([]string, 0, len(stopWords))
	for _, w := range stopWords {
		w = text.NormalizeText(w)
		if w != "" {
			cleaned = append(cleaned, w)
		}
	}
	return &Filters{stopWords: cleaned}
}

// ReadStopWords reads one stop word per line, skipping blanks and # comments.
func ReadStopWords(r io.Reader) ([]string, error) {
	var res []string
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		res = append(res, line)
	}
	return res, sc.Err()
}

// HasStopWords expects normalized text.
func (f *Filters) HasStopWords(normalized string) bool {
	lowered := strings.ToLower(normalized)
	for _, w := range f.stopWords {
		if strings.Contains(lowered, w) {
			return true
		}
	}
	return false
}

// TooManyEmojis counts in UTF-16 code units, so an astral emoji weighs two.
func TooManyEmojis(message string) bool {
	length, emojis := 0, 0
	for _, r := range message {
		switch {
		case r >= 0x10000:
			length += 2
			emojis += 2
		case r >= 0x2600 && r <= 0x27BF:
			length++
			emojis++
		default:
			length++
		}
	}
	return length > emojiMinLength && emojis >= emojiMinCount
}

// Lookalikes returns disguised words when there are more than LookalikeMinWords of them.
func Lookalikes(normalized string) []string {
	words := text.LookalikeWords(normalized)
	if len(words) <= LookalikeMinWords {
		return nil
	}
	return words
}
