package i18n

import (
	"sort"
	"strings"
)

var languageNames = map[string]string{
	"de": "German",
	"en": "English",
	"es": "Spanish",
	"ru": "Russian",
	"uk": "Ukrainian",
}

func GetLanguageName(code string) string {
	normalized := strings.ToLower(code)
	if name, ok := languageNames[normalized]; ok {
		return name
	}
	return code
}

// IsSupported reports whether texts exist for the language code.
func IsSupported(code string) bool {
	_, ok := languageNames[strings.ToLower(code)]
	return ok
}

func GetLanguagesList() []string {
	res := make([]string, 0, len(languageNames))
	for code := range languageNames {
		res = append(res, code)
	}
	sort.Strings(res)
	return res
}
