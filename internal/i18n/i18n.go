// Package i18n serves the user-facing bot texts from the embedded translations table.
// English strings are their own keys.
package i18n

import (
	"strings"
	"sync"

	log "github.com/sirupsen/logrus"
	"gopkg.in/yaml.v2"

	"github.com/iamwavecut/doorman/resources"
)

const (
	translationsPath = "i18n/translations.yml"
	baseLanguage     = "en"
)

var state = struct {
	once            sync.Once
	mu              sync.RWMutex
	translations    map[string]map[string]string
	defaultLanguage string
}{
	translations:    map[string]map[string]string{},
	defaultLanguage: baseLanguage,
}

func load() {
	content, err := resources.FS.ReadFile(translationsPath)
	if err != nil {
		log.WithField("error", err.Error()).Error("cant load i18n")
		return
	}
	translations := map[string]map[string]string{}
	if err := yaml.Unmarshal(content, &translations); err != nil {
		log.WithField("error", err.Error()).Error("cant unmarshal i18n")
		return
	}
	state.mu.Lock()
	state.translations = translations
	state.mu.Unlock()
}

// SetDefaultLanguage picks the language used for an empty language code.
func SetDefaultLanguage(lang string) {
	if lang == "" {
		return
	}
	state.mu.Lock()
	state.defaultLanguage = strings.ToLower(lang)
	state.mu.Unlock()
}

func Get(key, lang string) string {
	state.once.Do(load)
	state.mu.RLock()
	defer state.mu.RUnlock()

	if lang == "" {
		lang = state.defaultLanguage
	}
	lang = strings.ToLower(lang)
	if lang == baseLanguage {
		return key
	}
	if res := state.translations[key][strings.ToUpper(lang)]; res != "" {
		return res
	}
	log.WithField("key", key).WithField("language", lang).Trace("no translation")
	return key
}
