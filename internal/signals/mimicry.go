package signals

import (
	"strings"
	"unicode/utf8"
)

// MimicryWindow is how many early messages the scorer looks at.
const MimicryWindow = 3

var defaultTemplatePhrases = []string{
	"привет", "приветствую", "здравствуйте", "добрый день", "добрый вечер",
	"как дела", "как у кого дела", "как дела у всех", "что нового",
	"?", "!", "ок", "понятно", "спасибо", "пасиб", "хорошо", "норм",
	"всем привет", "привет всем", "всем хай", "хай всем",
	"hello", "hey all", "hi all", "how are you", "thanks",
}

var defaultContextMarkers = []string{
	"@", "согласен", "не согласен", "выше", "интересно", "тоже", "а я", "у меня",
	"agree", "above", "me too", "same here", "in my case",
}

// MimicryScorer estimates how much a user's first messages imitate the low-effort
// chatter spammers use to warm up an account. 0 is natural, 1 is very suspicious.
type MimicryScorer struct {
	templates map[string]struct{}
	context   []string
}

func NewMimicryScorer() *MimicryScorer {
	s := &MimicryScorer{
		templates: make(map[string]struct{}, len(defaultTemplatePhrases)),
		context:   defaultContextMarkers,
	}
	for _, p := range defaultTemplatePhrases {
		s.templates[p] = struct{}{}
	}
	return s
}

// Score looks at the first MimicryWindow messages; fewer messages yield 0.
func (s *MimicryScorer) Score(messages []string) float64 {
	if len(messages) < MimicryWindow {
		return 0
	}
	window := messages[:MimicryWindow]

	score := s.lengthScore(window)*0.25 +
		s.templateScore(window)*0.35 +
		s.diversityScore(window)*0.25 +
		s.contextScore(window)*0.15
	return clamp01(score)
}

func (s *MimicryScorer) lengthScore(messages []string) float64 {
	total := 0
	for _, m := range messages {
		total += utf8.RuneCountInString(strings.TrimSpace(m))
	}
	avg := float64(total) / float64(len(messages))
	switch {
	case avg <= 2:
		return 1
	case avg <= 5:
		return 0.7
	case avg <= 10:
		return 0.3
	}
	return 0
}

func (s *MimicryScorer) templateScore(messages []string) float64 {
	count := 0
	for _, m := range messages {
		clean := strings.ToLower(strings.TrimSpace(m))
		if clean == "" {
			continue
		}
		if _, ok := s.templates[clean]; ok {
			count++
			continue
		}
		for t := range s.templates {
			if strings.Contains(clean, t) {
				count++
				break
			}
		}
	}
	return float64(count) / float64(len(messages))
}

func (s *MimicryScorer) diversityScore(messages []string) float64 {
	clean := make([]string, 0, len(messages))
	distinct := map[string]struct{}{}
	for _, m := range messages {
		c := strings.ToLower(strings.TrimSpace(m))
		if c == "" {
			continue
		}
		clean = append(clean, c)
		distinct[c] = struct{}{}
	}
	if len(clean) == 0 || len(distinct) == 1 {
		return 1
	}

	words := 0
	unique := map[string]struct{}{}
	for _, c := range clean {
		for _, w := range strings.Fields(c) {
			words++
			unique[w] = struct{}{}
		}
	}
	if words == 0 {
		return 1
	}
	ratio := float64(len(unique)) / float64(words)
	switch {
	case ratio < 0.3:
		return 0.8
	case ratio < 0.5:
		return 0.5
	case ratio < 0.7:
		return 0.2
	}
	return 0
}

func (s *MimicryScorer) contextScore(messages []string) float64 {
	indicators := 0
	for _, m := range messages {
		msg := strings.ToLower(m)
		for _, marker := range s.context {
			if strings.Contains(msg, marker) {
				indicators++
				break
			}
		}
	}
	return 1 - float64(indicators)/float64(len(messages))
}

func clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}
