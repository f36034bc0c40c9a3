package abuse

import (
	"strings"
)

var DefaultKeyLeakKeywords = []string{"private", "secret", "signing", "encryption"}

var keySeparators = []string{"", "_", "-", " ", "."}

// KeyLeakPatterns expands keyword+"key" into every separator variant, lower
// cased. camelCase forms collapse onto the joined variant once the scanned
// text is lower cased.
func KeyLeakPatterns(keywords []string) []string {
	seen := make(map[string]struct{})
	var patterns []string
	for _, kw := range keywords {
		kw = strings.ToLower(strings.TrimSpace(kw))
		if kw == "" {
			continue
		}
		for _, sep := range keySeparators {
			p := kw + sep + "key"
			if _, ok := seen[p]; ok {
				continue
			}
			seen[p] = struct{}{}
			patterns = append(patterns, p)
		}
	}
	return patterns
}

// scanner matches serialized payloads against key-leak patterns.
type scanner struct {
	patterns []string
}

func newScanner(keywords []string) *scanner {
	return &scanner{patterns: KeyLeakPatterns(keywords)}
}

// match returns the first pattern found in any of the texts.
func (s *scanner) match(texts ...string) (string, bool) {
	for _, text := range texts {
		lower := strings.ToLower(text)
		for _, p := range s.patterns {
			if strings.Contains(lower, p) {
				return p, true
			}
		}
	}
	return "", false
}
