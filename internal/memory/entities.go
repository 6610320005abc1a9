package memory

import (
	"regexp"
	"sort"
	"strings"
	"unicode"
)

// NormalizeEntity folds an entity mention to its canonical key: lowercase
// words joined by "_", surrounding punctuation stripped, CamelCase split.
// "GameEngine", "Game Engine", "game-engine" and "`game_engine`" all map to
// "game_engine". File names keep their extension.
func NormalizeEntity(name string) string {
	name = strings.TrimFunc(name, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	var b strings.Builder
	sep := false
	var prev rune
	for _, r := range name {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r) || r == '.':
			if unicode.IsUpper(r) && (unicode.IsLower(prev) || unicode.IsDigit(prev)) {
				sep = true
			}
			if sep && b.Len() > 0 {
				b.WriteByte('_')
			}
			sep = false
			b.WriteRune(unicode.ToLower(r))
		default:
			sep = true
		}
		prev = r
	}
	return b.String()
}

var (
	fileNameRe = regexp.MustCompile(`\b[A-Za-z_][\w\-]*\.(?:py|go|js|ts|tsx|jsx|html|css|json|yaml|yml|md|txt|sql|sh)\b`)
	declRe     = regexp.MustCompile(`\b(?:def|func|class|type|interface)\s+([A-Za-z_]\w*)`)
	camelRe    = regexp.MustCompile(`\b[A-Z][a-z0-9]+(?:[A-Z][a-z0-9]+)+\b`)
)

// ExtractEntities returns the normalized entity keys mentioned in text:
// file names, declared functions/classes/types and CamelCase identifiers.
// The result is sorted and free of duplicates.
func ExtractEntities(text string) []string {
	seen := make(map[string]bool)
	add := func(s string) {
		if k := NormalizeEntity(s); k != "" && len(k) > 2 {
			seen[k] = true
		}
	}
	for _, m := range fileNameRe.FindAllString(text, -1) {
		add(m)
	}
	for _, m := range declRe.FindAllStringSubmatch(text, -1) {
		if !strings.HasPrefix(m[1], "__") {
			add(m[1])
		}
	}
	for _, m := range camelRe.FindAllString(text, -1) {
		add(m)
	}

	out := make([]string, 0, len(seen))
	for k := range seen {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
