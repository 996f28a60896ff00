package subscribers

import (
	"regexp"
	"strings"

	"marketwire/types"
)

// wordPattern builds a whole-word, case-insensitive pattern matching any of
// words after cleaning. Spaces inside a word match any run of spaces.
func wordPattern(words []string) *regexp.Regexp {
	parts := make([]string, 0, len(words))
	for _, w := range words {
		w = types.CleanTitle(w)
		if w == "" {
			continue
		}
		quoted := regexp.QuoteMeta(w)
		parts = append(parts, `\b`+strings.ReplaceAll(quoted, " ", " *")+`\b`)
	}
	if len(parts) == 0 {
		return nil
	}
	return regexp.MustCompile(strings.Join(parts, "|"))
}

// HasWord reports whether content contains any of words as a whole word.
func HasWord(content string, words []string) bool {
	re := wordPattern(words)
	return re != nil && re.MatchString(types.CleanTitle(content))
}

// tagWords returns the words a tag is searched by: its aliases, or its name
// when it has none.
func tagWords(tag *types.Tag) []string {
	if len(tag.Aliases) > 0 {
		return tag.Aliases
	}
	return []string{tag.Name}
}
