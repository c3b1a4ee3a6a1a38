package search

import (
	"strings"
	"unicode"

	"github.com/kalambet/notebase/internal/storage"
)

// Tokenize lowercases text and splits it on every rune that is neither a
// letter nor a digit. Empty tokens are dropped.
func Tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

// SearchableText concatenates every field of a note that search matches
// against: content, extracted raw and markdown text, summary, tags,
// project and attachment file name.
func SearchableText(n storage.Note) string {
	parts := make([]string, 0, 7)
	for _, s := range []string{n.Content, n.RawContent, n.MarkdownContent, n.Summary, strings.Join(n.Tags, " "), n.Project, n.Attachment.Name} {
		if s != "" {
			parts = append(parts, s)
		}
	}
	return strings.Join(parts, "\n")
}

func uniqueTerms(terms []string) []string {
	seen := make(map[string]struct{}, len(terms))
	out := make([]string, 0, len(terms))
	for _, t := range terms {
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	return out
}
