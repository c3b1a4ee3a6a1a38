package enrich

import (
	"context"
	"slices"
	"strings"
	"unicode"

	"github.com/kalambet/notebase/internal/search"
)

const (
	summaryMaxRunes = 200
	heuristicTags   = 5
	minTagRunes     = 3
)

var stopwords = map[string]bool{
	"about": true, "after": true, "again": true, "all": true, "also": true, "and": true,
	"any": true, "are": true, "because": true, "been": true, "before": true, "but": true,
	"can": true, "could": true, "did": true, "does": true, "for": true, "from": true,
	"had": true, "has": true, "have": true, "her": true, "here": true, "him": true,
	"his": true, "how": true, "into": true, "its": true, "just": true, "more": true,
	"most": true, "not": true, "now": true, "off": true, "only": true, "our": true,
	"out": true, "over": true, "she": true, "should": true, "some": true, "such": true,
	"than": true, "that": true, "the": true, "their": true, "them": true, "then": true,
	"there": true, "these": true, "they": true, "this": true, "those": true, "through": true,
	"too": true, "under": true, "until": true, "very": true, "was": true, "were": true,
	"what": true, "when": true, "where": true, "which": true, "while": true, "who": true,
	"why": true, "will": true, "with": true, "would": true, "you": true, "your": true,
	"http": true, "https": true, "www": true, "com": true,
}

// Heuristic is a deterministic local classifier: the first sentence becomes
// the summary and the most frequent content words become tags.
type Heuristic struct{}

func (Heuristic) Classify(_ context.Context, in Input) (Classification, error) {
	text := strings.TrimSpace(in.Text)
	if text == "" {
		return Classification{}, ErrEmptyContent
	}
	return Classification{
		Summary: heuristicSummary(text),
		Tags:    heuristicTagList(text),
		Project: in.Project,
		Source:  SourceHeuristic,
	}, nil
}

// heuristicSummary returns the first sentence of the first non-empty line,
// with leading markdown markers removed.
func heuristicSummary(text string) string {
	var line string
	for l := range strings.SplitSeq(text, "\n") {
		l = strings.TrimSpace(strings.TrimLeft(strings.TrimSpace(l), "#>*-+ \t"))
		if l != "" {
			line = l
			break
		}
	}
	line = strings.Join(strings.Fields(line), " ")

	runes := []rune(line)
	for i, r := range runes {
		if r != '.' && r != '!' && r != '?' {
			continue
		}
		if i == len(runes)-1 || unicode.IsSpace(runes[i+1]) {
			line = string(runes[:i+1])
			break
		}
	}
	return truncateRunes(line, summaryMaxRunes)
}

func heuristicTagList(text string) []string {
	type term struct {
		word  string
		count int
		first int
	}
	byWord := make(map[string]*term)
	var terms []*term
	for i, tok := range search.Tokenize(text) {
		if len([]rune(tok)) < minTagRunes || stopwords[tok] || isNumeric(tok) {
			continue
		}
		t, ok := byWord[tok]
		if !ok {
			t = &term{word: tok, first: i}
			byWord[tok] = t
			terms = append(terms, t)
		}
		t.count++
	}

	slices.SortStableFunc(terms, func(a, b *term) int {
		if a.count != b.count {
			return b.count - a.count
		}
		return a.first - b.first
	})

	tags := make([]string, 0, heuristicTags)
	for _, t := range terms {
		if len(tags) == heuristicTags {
			break
		}
		tags = append(tags, t.word)
	}
	return tags
}

func isNumeric(s string) bool {
	for _, r := range s {
		if !unicode.IsDigit(r) {
			return false
		}
	}
	return true
}

func truncateRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return strings.TrimSpace(string(r[:n-3])) + "..."
}
