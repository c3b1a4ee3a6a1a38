// Package enrich derives summary, tags, project and embeddings for notes.
// Remote classification goes through an engine.Engine; a local heuristic
// covers for it whenever the engine is absent or fails.
package enrich

import (
	"context"
	"errors"
	"strings"
)

// ErrUnavailable is returned when no inference engine is configured.
var ErrUnavailable = errors.New("enrichment provider unavailable")

// ErrEmptyContent is returned when a note has no text to enrich.
var ErrEmptyContent = errors.New("note has no text to enrich")

// Classification sources recorded in note metadata.
const (
	SourceLLM       = "llm"
	SourceHeuristic = "heuristic"
)

// Input is the text handed to a Classifier. Project, when set, is the
// project the user asked for and wins over any inferred one.
type Input struct {
	Text    string
	Project string
}

// Classification is the result of classifying a note.
type Classification struct {
	Summary string
	Tags    []string
	Project string
	Source  string
}

// Classifier infers summary, tags and project for a note.
type Classifier interface {
	Classify(ctx context.Context, in Input) (Classification, error)
}

// Embedder produces an embedding vector for text.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

const maxTags = 8

// normalizeTags lowercases, trims and dedupes tags, keeping first-seen order.
func normalizeTags(tags []string) []string {
	out := make([]string, 0, len(tags))
	seen := make(map[string]bool, len(tags))
	for _, t := range tags {
		t = strings.ToLower(strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(t), "#")))
		if t == "" || seen[t] {
			continue
		}
		seen[t] = true
		out = append(out, t)
		if len(out) == maxTags {
			break
		}
	}
	return out
}
