package search

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/kalambet/notebase/internal/storage"
)

// Mode selects a ranking weight table.
type Mode string

const (
	// ModeHybrid blends BM25 with semantic similarity and recency.
	ModeHybrid Mode = "hybrid"
	// ModeLexical ranks on BM25 and term overlap only and never embeds the query.
	ModeLexical Mode = "lexical"
)

// ParseMode converts a string to a Mode. Empty means hybrid.
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(s) {
	case "", "hybrid", "semantic":
		return ModeHybrid, nil
	case "lexical", "keyword", "bm25":
		return ModeLexical, nil
	default:
		return "", fmt.Errorf("invalid search mode %q (valid: hybrid, lexical)", s)
	}
}

// Weights is one ranking mode's weight table.
type Weights struct {
	BM25      float64
	Semantic  float64
	Overlap   float64
	Phrase    float64
	Freshness float64
}

// The two modes are deliberately independent tables.
var (
	HybridWeights = Weights{
		BM25:      0.5,
		Semantic:  0.3,
		Overlap:   0.15,
		Phrase:    0.05,
		Freshness: 0.4,
	}
	LexicalWeights = Weights{
		BM25:    0.85,
		Overlap: 0.15,
		Phrase:  0.15,
	}
)

// FreshnessWindow is the age at which the freshness boost reaches zero.
const FreshnessWindow = 30 * 24 * time.Hour

func (m Mode) weights() Weights {
	if m == ModeLexical {
		return LexicalWeights
	}
	return HybridWeights
}

// QueryVector is the query-side embedding. Pseudo marks a deterministic
// stand-in rather than a provider embedding.
type QueryVector struct {
	Vector []float32
	Pseudo bool
}

// Signals are the per-candidate ranking inputs, already normalised.
type Signals struct {
	BM25      float64 `json:"bm25"`
	Semantic  float64 `json:"semantic"`
	Overlap   float64 `json:"overlap"`
	Phrase    bool    `json:"phrase"`
	Freshness float64 `json:"freshness"`
}

// Scored is a ranked candidate.
type Scored struct {
	Note    storage.Note
	Score   float64
	Signals Signals
}

// Rank scores notes against query and returns them sorted by descending
// score. Equal scores go oldest note first; notes created at the same
// instant keep the input order.
func Rank(mode Mode, query string, qv QueryVector, notes []storage.Note, now time.Time) []Scored {
	if len(notes) == 0 {
		return nil
	}
	w := mode.weights()
	queryTerms := uniqueTerms(Tokenize(query))
	phrase := strings.ToLower(strings.TrimSpace(query))

	texts := make([]string, len(notes))
	docs := make([][]string, len(notes))
	for i, n := range notes {
		texts[i] = SearchableText(n)
		docs[i] = Tokenize(texts[i])
	}
	idx := NewIndex(docs)

	bm25 := make([]float64, len(notes))
	semantic := make([]float64, len(notes))
	for i := range notes {
		bm25[i] = idx.Score(queryTerms, i)
		if w.Semantic > 0 {
			semantic[i] = semanticSimilarity(qv, query, notes[i], texts[i])
		}
	}
	normalizeByMax(bm25)
	normalizeByMax(semantic)

	out := make([]Scored, len(notes))
	for i, n := range notes {
		sig := Signals{
			BM25:     bm25[i],
			Semantic: semantic[i],
			Overlap:  overlap(queryTerms, docs[i]),
			Phrase:   phrase != "" && strings.Contains(strings.ToLower(texts[i]), phrase),
		}
		if w.Freshness > 0 {
			sig.Freshness = freshness(n.CreatedAt, now)
		}

		score := w.BM25*sig.BM25 + w.Semantic*sig.Semantic + w.Overlap*sig.Overlap + w.Freshness*sig.Freshness
		if sig.Phrase {
			score += w.Phrase
		}
		out[i] = Scored{Note: n, Score: score, Signals: sig}
	}

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].Note.CreatedAt.Before(out[j].Note.CreatedAt)
	})
	return out
}

// semanticSimilarity compares the query with a note's stored embedding when
// both are real vectors of the same length, and falls back to comparing
// pseudo-embeddings of both texts otherwise. Negative similarity counts as 0.
func semanticSimilarity(qv QueryVector, query string, n storage.Note, text string) float64 {
	var sim float64
	if !qv.Pseudo && len(qv.Vector) > 0 && len(n.Embedding) == len(qv.Vector) {
		sim = Cosine(qv.Vector, n.Embedding)
	} else {
		q := qv.Vector
		if !qv.Pseudo || len(q) != PseudoDim {
			q = PseudoEmbedding(query)
		}
		sim = Cosine(q, PseudoEmbedding(text))
	}
	return math.Max(0, sim)
}

// normalizeByMax divides every value by the maximum. If nothing is
// positive the values are left at zero.
func normalizeByMax(v []float64) {
	var top float64
	for _, x := range v {
		if x > top {
			top = x
		}
	}
	if top <= 0 {
		for i := range v {
			v[i] = 0
		}
		return
	}
	for i := range v {
		v[i] /= top
	}
}

// overlap returns the fraction of query terms present in the document.
func overlap(queryTerms, doc []string) float64 {
	if len(queryTerms) == 0 {
		return 0
	}
	present := make(map[string]struct{}, len(doc))
	for _, t := range doc {
		present[t] = struct{}{}
	}
	hits := 0
	for _, t := range queryTerms {
		if _, ok := present[t]; ok {
			hits++
		}
	}
	return float64(hits) / float64(len(queryTerms))
}

// freshness returns max(0, 1 - age/FreshnessWindow). Future timestamps count as brand new.
func freshness(createdAt, now time.Time) float64 {
	age := now.Sub(createdAt)
	if age < 0 {
		age = 0
	}
	return math.Max(0, 1-float64(age)/float64(FreshnessWindow))
}
