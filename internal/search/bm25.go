package search

import "math"

// BM25 parameters.
const (
	K1 = 1.2
	B  = 0.75
)

// Index is a request-scoped BM25 index over a tokenized candidate set.
type Index struct {
	tf      []map[string]int
	lengths []int
	df      map[string]int
	avgdl   float64
}

// NewIndex builds term frequencies, document lengths and document
// frequencies for docs. Each doc is a token slice as produced by Tokenize.
func NewIndex(docs [][]string) *Index {
	idx := &Index{
		tf:      make([]map[string]int, len(docs)),
		lengths: make([]int, len(docs)),
		df:      make(map[string]int),
	}
	total := 0
	for i, doc := range docs {
		counts := make(map[string]int, len(doc))
		for _, tok := range doc {
			counts[tok]++
		}
		for term := range counts {
			idx.df[term]++
		}
		idx.tf[i] = counts
		idx.lengths[i] = len(doc)
		total += len(doc)
	}
	if len(docs) > 0 {
		idx.avgdl = float64(total) / float64(len(docs))
	}
	return idx
}

// Len returns the number of indexed documents.
func (idx *Index) Len() int {
	return len(idx.tf)
}

// IDF returns ln(1 + (N - df + 0.5) / (df + 0.5)).
func (idx *Index) IDF(term string) float64 {
	n := float64(len(idx.tf))
	df := float64(idx.df[term])
	return math.Log(1 + (n-df+0.5)/(df+0.5))
}

// Score returns the BM25 score of document i for the query. Repeated query
// terms count once. The score is 0 when the document shares no term with
// the query or the corpus is empty.
func (idx *Index) Score(query []string, i int) float64 {
	if i < 0 || i >= len(idx.tf) || idx.avgdl == 0 {
		return 0
	}
	doc := idx.tf[i]
	dl := float64(idx.lengths[i])

	var score float64
	for _, term := range uniqueTerms(query) {
		f := float64(doc[term])
		if f == 0 {
			continue
		}
		score += idx.IDF(term) * (f * (K1 + 1)) / (f + K1*(1-B+B*dl/idx.avgdl))
	}
	return score
}
