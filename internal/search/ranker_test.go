package search

import (
	"testing"
	"time"

	"github.com/kalambet/notebase/internal/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var rankNow = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func note(id, content string, age time.Duration) storage.Note {
	return storage.Note{ID: id, WorkspaceID: "ws", Content: content, CreatedAt: rankNow.Add(-age)}
}

func maxSignals(scored []Scored) (bm25, semantic float64) {
	for _, s := range scored {
		bm25 = max(bm25, s.Signals.BM25)
		semantic = max(semantic, s.Signals.Semantic)
	}
	return bm25, semantic
}

func TestRank_NormalizationMaxIsOne(t *testing.T) {
	notes := []storage.Note{
		note("a", "roadmap review for the quarter", time.Hour),
		note("b", "roadmap roadmap roadmap", 2*time.Hour),
		note("c", "grocery list", 3*time.Hour),
	}

	scored := Rank(ModeHybrid, "roadmap", QueryVector{}, notes, rankNow)
	require.Len(t, scored, 3)

	bm25, semantic := maxSignals(scored)
	assert.Equal(t, 1.0, bm25)
	assert.Equal(t, 1.0, semantic)
}

func TestRank_NoSignalStaysZero(t *testing.T) {
	notes := []storage.Note{
		note("a", "grocery list", time.Hour),
		note("b", "weekend hike", time.Hour),
	}

	scored := Rank(ModeLexical, "roadmap", QueryVector{}, notes, rankNow)
	for _, s := range scored {
		assert.Zero(t, s.Signals.BM25)
		assert.Zero(t, s.Score)
	}
}

func TestRank_RealEmbeddingsNormalized(t *testing.T) {
	notes := []storage.Note{
		note("a", "alpha", time.Hour),
		note("b", "beta", time.Hour),
	}
	notes[0].Embedding = []float32{1, 0}
	notes[1].Embedding = []float32{0.6, 0.8}

	scored := Rank(ModeHybrid, "alpha", QueryVector{Vector: []float32{0, 1}}, notes, rankNow)
	byID := map[string]Scored{}
	for _, s := range scored {
		byID[s.Note.ID] = s
	}
	assert.Equal(t, 1.0, byID["b"].Signals.Semantic)
	assert.Zero(t, byID["a"].Signals.Semantic, "orthogonal vectors have no similarity")
}

func TestRank_DimensionMismatchUsesPseudo(t *testing.T) {
	n := note("a", "roadmap planning", time.Hour)
	n.Embedding = []float32{1, 2, 3}

	scored := Rank(ModeHybrid, "roadmap", QueryVector{Vector: []float32{1, 0}}, []storage.Note{n}, rankNow)
	require.Len(t, scored, 1)
	assert.Equal(t, 1.0, scored[0].Signals.Semantic, "single candidate with pseudo signal normalises to 1")
}

func TestRank_HybridWeights(t *testing.T) {
	n := note("a", "roadmap", 0)
	scored := Rank(ModeHybrid, "roadmap", QueryVector{}, []storage.Note{n}, rankNow)
	require.Len(t, scored, 1)

	s := scored[0]
	assert.Equal(t, 1.0, s.Signals.BM25)
	assert.Equal(t, 1.0, s.Signals.Overlap)
	assert.True(t, s.Signals.Phrase)
	assert.Equal(t, 1.0, s.Signals.Freshness)
	assert.InDelta(t, 0.5+0.3+0.15+0.05+0.4, s.Score, 1e-9)
}

func TestRank_LexicalWeights(t *testing.T) {
	n := note("a", "roadmap", 0)
	n.Embedding = []float32{1, 0}

	scored := Rank(ModeLexical, "roadmap", QueryVector{Vector: []float32{1, 0}}, []storage.Note{n}, rankNow)
	require.Len(t, scored, 1)

	s := scored[0]
	assert.Zero(t, s.Signals.Semantic, "lexical mode ignores embeddings")
	assert.Zero(t, s.Signals.Freshness, "lexical mode ignores recency")
	assert.InDelta(t, 0.85+0.15+0.15, s.Score, 1e-9)
}

func TestRank_OverlapIsFractionOfQueryTerms(t *testing.T) {
	n := note("a", "roadmap review", 0)
	scored := Rank(ModeLexical, "roadmap budget", QueryVector{}, []storage.Note{n}, rankNow)
	require.Len(t, scored, 1)
	assert.Equal(t, 0.5, scored[0].Signals.Overlap)
	assert.False(t, scored[0].Signals.Phrase)
}

func TestRank_PhraseBoostIsCaseInsensitiveVerbatim(t *testing.T) {
	notes := []storage.Note{
		note("split", "review of the roadmap", 0),
		note("exact", "the Roadmap Review happened", 0),
	}
	scored := Rank(ModeLexical, "roadmap review", QueryVector{}, notes, rankNow)
	require.Len(t, scored, 2)

	byID := map[string]Scored{}
	for _, s := range scored {
		byID[s.Note.ID] = s
	}
	assert.True(t, byID["exact"].Signals.Phrase)
	assert.False(t, byID["split"].Signals.Phrase)
	assert.Equal(t, "exact", scored[0].Note.ID)
}

func TestRank_FreshnessDecays(t *testing.T) {
	assert.Equal(t, 1.0, freshness(rankNow, rankNow))
	assert.InDelta(t, 0.5, freshness(rankNow.Add(-15*24*time.Hour), rankNow), 1e-9)
	assert.Zero(t, freshness(rankNow.Add(-30*24*time.Hour), rankNow))
	assert.Zero(t, freshness(rankNow.Add(-90*24*time.Hour), rankNow))
	assert.Equal(t, 1.0, freshness(rankNow.Add(time.Hour), rankNow))
}

func TestRank_SimultaneousTiesKeepCandidateOrder(t *testing.T) {
	notes := []storage.Note{
		note("first", "same text", time.Hour),
		note("second", "same text", time.Hour),
		note("third", "same text", time.Hour),
	}
	scored := Rank(ModeLexical, "same", QueryVector{}, notes, rankNow)
	require.Len(t, scored, 3)
	assert.Equal(t, "first", scored[0].Note.ID)
	assert.Equal(t, "second", scored[1].Note.ID)
	assert.Equal(t, "third", scored[2].Note.ID)
}

func TestRank_TiesGoOldestFirst(t *testing.T) {
	// Candidates arrive newest first, as SearchCandidates fetches them.
	notes := []storage.Note{
		note("newest", "same text", time.Hour),
		note("middle", "same text", 2*time.Hour),
		note("oldest", "same text", 3*time.Hour),
	}
	scored := Rank(ModeLexical, "same", QueryVector{}, notes, rankNow)
	require.Len(t, scored, 3)
	assert.Equal(t, scored[0].Score, scored[2].Score)
	assert.Equal(t, []string{"oldest", "middle", "newest"},
		[]string{scored[0].Note.ID, scored[1].Note.ID, scored[2].Note.ID})
}

func TestRank_SearchesDerivedFields(t *testing.T) {
	n := note("a", "", time.Hour)
	n.Tags = []string{"planning"}
	n.Attachment.Name = "budget.pdf"

	scored := Rank(ModeLexical, "planning budget", QueryVector{}, []storage.Note{n, note("b", "nothing", time.Hour)}, rankNow)
	require.Len(t, scored, 2)
	assert.Equal(t, "a", scored[0].Note.ID)
	assert.Equal(t, 1.0, scored[0].Signals.Overlap)
}

func TestParseMode(t *testing.T) {
	m, err := ParseMode("")
	require.NoError(t, err)
	assert.Equal(t, ModeHybrid, m)

	m, err = ParseMode("BM25")
	require.NoError(t, err)
	assert.Equal(t, ModeLexical, m)

	_, err = ParseMode("fuzzy")
	assert.Error(t, err)
}

func TestPseudoEmbedding(t *testing.T) {
	a := PseudoEmbedding("Quarterly roadmap review")
	b := PseudoEmbedding("quarterly ROADMAP review")
	require.Len(t, a, PseudoDim)
	assert.Equal(t, a, b, "pseudo-embedding is deterministic over tokens")
	assert.InDelta(t, 1.0, float64(norm(a)), 1e-5)

	assert.InDelta(t, 1.0, Cosine(a, b), 1e-6)
	assert.Greater(t, Cosine(a, PseudoEmbedding("roadmap")), Cosine(a, PseudoEmbedding("grocery list")))

	empty := PseudoEmbedding("")
	assert.Zero(t, Cosine(empty, a))
}

func TestCosine(t *testing.T) {
	assert.InDelta(t, 1.0, Cosine([]float32{1, 2}, []float32{2, 4}), 1e-9)
	assert.InDelta(t, -1.0, Cosine([]float32{1, 0}, []float32{-1, 0}), 1e-9)
	assert.Zero(t, Cosine([]float32{1}, []float32{1, 2}))
	assert.Zero(t, Cosine(nil, nil))
}
