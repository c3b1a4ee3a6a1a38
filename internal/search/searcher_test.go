package search

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/kalambet/notebase/internal/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockNotes struct {
	searchCandidatesFn func(ctx context.Context, workspaceID, project string, limit int) ([]storage.Note, error)
	listNotesFn        func(ctx context.Context, f storage.ListFilter) ([]storage.Note, error)
}

func (m *mockNotes) SearchCandidates(ctx context.Context, workspaceID, project string, limit int) ([]storage.Note, error) {
	return m.searchCandidatesFn(ctx, workspaceID, project, limit)
}

func (m *mockNotes) ListNotes(ctx context.Context, f storage.ListFilter) ([]storage.Note, error) {
	return m.listNotesFn(ctx, f)
}

func openStore(t *testing.T) *storage.Store {
	t.Helper()
	s, err := storage.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSearcher_RanksMatchingNoteFirst(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()

	_, err := store.CreateNote(ctx, storage.Note{ID: "roadmap", WorkspaceID: "ws", Content: "Quarterly roadmap review"})
	require.NoError(t, err)
	_, err = store.UpdateNoteEnrichment(ctx, "roadmap", storage.Enrichment{
		Summary: "Roadmap review",
		Tags:    []string{"roadmap", "planning"},
		Project: "Q3 Planning",
	})
	require.NoError(t, err)
	_, err = store.CreateNote(ctx, storage.Note{ID: "groceries", WorkspaceID: "ws", Content: "Buy milk and eggs"})
	require.NoError(t, err)

	s := NewSearcher(store, nil, 0)
	resp, err := s.Search(ctx, Request{WorkspaceID: "ws", Query: "roadmap"})
	require.NoError(t, err)

	require.True(t, resp.Ranked)
	require.Len(t, resp.Citations, 2)
	top := resp.Citations[0]
	assert.Equal(t, 1, top.Rank)
	assert.Equal(t, "roadmap", top.Note.ID)
	assert.Equal(t, "Q3 Planning", top.Note.Project)
	assert.Equal(t, []string{"roadmap", "planning"}, top.Note.Tags)
	assert.Greater(t, top.Score, resp.Citations[1].Score)
}

func TestSearcher_ProjectScopeAndLimit(t *testing.T) {
	var gotProject string
	notes := &mockNotes{
		searchCandidatesFn: func(ctx context.Context, workspaceID, project string, limit int) ([]storage.Note, error) {
			gotProject = project
			return []storage.Note{
				{ID: "a", Content: "roadmap one", CreatedAt: time.Now()},
				{ID: "b", Content: "roadmap two", CreatedAt: time.Now()},
				{ID: "c", Content: "roadmap three", CreatedAt: time.Now()},
			}, nil
		},
	}

	s := NewSearcher(notes, nil, 0)
	resp, err := s.Search(context.Background(), Request{Query: "roadmap", Project: "Q3", Limit: 2, Mode: ModeLexical})
	require.NoError(t, err)
	assert.Equal(t, "Q3", gotProject)
	assert.Len(t, resp.Citations, 2)
	assert.Equal(t, ModeLexical, resp.Mode)
}

func TestSearcher_EmptyQueryFallsBackToListing(t *testing.T) {
	var gotFilter storage.ListFilter
	notes := &mockNotes{
		searchCandidatesFn: func(ctx context.Context, workspaceID, project string, limit int) ([]storage.Note, error) {
			t.Fatal("ranking path must not run for an empty query")
			return nil, nil
		},
		listNotesFn: func(ctx context.Context, f storage.ListFilter) ([]storage.Note, error) {
			gotFilter = f
			return []storage.Note{{ID: "recent"}, {ID: "older"}}, nil
		},
	}

	s := NewSearcher(notes, nil, 0)
	resp, err := s.Search(context.Background(), Request{WorkspaceID: "ws", Query: " ?! ", Project: "p"})
	require.NoError(t, err)

	assert.False(t, resp.Ranked)
	assert.Equal(t, storage.ListFilter{WorkspaceID: "ws", Project: "p", Limit: DefaultLimit}, gotFilter)
	require.Len(t, resp.Citations, 2)
	assert.Equal(t, "recent", resp.Citations[0].Note.ID)
	assert.Zero(t, resp.Citations[0].Score)
}

func TestSearcher_CandidateError(t *testing.T) {
	notes := &mockNotes{
		searchCandidatesFn: func(ctx context.Context, workspaceID, project string, limit int) ([]storage.Note, error) {
			return nil, errors.New("db closed")
		},
	}
	s := NewSearcher(notes, nil, 0)
	_, err := s.Search(context.Background(), Request{Query: "roadmap"})
	assert.ErrorContains(t, err, "db closed")
}

func TestSearcher_IncludeMarkdown(t *testing.T) {
	notes := &mockNotes{
		searchCandidatesFn: func(ctx context.Context, workspaceID, project string, limit int) ([]storage.Note, error) {
			return []storage.Note{{ID: "a", Content: "roadmap", MarkdownContent: "# Roadmap"}}, nil
		},
	}
	s := NewSearcher(notes, nil, 0)

	resp, err := s.Search(context.Background(), Request{Query: "roadmap"})
	require.NoError(t, err)
	assert.Empty(t, resp.Citations[0].Note.Markdown)

	resp, err = s.Search(context.Background(), Request{Query: "roadmap", IncludeMarkdown: true})
	require.NoError(t, err)
	assert.Equal(t, "# Roadmap", resp.Citations[0].Note.Markdown)
}

func TestExcerpt(t *testing.T) {
	assert.Equal(t, "short text", Excerpt("short   text", []string{"text"}, 240))

	long := strings.Repeat("lorem ipsum ", 50) + "the roadmap lives here " + strings.Repeat("dolor sit ", 50)
	ex := Excerpt(long, []string{"roadmap"}, 80)
	assert.Contains(t, ex, "roadmap")
	assert.True(t, strings.HasPrefix(ex, "..."))
	assert.True(t, strings.HasSuffix(ex, "..."))
	assert.LessOrEqual(t, len([]rune(ex)), 86)

	noMatch := Excerpt(long, []string{"absent"}, 80)
	assert.True(t, strings.HasPrefix(noMatch, "lorem"))
	assert.True(t, strings.HasSuffix(noMatch, "..."))
}
