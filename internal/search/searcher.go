// Package search ranks notes for a query.
//
// Each request builds a fresh BM25 index over a bounded candidate set read
// from the note store, then blends lexical and semantic signals according
// to one of two independent weight tables (see Mode).
package search

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/kalambet/notebase/internal/storage"
	"golang.org/x/sync/errgroup"
)

const (
	DefaultLimit = 10
	MaxLimit     = 100
	excerptLen   = 240
)

// NoteSource is the read side of the note store used by search.
type NoteSource interface {
	SearchCandidates(ctx context.Context, workspaceID, project string, limit int) ([]storage.Note, error)
	ListNotes(ctx context.Context, f storage.ListFilter) ([]storage.Note, error)
}

// Request is a search query.
type Request struct {
	WorkspaceID     string `json:"workspace_id"`
	Query           string `json:"query"`
	Project         string `json:"project,omitempty"`
	Limit           int    `json:"limit,omitempty"`
	IncludeMarkdown bool   `json:"include_markdown,omitempty"`
	Mode            Mode   `json:"mode,omitempty"`
}

// CitedNote is the note projection returned in a citation.
type CitedNote struct {
	ID         string    `json:"id"`
	Summary    string    `json:"summary"`
	Tags       []string  `json:"tags"`
	Project    string    `json:"project,omitempty"`
	Excerpt    string    `json:"excerpt"`
	Status     string    `json:"status"`
	Revision   int64     `json:"revision"`
	SourceType string    `json:"source_type"`
	SourceURL  string    `json:"source_url,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	Markdown   string    `json:"markdown,omitempty"`
}

type Citation struct {
	Rank  int       `json:"rank"`
	Score float64   `json:"score"`
	Note  CitedNote `json:"note"`
}

// Response holds ranked citations. Ranked is false when the query had no
// searchable terms and the citations are a recency listing.
type Response struct {
	Query     string     `json:"query"`
	Mode      Mode       `json:"mode"`
	Ranked    bool       `json:"ranked"`
	Citations []Citation `json:"citations"`
}

// Searcher answers search requests.
type Searcher struct {
	notes          NoteSource
	embedder       *QueryEmbedder
	candidateLimit int
	now            func() time.Time
	logger         *slog.Logger
}

// NewSearcher creates a Searcher. candidateLimit <= 0 uses the store default.
func NewSearcher(notes NoteSource, embedder *QueryEmbedder, candidateLimit int) *Searcher {
	if embedder == nil {
		embedder = NewQueryEmbedder(nil, nil, 0)
	}
	return &Searcher{
		notes:          notes,
		embedder:       embedder,
		candidateLimit: candidateLimit,
		now:            time.Now,
		logger:         slog.Default().With("component", "searcher"),
	}
}

// Search ranks the workspace's candidate notes for req.Query.
func (s *Searcher) Search(ctx context.Context, req Request) (Response, error) {
	limit := req.Limit
	if limit <= 0 {
		limit = DefaultLimit
	}
	if limit > MaxLimit {
		limit = MaxLimit
	}
	mode := req.Mode
	if mode == "" {
		mode = ModeHybrid
	}

	terms := Tokenize(req.Query)
	if len(terms) == 0 {
		return s.listing(ctx, req, mode, limit)
	}

	var candidates []storage.Note
	var qv QueryVector

	g, gCtx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		candidates, err = s.notes.SearchCandidates(gCtx, req.WorkspaceID, req.Project, s.candidateLimit)
		if err != nil {
			return fmt.Errorf("fetching search candidates: %w", err)
		}
		return nil
	})
	if mode == ModeHybrid {
		g.Go(func() error {
			qv = s.embedder.Embed(gCtx, req.Query)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return Response{}, err
	}

	ranked := Rank(mode, req.Query, qv, candidates, s.now())
	if len(ranked) > limit {
		ranked = ranked[:limit]
	}

	resp := Response{Query: req.Query, Mode: mode, Ranked: true, Citations: make([]Citation, len(ranked))}
	for i, r := range ranked {
		resp.Citations[i] = Citation{
			Rank:  i + 1,
			Score: r.Score,
			Note:  cite(r.Note, terms, req.IncludeMarkdown),
		}
	}
	s.logger.Debug("search", "mode", mode, "candidates", len(candidates), "results", len(resp.Citations))
	return resp, nil
}

// listing answers a query with no searchable terms with the most recent
// notes, unscored.
func (s *Searcher) listing(ctx context.Context, req Request, mode Mode, limit int) (Response, error) {
	notes, err := s.notes.ListNotes(ctx, storage.ListFilter{
		WorkspaceID: req.WorkspaceID,
		Project:     req.Project,
		Limit:       limit,
	})
	if err != nil {
		return Response{}, fmt.Errorf("listing notes: %w", err)
	}
	resp := Response{Query: req.Query, Mode: mode, Citations: make([]Citation, len(notes))}
	for i, n := range notes {
		resp.Citations[i] = Citation{Rank: i + 1, Note: cite(n, nil, req.IncludeMarkdown)}
	}
	return resp, nil
}

func cite(n storage.Note, terms []string, includeMarkdown bool) CitedNote {
	c := CitedNote{
		ID:         n.ID,
		Summary:    n.Summary,
		Tags:       n.Tags,
		Project:    n.Project,
		Excerpt:    Excerpt(primaryText(n), terms, excerptLen),
		Status:     n.Status,
		Revision:   n.Revision,
		SourceType: n.SourceType,
		SourceURL:  n.SourceURL,
		CreatedAt:  n.CreatedAt,
	}
	if c.Tags == nil {
		c.Tags = []string{}
	}
	if includeMarkdown {
		c.Markdown = n.MarkdownContent
	}
	return c
}

func primaryText(n storage.Note) string {
	for _, s := range []string{n.Content, n.MarkdownContent, n.RawContent, n.Summary} {
		if strings.TrimSpace(s) != "" {
			return s
		}
	}
	return ""
}

// Excerpt returns up to maxRunes runes of text centred on the first
// occurrence of any term, with "..." marking cut ends. Without a match the
// excerpt starts at the beginning.
func Excerpt(text string, terms []string, maxRunes int) string {
	text = strings.Join(strings.Fields(text), " ")
	runes := []rune(text)
	if len(runes) <= maxRunes {
		return text
	}

	start := 0
	lower := []rune(strings.ToLower(text))
	if len(lower) == len(runes) {
		if pos := firstMatch(string(lower), terms); pos >= 0 {
			start = max(0, pos-maxRunes/3)
		}
	}
	end := min(len(runes), start+maxRunes)
	if end-start < maxRunes {
		start = max(0, end-maxRunes)
	}

	out := strings.TrimSpace(string(runes[start:end]))
	if start > 0 {
		out = "..." + out
	}
	if end < len(runes) {
		out += "..."
	}
	return out
}

// firstMatch returns the rune offset of the earliest term occurrence, or -1.
func firstMatch(lower string, terms []string) int {
	best := -1
	for _, t := range terms {
		i := strings.Index(lower, t)
		if i < 0 {
			continue
		}
		pos := len([]rune(lower[:i]))
		if best < 0 || pos < best {
			best = pos
		}
	}
	return best
}
