package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/kalambet/notebase/internal/notes"
	"github.com/kalambet/notebase/internal/search"
	"github.com/kalambet/notebase/internal/storage"
)

// MCPDeps holds dependencies for the MCP server.
type MCPDeps struct {
	Notes    NoteService
	Searcher Searcher
	// Version is reported in the server handshake.
	Version string
}

// NewMCPServer creates an MCP server with all notebase tools and resources registered.
func NewMCPServer(deps MCPDeps) *server.MCPServer {
	version := deps.Version
	if version == "" {
		version = "dev"
	}
	s := server.NewMCPServer(
		"notebase",
		version,
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithInstructions("notebase: capture notes and search them. Notes are enriched with a summary, tags and project in the background."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("search_notes",
			mcp.WithDescription("Search notes with hybrid keyword and semantic ranking. Returns ranked citations."),
			mcp.WithString("query", mcp.Description("Search query"), mcp.Required()),
			mcp.WithString("project", mcp.Description("Only search notes filed under this project")),
			mcp.WithNumber("limit", mcp.Description("Maximum number of results (default 10)")),
			mcp.WithString("mode", mcp.Description("Ranking mode: hybrid (default) or lexical")),
		),
		mcpSearchNotes(deps),
	)

	s.AddTool(
		mcp.NewTool("create_note",
			mcp.WithDescription("Capture a text note or a link. Enrichment happens asynchronously."),
			mcp.WithString("content", mcp.Description("Note text")),
			mcp.WithString("url", mcp.Description("Link to capture instead of text")),
			mcp.WithString("project", mcp.Description("Project to file the note under")),
		),
		mcpCreateNote(deps),
	)

	s.AddTool(
		mcp.NewTool("update_note",
			mcp.WithDescription("Replace a note's content. Pass base_revision to reject the edit if the note changed since it was read."),
			mcp.WithString("id", mcp.Description("Note ID"), mcp.Required()),
			mcp.WithString("content", mcp.Description("New note text"), mcp.Required()),
			mcp.WithNumber("base_revision", mcp.Description("Revision the edit is based on")),
		),
		mcpUpdateNote(deps),
	)

	s.AddTool(
		mcp.NewTool("queue_status",
			mcp.WithDescription("Report enrichment queue counts by status."),
		),
		mcpQueueStatus(deps),
	)

	s.AddTool(
		mcp.NewTool("retry_note",
			mcp.WithDescription("Retry enrichment for a note whose job failed permanently."),
			mcp.WithString("id", mcp.Description("Note ID"), mcp.Required()),
		),
		mcpRetryNote(deps),
	)

	s.AddResource(
		mcp.NewResource(
			"notes://recent",
			"Recent Notes",
			mcp.WithResourceDescription("Last 10 notes (summaries only)"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourceRecent(deps),
	)

	return s
}

func mcpSearchNotes(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		query, err := req.RequireString("query")
		if err != nil {
			return mcpError("query is required"), nil
		}
		mode, err := search.ParseMode(req.GetString("mode", ""))
		if err != nil {
			return mcpError(err.Error()), nil
		}

		limit := req.GetInt("limit", search.DefaultLimit)
		if limit <= 0 {
			limit = search.DefaultLimit
		}
		if limit > search.MaxLimit {
			limit = search.MaxLimit
		}

		resp, err := deps.Searcher.Search(ctx, search.Request{
			WorkspaceID: notes.DefaultWorkspace,
			Query:       query,
			Project:     req.GetString("project", ""),
			Limit:       limit,
			Mode:        mode,
		})
		if err != nil {
			return mcpError(fmt.Sprintf("search failed: %v", err)), nil
		}
		return mcpJSON(resp)
	}
}

func mcpCreateNote(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		n, err := deps.Notes.CreateNote(ctx, notes.CreateInput{
			Content:   req.GetString("content", ""),
			SourceURL: req.GetString("url", ""),
			Project:   req.GetString("project", ""),
			Metadata:  map[string]string{"capture": "mcp"},
		})
		if err != nil {
			return mcpError(fmt.Sprintf("failed to create note: %v", err)), nil
		}
		return mcpText(fmt.Sprintf("Stored note %s (revision %d, enrichment %s)", n.ID, n.Revision, n.Status)), nil
	}
}

func mcpUpdateNote(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := req.RequireString("id")
		if err != nil {
			return mcpError("id is required"), nil
		}
		content, err := req.RequireString("content")
		if err != nil {
			return mcpError("content is required"), nil
		}

		in := notes.UpdateInput{ID: id, Content: &content}
		if args := req.GetArguments(); args["base_revision"] != nil {
			rev := int64(req.GetInt("base_revision", 0))
			in.BaseRevision = &rev
		}

		n, err := deps.Notes.UpdateNote(ctx, in)
		var conflict *notes.RevisionConflictError
		switch {
		case errors.As(err, &conflict):
			return mcpError(fmt.Sprintf("note %s changed since revision %d; current revision is %d, re-read it and retry",
				id, conflict.BaseRevision, conflict.CurrentRevision)), nil
		case errors.Is(err, storage.ErrNotFound):
			return mcpError(fmt.Sprintf("note %s not found", id)), nil
		case err != nil:
			return mcpError(fmt.Sprintf("failed to update note: %v", err)), nil
		}
		return mcpText(fmt.Sprintf("Updated note %s to revision %d", n.ID, n.Revision)), nil
	}
}

func mcpQueueStatus(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		counts, err := deps.Notes.QueueCounts(ctx, notes.DefaultWorkspace)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to read queue: %v", err)), nil
		}
		return mcpJSON(counts)
	}
}

func mcpRetryNote(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := req.RequireString("id")
		if err != nil {
			return mcpError("id is required"), nil
		}
		job, err := deps.Notes.RetryFailedJobForNote(ctx, id)
		if errors.Is(err, storage.ErrNotFound) {
			return mcpError(fmt.Sprintf("note %s has no failed enrichment job", id)), nil
		}
		if err != nil {
			return mcpError(fmt.Sprintf("retry failed: %v", err)), nil
		}
		return mcpText(fmt.Sprintf("Requeued job %s for note %s", job.ID, id)), nil
	}
}

func mcpResourceRecent(deps MCPDeps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		list, err := deps.Notes.ListNotes(ctx, storage.ListFilter{WorkspaceID: notes.DefaultWorkspace, Limit: 10})
		if err != nil {
			return nil, fmt.Errorf("failed to list recent notes: %w", err)
		}

		type noteSummary struct {
			ID        string   `json:"id"`
			CreatedAt string   `json:"created_at"`
			Status    string   `json:"status"`
			Summary   string   `json:"summary"`
			Tags      []string `json:"tags"`
			Project   string   `json:"project,omitempty"`
		}

		summaries := make([]noteSummary, len(list))
		for i, n := range list {
			summary := n.Summary
			if summary == "" {
				summary = n.Content
			}
			if utf8.RuneCountInString(summary) > 200 {
				runes := []rune(summary)
				summary = string(runes[:200]) + "..."
			}
			summaries[i] = noteSummary{
				ID:        n.ID,
				CreatedAt: n.CreatedAt.Format(time.RFC3339),
				Status:    n.Status,
				Summary:   summary,
				Tags:      n.Tags,
				Project:   n.Project,
			}
		}

		b, err := json.Marshal(summaries)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal notes: %w", err)
		}

		return []mcp.ResourceContents{
			mcp.TextResourceContents{
				URI:      req.Params.URI,
				MIMEType: "application/json",
				Text:     string(b),
			},
		}, nil
	}
}

func mcpJSON(v any) (*mcp.CallToolResult, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return mcpError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcpText(string(b)), nil
}

func mcpText(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: text},
		},
	}
}

func mcpError(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
