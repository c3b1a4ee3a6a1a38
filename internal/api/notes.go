package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"mime"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/kalambet/notebase/internal/notes"
	"github.com/kalambet/notebase/internal/search"
	"github.com/kalambet/notebase/internal/storage"
)

const (
	maxRequestBodySize = 1 << 20 // 1MB
	maxUploadBodySize  = notes.MaxUploadBytes + 1<<20
	maxMultipartMemory = 8 << 20
	requestTimeout     = 30 * time.Second
)

// NoteService is the note lifecycle the API exposes.
type NoteService interface {
	CreateNote(ctx context.Context, in notes.CreateInput) (storage.Note, error)
	UpdateNote(ctx context.Context, in notes.UpdateInput) (storage.Note, error)
	GetNote(ctx context.Context, id string) (storage.Note, error)
	ListNotes(ctx context.Context, f storage.ListFilter) ([]storage.Note, error)
	DeleteNote(ctx context.Context, id string) (storage.Note, error)
	QueueCounts(ctx context.Context, workspaceID string) (storage.QueueCounts, error)
	ListFailedJobs(ctx context.Context, workspaceID string, limit int) ([]storage.Job, error)
	RetryFailedJobForNote(ctx context.Context, noteID string) (storage.Job, error)
}

// Searcher ranks notes for a query.
type Searcher interface {
	Search(ctx context.Context, req search.Request) (search.Response, error)
}

type AppDeps struct {
	Notes    NoteService
	Searcher Searcher
	// Token enables bearer auth when non-empty.
	Token string
}

// CreateNoteRequest is the JSON body of POST /notes. Multipart requests
// carry the same fields as form values plus a "file" part.
type CreateNoteRequest struct {
	WorkspaceID     string            `json:"workspace_id"`
	OwnerUserID     string            `json:"owner_user_id"`
	Content         string            `json:"content"`
	MarkdownContent string            `json:"markdown_content"`
	SourceType      string            `json:"source_type"`
	SourceURL       string            `json:"source_url"`
	Project         string            `json:"project"`
	Metadata        map[string]string `json:"metadata"`
}

// UpdateNoteRequest is the JSON body of PATCH /notes/{id}.
type UpdateNoteRequest struct {
	Content         *string `json:"content"`
	MarkdownContent *string `json:"markdown_content"`
	BaseRevision    *int64  `json:"base_revision"`
}

func NewAppHandler(deps AppDeps) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/health", handleHealth)

	r.Group(func(r chi.Router) {
		r.Use(BearerAuth(deps.Token))
		r.Use(middleware.Timeout(requestTimeout))

		r.Post("/notes", handleCreateNote(deps))
		r.Get("/notes", handleListNotes(deps))
		r.Get("/notes/{id}", handleGetNote(deps))
		r.Patch("/notes/{id}", handleUpdateNote(deps))
		r.Delete("/notes/{id}", handleDeleteNote(deps))
		r.Post("/notes/{id}/retry", handleRetryNote(deps))
		r.Get("/search", handleSearch(deps))
		r.Get("/queue/counts", handleQueueCounts(deps))
		r.Get("/queue/failed", handleFailedJobs(deps))
	})

	return r
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

func handleCreateNote(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var in notes.CreateInput
		mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))

		if mediaType == "multipart/form-data" {
			r.Body = http.MaxBytesReader(w, r.Body, maxUploadBodySize)
			if err := r.ParseMultipartForm(maxMultipartMemory); err != nil {
				httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid multipart body: %v", err)
				return
			}
			defer r.MultipartForm.RemoveAll()

			in = notes.CreateInput{
				WorkspaceID:     r.FormValue("workspace_id"),
				OwnerUserID:     r.FormValue("owner_user_id"),
				Content:         r.FormValue("content"),
				MarkdownContent: r.FormValue("markdown_content"),
				SourceType:      r.FormValue("source_type"),
				SourceURL:       r.FormValue("source_url"),
				Project:         r.FormValue("project"),
			}
			file, header, err := r.FormFile("file")
			switch {
			case err == nil:
				defer file.Close()
				mimeType := header.Header.Get("Content-Type")
				if mimeType == "" || mimeType == "application/octet-stream" {
					if byExt := mime.TypeByExtension(filepath.Ext(header.Filename)); byExt != "" {
						mimeType = byExt
					}
				}
				in.Upload = &notes.Upload{Name: header.Filename, Mime: mimeType, Reader: file}
			case !errors.Is(err, http.ErrMissingFile):
				httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid file part: %v", err)
				return
			}
		} else {
			r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
			defer r.Body.Close()

			var req CreateNoteRequest
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
				return
			}
			in = notes.CreateInput{
				WorkspaceID:     req.WorkspaceID,
				OwnerUserID:     req.OwnerUserID,
				Content:         req.Content,
				MarkdownContent: req.MarkdownContent,
				SourceType:      req.SourceType,
				SourceURL:       req.SourceURL,
				Project:         req.Project,
				Metadata:        req.Metadata,
			}
		}

		n, err := deps.Notes.CreateNote(r.Context(), in)
		if err != nil {
			writeServiceError(w, "create note", err)
			return
		}
		writeJSON(w, http.StatusAccepted, n)
	}
}

func handleListNotes(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		list, err := deps.Notes.ListNotes(r.Context(), storage.ListFilter{
			WorkspaceID: workspaceParam(r),
			Project:     q.Get("project"),
			Status:      q.Get("status"),
			Limit:       parseIntParam(r, "limit", 20, 100),
			Offset:      parseIntParam(r, "offset", 0, 0),
		})
		if err != nil {
			writeServiceError(w, "list notes", err)
			return
		}
		if list == nil {
			list = []storage.Note{}
		}
		writeJSON(w, http.StatusOK, list)
	}
}

func handleGetNote(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		n, err := deps.Notes.GetNote(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			writeServiceError(w, "note", err)
			return
		}
		writeJSON(w, http.StatusOK, n)
	}
}

func handleUpdateNote(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var req UpdateNoteRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if req.BaseRevision == nil {
			if rev, ok, err := ifMatchRevision(r); err != nil {
				httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
				return
			} else if ok {
				req.BaseRevision = &rev
			}
		}

		n, err := deps.Notes.UpdateNote(r.Context(), notes.UpdateInput{
			ID:              chi.URLParam(r, "id"),
			Content:         req.Content,
			MarkdownContent: req.MarkdownContent,
			BaseRevision:    req.BaseRevision,
		})
		if err != nil {
			writeServiceError(w, "note", err)
			return
		}
		writeJSON(w, http.StatusOK, n)
	}
}

// ifMatchRevision reads a base revision from an If-Match header such as
// `"3"` or `3`.
func ifMatchRevision(r *http.Request) (int64, bool, error) {
	h := strings.TrimSpace(r.Header.Get("If-Match"))
	if h == "" {
		return 0, false, nil
	}
	rev, err := strconv.ParseInt(strings.Trim(h, `"`), 10, 64)
	if err != nil {
		return 0, false, fmt.Errorf("invalid If-Match revision %q", h)
	}
	return rev, true, nil
}

func handleDeleteNote(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if _, err := deps.Notes.DeleteNote(r.Context(), chi.URLParam(r, "id")); err != nil {
			writeServiceError(w, "note", err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
	}
}

func handleRetryNote(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		job, err := deps.Notes.RetryFailedJobForNote(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			writeServiceError(w, "failed job for note", err)
			return
		}
		writeJSON(w, http.StatusAccepted, job)
	}
}

func handleSearch(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		mode, err := search.ParseMode(q.Get("mode"))
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
			return
		}
		includeMarkdown, _ := strconv.ParseBool(q.Get("include_markdown"))

		resp, err := deps.Searcher.Search(r.Context(), search.Request{
			WorkspaceID:     workspaceParam(r),
			Query:           q.Get("q"),
			Project:         q.Get("project"),
			Limit:           parseIntParam(r, "limit", search.DefaultLimit, search.MaxLimit),
			IncludeMarkdown: includeMarkdown,
			Mode:            mode,
		})
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "search failed: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

func handleQueueCounts(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		counts, err := deps.Notes.QueueCounts(r.Context(), workspaceParam(r))
		if err != nil {
			writeServiceError(w, "queue counts", err)
			return
		}
		writeJSON(w, http.StatusOK, counts)
	}
}

func handleFailedJobs(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		jobs, err := deps.Notes.ListFailedJobs(r.Context(), workspaceParam(r), parseIntParam(r, "limit", 20, 100))
		if err != nil {
			writeServiceError(w, "failed jobs", err)
			return
		}
		if jobs == nil {
			jobs = []storage.Job{}
		}
		writeJSON(w, http.StatusOK, jobs)
	}
}

func workspaceParam(r *http.Request) string {
	if ws := r.URL.Query().Get("workspace_id"); ws != "" {
		return ws
	}
	return notes.DefaultWorkspace
}

func parseIntParam(r *http.Request, key string, defaultVal, maxVal int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil || v < 0 {
		return defaultVal
	}
	if maxVal > 0 && v > maxVal {
		return maxVal
	}
	return v
}
