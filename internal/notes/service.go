// Package notes is the synchronous entry point for note capture and edits.
// It validates input, persists notes and enqueues enrichment; it never calls
// classification or embedding itself.
package notes

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"net/url"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/kalambet/notebase/internal/artifacts"
	"github.com/kalambet/notebase/internal/ingest"
	"github.com/kalambet/notebase/internal/storage"
)

// DefaultWorkspace is used when a request names no workspace.
const DefaultWorkspace = "default"

// MaxUploadBytes caps a single uploaded attachment.
const MaxUploadBytes = 20 << 20

// ValidationError rejects malformed input before anything is written.
type ValidationError struct {
	Field string
	Msg   string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Msg)
}

// RevisionConflictError is returned when an update names a base revision
// that is no longer current. Current is the stored note.
type RevisionConflictError struct {
	ID              string
	BaseRevision    int64
	CurrentRevision int64
	Current         storage.Note
}

func (e *RevisionConflictError) Error() string {
	return fmt.Sprintf("note %s: revision conflict (base %d, current %d)", e.ID, e.BaseRevision, e.CurrentRevision)
}

// Upload is an attachment sent with a new note.
type Upload struct {
	Name   string
	Mime   string
	Reader io.Reader
}

// CreateInput describes a new note.
type CreateInput struct {
	WorkspaceID     string
	OwnerUserID     string
	Content         string
	MarkdownContent string
	SourceType      string
	SourceURL       string
	// Project files the note under a project; it overrides inference.
	Project  string
	Metadata map[string]string
	Upload   *Upload
}

// UpdateInput is a user edit. BaseRevision, when set, makes the write
// conditional on the note still being at that revision.
type UpdateInput struct {
	ID              string
	Content         *string
	MarkdownContent *string
	BaseRevision    *int64
}

// Service coordinates the note store, the job queue and on-disk artifacts.
type Service struct {
	store     *storage.Store
	artifacts *artifacts.Store
	logger    *slog.Logger
}

// NewService returns a Service. art may be nil when uploads are disabled.
func NewService(store *storage.Store, art *artifacts.Store, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: store, artifacts: art, logger: logger.With("component", "notes")}
}

// CreateNote validates and stores a note in pending state, enqueues its
// enrichment and returns without waiting for it.
func (s *Service) CreateNote(ctx context.Context, in CreateInput) (storage.Note, error) {
	if err := normalizeCreate(&in); err != nil {
		return storage.Note{}, err
	}

	metadata := maps.Clone(in.Metadata)
	if in.Project != "" {
		if metadata == nil {
			metadata = make(map[string]string, 1)
		}
		metadata[ingest.MetaRequestedProject] = in.Project
	}

	n := storage.Note{
		ID:              uuid.NewString(),
		WorkspaceID:     in.WorkspaceID,
		OwnerUserID:     in.OwnerUserID,
		Content:         in.Content,
		MarkdownContent: in.MarkdownContent,
		SourceType:      in.SourceType,
		SourceURL:       in.SourceURL,
		Project:         in.Project,
		Metadata:        metadata,
		Status:          storage.NoteStatusPending,
	}

	if in.Upload != nil {
		if s.artifacts == nil {
			return storage.Note{}, &ValidationError{Field: "upload", Msg: "uploads are not enabled"}
		}
		path, size, err := s.artifacts.SaveUpload(n.ID, in.Upload.Name, in.Upload.Reader, MaxUploadBytes)
		if err != nil {
			return storage.Note{}, fmt.Errorf("saving upload: %w", err)
		}
		n.Attachment = storage.Attachment{Name: filepath.Base(path), Mime: in.Upload.Mime, Size: size, Path: path}
	}

	created, err := s.store.CreateNote(ctx, n)
	if err != nil {
		s.removeArtifacts(n.ID)
		return storage.Note{}, err
	}

	if _, err := s.enqueue(ctx, created, ingest.Payload{Reason: ingest.ReasonCreated, Project: in.Project}); err != nil {
		// Without a job the note would stay pending forever.
		if _, delErr := s.store.DeleteNote(ctx, created.ID); delErr != nil {
			s.logger.Error("rolling back note after enqueue failure", "note_id", created.ID, "error", delErr)
		}
		s.removeArtifacts(created.ID)
		return storage.Note{}, err
	}

	s.logger.Debug("note created", "note_id", created.ID, "source_type", created.SourceType)
	return created, nil
}

func normalizeCreate(in *CreateInput) error {
	if in.WorkspaceID == "" {
		in.WorkspaceID = DefaultWorkspace
	}
	in.Project = strings.TrimSpace(in.Project)
	in.SourceURL = strings.TrimSpace(in.SourceURL)

	if in.SourceType == "" {
		switch {
		case in.Upload != nil && strings.HasPrefix(in.Upload.Mime, "image/"):
			in.SourceType = storage.SourceImage
		case in.Upload != nil:
			in.SourceType = storage.SourceFile
		case in.SourceURL != "":
			in.SourceType = storage.SourceLink
		default:
			in.SourceType = storage.SourceText
		}
	}

	switch in.SourceType {
	case storage.SourceText:
		if strings.TrimSpace(in.Content) == "" && strings.TrimSpace(in.MarkdownContent) == "" {
			return &ValidationError{Field: "content", Msg: "is required"}
		}
	case storage.SourceLink:
		u, err := url.Parse(in.SourceURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return &ValidationError{Field: "source_url", Msg: "must be an http or https URL"}
		}
	case storage.SourceFile, storage.SourceImage:
		if in.Upload == nil || in.Upload.Reader == nil {
			return &ValidationError{Field: "upload", Msg: "is required for " + in.SourceType + " notes"}
		}
		if strings.TrimSpace(in.Upload.Name) == "" {
			return &ValidationError{Field: "upload", Msg: "file name is required"}
		}
	default:
		return &ValidationError{Field: "source_type", Msg: fmt.Sprintf("unknown source type %q", in.SourceType)}
	}
	return nil
}

// UpdateNote applies a user edit. A stale BaseRevision yields a
// *RevisionConflictError and leaves the note untouched. Accepted edits
// re-enqueue enrichment unless a job is already in flight.
func (s *Service) UpdateNote(ctx context.Context, in UpdateInput) (storage.Note, error) {
	if in.ID == "" {
		return storage.Note{}, &ValidationError{Field: "id", Msg: "is required"}
	}
	if in.Content == nil && in.MarkdownContent == nil {
		return storage.Note{}, &ValidationError{Field: "content", Msg: "nothing to update"}
	}
	if in.Content != nil && strings.TrimSpace(*in.Content) == "" {
		return storage.Note{}, &ValidationError{Field: "content", Msg: "must not be empty"}
	}

	res, err := s.store.UpdateNoteContent(ctx, in.ID, storage.ContentPatch{
		Content:         in.Content,
		MarkdownContent: in.MarkdownContent,
	}, in.BaseRevision)
	if err != nil {
		return storage.Note{}, err
	}
	if !res.Applied {
		return storage.Note{}, &RevisionConflictError{
			ID:              in.ID,
			BaseRevision:    *in.BaseRevision,
			CurrentRevision: res.Note.Revision,
			Current:         res.Note,
		}
	}

	n := res.Note
	enqueued, err := s.enqueue(ctx, n, ingest.Payload{
		Reason:  ingest.ReasonContentChanged,
		Project: n.Metadata[ingest.MetaRequestedProject],
	})
	if err != nil {
		return storage.Note{}, err
	}
	if enqueued {
		n, err = s.store.UpdateNoteStatus(ctx, n.ID, storage.NoteStatusPending)
		if err != nil {
			return storage.Note{}, err
		}
	}
	return n, nil
}

// enqueue adds an enrichment job unless one is already in flight for the
// note. It reports whether a job was added.
func (s *Service) enqueue(ctx context.Context, n storage.Note, p ingest.Payload) (bool, error) {
	inflight, err := s.store.HasInFlightJob(ctx, n.ID)
	if err != nil {
		return false, err
	}
	if inflight {
		s.logger.Debug("enrichment already in flight", "note_id", n.ID)
		return false, nil
	}
	if _, err := s.store.EnqueueJob(ctx, ingest.NewJob(n, p)); err != nil {
		return false, fmt.Errorf("enqueueing enrichment: %w", err)
	}
	return true, nil
}

func (s *Service) GetNote(ctx context.Context, id string) (storage.Note, error) {
	return s.store.GetNote(ctx, id)
}

func (s *Service) ListNotes(ctx context.Context, f storage.ListFilter) ([]storage.Note, error) {
	return s.store.ListNotes(ctx, f)
}

// DeleteNote removes the note and its jobs, then its files. A failure to
// remove files is logged, not returned: the note is already gone.
func (s *Service) DeleteNote(ctx context.Context, id string) (storage.Note, error) {
	n, err := s.store.DeleteNote(ctx, id)
	if err != nil {
		return storage.Note{}, err
	}
	s.removeArtifacts(id)
	return n, nil
}

func (s *Service) removeArtifacts(id string) {
	if s.artifacts == nil {
		return
	}
	if err := s.artifacts.Remove(id); err != nil {
		s.logger.Warn("removing note artifacts failed", "note_id", id, "error", err)
	}
}

func (s *Service) QueueCounts(ctx context.Context, workspaceID string) (storage.QueueCounts, error) {
	return s.store.QueueCounts(ctx, workspaceID)
}

func (s *Service) ListFailedJobs(ctx context.Context, workspaceID string, limit int) ([]storage.Job, error) {
	return s.store.ListFailedJobs(ctx, workspaceID, limit)
}

// RetryFailedJobForNote puts the note's latest failed job back in the queue
// and the note back to pending. storage.ErrNotFound means there was no
// failed job to retry.
func (s *Service) RetryFailedJobForNote(ctx context.Context, noteID string) (storage.Job, error) {
	j, err := s.store.RetryFailedJob(ctx, noteID)
	if err != nil {
		return storage.Job{}, err
	}
	if _, err := s.store.UpdateNoteStatus(ctx, noteID, storage.NoteStatusPending); err != nil && !errors.Is(err, storage.ErrNotFound) {
		return storage.Job{}, err
	}
	return j, nil
}
