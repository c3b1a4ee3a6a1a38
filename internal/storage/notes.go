package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
)

const noteColumns = `id, workspace_id, owner_user_id, content, raw_content, markdown_content,
	source_type, source_url, attachment_name, attachment_mime, attachment_size, attachment_path,
	summary, tags, project, embedding, metadata, status, revision, created_at, updated_at`

// DefaultCandidateLimit caps how many notes a single search ranks.
const DefaultCandidateLimit = 500

func scanNote(row rowScanner) (Note, error) {
	var n Note
	var tags, metadata, createdAt, updatedAt string
	var embedding []byte
	err := row.Scan(
		&n.ID, &n.WorkspaceID, &n.OwnerUserID, &n.Content, &n.RawContent, &n.MarkdownContent,
		&n.SourceType, &n.SourceURL, &n.Attachment.Name, &n.Attachment.Mime, &n.Attachment.Size, &n.Attachment.Path,
		&n.Summary, &tags, &n.Project, &embedding, &metadata, &n.Status, &n.Revision, &createdAt, &updatedAt,
	)
	if err != nil {
		return Note{}, err
	}
	if n.Tags, err = decodeTags(tags); err != nil {
		return Note{}, fmt.Errorf("note %s: %w", n.ID, err)
	}
	if n.Metadata, err = decodeMetadata(metadata); err != nil {
		return Note{}, fmt.Errorf("note %s: %w", n.ID, err)
	}
	if n.Embedding, err = decodeFloat32s(embedding); err != nil {
		return Note{}, fmt.Errorf("decoding embedding for %s: %w", n.ID, err)
	}
	if n.CreatedAt, err = parseTime(createdAt); err != nil {
		return Note{}, fmt.Errorf("parsing created_at for %s: %w", n.ID, err)
	}
	if n.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return Note{}, fmt.Errorf("parsing updated_at for %s: %w", n.ID, err)
	}
	return n, nil
}

// CreateNote persists a new note at revision 1. Status defaults to pending.
func (s *Store) CreateNote(ctx context.Context, n Note) (Note, error) {
	if n.ID == "" {
		return Note{}, errors.New("note id is required")
	}
	if n.Status == "" {
		n.Status = NoteStatusPending
	}
	if n.SourceType == "" {
		n.SourceType = SourceText
	}
	now := s.nowUTC()
	n.Revision = 1
	n.CreatedAt = now
	n.UpdatedAt = now

	tags, err := encodeTags(n.Tags)
	if err != nil {
		return Note{}, err
	}
	metadata, err := encodeMetadata(n.Metadata)
	if err != nil {
		return Note{}, err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO notes (`+noteColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		n.ID, n.WorkspaceID, n.OwnerUserID, n.Content, n.RawContent, n.MarkdownContent,
		n.SourceType, n.SourceURL, n.Attachment.Name, n.Attachment.Mime, n.Attachment.Size, n.Attachment.Path,
		n.Summary, tags, n.Project, encodeFloat32s(n.Embedding), metadata, n.Status, n.Revision,
		formatTime(now), formatTime(now),
	)
	if err != nil {
		return Note{}, fmt.Errorf("inserting note %s: %w", n.ID, err)
	}
	if n.Tags == nil {
		n.Tags = []string{}
	}
	return n, nil
}

func (s *Store) GetNote(ctx context.Context, id string) (Note, error) {
	return getNote(ctx, s.db, id)
}

type queryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func getNote(ctx context.Context, q queryRower, id string) (Note, error) {
	n, err := scanNote(q.QueryRowContext(ctx, `SELECT `+noteColumns+` FROM notes WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return Note{}, ErrNotFound
	}
	if err != nil {
		return Note{}, err
	}
	return n, nil
}

// UpdateNoteStatus moves a note through its lifecycle. Status transitions are
// system-internal and do not touch the revision.
func (s *Store) UpdateNoteStatus(ctx context.Context, id, status string) (Note, error) {
	switch status {
	case NoteStatusPending, NoteStatusEnriching, NoteStatusReady, NoteStatusFailed:
	default:
		return Note{}, fmt.Errorf("invalid note status %q", status)
	}
	res, err := s.db.ExecContext(ctx, `UPDATE notes SET status = ?, updated_at = ? WHERE id = ?`,
		status, formatTime(s.nowUTC()), id)
	if err != nil {
		return Note{}, fmt.Errorf("updating status of note %s: %w", id, err)
	}
	if err := expectOneRow(res); err != nil {
		return Note{}, err
	}
	return s.GetNote(ctx, id)
}

// UpdateNoteEnrichment writes the enrichment field group and bumps the revision.
// It bypasses the optimistic revision guard: the pipeline owns these fields.
func (s *Store) UpdateNoteEnrichment(ctx context.Context, id string, e Enrichment) (Note, error) {
	tags, err := encodeTags(e.Tags)
	if err != nil {
		return Note{}, err
	}
	metadata, err := encodeMetadata(e.Metadata)
	if err != nil {
		return Note{}, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Note{}, fmt.Errorf("beginning enrichment transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE notes SET
			summary = ?, tags = ?, project = ?, embedding = ?, metadata = ?,
			raw_content = COALESCE(?, raw_content),
			markdown_content = COALESCE(?, markdown_content),
			revision = revision + 1, updated_at = ?
		WHERE id = ?`,
		e.Summary, tags, e.Project, encodeFloat32s(e.Embedding), metadata,
		nullString(e.RawContent), nullString(e.MarkdownContent),
		formatTime(s.nowUTC()), id,
	)
	if err != nil {
		return Note{}, fmt.Errorf("writing enrichment for note %s: %w", id, err)
	}
	if err := expectOneRow(res); err != nil {
		return Note{}, err
	}

	n, err := getNote(ctx, tx, id)
	if err != nil {
		return Note{}, err
	}
	if err := tx.Commit(); err != nil {
		return Note{}, fmt.Errorf("committing enrichment for note %s: %w", id, err)
	}
	return n, nil
}

// UpdateNoteContent applies a user edit. When baseRevision is non-nil the
// write only happens if it still equals the stored revision; otherwise the
// result is not applied and carries the current note. No partial effect.
func (s *Store) UpdateNoteContent(ctx context.Context, id string, patch ContentPatch, baseRevision *int64) (ContentUpdate, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return ContentUpdate{}, fmt.Errorf("beginning content transaction: %w", err)
	}
	defer tx.Rollback()

	var base sql.NullInt64
	if baseRevision != nil {
		base = sql.NullInt64{Int64: *baseRevision, Valid: true}
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE notes SET
			content = COALESCE(?, content),
			markdown_content = COALESCE(?, markdown_content),
			revision = revision + 1, updated_at = ?
		WHERE id = ? AND (? IS NULL OR revision = ?)`,
		nullString(patch.Content), nullString(patch.MarkdownContent),
		formatTime(s.nowUTC()), id, base, base,
	)
	if err != nil {
		return ContentUpdate{}, fmt.Errorf("updating content of note %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return ContentUpdate{}, err
	}

	current, err := getNote(ctx, tx, id)
	if err != nil {
		return ContentUpdate{}, err
	}
	if n == 0 {
		return ContentUpdate{Applied: false, Note: current}, nil
	}
	if err := tx.Commit(); err != nil {
		return ContentUpdate{}, fmt.Errorf("committing content update for note %s: %w", id, err)
	}
	return ContentUpdate{Applied: true, Note: current}, nil
}

// DeleteNote removes a note and its jobs in one transaction and returns the
// deleted row so the caller can clean up artifacts on disk.
func (s *Store) DeleteNote(ctx context.Context, id string) (Note, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Note{}, fmt.Errorf("beginning delete transaction: %w", err)
	}
	defer tx.Rollback()

	n, err := getNote(ctx, tx, id)
	if err != nil {
		return Note{}, err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM enrichment_jobs WHERE note_id = ?`, id); err != nil {
		return Note{}, fmt.Errorf("deleting jobs of note %s: %w", id, err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM notes WHERE id = ?`, id); err != nil {
		return Note{}, fmt.Errorf("deleting note %s: %w", id, err)
	}
	if err := tx.Commit(); err != nil {
		return Note{}, fmt.Errorf("committing delete of note %s: %w", id, err)
	}
	return n, nil
}

// ListNotes returns notes matching the filter, most recent first.
func (s *Store) ListNotes(ctx context.Context, f ListFilter) ([]Note, error) {
	var where []string
	var args []any
	if f.WorkspaceID != "" {
		where = append(where, "workspace_id = ?")
		args = append(args, f.WorkspaceID)
	}
	if f.Project != "" {
		where = append(where, "project = ?")
		args = append(args, f.Project)
	}
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, f.Status)
	}

	query := `SELECT ` + noteColumns + ` FROM notes`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY created_at DESC, id ASC`

	limit := f.Limit
	if limit <= 0 {
		limit = -1
	}
	query += ` LIMIT ? OFFSET ?`
	args = append(args, limit, f.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing notes: %w", err)
	}
	defer rows.Close()

	var notes []Note
	for rows.Next() {
		n, err := scanNote(rows)
		if err != nil {
			return nil, err
		}
		notes = append(notes, n)
	}
	return notes, rows.Err()
}

// SearchCandidates returns the bounded candidate set a search request ranks:
// the workspace's (optionally project-scoped) most recent notes.
func (s *Store) SearchCandidates(ctx context.Context, workspaceID, project string, limit int) ([]Note, error) {
	if limit <= 0 || limit > DefaultCandidateLimit {
		limit = DefaultCandidateLimit
	}
	return s.ListNotes(ctx, ListFilter{WorkspaceID: workspaceID, Project: project, Limit: limit})
}

func expectOneRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func nullString(p *string) sql.NullString {
	if p == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *p, Valid: true}
}
