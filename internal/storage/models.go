package storage

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// ErrJobNotRunning is returned by CompleteJob and FailJob when the caller no
// longer holds the job's lock, e.g. because stale-lock recovery handed it back
// to the queue and another worker claimed it.
var ErrJobNotRunning = errors.New("job is not running")

// Note lifecycle states.
const (
	NoteStatusPending   = "pending"
	NoteStatusEnriching = "enriching"
	NoteStatusReady     = "ready"
	NoteStatusFailed    = "failed"
)

// Note source types.
const (
	SourceText  = "text"
	SourceLink  = "link"
	SourceImage = "image"
	SourceFile  = "file"
)

// Job states.
const (
	JobQueued    = "queued"
	JobRunning   = "running"
	JobRetry     = "retry"
	JobCompleted = "completed"
	JobFailed    = "failed"
)

// Attachment describes an uploaded file stored alongside a note.
type Attachment struct {
	Name string `json:"name,omitempty"`
	Mime string `json:"mime,omitempty"`
	Size int64  `json:"size,omitempty"`
	Path string `json:"-"`
}

type Note struct {
	ID              string            `json:"id"`
	WorkspaceID     string            `json:"workspace_id"`
	OwnerUserID     string            `json:"owner_user_id,omitempty"`
	Content         string            `json:"content"`
	RawContent      string            `json:"raw_content,omitempty"`
	MarkdownContent string            `json:"markdown_content,omitempty"`
	SourceType      string            `json:"source_type"`
	SourceURL       string            `json:"source_url,omitempty"`
	Attachment      Attachment        `json:"attachment"`
	Summary         string            `json:"summary"`
	Tags            []string          `json:"tags"`
	Project         string            `json:"project,omitempty"`
	Embedding       []float32         `json:"-"`
	Metadata        map[string]string `json:"metadata,omitempty"`
	Status          string            `json:"status"`
	Revision        int64             `json:"revision"`
	CreatedAt       time.Time         `json:"created_at"`
	UpdatedAt       time.Time         `json:"updated_at"`
}

// Enrichment is the system-owned field group written by the enrichment worker.
// RawContent and MarkdownContent are only written when non-nil (extraction output).
type Enrichment struct {
	Summary         string
	Tags            []string
	Project         string
	Embedding       []float32
	Metadata        map[string]string
	RawContent      *string
	MarkdownContent *string
}

// ContentPatch is the user-owned field group. Nil fields are left unchanged.
type ContentPatch struct {
	Content         *string
	MarkdownContent *string
}

// ContentUpdate is the outcome of a revision-guarded write. When Applied is
// false the write was rejected and Note holds the current stored state.
type ContentUpdate struct {
	Applied bool
	Note    Note
}

// ListFilter selects notes for listing. Zero values mean "any".
type ListFilter struct {
	WorkspaceID string
	Project     string
	Status      string
	Limit       int
	Offset      int
}

type Job struct {
	ID               string     `json:"id"`
	WorkspaceID      string     `json:"workspace_id"`
	VisibilityUserID string     `json:"visibility_user_id,omitempty"`
	NoteID           string     `json:"note_id"`
	PayloadJSON      string     `json:"payload"`
	Status           string     `json:"status"`
	AttemptCount     int        `json:"attempt_count"`
	MaxAttempts      int        `json:"max_attempts"`
	AvailableAt      time.Time  `json:"available_at"`
	LockedAt         *time.Time `json:"locked_at,omitempty"`
	LockedBy         string     `json:"locked_by,omitempty"`
	LastError        string     `json:"last_error,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
}

// Terminal reports whether the job will never be claimed again without manual retry.
func (j Job) Terminal() bool {
	return j.Status == JobCompleted || j.Status == JobFailed
}

// QueueCounts is a per-status job tally.
type QueueCounts struct {
	Queued    int `json:"queued"`
	Running   int `json:"running"`
	Retry     int `json:"retry"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
}

// QueuePolicy controls attempts and retry backoff for enrichment jobs.
type QueuePolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// DefaultQueuePolicy returns 5 attempts with 2s..60s exponential backoff.
func DefaultQueuePolicy() QueuePolicy {
	return QueuePolicy{
		MaxAttempts: 5,
		BaseDelay:   2 * time.Second,
		MaxDelay:    60 * time.Second,
	}
}

// Backoff returns the retry delay after the given (1-based) attempt:
// min(MaxDelay, BaseDelay * 2^(attempt-1)).
func (p QueuePolicy) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := p.BaseDelay
	for i := 1; i < attempt; i++ {
		if d >= p.MaxDelay {
			break
		}
		d *= 2
	}
	if d > p.MaxDelay {
		d = p.MaxDelay
	}
	return d
}
