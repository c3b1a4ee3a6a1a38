package ingest

import (
	"encoding/json"

	"github.com/google/uuid"
	"github.com/kalambet/notebase/internal/storage"
)

// Reasons recorded in a job payload.
const (
	ReasonCreated        = "created"
	ReasonContentChanged = "content_changed"
)

// Payload is the JSON carried by an enrichment job.
type Payload struct {
	Reason string `json:"reason"`
	// Project is the project the user filed the note under. It survives
	// re-enrichment and overrides any inferred project.
	Project string `json:"project,omitempty"`
}

// NewJob builds an enrichment job for n. The queue fills in attempts and
// availability.
func NewJob(n storage.Note, p Payload) storage.Job {
	b, _ := json.Marshal(p)
	return storage.Job{
		ID:               uuid.NewString(),
		WorkspaceID:      n.WorkspaceID,
		VisibilityUserID: n.OwnerUserID,
		NoteID:           n.ID,
		PayloadJSON:      string(b),
	}
}

func parsePayload(s string) (Payload, error) {
	var p Payload
	if s == "" {
		return p, nil
	}
	err := json.Unmarshal([]byte(s), &p)
	return p, err
}
