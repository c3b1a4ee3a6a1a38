// Package engine abstracts the inference backends used for note
// enrichment: a local Ollama server or any OpenAI-compatible endpoint.
package engine

import "context"

// Engine is a chat + embedding backend.
type Engine interface {
	// Name identifies the backend in logs and status output.
	Name() string

	// Chat returns the assistant reply. A non-nil jsonSchema asks for
	// structured JSON output matching it.
	Chat(ctx context.Context, model string, messages []Message, jsonSchema *Schema) (string, error)

	Embed(ctx context.Context, model string, text string) ([]float32, error)

	// IsRunning reports whether the backend answers at all.
	IsRunning(ctx context.Context) bool
}

// ModelManager is implemented by engines that hold model weights locally
// and can download missing ones. Hosted providers do not implement it.
type ModelManager interface {
	ListModels(ctx context.Context) ([]string, error)
	HasModel(ctx context.Context, name string) bool
	PullModel(ctx context.Context, name string, onProgress func(PullProgress)) error
}

const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Schema is the JSON-schema subset the enrichment prompts need: an object
// of scalar and string-array fields.
type Schema struct {
	Type       string                    `json:"type"`
	Properties map[string]SchemaProperty `json:"properties"`
	Required   []string                  `json:"required,omitempty"`
}

type SchemaProperty struct {
	Type        string          `json:"type"`
	Description string          `json:"description,omitempty"`
	Items       *SchemaProperty `json:"items,omitempty"`
}

// PullProgress is one progress report of a model download.
type PullProgress struct {
	Status    string `json:"status"`
	Total     int64  `json:"total,omitempty"`
	Completed int64  `json:"completed,omitempty"`
}
