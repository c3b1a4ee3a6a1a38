package enrich

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/kalambet/notebase/internal/engine"
)

// DefaultTimeout bounds a single classification or embedding call.
const DefaultTimeout = 10 * time.Second

// maxPromptRunes caps the note text sent to the model.
const maxPromptRunes = 8000

const classifyPrompt = `You are a note classifier. Read the note and return ONLY a single valid JSON object that conforms to the provided schema. Do not include any other text, prose, or markdown.

Rules:
- "summary": one sentence, at most 200 characters, describing what the note is about.
- "tags": 1 to 5 short lowercase topic tags.
- "project": the project or initiative the note belongs to, or "" when none is evident.`

// LLMClassifier classifies notes with a chat model constrained to a JSON schema.
type LLMClassifier struct {
	engine  engine.Engine
	model   string
	timeout time.Duration
}

// NewLLMClassifier returns a classifier over eng. A nil eng makes every call
// return ErrUnavailable.
func NewLLMClassifier(eng engine.Engine, model string, timeout time.Duration) *LLMClassifier {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &LLMClassifier{engine: eng, model: model, timeout: timeout}
}

func (c *LLMClassifier) Classify(ctx context.Context, in Input) (Classification, error) {
	if c.engine == nil {
		return Classification{}, ErrUnavailable
	}
	text := strings.TrimSpace(in.Text)
	if text == "" {
		return Classification{}, ErrEmptyContent
	}
	if r := []rune(text); len(r) > maxPromptRunes {
		text = string(r[:maxPromptRunes])
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	system := classifyPrompt
	if in.Project != "" {
		system += fmt.Sprintf("\n\nThe user filed this note under project %q.", in.Project)
	}

	resp, err := c.engine.Chat(ctx, c.model, []engine.Message{
		{Role: engine.RoleSystem, Content: system},
		{Role: engine.RoleUser, Content: text},
	}, classificationSchema())
	if err != nil {
		return Classification{}, fmt.Errorf("classify: %w", err)
	}

	out, err := parseClassification(resp)
	if err != nil {
		return Classification{}, err
	}
	if in.Project != "" {
		out.Project = in.Project
	}
	out.Source = SourceLLM
	return out, nil
}

func classificationSchema() *engine.Schema {
	return &engine.Schema{
		Type: "object",
		Properties: map[string]engine.SchemaProperty{
			"summary": {Type: "string", Description: "One sentence summary of the note"},
			"tags":    {Type: "array", Description: "Short lowercase topic tags", Items: &engine.SchemaProperty{Type: "string"}},
			"project": {Type: "string", Description: "Project the note belongs to, or empty"},
		},
		Required: []string{"summary", "tags", "project"},
	}
}

type classificationJSON struct {
	Summary string   `json:"summary"`
	Tags    []string `json:"tags"`
	Project string   `json:"project"`
}

// parseClassification extracts the classification object from a model
// response. Small local models often wrap JSON in markdown fences or add
// filler around it, so fences are stripped and the outermost braces taken.
func parseClassification(resp string) (Classification, error) {
	s := strings.TrimSpace(resp)

	if idx := strings.Index(s, "```"); idx != -1 {
		s = s[idx+3:]
		s = strings.TrimPrefix(s, "json")
		if end := strings.Index(s, "```"); end != -1 {
			s = s[:end]
		}
	}

	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start == -1 || end <= start {
		return Classification{}, fmt.Errorf("classify: no JSON object in response")
	}

	var raw classificationJSON
	if err := json.Unmarshal([]byte(s[start:end+1]), &raw); err != nil {
		return Classification{}, fmt.Errorf("classify: decoding response: %w", err)
	}

	summary := strings.TrimSpace(raw.Summary)
	if summary == "" {
		return Classification{}, fmt.Errorf("classify: empty summary")
	}
	return Classification{
		Summary: truncateRunes(summary, summaryMaxRunes),
		Tags:    normalizeTags(raw.Tags),
		Project: strings.TrimSpace(raw.Project),
	}, nil
}

// EngineEmbedder embeds text with an engine's embedding model.
type EngineEmbedder struct {
	engine  engine.Engine
	model   string
	timeout time.Duration
}

// NewEngineEmbedder returns an embedder over eng. A nil eng makes every call
// return ErrUnavailable.
func NewEngineEmbedder(eng engine.Engine, model string, timeout time.Duration) *EngineEmbedder {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &EngineEmbedder{engine: eng, model: model, timeout: timeout}
}

func (e *EngineEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if e.engine == nil {
		return nil, ErrUnavailable
	}
	if strings.TrimSpace(text) == "" {
		return nil, ErrEmptyContent
	}

	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	vec, err := e.engine.Embed(ctx, e.model, text)
	if err != nil {
		return nil, fmt.Errorf("embed: %w", err)
	}
	return vec, nil
}
