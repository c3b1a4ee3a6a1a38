package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/openai"
)

// OpenAIEngine talks to any OpenAI-compatible API through langchaingo.
// Local servers that need no key get the placeholder token "none".
type OpenAIEngine struct {
	baseURL    string
	token      string
	httpClient *http.Client

	mu     sync.Mutex
	chat   *openai.LLM
	embeds map[string]*openai.LLM
}

var _ Engine = (*OpenAIEngine)(nil)

// NewOpenAIEngine creates an engine for the API rooted at baseURL
// (for example https://api.openai.com/v1).
func NewOpenAIEngine(baseURL, apiKey string) *OpenAIEngine {
	if apiKey == "" {
		apiKey = "none"
	}
	return &OpenAIEngine{
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      apiKey,
		httpClient: &http.Client{},
		embeds:     make(map[string]*openai.LLM),
	}
}

func (e *OpenAIEngine) newLLM(opts ...openai.Option) (*openai.LLM, error) {
	base := []openai.Option{
		openai.WithBaseURL(e.baseURL),
		openai.WithToken(e.token),
		openai.WithHTTPClient(e.httpClient),
	}
	return openai.New(append(base, opts...)...)
}

func (e *OpenAIEngine) chatClient(model string) (*openai.LLM, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.chat != nil {
		return e.chat, nil
	}
	llm, err := e.newLLM(openai.WithModel(model))
	if err != nil {
		return nil, fmt.Errorf("creating openai chat client: %w", err)
	}
	e.chat = llm
	return llm, nil
}

// embedClient returns a client bound to model. langchaingo fixes the
// embedding model per client, so one is kept per model name.
func (e *OpenAIEngine) embedClient(model string) (*openai.LLM, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if llm, ok := e.embeds[model]; ok {
		return llm, nil
	}
	llm, err := e.newLLM(openai.WithEmbeddingModel(model))
	if err != nil {
		return nil, fmt.Errorf("creating openai embedding client: %w", err)
	}
	e.embeds[model] = llm
	return llm, nil
}

func (e *OpenAIEngine) Name() string { return ProviderOpenAI }

func (e *OpenAIEngine) Chat(ctx context.Context, model string, messages []Message, jsonSchema *Schema) (string, error) {
	llm, err := e.chatClient(model)
	if err != nil {
		return "", err
	}

	content := make([]llms.MessageContent, 0, len(messages)+1)
	for _, m := range messages {
		content = append(content, llms.TextParts(chatMessageType(m.Role), m.Content))
	}

	opts := []llms.CallOption{llms.WithModel(model)}
	if jsonSchema != nil {
		b, err := json.Marshal(jsonSchema)
		if err != nil {
			return "", fmt.Errorf("encoding schema: %w", err)
		}
		content = append(content, llms.TextParts(llms.ChatMessageTypeSystem,
			"Respond with a single JSON object matching this JSON schema: "+string(b)))
		opts = append(opts, llms.WithTemperature(0), llms.WithJSONMode())
	}

	resp, err := llm.GenerateContent(ctx, content, opts...)
	if err != nil {
		return "", fmt.Errorf("openai chat: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("openai chat: empty response")
	}
	return resp.Choices[0].Content, nil
}

func chatMessageType(role string) llms.ChatMessageType {
	switch role {
	case RoleSystem:
		return llms.ChatMessageTypeSystem
	case RoleAssistant:
		return llms.ChatMessageTypeAI
	default:
		return llms.ChatMessageTypeHuman
	}
}

func (e *OpenAIEngine) Embed(ctx context.Context, model string, text string) ([]float32, error) {
	llm, err := e.embedClient(model)
	if err != nil {
		return nil, err
	}
	vecs, err := llm.CreateEmbedding(ctx, []string{text})
	if err != nil {
		return nil, fmt.Errorf("openai embed: %w", err)
	}
	if len(vecs) == 0 || len(vecs[0]) == 0 {
		return nil, fmt.Errorf("openai embed: empty embeddings array")
	}
	return vecs[0], nil
}

// IsRunning reports whether GET {base}/models answers 200 with the
// configured credentials.
func (e *OpenAIEngine) IsRunning(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, e.baseURL+"/models", nil)
	if err != nil {
		return false
	}
	req.Header.Set("Authorization", "Bearer "+e.token)
	resp, err := e.httpClient.Do(req)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}
