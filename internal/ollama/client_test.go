package ollama

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func tagsServer(t *testing.T, names ...string) *Client {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet || r.URL.Path != "/api/tags" {
			http.NotFound(w, r)
			return
		}
		var resp tagsResponse
		for _, n := range names {
			resp.Models = append(resp.Models, modelEntry{Name: n})
		}
		json.NewEncoder(w).Encode(resp)
	}))
	t.Cleanup(srv.Close)
	return New(srv.URL + "/")
}

func TestTags(t *testing.T) {
	c := tagsServer(t, "phi3.5:latest", "nomic-embed-text:v1.5", "mistral-nemo")
	ctx := context.Background()

	if !c.IsRunning(ctx) {
		t.Fatal("IsRunning() = false, want true")
	}

	models, err := c.ListModels(ctx)
	if err != nil {
		t.Fatalf("ListModels: %v", err)
	}
	if len(models) != 3 || models[1] != "nomic-embed-text:v1.5" {
		t.Errorf("models = %v", models)
	}

	tests := []struct {
		name string
		want bool
	}{
		{"phi3.5", true},
		{"phi3.5:latest", true},
		{"nomic-embed-text", true},
		{"mistral-nemo", true},
		{"mistral", false},
		{"phi3", false},
	}
	for _, tt := range tests {
		if got := c.HasModel(ctx, tt.name); got != tt.want {
			t.Errorf("HasModel(%q) = %v, want %v", tt.name, got, tt.want)
		}
	}
}

func TestTags_Down(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	srv.Close()

	c := New(srv.URL)
	if c.IsRunning(context.Background()) {
		t.Error("IsRunning() = true, want false")
	}
	if _, err := c.ListModels(context.Background()); err == nil {
		t.Error("ListModels on a stopped server should fail")
	}
}

func TestChat_PlainText(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/chat" {
			http.NotFound(w, r)
			return
		}
		resp := chatResponse{
			Message: Message{Role: "assistant", Content: "A quarterly planning note."},
		}
		json.NewEncoder(w).Encode(resp)
	}))
	defer srv.Close()

	c := New(srv.URL)
	result, err := c.Chat(context.Background(), "phi3.5", []Message{
		{Role: "user", Content: "Summarise: Quarterly roadmap review"},
	}, nil)
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}

	if result != "A quarterly planning note." {
		t.Errorf("result = %q", result)
	}
}

func TestChat_JSONSchema(t *testing.T) {
	var capturedFormat any
	var capturedOptions *chatOptions

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/chat" {
			http.NotFound(w, r)
			return
		}

		var reqBody chatRequest
		json.NewDecoder(r.Body).Decode(&reqBody)
		capturedFormat = reqBody.Format
		capturedOptions = reqBody.Options

		resp := chatResponse{
			Message: Message{Role: "assistant", Content: `{"summary":"Roadmap review","tags":["roadmap"],"project":"Q3 Planning"}`},
		}
		json.NewEncoder(w).Encode(resp)
	}))
	defer srv.Close()

	c := New(srv.URL)
	schema := &Schema{
		Type: "object",
		Properties: map[string]SchemaProperty{
			"summary": {Type: "string"},
			"tags":    {Type: "array", Items: &SchemaProperty{Type: "string"}},
			"project": {Type: "string"},
		},
		Required: []string{"summary", "tags"},
	}

	result, err := c.Chat(context.Background(), "phi3.5", []Message{
		{Role: "user", Content: "classify this"},
	}, schema)
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}

	formatMap, ok := capturedFormat.(map[string]any)
	if !ok {
		t.Fatalf("format = %T, want map (schema object)", capturedFormat)
	}
	if formatMap["type"] != "object" {
		t.Errorf("format.type = %v, want %q", formatMap["type"], "object")
	}
	props, _ := formatMap["properties"].(map[string]any)
	tags, _ := props["tags"].(map[string]any)
	if items, _ := tags["items"].(map[string]any); items["type"] != "string" {
		t.Errorf("format.properties.tags.items = %v, want string items", tags["items"])
	}
	if capturedOptions == nil || capturedOptions.Temperature != 0 {
		t.Errorf("options = %+v, want temperature 0", capturedOptions)
	}

	// Verify response is valid JSON.
	var parsed map[string]any
	if err := json.Unmarshal([]byte(result), &parsed); err != nil {
		t.Errorf("response is not valid JSON: %v", err)
	}
}

func TestEmbed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/embed" {
			http.NotFound(w, r)
			return
		}
		var reqBody embedRequest
		json.NewDecoder(r.Body).Decode(&reqBody)
		if !reqBody.Truncate {
			t.Error("embed request should ask for truncation")
		}
		resp := embedResponse{
			Embeddings: [][]float32{{0.1, 0.2, 0.3}},
		}
		json.NewEncoder(w).Encode(resp)
	}))
	defer srv.Close()

	c := New(srv.URL)
	vec, err := c.Embed(context.Background(), "nomic-embed-text", "hello world")
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}

	if len(vec) != 3 {
		t.Fatalf("got %d floats, want 3", len(vec))
	}

	want := []float32{0.1, 0.2, 0.3}
	for i, w := range want {
		if vec[i] != w {
			t.Errorf("vec[%d] = %f, want %f", i, vec[i], w)
		}
	}
}

func TestPullModel_Progress(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/pull" {
			http.NotFound(w, r)
			return
		}

		// Verify request body.
		var reqBody pullRequest
		json.NewDecoder(r.Body).Decode(&reqBody)
		if reqBody.Name != "phi3.5" {
			t.Errorf("pull model = %q, want %q", reqBody.Name, "phi3.5")
		}

		// Stream progress lines as newline-delimited JSON.
		enc := json.NewEncoder(w)
		enc.Encode(PullProgress{Status: "downloading", Total: 1000, Completed: 500})
		enc.Encode(PullProgress{Status: "downloading", Total: 1000, Completed: 1000})
		enc.Encode(PullProgress{Status: "success"})
	}))
	defer srv.Close()

	c := New(srv.URL)
	var progressCount int
	err := c.PullModel(context.Background(), "phi3.5", func(p PullProgress) {
		progressCount++
	})
	if err != nil {
		t.Fatalf("PullModel: %v", err)
	}

	if progressCount != 3 {
		t.Errorf("received %d progress updates, want 3", progressCount)
	}
}

func TestPullModel_StreamError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		enc := json.NewEncoder(w)
		enc.Encode(PullProgress{Status: "pulling manifest"})
		enc.Encode(PullProgress{Error: "file does not exist"})
	}))
	defer srv.Close()

	c := New(srv.URL)
	if err := c.PullModel(context.Background(), "nope", nil); err == nil {
		t.Fatal("expected error from streamed pull failure")
	}
}

func TestChat_ModelNotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte(`{"error":"model 'phi3.5' not found"}`))
	}))
	defer srv.Close()

	c := New(srv.URL)
	_, err := c.Chat(context.Background(), "phi3.5", []Message{{Role: "user", Content: "hi"}}, nil)
	if !errors.Is(err, ErrModelNotFound) {
		t.Fatalf("error = %v, want ErrModelNotFound", err)
	}

	var se *StatusError
	if !errors.As(err, &se) {
		t.Fatalf("error = %T, want *StatusError", err)
	}
	if se.Code != http.StatusNotFound || se.Body == "" {
		t.Errorf("StatusError = %+v", se)
	}
}

func TestEmbed_ServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := New(srv.URL)
	_, err := c.Embed(context.Background(), "nomic-embed-text", "hello")
	if err == nil {
		t.Fatal("expected error for 503")
	}
	if errors.Is(err, ErrModelNotFound) {
		t.Error("503 must not match ErrModelNotFound")
	}
}

func TestEmbed_Empty(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(embedResponse{})
	}))
	defer srv.Close()

	c := New(srv.URL)
	if _, err := c.Embed(context.Background(), "nomic-embed-text", "hello"); err == nil {
		t.Fatal("expected error for empty embeddings")
	}
}
