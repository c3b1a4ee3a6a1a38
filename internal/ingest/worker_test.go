package ingest

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kalambet/notebase/internal/artifacts"
	"github.com/kalambet/notebase/internal/enrich"
	"github.com/kalambet/notebase/internal/extract"
	"github.com/kalambet/notebase/internal/search"
	"github.com/kalambet/notebase/internal/storage"
)

type mockClassifier struct {
	calls      atomic.Int32
	classifyFn func(ctx context.Context, in enrich.Input) (enrich.Classification, error)
}

func (m *mockClassifier) Classify(ctx context.Context, in enrich.Input) (enrich.Classification, error) {
	m.calls.Add(1)
	return m.classifyFn(ctx, in)
}

type mockEmbedder struct {
	embedFn func(ctx context.Context, text string) ([]float32, error)
}

func (m *mockEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	return m.embedFn(ctx, text)
}

// testClock is a manually advanced time source shared with the store.
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func openTestStore(t *testing.T, opts ...storage.Option) (*storage.Store, *testClock) {
	t.Helper()
	clock := &testClock{now: time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)}
	s, err := storage.Open(":memory:", append([]storage.Option{storage.WithClock(clock.Now)}, opts...)...)
	if err != nil {
		t.Fatalf("Open(:memory:) failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s, clock
}

func createNoteWithJob(t *testing.T, store *storage.Store, n storage.Note, p Payload) storage.Job {
	t.Helper()
	ctx := context.Background()
	if n.WorkspaceID == "" {
		n.WorkspaceID = "ws"
	}
	created, err := store.CreateNote(ctx, n)
	if err != nil {
		t.Fatalf("CreateNote: %v", err)
	}
	job, err := store.EnqueueJob(ctx, NewJob(created, p))
	if err != nil {
		t.Fatalf("EnqueueJob: %v", err)
	}
	return job
}

func roadmapClassifier() *mockClassifier {
	return &mockClassifier{classifyFn: func(_ context.Context, in enrich.Input) (enrich.Classification, error) {
		return enrich.Classification{
			Summary: "Roadmap review",
			Tags:    []string{"roadmap", "planning"},
			Project: "Q3 Planning",
			Source:  enrich.SourceLLM,
		}, nil
	}}
}

func fixedEmbedder(vec ...float32) *mockEmbedder {
	return &mockEmbedder{embedFn: func(context.Context, string) ([]float32, error) {
		return vec, nil
	}}
}

func runOnce(t *testing.T, w *Worker) {
	t.Helper()
	didWork, err := w.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce error: %v", err)
	}
	if !didWork {
		t.Fatal("RunOnce returned false, expected true")
	}
}

func TestWorker_EnrichesNote(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()
	mirrorDir := t.TempDir()
	mirror := artifacts.New(mirrorDir)

	job := createNoteWithJob(t, store, storage.Note{ID: "roadmap", Content: "Quarterly roadmap review"}, Payload{Reason: ReasonCreated})

	w := NewWorker(store, roadmapClassifier(), fixedEmbedder(0.1, 0.2, 0.3), Config{ID: "w1", Mirror: mirror})
	runOnce(t, w)

	n, err := store.GetNote(ctx, "roadmap")
	if err != nil {
		t.Fatalf("GetNote: %v", err)
	}
	if n.Status != storage.NoteStatusReady {
		t.Errorf("Status = %q, want ready", n.Status)
	}
	if n.Summary != "Roadmap review" || n.Project != "Q3 Planning" {
		t.Errorf("Summary/Project = %q/%q", n.Summary, n.Project)
	}
	if len(n.Tags) != 2 || n.Tags[0] != "roadmap" || n.Tags[1] != "planning" {
		t.Errorf("Tags = %v", n.Tags)
	}
	if len(n.Embedding) != 3 {
		t.Errorf("Embedding has %d dims, want 3", len(n.Embedding))
	}
	if n.Revision != 2 {
		t.Errorf("Revision = %d, want 2 (one enrichment write)", n.Revision)
	}
	if n.Metadata[MetaEnrichmentSource] != enrich.SourceLLM {
		t.Errorf("metadata = %v", n.Metadata)
	}

	j, err := store.GetJob(ctx, job.ID)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if j.Status != storage.JobCompleted || j.LockedBy != "" {
		t.Errorf("job status=%q locked_by=%q, want completed and unlocked", j.Status, j.LockedBy)
	}

	if _, err := os.Stat(mirror.MirrorPath("roadmap")); err != nil {
		t.Errorf("mirror not written: %v", err)
	}
}

func TestWorker_EndToEndSearch(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	createNoteWithJob(t, store, storage.Note{ID: "roadmap", Content: "Quarterly roadmap review"}, Payload{Reason: ReasonCreated})
	createNoteWithJob(t, store, storage.Note{ID: "groceries", Content: "Buy milk and eggs"}, Payload{Reason: ReasonCreated})

	classifier := &mockClassifier{classifyFn: func(_ context.Context, in enrich.Input) (enrich.Classification, error) {
		if strings.Contains(in.Text, "roadmap") {
			return enrich.Classification{Summary: "Roadmap review", Tags: []string{"roadmap", "planning"}, Project: "Q3 Planning", Source: enrich.SourceLLM}, nil
		}
		return enrich.Classification{Summary: "Shopping", Tags: []string{"errands"}, Source: enrich.SourceLLM}, nil
	}}
	w := NewWorker(store, classifier, nil, Config{ID: "w1"})
	runOnce(t, w)
	runOnce(t, w)

	resp, err := search.NewSearcher(store, nil, 0).Search(ctx, search.Request{WorkspaceID: "ws", Query: "roadmap"})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(resp.Citations) != 2 {
		t.Fatalf("got %d citations, want 2", len(resp.Citations))
	}
	top := resp.Citations[0]
	if top.Note.ID != "roadmap" || top.Note.Project != "Q3 Planning" {
		t.Errorf("top citation = %+v", top.Note)
	}
	if top.Score <= resp.Citations[1].Score {
		t.Errorf("roadmap score %f not above unrelated %f", top.Score, resp.Citations[1].Score)
	}
}

func TestWorker_ClassifierFailureFallsBackToHeuristic(t *testing.T) {
	store, _ := openTestStore(t)
	createNoteWithJob(t, store, storage.Note{ID: "n1", Content: "Quarterly roadmap review"}, Payload{Reason: ReasonCreated, Project: "Q3 Planning"})

	failing := &mockClassifier{classifyFn: func(context.Context, enrich.Input) (enrich.Classification, error) {
		return enrich.Classification{}, errors.New("connection refused")
	}}
	w := NewWorker(store, enrich.NewFallback(failing, nil), nil, Config{ID: "w1"})
	runOnce(t, w)

	n, err := store.GetNote(context.Background(), "n1")
	if err != nil {
		t.Fatalf("GetNote: %v", err)
	}
	if n.Status != storage.NoteStatusReady {
		t.Errorf("Status = %q, want ready", n.Status)
	}
	if n.Summary != "Quarterly roadmap review" {
		t.Errorf("Summary = %q", n.Summary)
	}
	if n.Project != "Q3 Planning" {
		t.Errorf("Project = %q, requested project must be kept", n.Project)
	}
	if n.Metadata[MetaEnrichmentSource] != enrich.SourceHeuristic || n.Metadata[MetaRequestedProject] != "Q3 Planning" {
		t.Errorf("metadata = %v", n.Metadata)
	}
}

func TestWorker_EmbeddingFailureKeepsNoteReady(t *testing.T) {
	store, _ := openTestStore(t)
	createNoteWithJob(t, store, storage.Note{ID: "n1", Content: "Quarterly roadmap review"}, Payload{Reason: ReasonCreated})

	embedder := &mockEmbedder{embedFn: func(context.Context, string) ([]float32, error) {
		return nil, context.DeadlineExceeded
	}}
	w := NewWorker(store, roadmapClassifier(), embedder, Config{ID: "w1"})
	runOnce(t, w)

	n, err := store.GetNote(context.Background(), "n1")
	if err != nil {
		t.Fatalf("GetNote: %v", err)
	}
	if n.Status != storage.NoteStatusReady {
		t.Errorf("Status = %q, want ready", n.Status)
	}
	if len(n.Embedding) != 0 {
		t.Errorf("Embedding = %v, want empty", n.Embedding)
	}
	if n.Metadata[MetaEmbeddingError] == "" {
		t.Error("embedding error not recorded in metadata")
	}
}

func TestWorker_FailsUntilTerminalThenRetry(t *testing.T) {
	store, clock := openTestStore(t)
	ctx := context.Background()
	job := createNoteWithJob(t, store, storage.Note{ID: "empty"}, Payload{Reason: ReasonCreated})

	w := NewWorker(store, enrich.NewFallback(nil, nil), nil, Config{ID: "w1"})
	policy := store.Policy()

	for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
		runOnce(t, w)

		j, err := store.GetJob(ctx, job.ID)
		if err != nil {
			t.Fatalf("GetJob: %v", err)
		}
		n, err := store.GetNote(ctx, "empty")
		if err != nil {
			t.Fatalf("GetNote: %v", err)
		}
		if j.AttemptCount != attempt {
			t.Errorf("attempt %d: AttemptCount = %d", attempt, j.AttemptCount)
		}
		if !strings.Contains(j.LastError, "nothing to enrich") {
			t.Errorf("attempt %d: LastError = %q", attempt, j.LastError)
		}

		if attempt < policy.MaxAttempts {
			if j.Status != storage.JobRetry || n.Status != storage.NoteStatusPending {
				t.Errorf("attempt %d: job=%q note=%q, want retry/pending", attempt, j.Status, n.Status)
			}
			if want := clock.Now().Add(policy.Backoff(attempt)); !j.AvailableAt.Equal(want) {
				t.Errorf("attempt %d: AvailableAt = %v, want %v", attempt, j.AvailableAt, want)
			}
			if didWork, _ := w.RunOnce(ctx); didWork {
				t.Fatalf("attempt %d: job claimable before its backoff elapsed", attempt)
			}
			clock.Advance(policy.Backoff(attempt))
			continue
		}
		if j.Status != storage.JobFailed || n.Status != storage.NoteStatusFailed {
			t.Errorf("final: job=%q note=%q, want failed/failed", j.Status, n.Status)
		}
	}

	if didWork, _ := w.RunOnce(ctx); didWork {
		t.Fatal("terminal job was claimed again")
	}

	// Fix the note and retry the failed job manually.
	content := "Now with content"
	if _, err := store.UpdateNoteContent(ctx, "empty", storage.ContentPatch{Content: &content}, nil); err != nil {
		t.Fatalf("UpdateNoteContent: %v", err)
	}
	if _, err := store.RetryFailedJob(ctx, "empty"); err != nil {
		t.Fatalf("RetryFailedJob: %v", err)
	}
	runOnce(t, w)

	n, err := store.GetNote(ctx, "empty")
	if err != nil {
		t.Fatalf("GetNote: %v", err)
	}
	if n.Status != storage.NoteStatusReady || n.Summary != "Now with content" {
		t.Errorf("after retry: status=%q summary=%q", n.Status, n.Summary)
	}
}

func TestWorker_DeletedNoteDropsJob(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	job, err := store.EnqueueJob(ctx, NewJob(storage.Note{ID: "ghost", WorkspaceID: "ws"}, Payload{Reason: ReasonCreated}))
	if err != nil {
		t.Fatalf("EnqueueJob: %v", err)
	}

	classifier := roadmapClassifier()
	w := NewWorker(store, classifier, nil, Config{ID: "w1"})
	runOnce(t, w)

	j, err := store.GetJob(ctx, job.ID)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if j.Status != storage.JobCompleted {
		t.Errorf("job status = %q, want completed", j.Status)
	}
	if classifier.calls.Load() != 0 {
		t.Error("classifier called for a missing note")
	}
}

func TestWorker_ExtractsLinkContent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		w.Write([]byte(`<html><head><title>Plan</title></head><body><h1>Launch plan</h1><p>Ship the roadmap.</p></body></html>`))
	}))
	defer srv.Close()

	store, _ := openTestStore(t)
	createNoteWithJob(t, store, storage.Note{ID: "link", SourceType: storage.SourceLink, SourceURL: srv.URL}, Payload{Reason: ReasonCreated})

	var gotText string
	classifier := &mockClassifier{classifyFn: func(_ context.Context, in enrich.Input) (enrich.Classification, error) {
		gotText = in.Text
		return enrich.Classification{Summary: "Launch plan", Source: enrich.SourceLLM}, nil
	}}
	w := NewWorker(store, classifier, nil, Config{ID: "w1", Fetcher: extract.NewFetcher(srv.Client())})
	runOnce(t, w)

	if !strings.Contains(gotText, "Ship the roadmap.") {
		t.Errorf("classifier got %q, want extracted page text", gotText)
	}
	n, err := store.GetNote(context.Background(), "link")
	if err != nil {
		t.Fatalf("GetNote: %v", err)
	}
	if n.RawContent != "Launch plan\nShip the roadmap." {
		t.Errorf("RawContent = %q", n.RawContent)
	}
	if !strings.HasPrefix(n.MarkdownContent, "# Launch plan") {
		t.Errorf("MarkdownContent = %q", n.MarkdownContent)
	}
}

func TestWorker_FollowUpAfterMidFlightEdit(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()
	createNoteWithJob(t, store, storage.Note{ID: "n1", Content: "first draft"}, Payload{Reason: ReasonCreated})

	classifier := &mockClassifier{classifyFn: func(ctx context.Context, in enrich.Input) (enrich.Classification, error) {
		// A user edit lands while the job holds the note.
		edited := "second draft"
		if _, err := store.UpdateNoteContent(ctx, "n1", storage.ContentPatch{Content: &edited}, nil); err != nil {
			return enrich.Classification{}, err
		}
		return enrich.Classification{Summary: in.Text, Source: enrich.SourceLLM}, nil
	}}
	w := NewWorker(store, classifier, nil, Config{ID: "w1"})
	runOnce(t, w)

	counts, err := store.QueueCounts(ctx, "ws")
	if err != nil {
		t.Fatalf("QueueCounts: %v", err)
	}
	if counts.Completed != 1 || counts.Queued != 1 {
		t.Errorf("counts = %+v, want 1 completed and 1 queued follow-up", counts)
	}
	n, err := store.GetNote(ctx, "n1")
	if err != nil {
		t.Fatalf("GetNote: %v", err)
	}
	if n.Status != storage.NoteStatusPending {
		t.Errorf("Status = %q, want pending", n.Status)
	}
}

func TestWorker_RunProcessesConcurrently(t *testing.T) {
	store, _ := openTestStore(t)
	const total = 6
	for i := range total {
		createNoteWithJob(t, store, storage.Note{ID: fmt.Sprintf("n%d", i), Content: fmt.Sprintf("note number %d", i)}, Payload{Reason: ReasonCreated})
	}

	var running, peak atomic.Int32
	classifier := &mockClassifier{classifyFn: func(_ context.Context, in enrich.Input) (enrich.Classification, error) {
		cur := running.Add(1)
		defer running.Add(-1)
		for {
			p := peak.Load()
			if cur <= p || peak.CompareAndSwap(p, cur) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		return enrich.Classification{Summary: in.Text, Source: enrich.SourceLLM}, nil
	}}
	w := NewWorker(store, classifier, nil, Config{ID: "w1", Concurrency: 2, PollInterval: 5 * time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	deadline := time.Now().Add(5 * time.Second)
	for {
		counts, err := store.QueueCounts(context.Background(), "")
		if err != nil {
			t.Fatalf("QueueCounts: %v", err)
		}
		if counts.Completed == total {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("timed out, counts = %+v", counts)
		}
		time.Sleep(10 * time.Millisecond)
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Run returned %v", err)
	}

	if p := peak.Load(); p > 2 {
		t.Errorf("peak concurrency = %d, want <= 2", p)
	}
	if classifier.calls.Load() != total {
		t.Errorf("classifier calls = %d, want %d (no job processed twice)", classifier.calls.Load(), total)
	}
}

func TestWorker_RunRequeuesStaleJobsOnStartup(t *testing.T) {
	store, clock := openTestStore(t)
	ctx := context.Background()
	job := createNoteWithJob(t, store, storage.Note{ID: "n1", Content: "stuck note"}, Payload{Reason: ReasonCreated})

	// A crashed worker claimed the job and never reported back.
	if _, err := store.ClaimNextJob(ctx, "crashed"); err != nil {
		t.Fatalf("ClaimNextJob: %v", err)
	}
	clock.Advance(11 * time.Minute)

	w := NewWorker(store, roadmapClassifier(), nil, Config{ID: "w1", PollInterval: 5 * time.Millisecond, StaleAfter: 10 * time.Minute})
	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- w.Run(runCtx) }()

	deadline := time.Now().Add(5 * time.Second)
	for {
		j, err := store.GetJob(ctx, job.ID)
		if err != nil {
			t.Fatalf("GetJob: %v", err)
		}
		if j.Status == storage.JobCompleted {
			if j.AttemptCount != 2 {
				t.Errorf("AttemptCount = %d, want 2", j.AttemptCount)
			}
			if !strings.Contains(j.LastError, "crashed") {
				t.Errorf("LastError = %q, want recovery note", j.LastError)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("stale job not recovered, status = %q", j.Status)
		}
		time.Sleep(10 * time.Millisecond)
	}
	cancel()
	<-done
}

func TestWorker_FollowUpAfterMidFlightMarkdownEdit(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()
	createNoteWithJob(t, store, storage.Note{ID: "n1", Content: "meeting notes"}, Payload{Reason: ReasonCreated})

	classifier := &mockClassifier{classifyFn: func(ctx context.Context, in enrich.Input) (enrich.Classification, error) {
		md := "# Meeting notes\n\n- ship it"
		if _, err := store.UpdateNoteContent(ctx, "n1", storage.ContentPatch{MarkdownContent: &md}, nil); err != nil {
			return enrich.Classification{}, err
		}
		return enrich.Classification{Summary: in.Text, Source: enrich.SourceLLM}, nil
	}}
	w := NewWorker(store, classifier, nil, Config{ID: "w1"})
	runOnce(t, w)

	counts, err := store.QueueCounts(ctx, "ws")
	if err != nil {
		t.Fatalf("QueueCounts: %v", err)
	}
	if counts.Completed != 1 || counts.Queued != 1 {
		t.Errorf("counts = %+v, want 1 completed and 1 queued follow-up", counts)
	}
}

func TestWorker_NoFollowUpWithoutEdit(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()
	createNoteWithJob(t, store, storage.Note{ID: "n1", Content: "meeting notes"}, Payload{Reason: ReasonCreated})

	w := NewWorker(store, roadmapClassifier(), nil, Config{ID: "w1"})
	runOnce(t, w)

	counts, err := store.QueueCounts(ctx, "ws")
	if err != nil {
		t.Fatalf("QueueCounts: %v", err)
	}
	if counts.Completed != 1 || counts.Queued != 0 {
		t.Errorf("counts = %+v, want only the completed job", counts)
	}
}

func TestWorker_FollowUpAfterEditDuringTerminalFailure(t *testing.T) {
	store, _ := openTestStore(t, storage.WithQueuePolicy(storage.QueuePolicy{MaxAttempts: 1}))
	ctx := context.Background()
	createNoteWithJob(t, store, storage.Note{ID: "n1", Content: "first draft"}, Payload{Reason: ReasonCreated, Project: "Q3"})

	classifier := &mockClassifier{classifyFn: func(ctx context.Context, in enrich.Input) (enrich.Classification, error) {
		edited := "second draft"
		if _, err := store.UpdateNoteContent(ctx, "n1", storage.ContentPatch{Content: &edited}, nil); err != nil {
			return enrich.Classification{}, err
		}
		return enrich.Classification{}, errors.New("provider down")
	}}
	w := NewWorker(store, classifier, nil, Config{ID: "w1"})
	runOnce(t, w)

	counts, err := store.QueueCounts(ctx, "ws")
	if err != nil {
		t.Fatalf("QueueCounts: %v", err)
	}
	if counts.Failed != 1 || counts.Queued != 1 {
		t.Errorf("counts = %+v, want 1 failed and 1 queued follow-up", counts)
	}
	n, err := store.GetNote(ctx, "n1")
	if err != nil {
		t.Fatalf("GetNote: %v", err)
	}
	if n.Status != storage.NoteStatusPending {
		t.Errorf("Status = %q, want pending", n.Status)
	}
}

func TestWorker_StaleWorkerLeavesReclaimedJobAlone(t *testing.T) {
	tests := []struct {
		name    string
		lateErr error
	}{
		{name: "late completion"},
		{name: "late failure", lateErr: errors.New("provider timeout")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store, clock := openTestStore(t)
			ctx := context.Background()
			job := createNoteWithJob(t, store, storage.Note{ID: "n1", Content: "Quarterly roadmap review"}, Payload{Reason: ReasonCreated})

			fresh := NewWorker(store, roadmapClassifier(), nil, Config{ID: "fresh"})
			slow := NewWorker(store, &mockClassifier{classifyFn: func(ctx context.Context, in enrich.Input) (enrich.Classification, error) {
				// The slow worker's lock goes stale and the fresh worker
				// finishes the job before the slow one reports back.
				clock.Advance(11 * time.Minute)
				if _, err := store.RequeueStaleJobs(ctx, 10*time.Minute); err != nil {
					return enrich.Classification{}, err
				}
				if didWork, err := fresh.RunOnce(ctx); err != nil || !didWork {
					return enrich.Classification{}, fmt.Errorf("fresh worker: %v %v", didWork, err)
				}
				return enrich.Classification{Summary: "stale summary", Source: enrich.SourceLLM}, tt.lateErr
			}}, nil, Config{ID: "slow"})
			runOnce(t, slow)

			j, err := store.GetJob(ctx, job.ID)
			if err != nil {
				t.Fatalf("GetJob: %v", err)
			}
			if j.Status != storage.JobCompleted || j.AttemptCount != 2 {
				t.Errorf("job = %s attempt %d, want completed attempt 2", j.Status, j.AttemptCount)
			}
			n, err := store.GetNote(ctx, "n1")
			if err != nil {
				t.Fatalf("GetNote: %v", err)
			}
			if n.Status != storage.NoteStatusReady {
				t.Errorf("note status = %q, want ready", n.Status)
			}
		})
	}
}

func TestWorker_RunSurvivesTinyStaleAfter(t *testing.T) {
	store, _ := openTestStore(t)
	w := NewWorker(store, roadmapClassifier(), nil, Config{ID: "w1", PollInterval: 5 * time.Millisecond, StaleAfter: time.Nanosecond})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := w.Run(ctx); err != nil {
		t.Fatalf("Run returned %v", err)
	}
}

func TestNewJob(t *testing.T) {
	j := NewJob(storage.Note{ID: "n1", WorkspaceID: "ws", OwnerUserID: "u1"}, Payload{Reason: ReasonCreated, Project: "Q3"})
	if j.ID == "" || j.NoteID != "n1" || j.WorkspaceID != "ws" || j.VisibilityUserID != "u1" {
		t.Errorf("job = %+v", j)
	}
	p, err := parsePayload(j.PayloadJSON)
	if err != nil {
		t.Fatalf("parsePayload: %v", err)
	}
	if p != (Payload{Reason: ReasonCreated, Project: "Q3"}) {
		t.Errorf("payload = %+v", p)
	}
}
