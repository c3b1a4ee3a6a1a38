package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/panjf2000/ants/v2"

	"github.com/kalambet/notebase/internal/enrich"
	"github.com/kalambet/notebase/internal/extract"
	"github.com/kalambet/notebase/internal/storage"
)

// Metadata keys written by the worker.
const (
	MetaEnrichmentSource = "enrichment_source"
	MetaRequestedProject = "requested_project"
	MetaExtractionError  = "extraction_error"
	MetaEmbeddingError   = "embedding_error"
)

// Store is the slice of the note store and job queue the worker uses.
type Store interface {
	ClaimNextJob(ctx context.Context, workerID string) (*storage.Job, error)
	CompleteJob(ctx context.Context, id, workerID string) error
	FailJob(ctx context.Context, id, workerID, errMsg string) (storage.Job, error)
	RequeueStaleJobs(ctx context.Context, staleAfter time.Duration) ([]storage.Job, error)
	EnqueueJob(ctx context.Context, j storage.Job) (storage.Job, error)
	HasInFlightJob(ctx context.Context, noteID string) (bool, error)

	GetNote(ctx context.Context, id string) (storage.Note, error)
	UpdateNoteStatus(ctx context.Context, id, status string) (storage.Note, error)
	UpdateNoteEnrichment(ctx context.Context, id string, e storage.Enrichment) (storage.Note, error)
}

// URLFetcher extracts readable content from a link.
type URLFetcher interface {
	FromURL(ctx context.Context, rawURL string) (extract.Result, error)
}

// Mirror receives every enriched note.
type Mirror interface {
	WriteMirror(n storage.Note) error
}

// Config tunes a Worker. Zero values take defaults.
type Config struct {
	ID           string
	Concurrency  int
	PollInterval time.Duration
	StaleAfter   time.Duration

	Fetcher URLFetcher
	Mirror  Mirror
	Logger  *slog.Logger
}

const (
	defaultConcurrency = 2
	defaultPoll        = 500 * time.Millisecond
	defaultStaleAfter  = 10 * time.Minute
	minSweepInterval   = time.Second
)

// Worker claims enrichment jobs and writes classification and embedding
// results back to the note store.
type Worker struct {
	store      Store
	classifier enrich.Classifier
	embedder   enrich.Embedder
	fetcher    URLFetcher
	mirror     Mirror

	id          string
	concurrency int
	poll        time.Duration
	staleAfter  time.Duration
	logger      *slog.Logger
}

// NewWorker creates a Worker. classifier is required; embedder may be nil,
// in which case notes are stored without an embedding.
func NewWorker(store Store, classifier enrich.Classifier, embedder enrich.Embedder, cfg Config) *Worker {
	w := &Worker{
		store:       store,
		classifier:  classifier,
		embedder:    embedder,
		fetcher:     cfg.Fetcher,
		mirror:      cfg.Mirror,
		id:          cfg.ID,
		concurrency: cfg.Concurrency,
		poll:        cfg.PollInterval,
		staleAfter:  cfg.StaleAfter,
		logger:      cfg.Logger,
	}
	if w.id == "" {
		host, _ := os.Hostname()
		w.id = fmt.Sprintf("%s-%d-%s", host, os.Getpid(), uuid.NewString()[:8])
	}
	if w.concurrency <= 0 {
		w.concurrency = defaultConcurrency
	}
	if w.poll <= 0 {
		w.poll = defaultPoll
	}
	if w.staleAfter <= 0 {
		w.staleAfter = defaultStaleAfter
	}
	if w.logger == nil {
		w.logger = slog.Default()
	}
	w.logger = w.logger.With("component", "worker", "worker_id", w.id)
	return w
}

// ID returns the lock owner name used when claiming jobs.
func (w *Worker) ID() string { return w.id }

// Run polls for jobs until ctx is cancelled, processing up to Concurrency
// jobs at once. Jobs already running when ctx ends are finished before Run
// returns.
func (w *Worker) Run(ctx context.Context) error {
	pool, err := ants.NewPool(w.concurrency)
	if err != nil {
		return fmt.Errorf("creating worker pool: %w", err)
	}
	defer pool.Release()

	var inflight sync.WaitGroup
	defer inflight.Wait()

	jobCtx := context.WithoutCancel(ctx)

	w.requeueStale(ctx)
	sweep := time.NewTicker(max(w.staleAfter/2, minSweepInterval))
	defer sweep.Stop()

	for {
		if ctx.Err() != nil {
			return nil
		}

		if pool.Free() > 0 {
			job, err := w.store.ClaimNextJob(ctx, w.id)
			if err != nil && ctx.Err() == nil {
				w.logger.Error("claiming job failed", "error", err)
			}
			if job != nil {
				inflight.Add(1)
				err := pool.Submit(func() {
					defer inflight.Done()
					w.handle(jobCtx, job)
				})
				if err != nil {
					inflight.Done()
					w.fail(jobCtx, job, fmt.Errorf("scheduling job: %w", err))
				}
				continue
			}
		}

		select {
		case <-ctx.Done():
			return nil
		case <-sweep.C:
			w.requeueStale(ctx)
		case <-time.After(w.poll):
		}
	}
}

// RunOnce claims and processes a single job synchronously.
// Returns true if a job was processed (regardless of success/failure).
func (w *Worker) RunOnce(ctx context.Context) (bool, error) {
	job, err := w.store.ClaimNextJob(ctx, w.id)
	if err != nil {
		return false, fmt.Errorf("claiming job: %w", err)
	}
	if job == nil {
		return false, nil
	}
	w.handle(ctx, job)
	return true, nil
}

func (w *Worker) requeueStale(ctx context.Context) {
	jobs, err := w.store.RequeueStaleJobs(ctx, w.staleAfter)
	if err != nil {
		if ctx.Err() == nil {
			w.logger.Error("requeueing stale jobs failed", "error", err)
		}
		return
	}
	for _, j := range jobs {
		w.logger.Warn("requeued stale job", "job_id", j.ID, "note_id", j.NoteID, "attempt", j.AttemptCount)
	}
}

func (w *Worker) handle(ctx context.Context, job *storage.Job) {
	started, err := w.process(ctx, job)
	if err == nil {
		return
	}
	if !w.fail(ctx, job, err) || started == 0 {
		return
	}
	// No enrichment was written, so any revision past started is a user edit
	// that could not enqueue while this job held the note.
	payload, _ := parsePayload(job.PayloadJSON)
	w.followUp(ctx, job.NoteID, started, payload, w.jobLogger(job))
}

func (w *Worker) jobLogger(job *storage.Job) *slog.Logger {
	return w.logger.With("job_id", job.ID, "note_id", job.NoteID, "attempt", job.AttemptCount)
}

// fail records a job failure. The note goes back to pending while retries
// remain and to failed once the job is terminal. Reports whether the job
// became terminal.
func (w *Worker) fail(ctx context.Context, job *storage.Job, cause error) bool {
	logger := w.jobLogger(job)
	logger.Warn("enrichment job failed", "error", cause)

	failed, err := w.store.FailJob(ctx, job.ID, w.id, cause.Error())
	switch {
	case errors.Is(err, storage.ErrJobNotRunning):
		logger.Warn("job was reclaimed before failure was recorded")
		return false
	case errors.Is(err, storage.ErrNotFound):
		logger.Info("job deleted with its note")
		return false
	}
	if err != nil {
		logger.Error("recording job failure failed", "error", err)
		return false
	}

	status := storage.NoteStatusPending
	if failed.Terminal() {
		status = storage.NoteStatusFailed
		logger.Error("enrichment job exhausted attempts", "max_attempts", failed.MaxAttempts)
	}
	if _, err := w.store.UpdateNoteStatus(ctx, job.NoteID, status); err != nil && !errors.Is(err, storage.ErrNotFound) {
		logger.Error("updating note status failed", "status", status, "error", err)
	}
	return failed.Terminal()
}

// process runs one attempt. started is the note revision the attempt read,
// zero if it never got that far.
func (w *Worker) process(ctx context.Context, job *storage.Job) (started int64, err error) {
	logger := w.jobLogger(job)

	payload, err := parsePayload(job.PayloadJSON)
	if err != nil {
		return 0, fmt.Errorf("parsing payload: %w", err)
	}

	note, err := w.store.UpdateNoteStatus(ctx, job.NoteID, storage.NoteStatusEnriching)
	if errors.Is(err, storage.ErrNotFound) {
		// The note was deleted after the job was enqueued.
		logger.Info("note gone, dropping job")
		if err := w.store.CompleteJob(ctx, job.ID, w.id); err != nil && !errors.Is(err, storage.ErrNotFound) {
			return 0, fmt.Errorf("completing job: %w", err)
		}
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("marking note enriching: %w", err)
	}
	started = note.Revision

	metadata := make(map[string]string, len(note.Metadata)+2)
	maps.Copy(metadata, note.Metadata)
	delete(metadata, MetaExtractionError)
	delete(metadata, MetaEmbeddingError)

	var enr storage.Enrichment
	res, err := w.extract(ctx, note)
	if err != nil {
		logger.Warn("content extraction failed", "error", err)
		metadata[MetaExtractionError] = err.Error()
	} else if res.Text != "" {
		enr.RawContent = &res.Text
		note.RawContent = res.Text
		if res.Markdown != "" {
			enr.MarkdownContent = &res.Markdown
			note.MarkdownContent = res.Markdown
		}
	}

	text := enrichmentText(note)
	if text == "" {
		if err != nil {
			return started, fmt.Errorf("nothing to enrich: %w", err)
		}
		return started, fmt.Errorf("nothing to enrich: %w", enrich.ErrEmptyContent)
	}

	class, err := w.classifier.Classify(ctx, enrich.Input{Text: text, Project: payload.Project})
	if err != nil {
		return started, fmt.Errorf("classifying note: %w", err)
	}

	var vec []float32
	if w.embedder != nil {
		vec, err = w.embedder.Embed(ctx, embeddingText(class.Summary, text))
		if err != nil {
			// The note stays searchable through its pseudo-embedding.
			logger.Warn("embedding failed, storing note without embedding", "error", err)
			metadata[MetaEmbeddingError] = err.Error()
			vec = nil
		}
	}

	metadata[MetaEnrichmentSource] = class.Source
	if payload.Project != "" {
		metadata[MetaRequestedProject] = payload.Project
	}
	enr.Summary = class.Summary
	enr.Tags = class.Tags
	enr.Project = class.Project
	enr.Embedding = vec
	enr.Metadata = metadata

	updated, err := w.store.UpdateNoteEnrichment(ctx, note.ID, enr)
	if err != nil {
		return started, fmt.Errorf("writing enrichment: %w", err)
	}

	err = w.store.CompleteJob(ctx, job.ID, w.id)
	if errors.Is(err, storage.ErrJobNotRunning) {
		// Another worker reclaimed the job and owns the note's status now.
		logger.Warn("job was reclaimed before completion was recorded")
		return started, nil
	}
	if err != nil {
		return started, fmt.Errorf("completing job: %w", err)
	}
	if _, err := w.store.UpdateNoteStatus(ctx, note.ID, storage.NoteStatusReady); err != nil {
		logger.Error("marking note ready failed", "error", err)
	}
	logger.Info("note enriched", "source", class.Source, "tags", len(class.Tags), "embedded", len(vec) > 0, "revision", updated.Revision)

	if w.mirror != nil {
		if err := w.mirror.WriteMirror(updated); err != nil {
			logger.Warn("writing markdown mirror failed", "error", err)
		}
	}

	// The enrichment write accounts for exactly one revision.
	w.followUp(ctx, note.ID, started+1, payload, logger)
	return started, nil
}

// followUp enqueues another job when the note moved past revision expected
// while this job held it, since the edit could not enqueue while a job was
// in flight.
func (w *Worker) followUp(ctx context.Context, noteID string, expected int64, payload Payload, logger *slog.Logger) {
	current, err := w.store.GetNote(ctx, noteID)
	if err != nil {
		return
	}
	if current.Revision <= expected {
		return
	}
	inflight, err := w.store.HasInFlightJob(ctx, noteID)
	if err != nil || inflight {
		return
	}
	payload.Reason = ReasonContentChanged
	if _, err := w.store.EnqueueJob(ctx, NewJob(current, payload)); err != nil {
		logger.Error("enqueueing follow-up job failed", "error", err)
		return
	}
	if _, err := w.store.UpdateNoteStatus(ctx, current.ID, storage.NoteStatusPending); err != nil {
		logger.Error("marking note pending failed", "error", err)
	}
}

// extract runs content extraction for link and file notes. A note without
// an extractable source yields an empty result.
func (w *Worker) extract(ctx context.Context, n storage.Note) (extract.Result, error) {
	switch {
	case n.SourceType == storage.SourceLink && n.SourceURL != "" && w.fetcher != nil:
		return w.fetcher.FromURL(ctx, n.SourceURL)
	case (n.SourceType == storage.SourceFile || n.SourceType == storage.SourceImage) && n.Attachment.Path != "":
		return extract.FromFile(n.Attachment.Path, n.Attachment.Mime)
	}
	return extract.Result{}, nil
}

// enrichmentText is the text handed to classification: user content first,
// then extracted content, then the attachment name as a last resort.
func enrichmentText(n storage.Note) string {
	parts := make([]string, 0, 3)
	for _, s := range []string{n.Content, n.RawContent} {
		if s = strings.TrimSpace(s); s != "" {
			parts = append(parts, s)
		}
	}
	if len(parts) == 0 && n.Attachment.Name != "" {
		parts = append(parts, n.Attachment.Name)
	}
	return strings.Join(parts, "\n\n")
}

func embeddingText(summary, text string) string {
	if summary == "" || strings.HasPrefix(text, summary) {
		return text
	}
	return summary + "\n\n" + text
}
