package search

import (
	"context"
	"log/slog"
	"time"

	"github.com/kalambet/notebase/internal/embedcache"
	"golang.org/x/sync/singleflight"
)

// DefaultEmbedTimeout bounds a single provider embedding call.
const DefaultEmbedTimeout = 10 * time.Second

// Embedder generates an embedding for text.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// QueryEmbedder resolves query vectors through the embedding cache.
// On a miss it asks the provider once per distinct in-flight query and
// falls back to a pseudo-embedding when the provider is absent or fails.
// Every result, including the fallback, is cached.
type QueryEmbedder struct {
	embedder Embedder
	cache    *embedcache.Cache
	timeout  time.Duration
	group    singleflight.Group
	logger   *slog.Logger
}

// NewQueryEmbedder creates a QueryEmbedder. embedder may be nil, in which
// case every query gets a pseudo-embedding.
func NewQueryEmbedder(embedder Embedder, cache *embedcache.Cache, timeout time.Duration) *QueryEmbedder {
	if cache == nil {
		cache = embedcache.New(embedcache.DefaultSize, embedcache.DefaultTTL)
	}
	if timeout <= 0 {
		timeout = DefaultEmbedTimeout
	}
	return &QueryEmbedder{
		embedder: embedder,
		cache:    cache,
		timeout:  timeout,
		logger:   slog.Default().With("component", "query_embedder"),
	}
}

// Embed never fails: the worst case is a deterministic pseudo-embedding.
func (q *QueryEmbedder) Embed(ctx context.Context, query string) QueryVector {
	if v, ok := q.cache.Get(query); ok {
		return QueryVector{Vector: v, Pseudo: equalVectors(v, PseudoEmbedding(query))}
	}

	res, _, _ := q.group.Do(query, func() (any, error) {
		qv := q.fetch(ctx, query)
		q.cache.Set(query, qv.Vector)
		return qv, nil
	})
	qv := res.(QueryVector)
	// Shared results must not alias between callers.
	qv.Vector = append([]float32(nil), qv.Vector...)
	return qv
}

func (q *QueryEmbedder) fetch(ctx context.Context, query string) QueryVector {
	if q.embedder == nil {
		return QueryVector{Vector: PseudoEmbedding(query), Pseudo: true}
	}

	// The call outlives a cancelled caller so the cached result reflects the provider.
	callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), q.timeout)
	defer cancel()

	v, err := q.embedder.Embed(callCtx, query)
	if err != nil || len(v) == 0 {
		q.logger.Warn("query embedding failed, using pseudo-embedding", "error", err)
		return QueryVector{Vector: PseudoEmbedding(query), Pseudo: true}
	}
	return QueryVector{Vector: v}
}
