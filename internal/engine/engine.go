// Package engine composes chunking, embedding, vector search, reranking,
// caching, and token budgeting into the retrieval facade.
package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/retrievald/internal/cache"
	"github.com/fyrsmithlabs/retrievald/internal/chunker"
	"github.com/fyrsmithlabs/retrievald/internal/embeddings"
	"github.com/fyrsmithlabs/retrievald/internal/reranker"
	"github.com/fyrsmithlabs/retrievald/internal/tokenizer"
	"github.com/fyrsmithlabs/retrievald/internal/tokens"
	"github.com/fyrsmithlabs/retrievald/internal/vectorstore"
)

var tracer = otel.Tracer("retrievald.engine")

// Config holds engine configuration.
type Config struct {
	// DocstorePath is the bbolt file holding documents and chunks.
	// Default: "~/.local/share/retrievald/documents.db"
	DocstorePath string

	// Chunker configures document chunking.
	Chunker chunker.Config

	// Cache configures the embedding and retrieval caches.
	Cache cache.Config

	// Tokens configures the token budget ledger.
	Tokens tokens.Config

	// ScoreThreshold drops reranked results scoring below it. Zero means
	// the default of 0.7; negative disables the filter. Only applied when
	// reranking is active.
	ScoreThreshold float64

	// Modes overrides per-mode retrieval limits. Unset fields keep the
	// built-in values.
	Modes map[Mode]ModeOverride
}

// ApplyDefaults sets default values for unset fields.
func (c *Config) ApplyDefaults() {
	if c.DocstorePath == "" {
		c.DocstorePath = "~/.local/share/retrievald/documents.db"
	}
	if c.ScoreThreshold == 0 {
		c.ScoreThreshold = 0.7
	}
}

// Engine is the retrieval facade. Construct with New, then Initialize before
// use. Safe for concurrent use once Ready.
type Engine struct {
	config   Config
	chunker  *chunker.Chunker
	embedder embeddings.Client
	rerank   reranker.Client
	store    vectorstore.Store
	ledger   *tokens.Ledger
	logger   *zap.Logger
	metrics  *Metrics

	embedCache    *cache.Cache
	rerankCache   *cache.Cache
	retrieveCache *cache.Cache

	modes map[Mode]modeParams

	// mu guards state and docs. Data operations hold it for reading for
	// their full duration, so Close and Clear (which take it for writing)
	// wait for in-flight operations.
	mu    sync.RWMutex
	docs  *docStore
	state State
}

// New creates an engine. The engine takes ownership of store, embedder, and
// rerank and closes them on Close. rerank may be nil to disable reranking.
func New(config Config, store vectorstore.Store, embedder embeddings.Client, rerank reranker.Client, logger *zap.Logger) (*Engine, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: vector store is required", ErrValidation)
	}
	if embedder == nil {
		return nil, fmt.Errorf("%w: embedding client is required", ErrValidation)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	config.ApplyDefaults()

	ch, err := chunker.New(config.Chunker)
	if err != nil {
		return nil, fmt.Errorf("building chunker: %w", err)
	}
	ledger, err := tokens.NewLedger(config.Tokens)
	if err != nil {
		return nil, fmt.Errorf("building token ledger: %w", err)
	}
	modeTable, err := resolveModes(config.Modes)
	if err != nil {
		return nil, err
	}

	return &Engine{
		config:        config,
		chunker:       ch,
		embedder:      embedder,
		rerank:        rerank,
		store:         store,
		ledger:        ledger,
		logger:        logger.Named("engine"),
		metrics:       NewMetrics(logger),
		embedCache:    cache.New(config.Cache),
		rerankCache:   cache.New(config.Cache),
		retrieveCache: cache.New(config.Cache),
		modes:         modeTable,
		state:         StateUninitialized,
	}, nil
}

// Initialize opens the document store and verifies the vector store is
// reachable. It must complete before any other operation.
func (e *Engine) Initialize(ctx context.Context) error {
	e.mu.Lock()
	switch e.state {
	case StateUninitialized:
		e.state = StateInitializing
	case StateInitializing, StateReady:
		e.mu.Unlock()
		return ErrAlreadyInitialized
	default:
		e.mu.Unlock()
		return ErrEngineClosed
	}
	e.mu.Unlock()

	fail := func(err error) error {
		e.mu.Lock()
		e.state = StateUninitialized
		e.mu.Unlock()
		return err
	}

	path, err := expandHome(e.config.DocstorePath)
	if err != nil {
		return fail(fmt.Errorf("resolving docstore path: %w", err))
	}
	docs, err := openDocStore(path)
	if err != nil {
		return fail(fmt.Errorf("opening document store: %w", err))
	}
	if err := e.store.Ping(ctx); err != nil {
		_ = docs.close()
		return fail(fmt.Errorf("vector store unavailable: %w", err))
	}

	e.mu.Lock()
	e.docs = docs
	e.state = StateReady
	e.mu.Unlock()

	e.logger.Info("engine initialized",
		zap.String("docstore", path),
		zap.Int64("token_limit", e.ledger.Limit()),
	)
	return nil
}

// acquireReady takes the state read lock if the engine is Ready. The
// returned release func must be called when the operation finishes.
func (e *Engine) acquireReady() (func(), error) {
	e.mu.RLock()
	switch e.state {
	case StateReady:
		return e.mu.RUnlock, nil
	case StateShuttingDown, StateClosed:
		e.mu.RUnlock()
		return nil, ErrEngineClosed
	default:
		e.mu.RUnlock()
		return nil, ErrNotInitialized
	}
}

// IngestDocument chunks, embeds, and indexes content, returning the new
// document ID. The whole ingest is atomic: on any failure partial vector and
// docstore writes are rolled back and the token reservation is released.
func (e *Engine) IngestDocument(ctx context.Context, content string, metadata map[string]string) (docID string, err error) {
	ctx, span := tracer.Start(ctx, "Engine.IngestDocument")
	defer span.End()
	defer func() {
		e.metrics.RecordIngest(ctx, err)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		} else {
			span.SetStatus(codes.Ok, "success")
		}
	}()

	release, err := e.acquireReady()
	if err != nil {
		return "", err
	}
	defer release()

	if strings.TrimSpace(content) == "" {
		return "", fmt.Errorf("%w: content cannot be empty", ErrValidation)
	}

	tokenCount := int64(tokenizer.CountTokens(content))
	if err := e.ledger.CheckAndReserve(tokenCount); err != nil {
		return "", err
	}
	// Ingest reserved an exact count for content that, on failure, was never
	// stored; rollback returns the tokens.
	rollbackReservation := func() { e.ledger.Release(tokenCount) }

	pieces, err := e.chunker.Chunk(content)
	if err != nil {
		rollbackReservation()
		return "", fmt.Errorf("%w: chunking content: %v", ErrValidation, err)
	}

	docID = uuid.NewString()
	now := time.Now().UTC()
	span.SetAttributes(
		attribute.String("document_id", docID),
		attribute.Int("chunk_count", len(pieces)),
	)

	chunks := make([]Chunk, len(pieces))
	texts := make([]string, len(pieces))
	for i, p := range pieces {
		chunks[i] = Chunk{
			ID:          uuid.NewString(),
			DocumentID:  docID,
			Content:     p.Content,
			StartOffset: p.StartOffset,
			EndOffset:   p.EndOffset,
			TokenCount:  p.TokenCount,
			Metadata:    cloneMetadata(metadata),
			CreatedAt:   now,
		}
		texts[i] = p.Content
	}

	vectors, err := e.embedder.EmbedDocuments(ctx, texts)
	if err != nil {
		rollbackReservation()
		return "", fmt.Errorf("embedding document: %w", err)
	}

	points := make([]vectorstore.Point, len(chunks))
	for i, c := range chunks {
		points[i] = vectorstore.Point{
			ChunkID:    c.ID,
			DocumentID: docID,
			Vector:     vectors[i],
		}
	}
	if err := e.store.Upsert(ctx, points); err != nil {
		e.rollbackVectors(ctx, docID)
		rollbackReservation()
		return "", fmt.Errorf("indexing vectors: %w", err)
	}

	chunkIDs := make([]string, len(chunks))
	for i, c := range chunks {
		chunkIDs[i] = c.ID
	}
	doc := Document{
		ID:        docID,
		Content:   content,
		Metadata:  cloneMetadata(metadata),
		ChunkIDs:  chunkIDs,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := e.docs.putDocument(doc, chunks); err != nil {
		e.rollbackVectors(ctx, docID)
		rollbackReservation()
		return "", fmt.Errorf("persisting document: %w", err)
	}

	if e.ledger.IsApproachingLimit() {
		e.logger.Warn("token budget approaching limit",
			zap.Int64("used", e.ledger.Used()),
			zap.Int64("limit", e.ledger.Limit()),
		)
	}
	e.logger.Info("ingested document",
		zap.String("document_id", docID),
		zap.Int("chunks", len(chunks)),
		zap.Int64("tokens", tokenCount),
	)
	return docID, nil
}

// rollbackVectors removes any vectors written for a failed ingest.
func (e *Engine) rollbackVectors(ctx context.Context, docID string) {
	if err := e.store.DeleteByDocument(ctx, docID); err != nil {
		e.logger.Error("rollback of partial vector writes failed",
			zap.String("document_id", docID),
			zap.Error(err),
		)
	}
}

// RetrieveContext returns ranked chunks relevant to the query.
//
// The mode's token estimate is reserved up front and never retroactively
// adjusted. Results are served from cache when the same query and mode were
// answered within the cache TTL; cached hits still pay the reservation.
func (e *Engine) RetrieveContext(ctx context.Context, query string, mode Mode) ([]RetrievalResult, error) {
	ctx, span := tracer.Start(ctx, "Engine.RetrieveContext")
	defer span.End()
	span.SetAttributes(attribute.String("mode", string(mode)))

	release, err := e.acquireReady()
	if err != nil {
		return nil, err
	}
	defer release()

	if strings.TrimSpace(query) == "" {
		return nil, fmt.Errorf("%w: query cannot be empty", ErrValidation)
	}
	params, err := e.paramsFor(mode)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	if err := e.ledger.CheckAndReserve(params.ReserveEstimate); err != nil {
		return nil, err
	}
	if e.ledger.IsApproachingLimit() {
		e.logger.Warn("token budget approaching limit",
			zap.Int64("used", e.ledger.Used()),
			zap.Int64("limit", e.ledger.Limit()),
		)
	}

	retrieveKey := cache.NewKey(cache.KindRetrieve, query, string(mode))
	if v, ok := e.retrieveCache.Get(retrieveKey); ok {
		e.metrics.RecordCacheLookup(ctx, true)
		span.SetAttributes(attribute.Bool("cache_hit", true))
		return cloneResults(v.([]RetrievalResult)), nil
	}
	e.metrics.RecordCacheLookup(ctx, false)

	queryVec, err := e.embedQuery(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embedding query: %w", err)
	}

	matches, err := e.store.Search(ctx, queryVec, params.CandidatePool)
	if err != nil {
		return nil, fmt.Errorf("searching vectors: %w", err)
	}

	results := make([]RetrievalResult, 0, len(matches))
	for _, m := range matches {
		chunk, err := e.docs.getChunk(m.ChunkID)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				e.logger.Warn("vector match without stored chunk",
					zap.String("chunk_id", m.ChunkID))
				continue
			}
			return nil, fmt.Errorf("loading chunk %s: %w", m.ChunkID, err)
		}
		results = append(results, RetrievalResult{
			Chunk:           chunk,
			SimilarityScore: m.Score,
			FinalScore:      m.Score,
		})
	}

	results = e.applyRerank(ctx, query, results)
	sortResults(results)
	if len(results) > params.TopK {
		results = results[:params.TopK]
	}

	e.retrieveCache.Set(retrieveKey, cloneResults(results))
	e.metrics.RecordRetrieve(ctx, mode, time.Since(start))
	span.SetAttributes(attribute.Int("results_count", len(results)))
	return results, nil
}

// embedQuery embeds the query text, memoizing the vector per query.
func (e *Engine) embedQuery(ctx context.Context, query string) ([]float32, error) {
	key := cache.NewKey(cache.KindEmbed, query)
	if v, ok := e.embedCache.Get(key); ok {
		return v.([]float32), nil
	}
	vec, err := e.embedder.EmbedQuery(ctx, query)
	if err != nil {
		return nil, err
	}
	e.embedCache.Set(key, vec)
	return vec, nil
}

// applyRerank scores results with the reranker and filters by threshold.
// Scores are memoized per (query, chunk); only unscored candidates reach the
// reranker. A rerank failure degrades to similarity ordering rather than
// failing the retrieval.
func (e *Engine) applyRerank(ctx context.Context, query string, results []RetrievalResult) []RetrievalResult {
	if e.rerank == nil || len(results) == 0 {
		return results
	}

	scores := make([]float64, len(results))
	var missing []int
	for i, r := range results {
		key := cache.NewKey(cache.KindRerank, query, r.Chunk.ID)
		if v, ok := e.rerankCache.Get(key); ok {
			scores[i] = v.(float64)
			continue
		}
		missing = append(missing, i)
	}

	if len(missing) > 0 {
		candidates := make([]reranker.Candidate, len(missing))
		for j, i := range missing {
			candidates[j] = reranker.Candidate{ID: results[i].Chunk.ID, Content: results[i].Chunk.Content}
		}
		fresh, err := e.rerank.Rerank(ctx, query, candidates)
		if err != nil {
			e.logger.Warn("rerank failed, falling back to similarity order", zap.Error(err))
			return results
		}
		for j, i := range missing {
			scores[i] = fresh[j]
			e.rerankCache.Set(cache.NewKey(cache.KindRerank, query, results[i].Chunk.ID), fresh[j])
		}
	}

	for i := range results {
		score := scores[i]
		results[i].RerankScore = &score
		results[i].FinalScore = score
	}

	if e.config.ScoreThreshold > 0 {
		kept := results[:0]
		for _, r := range results {
			if r.FinalScore >= e.config.ScoreThreshold {
				kept = append(kept, r)
			}
		}
		results = kept
	}
	return results
}

// sortResults orders by final score descending, breaking ties by similarity,
// then earlier chunk creation, then chunk ID.
func sortResults(results []RetrievalResult) {
	sort.SliceStable(results, func(i, j int) bool {
		a, b := results[i], results[j]
		if a.FinalScore != b.FinalScore {
			return a.FinalScore > b.FinalScore
		}
		if a.SimilarityScore != b.SimilarityScore {
			return a.SimilarityScore > b.SimilarityScore
		}
		if !a.Chunk.CreatedAt.Equal(b.Chunk.CreatedAt) {
			return a.Chunk.CreatedAt.Before(b.Chunk.CreatedAt)
		}
		return a.Chunk.ID < b.Chunk.ID
	})
}

// GetDocument returns the document by ID.
func (e *Engine) GetDocument(ctx context.Context, id string) (Document, error) {
	release, err := e.acquireReady()
	if err != nil {
		return Document{}, err
	}
	defer release()

	if id == "" {
		return Document{}, fmt.Errorf("%w: document ID cannot be empty", ErrValidation)
	}
	if err := ctx.Err(); err != nil {
		return Document{}, err
	}
	return e.docs.getDocument(id)
}

// ListDocuments returns all documents, oldest first.
func (e *Engine) ListDocuments(ctx context.Context) ([]Document, error) {
	release, err := e.acquireReady()
	if err != nil {
		return nil, err
	}
	defer release()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	docs, err := e.docs.listDocuments()
	if err != nil {
		return nil, err
	}
	sort.Slice(docs, func(i, j int) bool {
		if !docs[i].CreatedAt.Equal(docs[j].CreatedAt) {
			return docs[i].CreatedAt.Before(docs[j].CreatedAt)
		}
		return docs[i].ID < docs[j].ID
	})
	return docs, nil
}

// DeleteDocument removes the document, its chunks, and its vectors. After it
// returns, no retrieval can surface the document's chunks.
func (e *Engine) DeleteDocument(ctx context.Context, id string) error {
	ctx, span := tracer.Start(ctx, "Engine.DeleteDocument")
	defer span.End()
	span.SetAttributes(attribute.String("document_id", id))

	release, err := e.acquireReady()
	if err != nil {
		return err
	}
	defer release()

	if id == "" {
		return fmt.Errorf("%w: document ID cannot be empty", ErrValidation)
	}
	if _, err := e.docs.getDocument(id); err != nil {
		return err
	}

	if err := e.store.DeleteByDocument(ctx, id); err != nil {
		span.RecordError(err)
		return fmt.Errorf("deleting vectors: %w", err)
	}
	if _, err := e.docs.deleteDocument(id); err != nil {
		span.RecordError(err)
		return fmt.Errorf("deleting document: %w", err)
	}

	// Cached retrievals may reference the deleted chunks.
	e.retrieveCache.Clear()

	e.logger.Info("deleted document", zap.String("document_id", id))
	span.SetStatus(codes.Ok, "success")
	return nil
}

// Stats returns a snapshot of engine counters.
func (e *Engine) Stats(ctx context.Context) (Stats, error) {
	release, err := e.acquireReady()
	if err != nil {
		return Stats{}, err
	}
	defer release()

	docCount, chunkCount, err := e.docs.counts()
	if err != nil {
		return Stats{}, fmt.Errorf("counting documents: %w", err)
	}
	vectors, err := e.store.Count(ctx)
	if err != nil {
		return Stats{}, fmt.Errorf("counting vectors: %w", err)
	}

	rHits, rMisses, rSize := e.retrieveCache.Stats()
	eHits, eMisses, eSize := e.embedCache.Stats()
	kHits, kMisses, kSize := e.rerankCache.Stats()
	hits, misses := rHits+eHits+kHits, rMisses+eMisses+kMisses
	hitRate := 0.0
	if hits+misses > 0 {
		hitRate = float64(hits) / float64(hits+misses)
	}

	return Stats{
		State:        e.state.String(),
		Documents:    docCount,
		Chunks:       chunkCount,
		Vectors:      vectors,
		CacheHits:    hits,
		CacheMisses:  misses,
		CacheHitRate: hitRate,
		CacheEntries: rSize + eSize + kSize,
		TokensUsed:   e.ledger.Used(),
		TokenLimit:   e.ledger.Limit(),
		NearTokenCap: e.ledger.IsApproachingLimit(),
	}, nil
}

// HealthCheck pings every external dependency.
func (e *Engine) HealthCheck(ctx context.Context) (Health, error) {
	release, err := e.acquireReady()
	if err != nil {
		return Health{}, err
	}
	defer release()

	health := Health{Healthy: true, Components: map[string]string{}}
	record := func(name string, err error) {
		if err != nil {
			health.Healthy = false
			health.Components[name] = err.Error()
			return
		}
		health.Components[name] = "ok"
	}

	record("vectorstore", e.store.Ping(ctx))
	record("embeddings", e.embedder.Ping(ctx))
	if e.rerank != nil {
		record("rerank", e.rerank.Ping(ctx))
	} else {
		health.Components["rerank"] = "disabled"
	}
	return health, nil
}

// Maintenance evicts expired cache entries. The daemon runs it on a ticker;
// callers may run it on demand.
func (e *Engine) Maintenance(ctx context.Context) (int, error) {
	release, err := e.acquireReady()
	if err != nil {
		return 0, err
	}
	defer release()

	if err := ctx.Err(); err != nil {
		return 0, err
	}
	removed := e.embedCache.Sweep() + e.rerankCache.Sweep() + e.retrieveCache.Sweep()
	if removed > 0 {
		e.logger.Debug("maintenance sweep", zap.Int("expired_entries", removed))
	}
	return removed, nil
}

// Clear wipes all documents, chunks, vectors, and caches, and resets the
// token ledger. Exclusive: waits for in-flight operations.
func (e *Engine) Clear(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	switch e.state {
	case StateReady:
	case StateShuttingDown, StateClosed:
		return ErrEngineClosed
	default:
		return ErrNotInitialized
	}

	docs, err := e.docs.listDocuments()
	if err != nil {
		return fmt.Errorf("listing documents: %w", err)
	}
	for _, doc := range docs {
		if err := e.store.DeleteByDocument(ctx, doc.ID); err != nil {
			return fmt.Errorf("deleting vectors for %s: %w", doc.ID, err)
		}
	}
	if err := e.docs.clear(); err != nil {
		return fmt.Errorf("clearing document store: %w", err)
	}

	e.embedCache.Clear()
	e.rerankCache.Clear()
	e.retrieveCache.Clear()
	e.ledger.Reset()

	e.logger.Info("cleared engine state", zap.Int("documents_removed", len(docs)))
	return nil
}

// Close shuts the engine down, closing the document store, vector store, and
// service clients. Idempotent. Waits for in-flight operations to finish.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state == StateClosed {
		return nil
	}
	wasReady := e.state == StateReady
	e.state = StateShuttingDown

	var errs []error
	if wasReady && e.docs != nil {
		if err := e.docs.close(); err != nil {
			errs = append(errs, fmt.Errorf("closing document store: %w", err))
		}
	}
	if err := e.store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("closing vector store: %w", err))
	}
	if err := e.embedder.Close(); err != nil {
		errs = append(errs, fmt.Errorf("closing embedding client: %w", err))
	}
	if e.rerank != nil {
		if err := e.rerank.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing rerank client: %w", err))
		}
	}

	e.state = StateClosed
	e.logger.Info("engine closed")
	return errors.Join(errs...)
}

// cloneMetadata copies a metadata map.
func cloneMetadata(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// cloneResults deep-copies retrieval results so callers and the cache never
// share mutable state.
func cloneResults(results []RetrievalResult) []RetrievalResult {
	out := make([]RetrievalResult, len(results))
	for i, r := range results {
		out[i] = r
		out[i].Chunk.Metadata = cloneMetadata(r.Chunk.Metadata)
		if r.RerankScore != nil {
			score := *r.RerankScore
			out[i].RerankScore = &score
		}
	}
	return out
}

// expandHome expands a leading "~/" to the user's home directory.
func expandHome(path string) (string, error) {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		return filepath.Join(home, path[2:]), nil
	}
	return path, nil
}
