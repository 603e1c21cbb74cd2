package vectorstore

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strconv"
	"time"

	chromem "github.com/philippgille/chromem-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
)

// timeNow is a variable for testing purposes (allows mocking time).
var timeNow = time.Now

var chromemTracer = otel.Tracer("retrievald.vectorstore.chromem")

// Internal metadata keys. Stripped from results before they leave the store.
const (
	metaDocumentID = "_document_id"
	metaSeq        = "_seq"
)

// ChromemConfig holds configuration for the chromem-go embedded backend.
type ChromemConfig struct {
	// Path is the directory for persistent storage.
	// Default: "~/.local/share/retrievald/chromem"
	Path string

	// Collection is the collection name.
	// Default: "retrievald_chunks"
	Collection string

	// Dimension is the expected embedding dimension.
	// Default: 384
	Dimension int

	// Compress enables gzip compression for stored data.
	Compress bool
}

// ApplyDefaults sets default values for unset fields.
func (c *ChromemConfig) ApplyDefaults() {
	if c.Path == "" {
		c.Path = "~/.local/share/retrievald/chromem"
	}
	if c.Collection == "" {
		c.Collection = "retrievald_chunks"
	}
	if c.Dimension == 0 {
		c.Dimension = 384
	}
}

// Validate validates the configuration.
func (c ChromemConfig) Validate() error {
	if c.Dimension <= 0 {
		return fmt.Errorf("%w: dimension must be positive", ErrInvalidConfig)
	}
	return nil
}

// ChromemStore implements Store using chromem-go, an embeddable pure-Go
// vector database with gob-file persistence. All vectors arrive precomputed,
// so the collection's embedding function is never invoked.
type ChromemStore struct {
	config     ChromemConfig
	db         *chromem.DB
	collection *chromem.Collection
	logger     *zap.Logger
	seq        seqClock
}

// NewChromemStore opens (or creates) the persistent database.
func NewChromemStore(config ChromemConfig, logger *zap.Logger) (*ChromemStore, error) {
	config.ApplyDefaults()
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	path, err := expandPath(config.Path)
	if err != nil {
		return nil, fmt.Errorf("expanding path: %w", err)
	}
	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, fmt.Errorf("creating directory %s: %w", path, err)
	}

	db, err := chromem.NewPersistentDB(path, config.Compress)
	if err != nil {
		return nil, fmt.Errorf("%w: opening chromem at %s: %v", ErrConnectionFailed, path, err)
	}

	collection, err := db.GetOrCreateCollection(config.Collection, nil, rejectEmbedding)
	if err != nil {
		return nil, fmt.Errorf("creating collection %s: %w", config.Collection, err)
	}

	logger.Debug("opened chromem vector store",
		zap.String("path", path),
		zap.String("collection", config.Collection),
		zap.Int("points", collection.Count()),
	)

	return &ChromemStore{
		config:     config,
		db:         db,
		collection: collection,
		logger:     logger,
	}, nil
}

// rejectEmbedding guards against accidental use of the collection's
// embedding function; every vector must be supplied by the caller.
func rejectEmbedding(ctx context.Context, text string) ([]float32, error) {
	return nil, fmt.Errorf("embedding function not available: vectors must be precomputed")
}

// Upsert inserts or replaces points by chunk ID.
func (s *ChromemStore) Upsert(ctx context.Context, points []Point) error {
	ctx, span := chromemTracer.Start(ctx, "ChromemStore.Upsert")
	defer span.End()
	span.SetAttributes(attribute.Int("point_count", len(points)))

	if len(points) == 0 {
		return ErrEmptyPoints
	}

	docs := make([]chromem.Document, len(points))
	for i, p := range points {
		if len(p.Vector) != s.config.Dimension {
			err := fmt.Errorf("%w: point %s has dimension %d, store expects %d",
				ErrDimensionMismatch, p.ChunkID, len(p.Vector), s.config.Dimension)
			span.RecordError(err)
			return err
		}
		if p.ChunkID == "" {
			return fmt.Errorf("%w: point with empty chunk ID", ErrInvalidConfig)
		}

		metadata := make(map[string]string, len(p.Metadata)+2)
		for k, v := range p.Metadata {
			metadata[k] = v
		}
		metadata[metaDocumentID] = p.DocumentID
		metadata[metaSeq] = strconv.FormatInt(s.seq.next(), 10)

		docs[i] = chromem.Document{
			ID:        p.ChunkID,
			Content:   p.ChunkID,
			Metadata:  metadata,
			Embedding: p.Vector,
		}
	}

	// Concurrency of 1: embeddings are already computed, nothing to parallelize.
	if err := s.collection.AddDocuments(ctx, docs, 1); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("adding documents: %w", err)
	}

	span.SetStatus(codes.Ok, "success")
	return nil
}

// DeleteByDocument removes every point carrying the document ID, in one
// filtered delete.
func (s *ChromemStore) DeleteByDocument(ctx context.Context, documentID string) error {
	ctx, span := chromemTracer.Start(ctx, "ChromemStore.DeleteByDocument")
	defer span.End()
	span.SetAttributes(attribute.String("document_id", documentID))

	if documentID == "" {
		return fmt.Errorf("%w: document ID cannot be empty", ErrInvalidConfig)
	}

	if err := s.collection.Delete(ctx, map[string]string{metaDocumentID: documentID}, nil); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("deleting document %s: %w", documentID, err)
	}

	span.SetStatus(codes.Ok, "success")
	return nil
}

// Search ranks stored points by cosine similarity to the query.
func (s *ChromemStore) Search(ctx context.Context, query []float32, topK int) ([]SearchResult, error) {
	ctx, span := chromemTracer.Start(ctx, "ChromemStore.Search")
	defer span.End()
	span.SetAttributes(attribute.Int("top_k", topK))

	if len(query) != s.config.Dimension {
		err := fmt.Errorf("%w: query has dimension %d, store expects %d",
			ErrDimensionMismatch, len(query), s.config.Dimension)
		span.RecordError(err)
		return nil, err
	}
	if topK <= 0 {
		return nil, fmt.Errorf("%w: topK must be positive", ErrInvalidConfig)
	}

	// chromem requires nResults <= document count.
	count := s.collection.Count()
	if count == 0 {
		return []SearchResult{}, nil
	}
	k := topK
	if k > count {
		k = count
	}

	results, err := s.collection.QueryEmbedding(ctx, query, k, nil, nil)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("querying collection: %w", err)
	}

	type seqResult struct {
		result SearchResult
		seq    int64
	}
	ranked := make([]seqResult, len(results))
	for i, r := range results {
		metadata := make(map[string]string, len(r.Metadata))
		for mk, mv := range r.Metadata {
			if mk == metaDocumentID || mk == metaSeq {
				continue
			}
			metadata[mk] = mv
		}
		seq, _ := strconv.ParseInt(r.Metadata[metaSeq], 10, 64)
		ranked[i] = seqResult{
			result: SearchResult{
				ChunkID:    r.ID,
				DocumentID: r.Metadata[metaDocumentID],
				Score:      NormalizeScore(float64(r.Similarity)),
				Metadata:   metadata,
			},
			seq: seq,
		}
	}

	// chromem leaves equal-similarity order unspecified; settle ties by
	// insertion sequence.
	sort.SliceStable(ranked, func(i, j int) bool {
		if ranked[i].result.Score != ranked[j].result.Score {
			return ranked[i].result.Score > ranked[j].result.Score
		}
		return ranked[i].seq < ranked[j].seq
	})

	out := make([]SearchResult, len(ranked))
	for i, r := range ranked {
		out[i] = r.result
	}

	span.SetAttributes(attribute.Int("results_count", len(out)))
	span.SetStatus(codes.Ok, "success")
	return out, nil
}

// Count returns the number of stored points.
func (s *ChromemStore) Count(ctx context.Context) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	return s.collection.Count(), nil
}

// Ping verifies the collection is reachable.
func (s *ChromemStore) Ping(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s.collection == nil {
		return fmt.Errorf("%w: collection not initialized", ErrConnectionFailed)
	}
	s.collection.Count()
	return nil
}

// Close is a no-op; chromem persists writes as they happen.
func (s *ChromemStore) Close() error {
	return nil
}

var _ Store = (*ChromemStore)(nil)
