package vectorstore

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"time"

	"github.com/fyrsmithlabs/retrievald/internal/remote"
	"github.com/qdrant/go-client/qdrant"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
	grpccodes "google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

var qdrantTracer = otel.Tracer("retrievald.vectorstore.qdrant")

var collectionNamePattern = regexp.MustCompile(`^[a-z0-9_]{1,64}$`)

// Payload keys the store manages itself.
const (
	payloadDocumentID = "document_id"
	payloadSeq        = "seq"
)

// QdrantConfig holds configuration for the Qdrant gRPC backend.
type QdrantConfig struct {
	// Host is the Qdrant server host.
	// Default: "localhost"
	Host string

	// Port is the gRPC port.
	// Default: 6334
	Port int

	// APIKey authenticates against a secured server. Optional.
	APIKey string

	// UseTLS enables TLS for the gRPC connection.
	UseTLS bool

	// Collection is the collection name. Must match ^[a-z0-9_]{1,64}$.
	// Default: "retrievald_chunks"
	Collection string

	// Dimension is the expected embedding dimension.
	// Default: 384
	Dimension int

	// Retry configures transient-failure retries.
	Retry remote.RetryConfig
}

// ApplyDefaults sets default values for unset fields.
func (c *QdrantConfig) ApplyDefaults() {
	if c.Host == "" {
		c.Host = "localhost"
	}
	if c.Port == 0 {
		c.Port = 6334
	}
	if c.Collection == "" {
		c.Collection = "retrievald_chunks"
	}
	if c.Dimension == 0 {
		c.Dimension = 384
	}
	c.Retry.ApplyDefaults()
}

// Validate validates the configuration.
func (c QdrantConfig) Validate() error {
	if c.Dimension <= 0 {
		return fmt.Errorf("%w: dimension must be positive", ErrInvalidConfig)
	}
	if !collectionNamePattern.MatchString(c.Collection) {
		return fmt.Errorf("%w: collection name must match ^[a-z0-9_]{1,64}$, got %q",
			ErrInvalidConfig, c.Collection)
	}
	return nil
}

// QdrantStore implements Store against an external Qdrant server over gRPC.
type QdrantStore struct {
	config QdrantConfig
	client *qdrant.Client
	logger *zap.Logger
	seq    seqClock
}

// NewQdrantStore connects to the server, verifies reachability, and ensures
// the collection exists with a cosine-distance vector index.
func NewQdrantStore(config QdrantConfig, logger *zap.Logger) (*QdrantStore, error) {
	config.ApplyDefaults()
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	client, err := qdrant.NewClient(&qdrant.Config{
		Host:   config.Host,
		Port:   config.Port,
		APIKey: config.APIKey,
		UseTLS: config.UseTLS,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConnectionFailed, err)
	}

	s := &QdrantStore{
		config: config,
		client: client,
		logger: logger,
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.Ping(ctx); err != nil {
		_ = client.Close()
		return nil, err
	}
	if err := s.ensureCollection(ctx); err != nil {
		_ = client.Close()
		return nil, err
	}

	logger.Debug("connected to qdrant",
		zap.String("host", config.Host),
		zap.Int("port", config.Port),
		zap.String("collection", config.Collection),
	)
	return s, nil
}

func (s *QdrantStore) ensureCollection(ctx context.Context) error {
	_, err := s.client.GetCollectionInfo(ctx, s.config.Collection)
	if err == nil {
		return nil
	}
	if st, ok := status.FromError(err); !ok || st.Code() != grpccodes.NotFound {
		return fmt.Errorf("checking collection %s: %w", s.config.Collection, err)
	}

	err = s.client.CreateCollection(ctx, &qdrant.CreateCollection{
		CollectionName: s.config.Collection,
		VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
			Size:     uint64(s.config.Dimension),
			Distance: qdrant.Distance_Cosine,
		}),
	})
	if err != nil {
		return fmt.Errorf("creating collection %s: %w", s.config.Collection, err)
	}
	return nil
}

// retry runs op with the configured backoff, retrying transient gRPC codes.
func (s *QdrantStore) retry(ctx context.Context, op func() error) error {
	return remote.Retry(ctx, s.config.Retry, s.logger, op, isTransientGRPC)
}

// isTransientGRPC reports whether the error carries a gRPC code worth
// retrying.
func isTransientGRPC(err error) bool {
	st, ok := status.FromError(err)
	if !ok {
		return remote.IsTimeout(err)
	}
	switch st.Code() {
	case grpccodes.Unavailable, grpccodes.DeadlineExceeded,
		grpccodes.ResourceExhausted, grpccodes.Aborted:
		return true
	default:
		return false
	}
}

// Upsert inserts or replaces points by chunk ID. Waits for the write to be
// applied before returning.
func (s *QdrantStore) Upsert(ctx context.Context, points []Point) error {
	ctx, span := qdrantTracer.Start(ctx, "QdrantStore.Upsert")
	defer span.End()
	span.SetAttributes(attribute.Int("point_count", len(points)))

	if len(points) == 0 {
		return ErrEmptyPoints
	}

	qpoints := make([]*qdrant.PointStruct, len(points))
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

		payload := map[string]*qdrant.Value{
			payloadDocumentID: {Kind: &qdrant.Value_StringValue{StringValue: p.DocumentID}},
			payloadSeq:        {Kind: &qdrant.Value_IntegerValue{IntegerValue: s.seq.next()}},
		}
		for k, v := range p.Metadata {
			payload[k] = &qdrant.Value{Kind: &qdrant.Value_StringValue{StringValue: v}}
		}

		qpoints[i] = &qdrant.PointStruct{
			Id:      qdrant.NewIDUUID(p.ChunkID),
			Vectors: qdrant.NewVectors(p.Vector...),
			Payload: payload,
		}
	}

	err := s.retry(ctx, func() error {
		_, err := s.client.Upsert(ctx, &qdrant.UpsertPoints{
			CollectionName: s.config.Collection,
			Points:         qpoints,
			Wait:           qdrant.PtrOf(true),
		})
		return err
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("upserting points: %w", err)
	}

	span.SetStatus(codes.Ok, "success")
	return nil
}

// DeleteByDocument removes every point whose payload matches the document ID.
// Qdrant applies the filtered delete atomically server-side.
func (s *QdrantStore) DeleteByDocument(ctx context.Context, documentID string) error {
	ctx, span := qdrantTracer.Start(ctx, "QdrantStore.DeleteByDocument")
	defer span.End()
	span.SetAttributes(attribute.String("document_id", documentID))

	if documentID == "" {
		return fmt.Errorf("%w: document ID cannot be empty", ErrInvalidConfig)
	}

	err := s.retry(ctx, func() error {
		_, err := s.client.Delete(ctx, &qdrant.DeletePoints{
			CollectionName: s.config.Collection,
			Points: &qdrant.PointsSelector{
				PointsSelectorOneOf: &qdrant.PointsSelector_Filter{
					Filter: &qdrant.Filter{
						Must: []*qdrant.Condition{
							{
								ConditionOneOf: &qdrant.Condition_Field{
									Field: &qdrant.FieldCondition{
										Key: payloadDocumentID,
										Match: &qdrant.Match{
											MatchValue: &qdrant.Match_Keyword{Keyword: documentID},
										},
									},
								},
							},
						},
					},
				},
			},
			Wait: qdrant.PtrOf(true),
		})
		return err
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("deleting document %s: %w", documentID, err)
	}

	span.SetStatus(codes.Ok, "success")
	return nil
}

// Search ranks stored points by cosine similarity to the query.
func (s *QdrantStore) Search(ctx context.Context, query []float32, topK int) ([]SearchResult, error) {
	ctx, span := qdrantTracer.Start(ctx, "QdrantStore.Search")
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

	var scoredPoints []*qdrant.ScoredPoint
	err := s.retry(ctx, func() error {
		res, err := s.client.Query(ctx, &qdrant.QueryPoints{
			CollectionName: s.config.Collection,
			Query:          qdrant.NewQuery(query...),
			Limit:          qdrant.PtrOf(uint64(topK)),
			WithPayload:    qdrant.NewWithPayload(true),
		})
		if err != nil {
			return err
		}
		scoredPoints = res
		return nil
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("querying collection: %w", err)
	}

	type seqResult struct {
		result SearchResult
		seq    int64
	}
	ranked := make([]seqResult, len(scoredPoints))
	for i, sp := range scoredPoints {
		var documentID string
		var seq int64
		metadata := make(map[string]string)
		for k, v := range sp.GetPayload() {
			switch k {
			case payloadDocumentID:
				documentID = v.GetStringValue()
			case payloadSeq:
				seq = v.GetIntegerValue()
			default:
				metadata[k] = v.GetStringValue()
			}
		}
		ranked[i] = seqResult{
			result: SearchResult{
				ChunkID:    sp.GetId().GetUuid(),
				DocumentID: documentID,
				Score:      NormalizeScore(float64(sp.GetScore())),
				Metadata:   metadata,
			},
			seq: seq,
		}
	}

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
func (s *QdrantStore) Count(ctx context.Context) (int, error) {
	var count int
	err := s.retry(ctx, func() error {
		info, err := s.client.GetCollectionInfo(ctx, s.config.Collection)
		if err != nil {
			return err
		}
		count = int(info.GetPointsCount())
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("getting collection info: %w", err)
	}
	return count, nil
}

// Ping checks server health over gRPC.
func (s *QdrantStore) Ping(ctx context.Context) error {
	if _, err := s.client.HealthCheck(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrConnectionFailed, err)
	}
	return nil
}

// Close closes the gRPC connection.
func (s *QdrantStore) Close() error {
	return s.client.Close()
}

var _ Store = (*QdrantStore)(nil)
