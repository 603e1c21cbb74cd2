package vectorstore

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"go.etcd.io/bbolt"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
)

var boltTracer = otel.Tracer("retrievald.vectorstore.bolt")

// Bucket layout. pointsBucket maps chunk ID to a JSON record; docIndexBucket
// holds one nested bucket per document ID whose keys are that document's
// chunk IDs; metaBucket stores the insertion sequence counter.
var (
	pointsBucket   = []byte("points")
	docIndexBucket = []byte("doc_index")
	metaBucket     = []byte("meta")
	seqKey         = []byte("seq")
)

// BoltConfig holds configuration for the bbolt-backed store.
type BoltConfig struct {
	// Path is the database file path.
	// Default: "~/.local/share/retrievald/vectors.db"
	Path string

	// Dimension is the expected embedding dimension.
	// Default: 384
	Dimension int

	// Partitions is the number of index segments searched in parallel.
	// Default: 4
	Partitions int
}

// ApplyDefaults sets default values for unset fields.
func (c *BoltConfig) ApplyDefaults() {
	if c.Path == "" {
		c.Path = "~/.local/share/retrievald/vectors.db"
	}
	if c.Dimension == 0 {
		c.Dimension = 384
	}
	if c.Partitions <= 0 {
		c.Partitions = 4
	}
}

// Validate validates the configuration.
func (c BoltConfig) Validate() error {
	if c.Dimension <= 0 {
		return fmt.Errorf("%w: dimension must be positive", ErrInvalidConfig)
	}
	if c.Partitions <= 0 {
		return fmt.Errorf("%w: partitions must be positive", ErrInvalidConfig)
	}
	return nil
}

// boltRecord is the persisted form of a point.
type boltRecord struct {
	DocumentID string            `json:"document_id"`
	Vector     []float32         `json:"vector"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	Seq        uint64            `json:"seq"`
}

// memPoint is one entry of the in-memory search index.
type memPoint struct {
	chunkID    string
	documentID string
	vector     []float32
	metadata   map[string]string
	seq        uint64
}

// BoltStore implements Store on a single bbolt file.
//
// Vectors and payloads are persisted in bbolt buckets; similarity search runs
// against an in-memory index rebuilt from the file on open. Writes go to disk
// first and to the index second, under the same lock, so a reopened store
// always sees what a concurrent reader saw.
type BoltStore struct {
	config BoltConfig
	db     *bbolt.DB
	logger *zap.Logger

	mu     sync.RWMutex
	points []memPoint
	byID   map[string]int
}

// NewBoltStore opens (or creates) the database file and rebuilds the
// in-memory index from it.
func NewBoltStore(config BoltConfig, logger *zap.Logger) (*BoltStore, error) {
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
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("creating directory: %w", err)
	}

	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("%w: opening %s: %v", ErrConnectionFailed, path, err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{pointsBucket, docIndexBucket, metaBucket} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("creating buckets: %w", err)
	}

	s := &BoltStore{
		config: config,
		db:     db,
		logger: logger,
		byID:   make(map[string]int),
	}
	if err := s.loadIndex(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("rebuilding index: %w", err)
	}

	logger.Debug("opened bolt vector store",
		zap.String("path", path),
		zap.Int("points", len(s.points)),
	)
	return s, nil
}

// loadIndex rebuilds the in-memory index from the points bucket, ordered by
// insertion sequence.
func (s *BoltStore) loadIndex() error {
	var points []memPoint
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(pointsBucket).ForEach(func(k, v []byte) error {
			var rec boltRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return fmt.Errorf("decoding point %q: %w", k, err)
			}
			if len(rec.Vector) != s.config.Dimension {
				return fmt.Errorf("%w: point %q has dimension %d, store expects %d",
					ErrDimensionMismatch, k, len(rec.Vector), s.config.Dimension)
			}
			points = append(points, memPoint{
				chunkID:    string(k),
				documentID: rec.DocumentID,
				vector:     rec.Vector,
				metadata:   rec.Metadata,
				seq:        rec.Seq,
			})
			return nil
		})
	})
	if err != nil {
		return err
	}

	sort.Slice(points, func(i, j int) bool { return points[i].seq < points[j].seq })

	s.points = points
	s.byID = make(map[string]int, len(points))
	for i, p := range points {
		s.byID[p.chunkID] = i
	}
	return nil
}

// Upsert inserts or replaces points. A replaced point keeps its original
// insertion sequence.
func (s *BoltStore) Upsert(ctx context.Context, points []Point) error {
	ctx, span := boltTracer.Start(ctx, "BoltStore.Upsert")
	defer span.End()
	span.SetAttributes(attribute.Int("point_count", len(points)))

	if len(points) == 0 {
		return ErrEmptyPoints
	}
	for _, p := range points {
		if len(p.Vector) != s.config.Dimension {
			err := fmt.Errorf("%w: point %s has dimension %d, store expects %d",
				ErrDimensionMismatch, p.ChunkID, len(p.Vector), s.config.Dimension)
			span.RecordError(err)
			return err
		}
		if p.ChunkID == "" {
			return fmt.Errorf("%w: point with empty chunk ID", ErrInvalidConfig)
		}
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	seqs := make([]uint64, len(points))
	err := s.db.Update(func(tx *bbolt.Tx) error {
		pb := tx.Bucket(pointsBucket)
		di := tx.Bucket(docIndexBucket)
		meta := tx.Bucket(metaBucket)

		var next uint64
		if raw := meta.Get(seqKey); len(raw) == 8 {
			next = binary.BigEndian.Uint64(raw)
		}

		for i, p := range points {
			seq := next
			if prev := pb.Get([]byte(p.ChunkID)); prev != nil {
				var old boltRecord
				if err := json.Unmarshal(prev, &old); err != nil {
					return fmt.Errorf("decoding existing point %s: %w", p.ChunkID, err)
				}
				seq = old.Seq
				if old.DocumentID != p.DocumentID {
					if ob := di.Bucket([]byte(old.DocumentID)); ob != nil {
						if err := ob.Delete([]byte(p.ChunkID)); err != nil {
							return err
						}
					}
				}
			} else {
				next++
			}
			seqs[i] = seq

			rec, err := json.Marshal(boltRecord{
				DocumentID: p.DocumentID,
				Vector:     p.Vector,
				Metadata:   p.Metadata,
				Seq:        seq,
			})
			if err != nil {
				return fmt.Errorf("encoding point %s: %w", p.ChunkID, err)
			}
			if err := pb.Put([]byte(p.ChunkID), rec); err != nil {
				return err
			}

			docBkt, err := di.CreateBucketIfNotExists([]byte(p.DocumentID))
			if err != nil {
				return err
			}
			if err := docBkt.Put([]byte(p.ChunkID), nil); err != nil {
				return err
			}
		}

		buf := make([]byte, 8)
		binary.BigEndian.PutUint64(buf, next)
		return meta.Put(seqKey, buf)
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("upserting points: %w", err)
	}

	for i, p := range points {
		mp := memPoint{
			chunkID:    p.ChunkID,
			documentID: p.DocumentID,
			vector:     p.Vector,
			metadata:   p.Metadata,
			seq:        seqs[i],
		}
		if idx, ok := s.byID[p.ChunkID]; ok {
			s.points[idx] = mp
		} else {
			s.byID[p.ChunkID] = len(s.points)
			s.points = append(s.points, mp)
		}
	}

	span.SetStatus(codes.Ok, "success")
	return nil
}

// DeleteByDocument removes every point of the document in one transaction.
// The write lock holds off concurrent searches until both the file and the
// index reflect the removal.
func (s *BoltStore) DeleteByDocument(ctx context.Context, documentID string) error {
	ctx, span := boltTracer.Start(ctx, "BoltStore.DeleteByDocument")
	defer span.End()
	span.SetAttributes(attribute.String("document_id", documentID))

	if documentID == "" {
		return fmt.Errorf("%w: document ID cannot be empty", ErrInvalidConfig)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	err := s.db.Update(func(tx *bbolt.Tx) error {
		di := tx.Bucket(docIndexBucket)
		docBkt := di.Bucket([]byte(documentID))
		if docBkt == nil {
			return nil
		}

		pb := tx.Bucket(pointsBucket)
		if err := docBkt.ForEach(func(k, _ []byte) error {
			removed++
			return pb.Delete(k)
		}); err != nil {
			return err
		}
		return di.DeleteBucket([]byte(documentID))
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("deleting document %s: %w", documentID, err)
	}

	if removed > 0 {
		kept := s.points[:0]
		for _, p := range s.points {
			if p.documentID != documentID {
				kept = append(kept, p)
			}
		}
		s.points = kept
		s.byID = make(map[string]int, len(kept))
		for i, p := range kept {
			s.byID[p.chunkID] = i
		}
	}

	span.SetAttributes(attribute.Int("points_removed", removed))
	span.SetStatus(codes.Ok, "success")
	return nil
}

// scored pairs an index position with its similarity score.
type scored struct {
	pos   int
	score float64
}

// Search ranks all points by cosine similarity to the query, fanning out one
// goroutine per index partition.
func (s *BoltStore) Search(ctx context.Context, query []float32, topK int) ([]SearchResult, error) {
	ctx, span := boltTracer.Start(ctx, "BoltStore.Search")
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
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	if len(s.points) == 0 {
		return []SearchResult{}, nil
	}

	parts := s.config.Partitions
	if parts > len(s.points) {
		parts = len(s.points)
	}
	segSize := (len(s.points) + parts - 1) / parts

	results := make([][]scored, parts)
	var wg sync.WaitGroup
	for part := 0; part < parts; part++ {
		lo := part * segSize
		hi := lo + segSize
		if hi > len(s.points) {
			hi = len(s.points)
		}

		wg.Add(1)
		go func(part, lo, hi int) {
			defer wg.Done()
			local := make([]scored, 0, hi-lo)
			for i := lo; i < hi; i++ {
				local = append(local, scored{
					pos:   i,
					score: NormalizeScore(CosineSimilarity(query, s.points[i].vector)),
				})
			}
			results[part] = local
		}(part, lo, hi)
	}
	wg.Wait()

	var merged []scored
	for _, local := range results {
		merged = append(merged, local...)
	}
	sort.Slice(merged, func(i, j int) bool {
		if merged[i].score != merged[j].score {
			return merged[i].score > merged[j].score
		}
		return s.points[merged[i].pos].seq < s.points[merged[j].pos].seq
	})
	if topK < len(merged) {
		merged = merged[:topK]
	}

	out := make([]SearchResult, len(merged))
	for i, m := range merged {
		p := s.points[m.pos]
		out[i] = SearchResult{
			ChunkID:    p.chunkID,
			DocumentID: p.documentID,
			Score:      m.score,
			Metadata:   p.metadata,
		}
	}

	span.SetAttributes(attribute.Int("results_count", len(out)))
	span.SetStatus(codes.Ok, "success")
	return out, nil
}

// Count returns the number of stored points.
func (s *BoltStore) Count(ctx context.Context) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.points), nil
}

// Ping verifies the database file is readable.
func (s *BoltStore) Ping(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	err := s.db.View(func(tx *bbolt.Tx) error {
		if tx.Bucket(pointsBucket) == nil {
			return fmt.Errorf("points bucket missing")
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrConnectionFailed, err)
	}
	return nil
}

// Close closes the database file.
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// expandPath expands a leading "~/" to the user's home directory.
func expandPath(path string) (string, error) {
	if len(path) >= 2 && path[:2] == "~/" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolving home directory: %w", err)
		}
		return filepath.Join(home, path[2:]), nil
	}
	return path, nil
}

var _ Store = (*BoltStore)(nil)
