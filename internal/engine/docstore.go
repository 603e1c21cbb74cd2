package engine

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.etcd.io/bbolt"
)

// Bucket layout. documentsBucket and chunksBucket map IDs to JSON records;
// docChunksBucket maps document ID to the JSON list of its chunk IDs so
// deletion never parses full document records.
var (
	documentsBucket = []byte("documents")
	chunksBucket    = []byte("chunks")
	docChunksBucket = []byte("doc_chunks")
)

// docStore persists documents and chunks in a bbolt file. All methods return
// deep copies; callers never see shared references.
type docStore struct {
	db *bbolt.DB
}

func openDocStore(path string) (*docStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("creating directory: %w", err)
	}

	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", path, err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{documentsBucket, chunksBucket, docChunksBucket} {
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
	return &docStore{db: db}, nil
}

// putDocument writes the document, its chunks, and the chunk-membership
// index in one transaction.
func (s *docStore) putDocument(doc Document, chunks []Chunk) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		docJSON, err := json.Marshal(doc)
		if err != nil {
			return fmt.Errorf("encoding document %s: %w", doc.ID, err)
		}
		if err := tx.Bucket(documentsBucket).Put([]byte(doc.ID), docJSON); err != nil {
			return err
		}

		cb := tx.Bucket(chunksBucket)
		for _, chunk := range chunks {
			chunkJSON, err := json.Marshal(chunk)
			if err != nil {
				return fmt.Errorf("encoding chunk %s: %w", chunk.ID, err)
			}
			if err := cb.Put([]byte(chunk.ID), chunkJSON); err != nil {
				return err
			}
		}

		idsJSON, err := json.Marshal(doc.ChunkIDs)
		if err != nil {
			return fmt.Errorf("encoding chunk ids for %s: %w", doc.ID, err)
		}
		return tx.Bucket(docChunksBucket).Put([]byte(doc.ID), idsJSON)
	})
}

func (s *docStore) getDocument(id string) (Document, error) {
	var doc Document
	err := s.db.View(func(tx *bbolt.Tx) error {
		raw := tx.Bucket(documentsBucket).Get([]byte(id))
		if raw == nil {
			return fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return json.Unmarshal(raw, &doc)
	})
	return doc, err
}

func (s *docStore) getChunk(id string) (Chunk, error) {
	var chunk Chunk
	err := s.db.View(func(tx *bbolt.Tx) error {
		raw := tx.Bucket(chunksBucket).Get([]byte(id))
		if raw == nil {
			return fmt.Errorf("%w: chunk %s", ErrNotFound, id)
		}
		return json.Unmarshal(raw, &chunk)
	})
	return chunk, err
}

func (s *docStore) listDocuments() ([]Document, error) {
	var docs []Document
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(documentsBucket).ForEach(func(k, v []byte) error {
			var doc Document
			if err := json.Unmarshal(v, &doc); err != nil {
				return fmt.Errorf("decoding document %q: %w", k, err)
			}
			docs = append(docs, doc)
			return nil
		})
	})
	return docs, err
}

// deleteDocument removes the document, its chunks, and its membership entry
// in one transaction, returning the removed chunk IDs.
func (s *docStore) deleteDocument(id string) ([]string, error) {
	var chunkIDs []string
	err := s.db.Update(func(tx *bbolt.Tx) error {
		db := tx.Bucket(documentsBucket)
		if db.Get([]byte(id)) == nil {
			return fmt.Errorf("%w: %s", ErrNotFound, id)
		}

		if raw := tx.Bucket(docChunksBucket).Get([]byte(id)); raw != nil {
			if err := json.Unmarshal(raw, &chunkIDs); err != nil {
				return fmt.Errorf("decoding chunk ids for %s: %w", id, err)
			}
		}

		cb := tx.Bucket(chunksBucket)
		for _, chunkID := range chunkIDs {
			if err := cb.Delete([]byte(chunkID)); err != nil {
				return err
			}
		}
		if err := tx.Bucket(docChunksBucket).Delete([]byte(id)); err != nil {
			return err
		}
		return db.Delete([]byte(id))
	})
	if err != nil {
		return nil, err
	}
	return chunkIDs, nil
}

func (s *docStore) counts() (docs, chunks int, err error) {
	err = s.db.View(func(tx *bbolt.Tx) error {
		docs = tx.Bucket(documentsBucket).Stats().KeyN
		chunks = tx.Bucket(chunksBucket).Stats().KeyN
		return nil
	})
	return docs, chunks, err
}

// clear drops and recreates every bucket.
func (s *docStore) clear() error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{documentsBucket, chunksBucket, docChunksBucket} {
			if err := tx.DeleteBucket(name); err != nil {
				return err
			}
			if _, err := tx.CreateBucket(name); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *docStore) close() error {
	return s.db.Close()
}
