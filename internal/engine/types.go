package engine

import (
	"fmt"
	"time"
)

// Document is an ingested document with its chunk membership.
type Document struct {
	ID        string            `json:"id"`
	Content   string            `json:"content"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	ChunkIDs  []string          `json:"chunk_ids"`
	CreatedAt time.Time         `json:"created_at"`
	UpdatedAt time.Time         `json:"updated_at"`
}

// Chunk is one indexed slice of a document.
type Chunk struct {
	ID          string            `json:"id"`
	DocumentID  string            `json:"document_id"`
	Content     string            `json:"content"`
	StartOffset int               `json:"start_offset"`
	EndOffset   int               `json:"end_offset"`
	TokenCount  int               `json:"token_count"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
}

// RetrievalResult is one ranked chunk returned by RetrieveContext.
//
// RerankScore is nil when reranking is disabled or degraded; FinalScore then
// equals SimilarityScore.
type RetrievalResult struct {
	Chunk           Chunk    `json:"chunk"`
	SimilarityScore float64  `json:"similarity_score"`
	RerankScore     *float64 `json:"rerank_score,omitempty"`
	FinalScore      float64  `json:"final_score"`
}

// Mode selects the retrieval depth/cost trade-off.
type Mode string

const (
	// ModeGeneral is the cheap default: small candidate pool, small reserve.
	ModeGeneral Mode = "general"

	// ModeResearch casts a wide net at a higher token reserve.
	ModeResearch Mode = "research"
)

// modeParams are the per-mode retrieval limits.
type modeParams struct {
	// TopK caps the number of returned results.
	TopK int

	// CandidatePool is how many vector matches feed the reranker.
	CandidatePool int

	// ReserveEstimate is the token reservation charged up front.
	ReserveEstimate int64
}

var defaultModes = map[Mode]modeParams{
	ModeGeneral:  {TopK: 20, CandidatePool: 20, ReserveEstimate: 5000},
	ModeResearch: {TopK: 100, CandidatePool: 100, ReserveEstimate: 20000},
}

// ModeOverride adjusts one mode's limits. Zero fields keep the built-in
// value.
type ModeOverride struct {
	TopK            int
	CandidatePool   int
	ReserveEstimate int64
}

// resolveModes merges overrides onto the built-in mode table. Overrides for
// unknown modes are rejected.
func resolveModes(overrides map[Mode]ModeOverride) (map[Mode]modeParams, error) {
	table := make(map[Mode]modeParams, len(defaultModes))
	for mode, p := range defaultModes {
		table[mode] = p
	}
	for mode, o := range overrides {
		p, ok := table[mode]
		if !ok {
			return nil, fmt.Errorf("%w: unknown mode %q", ErrValidation, mode)
		}
		if o.TopK > 0 {
			p.TopK = o.TopK
		}
		if o.CandidatePool > 0 {
			p.CandidatePool = o.CandidatePool
		}
		if o.ReserveEstimate > 0 {
			p.ReserveEstimate = o.ReserveEstimate
		}
		table[mode] = p
	}
	return table, nil
}

// paramsFor resolves mode parameters, rejecting unknown modes.
func (e *Engine) paramsFor(mode Mode) (modeParams, error) {
	p, ok := e.modes[mode]
	if !ok {
		return modeParams{}, fmt.Errorf("%w: unknown mode %q", ErrValidation, mode)
	}
	return p, nil
}

// State is the engine lifecycle state.
type State int32

const (
	StateUninitialized State = iota
	StateInitializing
	StateReady
	StateShuttingDown
	StateClosed
)

// String implements fmt.Stringer.
func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateInitializing:
		return "initializing"
	case StateReady:
		return "ready"
	case StateShuttingDown:
		return "shutting_down"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("unknown(%d)", int32(s))
	}
}

// Stats is a point-in-time snapshot of engine state.
type Stats struct {
	State         string  `json:"state"`
	Documents     int     `json:"documents"`
	Chunks        int     `json:"chunks"`
	Vectors       int     `json:"vectors"`
	CacheHits     uint64  `json:"cache_hits"`
	CacheMisses   uint64  `json:"cache_misses"`
	CacheHitRate  float64 `json:"cache_hit_rate"`
	CacheEntries  int     `json:"cache_entries"`
	TokensUsed    int64   `json:"tokens_used"`
	TokenLimit    int64   `json:"token_limit"`
	NearTokenCap  bool    `json:"near_token_cap"`
}

// Health reports per-dependency reachability.
type Health struct {
	Healthy    bool              `json:"healthy"`
	Components map[string]string `json:"components"`
}
