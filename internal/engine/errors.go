package engine

import "errors"

// Sentinel errors for engine operations. Service failures from the
// embedding, rerank, and vector store clients propagate wrapped with their
// own package sentinels (embeddings.ErrService, reranker.ErrService,
// vectorstore.ErrConnectionFailed, remote.ErrTimeout); budget exhaustion
// surfaces as tokens.LimitExceededError.
var (
	// ErrValidation indicates malformed operation input.
	ErrValidation = errors.New("validation error")

	// ErrNotInitialized is returned by operations invoked before
	// Initialize has completed.
	ErrNotInitialized = errors.New("engine not initialized")

	// ErrAlreadyInitialized is returned by a second Initialize call.
	ErrAlreadyInitialized = errors.New("engine already initialized")

	// ErrEngineClosed is returned once the engine has shut down.
	ErrEngineClosed = errors.New("engine closed")

	// ErrNotFound indicates the requested document does not exist.
	ErrNotFound = errors.New("document not found")
)
