package gitlab

import "errors"

// Sentinel errors for forge operations.
var (
	// ErrRemote marks any failed exchange with the forge: transport
	// failures, non-2xx responses, GraphQL error payloads, and calls
	// rejected by the open circuit breaker.
	ErrRemote = errors.New("forge remote error")

	// ErrGroupNotFound reports an incremental scan against a group path
	// the forge does not know. Always wrapped in ErrRemote.
	ErrGroupNotFound = errors.New("group not found")
)
