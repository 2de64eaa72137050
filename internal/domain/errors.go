package domain

import "errors"

// Sentinel errors for domain operations
var (
	// ErrNotFound indicates the requested entry, document or position does not exist
	ErrNotFound = errors.New("not found")

	// ErrQuotaExceeded indicates a cache write would exceed the storage quota
	ErrQuotaExceeded = errors.New("storage quota exceeded")

	// ErrStoreUnavailable indicates the local database cannot be used
	ErrStoreUnavailable = errors.New("local storage is unavailable")

	// ErrServerOffline indicates the API server is unreachable
	ErrServerOffline = errors.New("server is unreachable")

	// ErrAuthFailed indicates authentication failed
	ErrAuthFailed = errors.New("authentication token is invalid")

	// ErrDocumentUnavailable indicates the document binary could not be obtained
	// from either the cache or the network
	ErrDocumentUnavailable = errors.New("document is unavailable")

	// ErrInvalidToken indicates a native token does not resolve against the
	// loaded document
	ErrInvalidToken = errors.New("position token does not resolve")

	// ErrSessionClosed indicates an operation on a closed reader session
	ErrSessionClosed = errors.New("reader session is closed")
)
