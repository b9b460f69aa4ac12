package models

import "errors"

// Errors shared by the server, the stores and the HTTP client.
var (
	ErrUnauthorized   = errors.New("unauthorized")
	ErrNotFound       = errors.New("not found")
	ErrInvalidRequest = errors.New("invalid request")
	ErrRateLimited    = errors.New("rate limited")
	// ErrCursorExpired means signals after the requested cursor were
	// already compacted away.
	ErrCursorExpired = errors.New("cursor expired")
)
