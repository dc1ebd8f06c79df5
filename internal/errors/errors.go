package errors

import "errors"

// Connection errors.
var (
	ErrNotConnected     = errors.New("not connected")
	ErrNoIdentity       = errors.New("no identity configured")
	ErrHandshakeTimeout = errors.New("timed out waiting for connection_established")
	ErrInvalidFrame     = errors.New("invalid frame")
)

// Store and auth errors.
var (
	ErrPostNotFound = errors.New("post not found")
	ErrUnauthorized = errors.New("unauthorized")
)

// Write collaborator errors.
var (
	ErrAPIRequest  = errors.New("API request failed")
	ErrAPIResponse = errors.New("unexpected API response")
)
