package blobstore

import (
	"errors"
	"net/http"
)

var (
	// ErrNotFound indicates the referenced blob does not exist.
	ErrNotFound = errors.New("blob not found")
	// ErrEmptyRef indicates an empty reference was provided.
	ErrEmptyRef = errors.New("blob reference must not be empty")
	// ErrInvalidRef indicates a reference of another store or with a path traversal segment.
	ErrInvalidRef = errors.New("blob reference is invalid")
	// ErrEmptyData indicates an attempt to store zero bytes.
	ErrEmptyData = errors.New("blob data must not be empty")
	// ErrInvalidDataURI indicates a malformed data: URI or base64 payload.
	ErrInvalidDataURI = errors.New("invalid data URI")
)

// MapHTTPStatus maps blob store errors to HTTP status codes.
func MapHTTPStatus(err error) int {
	switch {
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrEmptyRef), errors.Is(err, ErrInvalidRef), errors.Is(err, ErrEmptyData), errors.Is(err, ErrInvalidDataURI):
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}
