package scan

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrInvalidRequest is wrapped by every error caused by bad caller input.
	ErrInvalidRequest = errors.New("invalid request")

	ErrMissingImage  = fmt.Errorf("%w: image is required", ErrInvalidRequest)
	ErrMissingOwner  = fmt.Errorf("%w: owner is required", ErrInvalidRequest)
	ErrNotRetryable  = fmt.Errorf("%w: only failed or pending scans can be retried", ErrInvalidRequest)
	ErrHintsRequired = fmt.Errorf("%w: manual enhancement needs at least one hint", ErrInvalidRequest)
	ErrInvalidMode   = fmt.Errorf("%w: unknown enhancement mode", ErrInvalidRequest)

	// ErrScanNotFound indicates no scan exists with the given id.
	ErrScanNotFound = errors.New("scan not found")
	// ErrForbidden indicates the scan belongs to another owner.
	ErrForbidden = errors.New("scan belongs to another owner")
	// ErrScanBusy indicates another operation on the same scan is running.
	ErrScanBusy = errors.New("scan is already being processed")
	// ErrEnhanceFailed wraps the cause of a failed enhancement run.
	ErrEnhanceFailed = errors.New("enhancement failed")
)

// MapHTTPStatus maps scan errors to HTTP status codes.
func MapHTTPStatus(err error) int {
	switch {
	case errors.Is(err, ErrInvalidRequest):
		return http.StatusBadRequest
	case errors.Is(err, ErrScanNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, ErrScanBusy):
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}
