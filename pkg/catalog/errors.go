package catalog

import "errors"

var (
	// ErrUnavailable wraps transport failures and unexpected responses.
	ErrUnavailable = errors.New("card catalog unavailable")
	// ErrEmptyName is returned for a blank lookup.
	ErrEmptyName = errors.New("lookup name must not be empty")
)
