package record

import "errors"

// Record error types.
var (
	ErrPending     = errors.New("record has pending writes")
	ErrImmutable   = errors.New("attribute is immutable")
	ErrWriteFailed = errors.New("record write failed")
)
