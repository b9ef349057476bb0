package objstore

import "errors"

// Object store error types.
var (
	ErrNotFound      = errors.New("object not found")
	ErrExists        = errors.New("object already exists")
	ErrTimedOut      = errors.New("operation timed out")
	ErrConnection    = errors.New("connection lost")
	ErrCanceled      = errors.New("assertion failed")
	ErrInvalidName   = errors.New("invalid object name")
	ErrReleased      = errors.New("completion already released")
	ErrConfigInvalid = errors.New("configuration invalid")
)

// IsTransient reports whether err is a timeout or connectivity failure that
// may succeed when retried.
func IsTransient(err error) bool {
	return errors.Is(err, ErrTimedOut) || errors.Is(err, ErrConnection)
}
