package attr

import "errors"

// Attribute error types.
var (
	ErrMalformed  = errors.New("malformed attribute")
	ErrUnknownKey = errors.New("unknown attribute key")
	ErrInvalidKey = errors.New("attribute key must be printable ASCII")
	ErrOutOfRange = errors.New("attribute value out of range")
)
