package storage

import "errors"

var (
	// ErrNotFound is returned when a transaction or message does not exist
	// or belongs to a different client. The two cases are deliberately
	// indistinguishable to prevent tenant enumeration.
	ErrNotFound = errors.New("not found")

	// ErrInvalidInput is returned when a required argument is missing,
	// e.g. an empty client or an empty message batch.
	ErrInvalidInput = errors.New("invalid input")
)
