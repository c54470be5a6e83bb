package chat

import "errors"

var (
	// ErrNotFound indicates an unknown user, room or message.
	ErrNotFound = errors.New("not found")
	// ErrForbidden indicates the caller is not allowed to perform the operation.
	ErrForbidden = errors.New("forbidden")
	// ErrConflict is reserved for concurrent writers that cannot be reconciled.
	// The like toggle resolves races deterministically and never returns it.
	ErrConflict = errors.New("conflict")
	// ErrInvalid indicates input that failed validation.
	ErrInvalid = errors.New("invalid input")
)
