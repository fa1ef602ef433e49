package domain

import "errors"

var (
	// ErrValidation covers missing or malformed submission parameters.
	ErrValidation = errors.New("invalid request")
	// ErrConflict means an active job already holds the resource key.
	ErrConflict = errors.New("resource already in use by an active job")
	// ErrNotFound means the referenced job, queue item or history row does not exist.
	ErrNotFound = errors.New("not found")
	// ErrPermission means the actor does not own the referenced resource.
	ErrPermission = errors.New("permission denied")
	// ErrInsufficientCredits means the user balance cannot cover the reservation.
	ErrInsufficientCredits = errors.New("insufficient credits")
)
