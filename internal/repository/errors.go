package repository

import "errors"

var (
	// ErrNotFound is returned when a conversation or message does not exist.
	ErrNotFound = errors.New("repository: not found")
	// ErrConflict is returned when another active conversation already
	// claims the phone number, or a conditional update lost a race it
	// could not recover from.
	ErrConflict = errors.New("repository: conflict")
	// ErrDuplicate is returned when a message with the same external id
	// was already stored.
	ErrDuplicate = errors.New("repository: duplicate external id")
)
