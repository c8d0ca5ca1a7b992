package repository

import "errors"

var (
	// ErrNotFound indicates a requested record does not exist.
	ErrNotFound = errors.New("repository: not found")
	// ErrInvalidArgument indicates the record violates a constraint.
	ErrInvalidArgument = errors.New("repository: invalid argument")
)
