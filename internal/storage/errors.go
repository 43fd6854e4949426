package storage

import "errors"

var (
	// ErrAlreadyExists is returned when a user with the same email is already
	// registered.
	ErrAlreadyExists = errors.New("already exists")

	ErrMissingEmail    = errors.New("missing email")
	ErrMissingPassword = errors.New("missing password")
	ErrMissingName     = errors.New("missing name")
	ErrMissingType     = errors.New("missing type")
	ErrMissingData     = errors.New("missing data")

	// ErrParentNotFound reports a parent reference that does not resolve to a
	// node owned by the caller.
	ErrParentNotFound = errors.New("parent not found")
	// ErrParentNotFolder reports a parent reference that resolves to a file or
	// image.
	ErrParentNotFolder = errors.New("parent is not a folder")

	ErrInvalidCredentials = errors.New("invalid credentials")

	// ErrRepositoryUnavailable is returned by backends whose connection has
	// been closed or was never established.
	ErrRepositoryUnavailable = errors.New("repository unavailable")
)
