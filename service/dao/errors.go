package dao

import "errors"

// Sentinel errors shared by every session backend; match with errors.Is.
var (
	// ErrNotFound is returned when no session is stored under the id
	ErrNotFound = errors.New("dao: not found")

	// ErrInvalidID is returned for an empty session id
	ErrInvalidID = errors.New("dao: invalid id")

	// ErrNilEntity is returned when saving a nil session
	ErrNilEntity = errors.New("dao: nil entity")
)
