package store

import "errors"

var (
	// ErrInvalidInput is returned before any record is written
	ErrInvalidInput = errors.New("invalid session input")
	// ErrTerminal is returned when updating a completed or failed session
	ErrTerminal = errors.New("session is terminal")
	// ErrInvalidTransition is returned for transitions the state machine forbids
	ErrInvalidTransition = errors.New("invalid session transition")
)
