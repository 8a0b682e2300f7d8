package idgen

import "github.com/google/uuid"

// NewFunc returns a new globally unique identifier as string. Tests replace it
// to obtain predictable session and job identifiers.
var NewFunc = func() string { return uuid.New().String() }

// New returns NewFunc().
func New() string { return NewFunc() }

// WithPrefix returns prefix + "-" + New(); it keeps job ids distinguishable
// from session ids in logs.
func WithPrefix(prefix string) string {
	if prefix == "" {
		return New()
	}
	return prefix + "-" + New()
}
