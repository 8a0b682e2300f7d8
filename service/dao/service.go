package dao

import (
	"context"
)

// Service is a generic persistence contract for entities of type T keyed by K.
// Implementations store copies; callers never share state with a backend.
type Service[K comparable, T any] interface {
	Save(ctx context.Context, t *T) error

	Load(ctx context.Context, id K) (*T, error)

	Delete(ctx context.Context, id K) error

	List(ctx context.Context, parameters ...*Parameter) ([]*T, error)
}

// Sequencer is implemented by backends able to hand out versions atomically
// across processes for a (workflowID, stepID) pair.
type Sequencer interface {
	NextVersion(ctx context.Context, workflowID, stepID string) (int, error)
}
