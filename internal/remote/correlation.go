package remote

import (
	"context"

	"github.com/google/uuid"
)

type correlationKey struct{}

// WithCorrelation returns a context carrying the correlation id for one
// logical group of remote calls.
func WithCorrelation(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, correlationKey{}, id)
}

// CorrelationFrom returns the correlation id from ctx, or "" if none is set.
func CorrelationFrom(ctx context.Context) string {
	if id, ok := ctx.Value(correlationKey{}).(string); ok {
		return id
	}
	return ""
}

// NewCorrelation generates a fresh correlation id.
func NewCorrelation() string { return uuid.New().String() }
