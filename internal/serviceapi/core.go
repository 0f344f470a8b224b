package serviceapi

import (
	"context"

	"mirrorball/internal/model"
)

// Engine is what the issue desk needs from the mirroring engine. The engine
// owns every issue; the desk only reads the full set and forwards choices.
type Engine interface {
	ListIssues(ctx context.Context) ([]model.Issue, error)
	Resolve(ctx context.Context, request model.ResolveRequest) error
	Diff(ctx context.Context) error
}

const (
	IssuesPath  = "/api/mirror/issues"
	ResolvePath = "/api/mirror/resolve"
	DiffPath    = "/api/mirror/diff"
)

const RequestIDHeader = "X-Request-Id"

type requestIDKey struct{}

// WithRequestID attaches an id that RemoteEngine sends as X-Request-Id.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, id)
}

func RequestIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}
