package middleware

import (
	"context"

	"github.com/gosuda/rewind/internal/domain"
)

type contextKey string

const ContextKeyViewer contextKey = "viewer"

// WithViewer stores viewer in ctx.
func WithViewer(ctx context.Context, viewer domain.Viewer) context.Context {
	return context.WithValue(ctx, ContextKeyViewer, viewer)
}

// ViewerFromContext returns the request's viewer. Requests without a valid
// token yield an unauthenticated viewer.
func ViewerFromContext(ctx context.Context) domain.Viewer {
	v, _ := ctx.Value(ContextKeyViewer).(domain.Viewer)
	return v
}
