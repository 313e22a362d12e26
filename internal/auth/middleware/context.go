package auth

import "context"

type ctxKey struct{}

var ctxKeySub = ctxKey{}

// WithSubject stores the authenticated user ID in the context.
func WithSubject(ctx context.Context, sub string) context.Context {
	return context.WithValue(ctx, ctxKeySub, sub)
}

// SubjectFromContext returns the authenticated user ID, or "".
func SubjectFromContext(ctx context.Context) string {
	if s, ok := ctx.Value(ctxKeySub).(string); ok {
		return s
	}
	return ""
}
