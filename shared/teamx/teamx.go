package teamx

import "context"

type contextKey struct{}

type TeamContext struct {
	ID   string
	Slug string
}

func WithTeam(ctx context.Context, team TeamContext) context.Context {
	return context.WithValue(ctx, contextKey{}, team)
}

func FromContext(ctx context.Context) (TeamContext, bool) {
	if v := ctx.Value(contextKey{}); v != nil {
		if t, ok := v.(TeamContext); ok {
			return t, true
		}
	}
	return TeamContext{}, false
}

func TeamIDFromContext(ctx context.Context) string {
	if t, ok := FromContext(ctx); ok {
		return t.ID
	}
	return ""
}
