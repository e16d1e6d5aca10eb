package shared

import "context"

// RequestMeta carries the boundary attributes of one inbound request.
type RequestMeta struct {
	ClientID  string
	UserAgent string
	Method    string
	Route     string
}

// AuditDetails returns the metadata in the shape stored on audit entries.
func (m RequestMeta) AuditDetails() map[string]any {
	return map[string]any{
		"ip":         m.ClientID,
		"user_agent": m.UserAgent,
		"method":     m.Method,
		"endpoint":   m.Route,
	}
}

type requestMetaContextKey struct{}

// ContextWithRequestMeta stores request metadata in context.
func ContextWithRequestMeta(ctx context.Context, meta RequestMeta) context.Context {
	return context.WithValue(ctx, requestMetaContextKey{}, meta)
}

// RequestMetaFromContext extracts request metadata from context.
func RequestMetaFromContext(ctx context.Context) (RequestMeta, bool) {
	meta, ok := ctx.Value(requestMetaContextKey{}).(RequestMeta)
	return meta, ok
}
