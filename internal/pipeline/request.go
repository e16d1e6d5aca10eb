// Package pipeline composes the authorization stages that guard every
// protected operation.
package pipeline

import (
	"net"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/ankader/backoffice/internal/rbac"
	"github.com/ankader/backoffice/internal/shared"
)

// HeaderAPIKey carries the service API key.
const HeaderAPIKey = "X-API-Key"

// Request holds the boundary attributes the stages read. Principal is filled
// by the identity stage.
type Request struct {
	BearerToken string
	APIKey      string
	ClientID    string
	Method      string
	Route       string
	UserAgent   string
	Principal   *rbac.Principal
}

// FromHTTP extracts a Request from r. ClientID is the host of RemoteAddr,
// which only a trusted proxy may have rewritten.
func FromHTTP(r *http.Request) *Request {
	return &Request{
		BearerToken: BearerToken(r),
		APIKey:      strings.TrimSpace(r.Header.Get(HeaderAPIKey)),
		ClientID:    ClientID(r),
		Method:      r.Method,
		Route:       routePattern(r),
		UserAgent:   r.UserAgent(),
	}
}

// Meta returns the audit-facing metadata of the request.
func (r *Request) Meta() shared.RequestMeta {
	return shared.RequestMeta{
		ClientID:  r.ClientID,
		UserAgent: r.UserAgent,
		Method:    r.Method,
		Route:     r.Route,
	}
}

// BearerToken returns the token of an "Authorization: Bearer" header, or "".
func BearerToken(r *http.Request) string {
	raw, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	if !ok {
		return ""
	}
	return strings.TrimSpace(raw)
}

// ClientID identifies the caller for rate limiting.
func ClientID(r *http.Request) string {
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}

func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if pattern := rctx.RoutePattern(); pattern != "" {
			return pattern
		}
	}
	return r.URL.Path
}
