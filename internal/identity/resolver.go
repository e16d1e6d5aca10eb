// Package identity maps bearer tokens to live principals.
package identity

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/ankader/backoffice/internal/rbac"
	"github.com/ankader/backoffice/internal/shared"
	"github.com/ankader/backoffice/internal/token"
)

// Directory is the read side of the user store the resolver depends on.
// FindByID returns shared.ErrNotFound when no user has id. Inactive users
// are returned so the resolver can report why it rejected them.
type Directory interface {
	FindByID(ctx context.Context, id int64) (*rbac.Principal, error)
}

// Resolver decodes tokens and loads the matching principal.
type Resolver struct {
	codec     token.Codec
	directory Directory
	logger    *slog.Logger
}

// NewResolver constructs a Resolver.
func NewResolver(codec token.Codec, directory Directory, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{codec: codec, directory: directory, logger: logger}
}

// Resolve returns the active principal the token belongs to. Every failure
// caused by the token or the account is shared.ErrUnauthorized; directory
// outages are returned as-is.
func (r *Resolver) Resolve(ctx context.Context, raw string) (*rbac.Principal, error) {
	if raw == "" {
		return nil, fmt.Errorf("%w: token missing", shared.ErrUnauthorized)
	}
	claims, ok := r.codec.Decode(raw)
	if !ok {
		return nil, fmt.Errorf("%w: token invalid or expired", shared.ErrUnauthorized)
	}
	principal, err := r.directory.FindByID(ctx, claims.SubjectID)
	if err != nil {
		if errors.Is(err, shared.ErrNotFound) {
			return nil, fmt.Errorf("%w: user not found", shared.ErrUnauthorized)
		}
		return nil, fmt.Errorf("identity: find user %d: %w", claims.SubjectID, err)
	}
	if principal == nil {
		return nil, fmt.Errorf("%w: user not found", shared.ErrUnauthorized)
	}
	if !principal.IsActive {
		return nil, fmt.Errorf("%w: account inactive", shared.ErrUnauthorized)
	}
	return principal, nil
}

// ResolveOptional is Resolve for best-effort endpoints: a missing, invalid or
// expired token, or an unknown or inactive account, yields (nil, nil).
func (r *Resolver) ResolveOptional(ctx context.Context, raw string) (*rbac.Principal, error) {
	if raw == "" {
		return nil, nil
	}
	principal, err := r.Resolve(ctx, raw)
	if err != nil {
		if errors.Is(err, shared.ErrUnauthorized) {
			r.logger.Debug("optional identity skipped", slog.String("reason", err.Error()))
			return nil, nil
		}
		return nil, err
	}
	return principal, nil
}
