package pipeline

import (
	"context"
	"log/slog"

	"github.com/ankader/backoffice/internal/ratelimit"
	"github.com/ankader/backoffice/internal/rbac"
	"github.com/ankader/backoffice/internal/shared"
)

// Stage is one step of the chain. A non-nil error stops the chain.
type Stage interface {
	Name() string
	Apply(ctx context.Context, req *Request) error
}

// Stage names, also used as metric labels.
const (
	StageRateLimit  = "ratelimit"
	StageIdentity   = "identity"
	StageAPIKey     = "apikey"
	StageRole       = "role"
	StagePermission = "permission"
)

// Resolver turns a bearer token into a principal.
type Resolver interface {
	Resolve(ctx context.Context, token string) (*rbac.Principal, error)
	ResolveOptional(ctx context.Context, token string) (*rbac.Principal, error)
}

type rateLimitStage struct {
	limiter  ratelimit.Limiter
	rule     ratelimit.Rule
	logger   *slog.Logger
	observer Observer
}

func (s rateLimitStage) Name() string { return StageRateLimit }

func (s rateLimitStage) Apply(ctx context.Context, req *Request) error {
	ok, err := s.rule.Check(ctx, s.limiter, req.ClientID)
	if err != nil {
		s.logger.WarnContext(ctx, "rate limiter unavailable, admitting request",
			slog.String("rule", s.rule.Name), slog.String("client", req.ClientID), slog.Any("error", err))
		s.observer.LimiterFailed(s.rule.Name)
		return nil
	}
	if !ok {
		return &shared.RateLimitError{Rule: s.rule.Name, Max: s.rule.Max, Window: s.rule.Window}
	}
	return nil
}

type identityStage struct {
	resolver Resolver
	mode     IdentityMode
}

func (s identityStage) Name() string { return StageIdentity }

func (s identityStage) Apply(ctx context.Context, req *Request) error {
	var (
		p   *rbac.Principal
		err error
	)
	if s.mode == IdentityOptional {
		p, err = s.resolver.ResolveOptional(ctx, req.BearerToken)
	} else {
		p, err = s.resolver.Resolve(ctx, req.BearerToken)
	}
	if err != nil {
		return err
	}
	req.Principal = p
	return nil
}

type apiKeyStage struct {
	evaluator *rbac.Evaluator
}

func (s apiKeyStage) Name() string { return StageAPIKey }

func (s apiKeyStage) Apply(_ context.Context, req *Request) error {
	return s.evaluator.RequireAPIKey(req.APIKey)
}

type roleStage struct {
	evaluator *rbac.Evaluator
	roles     []rbac.Role
}

func (s roleStage) Name() string { return StageRole }

func (s roleStage) Apply(_ context.Context, req *Request) error {
	return s.evaluator.RequireRole(req.Principal, s.roles...)
}

type permissionStage struct {
	evaluator *rbac.Evaluator
	grant     rbac.Grant
}

func (s permissionStage) Name() string { return StagePermission }

func (s permissionStage) Apply(_ context.Context, req *Request) error {
	return s.evaluator.RequirePermission(req.Principal, s.grant.Resource, s.grant.Action)
}
