package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ankader/backoffice/internal/audit"
	"github.com/ankader/backoffice/internal/platform/httpx"
	"github.com/ankader/backoffice/internal/ratelimit"
	"github.com/ankader/backoffice/internal/rbac"
	"github.com/ankader/backoffice/internal/shared"
)

const tracerName = "github.com/ankader/backoffice/internal/pipeline"

// IdentityMode selects how the identity stage treats the bearer token.
type IdentityMode int

const (
	// IdentityNone skips identity resolution.
	IdentityNone IdentityMode = iota
	// IdentityOptional attaches a principal when a valid token is present.
	IdentityOptional
	// IdentityRequired rejects the request without a valid token.
	IdentityRequired
)

// Policy declares the stages guarding one operation. Role and permission
// checks imply IdentityRequired.
type Policy struct {
	Name        string
	RateLimit   *ratelimit.Rule
	Identity    IdentityMode
	APIKey      bool
	Roles       []rbac.Role
	Permission  *rbac.Grant
	Audit       *audit.Spec
	TargetParam string
}

// Observer receives pipeline events for metrics.
type Observer interface {
	StageDenied(policy, stage string)
	LimiterFailed(rule string)
}

type nopObserver struct{}

func (nopObserver) StageDenied(string, string) {}
func (nopObserver) LimiterFailed(string)       {}

// Config groups the collaborators of a Composer. Only the collaborators a
// policy needs must be set.
type Config struct {
	Limiter   ratelimit.Limiter
	Resolver  Resolver
	Evaluator *rbac.Evaluator
	Auditor   *audit.Interceptor
	Logger    *slog.Logger
	Observer  Observer
	Tracer    trace.Tracer
}

// Composer builds stage chains from policies.
type Composer struct {
	cfg Config
}

// NewComposer constructs a Composer.
func NewComposer(cfg Config) *Composer {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Observer == nil {
		cfg.Observer = nopObserver{}
	}
	if cfg.Tracer == nil {
		cfg.Tracer = otel.Tracer(tracerName)
	}
	return &Composer{cfg: cfg}
}

// Chain is an ordered list of stages for one policy.
type Chain struct {
	policy   Policy
	stages   []Stage
	composer *Composer
}

// Build orders the stages declared by p: rate limit, identity, API key,
// role, permission.
func (c *Composer) Build(p Policy) (*Chain, error) {
	if p.Name == "" {
		return nil, errors.New("pipeline: policy name required")
	}
	if len(p.Roles) > 0 || p.Permission != nil {
		p.Identity = IdentityRequired
	}
	var stages []Stage
	if p.RateLimit != nil {
		if c.cfg.Limiter == nil {
			return nil, fmt.Errorf("pipeline: policy %s: rate limit without limiter", p.Name)
		}
		if p.RateLimit.Max <= 0 || p.RateLimit.Window <= 0 {
			return nil, fmt.Errorf("pipeline: policy %s: invalid rate limit rule", p.Name)
		}
		stages = append(stages, rateLimitStage{limiter: c.cfg.Limiter, rule: *p.RateLimit, logger: c.cfg.Logger, observer: c.cfg.Observer})
	}
	if p.Identity != IdentityNone {
		if c.cfg.Resolver == nil {
			return nil, fmt.Errorf("pipeline: policy %s: identity without resolver", p.Name)
		}
		stages = append(stages, identityStage{resolver: c.cfg.Resolver, mode: p.Identity})
	}
	if (p.APIKey || len(p.Roles) > 0 || p.Permission != nil) && c.cfg.Evaluator == nil {
		return nil, fmt.Errorf("pipeline: policy %s: access checks without evaluator", p.Name)
	}
	if p.APIKey {
		stages = append(stages, apiKeyStage{evaluator: c.cfg.Evaluator})
	}
	if len(p.Roles) > 0 {
		stages = append(stages, roleStage{evaluator: c.cfg.Evaluator, roles: p.Roles})
	}
	if p.Permission != nil {
		stages = append(stages, permissionStage{evaluator: c.cfg.Evaluator, grant: *p.Permission})
	}
	if p.Audit != nil {
		if c.cfg.Auditor == nil {
			return nil, fmt.Errorf("pipeline: policy %s: audit without auditor", p.Name)
		}
		if !p.Audit.Action.Valid() {
			return nil, fmt.Errorf("pipeline: policy %s: unknown audit action %q", p.Name, p.Audit.Action)
		}
	}
	return &Chain{policy: p, stages: stages, composer: c}, nil
}

// MustBuild is Build for route wiring at startup.
func (c *Composer) MustBuild(p Policy) *Chain {
	chain, err := c.Build(p)
	if err != nil {
		panic(err)
	}
	return chain
}

// StageNames lists the stages in execution order.
func (ch *Chain) StageNames() []string {
	names := make([]string, len(ch.stages))
	for i, s := range ch.stages {
		names[i] = s.Name()
	}
	return names
}

// Authorize runs the stages in order and stops at the first failure. On
// success the returned context carries the request metadata and, when
// resolved, the principal.
func (ch *Chain) Authorize(ctx context.Context, req *Request) (context.Context, error) {
	cfg := ch.composer.cfg
	for _, stage := range ch.stages {
		stageCtx, span := cfg.Tracer.Start(ctx, "pipeline."+stage.Name(), trace.WithAttributes(
			attribute.String("pipeline.policy", ch.policy.Name),
		))
		err := stage.Apply(stageCtx, req)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, stage.Name()+" rejected request")
			span.End()
			if isDenial(err) {
				cfg.Observer.StageDenied(ch.policy.Name, stage.Name())
			} else {
				cfg.Logger.ErrorContext(ctx, "pipeline stage failed",
					slog.String("policy", ch.policy.Name), slog.String("stage", stage.Name()),
					slog.String("client", req.ClientID), slog.Any("error", err))
			}
			return ctx, err
		}
		span.SetStatus(codes.Ok, "")
		span.End()
	}
	ctx = shared.ContextWithRequestMeta(ctx, req.Meta())
	if req.Principal != nil {
		ctx = rbac.ContextWithPrincipal(ctx, req.Principal)
	}
	return ctx, nil
}

// Invoke authorizes req and then runs op, audited when the policy says so.
func Invoke[T any](ctx context.Context, ch *Chain, req *Request, op func(context.Context) (T, error)) (T, error) {
	ctx, err := ch.Authorize(ctx, req)
	if err != nil {
		var zero T
		return zero, err
	}
	if ch.policy.Audit == nil {
		return op(ctx)
	}
	return audit.Around(ctx, ch.composer.cfg.Auditor, req.Principal, *ch.policy.Audit, op)
}

// Run is Invoke for operations without a result.
func (ch *Chain) Run(ctx context.Context, req *Request, op func(context.Context) error) error {
	_, err := Invoke(ctx, ch, req, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, op(ctx)
	})
	return err
}

// Middleware adapts the policy to chi. Denials are written as problem
// responses; the audit wrap surrounds the downstream handler and treats a
// status of 400 or above as a failed operation.
func (c *Composer) Middleware(p Policy) func(http.Handler) http.Handler {
	chain := c.MustBuild(p)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			req := FromHTTP(r)
			ctx, err := chain.Authorize(r.Context(), req)
			if err != nil {
				if isDenial(err) {
					c.cfg.Logger.DebugContext(r.Context(), "request denied",
						slog.String("policy", p.Name), slog.String("client", req.ClientID), slog.Any("error", err))
				}
				httpx.RespondError(w, err)
				return
			}
			if p.Audit == nil {
				next.ServeHTTP(w, r.WithContext(ctx))
				return
			}

			spec := *p.Audit
			spec.Details = make(map[string]any, len(p.Audit.Details))
			for k, v := range p.Audit.Details {
				spec.Details[k] = v
			}
			if p.TargetParam != "" {
				if id, err := strconv.ParseInt(chi.URLParam(r, p.TargetParam), 10, 64); err == nil {
					spec.TargetID = &id
				}
			}
			ctx = withAuditDetails(ctx, spec.Details)
			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			_ = c.cfg.Auditor.Wrap(ctx, req.Principal, spec, func(ctx context.Context) error {
				next.ServeHTTP(rec, r.WithContext(ctx))
				if rec.status >= http.StatusBadRequest {
					return fmt.Errorf("handler responded %d", rec.status)
				}
				return nil
			})
		})
	}
}

// isDenial reports whether err is a verdict on the caller rather than a
// failure of a stage's own dependencies.
func isDenial(err error) bool {
	return errors.Is(err, shared.ErrUnauthorized) ||
		errors.Is(err, shared.ErrInvalidCredentials) ||
		errors.Is(err, shared.ErrForbidden) ||
		errors.Is(err, shared.ErrRateLimited)
}

type auditDetailsKey struct{}

func withAuditDetails(ctx context.Context, details map[string]any) context.Context {
	return context.WithValue(ctx, auditDetailsKey{}, details)
}

// AnnotateAudit adds a detail to the audit entry of the current request. It
// is a no-op outside an audited route.
func AnnotateAudit(ctx context.Context, key string, value any) {
	if details, ok := ctx.Value(auditDetailsKey{}).(map[string]any); ok {
		details[key] = value
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (r *statusRecorder) WriteHeader(status int) {
	if !r.wroteHeader {
		r.status = status
		r.wroteHeader = true
	}
	r.ResponseWriter.WriteHeader(status)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	r.wroteHeader = true
	return r.ResponseWriter.Write(b)
}
