package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/ankader/backoffice/internal/audit"
	"github.com/ankader/backoffice/internal/identity"
	"github.com/ankader/backoffice/internal/ratelimit"
	"github.com/ankader/backoffice/internal/rbac"
	"github.com/ankader/backoffice/internal/shared"
	"github.com/ankader/backoffice/internal/token"
)

type directory struct {
	users map[int64]*rbac.Principal
	err   error
}

func (d *directory) FindByID(_ context.Context, id int64) (*rbac.Principal, error) {
	if d.err != nil {
		return nil, d.err
	}
	if p, ok := d.users[id]; ok {
		return p, nil
	}
	return nil, shared.ErrNotFound
}

type recorder struct {
	mu      sync.Mutex
	entries []audit.Entry
	err     error
}

func (r *recorder) Record(_ context.Context, e audit.Entry) error {
	if r.err != nil {
		return r.err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, e)
	return nil
}

type observer struct {
	mu            sync.Mutex
	denied        []string
	limiterFailed []string
}

func (o *observer) StageDenied(policy, stage string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.denied = append(o.denied, policy+"/"+stage)
}

func (o *observer) LimiterFailed(rule string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.limiterFailed = append(o.limiterFailed, rule)
}

type brokenLimiter struct{}

func (brokenLimiter) Allow(context.Context, string, int, time.Duration) (bool, error) {
	return false, errors.New("redis: connection refused")
}

type fixture struct {
	composer *Composer
	codec    token.Codec
	dir      *directory
	rec      *recorder
	obs      *observer
}

func newFixture(t *testing.T, limiter ratelimit.Limiter, opts ...func(*Config)) *fixture {
	t.Helper()
	codec := token.NewPlainCodec()
	dir := &directory{users: map[int64]*rbac.Principal{
		1: {ID: 1, Role: rbac.RoleSuperUser, IsActive: true},
		2: {ID: 2, Role: rbac.RoleAdmin, IsActive: true, Permissions: rbac.DefaultPermissions()},
		3: {ID: 3, Role: rbac.RoleModerator, IsActive: true, Permissions: rbac.Permissions{
			shared.ResourceMembers: {shared.ActionRead: true},
		}},
	}}
	if limiter == nil {
		limiter = ratelimit.NewMemoryLimiter(ratelimit.MemoryConfig{})
	}
	rec := &recorder{}
	obs := &observer{}
	cfg := Config{
		Limiter:   limiter,
		Resolver:  identity.NewResolver(codec, dir, nil),
		Evaluator: rbac.NewEvaluator([]string{"service-key"}),
		Auditor:   audit.NewInterceptor(rec, nil),
		Observer:  obs,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	composer := NewComposer(cfg)
	return &fixture{composer: composer, codec: codec, dir: dir, rec: rec, obs: obs}
}

func (f *fixture) bearer(t *testing.T, id int64) string {
	t.Helper()
	tok, err := f.codec.Issue(id)
	require.NoError(t, err)
	return "Bearer " + tok
}

func (f *fixture) router(p Policy, handler http.HandlerFunc) http.Handler {
	r := chi.NewRouter()
	r.With(f.composer.Middleware(p)).Post("/items/{itemID}", handler)
	return r
}

func do(h http.Handler, auth string, headers ...string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/items/42", nil)
	req.RemoteAddr = "192.0.2.10:51000"
	req.Header.Set("User-Agent", "pipeline-test")
	if auth != "" {
		req.Header.Set("Authorization", auth)
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func okHandler(calls *int) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		*calls++
		w.WriteHeader(http.StatusNoContent)
	}
}

func TestBuildOrdersStages(t *testing.T) {
	f := newFixture(t, nil)
	chain, err := f.composer.Build(Policy{
		Name:       "everything",
		Permission: &rbac.Grant{Resource: shared.ResourceMembers, Action: shared.ActionWrite},
		Roles:      []rbac.Role{rbac.RoleAdmin},
		APIKey:     true,
		RateLimit:  &ratelimit.Rule{Name: "everything", Max: 1, Window: time.Minute},
		Audit:      &audit.Spec{Action: audit.ActionMemberUpdate},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{StageRateLimit, StageIdentity, StageAPIKey, StageRole, StagePermission}, chain.StageNames())
}

func TestBuildRejectsIncompletePolicies(t *testing.T) {
	bare := NewComposer(Config{})
	cases := map[string]Policy{
		"unnamed":      {},
		"no limiter":   {Name: "x", RateLimit: &ratelimit.Rule{Name: "x", Max: 1, Window: time.Second}},
		"no resolver":  {Name: "x", Identity: IdentityRequired},
		"no evaluator": {Name: "x", APIKey: true},
		"no auditor":   {Name: "x", Audit: &audit.Spec{Action: audit.ActionLogin}},
	}
	for name, p := range cases {
		_, err := bare.Build(p)
		assert.Error(t, err, name)
	}

	f := newFixture(t, nil)
	_, err := f.composer.Build(Policy{Name: "x", RateLimit: &ratelimit.Rule{Name: "x"}})
	assert.Error(t, err)
	_, err = f.composer.Build(Policy{Name: "x", Audit: &audit.Spec{Action: "bogus"}})
	assert.Error(t, err)
}

func TestRateLimitRunsBeforeIdentity(t *testing.T) {
	f := newFixture(t, nil)
	calls := 0
	h := f.router(Policy{
		Name:      "login",
		RateLimit: &ratelimit.Rule{Name: "login", Max: 1, Window: time.Minute},
		Identity:  IdentityRequired,
	}, okHandler(&calls))

	assert.Equal(t, http.StatusUnauthorized, do(h, "").Code)
	rr := do(h, f.bearer(t, 1))
	assert.Equal(t, http.StatusTooManyRequests, rr.Code)
	assert.NotEmpty(t, rr.Header().Get("Retry-After"))
	assert.Zero(t, calls)
	assert.Equal(t, []string{"login/identity", "login/ratelimit"}, f.obs.denied)
}

func TestLimiterFailureFailsOpen(t *testing.T) {
	f := newFixture(t, brokenLimiter{})
	calls := 0
	h := f.router(Policy{
		Name:      "logs",
		RateLimit: &ratelimit.Rule{Name: "logs", Max: 1, Window: time.Minute},
	}, okHandler(&calls))

	assert.Equal(t, http.StatusNoContent, do(h, "").Code)
	assert.Equal(t, http.StatusNoContent, do(h, "").Code)
	assert.Equal(t, 2, calls)
	assert.Equal(t, []string{"logs", "logs"}, f.obs.limiterFailed)
}

func TestRoleAndPermissionChecks(t *testing.T) {
	f := newFixture(t, nil)
	calls := 0
	adminOnly := f.router(Policy{Name: "admin", Roles: []rbac.Role{rbac.RoleSuperUser, rbac.RoleAdmin}}, okHandler(&calls))
	deleteMembers := f.router(Policy{
		Name:       "members.delete",
		Permission: &rbac.Grant{Resource: shared.ResourceMembers, Action: shared.ActionDelete},
	}, okHandler(&calls))
	budgetRead := f.router(Policy{
		Name:       "budget.read",
		Permission: &rbac.Grant{Resource: shared.ResourceBudget, Action: shared.ActionRead},
	}, okHandler(&calls))

	assert.Equal(t, http.StatusNoContent, do(adminOnly, f.bearer(t, 2)).Code)
	assert.Equal(t, http.StatusForbidden, do(adminOnly, f.bearer(t, 3)).Code)
	assert.Equal(t, http.StatusUnauthorized, do(adminOnly, "").Code, "role implies identity")

	assert.Equal(t, http.StatusNoContent, do(deleteMembers, f.bearer(t, 1)).Code, "superuser bypass")
	assert.Equal(t, http.StatusForbidden, do(deleteMembers, f.bearer(t, 2)).Code)
	assert.Equal(t, http.StatusForbidden, do(budgetRead, f.bearer(t, 3)).Code, "missing resource denies")

	assert.Equal(t, 2, calls)
}

func TestAPIKeyStage(t *testing.T) {
	f := newFixture(t, nil)
	calls := 0
	h := f.router(Policy{Name: "system", APIKey: true, Roles: []rbac.Role{rbac.RoleSuperUser, rbac.RoleAdmin}}, okHandler(&calls))

	assert.Equal(t, http.StatusUnauthorized, do(h, f.bearer(t, 2)).Code)
	assert.Equal(t, http.StatusUnauthorized, do(h, f.bearer(t, 2), HeaderAPIKey, "wrong").Code)
	assert.Equal(t, http.StatusForbidden, do(h, f.bearer(t, 3), HeaderAPIKey, "service-key").Code)
	assert.Equal(t, http.StatusNoContent, do(h, f.bearer(t, 2), HeaderAPIKey, "service-key").Code)
	assert.Equal(t, 1, calls)
}

func TestOptionalIdentity(t *testing.T) {
	f := newFixture(t, nil)
	var seen []*rbac.Principal
	h := f.router(Policy{Name: "verify", Identity: IdentityOptional}, func(w http.ResponseWriter, r *http.Request) {
		seen = append(seen, rbac.PrincipalFromContext(r.Context()))
		w.WriteHeader(http.StatusOK)
	})

	assert.Equal(t, http.StatusOK, do(h, "").Code)
	assert.Equal(t, http.StatusOK, do(h, "Bearer not-a-token").Code)
	assert.Equal(t, http.StatusOK, do(h, f.bearer(t, 2)).Code)
	require.Len(t, seen, 3)
	assert.Nil(t, seen[0])
	assert.Nil(t, seen[1])
	require.NotNil(t, seen[2])
	assert.Equal(t, int64(2), seen[2].ID)
}

func TestDirectoryOutageIsInternalError(t *testing.T) {
	var logs bytes.Buffer
	f := newFixture(t, nil, func(cfg *Config) {
		cfg.Logger = slog.New(slog.NewJSONHandler(&logs, &slog.HandlerOptions{Level: slog.LevelInfo}))
	})
	f.dir.err = errors.New("pg: connection refused")
	calls := 0
	h := f.router(Policy{Name: "me", Identity: IdentityRequired}, okHandler(&calls))

	assert.Equal(t, http.StatusInternalServerError, do(h, f.bearer(t, 1)).Code)
	assert.Zero(t, calls)
	assert.Empty(t, f.obs.denied, "outages are not denials")

	var line map[string]any
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(logs.Bytes()), &line))
	assert.Equal(t, "ERROR", line["level"])
	assert.Equal(t, "pipeline stage failed", line["msg"])
	assert.Equal(t, "me", line["policy"])
	assert.Equal(t, StageIdentity, line["stage"])
	assert.Contains(t, line["error"], "pg: connection refused")
}

func TestDenialsStayQuietAtInfo(t *testing.T) {
	var logs bytes.Buffer
	f := newFixture(t, nil, func(cfg *Config) {
		cfg.Logger = slog.New(slog.NewJSONHandler(&logs, &slog.HandlerOptions{Level: slog.LevelInfo}))
	})
	h := f.router(Policy{Name: "admin", Roles: []rbac.Role{rbac.RoleAdmin}}, okHandler(new(int)))

	assert.Equal(t, http.StatusUnauthorized, do(h, "").Code)
	assert.Equal(t, http.StatusForbidden, do(h, f.bearer(t, 3)).Code)
	assert.Empty(t, logs.String())
	assert.Equal(t, []string{"admin/identity", "admin/role"}, f.obs.denied)
}

func TestStagesAreTraced(t *testing.T) {
	spans := tracetest.NewSpanRecorder()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(spans))
	t.Cleanup(func() { _ = provider.Shutdown(context.Background()) })
	f := newFixture(t, nil, func(cfg *Config) {
		cfg.Tracer = provider.Tracer("pipeline-test")
	})
	h := f.router(Policy{
		Name:      "admin",
		RateLimit: &ratelimit.Rule{Name: "admin", Max: 10, Window: time.Minute},
		Roles:     []rbac.Role{rbac.RoleAdmin},
	}, okHandler(new(int)))

	assert.Equal(t, http.StatusForbidden, do(h, f.bearer(t, 3)).Code)

	ended := spans.Ended()
	require.Len(t, ended, 3)
	names := make([]string, len(ended))
	for i, s := range ended {
		names[i] = s.Name()
		assert.Contains(t, s.Attributes(), attribute.String("pipeline.policy", "admin"))
	}
	assert.Equal(t, []string{"pipeline.ratelimit", "pipeline.identity", "pipeline.role"}, names)
	assert.Equal(t, codes.Ok, ended[0].Status().Code)
	assert.Equal(t, codes.Ok, ended[1].Status().Code)
	assert.Equal(t, codes.Error, ended[2].Status().Code)
	require.Len(t, ended[2].Events(), 1)
	assert.Equal(t, "exception", ended[2].Events()[0].Name)
}

func TestAuditWrapsHandler(t *testing.T) {
	f := newFixture(t, nil)
	h := f.router(Policy{
		Name:        "members.update",
		Permission:  &rbac.Grant{Resource: shared.ResourceMembers, Action: shared.ActionWrite},
		Audit:       &audit.Spec{Action: audit.ActionMemberUpdate, TargetType: audit.TargetMember},
		TargetParam: "itemID",
	}, func(w http.ResponseWriter, r *http.Request) {
		AnnotateAudit(r.Context(), "fields", 3)
		w.WriteHeader(http.StatusOK)
	})

	assert.Equal(t, http.StatusOK, do(h, f.bearer(t, 2)).Code)
	assert.Equal(t, http.StatusForbidden, do(h, f.bearer(t, 3)).Code)

	require.Len(t, f.rec.entries, 1, "denied requests are not audited")
	e := f.rec.entries[0]
	assert.Equal(t, int64(2), e.ActorID)
	require.NotNil(t, e.TargetID)
	assert.Equal(t, int64(42), *e.TargetID)
	assert.Equal(t, 3, e.Details["fields"])
	assert.Equal(t, "192.0.2.10", e.Details["ip"])
	assert.Equal(t, "/items/{itemID}", e.Details["endpoint"])
	assert.Equal(t, "pipeline-test", e.Details["user_agent"])
	assert.Equal(t, audit.OutcomeSuccess, e.Details["outcome"])
}

func TestAuditRecordsHandlerFailureAndSurvivesStoreOutage(t *testing.T) {
	f := newFixture(t, nil)
	h := f.router(Policy{
		Name:     "logout",
		Identity: IdentityRequired,
		Audit:    &audit.Spec{Action: audit.ActionLogout},
	}, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
	})

	assert.Equal(t, http.StatusConflict, do(h, f.bearer(t, 1)).Code)
	require.Len(t, f.rec.entries, 1)
	assert.Equal(t, audit.OutcomeFailure, f.rec.entries[0].Details["outcome"])

	f.rec.err = errors.New("disk full")
	assert.Equal(t, http.StatusConflict, do(h, f.bearer(t, 1)).Code)
}

func TestInvokeShortCircuits(t *testing.T) {
	f := newFixture(t, nil)
	chain := f.composer.MustBuild(Policy{
		Name:     "profile",
		Identity: IdentityRequired,
		Audit:    &audit.Spec{Action: audit.ActionProfileUpdate},
	})

	ran := false
	_, err := Invoke(context.Background(), chain, &Request{ClientID: "x"}, func(context.Context) (int, error) {
		ran = true
		return 1, nil
	})
	assert.ErrorIs(t, err, shared.ErrUnauthorized)
	assert.False(t, ran)
	assert.Empty(t, f.rec.entries)

	tok, _ := f.codec.Issue(3)
	got, err := Invoke(context.Background(), chain, &Request{BearerToken: tok, ClientID: "x"}, func(ctx context.Context) (int64, error) {
		return rbac.PrincipalFromContext(ctx).GetID(), nil
	})
	require.NoError(t, err)
	assert.Equal(t, int64(3), got)
	assert.Len(t, f.rec.entries, 1)
}

func TestFromHTTP(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/api/auth/me", nil)
	req.RemoteAddr = "[2001:db8::1]:443"
	req.Header.Set("Authorization", "Bearer abc ")
	req.Header.Set(HeaderAPIKey, " k ")

	r := FromHTTP(req)
	assert.Equal(t, "abc", r.BearerToken)
	assert.Equal(t, "k", r.APIKey)
	assert.Equal(t, "2001:db8::1", r.ClientID)
	assert.Equal(t, "/api/auth/me", r.Route)

	req.Header.Set("Authorization", "Basic Zm9vOmJhcg==")
	assert.Empty(t, BearerToken(req))
}
