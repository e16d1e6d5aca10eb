package app

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ankader/backoffice/internal/admin"
	audithttp "github.com/ankader/backoffice/internal/audit/http"
	"github.com/ankader/backoffice/internal/auth"
	"github.com/ankader/backoffice/internal/observability"
	"github.com/ankader/backoffice/internal/pipeline"
	"github.com/ankader/backoffice/internal/platform/httpx"
	"github.com/ankader/backoffice/internal/rbac"
	"github.com/ankader/backoffice/jobs"
)

// HealthCheck probes one backing service for /readyz.
type HealthCheck func(ctx context.Context) error

// RouterParams groups dependencies for building the HTTP router.
type RouterParams struct {
	Logger       *slog.Logger
	Config       *Config
	Composer     *pipeline.Composer
	AuthHandler  *auth.Handler
	AuditHandler *audithttp.Handler
	AdminHandler *admin.Handler
	JobHandler   *jobs.Handler
	Metrics      *observability.Metrics
	Checks       map[string]HealthCheck
}

// NewRouter constructs the chi.Router with back-office defaults.
func NewRouter(params RouterParams) http.Handler {
	r := chi.NewRouter()

	for _, mw := range MiddlewareStack(MiddlewareConfig{
		Logger:  params.Logger,
		Config:  params.Config,
		Metrics: params.Metrics,
	}) {
		r.Use(mw)
	}

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		httpx.JSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Get("/readyz", readinessHandler(params.Logger, params.Checks))
	if params.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", params.Metrics.Handler())
	}

	r.Route("/api", func(r chi.Router) {
		if params.AuthHandler != nil {
			r.Route("/auth", params.AuthHandler.MountRoutes)
		}
		r.Route("/admin", func(r chi.Router) {
			if params.AdminHandler != nil {
				params.AdminHandler.MountRoutes(r)
			}
			if params.AuditHandler != nil {
				r.Route("/activity-logs", params.AuditHandler.MountRoutes)
			}
			if params.JobHandler != nil && params.Composer != nil {
				r.Route("/jobs", func(r chi.Router) {
					r.Use(params.Composer.Middleware(pipeline.Policy{
						Name:  "admin.jobs",
						Roles: []rbac.Role{rbac.RoleSuperUser, rbac.RoleAdmin},
					}))
					params.JobHandler.MountRoutes(r)
				})
			}
		})
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		httpx.Problem(w, http.StatusNotFound, "Not Found", "endpoint not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		httpx.Problem(w, http.StatusMethodNotAllowed, "Method Not Allowed", "")
	})

	return r
}

func readinessHandler(logger *slog.Logger, checks map[string]HealthCheck) http.HandlerFunc {
	if logger == nil {
		logger = slog.Default()
	}
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		status := http.StatusOK
		results := make(map[string]string, len(checks))
		for name, check := range checks {
			if err := check(ctx); err != nil {
				logger.WarnContext(ctx, "readiness check failed", slog.String("check", name), slog.Any("error", err))
				results[name] = "unavailable"
				status = http.StatusServiceUnavailable
				continue
			}
			results[name] = "ok"
		}
		httpx.JSON(w, status, map[string]any{"ready": status == http.StatusOK, "checks": results})
	}
}
