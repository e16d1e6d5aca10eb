package audithttp

import (
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ankader/backoffice/internal/audit"
	"github.com/ankader/backoffice/internal/pipeline"
	"github.com/ankader/backoffice/internal/ratelimit"
	"github.com/ankader/backoffice/internal/rbac"
)

// ExportRule limits CSV exports per client address.
var ExportRule = ratelimit.Rule{Name: "audit.export", Max: 10, Window: time.Minute}

// MountRoutes registers the activity log endpoints on r.
func (h *Handler) MountRoutes(r chi.Router) {
	if h == nil {
		return
	}
	admins := []rbac.Role{rbac.RoleSuperUser, rbac.RoleAdmin}
	exportRule := ExportRule

	r.With(h.composer.Middleware(pipeline.Policy{Name: "audit.list", Roles: admins})).
		Get("/", h.handleList)
	r.With(h.composer.Middleware(pipeline.Policy{Name: "audit.search", Roles: admins})).
		Get("/search", h.handleSearch)
	r.With(h.composer.Middleware(pipeline.Policy{Name: "audit.export", RateLimit: &exportRule, Roles: admins})).
		Get("/export.csv", h.handleExport)
	r.With(h.composer.Middleware(pipeline.Policy{
		Name:  "audit.cleanup",
		Roles: []rbac.Role{rbac.RoleSuperUser},
		Audit: &audit.Spec{Action: audit.ActionAdminLogsCleanup, Description: "activity logs cleaned up"},
	})).Post("/cleanup", h.handleCleanup)
}
