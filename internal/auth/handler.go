package auth

import (
	"errors"
	"log/slog"
	"net/http"
	"reflect"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/ankader/backoffice/internal/audit"
	"github.com/ankader/backoffice/internal/pipeline"
	"github.com/ankader/backoffice/internal/platform/httpx"
	"github.com/ankader/backoffice/internal/ratelimit"
	"github.com/ankader/backoffice/internal/rbac"
	"github.com/ankader/backoffice/internal/shared"
	"github.com/ankader/backoffice/internal/users"
)

// LoginRule limits login attempts per client address.
var LoginRule = ratelimit.Rule{Name: "auth.login", Max: 5, Window: time.Minute}

// ActivityRule limits client-reported activity per client address.
var ActivityRule = ratelimit.Rule{Name: "auth.log_activity", Max: 60, Window: time.Minute}

// Handler wires HTTP endpoints for authentication flows.
type Handler struct {
	logger    *slog.Logger
	service   *Service
	composer  *pipeline.Composer
	evaluator *rbac.Evaluator
	validator *validator.Validate
}

// NewHandler constructs a Handler instance.
func NewHandler(logger *slog.Logger, service *Service, composer *pipeline.Composer, evaluator *rbac.Evaluator) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		logger:    logger,
		service:   service,
		composer:  composer,
		evaluator: evaluator,
		validator: newValidator(),
	}
}

// MountRoutes registers auth routes on provided router.
func (h *Handler) MountRoutes(r chi.Router) {
	loginRule, activityRule := LoginRule, ActivityRule
	authed := pipeline.Policy{Identity: pipeline.IdentityRequired}
	with := func(name string, audited *audit.Spec) func(http.Handler) http.Handler {
		p := authed
		p.Name = name
		p.Audit = audited
		return h.composer.Middleware(p)
	}

	r.With(h.composer.Middleware(pipeline.Policy{Name: "auth.login", RateLimit: &loginRule})).
		Post("/login", h.handleLogin)
	r.With(with("auth.me", nil)).Get("/me", h.handleMe)
	r.With(with("auth.verify_token", nil)).Post("/verify-token", h.handleVerify)
	r.With(with("auth.refresh_token", nil)).Post("/refresh-token", h.handleRefresh)
	r.With(with("auth.logout", &audit.Spec{Action: audit.ActionLogout, Description: "user signed out"})).
		Post("/logout", h.handleLogout)
	r.With(h.composer.Middleware(pipeline.Policy{
		Name:      "auth.log_activity",
		RateLimit: &activityRule,
		Identity:  pipeline.IdentityRequired,
	})).Post("/log-activity", h.handleLogActivity)
	r.With(with("auth.profile", nil)).Get("/profile", h.handleProfile)
	r.With(with("auth.change_password", &audit.Spec{Action: audit.ActionPasswordChange, Description: "password changed"})).
		Put("/change-password", h.handleChangePassword)
	r.With(with("auth.update_profile", &audit.Spec{Action: audit.ActionProfileUpdate, Description: "profile updated", TargetType: audit.TargetUser})).
		Put("/update-profile", h.handleUpdateProfile)
}

type loginRequest struct {
	Name     string `json:"name" validate:"required,max=100"`
	Phone    string `json:"phone" validate:"required,max=20"`
	Password string `json:"password" validate:"required,min=6"`
}

type changePasswordRequest struct {
	CurrentPassword string `json:"current_password" validate:"required"`
	NewPassword     string `json:"new_password" validate:"required,min=6"`
}

type updateProfileRequest struct {
	Name  string `json:"name" validate:"omitempty,max=100"`
	Phone string `json:"phone" validate:"omitempty,trphone"`
}

type logActivityRequest struct {
	Activity string         `json:"activity" validate:"required,max=500"`
	Details  map[string]any `json:"details"`
}

// normalizer trims request fields so that validation sees what the service
// will receive.
type normalizer interface {
	normalize()
}

func (r *loginRequest) normalize() {
	r.Name = strings.TrimSpace(r.Name)
	r.Phone = strings.TrimSpace(r.Phone)
	r.Password = strings.TrimSpace(r.Password)
}

func (r *changePasswordRequest) normalize() {
	r.CurrentPassword = strings.TrimSpace(r.CurrentPassword)
	r.NewPassword = strings.TrimSpace(r.NewPassword)
}

func (r *updateProfileRequest) normalize() {
	r.Name = strings.TrimSpace(r.Name)
	r.Phone = strings.TrimSpace(r.Phone)
}

func (r *logActivityRequest) normalize() {
	r.Activity = strings.TrimSpace(r.Activity)
}

type userView struct {
	ID          int64            `json:"id"`
	Name        string           `json:"name"`
	Phone       string           `json:"phone"`
	Role        rbac.Role        `json:"role"`
	IsActive    bool             `json:"is_active"`
	Permissions rbac.Permissions `json:"permissions"`
	LastLogin   *time.Time       `json:"last_login"`
}

func newUserView(p *rbac.Principal) userView {
	return userView{
		ID:          p.ID,
		Name:        p.Name,
		Phone:       p.Phone,
		Role:        p.Role,
		IsActive:    p.IsActive,
		Permissions: p.Permissions,
		LastLogin:   p.LastLogin,
	}
}

func (h *Handler) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if !h.decode(w, r, &req) {
		return
	}
	issued, principal, err := h.service.Login(r.Context(), req.Name, req.Phone, req.Password)
	if err != nil {
		if !errors.Is(err, shared.ErrInvalidCredentials) {
			h.logger.ErrorContext(r.Context(), "login failed", slog.Any("error", err))
		}
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{
		"success": true,
		"message": "login successful",
		"token":   issued,
		"user":    newUserView(principal),
	})
}

func (h *Handler) handleMe(w http.ResponseWriter, r *http.Request) {
	p := rbac.PrincipalFromContext(r.Context())
	httpx.JSON(w, http.StatusOK, map[string]any{
		"success":     true,
		"user":        newUserView(p),
		"permissions": h.evaluator.EffectivePermissions(p),
	})
}

func (h *Handler) handleVerify(w http.ResponseWriter, r *http.Request) {
	httpx.JSON(w, http.StatusOK, map[string]any{
		"success": true,
		"message": "token is valid",
		"user":    newUserView(rbac.PrincipalFromContext(r.Context())),
	})
}

func (h *Handler) handleRefresh(w http.ResponseWriter, r *http.Request) {
	issued, err := h.service.Refresh(rbac.PrincipalFromContext(r.Context()))
	if err != nil {
		h.logger.ErrorContext(r.Context(), "refresh token", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{
		"success": true,
		"message": "token refreshed",
		"token":   issued,
	})
}

func (h *Handler) handleLogout(w http.ResponseWriter, r *http.Request) {
	httpx.JSON(w, http.StatusOK, map[string]any{
		"success": true,
		"message": "signed out",
	})
}

func (h *Handler) handleLogActivity(w http.ResponseWriter, r *http.Request) {
	var req logActivityRequest
	if !h.decode(w, r, &req) {
		return
	}
	h.service.LogActivity(r.Context(), rbac.PrincipalFromContext(r.Context()), req.Activity, req.Details)
	httpx.JSON(w, http.StatusOK, map[string]any{
		"success": true,
		"message": "activity recorded",
	})
}

func (h *Handler) handleProfile(w http.ResponseWriter, r *http.Request) {
	profile, err := h.service.Profile(r.Context(), rbac.PrincipalFromContext(r.Context()))
	if err != nil {
		h.logger.ErrorContext(r.Context(), "load profile", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	recent := profile.RecentActivities
	if recent == nil {
		recent = []audit.Entry{}
	}
	httpx.JSON(w, http.StatusOK, map[string]any{
		"success": true,
		"profile": map[string]any{
			"user":              newUserView(profile.User),
			"recent_activities": recent,
			"login_count":       profile.LoginCount,
		},
	})
}

func (h *Handler) handleChangePassword(w http.ResponseWriter, r *http.Request) {
	var req changePasswordRequest
	if !h.decode(w, r, &req) {
		return
	}
	p := rbac.PrincipalFromContext(r.Context())
	if err := h.service.ChangePassword(r.Context(), p, req.CurrentPassword, req.NewPassword); err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{
		"success": true,
		"message": "password changed",
	})
}

func (h *Handler) handleUpdateProfile(w http.ResponseWriter, r *http.Request) {
	var req updateProfileRequest
	if !h.decode(w, r, &req) {
		return
	}
	p := rbac.PrincipalFromContext(r.Context())
	pipeline.AnnotateAudit(r.Context(), "target_user", p.GetID())
	updated, err := h.service.UpdateProfile(r.Context(), p, req.Name, req.Phone)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{
		"success": true,
		"message": "profile updated",
		"user":    newUserView(updated),
	})
}

// decode reads, trims and validates the JSON body, writing a 400 on failure.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, target any) bool {
	if err := httpx.DecodeJSON(r, target); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid JSON", "request body must be a JSON object")
		return false
	}
	if n, ok := target.(normalizer); ok {
		n.normalize()
	}
	if err := h.validator.Struct(target); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			httpx.RespondError(w, err)
			return false
		}
		fields := make(map[string]string, len(verrs))
		for _, fieldErr := range verrs {
			fields[fieldErr.Field()] = fieldErr.Tag()
		}
		httpx.ValidationProblem(w, fields)
		return false
	}
	return true
}

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name, _, _ := strings.Cut(fld.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	_ = v.RegisterValidation("trphone", func(fl validator.FieldLevel) bool {
		return users.ValidPhone(fl.Field().String())
	})
	return v
}
