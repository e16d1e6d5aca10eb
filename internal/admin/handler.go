// Package admin serves operational endpoints for back-office administrators.
package admin

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"runtime"
	"time"

	"github.com/go-chi/chi/v5"
	"golang.org/x/sync/errgroup"

	"github.com/ankader/backoffice/internal/pipeline"
	"github.com/ankader/backoffice/internal/platform/httpx"
	"github.com/ankader/backoffice/internal/rbac"
	"github.com/ankader/backoffice/internal/users"
)

// UserStats counts user accounts.
type UserStats interface {
	Stats(ctx context.Context) (users.Stats, error)
}

// LogCounter counts stored activity log entries.
type LogCounter interface {
	Count(ctx context.Context) (int64, error)
}

// SystemInfo is the payload of the system-info endpoint.
type SystemInfo struct {
	Database DatabaseInfo `json:"database"`
	Runtime  RuntimeInfo  `json:"runtime"`
	Server   ServerInfo   `json:"server"`
}

// DatabaseInfo summarises stored records.
type DatabaseInfo struct {
	TotalUsers        int64 `json:"total_users"`
	ActiveUsers       int64 `json:"active_users"`
	TotalActivityLogs int64 `json:"total_activity_logs"`
}

// RuntimeInfo describes the running process.
type RuntimeInfo struct {
	GoVersion  string `json:"go_version"`
	Goroutines int    `json:"goroutines"`
	HeapAlloc  uint64 `json:"heap_alloc_bytes"`
	NumCPU     int    `json:"num_cpu"`
}

// ServerInfo carries deployment attributes.
type ServerInfo struct {
	Environment string    `json:"environment"`
	StartedAt   time.Time `json:"started_at"`
	Uptime      string    `json:"uptime"`
	Timestamp   time.Time `json:"timestamp"`
}

// Handler serves the admin endpoints.
type Handler struct {
	logger    *slog.Logger
	users     UserStats
	logs      LogCounter
	composer  *pipeline.Composer
	env       string
	apiKey    bool
	startedAt time.Time
	now       func() time.Time
}

// NewHandler constructs an admin handler. env is reported verbatim.
func NewHandler(logger *slog.Logger, stats UserStats, logs LogCounter, composer *pipeline.Composer, env string) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		logger:    logger,
		users:     stats,
		logs:      logs,
		composer:  composer,
		env:       env,
		apiKey:    true,
		startedAt: time.Now().UTC(),
		now:       time.Now,
	}
}

// WithClock overrides the time source and start time, for tests.
func (h *Handler) WithClock(now func() time.Time, startedAt time.Time) *Handler {
	h.now = now
	h.startedAt = startedAt
	return h
}

// WithAPIKey sets whether system-info also demands a service API key on top
// of the admin role. Must be called before MountRoutes.
func (h *Handler) WithAPIKey(required bool) *Handler {
	h.apiKey = required
	return h
}

// MountRoutes registers admin routes on r.
func (h *Handler) MountRoutes(r chi.Router) {
	r.With(h.composer.Middleware(pipeline.Policy{
		Name:   "admin.system_info",
		APIKey: h.apiKey,
		Roles:  []rbac.Role{rbac.RoleSuperUser, rbac.RoleAdmin},
	})).Get("/system-info", h.handleSystemInfo)
}

func (h *Handler) handleSystemInfo(w http.ResponseWriter, r *http.Request) {
	info, err := h.collect(r.Context())
	if err != nil {
		h.logger.ErrorContext(r.Context(), "collect system info", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{
		"success":     true,
		"system_info": info,
	})
}

func (h *Handler) collect(ctx context.Context) (SystemInfo, error) {
	var (
		stats users.Stats
		count int64
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		if stats, err = h.users.Stats(gctx); err != nil {
			return fmt.Errorf("admin: user stats: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		var err error
		if count, err = h.logs.Count(gctx); err != nil {
			return fmt.Errorf("admin: activity log count: %w", err)
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		return SystemInfo{}, err
	}

	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	now := h.now().UTC()
	return SystemInfo{
		Database: DatabaseInfo{
			TotalUsers:        stats.Total,
			ActiveUsers:       stats.Active,
			TotalActivityLogs: count,
		},
		Runtime: RuntimeInfo{
			GoVersion:  runtime.Version(),
			Goroutines: runtime.NumGoroutine(),
			HeapAlloc:  mem.HeapAlloc,
			NumCPU:     runtime.NumCPU(),
		},
		Server: ServerInfo{
			Environment: h.env,
			StartedAt:   h.startedAt,
			Uptime:      now.Sub(h.startedAt).Round(time.Second).String(),
			Timestamp:   now,
		},
	}, nil
}
