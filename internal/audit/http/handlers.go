package audithttp

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ankader/backoffice/internal/audit"
	"github.com/ankader/backoffice/internal/pipeline"
	"github.com/ankader/backoffice/internal/platform/httpx"
)

const (
	minRetentionDays     = 30
	defaultRetentionDays = int(audit.DefaultRetention / (24 * time.Hour))
	dateLayout           = "2006-01-02"
)

// Store is the activity log persistence the handler reads and purges.
type Store interface {
	List(ctx context.Context, filter audit.Filter) ([]audit.Entry, error)
	Search(ctx context.Context, term string, limit int) ([]audit.Entry, error)
	Purge(ctx context.Context, cutoff time.Time) (int64, error)
}

// Handler serves the activity log administration endpoints.
type Handler struct {
	logger   *slog.Logger
	store    Store
	composer *pipeline.Composer
	now      func() time.Time
}

// NewHandler builds a new activity log handler.
func NewHandler(logger *slog.Logger, store Store, composer *pipeline.Composer) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{logger: logger, store: store, composer: composer, now: time.Now}
}

// WithClock overrides the time source, for tests.
func (h *Handler) WithClock(now func() time.Time) *Handler {
	if now != nil {
		h.now = now
	}
	return h
}

type validationError struct {
	field string
}

func (e validationError) Error() string {
	return fmt.Sprintf("invalid %s", e.field)
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	filter, err := parseFilter(r)
	if err != nil {
		h.handleFilterError(w, err)
		return
	}
	entries, err := h.store.List(r.Context(), filter)
	if err != nil {
		h.handleServerError(w, r, "list activity logs", err)
		return
	}
	respondEntries(w, entries)
}

func (h *Handler) handleSearch(w http.ResponseWriter, r *http.Request) {
	term := strings.TrimSpace(r.URL.Query().Get("q"))
	if term == "" {
		h.handleFilterError(w, validationError{field: "q"})
		return
	}
	limit, err := parseLimit(r)
	if err != nil {
		h.handleFilterError(w, err)
		return
	}
	entries, err := h.store.Search(r.Context(), term, limit)
	if err != nil {
		h.handleServerError(w, r, "search activity logs", err)
		return
	}
	respondEntries(w, entries)
}

func (h *Handler) handleExport(w http.ResponseWriter, r *http.Request) {
	filter, err := parseFilter(r)
	if err != nil {
		h.handleFilterError(w, err)
		return
	}
	if filter.Limit == 0 {
		filter.Limit = audit.MaxLimit
	}
	entries, err := h.store.List(r.Context(), filter)
	if err != nil {
		h.handleServerError(w, r, "export activity logs", err)
		return
	}
	w.Header().Set("Content-Type", "text/csv; charset=utf-8")
	w.Header().Set("Content-Disposition", "attachment; filename=\"activity-logs.csv\"")
	if err := writeCSV(w, entries); err != nil {
		h.logger.WarnContext(r.Context(), "write csv", slog.Any("error", err))
	}
}

// cleanupRequest.Days is a pointer so that an explicit 0 is rejected rather
// than defaulted.
type cleanupRequest struct {
	Days *int `json:"days"`
}

func (h *Handler) handleCleanup(w http.ResponseWriter, r *http.Request) {
	var req cleanupRequest
	if err := httpx.DecodeJSON(r, &req); err != nil && !errors.Is(err, io.EOF) {
		httpx.Problem(w, http.StatusBadRequest, "Invalid JSON", "request body must be a JSON object")
		return
	}
	days := defaultRetentionDays
	if req.Days != nil {
		days = *req.Days
	}
	if days < minRetentionDays {
		httpx.ValidationProblem(w, map[string]string{"days": fmt.Sprintf("min=%d", minRetentionDays)})
		return
	}
	cutoff := h.now().UTC().AddDate(0, 0, -days)
	deleted, err := h.store.Purge(r.Context(), cutoff)
	if err != nil {
		h.handleServerError(w, r, "purge activity logs", err)
		return
	}
	pipeline.AnnotateAudit(r.Context(), "days", days)
	pipeline.AnnotateAudit(r.Context(), "deleted_count", deleted)
	h.logger.InfoContext(r.Context(), "activity logs purged", slog.Int64("deleted", deleted), slog.Int("days", days))
	httpx.JSON(w, http.StatusOK, map[string]any{
		"success":       true,
		"message":       fmt.Sprintf("%d activity logs older than %d days deleted", deleted, days),
		"deleted_count": deleted,
	})
}

func parseFilter(r *http.Request) (audit.Filter, error) {
	q := r.URL.Query()
	var filter audit.Filter
	if v := strings.TrimSpace(q.Get("user_id")); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil || id <= 0 {
			return audit.Filter{}, validationError{field: "user_id"}
		}
		filter.ActorID = id
	}
	if v := strings.TrimSpace(q.Get("action")); v != "" {
		action := audit.Action(v)
		if !action.Valid() {
			return audit.Filter{}, validationError{field: "action"}
		}
		filter.Action = action
	}
	if v := strings.TrimSpace(q.Get("start_date")); v != "" {
		from, err := time.Parse(dateLayout, v)
		if err != nil {
			return audit.Filter{}, validationError{field: "start_date"}
		}
		filter.From = from
	}
	if v := strings.TrimSpace(q.Get("end_date")); v != "" {
		to, err := time.Parse(dateLayout, v)
		if err != nil {
			return audit.Filter{}, validationError{field: "end_date"}
		}
		// end_date is inclusive of the whole day.
		filter.To = to.Add(24*time.Hour - time.Nanosecond)
	}
	if !filter.From.IsZero() && !filter.To.IsZero() && filter.From.After(filter.To) {
		return audit.Filter{}, validationError{field: "range"}
	}
	limit, err := parseLimit(r)
	if err != nil {
		return audit.Filter{}, err
	}
	filter.Limit = limit
	return filter, nil
}

func parseLimit(r *http.Request) (int, error) {
	v := strings.TrimSpace(r.URL.Query().Get("limit"))
	if v == "" {
		return 0, nil
	}
	limit, err := strconv.Atoi(v)
	if err != nil || limit <= 0 {
		return 0, validationError{field: "limit"}
	}
	return min(limit, audit.MaxLimit), nil
}

func respondEntries(w http.ResponseWriter, entries []audit.Entry) {
	if entries == nil {
		entries = []audit.Entry{}
	}
	httpx.JSON(w, http.StatusOK, map[string]any{
		"success": true,
		"count":   len(entries),
		"logs":    entries,
	})
}

func writeCSV(w io.Writer, entries []audit.Entry) error {
	out := csv.NewWriter(w)
	if err := out.Write([]string{"id", "user_id", "action", "description", "target_type", "target_id", "created_at"}); err != nil {
		return err
	}
	for _, e := range entries {
		target := ""
		if e.TargetID != nil {
			target = strconv.FormatInt(*e.TargetID, 10)
		}
		record := []string{
			e.ID.String(),
			strconv.FormatInt(e.ActorID, 10),
			string(e.Action),
			e.Description,
			string(e.TargetType),
			target,
			e.CreatedAt.UTC().Format(time.RFC3339),
		}
		if err := out.Write(record); err != nil {
			return err
		}
	}
	out.Flush()
	return out.Error()
}

func (h *Handler) handleFilterError(w http.ResponseWriter, err error) {
	var vErr validationError
	if errors.As(err, &vErr) {
		httpx.ValidationProblem(w, map[string]string{vErr.field: "invalid"})
		return
	}
	httpx.Problem(w, http.StatusBadRequest, "Bad Request", "invalid filter")
}

func (h *Handler) handleServerError(w http.ResponseWriter, r *http.Request, msg string, err error) {
	h.logger.ErrorContext(r.Context(), msg, slog.Any("error", err))
	httpx.RespondError(w, err)
}
