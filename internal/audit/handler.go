package audit

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/gatehouse/gatehouse/internal/platform/httpx"
	"github.com/gatehouse/gatehouse/internal/shared"
)

// RouteGuard wires permission middleware onto handler groups.
type RouteGuard interface {
	RequireAny(codes ...string) func(http.Handler) http.Handler
}

// Handler serves the decision trail to operator consoles.
type Handler struct {
	logger  *slog.Logger
	service *Service
	guard   RouteGuard
}

// NewHandler builds a Handler instance.
func NewHandler(logger *slog.Logger, service *Service, guard RouteGuard) *Handler {
	return &Handler{logger: logger, service: service, guard: guard}
}

// MountRoutes registers audit routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Group(func(r chi.Router) {
		r.Use(h.guard.RequireAny("audit.view"))
		r.Get("/timeline", h.timeline)
	})
}

func (h *Handler) timeline(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := shared.TenantFromContext(r.Context())
	if !ok {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "tenant not resolved")
		return
	}
	filters, err := timelineFilters(r, tenantID)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	result, err := h.service.Timeline(r.Context(), filters)
	if err != nil {
		h.logger.Error("audit: timeline", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, result)
}

func timelineFilters(r *http.Request, tenantID int64) (TimelineFilters, error) {
	q := r.URL.Query()
	filters := TimelineFilters{
		TenantID:  tenantID,
		PointCode: q.Get("point"),
	}
	if raw := q.Get("from"); raw != "" {
		ts, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return TimelineFilters{}, err
		}
		filters.From = ts
	}
	if raw := q.Get("to"); raw != "" {
		ts, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return TimelineFilters{}, err
		}
		filters.To = ts
	}
	if raw := q.Get("subject_id"); raw != "" {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return TimelineFilters{}, err
		}
		filters.SubjectID = &id
	}
	if raw := q.Get("granted"); raw != "" {
		granted, err := strconv.ParseBool(raw)
		if err != nil {
			return TimelineFilters{}, err
		}
		filters.Granted = &granted
	}
	filters.Page, _ = strconv.Atoi(q.Get("page"))
	filters.PageSize, _ = strconv.Atoi(q.Get("page_size"))
	return filters, nil
}
