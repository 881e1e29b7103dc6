package command

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/gatehouse/gatehouse/internal/platform/httpx"
	"github.com/gatehouse/gatehouse/internal/shared"
)

// Authorizer answers permission checks for the command surface.
type Authorizer interface {
	RequireAny(codes ...string) func(http.Handler) http.Handler
	RequireAll(codes ...string) func(http.Handler) http.Handler
}

// Handler exposes the command queue over JSON: operator-facing queueing
// and inspection, plus the callback endpoints the device gateways post
// lifecycle reports to.
type Handler struct {
	logger     *slog.Logger
	dispatcher *Dispatcher
	validate   *validator.Validate
	authz      Authorizer
}

// NewHandler builds a Handler instance.
func NewHandler(logger *slog.Logger, dispatcher *Dispatcher, authz Authorizer) *Handler {
	return &Handler{
		logger:     logger,
		dispatcher: dispatcher,
		validate:   validator.New(),
		authz:      authz,
	}
}

// MountRoutes registers command routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Group(func(r chi.Router) {
		r.Use(h.authz.RequireAll("commands.manage"))
		r.Post("/", h.enqueue)
	})
	r.Group(func(r chi.Router) {
		r.Use(h.authz.RequireAny("commands.view", "commands.manage"))
		r.Get("/failed", h.listFailed)
		r.Get("/{jobID}", h.getJob)
	})
	// Device gateways report over the internal network and authenticate
	// at the transport layer, not per subject.
	r.Post("/{jobID}/ack", h.ack)
	r.Post("/{jobID}/complete", h.complete)
	r.Post("/{jobID}/error", h.deviceError)
}

type enqueueRequest struct {
	DeviceID    string         `json:"device_id" validate:"required"`
	Command     string         `json:"command" validate:"required,oneof=open_door close_door lockdown"`
	Params      map[string]any `json:"params"`
	Priority    int            `json:"priority" validate:"gte=0,lte=9"`
	ScheduledAt *time.Time     `json:"scheduled_at"`
}

func (h *Handler) enqueue(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := shared.TenantFromContext(r.Context())
	if !ok {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "tenant not resolved")
		return
	}
	var req enqueueRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid JSON body")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	job, err := h.dispatcher.Enqueue(r.Context(), EnqueueInput{
		TenantID:    tenantID,
		DeviceID:    req.DeviceID,
		Command:     req.Command,
		Params:      req.Params,
		Priority:    req.Priority,
		ScheduledAt: req.ScheduledAt,
	})
	if err != nil {
		h.logger.Error("command: enqueue", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusAccepted, job)
}

func (h *Handler) getJob(w http.ResponseWriter, r *http.Request) {
	job, err := h.dispatcher.Job(r.Context(), chi.URLParam(r, "jobID"))
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, job)
}

func (h *Handler) listFailed(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := shared.TenantFromContext(r.Context())
	if !ok {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "tenant not resolved")
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	jobs, err := h.dispatcher.ListFailed(r.Context(), tenantID, limit)
	if err != nil {
		h.logger.Error("command: list failed", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, jobs)
}

func (h *Handler) ack(w http.ResponseWriter, r *http.Request) {
	if err := h.dispatcher.HandleAck(r.Context(), chi.URLParam(r, "jobID")); err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.NoContent(w)
}

func (h *Handler) complete(w http.ResponseWriter, r *http.Request) {
	if err := h.dispatcher.HandleCompletion(r.Context(), chi.URLParam(r, "jobID")); err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.NoContent(w)
}

type deviceErrorRequest struct {
	Message string `json:"message" validate:"required"`
}

func (h *Handler) deviceError(w http.ResponseWriter, r *http.Request) {
	var req deviceErrorRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid JSON body")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	if err := h.dispatcher.HandleDeviceError(r.Context(), chi.URLParam(r, "jobID"), req.Message); err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.NoContent(w)
}
