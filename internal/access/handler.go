package access

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/gatehouse/gatehouse/internal/platform/httpx"
	"github.com/gatehouse/gatehouse/internal/shared"
)

// PointAdmin is the management surface for access points.
type PointAdmin interface {
	GetPointByCode(ctx context.Context, code string) (AccessPoint, error)
	ListPoints(ctx context.Context, tenantID int64) ([]AccessPoint, error)
	CreatePoint(ctx context.Context, p AccessPoint) (AccessPoint, error)
}

// RouteGuard wires permission middleware onto handler groups.
type RouteGuard interface {
	RequireAny(codes ...string) func(http.Handler) http.Handler
	RequireAll(codes ...string) func(http.Handler) http.Handler
}

// Handler exposes the decision pipeline and point administration over
// JSON. The decide endpoint is called by reader gateways; the rest by
// operator consoles.
type Handler struct {
	logger   *slog.Logger
	engine   *Engine
	points   PointAdmin
	state    *StateStore
	validate *validator.Validate
	guard    RouteGuard
}

// NewHandler builds a Handler instance.
func NewHandler(logger *slog.Logger, engine *Engine, points PointAdmin, state *StateStore, guard RouteGuard) *Handler {
	return &Handler{
		logger:   logger,
		engine:   engine,
		points:   points,
		state:    state,
		validate: validator.New(),
		guard:    guard,
	}
}

// MountRoutes registers access routes.
func (h *Handler) MountRoutes(r chi.Router) {
	// Reader gateways authenticate at the transport layer; the decision
	// pipeline authorizes the presented subject itself.
	r.Post("/decide", h.decide)
	r.Post("/points/{code}/closed", h.pointClosed)

	r.Group(func(r chi.Router) {
		r.Use(h.guard.RequireAny("access.points.view", "access.points.manage"))
		r.Get("/points", h.listPoints)
	})
	r.Group(func(r chi.Router) {
		r.Use(h.guard.RequireAll("access.points.manage"))
		r.Post("/points", h.createPoint)
		r.Post("/passback/reset", h.resetPassback)
	})
}

type decideRequest struct {
	SubjectID *int64 `json:"subject_id"`
	PointCode string `json:"point_code" validate:"required"`
	Direction string `json:"direction" validate:"required,oneof=in out"`
	PIN       string `json:"pin"`
}

type decideResponse struct {
	Granted    bool   `json:"granted"`
	Reason     Reason `json:"reason"`
	ReasonText string `json:"reason_text"`
	RecordID   string `json:"record_id,omitempty"`
}

func (h *Handler) decide(w http.ResponseWriter, r *http.Request) {
	var req decideRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid JSON body")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	decision, err := h.engine.Decide(r.Context(), Request{
		SubjectID: req.SubjectID,
		PointCode: req.PointCode,
		Direction: Direction(req.Direction),
		PIN:       req.PIN,
	})
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	httpx.JSON(w, http.StatusOK, decideResponse{
		Granted:    decision.Granted,
		Reason:     decision.Reason,
		ReasonText: ReasonText(decision.Reason, r.Header.Get("Accept-Language")),
		RecordID:   decision.RecordID,
	})
}

// pointClosed handles the door-closed sensor report from reader
// gateways. It releases the point's interlock group early instead of
// waiting out the unlock window, so the next group member opens sooner.
func (h *Handler) pointClosed(w http.ResponseWriter, r *http.Request) {
	code := chi.URLParam(r, "code")
	point, err := h.points.GetPointByCode(r.Context(), code)
	if err != nil {
		if !errors.Is(err, shared.ErrNotFound) {
			h.logger.Error("access: point closed lookup", slog.String("point", code), slog.Any("error", err))
		}
		httpx.RespondError(w, err)
		return
	}
	if point.InterlockGroup != "" {
		if err := h.state.ReleaseInterlock(r.Context(), point.TenantID, point.InterlockGroup, point.Code); err != nil {
			h.logger.Error("access: interlock release", slog.String("point", code), slog.Any("error", err))
			httpx.RespondError(w, err)
			return
		}
	}
	httpx.NoContent(w)
}

func (h *Handler) listPoints(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := shared.TenantFromContext(r.Context())
	if !ok {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "tenant not resolved")
		return
	}
	points, err := h.points.ListPoints(r.Context(), tenantID)
	if err != nil {
		h.logger.Error("access: list points", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, points)
}

type createPointRequest struct {
	Code               string `json:"code" validate:"required"`
	Name               string `json:"name" validate:"required"`
	AreaID             int64  `json:"area_id" validate:"required"`
	DeviceID           string `json:"device_id" validate:"required"`
	AntiPassback       bool   `json:"anti_passback"`
	InterlockGroup     string `json:"interlock_group"`
	UnlockDurationMS   int64  `json:"unlock_duration_ms" validate:"gte=0"`
	RequiredPermission string `json:"required_permission"`
	PIN                string `json:"pin"`
}

func (h *Handler) createPoint(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := shared.TenantFromContext(r.Context())
	if !ok {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "tenant not resolved")
		return
	}
	var req createPointRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid JSON body")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	point := AccessPoint{
		Code:               req.Code,
		TenantID:           tenantID,
		Name:               req.Name,
		AreaID:             req.AreaID,
		DeviceID:           req.DeviceID,
		AntiPassback:       req.AntiPassback,
		InterlockGroup:     req.InterlockGroup,
		UnlockDuration:     time.Duration(req.UnlockDurationMS) * time.Millisecond,
		RequiredPermission: req.RequiredPermission,
	}
	if req.PIN != "" {
		hash, err := HashPIN(req.PIN)
		if err != nil {
			h.logger.Error("access: hash pin", slog.Any("error", err))
			httpx.RespondError(w, err)
			return
		}
		point.PINHash = hash
	}
	created, err := h.points.CreatePoint(r.Context(), point)
	if err != nil {
		h.logger.Error("access: create point", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, created)
}

type resetPassbackRequest struct {
	SubjectID int64 `json:"subject_id" validate:"required"`
	AreaID    int64 `json:"area_id" validate:"required"`
	Inside    bool  `json:"inside"`
}

// resetPassback force-sets a subject's side of an area. Operators use it
// to recover from physical state the system could not observe.
func (h *Handler) resetPassback(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := shared.TenantFromContext(r.Context())
	if !ok {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "tenant not resolved")
		return
	}
	var req resetPassbackRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid JSON body")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	if err := h.state.ResetPassback(r.Context(), tenantID, req.SubjectID, req.AreaID, req.Inside); err != nil {
		h.logger.Error("access: reset passback", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	actor, _ := shared.ActorFromContext(r.Context())
	h.logger.Info("access: passback reset",
		slog.Int64("tenant_id", tenantID),
		slog.Int64("subject_id", req.SubjectID),
		slog.Int64("area_id", req.AreaID),
		slog.Bool("inside", req.Inside),
		slog.Int64("actor_id", actor))
	httpx.NoContent(w)
}
