package rbac

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/gatehouse/gatehouse/internal/platform/httpx"
)

// Handler exposes the role/permission graph over JSON.
type Handler struct {
	logger   *slog.Logger
	service  *Service
	validate *validator.Validate
	rbac     Middleware
}

// NewHandler builds a Handler instance.
func NewHandler(logger *slog.Logger, service *Service, rbac Middleware) *Handler {
	return &Handler{
		logger:   logger,
		service:  service,
		validate: validator.New(),
		rbac:     rbac,
	}
}

// MountRoutes registers rbac routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Group(func(r chi.Router) {
		r.Use(h.rbac.RequireAny("rbac.view"))
		r.Get("/roles", h.listRoles)
		r.Get("/permissions", h.listPermissions)
		r.Get("/subjects/{subjectID}/effective", h.effective)
	})
	r.Group(func(r chi.Router) {
		r.Use(h.rbac.RequireAll("rbac.manage"))
		r.Post("/assignments", h.assignRole)
		r.Post("/grants", h.addDirectGrant)
		r.Put("/roles/{roleID}/grants", h.replaceRoleGrants)
	})
}

func (h *Handler) listRoles(w http.ResponseWriter, r *http.Request) {
	roles, err := h.service.ListRoles(r.Context())
	if err != nil {
		h.logger.Error("rbac: list roles", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, roles)
}

func (h *Handler) listPermissions(w http.ResponseWriter, r *http.Request) {
	perms, err := h.service.ListPermissions(r.Context())
	if err != nil {
		h.logger.Error("rbac: list permissions", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, perms)
}

func (h *Handler) effective(w http.ResponseWriter, r *http.Request) {
	subjectID, err := strconv.ParseInt(chi.URLParam(r, "subjectID"), 10, 64)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "subjectID must be an integer")
		return
	}
	tenantID, err := strconv.ParseInt(r.URL.Query().Get("tenant_id"), 10, 64)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "tenant_id must be an integer")
		return
	}
	set, err := h.service.ResolvePermissions(r.Context(), subjectID, tenantID)
	if err != nil {
		h.logger.Error("rbac: resolve", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, set)
}

type assignRoleRequest struct {
	SubjectID  int64      `json:"subject_id" validate:"required"`
	RoleID     int64      `json:"role_id" validate:"required"`
	TenantID   int64      `json:"tenant_id" validate:"gte=0"`
	ValidFrom  *time.Time `json:"valid_from"`
	ValidUntil *time.Time `json:"valid_until"`
}

func (h *Handler) assignRole(w http.ResponseWriter, r *http.Request) {
	var req assignRoleRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid JSON body")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	assignment := RoleAssignment{
		SubjectID:  req.SubjectID,
		RoleID:     req.RoleID,
		TenantID:   req.TenantID,
		ValidFrom:  time.Now().UTC(),
		ValidUntil: req.ValidUntil,
	}
	if req.ValidFrom != nil {
		assignment.ValidFrom = *req.ValidFrom
	}
	created, err := h.service.AssignRole(r.Context(), assignment)
	if err != nil {
		h.logger.Error("rbac: assign role", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, created)
}

type replaceRoleGrantsRequest struct {
	PermissionIDs []int64 `json:"permission_ids" validate:"required"`
}

func (h *Handler) replaceRoleGrants(w http.ResponseWriter, r *http.Request) {
	roleID, err := strconv.ParseInt(chi.URLParam(r, "roleID"), 10, 64)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "roleID must be an integer")
		return
	}
	var req replaceRoleGrantsRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid JSON body")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	if err := h.service.ReplaceRoleGrants(r.Context(), roleID, req.PermissionIDs); err != nil {
		h.logger.Error("rbac: replace role grants", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.NoContent(w)
}

type directGrantRequest struct {
	SubjectID  int64      `json:"subject_id" validate:"required"`
	Code       string     `json:"code" validate:"required"`
	TenantID   *int64     `json:"tenant_id"`
	Granted    *bool      `json:"granted" validate:"required"`
	ValidUntil *time.Time `json:"valid_until"`
	GrantedBy  int64      `json:"granted_by" validate:"required"`
}

func (h *Handler) addDirectGrant(w http.ResponseWriter, r *http.Request) {
	var req directGrantRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid JSON body")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	grant := DirectGrant{
		SubjectID:  req.SubjectID,
		Code:       req.Code,
		TenantID:   req.TenantID,
		Granted:    *req.Granted,
		ValidFrom:  time.Now().UTC(),
		ValidUntil: req.ValidUntil,
		GrantedBy:  req.GrantedBy,
	}
	created, err := h.service.AddDirectGrant(r.Context(), grant)
	if err != nil {
		h.logger.Error("rbac: add direct grant", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, created)
}
