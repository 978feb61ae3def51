// Package authzhttp is the thin HTTP binding over the authorization
// engine and admin service. It validates payload shape and maps domain
// errors to problem responses; all policy logic stays in the authz
// package.
package authzhttp

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/dapforge/authcore/internal/authz"
	"github.com/dapforge/authcore/internal/platform/httpx"
)

// Handler exposes check and administration endpoints.
type Handler struct {
	engine    *authz.Engine
	admin     *authz.Service
	hierarchy *authz.Hierarchy
	logger    *slog.Logger
	validate  *validator.Validate
}

// NewHandler wires the HTTP surface.
func NewHandler(engine *authz.Engine, admin *authz.Service, hierarchy *authz.Hierarchy, logger *slog.Logger) *Handler {
	return &Handler{
		engine:    engine,
		admin:     admin,
		hierarchy: hierarchy,
		logger:    logger,
		validate:  validator.New(),
	}
}

// Routes mounts all endpoints on the router.
func (h *Handler) Routes(r chi.Router) {
	r.Post("/check", h.check)
	r.Post("/precheck", h.preCheck)

	r.Route("/roles", func(r chi.Router) {
		r.Post("/", h.createRole)
		r.Delete("/{roleID}", h.deleteRole)
		r.Post("/{roleID}/permissions", h.addRolePermission)
		r.Delete("/{roleID}/permissions/{resource}/{action}", h.removeRolePermission)
		r.Post("/{roleID}/inherits/{parentID}", h.addInheritance)
		r.Delete("/{roleID}/inherits/{parentID}", h.removeInheritance)
	})
	r.Route("/groups", func(r chi.Router) {
		r.Post("/", h.createGroup)
		r.Get("/tree", h.groupTree)
		r.Put("/{groupID}/parent", h.setGroupParent)
		r.Post("/{groupID}/deactivate", h.deactivateGroup)
		r.Delete("/{groupID}", h.deleteGroup)
	})
	r.Route("/users/{userID}", func(r chi.Router) {
		r.Post("/roles/{roleID}", h.assignRole)
		r.Delete("/roles/{roleID}", h.unassignRole)
		r.Post("/groups/{groupID}", h.assignGroup)
		r.Delete("/groups/{groupID}", h.unassignGroup)
	})
	r.Put("/rules", h.saveRule)
}

type checkRequest struct {
	UserID   string         `json:"userId" validate:"required"`
	Resource string         `json:"resource" validate:"required"`
	Action   string         `json:"action" validate:"required"`
	Context  map[string]any `json:"context"`
}

func (h *Handler) check(w http.ResponseWriter, r *http.Request) {
	var req checkRequest
	if !h.decode(w, r, &req) {
		return
	}
	decision, err := h.engine.Check(r.Context(), req.UserID, req.Resource, req.Action, authz.Context(req.Context))
	if err != nil {
		h.logger.Error("check failed", slog.String("user", req.UserID), slog.Any("error", err))
		httpx.Problem(w, http.StatusInternalServerError, "Check Failed", "")
		return
	}
	httpx.JSON(w, http.StatusOK, decision)
}

type preCheckRequest struct {
	UserID     string            `json:"userId" validate:"required"`
	Operations []authz.Operation `json:"operations" validate:"required,min=1,dive"`
}

func (h *Handler) preCheck(w http.ResponseWriter, r *http.Request) {
	var req preCheckRequest
	if !h.decode(w, r, &req) {
		return
	}
	results := h.engine.PreCheck(r.Context(), req.UserID, req.Operations)
	httpx.JSON(w, http.StatusOK, results)
}

type createRoleRequest struct {
	ID          string             `json:"id"`
	Name        string             `json:"name" validate:"required"`
	Description string             `json:"description"`
	Permissions []authz.Permission `json:"permissions"`
	Inherits    []string           `json:"inherits"`
}

func (h *Handler) createRole(w http.ResponseWriter, r *http.Request) {
	var req createRoleRequest
	if !h.decode(w, r, &req) {
		return
	}
	role, err := h.admin.CreateRole(r.Context(), actor(r), authz.CreateRoleInput{
		ID:          req.ID,
		Name:        req.Name,
		Description: req.Description,
		Permissions: req.Permissions,
		Inherits:    req.Inherits,
	})
	if err != nil {
		respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, role)
}

func (h *Handler) deleteRole(w http.ResponseWriter, r *http.Request) {
	if err := h.admin.DeleteRole(r.Context(), actor(r), chi.URLParam(r, "roleID")); err != nil {
		respondError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) addRolePermission(w http.ResponseWriter, r *http.Request) {
	var perm authz.Permission
	if !h.decode(w, r, &perm) {
		return
	}
	if err := h.admin.AddRolePermission(r.Context(), actor(r), chi.URLParam(r, "roleID"), perm); err != nil {
		respondError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) removeRolePermission(w http.ResponseWriter, r *http.Request) {
	err := h.admin.RemoveRolePermission(r.Context(), actor(r),
		chi.URLParam(r, "roleID"), chi.URLParam(r, "resource"), chi.URLParam(r, "action"))
	if err != nil {
		respondError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) addInheritance(w http.ResponseWriter, r *http.Request) {
	if err := h.admin.AddInheritance(r.Context(), actor(r), chi.URLParam(r, "roleID"), chi.URLParam(r, "parentID")); err != nil {
		respondError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) removeInheritance(w http.ResponseWriter, r *http.Request) {
	if err := h.admin.RemoveInheritance(r.Context(), actor(r), chi.URLParam(r, "roleID"), chi.URLParam(r, "parentID")); err != nil {
		respondError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type createGroupRequest struct {
	ID             string             `json:"id"`
	Name           string             `json:"name" validate:"required"`
	OrganizationID string             `json:"organizationId" validate:"required"`
	ParentGroupID  string             `json:"parentGroupId"`
	Permissions    []authz.Permission `json:"permissions"`
}

func (h *Handler) createGroup(w http.ResponseWriter, r *http.Request) {
	var req createGroupRequest
	if !h.decode(w, r, &req) {
		return
	}
	group, err := h.admin.CreateGroup(r.Context(), actor(r), authz.CreateGroupInput{
		ID:             req.ID,
		Name:           req.Name,
		OrganizationID: req.OrganizationID,
		ParentGroupID:  req.ParentGroupID,
		Permissions:    req.Permissions,
	})
	if err != nil {
		respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, group)
}

func (h *Handler) groupTree(w http.ResponseWriter, r *http.Request) {
	organizationID := r.URL.Query().Get("organizationId")
	if organizationID == "" {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "organizationId is required")
		return
	}
	tree, err := h.hierarchy.Tree(r.Context(), organizationID)
	if err != nil {
		respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, tree)
}

type setParentRequest struct {
	ParentGroupID string `json:"parentGroupId"`
}

func (h *Handler) setGroupParent(w http.ResponseWriter, r *http.Request) {
	var req setParentRequest
	if !h.decode(w, r, &req) {
		return
	}
	if err := h.admin.SetGroupParent(r.Context(), actor(r), chi.URLParam(r, "groupID"), req.ParentGroupID); err != nil {
		respondError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) deactivateGroup(w http.ResponseWriter, r *http.Request) {
	if err := h.admin.DeactivateGroup(r.Context(), actor(r), chi.URLParam(r, "groupID")); err != nil {
		respondError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) deleteGroup(w http.ResponseWriter, r *http.Request) {
	if err := h.admin.DeleteGroup(r.Context(), actor(r), chi.URLParam(r, "groupID")); err != nil {
		respondError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) assignRole(w http.ResponseWriter, r *http.Request) {
	if err := h.admin.AssignRole(r.Context(), actor(r), chi.URLParam(r, "userID"), chi.URLParam(r, "roleID")); err != nil {
		respondError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) unassignRole(w http.ResponseWriter, r *http.Request) {
	if err := h.admin.UnassignRole(r.Context(), actor(r), chi.URLParam(r, "userID"), chi.URLParam(r, "roleID")); err != nil {
		respondError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) assignGroup(w http.ResponseWriter, r *http.Request) {
	if err := h.admin.AssignGroup(r.Context(), actor(r), chi.URLParam(r, "userID"), chi.URLParam(r, "groupID")); err != nil {
		respondError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) unassignGroup(w http.ResponseWriter, r *http.Request) {
	if err := h.admin.UnassignGroup(r.Context(), actor(r), chi.URLParam(r, "userID"), chi.URLParam(r, "groupID")); err != nil {
		respondError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) saveRule(w http.ResponseWriter, r *http.Request) {
	var rule authz.Rule
	if !h.decode(w, r, &rule) {
		return
	}
	if err := h.admin.SaveRule(r.Context(), actor(r), rule); err != nil {
		respondError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, target any) bool {
	if err := httpx.DecodeJSON(r, target); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Malformed JSON", err.Error())
		return false
	}
	if err := h.validate.Struct(target); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return false
	}
	return true
}

// actor returns the administrative actor propagated by the identity
// layer; the engine trusts this input.
func actor(r *http.Request) string {
	if v := r.Header.Get("X-Actor-Id"); v != "" {
		return v
	}
	return "anonymous"
}
