package httpapi

import (
	"net/http"
	"strings"

	"clinic/queue-service/internal/access"
	"clinic/queue-service/internal/models"
)

type createRoleRequest struct {
	OrganizationID string   `json:"organizationId"`
	Name           string   `json:"name"`
	Permissions    []string `json:"permissions"`
}

type updatePermissionsRequest struct {
	OrganizationID string   `json:"organizationId"`
	Permissions    []string `json:"permissions"`
}

type rolesResponse struct {
	Roles       []models.Role       `json:"roles"`
	Permissions []access.Permission `json:"availablePermissions"`
}

// handleRoles serves GET (list) and POST (create) on /api/roles.
func (h *Handler) handleRoles(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		h.listRoles(w, r)
	case http.MethodPost:
		h.createRole(w, r)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

// handleRole serves DELETE /api/roles/{id} and PUT /api/roles/{id}/permissions.
func (h *Handler) handleRole(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/api/roles/")
	parts := strings.Split(strings.Trim(path, "/"), "/")
	roleID := parts[0]
	if roleID == "" {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	if !isValidUUID(roleID) {
		writeError(w, requestIDFromRequest(r), http.StatusBadRequest, "invalid_request", "role id must be a UUID")
		return
	}
	switch {
	case len(parts) == 1 && r.Method == http.MethodDelete:
		h.deleteRole(w, r, roleID)
	case len(parts) == 2 && parts[1] == "permissions" && r.Method == http.MethodPut:
		h.updateRolePermissions(w, r, roleID)
	case len(parts) <= 2:
		w.WriteHeader(http.StatusMethodNotAllowed)
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (h *Handler) listRoles(w http.ResponseWriter, r *http.Request) {
	organizationID, ok := organizationFromQuery(w, r)
	if !ok {
		return
	}
	if !requirePermission(w, r, access.PermissionRolesRead) || !requireOrganization(w, r, organizationID) {
		return
	}
	roles, err := h.roles.ListRoles(r.Context(), organizationID)
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, requestIDFromRequest(r), status, code, msg)
		return
	}
	writeJSON(w, http.StatusOK, rolesResponse{Roles: roles, Permissions: access.All()})
}

func (h *Handler) createRole(w http.ResponseWriter, r *http.Request) {
	requestID := requestIDFromRequest(r)
	var req createRoleRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	req.OrganizationID = strings.TrimSpace(req.OrganizationID)
	req.Name = strings.TrimSpace(req.Name)
	if req.OrganizationID == "" || req.Name == "" {
		writeError(w, requestID, http.StatusBadRequest, "invalid_request", "organizationId and name are required")
		return
	}
	if !isValidUUID(req.OrganizationID) {
		writeError(w, requestID, http.StatusBadRequest, "invalid_request", "organizationId must be a UUID")
		return
	}
	if strings.EqualFold(req.Name, access.SuperAdminRole) {
		writeError(w, requestID, http.StatusBadRequest, "invalid_request", "role name is reserved")
		return
	}
	permissions, unknown := access.NormalizePermissions(req.Permissions)
	if len(unknown) > 0 {
		writeError(w, requestID, http.StatusBadRequest, "invalid_request", "unknown permissions: "+strings.Join(unknown, ", "))
		return
	}
	if !requirePermission(w, r, access.PermissionRolesManage) || !requireOrganization(w, r, req.OrganizationID) {
		return
	}

	role, err := h.roles.CreateRole(r.Context(), models.Role{
		OrganizationID: req.OrganizationID,
		Name:           req.Name,
		Permissions:    permissions,
	})
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, requestID, status, code, msg)
		return
	}
	writeJSON(w, http.StatusCreated, role)
}

func (h *Handler) updateRolePermissions(w http.ResponseWriter, r *http.Request, roleID string) {
	requestID := requestIDFromRequest(r)
	var req updatePermissionsRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	req.OrganizationID = strings.TrimSpace(req.OrganizationID)
	if req.OrganizationID == "" || !isValidUUID(req.OrganizationID) {
		writeError(w, requestID, http.StatusBadRequest, "invalid_request", "organizationId must be a UUID")
		return
	}
	permissions, unknown := access.NormalizePermissions(req.Permissions)
	if len(unknown) > 0 {
		writeError(w, requestID, http.StatusBadRequest, "invalid_request", "unknown permissions: "+strings.Join(unknown, ", "))
		return
	}
	if !requirePermission(w, r, access.PermissionRolesManage) || !requireOrganization(w, r, req.OrganizationID) {
		return
	}

	role, err := h.roles.UpdateRolePermissions(r.Context(), req.OrganizationID, roleID, permissions)
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, requestID, status, code, msg)
		return
	}
	h.invalidateRole(r, req.OrganizationID, roleID)
	writeJSON(w, http.StatusOK, role)
}

func (h *Handler) deleteRole(w http.ResponseWriter, r *http.Request, roleID string) {
	organizationID, ok := organizationFromQuery(w, r)
	if !ok {
		return
	}
	if !requirePermission(w, r, access.PermissionRolesManage) || !requireOrganization(w, r, organizationID) {
		return
	}
	if err := h.roles.DeleteRole(r.Context(), organizationID, roleID); err != nil {
		status, code, msg := mapError(err)
		writeError(w, requestIDFromRequest(r), status, code, msg)
		return
	}
	h.invalidateRole(r, organizationID, roleID)
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) invalidateRole(r *http.Request, organizationID, roleID string) {
	if h.invalidator != nil {
		h.invalidator.Invalidate(r.Context(), organizationID, roleID)
	}
}
