package httpapi

import (
	"errors"
	"net/http"
	"strings"

	"ursly.org/internal/audit"
	"ursly.org/internal/entitlement"
)

// handleMyEntitlements returns the caller's computed permission set,
// provisioning the entitlement on first touch.
func (a *API) handleMyEntitlements(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	user, ok := entitlement.UserFromContext(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "authentication required")
		return
	}

	computed, err := a.svc.GetComputedPermissions(r.Context(), user.ID, user.OrganizationID)
	if errors.Is(err, entitlement.ErrNotFound) {
		if _, provErr := a.svc.ProvisionNewUser(r.Context(), user.ID, user.Email, user.OrganizationID); provErr != nil {
			writeError(w, r, http.StatusForbidden, "unable to provision access; contact your administrator")
			return
		}
		computed, err = a.svc.RefreshPermissions(r.Context(), user.ID, user.OrganizationID)
	}
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, computed)
}

// handleEntitlementScoped dispatches /v1/entitlements/{user}/refresh.
func (a *API) handleEntitlementScoped(w http.ResponseWriter, r *http.Request) {
	rest := strings.Trim(strings.TrimPrefix(r.URL.Path, "/v1/entitlements/"), "/")
	parts := strings.Split(rest, "/")
	if len(parts) == 2 && parts[1] == "refresh" {
		a.handleRefreshPermissions(w, r, parts[0])
		return
	}
	writeError(w, r, http.StatusNotFound, "resource not found")
}

func (a *API) handleRefreshPermissions(w http.ResponseWriter, r *http.Request, userID string) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	caller, _ := entitlement.UserFromContext(r.Context())
	userID = strings.TrimSpace(userID)
	if userID == "" {
		writeError(w, r, http.StatusBadRequest, "user id is required")
		return
	}

	computed, err := a.svc.RefreshPermissions(r.Context(), userID, caller.OrganizationID)
	if errors.Is(err, entitlement.ErrNotFound) {
		writeError(w, r, http.StatusNotFound, "entitlement not found")
		return
	}
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "internal error")
		return
	}

	_ = audit.LogEvent(r.Context(), "entitlement.permissions.refresh", map[string]any{
		"target_user_id": userID,
	})
	writeJSON(w, http.StatusOK, computed)
}

type bootstrapRequest struct {
	UserID         string `json:"user_id"`
	Email          string `json:"email"`
	OrganizationID string `json:"organization_id"`
}

// handleBootstrap grants the target user the organization's Admin group.
func (a *API) handleBootstrap(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	caller, _ := entitlement.UserFromContext(r.Context())

	var req bootstrapRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(req.UserID) == "" || strings.TrimSpace(req.Email) == "" {
		writeError(w, r, http.StatusBadRequest, "user_id and email are required")
		return
	}
	orgID := strings.TrimSpace(req.OrganizationID)
	if orgID == "" {
		orgID = caller.OrganizationID
	}

	ent, err := a.svc.BootstrapAdminUser(r.Context(), req.UserID, req.Email, orgID)
	if err != nil {
		if errors.Is(err, entitlement.ErrInvalidInput) {
			writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}
		writeError(w, r, http.StatusInternalServerError, "internal error")
		return
	}

	_ = audit.LogEvent(r.Context(), "entitlement.admin.bootstrap", map[string]any{
		"target_user_id":  req.UserID,
		"organization_id": orgID,
	})
	writeJSON(w, http.StatusCreated, ent)
}

func (a *API) handleListPermissions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	perms, err := a.store.Permissions().List(r.Context())
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"permissions": perms})
}

func (a *API) handleListGroups(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	caller, _ := entitlement.UserFromContext(r.Context())
	groups, err := a.store.Groups().FindByOrganization(r.Context(), caller.OrganizationID)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "internal error")
		return
	}
	if groups == nil {
		groups = []entitlement.PermissionGroup{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"groups": groups})
}

// handleGroupScoped dispatches /v1/groups/{id}/invalidate.
func (a *API) handleGroupScoped(w http.ResponseWriter, r *http.Request) {
	rest := strings.Trim(strings.TrimPrefix(r.URL.Path, "/v1/groups/"), "/")
	parts := strings.Split(rest, "/")
	if len(parts) == 2 && parts[1] == "invalidate" {
		a.handleInvalidateGroup(w, r, parts[0])
		return
	}
	writeError(w, r, http.StatusNotFound, "resource not found")
}

// handleInvalidateGroup drops cached permissions for every member of a
// group. Called after a group-definition edit.
func (a *API) handleInvalidateGroup(w http.ResponseWriter, r *http.Request, groupID string) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	groupID = strings.TrimSpace(groupID)
	if groupID == "" {
		writeError(w, r, http.StatusBadRequest, "group id is required")
		return
	}

	if err := a.svc.InvalidateCacheForGroup(r.Context(), groupID); err != nil {
		writeError(w, r, http.StatusInternalServerError, "internal error")
		return
	}

	_ = audit.LogEvent(r.Context(), "entitlement.group.invalidate", map[string]any{
		"group_id": groupID,
	})
	writeJSON(w, http.StatusOK, map[string]any{
		"status":   "invalidated",
		"group_id": groupID,
	})
}
