package httpapi

import (
	"net/http"
	"strings"

	"ursly.org/internal/entitlement"
)

// Permission evaluation modes for routes guarded with more than one
// permission.
const (
	ModeAll = "all"
	ModeAny = "any"
)

const orgHeader = "X-Organization-Id"

// Requirement declares what a route demands from the caller. An empty
// permission list still validates the caller's entitlement; Skip and
// Public bypass the guard entirely.
type Requirement struct {
	Permissions []string
	Mode        string
	Skip        bool
	Public      bool
}

// RequireAll builds a requirement where every permission must be held.
func RequireAll(permissions ...string) Requirement {
	return Requirement{Permissions: permissions, Mode: ModeAll}
}

// RequireAny builds a requirement where at least one permission must be
// held.
func RequireAny(permissions ...string) Requirement {
	return Requirement{Permissions: permissions, Mode: ModeAny}
}

// Guard enforces route requirements against the entitlement service.
type Guard struct {
	svc *entitlement.Service
}

// NewGuard constructs a Guard backed by the given service.
func NewGuard(svc *entitlement.Service) *Guard {
	return &Guard{svc: svc}
}

// Protect wraps a handler with the requirement. Passing requests carry
// the resolved entitlement user in the context so handlers never
// re-fetch it.
func (g *Guard) Protect(req Requirement, next http.Handler) http.Handler {
	if req.Skip || req.Public {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Both the user id and email must be resolvable: provisioning and
		// the stored-email check are keyed on them.
		identity, ok := IdentityFromContext(r.Context())
		if !ok || strings.TrimSpace(identity.UserID) == "" || strings.TrimSpace(identity.Email) == "" {
			writeError(w, r, http.StatusUnauthorized, "authentication required")
			return
		}
		orgID := resolveOrganization(r, identity)

		if len(req.Permissions) == 0 {
			valid, err := g.svc.ValidateEntitlements(r.Context(), identity.UserID, identity.Email, orgID)
			if err != nil {
				writeError(w, r, http.StatusForbidden, "authorization temporarily unavailable; try again later")
				return
			}
			if !valid {
				writeError(w, r, http.StatusForbidden, "access suspended or entitlement invalid; contact your administrator")
				return
			}
			ctx := entitlement.ContextWithUser(r.Context(), entitlement.User{
				ID:             identity.UserID,
				Email:          identity.Email,
				OrganizationID: orgID,
			})
			next.ServeHTTP(w, r.WithContext(ctx))
			return
		}

		user := entitlement.User{
			ID:             identity.UserID,
			Email:          identity.Email,
			OrganizationID: orgID,
		}
		anyAllowed := false
		allAllowed := true
		var denyReason string
		for _, code := range req.Permissions {
			resource, action, found := strings.Cut(code, ":")
			if !found {
				writeError(w, r, http.StatusInternalServerError, "malformed route permission")
				return
			}
			resp := g.svc.Authorize(r.Context(), entitlement.AuthorizationRequest{
				UserID:         identity.UserID,
				Email:          identity.Email,
				OrganizationID: orgID,
				Resource:       resource,
				Action:         action,
			})
			if resp.Allowed {
				anyAllowed = true
				user.Permissions = unionStrings(user.Permissions, resp.Permissions)
				user.Groups = unionGroups(user.Groups, resp.Groups)
			} else {
				allAllowed = false
				if denyReason == "" {
					denyReason = resp.Reason
				}
			}
		}

		// A bare permission list defaults to any-of.
		mode := req.Mode
		if mode == "" {
			mode = ModeAny
		}
		allowed := allAllowed
		if mode == ModeAny {
			allowed = anyAllowed
		}
		if !allowed {
			writeError(w, r, http.StatusForbidden, denyMessage(req.Permissions, mode, denyReason))
			return
		}

		next.ServeHTTP(w, r.WithContext(entitlement.ContextWithUser(r.Context(), user)))
	})
}

// resolveOrganization picks the tenant for the request: explicit header,
// then query parameter, then the token claim, then the single-tenant
// default.
func resolveOrganization(r *http.Request, identity Identity) string {
	if v := strings.TrimSpace(r.Header.Get(orgHeader)); v != "" {
		return v
	}
	if v := strings.TrimSpace(r.URL.Query().Get("organizationId")); v != "" {
		return v
	}
	if identity.OrganizationID != "" {
		return identity.OrganizationID
	}
	return "default"
}

func denyMessage(permissions []string, mode, reason string) string {
	if reason != "" && reason != "missing required permission" {
		return reason
	}
	joiner := " OR "
	if mode == ModeAll {
		joiner = " AND "
	}
	return "required permission: " + strings.Join(permissions, joiner)
}

func unionStrings(dst, src []string) []string {
	seen := make(map[string]struct{}, len(dst))
	for _, s := range dst {
		seen[s] = struct{}{}
	}
	for _, s := range src {
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		dst = append(dst, s)
	}
	return dst
}

func unionGroups(dst, src []entitlement.GroupRef) []entitlement.GroupRef {
	seen := make(map[string]struct{}, len(dst))
	for _, g := range dst {
		seen[g.ID] = struct{}{}
	}
	for _, g := range src {
		if _, ok := seen[g.ID]; ok {
			continue
		}
		seen[g.ID] = struct{}{}
		dst = append(dst, g)
	}
	return dst
}
