package entitlement

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"ursly.org/internal/ids"
	"ursly.org/internal/obs"
)

const (
	defaultCacheTTL  = 5 * time.Minute
	defaultCacheSize = 4096
)

// Deny reasons surfaced to callers. Store failure detail is logged, never
// leaked in a response.
const (
	reasonInvalid      = "access suspended or entitlement invalid; contact your administrator"
	reasonNoProvision  = "unable to provision access; contact your administrator"
	reasonUnavailable  = "authorization temporarily unavailable; try again later"
	reasonNoPermission = "missing required permission"
)

// Service orchestrates entitlement validation, provisioning, permission
// computation, and allow/deny decisions.
type Service struct {
	store     Store
	cache     *permissionsCache
	now       func() time.Time
	cacheTTL  time.Duration
	cacheSize int
}

// ServiceOption configures Service behavior.
type ServiceOption func(*Service) error

// WithClock overrides the time source (useful for tests).
func WithClock(fn func() time.Time) ServiceOption {
	return func(s *Service) error {
		if fn != nil {
			s.now = fn
		}
		return nil
	}
}

// WithCacheTTL configures the computed-permissions cache lifetime.
func WithCacheTTL(ttl time.Duration) ServiceOption {
	return func(s *Service) error {
		if ttl > 0 {
			s.cacheTTL = ttl
		}
		return nil
	}
}

// WithCacheSize configures the computed-permissions cache capacity.
func WithCacheSize(size int) ServiceOption {
	return func(s *Service) error {
		if size > 0 {
			s.cacheSize = size
		}
		return nil
	}
}

// NewService constructs a Service with optional configuration.
func NewService(store Store, opts ...ServiceOption) (*Service, error) {
	if store == nil {
		return nil, errors.New("entitlement store is required")
	}
	svc := &Service{
		store:     store,
		now:       time.Now,
		cacheTTL:  defaultCacheTTL,
		cacheSize: defaultCacheSize,
	}
	for _, opt := range opts {
		if err := opt(svc); err != nil {
			return nil, err
		}
	}
	svc.cache = newPermissionsCache(svc.cacheSize, svc.cacheTTL)
	return svc, nil
}

// EnsureCatalog seeds the built-in permission catalog. Idempotent.
func (s *Service) EnsureCatalog(ctx context.Context) error {
	return s.store.Permissions().SeedSystemPermissions(ctx, BuiltinPermissions)
}

// Authorize resolves a (user, resource, action) triple to a structured
// allow/deny decision. It never returns an error: any internal fault
// degrades to a deny with a generic reason. Fail closed.
func (s *Service) Authorize(ctx context.Context, req AuthorizationRequest) *AuthorizationResponse {
	now := s.now().UTC()

	valid, err := s.ValidateEntitlements(ctx, req.UserID, req.Email, req.OrganizationID)
	if err != nil {
		obs.Log("error", "entitlement validation failed", map[string]any{
			"user_id": req.UserID, "organization_id": req.OrganizationID, "error": err.Error(),
		})
		return s.deny(ctx, req, now, reasonUnavailable, nil)
	}
	if !valid {
		return s.deny(ctx, req, now, reasonInvalid, nil)
	}

	computed, err := s.GetComputedPermissions(ctx, req.UserID, req.OrganizationID)
	if errors.Is(err, ErrNotFound) {
		if _, provErr := s.ProvisionNewUser(ctx, req.UserID, req.Email, req.OrganizationID); provErr != nil {
			obs.Log("error", "auto-provisioning failed", map[string]any{
				"user_id": req.UserID, "organization_id": req.OrganizationID, "error": provErr.Error(),
			})
			return s.deny(ctx, req, now, reasonNoProvision, nil)
		}
		// Force a fresh computation for the newly created entitlement.
		s.InvalidateCache(req.UserID, req.OrganizationID)
		computed, err = s.compute(ctx, req.UserID, req.OrganizationID)
	}
	if err != nil {
		obs.Log("error", "permission computation failed", map[string]any{
			"user_id": req.UserID, "organization_id": req.OrganizationID, "error": err.Error(),
		})
		return s.deny(ctx, req, now, reasonUnavailable, nil)
	}

	code := req.PermissionCode()
	hasPermission := computed.HasPermission(code)
	isExcluded := computed.IsExcluded(code)
	allowed := hasPermission && !isExcluded

	action := AuditAuthorizationDenied
	outcome := "denied"
	if allowed {
		action = AuditAuthorizationGranted
		outcome = "granted"
	}
	s.audit(ctx, &AuditEntry{
		OrganizationID: req.OrganizationID,
		Action:         action,
		ActorID:        req.UserID,
		ActorEmail:     req.Email,
		TargetType:     req.Resource,
		TargetID:       req.ResourceID,
		Metadata: map[string]any{
			"permission_code": code,
			"has_permission":  hasPermission,
			"is_excluded":     isExcluded,
		},
	})
	obs.AuthzDecision(outcome)

	resp := &AuthorizationResponse{
		Allowed:     allowed,
		Permissions: computed.Permissions,
		Groups:      computed.Groups,
		ValidatedAt: now,
		ExpiresAt:   computed.ExpiresAt,
	}
	if !allowed {
		resp.Reason = reasonNoPermission
	}
	return resp
}

func (s *Service) deny(ctx context.Context, req AuthorizationRequest, now time.Time, reason string, computed *ComputedUserPermissions) *AuthorizationResponse {
	s.audit(ctx, &AuditEntry{
		OrganizationID: req.OrganizationID,
		Action:         AuditAuthorizationDenied,
		ActorID:        req.UserID,
		ActorEmail:     req.Email,
		TargetType:     req.Resource,
		TargetID:       req.ResourceID,
		Metadata:       map[string]any{"permission_code": req.PermissionCode(), "reason": reason},
	})
	obs.AuthzDecision("denied")
	resp := &AuthorizationResponse{
		Allowed:     false,
		Permissions: []string{},
		Groups:      []GroupRef{},
		Reason:      reason,
		ValidatedAt: now,
	}
	if computed != nil {
		resp.Permissions = computed.Permissions
		resp.Groups = computed.Groups
	}
	return resp
}

// ValidateEntitlements checks that the stored entitlement, if any, is
// usable for the supplied identity. Absence is valid: it signals that
// provisioning is needed, handled upstream. The check has write-through
// side effects: expired records transition to the expired status, and
// valid records get a lastValidatedAt stamp.
func (s *Service) ValidateEntitlements(ctx context.Context, userID, email, orgID string) (bool, error) {
	ent, err := s.store.Entitlements().FindByUser(ctx, userID, orgID)
	if errors.Is(err, ErrNotFound) {
		return true, nil
	}
	if err != nil {
		return false, err
	}

	if !strings.EqualFold(strings.TrimSpace(ent.Email), strings.TrimSpace(email)) {
		obs.Log("warn", "entitlement email mismatch", map[string]any{
			"user_id":         userID,
			"organization_id": orgID,
			"stored_email":    ent.Email,
			"supplied_email":  email,
		})
		return false, nil
	}

	if ent.Status != StatusActive && ent.Status != StatusPending {
		return false, nil
	}

	now := s.now().UTC()
	if ent.ExpiresAt != nil && ent.ExpiresAt.Before(now) {
		expired := StatusExpired
		if updErr := s.store.Entitlements().Update(ctx, ent.ID, EntitlementUpdate{Status: &expired}); updErr != nil {
			obs.Log("warn", "expiry transition failed", map[string]any{
				"entitlement_id": ent.ID, "error": updErr.Error(),
			})
		}
		s.InvalidateCache(userID, orgID)
		return false, nil
	}

	if updErr := s.store.Entitlements().Update(ctx, ent.ID, EntitlementUpdate{LastValidatedAt: &now}); updErr != nil {
		obs.Log("warn", "validation stamp failed", map[string]any{
			"entitlement_id": ent.ID, "error": updErr.Error(),
		})
	}
	return true, nil
}

// RefreshPermissions invalidates the cache and forces a recomputation.
// Unlike the request-time path this is an administrative operation and
// propagates failure, including ErrNotFound when the entitlement no
// longer resolves.
func (s *Service) RefreshPermissions(ctx context.Context, userID, orgID string) (*ComputedUserPermissions, error) {
	s.InvalidateCache(userID, orgID)
	return s.compute(ctx, userID, orgID)
}

// InvalidateCache drops the cached permission set for one user.
func (s *Service) InvalidateCache(userID, orgID string) {
	s.cache.Invalidate(orgID, userID)
}

// InvalidateCacheForGroup drops cached permission sets for every member
// of the group. Required after a group-definition edit so no member is
// served stale permissions for a full TTL.
func (s *Service) InvalidateCacheForGroup(ctx context.Context, groupID string) error {
	members, err := s.store.Entitlements().FindByGroup(ctx, groupID)
	if err != nil {
		return fmt.Errorf("list group members: %w", err)
	}
	for _, member := range members {
		s.cache.Invalidate(member.OrganizationID, member.UserID)
	}
	return nil
}

// ProvisionNewUser creates an entitlement for a previously unseen
// (user, organization) pair, placing the user into groups resolved from
// the organization's default-group assignment rules.
func (s *Service) ProvisionNewUser(ctx context.Context, userID, email, orgID string) (*UserEntitlement, error) {
	if strings.TrimSpace(userID) == "" || strings.TrimSpace(orgID) == "" {
		return nil, fmt.Errorf("%w: user_id and organization_id are required", ErrInvalidInput)
	}
	if err := s.EnsureCatalog(ctx); err != nil {
		return nil, fmt.Errorf("seed permission catalog: %w", err)
	}

	groups, err := s.store.Groups().FindByOrganization(ctx, orgID)
	if err != nil {
		return nil, fmt.Errorf("list groups: %w", err)
	}
	if len(groups) == 0 {
		if err := s.store.Groups().SeedSystemGroups(ctx, orgID, SystemGroups(orgID)); err != nil {
			return nil, fmt.Errorf("seed system groups: %w", err)
		}
		groups, err = s.store.Groups().FindByOrganization(ctx, orgID)
		if err != nil {
			return nil, fmt.Errorf("list groups: %w", err)
		}
	}

	groupIDs, err := s.resolveDefaultGroups(ctx, orgID, email, groups)
	if err != nil {
		return nil, err
	}

	now := s.now().UTC()
	ent := &UserEntitlement{
		ID:                  ids.New(),
		UserID:              userID,
		OrganizationID:      orgID,
		Email:               strings.TrimSpace(strings.ToLower(email)),
		GroupIDs:            groupIDs,
		DirectPermissions:   []string{},
		ExcludedPermissions: []string{},
		Status:              StatusActive,
		CreatedAt:           now,
		UpdatedAt:           now,
	}
	if err := s.store.Entitlements().Create(ctx, ent); err != nil {
		if errors.Is(err, ErrConflict) {
			// A concurrent authorize call provisioned first; use its record.
			return s.store.Entitlements().FindByUser(ctx, userID, orgID)
		}
		return nil, fmt.Errorf("%w: %v", ErrNotProvisioned, err)
	}

	s.audit(ctx, &AuditEntry{
		OrganizationID: orgID,
		Action:         AuditUserAssignedToGroup,
		ActorID:        userID,
		ActorEmail:     ent.Email,
		TargetType:     "user_entitlement",
		TargetID:       ent.ID,
		Metadata:       map[string]any{"group_ids": groupIDs, "is_new_user": true},
	})
	obs.UserProvisioned()
	return ent, nil
}

// resolveDefaultGroups collects the target groups of every matching
// assignment rule, falling back to default-flagged groups and finally to
// the Admin group so the first user of a fresh organization is never
// locked out.
func (s *Service) resolveDefaultGroups(ctx context.Context, orgID, email string, groups []PermissionGroup) ([]string, error) {
	rules, err := s.store.Rules().FindActiveByOrganization(ctx, orgID)
	if err != nil {
		return nil, fmt.Errorf("list assignment rules: %w", err)
	}

	seen := make(map[string]struct{})
	var groupIDs []string
	for _, rule := range rules {
		if !rule.Active {
			continue
		}
		if !EvaluateDefaultGroupCondition(rule, email) {
			continue
		}
		if _, ok := seen[rule.GroupID]; ok {
			continue
		}
		seen[rule.GroupID] = struct{}{}
		groupIDs = append(groupIDs, rule.GroupID)
	}
	if len(groupIDs) > 0 {
		return groupIDs, nil
	}

	defaults, err := s.store.Groups().FindDefaultGroups(ctx, orgID)
	if err != nil {
		return nil, fmt.Errorf("list default groups: %w", err)
	}
	for _, g := range defaults {
		groupIDs = append(groupIDs, g.ID)
	}
	if len(groupIDs) > 0 {
		return groupIDs, nil
	}

	for _, g := range groups {
		if g.Name == GroupAdmin {
			return []string{g.ID}, nil
		}
	}
	return nil, fmt.Errorf("%w: organization %s has no admin group", ErrNotProvisioned, orgID)
}

// BootstrapAdminUser unconditionally ensures the user holds the
// organization's Admin group, creating the entitlement if absent. An
// administrative, out-of-band operation: errors propagate. Idempotent
// beyond the audit entry.
func (s *Service) BootstrapAdminUser(ctx context.Context, userID, email, orgID string) (*UserEntitlement, error) {
	if err := s.EnsureCatalog(ctx); err != nil {
		return nil, fmt.Errorf("seed permission catalog: %w", err)
	}
	groups, err := s.store.Groups().FindByOrganization(ctx, orgID)
	if err != nil {
		return nil, fmt.Errorf("list groups: %w", err)
	}
	if len(groups) == 0 {
		if err := s.store.Groups().SeedSystemGroups(ctx, orgID, SystemGroups(orgID)); err != nil {
			return nil, fmt.Errorf("seed system groups: %w", err)
		}
		groups, err = s.store.Groups().FindByOrganization(ctx, orgID)
		if err != nil {
			return nil, fmt.Errorf("list groups: %w", err)
		}
	}
	var adminGroup *PermissionGroup
	for i := range groups {
		if groups[i].Name == GroupAdmin {
			adminGroup = &groups[i]
			break
		}
	}
	if adminGroup == nil {
		return nil, fmt.Errorf("organization %s has no admin group", orgID)
	}

	ent, err := s.store.Entitlements().FindByUser(ctx, userID, orgID)
	switch {
	case errors.Is(err, ErrNotFound):
		now := s.now().UTC()
		ent = &UserEntitlement{
			ID:                  ids.New(),
			UserID:              userID,
			OrganizationID:      orgID,
			Email:               strings.TrimSpace(strings.ToLower(email)),
			GroupIDs:            []string{adminGroup.ID},
			DirectPermissions:   []string{},
			ExcludedPermissions: []string{},
			Status:              StatusActive,
			CreatedAt:           now,
			UpdatedAt:           now,
		}
		if err := s.store.Entitlements().Create(ctx, ent); err != nil {
			return nil, fmt.Errorf("create entitlement: %w", err)
		}
	case err != nil:
		return nil, err
	default:
		hasAdmin := false
		for _, gid := range ent.GroupIDs {
			if gid == adminGroup.ID {
				hasAdmin = true
				break
			}
		}
		if !hasAdmin {
			assigned := append(append([]string{}, ent.GroupIDs...), adminGroup.ID)
			if err := s.store.Entitlements().AssignToGroups(ctx, ent.ID, assigned); err != nil {
				return nil, fmt.Errorf("assign admin group: %w", err)
			}
			ent.GroupIDs = assigned
		}
	}

	s.audit(ctx, &AuditEntry{
		OrganizationID: orgID,
		Action:         AuditAdminBootstrap,
		ActorID:        userID,
		ActorEmail:     email,
		TargetType:     "user_entitlement",
		TargetID:       ent.ID,
		Metadata:       map[string]any{"group_id": adminGroup.ID},
	})

	if _, err := s.RefreshPermissions(ctx, userID, orgID); err != nil {
		return nil, fmt.Errorf("refresh permissions: %w", err)
	}
	return ent, nil
}

// audit appends an entry to the audit sink. Failures are logged, never
// propagated: audit must not block an authorization decision.
func (s *Service) audit(ctx context.Context, entry *AuditEntry) {
	if entry.ID == "" {
		entry.ID = ids.New()
	}
	if entry.OccurredAt.IsZero() {
		entry.OccurredAt = s.now().UTC()
	}
	if err := s.store.Audit().Append(ctx, entry); err != nil {
		obs.Log("warn", "audit append failed", map[string]any{
			"action": entry.Action, "error": err.Error(),
		})
	}
}
