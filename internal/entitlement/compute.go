package entitlement

import (
	"context"
	"errors"
	"fmt"

	"ursly.org/internal/obs"
)

// GetComputedPermissions returns the effective permission set for a
// (user, organization) pair, serving from the cache when a fresh entry
// exists. Returns ErrNotFound when no entitlement record exists.
func (s *Service) GetComputedPermissions(ctx context.Context, userID, orgID string) (*ComputedUserPermissions, error) {
	if cached, ok := s.cache.Get(orgID, userID); ok {
		obs.CacheLookup("hit")
		return cached, nil
	}
	obs.CacheLookup("miss")
	return s.compute(ctx, userID, orgID)
}

// compute resolves group memberships and direct grants into the flattened
// permission set, applies exclusions last, and caches the result.
func (s *Service) compute(ctx context.Context, userID, orgID string) (*ComputedUserPermissions, error) {
	ent, err := s.store.Entitlements().FindByUser(ctx, userID, orgID)
	if err != nil {
		return nil, err
	}

	computed := &ComputedUserPermissions{
		UserID:              userID,
		OrganizationID:      orgID,
		Groups:              []GroupRef{},
		Permissions:         []string{},
		PermissionDetails:   []PermissionDetail{},
		ExcludedPermissions: []string{},
		Status:              ent.Status,
		ComputedAt:          s.now().UTC(),
		ExpiresAt:           ent.ExpiresAt,
	}

	// Non-active entitlements always compute to an empty set. The result
	// is not cached so a status change is visible immediately.
	if ent.Status != StatusActive {
		return computed, nil
	}

	// Resolve groups in declaration order. Ids that no longer resolve are
	// skipped: a group may have been deleted out from under the
	// entitlement and that must not block authorization.
	groups := make([]*PermissionGroup, 0, len(ent.GroupIDs))
	for _, gid := range ent.GroupIDs {
		group, err := s.store.Groups().FindByID(ctx, gid)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("resolve group %s: %w", gid, err)
		}
		groups = append(groups, group)
		computed.Groups = append(computed.Groups, GroupRef{ID: group.ID, Name: group.Name, Type: group.Type})
	}

	// Union permission ids across groups, attributing each id to the
	// first group that granted it, then union in direct grants.
	rawIDs := make([]string, 0)
	grantedBy := make(map[string]*PermissionGroup)
	for _, group := range groups {
		for _, pid := range group.PermissionIDs {
			if _, ok := grantedBy[pid]; ok {
				continue
			}
			grantedBy[pid] = group
			rawIDs = append(rawIDs, pid)
		}
	}
	direct := make(map[string]struct{}, len(ent.DirectPermissions))
	for _, pid := range ent.DirectPermissions {
		direct[pid] = struct{}{}
		if _, ok := grantedBy[pid]; !ok {
			rawIDs = append(rawIDs, pid)
		}
	}

	perms, err := s.store.Permissions().FindByIDs(ctx, rawIDs)
	if err != nil {
		return nil, fmt.Errorf("resolve permissions: %w", err)
	}
	permByID := make(map[string]Permission, len(perms))
	for _, p := range perms {
		permByID[p.ID] = p
	}

	excluded := make(map[string]struct{})
	if len(ent.ExcludedPermissions) > 0 {
		exclPerms, err := s.store.Permissions().FindByIDs(ctx, ent.ExcludedPermissions)
		if err != nil {
			return nil, fmt.Errorf("resolve exclusions: %w", err)
		}
		for _, p := range exclPerms {
			excluded[p.Code] = struct{}{}
			computed.ExcludedPermissions = append(computed.ExcludedPermissions, p.Code)
		}
	}

	// Exclusion is applied last and always wins over any grant.
	for _, pid := range rawIDs {
		perm, ok := permByID[pid]
		if !ok {
			continue
		}
		if _, skip := excluded[perm.Code]; skip {
			continue
		}
		computed.Permissions = append(computed.Permissions, perm.Code)
		if group, ok := grantedBy[pid]; ok && group != nil {
			computed.PermissionDetails = append(computed.PermissionDetails, PermissionDetail{
				Code:      perm.Code,
				Name:      perm.Name,
				Source:    SourceGroup,
				GroupID:   group.ID,
				GroupName: group.Name,
			})
		}
		if _, ok := direct[pid]; ok {
			computed.PermissionDetails = append(computed.PermissionDetails, PermissionDetail{
				Code:   perm.Code,
				Name:   perm.Name,
				Source: SourceDirect,
			})
		}
	}

	s.cache.Set(computed)
	return computed, nil
}
