// Package memory provides a mutex-guarded in-memory implementation of
// the entitlement store ports. It backs the dev-mode server and the
// engine tests; production deployments use the pg adapter.
package memory

import (
	"context"
	"strings"
	"sync"

	"ursly.org/internal/entitlement"
)

type Store struct {
	mu           sync.RWMutex
	permissions  map[string]entitlement.Permission
	permOrder    []string
	groups       map[string]entitlement.PermissionGroup
	groupOrder   []string
	entitlements map[string]entitlement.UserEntitlement
	userIndex    map[string]string
	rules        []entitlement.DefaultGroupAssignment
	auditLog     []entitlement.AuditEntry
}

func New() *Store {
	return &Store{
		permissions:  make(map[string]entitlement.Permission),
		groups:       make(map[string]entitlement.PermissionGroup),
		entitlements: make(map[string]entitlement.UserEntitlement),
		userIndex:    make(map[string]string),
	}
}

var _ entitlement.Store = (*Store)(nil)

func (s *Store) Permissions() entitlement.PermissionStore   { return s }
func (s *Store) Groups() entitlement.GroupStore             { return s }
func (s *Store) Entitlements() entitlement.EntitlementStore { return s }
func (s *Store) Rules() entitlement.RuleStore               { return s }
func (s *Store) Audit() entitlement.AuditStore              { return s }

func userKey(userID, orgID string) string {
	return orgID + "|" + userID
}

// --- PermissionStore ---

func (s *Store) FindByIDs(ctx context.Context, ids []string) ([]entitlement.Permission, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	result := make([]entitlement.Permission, 0, len(ids))
	for _, id := range ids {
		if p, ok := s.permissions[id]; ok {
			result = append(result, p)
		}
	}
	return result, nil
}

func (s *Store) List(ctx context.Context) ([]entitlement.Permission, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	result := make([]entitlement.Permission, 0, len(s.permOrder))
	for _, id := range s.permOrder {
		result = append(result, s.permissions[id])
	}
	return result, nil
}

func (s *Store) SeedSystemPermissions(ctx context.Context, perms []entitlement.Permission) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range perms {
		if _, ok := s.permissions[p.ID]; ok {
			continue
		}
		s.permissions[p.ID] = p
		s.permOrder = append(s.permOrder, p.ID)
	}
	return nil
}

// --- GroupStore ---

func (s *Store) FindByID(ctx context.Context, id string) (*entitlement.PermissionGroup, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	g, ok := s.groups[id]
	if !ok {
		return nil, entitlement.ErrNotFound
	}
	copied := g
	return &copied, nil
}

func (s *Store) FindByOrganization(ctx context.Context, orgID string) ([]entitlement.PermissionGroup, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var result []entitlement.PermissionGroup
	for _, id := range s.groupOrder {
		if g := s.groups[id]; g.OrganizationID == orgID {
			result = append(result, g)
		}
	}
	return result, nil
}

func (s *Store) FindDefaultGroups(ctx context.Context, orgID string) ([]entitlement.PermissionGroup, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var result []entitlement.PermissionGroup
	for _, id := range s.groupOrder {
		if g := s.groups[id]; g.OrganizationID == orgID && g.IsDefault {
			result = append(result, g)
		}
	}
	return result, nil
}

func (s *Store) SeedSystemGroups(ctx context.Context, orgID string, groups []entitlement.PermissionGroup) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range s.groupOrder {
		if g := s.groups[id]; g.OrganizationID == orgID && g.Type == entitlement.GroupTypeSystem {
			return nil
		}
	}
	for _, g := range groups {
		s.groups[g.ID] = g
		s.groupOrder = append(s.groupOrder, g.ID)
	}
	return nil
}

// --- EntitlementStore ---

func (s *Store) FindByUser(ctx context.Context, userID, orgID string) (*entitlement.UserEntitlement, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.userIndex[userKey(userID, orgID)]
	if !ok {
		return nil, entitlement.ErrNotFound
	}
	ent := s.entitlements[id]
	copied := ent
	return &copied, nil
}

func (s *Store) FindByGroup(ctx context.Context, groupID string) ([]entitlement.UserEntitlement, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var result []entitlement.UserEntitlement
	for _, ent := range s.entitlements {
		for _, gid := range ent.GroupIDs {
			if gid == groupID {
				result = append(result, ent)
				break
			}
		}
	}
	return result, nil
}

func (s *Store) Create(ctx context.Context, ent *entitlement.UserEntitlement) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := userKey(ent.UserID, ent.OrganizationID)
	if _, ok := s.userIndex[key]; ok {
		return entitlement.ErrConflict
	}
	s.entitlements[ent.ID] = *ent
	s.userIndex[key] = ent.ID
	return nil
}

func (s *Store) Update(ctx context.Context, id string, upd entitlement.EntitlementUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ent, ok := s.entitlements[id]
	if !ok {
		return entitlement.ErrNotFound
	}
	if upd.Status != nil {
		ent.Status = *upd.Status
	}
	if upd.ExpiresAt != nil {
		ent.ExpiresAt = upd.ExpiresAt
	}
	if upd.LastValidatedAt != nil {
		ent.LastValidatedAt = upd.LastValidatedAt
	}
	s.entitlements[id] = ent
	return nil
}

func (s *Store) AssignToGroups(ctx context.Context, id string, groupIDs []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ent, ok := s.entitlements[id]
	if !ok {
		return entitlement.ErrNotFound
	}
	ent.GroupIDs = append([]string{}, groupIDs...)
	s.entitlements[id] = ent
	return nil
}

// --- RuleStore ---

func (s *Store) FindActiveByOrganization(ctx context.Context, orgID string) ([]entitlement.DefaultGroupAssignment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var result []entitlement.DefaultGroupAssignment
	for _, r := range s.rules {
		if r.OrganizationID == orgID && r.Active {
			result = append(result, r)
		}
	}
	return result, nil
}

// --- AuditStore ---

func (s *Store) Append(ctx context.Context, entry *entitlement.AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.auditLog = append(s.auditLog, *entry)
	return nil
}

// --- fixtures ---

// AddGroup inserts a group directly; used by dev fixtures and tests.
func (s *Store) AddGroup(g entitlement.PermissionGroup) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.groups[g.ID]; !ok {
		s.groupOrder = append(s.groupOrder, g.ID)
	}
	s.groups[g.ID] = g
}

// RemoveGroup deletes a group, leaving any entitlement references
// dangling, as group deletion does in production stores.
func (s *Store) RemoveGroup(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.groups, id)
	for i, gid := range s.groupOrder {
		if gid == id {
			s.groupOrder = append(s.groupOrder[:i], s.groupOrder[i+1:]...)
			break
		}
	}
}

// SetGroupPermissions replaces a group's permission set, simulating an
// admin group edit.
func (s *Store) SetGroupPermissions(id string, permissionIDs []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.groups[id]
	if !ok {
		return
	}
	g.PermissionIDs = append([]string{}, permissionIDs...)
	s.groups[id] = g
}

// AddRule inserts a default-group assignment rule.
func (s *Store) AddRule(r entitlement.DefaultGroupAssignment) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rules = append(s.rules, r)
}

// AddEntitlement inserts an entitlement record directly.
func (s *Store) AddEntitlement(ent entitlement.UserEntitlement) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entitlements[ent.ID] = ent
	s.userIndex[userKey(ent.UserID, ent.OrganizationID)] = ent.ID
}

// AuditEntries returns a snapshot of the appended audit log.
func (s *Store) AuditEntries() []entitlement.AuditEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]entitlement.AuditEntry, len(s.auditLog))
	copy(out, s.auditLog)
	return out
}

// GroupByName returns the first group with the given name in the
// organization, or nil.
func (s *Store) GroupByName(orgID, name string) *entitlement.PermissionGroup {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, id := range s.groupOrder {
		if g := s.groups[id]; g.OrganizationID == orgID && strings.EqualFold(g.Name, name) {
			copied := g
			return &copied
		}
	}
	return nil
}
