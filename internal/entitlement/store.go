package entitlement

import "context"

// Store describes persistence operations required by the entitlement
// subsystem. The engine performs no transactions across sub-stores.
type Store interface {
	Permissions() PermissionStore
	Groups() GroupStore
	Entitlements() EntitlementStore
	Rules() RuleStore
	Audit() AuditStore
}

// PermissionStore manages the permission catalog.
type PermissionStore interface {
	FindByIDs(ctx context.Context, ids []string) ([]Permission, error)
	List(ctx context.Context) ([]Permission, error)
	// SeedSystemPermissions inserts the built-in catalog. Idempotent.
	SeedSystemPermissions(ctx context.Context, perms []Permission) error
}

// GroupStore manages permission groups.
type GroupStore interface {
	FindByID(ctx context.Context, id string) (*PermissionGroup, error)
	FindByOrganization(ctx context.Context, orgID string) ([]PermissionGroup, error)
	FindDefaultGroups(ctx context.Context, orgID string) ([]PermissionGroup, error)
	// SeedSystemGroups creates the system groups for an organization on
	// first touch. Idempotent.
	SeedSystemGroups(ctx context.Context, orgID string, groups []PermissionGroup) error
}

// EntitlementStore manages user entitlement records.
type EntitlementStore interface {
	FindByUser(ctx context.Context, userID, orgID string) (*UserEntitlement, error)
	FindByGroup(ctx context.Context, groupID string) ([]UserEntitlement, error)
	Create(ctx context.Context, ent *UserEntitlement) error
	Update(ctx context.Context, id string, upd EntitlementUpdate) error
	AssignToGroups(ctx context.Context, id string, groupIDs []string) error
}

// RuleStore manages default-group assignment rules.
type RuleStore interface {
	FindActiveByOrganization(ctx context.Context, orgID string) ([]DefaultGroupAssignment, error)
}

// AuditStore appends immutable entries.
type AuditStore interface {
	Append(ctx context.Context, entry *AuditEntry) error
}
