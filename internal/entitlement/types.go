package entitlement

import "time"

// Entitlement lifecycle statuses.
const (
	StatusPending   = "pending"
	StatusActive    = "active"
	StatusSuspended = "suspended"
	StatusExpired   = "expired"
)

// Permission group types.
const (
	GroupTypeSystem = "system"
	GroupTypeCustom = "custom"
)

// Default-group assignment condition types.
const (
	ConditionAlways       = "always"
	ConditionEmailDomain  = "email_domain"
	ConditionEmailPattern = "email_pattern"
	ConditionInvitation   = "invitation"
)

// Provenance sources for a computed permission.
const (
	SourceGroup  = "group"
	SourceDirect = "direct"
)

// Permission is a single grantable capability identified by a
// resource:action code.
type Permission struct {
	ID        string    `json:"id"`
	Code      string    `json:"code"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

// PermissionGroup bundles permissions under an organization-scoped name.
type PermissionGroup struct {
	ID             string    `json:"id"`
	OrganizationID string    `json:"organization_id"`
	Name           string    `json:"name"`
	Type           string    `json:"type"`
	PermissionIDs  []string  `json:"permission_ids"`
	IsDefault      bool      `json:"is_default"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// UserEntitlement binds a user, within an organization, to group
// memberships, direct grants, exclusions, and a lifecycle status.
// One record exists per (user, organization) pair.
type UserEntitlement struct {
	ID                  string     `json:"id"`
	UserID              string     `json:"user_id"`
	OrganizationID      string     `json:"organization_id"`
	Email               string     `json:"email"`
	GroupIDs            []string   `json:"group_ids"`
	DirectPermissions   []string   `json:"direct_permissions"`
	ExcludedPermissions []string   `json:"excluded_permissions"`
	Status              string     `json:"status"`
	ExpiresAt           *time.Time `json:"expires_at,omitempty"`
	LastValidatedAt     *time.Time `json:"last_validated_at,omitempty"`
	CreatedAt           time.Time  `json:"created_at"`
	UpdatedAt           time.Time  `json:"updated_at"`
}

// EntitlementUpdate describes a partial mutation of a stored entitlement.
type EntitlementUpdate struct {
	Status          *string
	ExpiresAt       *time.Time
	LastValidatedAt *time.Time
}

// DefaultGroupAssignment is an organization-scoped rule that places newly
// seen users into a group when its condition matches.
type DefaultGroupAssignment struct {
	ID             string    `json:"id"`
	OrganizationID string    `json:"organization_id"`
	ConditionType  string    `json:"condition_type"`
	ConditionValue string    `json:"condition_value,omitempty"`
	GroupID        string    `json:"group_id"`
	Active         bool      `json:"active"`
	CreatedAt      time.Time `json:"created_at"`
}

// GroupRef is the resolved view of a group membership inside a computed
// permission set.
type GroupRef struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Type string `json:"type"`
}

// PermissionDetail records where a computed permission came from. A code
// granted by a group and directly carries one entry per source.
type PermissionDetail struct {
	Code      string `json:"code"`
	Name      string `json:"name"`
	Source    string `json:"source"`
	GroupID   string `json:"group_id,omitempty"`
	GroupName string `json:"group_name,omitempty"`
}

// ComputedUserPermissions is the derived, cacheable effective permission
// set for a (user, organization) pair. Permissions never intersects
// ExcludedPermissions; exclusion is applied last.
type ComputedUserPermissions struct {
	UserID              string             `json:"user_id"`
	OrganizationID      string             `json:"organization_id"`
	Groups              []GroupRef         `json:"groups"`
	Permissions         []string           `json:"permissions"`
	PermissionDetails   []PermissionDetail `json:"permission_details"`
	ExcludedPermissions []string           `json:"excluded_permissions"`
	Status              string             `json:"status"`
	ComputedAt          time.Time          `json:"computed_at"`
	ExpiresAt           *time.Time         `json:"expires_at,omitempty"`
}

// HasPermission reports whether the computed set grants the given code.
func (c *ComputedUserPermissions) HasPermission(code string) bool {
	for _, p := range c.Permissions {
		if p == code {
			return true
		}
	}
	return false
}

// IsExcluded reports whether the given code is explicitly excluded.
func (c *ComputedUserPermissions) IsExcluded(code string) bool {
	for _, p := range c.ExcludedPermissions {
		if p == code {
			return true
		}
	}
	return false
}

// AuthorizationRequest describes a single (user, resource, action) check.
type AuthorizationRequest struct {
	UserID         string `json:"user_id"`
	Email          string `json:"email"`
	OrganizationID string `json:"organization_id"`
	Resource       string `json:"resource"`
	Action         string `json:"action"`
	ResourceID     string `json:"resource_id,omitempty"`
}

// PermissionCode returns the resource:action code for the request.
func (r AuthorizationRequest) PermissionCode() string {
	return r.Resource + ":" + r.Action
}

// AuthorizationResponse is the structured decision returned by Authorize.
// It is always populated; the authorize path never surfaces errors.
type AuthorizationResponse struct {
	Allowed     bool       `json:"allowed"`
	Permissions []string   `json:"permissions"`
	Groups      []GroupRef `json:"groups"`
	Reason      string     `json:"reason,omitempty"`
	ValidatedAt time.Time  `json:"validated_at"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty"`
}

// AuditEntry is an append-only record of an authorization decision or an
// entitlement mutation. The core only writes these.
type AuditEntry struct {
	ID             string         `json:"id"`
	OrganizationID string         `json:"organization_id"`
	Action         string         `json:"action"`
	ActorID        string         `json:"actor_id"`
	ActorEmail     string         `json:"actor_email,omitempty"`
	TargetType     string         `json:"target_type"`
	TargetID       string         `json:"target_id"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	OccurredAt     time.Time      `json:"occurred_at"`
}

// Audit actions written by the core.
const (
	AuditAuthorizationGranted = "authorization_granted"
	AuditAuthorizationDenied  = "authorization_denied"
	AuditUserAssignedToGroup  = "user_assigned_to_group"
	AuditAdminBootstrap       = "admin_bootstrap"
)
