package entitlement

import "ursly.org/internal/ids"

// Permission codes understood by the Ursly platform.
const (
	PermFilesRead          = "files:read"
	PermFilesWrite         = "files:write"
	PermFilesDelete        = "files:delete"
	PermFilesShare         = "files:share"
	PermTagsRead           = "tags:read"
	PermTagsManage         = "tags:manage"
	PermStorageManage      = "storage:manage"
	PermMetricsRead        = "metrics:read"
	PermUsersManage        = "users:manage"
	PermGroupsManage       = "groups:manage"
	PermEntitlementsManage = "entitlements:manage"
)

// BuiltinPermissions is the seeded catalog. IDs are stable and equal to
// the code so repeated seeding never duplicates entries.
var BuiltinPermissions = []Permission{
	{ID: PermFilesRead, Code: PermFilesRead, Name: "Read files"},
	{ID: PermFilesWrite, Code: PermFilesWrite, Name: "Upload and edit files"},
	{ID: PermFilesDelete, Code: PermFilesDelete, Name: "Delete files"},
	{ID: PermFilesShare, Code: PermFilesShare, Name: "Share files"},
	{ID: PermTagsRead, Code: PermTagsRead, Name: "View tags"},
	{ID: PermTagsManage, Code: PermTagsManage, Name: "Manage tags"},
	{ID: PermStorageManage, Code: PermStorageManage, Name: "Manage storage tiers"},
	{ID: PermMetricsRead, Code: PermMetricsRead, Name: "View system metrics"},
	{ID: PermUsersManage, Code: PermUsersManage, Name: "Manage users"},
	{ID: PermGroupsManage, Code: PermGroupsManage, Name: "Manage permission groups"},
	{ID: PermEntitlementsManage, Code: PermEntitlementsManage, Name: "Manage entitlements"},
}

// System group names seeded per organization.
const (
	GroupAdmin  = "Admin"
	GroupMember = "Member"
	GroupViewer = "Viewer"
)

// SystemGroups builds the system groups seeded for an organization on
// first touch. None is flagged default: a fresh organization without
// explicit default groups bootstraps its first user into Admin instead.
func SystemGroups(orgID string) []PermissionGroup {
	allPerms := make([]string, 0, len(BuiltinPermissions))
	for _, p := range BuiltinPermissions {
		allPerms = append(allPerms, p.ID)
	}
	return []PermissionGroup{
		{
			ID:             ids.New(),
			OrganizationID: orgID,
			Name:           GroupAdmin,
			Type:           GroupTypeSystem,
			PermissionIDs:  allPerms,
		},
		{
			ID:             ids.New(),
			OrganizationID: orgID,
			Name:           GroupMember,
			Type:           GroupTypeSystem,
			PermissionIDs: []string{
				PermFilesRead, PermFilesWrite, PermFilesShare,
				PermTagsRead, PermTagsManage, PermMetricsRead,
			},
		},
		{
			ID:             ids.New(),
			OrganizationID: orgID,
			Name:           GroupViewer,
			Type:           GroupTypeSystem,
			PermissionIDs:  []string{PermFilesRead, PermTagsRead, PermMetricsRead},
		},
	}
}
