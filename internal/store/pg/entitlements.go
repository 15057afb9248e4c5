package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"ursly.org/internal/entitlement"
)

// --- PermissionStore ---

func (s *Store) FindByIDs(ctx context.Context, ids []string) ([]entitlement.Permission, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	placeholders := make([]string, len(ids))
	args := make([]any, len(ids))
	for i, id := range ids {
		placeholders[i] = fmt.Sprintf("$%d", i+1)
		args[i] = id
	}
	rows, err := s.db.QueryContext(ctx, `
		select id, code, name, created_at
		from permissions
		where id in (`+strings.Join(placeholders, ",")+`)
	`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []entitlement.Permission
	for rows.Next() {
		var p entitlement.Permission
		if err := rows.Scan(&p.ID, &p.Code, &p.Name, &p.CreatedAt); err != nil {
			return nil, err
		}
		result = append(result, p)
	}
	return result, rows.Err()
}

func (s *Store) List(ctx context.Context) ([]entitlement.Permission, error) {
	rows, err := s.db.QueryContext(ctx, `
		select id, code, name, created_at
		from permissions
		order by code
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []entitlement.Permission
	for rows.Next() {
		var p entitlement.Permission
		if err := rows.Scan(&p.ID, &p.Code, &p.Name, &p.CreatedAt); err != nil {
			return nil, err
		}
		result = append(result, p)
	}
	return result, rows.Err()
}

func (s *Store) SeedSystemPermissions(ctx context.Context, perms []entitlement.Permission) error {
	for _, p := range perms {
		if _, err := s.db.ExecContext(ctx, `
			insert into permissions (id, code, name)
			values ($1, $2, $3)
			on conflict (id) do nothing
		`, p.ID, p.Code, p.Name); err != nil {
			return fmt.Errorf("seed permission %s: %w", p.Code, err)
		}
	}
	return nil
}

// --- GroupStore ---

func scanGroup(row interface{ Scan(...any) error }) (*entitlement.PermissionGroup, error) {
	var (
		g      entitlement.PermissionGroup
		rawIDs []byte
	)
	if err := row.Scan(&g.ID, &g.OrganizationID, &g.Name, &g.Type, &rawIDs, &g.IsDefault, &g.CreatedAt, &g.UpdatedAt); err != nil {
		return nil, err
	}
	g.PermissionIDs = []string{}
	if len(rawIDs) > 0 {
		if err := json.Unmarshal(rawIDs, &g.PermissionIDs); err != nil {
			return nil, fmt.Errorf("decode permission ids: %w", err)
		}
	}
	return &g, nil
}

func (s *Store) FindByID(ctx context.Context, id string) (*entitlement.PermissionGroup, error) {
	row := s.db.QueryRowContext(ctx, `
		select id, organization_id, name, type, permission_ids, is_default, created_at, updated_at
		from permission_groups
		where id = $1
	`, id)
	g, err := scanGroup(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, entitlement.ErrNotFound
	}
	return g, err
}

func (s *Store) groupsWhere(ctx context.Context, clause string, args ...any) ([]entitlement.PermissionGroup, error) {
	rows, err := s.db.QueryContext(ctx, `
		select id, organization_id, name, type, permission_ids, is_default, created_at, updated_at
		from permission_groups
		`+clause+`
		order by name
	`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []entitlement.PermissionGroup
	for rows.Next() {
		g, err := scanGroup(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *g)
	}
	return result, rows.Err()
}

func (s *Store) FindByOrganization(ctx context.Context, orgID string) ([]entitlement.PermissionGroup, error) {
	return s.groupsWhere(ctx, `where organization_id = $1`, orgID)
}

func (s *Store) FindDefaultGroups(ctx context.Context, orgID string) ([]entitlement.PermissionGroup, error) {
	return s.groupsWhere(ctx, `where organization_id = $1 and is_default`, orgID)
}

func (s *Store) SeedSystemGroups(ctx context.Context, orgID string, groups []entitlement.PermissionGroup) error {
	var count int
	if err := s.db.QueryRowContext(ctx, `
		select count(*) from permission_groups
		where organization_id = $1 and type = $2
	`, orgID, entitlement.GroupTypeSystem).Scan(&count); err != nil {
		return err
	}
	if count > 0 {
		return nil
	}
	for _, g := range groups {
		rawIDs, err := json.Marshal(g.PermissionIDs)
		if err != nil {
			return fmt.Errorf("encode permission ids: %w", err)
		}
		if _, err := s.db.ExecContext(ctx, `
			insert into permission_groups (id, organization_id, name, type, permission_ids, is_default)
			values ($1, $2, $3, $4, $5, $6)
			on conflict (organization_id, name) do nothing
		`, g.ID, g.OrganizationID, g.Name, g.Type, rawIDs, g.IsDefault); err != nil {
			return fmt.Errorf("seed group %s: %w", g.Name, err)
		}
	}
	return nil
}

// --- EntitlementStore ---

func scanEntitlement(row interface{ Scan(...any) error }) (*entitlement.UserEntitlement, error) {
	var (
		ent                          entitlement.UserEntitlement
		rawGroups, rawDirect, rawExc []byte
		expiresAt, lastValidatedAt   sql.NullTime
	)
	if err := row.Scan(
		&ent.ID, &ent.UserID, &ent.OrganizationID, &ent.Email,
		&rawGroups, &rawDirect, &rawExc,
		&ent.Status, &expiresAt, &lastValidatedAt, &ent.CreatedAt, &ent.UpdatedAt,
	); err != nil {
		return nil, err
	}
	if err := decodeIDSet(rawGroups, &ent.GroupIDs); err != nil {
		return nil, err
	}
	if err := decodeIDSet(rawDirect, &ent.DirectPermissions); err != nil {
		return nil, err
	}
	if err := decodeIDSet(rawExc, &ent.ExcludedPermissions); err != nil {
		return nil, err
	}
	if expiresAt.Valid {
		ent.ExpiresAt = &expiresAt.Time
	}
	if lastValidatedAt.Valid {
		ent.LastValidatedAt = &lastValidatedAt.Time
	}
	return &ent, nil
}

func decodeIDSet(raw []byte, dst *[]string) error {
	*dst = []string{}
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("decode id set: %w", err)
	}
	return nil
}

const entitlementColumns = `id, user_id, organization_id, email,
		group_ids, direct_permissions, excluded_permissions,
		status, expires_at, last_validated_at, created_at, updated_at`

func (s *Store) FindByUser(ctx context.Context, userID, orgID string) (*entitlement.UserEntitlement, error) {
	row := s.db.QueryRowContext(ctx, `
		select `+entitlementColumns+`
		from user_entitlements
		where user_id = $1 and organization_id = $2
	`, userID, orgID)
	ent, err := scanEntitlement(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, entitlement.ErrNotFound
	}
	return ent, err
}

func (s *Store) FindByGroup(ctx context.Context, groupID string) ([]entitlement.UserEntitlement, error) {
	rows, err := s.db.QueryContext(ctx, `
		select `+entitlementColumns+`
		from user_entitlements
		where group_ids @> jsonb_build_array($1::text)
	`, groupID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []entitlement.UserEntitlement
	for rows.Next() {
		ent, err := scanEntitlement(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *ent)
	}
	return result, rows.Err()
}

func (s *Store) Create(ctx context.Context, ent *entitlement.UserEntitlement) error {
	rawGroups, err := json.Marshal(ent.GroupIDs)
	if err != nil {
		return fmt.Errorf("encode group ids: %w", err)
	}
	rawDirect, err := json.Marshal(ent.DirectPermissions)
	if err != nil {
		return fmt.Errorf("encode direct permissions: %w", err)
	}
	rawExc, err := json.Marshal(ent.ExcludedPermissions)
	if err != nil {
		return fmt.Errorf("encode excluded permissions: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		insert into user_entitlements
			(id, user_id, organization_id, email, group_ids, direct_permissions, excluded_permissions, status, expires_at)
		values ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, ent.ID, ent.UserID, ent.OrganizationID, ent.Email, rawGroups, rawDirect, rawExc, ent.Status, ent.ExpiresAt)
	if err != nil {
		if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrUniqueViolation {
			return entitlement.ErrConflict
		}
		return err
	}
	return nil
}

func (s *Store) Update(ctx context.Context, id string, upd entitlement.EntitlementUpdate) error {
	sets := []string{"updated_at = now()"}
	args := []any{}
	next := 1
	if upd.Status != nil {
		sets = append(sets, fmt.Sprintf("status = $%d", next))
		args = append(args, *upd.Status)
		next++
	}
	if upd.ExpiresAt != nil {
		sets = append(sets, fmt.Sprintf("expires_at = $%d", next))
		args = append(args, *upd.ExpiresAt)
		next++
	}
	if upd.LastValidatedAt != nil {
		sets = append(sets, fmt.Sprintf("last_validated_at = $%d", next))
		args = append(args, *upd.LastValidatedAt)
		next++
	}
	args = append(args, id)
	res, err := s.db.ExecContext(ctx, fmt.Sprintf(`
		update user_entitlements set %s where id = $%d
	`, strings.Join(sets, ", "), next), args...)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return entitlement.ErrNotFound
	}
	return nil
}

func (s *Store) AssignToGroups(ctx context.Context, id string, groupIDs []string) error {
	rawGroups, err := json.Marshal(groupIDs)
	if err != nil {
		return fmt.Errorf("encode group ids: %w", err)
	}
	res, err := s.db.ExecContext(ctx, `
		update user_entitlements set group_ids = $1, updated_at = now() where id = $2
	`, rawGroups, id)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return entitlement.ErrNotFound
	}
	return nil
}

// --- RuleStore ---

func (s *Store) FindActiveByOrganization(ctx context.Context, orgID string) ([]entitlement.DefaultGroupAssignment, error) {
	rows, err := s.db.QueryContext(ctx, `
		select id, organization_id, condition_type, condition_value, group_id, active, created_at
		from default_group_assignments
		where organization_id = $1 and active
		order by created_at
	`, orgID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []entitlement.DefaultGroupAssignment
	for rows.Next() {
		var (
			rule  entitlement.DefaultGroupAssignment
			value sql.NullString
		)
		if err := rows.Scan(&rule.ID, &rule.OrganizationID, &rule.ConditionType, &value, &rule.GroupID, &rule.Active, &rule.CreatedAt); err != nil {
			return nil, err
		}
		rule.ConditionValue = value.String
		result = append(result, rule)
	}
	return result, rows.Err()
}

// --- AuditStore ---

func (s *Store) Append(ctx context.Context, entry *entitlement.AuditEntry) error {
	rawMeta := []byte("{}")
	if len(entry.Metadata) > 0 {
		encoded, err := json.Marshal(entry.Metadata)
		if err != nil {
			return fmt.Errorf("encode metadata: %w", err)
		}
		rawMeta = encoded
	}
	_, err := s.db.ExecContext(ctx, `
		insert into entitlement_audit_log
			(id, organization_id, action, actor_id, actor_email, target_type, target_id, metadata, occurred_at)
		values ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, entry.ID, entry.OrganizationID, entry.Action, entry.ActorID,
		nullIfEmpty(entry.ActorEmail), entry.TargetType, nullIfEmpty(entry.TargetID), rawMeta, entry.OccurredAt)
	return err
}

func nullIfEmpty(s string) sql.NullString {
	if strings.TrimSpace(s) == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}
