package pg

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5/pgconn"

	"ursly.org/internal/entitlement"
)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return NewStore(db), mock
}

func entitlementRows() *sqlmock.Rows {
	return sqlmock.NewRows([]string{
		"id", "user_id", "organization_id", "email",
		"group_ids", "direct_permissions", "excluded_permissions",
		"status", "expires_at", "last_validated_at", "created_at", "updated_at",
	})
}

func TestFindByUser(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Now().UTC()

	mock.ExpectQuery("select (.+) from user_entitlements").
		WithArgs("user-1", "org-1").
		WillReturnRows(entitlementRows().AddRow(
			"ent-1", "user-1", "org-1", "joe@acme.com",
			[]byte(`["grp-1","grp-2"]`), []byte(`["files:share"]`), []byte(`[]`),
			"active", nil, nil, now, now,
		))

	ent, err := store.FindByUser(context.Background(), "user-1", "org-1")
	if err != nil {
		t.Fatalf("FindByUser: %v", err)
	}
	if ent.Email != "joe@acme.com" || ent.Status != entitlement.StatusActive {
		t.Fatalf("unexpected record: %+v", ent)
	}
	if len(ent.GroupIDs) != 2 || ent.GroupIDs[0] != "grp-1" {
		t.Fatalf("group ids not decoded: %v", ent.GroupIDs)
	}
	if len(ent.DirectPermissions) != 1 || ent.DirectPermissions[0] != "files:share" {
		t.Fatalf("direct permissions not decoded: %v", ent.DirectPermissions)
	}
	if len(ent.ExcludedPermissions) != 0 {
		t.Fatalf("excluded permissions not decoded: %v", ent.ExcludedPermissions)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestFindByUserNotFound(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery("select (.+) from user_entitlements").
		WithArgs("ghost", "org-1").
		WillReturnRows(entitlementRows())

	_, err := store.FindByUser(context.Background(), "ghost", "org-1")
	if !errors.Is(err, entitlement.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestCreateMapsUniqueViolationToConflict(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectExec("insert into user_entitlements").
		WillReturnError(&pgconn.PgError{Code: pgErrUniqueViolation})

	err := store.Create(context.Background(), &entitlement.UserEntitlement{
		ID: "ent-1", UserID: "user-1", OrganizationID: "org-1",
		Email: "joe@acme.com", Status: entitlement.StatusActive,
	})
	if !errors.Is(err, entitlement.ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
}

func TestUpdateNotFound(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectExec("update user_entitlements").
		WillReturnResult(sqlmock.NewResult(0, 0))

	status := entitlement.StatusExpired
	err := store.Update(context.Background(), "ghost", entitlement.EntitlementUpdate{Status: &status})
	if !errors.Is(err, entitlement.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestFindByGroupDecodesMembers(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Now().UTC()

	mock.ExpectQuery("select (.+) from user_entitlements").
		WithArgs("grp-1").
		WillReturnRows(entitlementRows().
			AddRow("ent-1", "user-1", "org-1", "a@acme.com",
				[]byte(`["grp-1"]`), []byte(`[]`), []byte(`[]`),
				"active", nil, nil, now, now).
			AddRow("ent-2", "user-2", "org-1", "b@acme.com",
				[]byte(`["grp-1","grp-2"]`), []byte(`[]`), []byte(`[]`),
				"suspended", nil, nil, now, now))

	members, err := store.FindByGroup(context.Background(), "grp-1")
	if err != nil {
		t.Fatalf("FindByGroup: %v", err)
	}
	if len(members) != 2 {
		t.Fatalf("expected 2 members, got %d", len(members))
	}
	if members[1].Status != entitlement.StatusSuspended {
		t.Fatalf("unexpected member: %+v", members[1])
	}
}

func TestSeedSystemGroupsSkipsSeededOrganization(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery("select count(.+) from permission_groups").
		WithArgs("org-1", entitlement.GroupTypeSystem).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(3))

	err := store.SeedSystemGroups(context.Background(), "org-1", entitlement.SystemGroups("org-1"))
	if err != nil {
		t.Fatalf("SeedSystemGroups: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("seeded org triggered inserts: %v", err)
	}
}

func TestSeedSystemPermissionsIsIdempotentSQL(t *testing.T) {
	store, mock := newMockStore(t)

	for range entitlement.BuiltinPermissions {
		mock.ExpectExec("insert into permissions").
			WillReturnResult(sqlmock.NewResult(0, 0))
	}

	if err := store.SeedSystemPermissions(context.Background(), entitlement.BuiltinPermissions); err != nil {
		t.Fatalf("SeedSystemPermissions: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestAppendAudit(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectExec("insert into entitlement_audit_log").
		WithArgs("aud-1", "org-1", entitlement.AuditAuthorizationDenied, "user-1",
			sqlmock.AnyArg(), "files", sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))

	err := store.Append(context.Background(), &entitlement.AuditEntry{
		ID:             "aud-1",
		OrganizationID: "org-1",
		Action:         entitlement.AuditAuthorizationDenied,
		ActorID:        "user-1",
		TargetType:     "files",
		Metadata:       map[string]any{"permission_code": "files:read"},
		OccurredAt:     time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}
