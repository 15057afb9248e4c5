package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"ursly.org/internal/entitlement"
	"ursly.org/internal/store/memory"
)

type guardFixture struct {
	guard *Guard
	store *memory.Store
	svc   *entitlement.Service
}

func newGuardFixture(t *testing.T) *guardFixture {
	t.Helper()
	store := memory.New()
	svc, err := entitlement.NewService(store)
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	if err := svc.EnsureCatalog(context.Background()); err != nil {
		t.Fatalf("EnsureCatalog: %v", err)
	}
	return &guardFixture{guard: NewGuard(svc), store: store, svc: svc}
}

// addMember creates a group carrying the given permissions and an active
// entitlement placing the user in it.
func (f *guardFixture) addMember(t *testing.T, orgID, userID, email string, permissionIDs ...string) string {
	t.Helper()
	group := entitlement.PermissionGroup{
		ID:             "grp-" + orgID + "-" + userID,
		OrganizationID: orgID,
		Name:           "Fixture " + userID,
		Type:           entitlement.GroupTypeCustom,
		PermissionIDs:  permissionIDs,
	}
	f.store.AddGroup(group)
	f.store.AddEntitlement(entitlement.UserEntitlement{
		ID:             "ent-" + orgID + "-" + userID,
		UserID:         userID,
		OrganizationID: orgID,
		Email:          email,
		GroupIDs:       []string{group.ID},
		Status:         entitlement.StatusActive,
	})
	return group.ID
}

func guardedRequest(target string, identity *Identity) *http.Request {
	req := httptest.NewRequest(http.MethodGet, target, nil)
	if identity != nil {
		req = req.WithContext(contextWithIdentity(req.Context(), *identity))
	}
	return req
}

func echoUser(t *testing.T, captured **entitlement.User) http.Handler {
	t.Helper()
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if user, ok := entitlement.UserFromContext(r.Context()); ok {
			*captured = &user
		}
		w.WriteHeader(http.StatusOK)
	})
}

func TestGuardRequiresIdentity(t *testing.T) {
	f := newGuardFixture(t)
	handler := f.guard.Protect(RequireAny(entitlement.PermFilesRead), http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler must not run without identity")
	}))

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, guardedRequest("/v1/files", nil))

	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rr.Code)
	}
}

func TestGuardRequiresEmail(t *testing.T) {
	f := newGuardFixture(t)
	identity := &Identity{UserID: "user-x", Email: "", OrganizationID: "org-fresh"}

	handler := f.guard.Protect(RequireAny(entitlement.PermFilesRead), http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler must not run without an email claim")
	}))
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, guardedRequest("/v1/files", identity))
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rr.Code)
	}

	// No entitlement may have been provisioned for the anonymous caller.
	if _, err := f.store.Entitlements().FindByUser(context.Background(), "user-x", "org-fresh"); err == nil {
		t.Fatal("entitlement provisioned despite missing email")
	}

	handler = f.guard.Protect(Requirement{}, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("validation-only route must not run without an email claim")
	}))
	rr = httptest.NewRecorder()
	handler.ServeHTTP(rr, guardedRequest("/v1/entitlements/me", identity))
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("validation-only route: expected 401, got %d", rr.Code)
	}
}

func TestGuardAllModeRequiresEveryPermission(t *testing.T) {
	f := newGuardFixture(t)
	f.addMember(t, "org-1", "user-1", "reader@acme.com", entitlement.PermFilesRead)
	identity := &Identity{UserID: "user-1", Email: "reader@acme.com", OrganizationID: "org-1"}

	handler := f.guard.Protect(
		RequireAll(entitlement.PermFilesRead, entitlement.PermFilesWrite),
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) }),
	)
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, guardedRequest("/v1/files", identity))

	if rr.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rr.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	msg, _ := body["error"].(string)
	if !strings.Contains(msg, "files:read AND files:write") {
		t.Fatalf("deny message should list both permissions, got %q", msg)
	}

	handler = f.guard.Protect(RequireAll(entitlement.PermFilesRead),
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) }))
	rr = httptest.NewRecorder()
	handler.ServeHTTP(rr, guardedRequest("/v1/files", identity))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200 for held permission, got %d: %s", rr.Code, rr.Body.String())
	}
}

func TestGuardAnyModeGrantsOnPartialMatch(t *testing.T) {
	f := newGuardFixture(t)
	f.addMember(t, "org-1", "user-1", "reader@acme.com", entitlement.PermFilesRead)
	identity := &Identity{UserID: "user-1", Email: "reader@acme.com", OrganizationID: "org-1"}

	var captured *entitlement.User
	handler := f.guard.Protect(
		RequireAny(entitlement.PermFilesWrite, entitlement.PermFilesRead),
		echoUser(t, &captured),
	)
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, guardedRequest("/v1/files", identity))

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if captured == nil {
		t.Fatal("expected user attached to context")
	}
	if !captured.HasPermission(entitlement.PermFilesRead) {
		t.Fatalf("attached user missing granted permission: %v", captured.Permissions)
	}

	rr = httptest.NewRecorder()
	denied := f.guard.Protect(
		RequireAny(entitlement.PermFilesWrite, entitlement.PermFilesDelete),
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) }),
	)
	denied.ServeHTTP(rr, guardedRequest("/v1/files", identity))
	if rr.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rr.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	msg, _ := body["error"].(string)
	if !strings.Contains(msg, "files:write OR files:delete") {
		t.Fatalf("deny message should join with OR, got %q", msg)
	}
}

func TestGuardSkipAndPublicBypass(t *testing.T) {
	f := newGuardFixture(t)
	for _, req := range []Requirement{{Skip: true}, {Public: true}} {
		handler := f.guard.Protect(req, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
		}))
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, guardedRequest("/open", nil))
		if rr.Code != http.StatusOK {
			t.Fatalf("bypass requirement %+v: expected 200, got %d", req, rr.Code)
		}
	}
}

func TestGuardOrganizationHeaderOverridesClaim(t *testing.T) {
	f := newGuardFixture(t)
	f.addMember(t, "org-a", "user-1", "joe@acme.com", entitlement.PermFilesRead)
	f.store.AddEntitlement(entitlement.UserEntitlement{
		ID:             "ent-org-b",
		UserID:         "user-1",
		OrganizationID: "org-b",
		Email:          "joe@acme.com",
		Status:         entitlement.StatusSuspended,
	})
	identity := &Identity{UserID: "user-1", Email: "joe@acme.com", OrganizationID: "org-b"}

	handler := f.guard.Protect(RequireAny(entitlement.PermFilesRead),
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) }))

	req := guardedRequest("/v1/files", identity)
	req.Header.Set(orgHeader, "org-a")
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200 against header org, got %d: %s", rr.Code, rr.Body.String())
	}

	rr = httptest.NewRecorder()
	handler.ServeHTTP(rr, guardedRequest("/v1/files", identity))
	if rr.Code != http.StatusForbidden {
		t.Fatalf("expected 403 against suspended claim org, got %d", rr.Code)
	}
}

func TestGuardValidationOnlyAttachesIdentity(t *testing.T) {
	f := newGuardFixture(t)
	f.addMember(t, "org-1", "user-1", "joe@acme.com", entitlement.PermFilesRead)

	var captured *entitlement.User
	handler := f.guard.Protect(Requirement{}, echoUser(t, &captured))

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, guardedRequest("/v1/entitlements/me",
		&Identity{UserID: "user-1", Email: "joe@acme.com", OrganizationID: "org-1"}))

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if captured == nil || captured.ID != "user-1" || captured.OrganizationID != "org-1" {
		t.Fatalf("unexpected attached user: %+v", captured)
	}
}

func TestGuardValidationOnlyRejectsSuspended(t *testing.T) {
	f := newGuardFixture(t)
	f.store.AddEntitlement(entitlement.UserEntitlement{
		ID:             "ent-1",
		UserID:         "user-1",
		OrganizationID: "org-1",
		Email:          "joe@acme.com",
		Status:         entitlement.StatusSuspended,
	})

	handler := f.guard.Protect(Requirement{}, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler must not run for suspended entitlement")
	}))

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, guardedRequest("/v1/entitlements/me",
		&Identity{UserID: "user-1", Email: "joe@acme.com", OrganizationID: "org-1"}))

	if rr.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rr.Code)
	}
}
