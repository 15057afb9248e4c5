package entitlement

import "context"

// User is the resolved identity plus permission context a passing guard
// attaches to the request, so downstream handlers never re-fetch it.
type User struct {
	ID             string     `json:"id"`
	Email          string     `json:"email"`
	OrganizationID string     `json:"organization_id"`
	Permissions    []string   `json:"permissions"`
	Groups         []GroupRef `json:"groups"`
}

type userContextKey struct{}

// ContextWithUser attaches the entitlement user to the context.
func ContextWithUser(ctx context.Context, user User) context.Context {
	return context.WithValue(ctx, userContextKey{}, &user)
}

// UserFromContext extracts the entitlement user from the context.
func UserFromContext(ctx context.Context) (User, bool) {
	if ctx == nil {
		return User{}, false
	}
	v, ok := ctx.Value(userContextKey{}).(*User)
	if !ok || v == nil {
		return User{}, false
	}
	return *v, true
}

// HasPermission reports whether the attached context grants the code.
func (u User) HasPermission(code string) bool {
	for _, p := range u.Permissions {
		if p == code {
			return true
		}
	}
	return false
}
