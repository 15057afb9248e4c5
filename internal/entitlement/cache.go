package entitlement

import (
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// permissionsCache is the advisory, process-local cache of computed
// permission sets, keyed organizationID:userID. Staleness is bounded by
// the TTL; mutating admin operations invalidate entries explicitly. The
// store remains the source of truth.
type permissionsCache struct {
	lru *expirable.LRU[string, *ComputedUserPermissions]
}

func newPermissionsCache(size int, ttl time.Duration) *permissionsCache {
	return &permissionsCache{
		lru: expirable.NewLRU[string, *ComputedUserPermissions](size, nil, ttl),
	}
}

func cacheKey(orgID, userID string) string {
	return orgID + ":" + userID
}

func (c *permissionsCache) Get(orgID, userID string) (*ComputedUserPermissions, bool) {
	return c.lru.Get(cacheKey(orgID, userID))
}

func (c *permissionsCache) Set(computed *ComputedUserPermissions) {
	c.lru.Add(cacheKey(computed.OrganizationID, computed.UserID), computed)
}

func (c *permissionsCache) Invalidate(orgID, userID string) {
	c.lru.Remove(cacheKey(orgID, userID))
}

func (c *permissionsCache) Purge() {
	c.lru.Purge()
}
