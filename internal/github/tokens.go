// internal/github/tokens.go
package github

import (
	"strconv"
	"time"

	"github.com/patrickmn/go-cache"
)

// tokenRefreshMargin drops cached tokens this long before GitHub expires them.
const tokenRefreshMargin = 10 * time.Minute

// InstallationToken is a short lived access token for one App installation.
type InstallationToken struct {
	Token     string
	ExpiresAt time.Time
}

// TokenCache holds installation tokens keyed by installation id. Entries
// expire lazily on access.
type TokenCache struct {
	items  *cache.Cache
	margin time.Duration
}

func NewTokenCache() *TokenCache {
	return &TokenCache{
		items:  cache.New(cache.NoExpiration, 0),
		margin: tokenRefreshMargin,
	}
}

// Get returns a token that is still comfortably valid.
func (t *TokenCache) Get(installationID int64) (InstallationToken, bool) {
	v, ok := t.items.Get(key(installationID))
	if !ok {
		return InstallationToken{}, false
	}
	return v.(InstallationToken), true
}

// Set caches tok until margin before its expiry. Tokens already inside the
// margin are not cached.
func (t *TokenCache) Set(installationID int64, tok InstallationToken) {
	ttl := time.Until(tok.ExpiresAt) - t.margin
	if ttl <= 0 {
		return
	}
	t.items.Set(key(installationID), tok, ttl)
}

// Invalidate drops the cached token for an installation.
func (t *TokenCache) Invalidate(installationID int64) {
	t.items.Delete(key(installationID))
}

func key(installationID int64) string {
	return strconv.FormatInt(installationID, 10)
}
