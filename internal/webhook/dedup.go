// internal/webhook/dedup.go
package webhook

import (
	"time"

	"github.com/patrickmn/go-cache"
)

// DeliveryTracker remembers X-GitHub-Delivery ids so redelivered events are
// acknowledged without being processed twice.
type DeliveryTracker struct {
	seen *cache.Cache
	ttl  time.Duration
}

// NewDeliveryTracker keeps delivery ids for ttl. Expired entries are dropped
// lazily on access.
func NewDeliveryTracker(ttl time.Duration) *DeliveryTracker {
	return &DeliveryTracker{
		seen: cache.New(ttl, 0),
		ttl:  ttl,
	}
}

// Claim records id and reports whether this is its first delivery.
// Empty ids are always claimable.
func (d *DeliveryTracker) Claim(id string) bool {
	if id == "" {
		return true
	}
	return d.seen.Add(id, struct{}{}, d.ttl) == nil
}

// Release forgets id so a retried delivery is processed again.
func (d *DeliveryTracker) Release(id string) {
	if id == "" {
		return
	}
	d.seen.Delete(id)
}
