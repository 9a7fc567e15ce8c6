package mempool

import (
	lru "github.com/hashicorp/golang-lru/v2"
)

// DefaultCacheSize is used when the configured cache size is not positive.
const DefaultCacheSize = 10000

// CommittedCache remembers the IDs of recently finalized transactions so a
// late resubmission is not proposed a second time. The least recently
// committed IDs are forgotten first.
type CommittedCache struct {
	ids *lru.Cache[string, struct{}]
}

// NewCommittedCache creates a cache holding at most capacity IDs.
func NewCommittedCache(capacity int) (*CommittedCache, error) {
	if capacity <= 0 {
		capacity = DefaultCacheSize
	}
	ids, err := lru.New[string, struct{}](capacity)
	if err != nil {
		return nil, err
	}
	return &CommittedCache{ids: ids}, nil
}

// Add records a committed transaction ID.
func (c *CommittedCache) Add(id string) {
	c.ids.Add(id, struct{}{})
}

// Contains reports whether id was committed recently.
func (c *CommittedCache) Contains(id string) bool {
	return c.ids.Contains(id)
}

// Len returns the number of cached IDs.
func (c *CommittedCache) Len() int {
	return c.ids.Len()
}

// Reset clears the cache.
func (c *CommittedCache) Reset() {
	c.ids.Purge()
}
