package rqtree

import (
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// listCache is the short-lived directory-listing cache:
// "the listing cache is process-local and invalidated on any local
// mutation of its directory." Grounded on the teacher's ACLCache
// (internal/server/acl/cache.go), same expirable.LRU shape, generalized
// from access decisions to listing results. Invalidation drops the one
// listing keyed by the exact directory path; it does not cascade to
// listings of subdirectories.
type listCache struct {
	index *expirable.LRU[string, []*RQFile]
}

func newListCache(size int, ttl time.Duration) *listCache {
	return &listCache{index: expirable.NewLRU[string, []*RQFile](size, nil, ttl)}
}

func (c *listCache) Get(dirPath string) ([]*RQFile, bool) {
	return c.index.Get(dirPath)
}

func (c *listCache) Set(dirPath string, entries []*RQFile) {
	c.index.Add(dirPath, entries)
}

// Invalidate drops the cached listing for dirPath.
func (c *listCache) Invalidate(dirPath string) {
	c.index.Remove(dirPath)
}

// Clear drops every cached listing.
func (c *listCache) Clear() {
	c.index.Purge()
}
