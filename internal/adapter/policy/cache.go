package policy

import (
	"context"

	lru "github.com/hashicorp/golang-lru/v2"
)

// Cached wraps an Oracle with an LRU decision cache keyed by
// (subject, verb, object), the same cache-aside shape the example pack
// uses for participant enrichment: policy decisions are comparatively
// expensive (a remote call in the worst case) and idempotent for a given
// key, so repeats on the hot send path are free after the first miss.
type Cached struct {
	next  Oracle
	cache *lru.Cache[Decision, bool]
}

// NewCached builds a cache-aside oracle of the given capacity in front of
// next.
func NewCached(next Oracle, capacity int) (*Cached, error) {
	c, err := lru.New[Decision, bool](capacity)
	if err != nil {
		return nil, err
	}
	return &Cached{next: next, cache: c}, nil
}

func (c *Cached) Allowed(ctx context.Context, d Decision) (bool, error) {
	if allowed, ok := c.cache.Get(d); ok {
		return allowed, nil
	}
	allowed, err := c.next.Allowed(ctx, d)
	if err != nil {
		return false, err
	}
	c.cache.Add(d, allowed)
	return allowed, nil
}

// Purge drops every cached decision, for when the underlying rule set
// changes, so stale allow/deny answers don't outlive the rules that
// produced them. Nothing in kbusd calls it.
func (c *Cached) Purge() {
	c.cache.Purge()
}
