package policy

import "github.com/dgraph-io/ristretto/v2"

// resolution is a memoised Resolve result. Misses are cached too.
type resolution struct {
	group string
	pol   *Policy
	ok    bool
}

// CachedResolver memoises [Resolver.Resolve] per full method name in a
// ristretto cache. Group sets are immutable after construction, so entries
// never go stale.
type CachedResolver struct {
	res *Resolver
	rc  *ristretto.Cache[string, resolution]
}

// NewCachedResolver wraps r with a cache holding up to size methods.
func NewCachedResolver(r *Resolver, size int64) (*CachedResolver, error) {
	if size <= 0 {
		size = 1024
	}
	rc, err := ristretto.NewCache(&ristretto.Config[string, resolution]{
		NumCounters: size * 10,
		MaxCost:     size,
		BufferItems: 64,
	})
	if err != nil {
		return nil, err
	}
	return &CachedResolver{res: r, rc: rc}, nil
}

// Resolve behaves like [Resolver.Resolve].
func (c *CachedResolver) Resolve(fullMethod string) (groupName string, pol *Policy, ok bool) {
	if v, hit := c.rc.Get(fullMethod); hit {
		return v.group, v.pol, v.ok
	}
	groupName, pol, ok = c.res.Resolve(fullMethod)
	c.rc.Set(fullMethod, resolution{group: groupName, pol: pol, ok: ok}, 1)
	return groupName, pol, ok
}

// Wait blocks until pending cache writes are applied.
func (c *CachedResolver) Wait() { c.rc.Wait() }

// Close releases the cache's background goroutines.
func (c *CachedResolver) Close() { c.rc.Close() }
