// Package cache provides the short-TTL memoization the hypervisor
// connection layer uses to dedupe repeated statsToStateDB/
// statsToMetricsDB calls within a single collection cycle, the same
// pattern the teacher's instance-type and image-family providers use
// for their own per-process caches.
package cache

import (
	"time"

	gocache "github.com/patrickmn/go-cache"
)

// DefaultStatsTTL is the ~5s memoization window called out in the
// hypervisor connection contract.
const DefaultStatsTTL = 5 * time.Second

// TTL is a minimal typed wrapper around patrickmn/go-cache so callers
// don't sprinkle type assertions at every Get.
type TTL struct {
	c *gocache.Cache
}

func New(ttl time.Duration) *TTL {
	return &TTL{c: gocache.New(ttl, 2*ttl)}
}

func (t *TTL) Get(key string) (interface{}, bool) {
	return t.c.Get(key)
}

func (t *TTL) Set(key string, value interface{}, ttl time.Duration) {
	t.c.Set(key, value, ttl)
}

func (t *TTL) Delete(key string) {
	t.c.Delete(key)
}
