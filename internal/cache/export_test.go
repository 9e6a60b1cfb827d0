package cache

import "time"

// SetNowFunc overrides the cache clock for expiry tests.
func (c *QueryCache) SetNowFunc(fn func() time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.now = fn
}
