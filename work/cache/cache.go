package cache

import (
	"fmt"
	"time"

	"github.com/maypok86/otter/v2"
)

// Cache holds rendered exports (guide documents, playlists) for a short time. Entries
// are keyed by kind and the build time of the catalog snapshot they were rendered from,
// so a new snapshot never sees output of an older one.
type Cache struct {
	entries  *otter.Cache[string, []byte]
	duration time.Duration
}

// NewCache creates a cache whose entries expire duration after they were stored.
func NewCache(duration time.Duration) *Cache {
	return &Cache{
		entries: otter.Must(&otter.Options[string, []byte]{
			MaximumSize:      64,
			ExpiryCalculator: otter.ExpiryWriting[string, []byte](duration),
		}),
		duration: duration,
	}
}

func cacheKey(kind string, version time.Time) string {
	return fmt.Sprintf("%s:%d", kind, version.UnixNano())
}

// Get returns the output of kind rendered from the snapshot built at version.
func (c *Cache) Get(kind string, version time.Time) ([]byte, bool) {
	return c.entries.GetIfPresent(cacheKey(kind, version))
}

// Set stores rendered output. The slice must not be modified afterwards.
func (c *Cache) Set(kind string, version time.Time, data []byte) {
	c.entries.Set(cacheKey(kind, version), data)
}

// Clear drops every entry.
func (c *Cache) Clear() {
	c.entries.InvalidateAll()
}

// Duration is the entry lifetime.
func (c *Cache) Duration() time.Duration {
	return c.duration
}
