package session

import (
	"sync"

	"github.com/golang/groupcache/lru"

	"ctviewer/internal/models"
	"ctviewer/pkg/window"
)

// windowCache keeps the display intensities of recently windowed volumes,
// keyed by volume identity and window bounds.
type windowCache struct {
	mu    sync.Mutex
	cache *lru.Cache

	hits, misses int
}

type windowKey struct {
	volume string
	window window.Window
}

func newWindowCache(entries int) *windowCache {
	return &windowCache{cache: lru.New(entries)}
}

// get returns the windowed samples of vol, computing them on a miss.
func (c *windowCache) get(vol *models.Volume, w window.Window, numCores int) ([]byte, error) {
	key := windowKey{volume: vol.ID(), window: w}

	c.mu.Lock()
	if v, ok := c.cache.Get(key); ok {
		c.hits++
		c.mu.Unlock()
		return v.([]byte), nil
	}
	c.misses++
	c.mu.Unlock()

	out, err := w.ApplyVolume(vol, numCores)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.cache.Add(key, out)
	c.mu.Unlock()
	return out, nil
}

func (c *windowCache) stats() (hits, misses int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hits, c.misses
}
