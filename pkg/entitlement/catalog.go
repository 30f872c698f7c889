package entitlement

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// CachedCatalog wraps a Catalog with a TTL cache and request coalescing.
// Episode monetization fields change rarely, and the unlock path reads
// them on every call; concurrent lookups for the same episode are
// collapsed into a single upstream fetch.
type CachedCatalog struct {
	upstream Catalog
	ttl      time.Duration

	mu      sync.RWMutex
	entries map[string]catalogEntry
	group   singleflight.Group
}

type catalogEntry struct {
	episode    *Episode
	expiration time.Time
}

// NewCachedCatalog wraps upstream with a cache. ttl <= 0 defaults to 30s.
func NewCachedCatalog(upstream Catalog, ttl time.Duration) *CachedCatalog {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &CachedCatalog{
		upstream: upstream,
		ttl:      ttl,
		entries:  make(map[string]catalogEntry),
	}
}

// GetEpisode implements Catalog.
func (c *CachedCatalog) GetEpisode(ctx context.Context, seriesID string, episodeNum int) (*Episode, error) {
	key := fmt.Sprintf("%s:%d", seriesID, episodeNum)

	c.mu.RLock()
	entry, ok := c.entries[key]
	c.mu.RUnlock()
	if ok && time.Now().Before(entry.expiration) {
		return entry.episode, nil
	}

	v, err, _ := c.group.Do(key, func() (interface{}, error) {
		episode, err := c.upstream.GetEpisode(ctx, seriesID, episodeNum)
		if err != nil {
			return nil, err
		}
		c.mu.Lock()
		c.entries[key] = catalogEntry{episode: episode, expiration: time.Now().Add(c.ttl)}
		c.mu.Unlock()
		return episode, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Episode), nil
}

// Invalidate drops a cached episode, for catalog-edit propagation.
func (c *CachedCatalog) Invalidate(seriesID string, episodeNum int) {
	c.mu.Lock()
	delete(c.entries, fmt.Sprintf("%s:%d", seriesID, episodeNum))
	c.mu.Unlock()
}

// StaticCatalog is a map-backed Catalog for tests and development.
type StaticCatalog struct {
	mu       sync.RWMutex
	episodes map[string]*Episode
}

// NewStaticCatalog creates an empty static catalog.
func NewStaticCatalog() *StaticCatalog {
	return &StaticCatalog{episodes: make(map[string]*Episode)}
}

// Put adds or replaces an episode.
func (c *StaticCatalog) Put(ep *Episode) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.episodes[fmt.Sprintf("%s:%d", ep.SeriesID, ep.EpisodeNum)] = ep
}

// GetEpisode implements Catalog.
func (c *StaticCatalog) GetEpisode(_ context.Context, seriesID string, episodeNum int) (*Episode, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ep, ok := c.episodes[fmt.Sprintf("%s:%d", seriesID, episodeNum)]
	if !ok {
		return nil, ErrEpisodeNotFound
	}
	epCopy := *ep
	return &epCopy, nil
}
