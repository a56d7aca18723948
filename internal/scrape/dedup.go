package scrape

import (
	gocache "github.com/patrickmn/go-cache"

	"github.com/google/uuid"
)

// PersonCache remembers which persons have already been fully persisted
// so repeat appearances across races cost nothing. In bypass mode
// seeding from the store is ignored, which forces a refetch of every
// person's sub-records; marks made during the run still dedupe.
type PersonCache struct {
	cache  *gocache.Cache
	bypass bool
}

// NewPersonCache returns an empty cache. Entries never expire; the
// cache lives only as long as one pipeline run.
func NewPersonCache(bypass bool) *PersonCache {
	return &PersonCache{
		cache:  gocache.New(gocache.NoExpiration, 0),
		bypass: bypass,
	}
}

// Seed preloads IDs already present in the store. No-op in bypass mode.
func (p *PersonCache) Seed(ids []uuid.UUID) {
	if p.bypass {
		return
	}
	for _, id := range ids {
		p.cache.Set(id.String(), struct{}{}, gocache.NoExpiration)
	}
}

// Seen reports whether the person can be skipped.
func (p *PersonCache) Seen(id uuid.UUID) bool {
	_, ok := p.cache.Get(id.String())
	return ok
}

// Mark records a person as fully persisted.
func (p *PersonCache) Mark(id uuid.UUID) {
	p.cache.Set(id.String(), struct{}{}, gocache.NoExpiration)
}

// Len reports how many persons are cached.
func (p *PersonCache) Len() int {
	return p.cache.ItemCount()
}
