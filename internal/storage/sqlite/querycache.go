package sqlite

import (
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/kokoroai/kokoro/pkg/types"
)

const (
	cacheTTL     = 5 * time.Minute
	cacheEntries = 512
)

// queryCache fronts read-mostly queries with a bounded TTL cache. Any write
// purges it wholesale: correctness beats hit rate on a single-writer store.
type queryCache struct {
	records *expirable.LRU[string, *types.MemoryRecord]
	stats   *expirable.LRU[string, int]
}

func newQueryCache() *queryCache {
	return &queryCache{
		records: expirable.NewLRU[string, *types.MemoryRecord](cacheEntries, nil, cacheTTL),
		stats:   expirable.NewLRU[string, int](16, nil, cacheTTL),
	}
}

// GetRecord returns a copy so callers can mutate results freely.
func (c *queryCache) GetRecord(key string) (*types.MemoryRecord, bool) {
	rec, ok := c.records.Get(key)
	if !ok {
		return nil, false
	}
	cp := *rec
	return &cp, true
}

func (c *queryCache) PutRecord(key string, rec *types.MemoryRecord) {
	cp := *rec
	c.records.Add(key, &cp)
}

func (c *queryCache) GetStat(name string) (int, bool) {
	return c.stats.Get(name)
}

func (c *queryCache) PutStat(name string, n int) {
	c.stats.Add(name, n)
}

func (c *queryCache) Purge() {
	c.records.Purge()
	c.stats.Purge()
}
