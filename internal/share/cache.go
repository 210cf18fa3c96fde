package share

import (
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/dharsanguruparan/SoundDrop/internal/model"
)

// fileCache holds FileRecords by id. Records are immutable once registered,
// so the only staleness is a deleted file lingering until its entry expires;
// the resolver consults the cache only after the share itself checked out.
type fileCache struct {
	lru *expirable.LRU[string, *model.FileRecord]
}

func newFileCache(size int, ttl time.Duration) *fileCache {
	return &fileCache{lru: expirable.NewLRU[string, *model.FileRecord](size, nil, ttl)}
}

func (c *fileCache) get(id string) (*model.FileRecord, bool) {
	rec, ok := c.lru.Get(id)
	if !ok {
		fileCacheMissesTotal.Inc()
		return nil, false
	}
	fileCacheHitsTotal.Inc()
	cp := *rec
	return &cp, true
}

func (c *fileCache) add(rec *model.FileRecord) {
	cp := *rec
	c.lru.Add(rec.ID, &cp)
}
