package sqlguard

import (
	"context"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// CachedStore fronts a Store with an expiring LRU of records. Writes go
// through to the backing store before the cache is refreshed.
type CachedStore struct {
	Store
	cache   *expirable.LRU[string, QueryActivityRecord]
	metrics *Metrics
}

func NewCachedStore(backing Store, size int, ttl time.Duration, metrics *Metrics) *CachedStore {
	if size <= 0 {
		size = 1024
	}
	return &CachedStore{
		Store:   backing,
		cache:   expirable.NewLRU[string, QueryActivityRecord](size, nil, ttl),
		metrics: metrics,
	}
}

func (s *CachedStore) GetRecord(ctx context.Context, id string) (*QueryActivityRecord, error) {
	if rec, ok := s.cache.Get(id); ok {
		s.metrics.CacheLookup(true)
		return &rec, nil
	}
	s.metrics.CacheLookup(false)
	rec, err := s.Store.GetRecord(ctx, id)
	if err != nil {
		return nil, err
	}
	s.cache.Add(id, *rec)
	return rec, nil
}

func (s *CachedStore) SaveRecord(ctx context.Context, rec *QueryActivityRecord) error {
	if err := s.Store.SaveRecord(ctx, rec); err != nil {
		if rec != nil {
			s.cache.Remove(rec.ID)
		}
		return err
	}
	s.cache.Add(rec.ID, *rec)
	return nil
}

// Len reports the number of cached records.
func (s *CachedStore) Len() int {
	return s.cache.Len()
}
