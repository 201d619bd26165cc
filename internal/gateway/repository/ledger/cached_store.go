package ledger

import (
	"context"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"modelgate/internal/gateway/entity"
)

const defaultCacheSize = 1024

// CachedStore wraps a Store with an LRU cache over Get. Only the read-only
// admin lookup path is cached; TryAdmit and Release always hit the origin so
// enforcement never sees a stale record.
type CachedStore struct {
	origin Store
	cache  *lru.Cache[entity.UserID, entity.UserRecord]
}

func NewCachedStore(origin Store) (*CachedStore, error) {
	cache, err := lru.New[entity.UserID, entity.UserRecord](defaultCacheSize)
	if err != nil {
		return nil, err
	}
	return &CachedStore{origin: origin, cache: cache}, nil
}

func (s *CachedStore) Get(ctx context.Context, id entity.UserID) (entity.UserRecord, error) {
	if rec, ok := s.cache.Get(id); ok {
		return rec, nil
	}
	rec, err := s.origin.Get(ctx, id)
	if err != nil {
		return entity.UserRecord{}, err
	}
	s.cache.Add(id, rec)
	return rec, nil
}

func (s *CachedStore) TryAdmit(ctx context.Context, id entity.UserID, now time.Time) (entity.UserRecord, error) {
	rec, err := s.origin.TryAdmit(ctx, id, now)
	if err != nil {
		return entity.UserRecord{}, err
	}
	s.cache.Add(id, rec)
	return rec, nil
}

func (s *CachedStore) Release(ctx context.Context, id entity.UserID) error {
	s.cache.Remove(id)
	return s.origin.Release(ctx, id)
}

func (s *CachedStore) Register(ctx context.Context, users []UserSpec) (int, error) {
	for _, spec := range users {
		s.cache.Remove(spec.Email)
	}
	return s.origin.Register(ctx, users)
}

func (s *CachedStore) Delete(ctx context.Context, id entity.UserID) (bool, error) {
	s.cache.Remove(id)
	return s.origin.Delete(ctx, id)
}

func (s *CachedStore) Close() error { return s.origin.Close() }
