package counter

import (
	"context"
	"sync"
	"time"
)

// MemoryService is an in-process counter store. It backs single-node
// deployments and tests; multi-worker deployments want RedisService.
type MemoryService struct {
	mu      sync.Mutex
	counts  map[string]int
	expires map[string]time.Time
}

func NewMemoryService() *MemoryService {
	return &MemoryService{
		counts:  make(map[string]int),
		expires: make(map[string]time.Time),
	}
}

func (s *MemoryService) Reserve(_ context.Context, key string, bucket time.Time, ttl time.Duration, limit int) (bool, error) {
	if limit <= 0 {
		return true, nil
	}

	storageKey := BucketKey(key, bucket)
	now := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	s.pruneLocked(now)

	if s.counts[storageKey] >= limit {
		return false, nil
	}

	s.counts[storageKey]++

	if _, ok := s.expires[storageKey]; !ok && ttl > 0 {
		s.expires[storageKey] = now.Add(ttl)
	}

	return true, nil
}

func (s *MemoryService) pruneLocked(now time.Time) {
	for key, deadline := range s.expires {
		if now.After(deadline) {
			delete(s.expires, key)
			delete(s.counts, key)
		}
	}
}

// Count reports the current value for a bucket. Test helper.
func (s *MemoryService) Count(key string, bucket time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.counts[BucketKey(key, bucket)]
}
