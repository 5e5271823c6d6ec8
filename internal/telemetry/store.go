package telemetry

import (
	"sync"
	"time"

	"cpguard/internal/model"
)

// Store keeps the latest state snapshot per charge point, evicting the
// stalest entry when the fleet outgrows the limit.
type Store struct {
	mu        sync.RWMutex
	byCP      map[string]model.StateSnapshot
	updatedAt map[string]time.Time
	limit     int
}

func NewStore(limit int) *Store {
	if limit <= 0 {
		limit = 5000
	}
	return &Store{
		byCP:      make(map[string]model.StateSnapshot),
		updatedAt: make(map[string]time.Time),
		limit:     limit,
	}
}

func (s *Store) Update(cpID string, snap model.StateSnapshot) {
	if cpID == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byCP[cpID] = snap
	s.updatedAt[cpID] = time.Now().UTC()
	if len(s.byCP) > s.limit {
		s.evictOldest()
	}
}

func (s *Store) Get(cpID string) (model.StateSnapshot, time.Time, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap, ok := s.byCP[cpID]
	if !ok {
		return model.StateSnapshot{}, time.Time{}, false
	}
	return snap, s.updatedAt[cpID], true
}

func (s *Store) GetAll() map[string]model.StateSnapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]model.StateSnapshot, len(s.byCP))
	for cpID, snap := range s.byCP {
		out[cpID] = snap
	}
	return out
}

func (s *Store) evictOldest() {
	var oldestCP string
	var oldest time.Time
	for cpID, ts := range s.updatedAt {
		if oldestCP == "" || ts.Before(oldest) {
			oldestCP = cpID
			oldest = ts
		}
	}
	if oldestCP != "" {
		delete(s.byCP, oldestCP)
		delete(s.updatedAt, oldestCP)
	}
}

func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byCP = make(map[string]model.StateSnapshot)
	s.updatedAt = make(map[string]time.Time)
}
