package alarms

import (
	"sync"
	"time"

	"cpguard/internal/model"
)

// Store is a bounded in-memory ring of emitted alarms for in-process
// consumers; durable persistence lives in the storage package.
type Store struct {
	mu    sync.RWMutex
	buf   []model.Alarm
	limit int
}

func NewStore(limit int) *Store {
	if limit <= 0 {
		limit = 1000
	}
	return &Store{limit: limit}
}

func (s *Store) Add(a model.Alarm) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.buf) < s.limit {
		s.buf = append(s.buf, a)
		return
	}
	copy(s.buf, s.buf[1:])
	s.buf[len(s.buf)-1] = a
}

func (s *Store) List(limit int) []model.Alarm {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if limit <= 0 || limit > len(s.buf) {
		limit = len(s.buf)
	}
	out := make([]model.Alarm, 0, limit)
	start := len(s.buf) - limit
	if start < 0 {
		start = 0
	}
	for i := start; i < len(s.buf); i++ {
		out = append(out, s.buf[i])
	}
	return out
}

func (s *Store) Since(ts time.Time) []model.Alarm {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.Alarm, 0)
	for _, a := range s.buf {
		if !a.Timestamp.Before(ts) {
			out = append(out, a)
		}
	}
	return out
}

func (s *Store) ByCP(cpID string, limit int) []model.Alarm {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.Alarm, 0)
	for i := len(s.buf) - 1; i >= 0; i-- {
		if s.buf[i].CPID != cpID {
			continue
		}
		out = append(out, s.buf[i])
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out
}

func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.buf = nil
}
