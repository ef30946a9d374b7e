package apimgr

import (
	"sync"
	"time"
)

// slidingWindow counts requests per caller over a rolling window. The
// (N+1)th request inside the window is rejected; once the oldest hit ages
// out, requests pass again.
type slidingWindow struct {
	mu     sync.Mutex
	window time.Duration
	limit  int
	hits   map[string][]time.Time
}

func newSlidingWindow(limit RateLimit) *slidingWindow {
	return &slidingWindow{
		window: limit.Window(),
		limit:  limit.Requests,
		hits:   make(map[string][]time.Time),
	}
}

// Allow records a hit for id and reports whether it fits the budget. When
// rejected, retryAfter is how long until the window frees a slot.
func (s *slidingWindow) Allow(id string, now time.Time) (allowed bool, retryAfter time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := now.Add(-s.window)
	recent := s.hits[id][:0]
	for _, t := range s.hits[id] {
		if t.After(cutoff) {
			recent = append(recent, t)
		}
	}

	if len(recent) >= s.limit {
		s.hits[id] = recent
		return false, recent[0].Add(s.window).Sub(now)
	}

	s.hits[id] = append(recent, now)
	return true, 0
}

// prune drops callers whose every hit has aged out. Called periodically so
// the map does not grow without bound.
func (s *slidingWindow) prune(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := now.Add(-s.window)
	for id, hits := range s.hits {
		if len(hits) == 0 || !hits[len(hits)-1].After(cutoff) {
			delete(s.hits, id)
		}
	}
}
