package abuse

import (
	"sync"
	"time"
)

// Limit caps the number of events allowed within Window.
type Limit struct {
	Window time.Duration
	Max    int
}

// SlidingWindow counts timestamped events per key. Allow checks and records
// in one critical section, so concurrent sessions sharing a key cannot both
// squeeze under a limit.
type SlidingWindow struct {
	mu        sync.Mutex
	events    map[string][]time.Time
	maxWindow time.Duration
	now       func() time.Time
}

func NewSlidingWindow(maxWindow time.Duration) *SlidingWindow {
	return &SlidingWindow{
		events:    make(map[string][]time.Time),
		maxWindow: maxWindow,
		now:       time.Now,
	}
}

// Allow records an event for key when every limit still has room.
func (s *SlidingWindow) Allow(key string, limits ...Limit) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	events := s.trimLocked(key, now)
	for _, l := range limits {
		if l.Max <= 0 {
			continue
		}
		if countSince(events, now.Add(-l.Window)) >= l.Max {
			return false
		}
	}
	s.events[key] = append(events, now)
	return true
}

// Count returns the events recorded for key within window.
func (s *SlidingWindow) Count(key string, window time.Duration) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	return countSince(s.trimLocked(key, now), now.Add(-window))
}

func (s *SlidingWindow) Reset(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.events, key)
}

// Prune drops keys with no events inside the longest window and returns how
// many were removed.
func (s *SlidingWindow) Prune() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	removed := 0
	for key := range s.events {
		if len(s.trimLocked(key, now)) == 0 {
			delete(s.events, key)
			removed++
		}
	}
	return removed
}

func (s *SlidingWindow) Keys() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.events)
}

// trimLocked discards events older than maxWindow.
func (s *SlidingWindow) trimLocked(key string, now time.Time) []time.Time {
	events := s.events[key]
	cutoff := now.Add(-s.maxWindow)
	i := 0
	for i < len(events) && !events[i].After(cutoff) {
		i++
	}
	if i > 0 {
		events = append(events[:0], events[i:]...)
		if len(events) == 0 {
			delete(s.events, key)
			return nil
		}
		s.events[key] = events
	}
	return events
}

// countSince counts events after cutoff; events are in ascending order.
func countSince(events []time.Time, cutoff time.Time) int {
	n := 0
	for i := len(events) - 1; i >= 0 && events[i].After(cutoff); i-- {
		n++
	}
	return n
}
