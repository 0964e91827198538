package route

import (
	"net/netip"
	"sync"
)

// ManagedRoute is a route this process installed and is responsible for
// removing.
type ManagedRoute struct {
	Destination   netip.Prefix
	InterfaceLUID uint64
	Metric        uint32
	Row           Row
}

// trackedSet is the list of routes currently under management. It exposes
// exactly four operations so no caller can reach the slice directly.
type trackedSet struct {
	mu     sync.Mutex
	routes []ManagedRoute
}

// add appends r unless the same destination on the same interface is
// already tracked. Reports whether it was appended.
func (s *trackedSet) add(r ManagedRoute) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.routes {
		if existing.Row.Same(r.Row) {
			return false
		}
	}
	s.routes = append(s.routes, r)
	return true
}

// removeMatching removes and returns every entry for dst on luid.
func (s *trackedSet) removeMatching(dst netip.Prefix, luid uint64) []ManagedRoute {
	s.mu.Lock()
	defer s.mu.Unlock()
	var removed []ManagedRoute
	kept := s.routes[:0]
	for _, r := range s.routes {
		if r.Destination == dst && r.InterfaceLUID == luid {
			removed = append(removed, r)
			continue
		}
		kept = append(kept, r)
	}
	// Zero the tail so removed entries are not retained by the backing array.
	for i := len(kept); i < len(s.routes); i++ {
		s.routes[i] = ManagedRoute{}
	}
	s.routes = kept
	return removed
}

// drain empties the set and returns what it held.
func (s *trackedSet) drain() []ManagedRoute {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.routes
	s.routes = nil
	return out
}

// snapshot returns a copy of the current entries.
func (s *trackedSet) snapshot() []ManagedRoute {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ManagedRoute, len(s.routes))
	copy(out, s.routes)
	return out
}
