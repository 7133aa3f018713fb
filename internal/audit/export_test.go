package audit

import "github.com/google/uuid"

// Tamper rewrites a stored record in place, bypassing the ledger.
func (s *InMemoryStore) Tamper(id uuid.UUID, fn func(r *Record)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(s.records[s.byID[id]])
}

// DropOldest removes the first n records without recording a purge anchor.
func (s *InMemoryStore) DropOldest(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = s.records[n:]
	s.byID = make(map[uuid.UUID]int, len(s.records))
	for i, r := range s.records {
		s.byID[r.ID] = i
	}
}
