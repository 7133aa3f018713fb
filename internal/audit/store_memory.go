package audit

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"trustlayer/pkg/platform/sentinel"
)

// InMemoryStore keeps the chain in a slice ordered by Seq. The mutex is the
// chain lock.
type InMemoryStore struct {
	mu      sync.RWMutex
	records []*Record
	byID    map[uuid.UUID]int
	nextSeq int64
	anchor  string
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{byID: make(map[uuid.UUID]int), nextSeq: 1}
}

func (s *InMemoryStore) AppendAtHead(ctx context.Context, build BuildFunc) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("append audit records: %w", sentinel.ErrUnavailable)
	}

	var head *Record
	if n := len(s.records); n > 0 {
		head = s.records[n-1].Clone()
	}
	batch, err := build(head)
	if err != nil {
		return err
	}
	for _, r := range batch {
		if _, dup := s.byID[r.ID]; dup {
			return fmt.Errorf("audit record %s: %w", r.ID, sentinel.ErrConflict)
		}
	}

	for _, r := range batch {
		r.Seq = s.nextSeq
		s.nextSeq++
		s.byID[r.ID] = len(s.records)
		s.records = append(s.records, r.Clone())
	}
	return nil
}

func (s *InMemoryStore) Get(_ context.Context, id uuid.UUID) (*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	i, ok := s.byID[id]
	if !ok {
		return nil, fmt.Errorf("audit record %s: %w", id, sentinel.ErrNotFound)
	}
	return s.records[i].Clone(), nil
}

func (s *InMemoryStore) Predecessor(_ context.Context, seq int64) (*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	i := s.indexAfter(seq - 1)
	if i == 0 {
		return nil, fmt.Errorf("no record before seq %d: %w", seq, sentinel.ErrNotFound)
	}
	return s.records[i-1].Clone(), nil
}

func (s *InMemoryStore) ListAfter(_ context.Context, afterSeq int64, limit int) ([]*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	start := s.indexAfter(afterSeq)
	end := len(s.records)
	if limit > 0 && start+limit < end {
		end = start + limit
	}
	out := make([]*Record, 0, end-start)
	for _, r := range s.records[start:end] {
		out = append(out, r.Clone())
	}
	return out, nil
}

// PurgeExpired removes the longest expired prefix, keeping the head, and
// remembers the last removed hash as the purge anchor.
func (s *InMemoryStore) PurgeExpired(_ context.Context, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for n < len(s.records)-1 && s.records[n].RetentionUntil.Before(now) {
		n++
	}
	if n == 0 {
		return 0, nil
	}
	s.anchor = s.records[n-1].CurrentHash
	s.records = append([]*Record(nil), s.records[n:]...)
	s.byID = make(map[uuid.UUID]int, len(s.records))
	for i, r := range s.records {
		s.byID[r.ID] = i
	}
	return int64(n), nil
}

func (s *InMemoryStore) PurgeAnchor(_ context.Context) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.anchor, nil
}

// indexAfter returns the index of the first record with Seq > seq.
func (s *InMemoryStore) indexAfter(seq int64) int {
	return sort.Search(len(s.records), func(i int) bool { return s.records[i].Seq > seq })
}
