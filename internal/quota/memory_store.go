package quota

import (
	"context"
	"sync"
)

// MemoryStore is an in-process Store used by tests and single-node dev
// setups. Records are copied on the way in and out so callers never share
// map state with the store.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]*Record
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: make(map[string]*Record),
	}
}

func (s *MemoryStore) Get(ctx context.Context, userID string) (*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	record, ok := s.records[userID]
	if !ok {
		return nil, ErrRecordNotFound
	}
	return copyRecord(record), nil
}

func (s *MemoryStore) Upsert(ctx context.Context, record *Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.records[record.UserID] = copyRecord(record)
	return nil
}

func copyRecord(r *Record) *Record {
	cp := *r
	cp.UsedTokens = make(map[string]int, len(r.UsedTokens))
	for k, v := range r.UsedTokens {
		cp.UsedTokens[k] = v
	}
	cp.LimitTokens = make(map[string]int, len(r.LimitTokens))
	for k, v := range r.LimitTokens {
		cp.LimitTokens[k] = v
	}
	return &cp
}
