package memory

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

const inMemoryMaxPerScope = 200

// InMemoryStore is an in-process store for local/dev use. It keeps the most
// recent turns per tenant and scope.
type InMemoryStore struct {
	mu      sync.RWMutex
	records map[string][]TurnRecord
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{records: make(map[string][]TurnRecord)}
}

func (s *InMemoryStore) SaveTurn(_ context.Context, record TurnRecord) error {
	if err := normalize(&record, uuid.NewString); err != nil {
		return err
	}
	key := scopeKey(record.TenantID, record.ContextScope)

	s.mu.Lock()
	defer s.mu.Unlock()
	arr := append(s.records[key], record)
	if len(arr) > inMemoryMaxPerScope {
		arr = append([]TurnRecord(nil), arr[len(arr)-inMemoryMaxPerScope:]...)
	}
	s.records[key] = arr
	return nil
}

func (s *InMemoryStore) RecentTurns(_ context.Context, tenantID, contextScope string, limit int) ([]TurnRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	arr := s.records[scopeKey(tenantID, contextScope)]
	if len(arr) == 0 {
		return nil, nil
	}
	if limit <= 0 || limit > len(arr) {
		limit = len(arr)
	}
	out := make([]TurnRecord, limit)
	copy(out, arr[len(arr)-limit:])
	return out, nil
}

func (s *InMemoryStore) Close() error { return nil }
