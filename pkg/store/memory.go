package store

import (
	"context"
	"sync"

	"github.com/speedrun-hq/session-relayer/pkg/models"
)

// MemoryStore keeps payments in process memory
type MemoryStore struct {
	mu       sync.RWMutex
	payments map[string]*models.Payment
}

var _ PaymentStore = (*MemoryStore)(nil)

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{payments: make(map[string]*models.Payment)}
}

func (s *MemoryStore) FindByID(_ context.Context, id string) (*models.Payment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.payments[id]
	if !ok {
		return nil, ErrNotFound
	}
	return clonePayment(p), nil
}

func (s *MemoryStore) Save(_ context.Context, p *models.Payment) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.payments[p.ID]
	if !ok {
		s.payments[p.ID] = clonePayment(p)
		return nil
	}

	existing.Status = p.Status
	if p.TransactionHash != "" {
		existing.TransactionHash = p.TransactionHash
	}
	existing.Metadata = mergeMetadata(existing.Metadata, p.Metadata)
	return nil
}

func clonePayment(p *models.Payment) *models.Payment {
	out := *p
	out.Metadata = mergeMetadata(nil, p.Metadata)
	return &out
}
