package dlqstore

import (
	"context"

	"github.com/minhvu/mapflow/internal/core/domain"
)

// MemoryStore is the no-op backend: the queue's in-memory state is the only
// copy, so nothing survives a restart.
type MemoryStore struct{}

// NewMemoryStore creates a memory-only store.
func NewMemoryStore() *MemoryStore { return &MemoryStore{} }

func (s *MemoryStore) Save(context.Context, *domain.Entry) error { return nil }

func (s *MemoryStore) Delete(context.Context, string) error { return nil }

func (s *MemoryStore) LoadAll(context.Context) ([]*domain.Entry, error) { return nil, nil }

func (s *MemoryStore) Close() error { return nil }
