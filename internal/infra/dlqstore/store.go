// Package dlqstore provides pluggable persistence backends for the
// dead-letter queue. The queue itself owns ordering and lifecycle; a store
// only has to save, delete and reload entries.
package dlqstore

import (
	"context"

	"github.com/minhvu/mapflow/internal/core/domain"
)

// Store persists dead-letter entries.
type Store interface {
	// Save writes or overwrites an entry.
	Save(ctx context.Context, entry *domain.Entry) error

	// Delete removes an entry. Deleting a missing entry is not an error.
	Delete(ctx context.Context, id string) error

	// LoadAll returns every persisted entry in original enqueue order.
	LoadAll(ctx context.Context) ([]*domain.Entry, error)

	// Close releases backend resources.
	Close() error
}
